package message

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed outcome. The values travel on the wire as-is.
type ErrorKind string

const (
	UnknownMethod      ErrorKind = "UnknownMethod"
	InvalidArguments   ErrorKind = "InvalidArguments"
	ExecutionFailed    ErrorKind = "ExecutionFailed"
	Timeout            ErrorKind = "Timeout"
	ServerShuttingDown ErrorKind = "ServerShuttingDown"
	RateLimited        ErrorKind = "RateLimited"
	AlreadyRunning     ErrorKind = "AlreadyRunning"
	NotRunning         ErrorKind = "NotRunning"
	StartFailed        ErrorKind = "StartFailed"
)

// Error is an outcome with a kind a caller can branch on.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf returns an *Error of the given kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// AsError returns err as an *Error. Errors without a kind become ExecutionFailed.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: ExecutionFailed, Message: err.Error()}
}
