// Package queue is the mailbox between RPC worker goroutines and the owning thread.
//
// Workers Enqueue a Command and block on the returned PendingCall. The dispatcher
// running on the owning thread drains the queue, executes each command and
// resolves its PendingCall. Every PendingCall is resolved exactly once: with the
// command's result, with Timeout when its waiter gives up first, or with
// ServerShuttingDown when the queue is closed underneath it.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"cad-bridge/message"
)

// Command is one call waiting to run on the owning thread. It is not modified
// after Enqueue.
type Command struct {
	ID        string
	Method    string
	Args      []json.RawMessage
	CreatedAt time.Time
}

// NewCommand stamps a command with a fresh id.
func NewCommand(method string, args []json.RawMessage, now time.Time) Command {
	return Command{
		ID:        uuid.NewString(),
		Method:    method,
		Args:      args,
		CreatedAt: now,
	}
}

// Status is the coarse outcome of a command.
type Status int

const (
	StatusOK Status = iota
	StatusError
)

func (s Status) String() string {
	if s == StatusOK {
		return "ok"
	}
	return "error"
}

// Result is what a command produced.
type Result struct {
	CommandID string
	Status    Status
	Kind      message.ErrorKind
	Error     string
	Payload   json.RawMessage
}

// Success builds an ok Result.
func Success(id string, payload json.RawMessage) Result {
	return Result{CommandID: id, Status: StatusOK, Payload: payload}
}

// Failure builds an error Result from err, keeping its kind when it has one.
func Failure(id string, err error) Result {
	e := message.AsError(err)
	return Result{CommandID: id, Status: StatusError, Kind: e.Kind, Error: e.Message}
}

// Err returns the result's failure as an *message.Error, or nil when it succeeded.
func (r Result) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	return &message.Error{Kind: r.Kind, Message: r.Error}
}

const (
	callQueued int32 = iota
	callClaimed
	callAbandoned
)

// PendingCall pairs a Command with the one-shot signal its caller waits on.
type PendingCall struct {
	Command Command

	state  atomic.Int32
	once   sync.Once
	done   chan struct{}
	result Result
}

func newPendingCall(cmd Command) *PendingCall {
	return &PendingCall{Command: cmd, done: make(chan struct{})}
}

// Resolve stores r and releases the waiter. Only the first call has any effect;
// it reports whether this call was that one.
func (p *PendingCall) Resolve(r Result) bool {
	won := false
	p.once.Do(func() {
		r.CommandID = p.Command.ID
		p.result = r
		won = true
		close(p.done)
	})
	return won
}

// Done is closed once the call has been resolved.
func (p *PendingCall) Done() <-chan struct{} {
	return p.done
}

// Result returns the stored result. It is only meaningful after Done is closed.
func (p *PendingCall) Result() Result {
	<-p.done
	return p.result
}

// Claim marks the call as taken by the dispatcher. It fails when the waiter
// already abandoned the call, in which case the command must not run.
func (p *PendingCall) Claim() bool {
	return p.state.CompareAndSwap(callQueued, callClaimed)
}

// Abandon gives up on a call that the dispatcher has not claimed yet and resolves
// it with Timeout. It returns false when the dispatcher got there first; the
// command then runs to completion and its result is dropped.
func (p *PendingCall) Abandon(reason string) bool {
	if !p.state.CompareAndSwap(callQueued, callAbandoned) {
		return false
	}
	p.Resolve(Failure(p.Command.ID, &message.Error{Kind: message.Timeout, Message: reason}))
	return true
}

// Abandoned reports whether the waiter gave up before the call was claimed.
func (p *PendingCall) Abandoned() bool {
	return p.state.Load() == callAbandoned
}

// Wait blocks until the call is resolved or ctx ends. When ctx ends first it
// returns ctx's error and leaves the call pending; see Abandon.
func (p *PendingCall) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
