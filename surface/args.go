package surface

import (
	"encoding/json"

	"cad-bridge/message"
)

// Args are a call's positional arguments, still in wire form.
type Args []json.RawMessage

// ParseArgs splits a request payload, a JSON array, into positional arguments.
// An empty payload means no arguments.
func ParseArgs(payload []byte) (Args, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var args Args
	if err := json.Unmarshal(payload, &args); err != nil {
		return nil, message.Errorf(message.InvalidArguments, "arguments must be a JSON array: %v", err)
	}
	return args, nil
}

func (a Args) present(i int) bool {
	return i < len(a) && string(a[i]) != "null"
}

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if !a.present(i) {
		return message.Errorf(message.InvalidArguments, "missing argument %d", i)
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return message.Errorf(message.InvalidArguments, "argument %d: %v", i, err)
	}
	return nil
}

// String returns argument i as a string.
func (a Args) String(i int) (string, error) {
	var s string
	err := a.Decode(i, &s)
	return s, err
}

// StringOr returns argument i as a string, or def when it was not given.
func (a Args) StringOr(i int, def string) (string, error) {
	if !a.present(i) {
		return def, nil
	}
	return a.String(i)
}
