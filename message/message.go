// Package message defines the envelope exchanged between the bridge and its callers
// and the error kinds every outcome is classified into.
//
// RPCMessage gets serialized by the codec layer and wrapped in a protocol frame for
// transmission over TCP.
package message

// RPCMessage carries the data for a single bridge call or its reply.
//
//   - On request:  ServiceMethod is the method name, Payload is a JSON array of positional args.
//   - On response: Kind and Error are empty on success and Payload holds the JSON result.
//     On failure Kind classifies the outcome and Error describes it.
type RPCMessage struct {
	ServiceMethod string    // Method name, e.g. "create_object"
	Kind          ErrorKind // Empty on success
	Error         string    // Human readable failure description
	Payload       []byte    // JSON args (request) or JSON result (response)
}

// Failed reports whether the message carries an error outcome.
func (m *RPCMessage) Failed() bool {
	return m.Kind != "" || m.Error != ""
}

// Err converts a failed reply into an *Error, or nil for a successful one.
// Replies from peers that set Error without a Kind are reported as ExecutionFailed.
func (m *RPCMessage) Err() error {
	if !m.Failed() {
		return nil
	}
	kind := m.Kind
	if kind == "" {
		kind = ExecutionFailed
	}
	return &Error{Kind: kind, Message: m.Error}
}

// Reply builds a failed reply for method out of err.
func Reply(method string, err error) *RPCMessage {
	e := AsError(err)
	return &RPCMessage{
		ServiceMethod: method,
		Kind:          e.Kind,
		Error:         e.Message,
	}
}
