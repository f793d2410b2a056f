// Package api maps the engine's method surface onto the RPC layer. The
// call payload is the positional array [methodName, args...]; streaming
// results route their chunk tails through the connection, and applied
// action sets are broadcast to clients as ("action", actionSet) signals.
package api

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Method names of the engine surface.
const (
	MethodFetchQuery          = "fetchQuery"
	MethodFetchQueryStreaming = "fetchQueryStreaming"
	MethodApplyActions        = "applyActions"
)

// SignalAction tags the server-to-client broadcast of an applied action set.
const SignalAction = "action"

// marshalCall frames a method invocation payload.
func marshalCall(method string, args ...interface{}) (json.RawMessage, error) {
	var b, err = json.Marshal(append([]interface{}{method}, args...))
	if err != nil {
		return nil, errors.WithMessagef(err, "marshaling %s call", method)
	}
	return b, nil
}

// unmarshalCall splits a received payload into its method name and raw
// arguments, which must form a sequence.
func unmarshalCall(payload json.RawMessage) (string, []json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(payload, &parts); err != nil {
		return "", nil, errors.New("call payload is not a sequence")
	}
	if len(parts) == 0 {
		return "", nil, errors.New("call payload is empty")
	}
	var method string
	if err := json.Unmarshal(parts[0], &method); err != nil {
		return "", nil, errors.New("call method name is not a string")
	}
	return method, parts[1:], nil
}
