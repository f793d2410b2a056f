// Package transport implements adapters between the RPC core's narrow
// transport contract and concrete message channels: error payload
// (de)serialization, and a length-prefixed framed adapter over a byte
// stream with drain bookkeeping against a configured high-water mark.
package transport

import (
	"encoding/json"

	"github.com/pkg/errors"
	"go.tabserve.dev/core/rpc"
)

// wireError is the serialized payload form of an error.
type wireError struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

const kindAborted = "aborted"

// MarshalError serializes an error as an opaque wire payload. The aborted
// error kind survives the round-trip so that receivers may inspect for it.
func MarshalError(err error) json.RawMessage {
	var we = wireError{Message: err.Error()}
	if errors.Is(err, rpc.ErrAborted) {
		we.Kind = kindAborted
	}
	var b, mErr = json.Marshal(we)
	if mErr != nil {
		b, _ = json.Marshal(wireError{Message: "unserializable error"})
	}
	return b
}

// UnmarshalError restores an error from a received wire payload.
func UnmarshalError(raw json.RawMessage) error {
	var we wireError
	if err := json.Unmarshal(raw, &we); err != nil {
		return errors.Errorf("malformed error payload %q", string(raw))
	}
	if we.Kind == kindAborted {
		return errors.WithMessage(rpc.ErrAborted, we.Message)
	}
	return errors.New(we.Message)
}
