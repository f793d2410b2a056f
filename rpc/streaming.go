package rpc

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// ChunkSource is a lazy finite sequence of payload chunks. Next returns
// io.EOF at the successful end of the sequence, or the sequence's terminal
// error. Close abandons the sequence and releases its resources.
type ChunkSource interface {
	Next(ctx context.Context) (interface{}, error)
	Close()
}

// StreamingData is a value with an optional lazy tail of chunks. It is
// both the argument and the result shape of calls and signals: a nil
// Chunks means the data is a plain value.
type StreamingData struct {
	Value  json.RawMessage
	Chunks ChunkSource
}

// marshalPayload frames an opaque chunk value as a JSON payload. Values
// which are already raw payloads pass through unchanged.
func marshalPayload(v interface{}) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	var b, err = json.Marshal(v)
	if err != nil {
		return nil, errors.WithMessage(err, "marshaling chunk")
	}
	return b, nil
}
