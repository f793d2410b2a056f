package rpc

import (
	"encoding/json"

	"go.tabserve.dev/core/wire"
)

// Transport is the narrow contract the RPC core requires of an ordered,
// reliable message channel. Implementations deliver inbound messages by
// invoking Conn.Dispatch from a single receive loop.
type Transport interface {
	// Send transmits one framed message. A returned error is a transport
	// failure: it is reported to the local caller whose work required the
	// send, and is never re-encoded as a wire error.
	Send(msg wire.Message) error

	// WaitToDrain returns nil while the local send buffer is below its
	// high-water mark, and otherwise a channel which closes once it has
	// drained. Only streaming chunk tails consult it.
	WaitToDrain() <-chan struct{}

	// Disconnected returns a channel which closes, at most once, when the
	// transport disconnects.
	Disconnected() <-chan struct{}

	// DisconnectReason returns the reason of the disconnect. It is valid
	// only after Disconnected is closed.
	DisconnectReason() error

	// MarshalError serializes an error for transmission as a wire payload.
	MarshalError(err error) json.RawMessage

	// UnmarshalError restores an error from a received wire payload.
	UnmarshalError(raw json.RawMessage) error
}
