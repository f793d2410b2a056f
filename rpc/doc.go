// Package rpc implements the streaming bidirectional RPC core. A Conn
// multiplexes calls, signals, and responses over an ordered message
// transport; any of them may carry a streamed tail of chunks on the same
// request id. Chunk tails respect the transport's drain signal for
// sender-side backpressure, calls are individually cancelable, and a
// transport disconnect fails all pending work with its reason.
package rpc
