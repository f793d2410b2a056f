package api

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.tabserve.dev/core/protocol"
	"go.tabserve.dev/core/rpc"
)

// Client is the typed client façade of the engine's method surface. It
// demultiplexes server signals: an "action" signal dispatches its action
// set to locally registered listeners.
type Client struct {
	conn *rpc.Conn

	mu        sync.Mutex
	listeners []func(protocol.ActionSet)
}

// NewClient binds a Client to |conn|.
func NewClient(conn *rpc.Conn) *Client {
	var c = &Client{conn: conn}
	conn.SignalHandler = c.handleSignal
	return c
}

// FetchQuery runs a plain query on the peer engine.
func (c *Client) FetchQuery(ctx context.Context, q protocol.Query) (protocol.QueryResult, error) {
	var res protocol.QueryResult
	var err = c.call(ctx, &res, MethodFetchQuery, q)
	return res, err
}

// ApplyActions applies an action set on the peer engine.
func (c *Client) ApplyActions(ctx context.Context, set protocol.ActionSet) (protocol.ApplyResultSet, error) {
	var res protocol.ApplyResultSet
	var err = c.call(ctx, &res, MethodApplyActions, set)
	return res, err
}

// StreamingResult is the client's view of a streaming query: the value
// frame, and a reader of decoded row chunks.
type StreamingResult struct {
	Value  protocol.StreamingQueryValue
	Chunks *ChunkReader
}

// FetchQueryStreaming runs a streaming query on the peer engine.
// Cancelling |ctx| while the call awaits its value frame aborts the read
// on the peer; once FetchQueryStreaming has returned, |ctx| no longer
// affects the read.
func (c *Client) FetchQueryStreaming(ctx context.Context, q protocol.Query,
	opts protocol.StreamingOptions) (*StreamingResult, error) {

	var payload, err = marshalCall(MethodFetchQueryStreaming, q, opts)
	if err != nil {
		return nil, err
	}
	var data rpc.StreamingData
	if data, err = c.conn.MakeCall(ctx, rpc.StreamingData{Value: payload}); err != nil {
		return nil, err
	}
	var res = &StreamingResult{Chunks: &ChunkReader{src: data.Chunks}}
	if err = json.Unmarshal(data.Value, &res.Value); err != nil {
		if data.Chunks != nil {
			data.Chunks.Close()
		}
		return nil, errors.WithMessage(err, "decoding streaming value")
	}
	if data.Chunks == nil {
		return nil, errors.New("peer did not open a chunk stream")
	}
	return res, nil
}

// AddActionListener registers a callback invoked with each action set
// broadcast by the peer.
func (c *Client) AddActionListener(cb func(protocol.ActionSet)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, cb)
	c.mu.Unlock()
}

func (c *Client) call(ctx context.Context, out interface{}, method string, args ...interface{}) error {
	var payload, err = marshalCall(method, args...)
	if err != nil {
		return err
	}
	var data rpc.StreamingData
	if data, err = c.conn.MakeCall(ctx, rpc.StreamingData{Value: payload}); err != nil {
		return err
	}
	if data.Chunks != nil {
		data.Chunks.Close()
	}
	if err = json.Unmarshal(data.Value, out); err != nil {
		return errors.WithMessagef(err, "decoding %s result", method)
	}
	return nil
}

func (c *Client) handleSignal(_ context.Context, data rpc.StreamingData) {
	if data.Chunks != nil {
		data.Chunks.Close()
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(data.Value, &parts); err != nil || len(parts) == 0 {
		log.WithField("payload", string(data.Value)).Warn("malformed signal payload")
		return
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil || name != SignalAction {
		return
	}
	var set protocol.ActionSet
	if len(parts) < 2 {
		return
	}
	if err := json.Unmarshal(parts[1], &set); err != nil {
		log.WithField("err", err).Warn("malformed action signal")
		return
	}

	c.mu.Lock()
	var listeners = make([]func(protocol.ActionSet), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, cb := range listeners {
		cb(set)
	}
}

// ChunkReader decodes the positional row chunks of a streaming query.
type ChunkReader struct {
	src rpc.ChunkSource
}

// Next returns the rows of the next chunk, or io.EOF at the end of the
// stream, or the stream's terminal error.
func (r *ChunkReader) Next(ctx context.Context) ([][]interface{}, error) {
	var raw, err = r.src.Next(ctx)
	if err != nil {
		return nil, err
	}
	var payload, ok = raw.(json.RawMessage)
	if !ok {
		return nil, errors.Errorf("unexpected chunk payload %T", raw)
	}
	var rows [][]interface{}
	if err = json.Unmarshal(payload, &rows); err != nil {
		return nil, errors.WithMessage(err, "decoding chunk")
	}
	for _, row := range rows {
		for i := range row {
			row[i] = protocol.NormalizeCell(row[i])
		}
	}
	return rows, nil
}

// Close abandons the stream.
func (r *ChunkReader) Close() { r.src.Close() }
