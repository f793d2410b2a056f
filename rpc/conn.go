package rpc

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.tabserve.dev/core/metrics"
	"go.tabserve.dev/core/stream"
	"go.tabserve.dev/core/wire"
)

// ErrAborted is the cancellation reason delivered to pending calls and
// open streams on abort or timeout. Callers may inspect for it to silence
// reports of expected aborts.
var ErrAborted = errors.New("request aborted")

// ErrDisconnected is the fallback disconnect reason when the transport
// reports none.
var ErrDisconnected = errors.New("transport disconnected")

// streamKey identifies one open incoming stream: the kind and request id
// of its frames.
type streamKey struct {
	mtype wire.MType
	reqID uint64
}

type callResult struct {
	data StreamingData
	err  error
}

// Conn is the RPC core of one connection. It issues outgoing calls and
// signals, and dispatches inbound messages to handlers, pending calls,
// and open streams. All Conn methods are safe for concurrent use, though
// inbound messages must be dispatched from a single receive loop to
// preserve transport ordering.
type Conn struct {
	// CallHandler serves incoming calls. Its result (or error) is sent
	// back to the peer as the Resp of the call's request id.
	CallHandler func(ctx context.Context, data StreamingData) (StreamingData, error)
	// SignalHandler serves incoming signals. No response is sent.
	SignalHandler func(ctx context.Context, data StreamingData)
	// DispatchErrorHook observes inbound messages which failed to
	// dispatch. If nil, failures are logged.
	DispatchErrorHook func(msg wire.Message, err error)

	transport Transport
	ctx       context.Context
	cancel    context.CancelCauseFunc

	mu             sync.Mutex
	nextReqID      uint64
	pendingCalls   map[uint64]chan callResult
	pendingStreams map[streamKey]*stream.Iterator
	callHandlers   map[uint64]context.CancelCauseFunc
}

// NewConn returns a Conn over the Transport. The caller wires a receive
// loop which invokes Dispatch with each inbound message, in order.
func NewConn(t Transport) *Conn {
	var ctx, cancel = context.WithCancelCause(context.Background())
	var c = &Conn{
		transport:      t,
		ctx:            ctx,
		cancel:         cancel,
		pendingCalls:   make(map[uint64]chan callResult),
		pendingStreams: make(map[streamKey]*stream.Iterator),
		callHandlers:   make(map[uint64]context.CancelCauseFunc),
	}
	go c.watchDisconnect()
	return c
}

// Context returns a Context cancelled with the disconnect reason when the
// transport disconnects.
func (c *Conn) Context() context.Context { return c.ctx }

// MakeCall issues an outgoing call carrying |data|, and blocks until the
// peer's response arrives. If |ctx| is cancelled first, an abort frame is
// sent and MakeCall still awaits the response which the peer is expected
// to answer with (an error, for an acknowledged abort).
func (c *Conn) MakeCall(ctx context.Context, data StreamingData) (StreamingData, error) {
	var resultCh = make(chan callResult, 1)

	c.mu.Lock()
	c.nextReqID++
	var reqID = c.nextReqID
	c.pendingCalls[reqID] = resultCh
	c.mu.Unlock()

	metrics.RPCCallsStartedTotal.Inc()

	if err := c.sendStreamingData(wire.Call, reqID, data); err != nil {
		c.mu.Lock()
		delete(c.pendingCalls, reqID)
		c.mu.Unlock()
		return StreamingData{}, err
	}

	select {
	case res := <-resultCh:
		return res.data, res.err
	case <-ctx.Done():
		if err := c.transport.Send(wire.Message{MType: wire.Call, ReqID: reqID, Abort: true}); err != nil {
			log.WithFields(log.Fields{"reqId": reqID, "err": err}).Warn("failed to send abort frame")
		}
		// The pending entry remains: resolution is driven by the peer's
		// Resp, or by disconnect.
		var res = <-resultCh
		return res.data, res.err
	}
}

// SendSignal emits a fire-and-forget signal carrying |data|.
func (c *Conn) SendSignal(data StreamingData) error {
	c.mu.Lock()
	c.nextReqID++
	var reqID = c.nextReqID
	c.mu.Unlock()

	return c.sendStreamingData(wire.Signal, reqID, data)
}

// Dispatch routes one inbound message to its effect, returning whether
// dispatch succeeded. Failures are reported through DispatchErrorHook and
// alter no connection state.
func (c *Conn) Dispatch(msg wire.Message) bool {
	if err := c.dispatch(msg); err != nil {
		metrics.RPCDispatchFailuresTotal.Inc()
		if c.DispatchErrorHook != nil {
			c.DispatchErrorHook(msg, err)
		} else {
			log.WithFields(log.Fields{
				"mtype": msg.MType.String(),
				"reqId": msg.ReqID,
				"err":   err,
			}).Warn("failed to dispatch message")
		}
		return false
	}
	return true
}

func (c *Conn) dispatch(msg wire.Message) error {
	// A message on the key of an open stream is a stream frame.
	var key = streamKey{msg.MType, msg.ReqID}
	c.mu.Lock()
	var it, isStream = c.pendingStreams[key]
	c.mu.Unlock()

	if isStream {
		if msg.Error != nil {
			it.SupplyError(c.transport.UnmarshalError(msg.Error))
		} else if !msg.More {
			it.FinishOK()
		} else {
			metrics.RPCChunksReceivedTotal.Inc()
			it.SupplyChunk(msg.Data)
		}
		return nil
	}

	switch msg.MType {
	case wire.Call:
		return c.dispatchCall(msg)
	case wire.Signal:
		return c.dispatchSignal(msg)
	case wire.Resp:
		return c.dispatchResp(msg)
	default:
		return errors.Errorf("unhandled message type %q", byte(msg.MType))
	}
}

func (c *Conn) dispatchCall(msg wire.Message) error {
	if msg.Abort {
		c.mu.Lock()
		var cancel = c.callHandlers[msg.ReqID]
		c.mu.Unlock()

		if cancel != nil {
			cancel(ErrAborted)
		}
		return nil
	}
	var handler = c.CallHandler
	if handler == nil {
		return errors.New("no call handler is registered")
	}

	var ctx, cancel = context.WithCancelCause(c.ctx)
	var data = StreamingData{Value: msg.Data}

	c.mu.Lock()
	if msg.More {
		data.Chunks = c.newStreamLocked(streamKey{wire.Call, msg.ReqID})
	}
	c.callHandlers[msg.ReqID] = cancel
	c.mu.Unlock()

	go c.serveCall(ctx, cancel, msg.ReqID, handler, data)
	return nil
}

func (c *Conn) serveCall(ctx context.Context, cancel context.CancelCauseFunc, reqID uint64,
	handler func(context.Context, StreamingData) (StreamingData, error), data StreamingData) {

	var res, err = handler(ctx, data)

	if err != nil {
		var sendErr = c.transport.Send(wire.Message{
			MType: wire.Resp,
			ReqID: reqID,
			Error: c.transport.MarshalError(err),
		})
		if sendErr != nil {
			log.WithFields(log.Fields{"reqId": reqID, "err": sendErr}).Warn("failed to send error response")
		}
	} else if sendErr := c.sendStreamingData(wire.Resp, reqID, res); sendErr != nil {
		log.WithFields(log.Fields{"reqId": reqID, "err": sendErr}).Warn("failed to send response")
	}

	// The call's cancellation scope covers its response tail: an abort
	// frame arriving mid-stream still cancels the handler context which
	// chunk sources observe. Release it only once sending has finished.
	c.mu.Lock()
	delete(c.callHandlers, reqID)
	c.mu.Unlock()
	cancel(nil)
}

func (c *Conn) dispatchSignal(msg wire.Message) error {
	var handler = c.SignalHandler
	if handler == nil {
		return errors.New("no signal handler is registered")
	}
	var data = StreamingData{Value: msg.Data}

	c.mu.Lock()
	if msg.More {
		data.Chunks = c.newStreamLocked(streamKey{wire.Signal, msg.ReqID})
	}
	c.mu.Unlock()

	go handler(c.ctx, data)
	return nil
}

func (c *Conn) dispatchResp(msg wire.Message) error {
	c.mu.Lock()
	var resultCh, ok = c.pendingCalls[msg.ReqID]
	if !ok {
		c.mu.Unlock()
		return errors.Errorf("no pending call for response %d", msg.ReqID)
	}
	delete(c.pendingCalls, msg.ReqID)

	var res callResult
	if msg.Error != nil {
		res.err = c.transport.UnmarshalError(msg.Error)
	} else {
		res.data.Value = msg.Data
		if msg.More {
			res.data.Chunks = c.newStreamLocked(streamKey{wire.Resp, msg.ReqID})
		}
	}
	c.mu.Unlock()

	resultCh <- res
	return nil
}

// sendStreamingData emits |data| on |mtype, reqID|: a single frame if it
// has no chunk tail, and otherwise a value frame followed by drain-paced
// chunk frames and a terminator. Returned errors are transport-origin
// failures only; errors raised by chunk iteration are encoded onto the
// wire as the stream's terminal error and further iteration is abandoned.
func (c *Conn) sendStreamingData(mtype wire.MType, reqID uint64, data StreamingData) error {
	if data.Chunks == nil {
		return c.transport.Send(wire.Message{MType: mtype, ReqID: reqID, Data: data.Value})
	}

	if err := c.transport.Send(wire.Message{MType: mtype, ReqID: reqID, More: true, Data: data.Value}); err != nil {
		data.Chunks.Close()
		return err
	}
	for {
		select {
		case <-c.transport.Disconnected():
			data.Chunks.Close()
			return c.disconnectReason()
		default:
		}
		if drain := c.transport.WaitToDrain(); drain != nil {
			select {
			case <-drain:
			case <-c.transport.Disconnected():
				data.Chunks.Close()
				return c.disconnectReason()
			}
		}

		var chunk, err = data.Chunks.Next(c.ctx)
		if err == io.EOF {
			return c.transport.Send(wire.Message{MType: mtype, ReqID: reqID})
		} else if err != nil {
			return c.transport.Send(wire.Message{
				MType: mtype, ReqID: reqID, Error: c.transport.MarshalError(err)})
		}

		raw, err := marshalPayload(chunk)
		if err != nil {
			data.Chunks.Close()
			return c.transport.Send(wire.Message{
				MType: mtype, ReqID: reqID, Error: c.transport.MarshalError(err)})
		}
		if err = c.transport.Send(wire.Message{MType: mtype, ReqID: reqID, More: true, Data: raw}); err != nil {
			data.Chunks.Close()
			return err
		}
		metrics.RPCChunksSentTotal.Inc()
	}
}

func (c *Conn) newStreamLocked(key streamKey) *stream.Iterator {
	// The cleanup closure captures the key rather than the iterator,
	// avoiding a reference cycle through the map entry.
	var it = stream.New(func() {
		c.mu.Lock()
		delete(c.pendingStreams, key)
		c.mu.Unlock()
	})
	c.pendingStreams[key] = it
	return it
}

func (c *Conn) disconnectReason() error {
	if err := c.transport.DisconnectReason(); err != nil {
		return err
	}
	return ErrDisconnected
}

// watchDisconnect rejects every pending call and errors every open stream
// with the disconnect reason when the transport disconnects.
func (c *Conn) watchDisconnect() {
	<-c.transport.Disconnected()
	var reason = c.disconnectReason()
	c.cancel(reason)

	c.mu.Lock()
	var calls = c.pendingCalls
	var streams = c.pendingStreams
	c.pendingCalls = make(map[uint64]chan callResult)
	c.pendingStreams = make(map[streamKey]*stream.Iterator)
	c.mu.Unlock()

	for _, resultCh := range calls {
		resultCh <- callResult{err: reason}
	}
	for _, it := range streams {
		it.SupplyError(reason)
	}
}
