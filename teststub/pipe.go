// Package teststub provides in-process transport pairs and loopback RPC
// connections, for use within tests. Frames are fully encoded and decoded
// as they cross a pipe, so tests exercise the wire codec end to end.
package teststub

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"go.tabserve.dev/core/rpc"
	"go.tabserve.dev/core/transport"
	"go.tabserve.dev/core/wire"
)

// Pipe is an in-process implementation of the RPC transport contract.
// Sent messages are framed with the wire codec and delivered to the
// peer's receive loop in order.
type Pipe struct {
	// SendHook, if set, intercepts Send. Tests use it to inject transport
	// failures or to observe outgoing frames.
	SendHook func(msg wire.Message) error
	// DrainFn, if set, supplies WaitToDrain results. Tests use it to
	// exercise sender-side backpressure.
	DrainFn func() <-chan struct{}

	peer   *Pipe
	recvCh chan []byte

	once         sync.Once
	disconnectCh chan struct{}
	reason       error
}

// NewPipePair returns two connected Pipes.
func NewPipePair() (*Pipe, *Pipe) {
	var a = &Pipe{recvCh: make(chan []byte, 1024), disconnectCh: make(chan struct{})}
	var b = &Pipe{recvCh: make(chan []byte, 1024), disconnectCh: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// Send implements the transport contract.
func (p *Pipe) Send(msg wire.Message) error {
	if p.SendHook != nil {
		if err := p.SendHook(msg); err != nil {
			return err
		}
	}
	var b, err = wire.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-p.disconnectCh:
		return p.DisconnectReason()
	case <-p.peer.disconnectCh:
		return errors.New("peer is disconnected")
	case p.peer.recvCh <- b:
		return nil
	}
}

// WaitToDrain implements the transport contract. Without a DrainFn the
// pipe never applies backpressure.
func (p *Pipe) WaitToDrain() <-chan struct{} {
	if p.DrainFn != nil {
		return p.DrainFn()
	}
	return nil
}

// Serve decodes received frames and dispatches them until disconnect.
func (p *Pipe) Serve(dispatch func(wire.Message) bool) {
	for {
		select {
		case <-p.disconnectCh:
			return
		case b := <-p.recvCh:
			if msg, err := wire.Decode(b); err == nil {
				dispatch(msg)
			}
		}
	}
}

// Disconnect fires the disconnect signal with |reason|, at most once.
func (p *Pipe) Disconnect(reason error) {
	p.once.Do(func() {
		p.reason = reason
		close(p.disconnectCh)
	})
}

// Disconnected implements the transport contract.
func (p *Pipe) Disconnected() <-chan struct{} { return p.disconnectCh }

// DisconnectReason implements the transport contract.
func (p *Pipe) DisconnectReason() error { return p.reason }

// MarshalError implements the transport contract.
func (p *Pipe) MarshalError(err error) json.RawMessage { return transport.MarshalError(err) }

// UnmarshalError implements the transport contract.
func (p *Pipe) UnmarshalError(raw json.RawMessage) error { return transport.UnmarshalError(raw) }

// Loopback is a connected pair of RPC Conns served over in-process Pipes.
type Loopback struct {
	Client, Server         *rpc.Conn
	ClientPipe, ServerPipe *Pipe
}

// NewLoopback returns a started Loopback. Handlers are assigned to the
// Conns by the caller before the first message is exchanged.
func NewLoopback() *Loopback {
	var cp, sp = NewPipePair()
	var l = &Loopback{
		Client:     rpc.NewConn(cp),
		Server:     rpc.NewConn(sp),
		ClientPipe: cp,
		ServerPipe: sp,
	}
	go cp.Serve(l.Client.Dispatch)
	go sp.Serve(l.Server.Dispatch)
	return l
}

// Close disconnects both ends.
func (l *Loopback) Close() {
	l.ClientPipe.Disconnect(errors.New("loopback closed"))
	l.ServerPipe.Disconnect(errors.New("loopback closed"))
}
