package transport

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.tabserve.dev/core/wire"
)

// Defaults of the framed adapter's drain bookkeeping.
const (
	// DefaultHighWaterMark is the buffered-byte threshold above which
	// WaitToDrain returns a drain future.
	DefaultHighWaterMark = 512 << 10
	// DefaultBufferTimeout is the period on which a pending drain future
	// re-examines the buffer, covering byte streams whose writes complete
	// out-of-band.
	DefaultBufferTimeout = 250 * time.Millisecond
	// maxFrameLength bounds a single received frame.
	maxFrameLength = 64 << 20
)

// FramedConfig configures a Framed transport.
type FramedConfig struct {
	HighWaterMark int
	BufferTimeout time.Duration
}

// Framed adapts an ordered byte stream into the RPC core's transport
// contract. Frames are length-prefixed with a big-endian word. Sends are
// buffered and flushed by a dedicated writer; WaitToDrain reports when
// buffered bytes exceed the configured high-water mark.
type Framed struct {
	rwc io.ReadWriteCloser
	cfg FramedConfig

	mu       sync.Mutex
	queue    [][]byte
	buffered int
	sendErr  error
	wakeCh   chan struct{}
	drainCh  chan struct{}

	disconnectOnce sync.Once
	disconnectCh   chan struct{}
	reason         error
}

// NewFramed returns a Framed transport of the byte stream, applying
// defaults for zeroed config fields, and starts its writer.
func NewFramed(rwc io.ReadWriteCloser, cfg FramedConfig) *Framed {
	if cfg.HighWaterMark == 0 {
		cfg.HighWaterMark = DefaultHighWaterMark
	}
	if cfg.BufferTimeout == 0 {
		cfg.BufferTimeout = DefaultBufferTimeout
	}
	var f = &Framed{
		rwc:          rwc,
		cfg:          cfg,
		wakeCh:       make(chan struct{}, 1),
		disconnectCh: make(chan struct{}),
	}
	go f.writeLoop()
	return f
}

// Send frames and enqueues one message for transmission. A send after a
// write failure returns that failure.
func (f *Framed) Send(msg wire.Message) error {
	var b, err = wire.Encode(msg)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if f.sendErr != nil {
		err = f.sendErr
		f.mu.Unlock()
		return err
	}
	f.queue = append(f.queue, b)
	f.buffered += len(b) + 4
	f.mu.Unlock()

	select {
	case f.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

// WaitToDrain returns nil while buffered bytes are below the high-water
// mark, and otherwise a channel closed once the buffer has drained.
func (f *Framed) WaitToDrain() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.buffered < f.cfg.HighWaterMark {
		return nil
	}
	if f.drainCh == nil {
		f.drainCh = make(chan struct{})
		go f.pollDrain(f.drainCh)
	}
	return f.drainCh
}

// pollDrain re-examines the buffer each BufferTimeout, resolving the drain
// future if the writer has not already done so.
func (f *Framed) pollDrain(ch chan struct{}) {
	var ticker = time.NewTicker(f.cfg.BufferTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ch:
			return
		case <-f.disconnectCh:
			f.resolveDrain()
			return
		case <-ticker.C:
			f.mu.Lock()
			var below = f.buffered < f.cfg.HighWaterMark
			f.mu.Unlock()
			if below {
				f.resolveDrain()
				return
			}
		}
	}
}

func (f *Framed) resolveDrain() {
	f.mu.Lock()
	if f.drainCh != nil {
		close(f.drainCh)
		f.drainCh = nil
	}
	f.mu.Unlock()
}

func (f *Framed) writeLoop() {
	var lenBuf [4]byte
	for {
		select {
		case <-f.wakeCh:
		case <-f.disconnectCh:
			return
		}
		for {
			f.mu.Lock()
			if len(f.queue) == 0 {
				f.mu.Unlock()
				break
			}
			var frame = f.queue[0]
			f.queue = f.queue[1:]
			f.mu.Unlock()

			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
			var _, err = f.rwc.Write(lenBuf[:])
			if err == nil {
				_, err = f.rwc.Write(frame)
			}

			f.mu.Lock()
			f.buffered -= len(frame) + 4
			var below = f.buffered < f.cfg.HighWaterMark
			f.mu.Unlock()

			if err != nil {
				f.mu.Lock()
				f.sendErr = err
				f.mu.Unlock()
				f.Disconnect(errors.WithMessage(err, "writing frame"))
				return
			}
			if below {
				f.resolveDrain()
			}
		}
	}
}

// Serve reads frames from the byte stream and dispatches decoded messages,
// in order, until the stream fails or the transport disconnects. Frames
// which fail to decode are reported and skipped; connection state is not
// altered by them.
func (f *Framed) Serve(dispatch func(wire.Message) bool) {
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(f.rwc, lenBuf[:]); err != nil {
			f.Disconnect(errors.WithMessage(err, "reading frame length"))
			return
		}
		var n = binary.BigEndian.Uint32(lenBuf[:])
		if n > maxFrameLength {
			f.Disconnect(errors.Errorf("frame of %s exceeds limit", humanize.IBytes(uint64(n))))
			return
		}
		var buf = make([]byte, n)
		if _, err := io.ReadFull(f.rwc, buf); err != nil {
			f.Disconnect(errors.WithMessage(err, "reading frame"))
			return
		}
		var msg, err = wire.Decode(buf)
		if err != nil {
			log.WithFields(log.Fields{"err": err}).Warn("failed to decode frame")
			continue
		}
		dispatch(msg)
	}
}

// Disconnect fires the disconnect signal, at most once, with |reason|,
// and closes the underlying byte stream.
func (f *Framed) Disconnect(reason error) {
	f.disconnectOnce.Do(func() {
		f.reason = reason
		close(f.disconnectCh)
		_ = f.rwc.Close()
		f.resolveDrain()

		log.WithFields(log.Fields{
			"reason":   reason,
			"buffered": humanize.IBytes(uint64(f.bufferedBytes())),
		}).Debug("transport disconnected")
	})
}

func (f *Framed) bufferedBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered
}

// Disconnected implements the transport contract.
func (f *Framed) Disconnected() <-chan struct{} { return f.disconnectCh }

// DisconnectReason implements the transport contract.
func (f *Framed) DisconnectReason() error { return f.reason }

// MarshalError implements the transport contract.
func (f *Framed) MarshalError(err error) json.RawMessage { return MarshalError(err) }

// UnmarshalError implements the transport contract.
func (f *Framed) UnmarshalError(raw json.RawMessage) error { return UnmarshalError(raw) }
