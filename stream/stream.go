// Package stream implements a single-producer, single-consumer lazy finite
// sequence of chunks with a terminal state. The RPC layer drives the
// producer side as frames arrive on a request id, and the consumer drains
// chunks with Next until the sequence's end value is delivered.
package stream

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// ErrBusy is returned by Next when another Next is already waiting.
// Iterators are single-consumer.
var ErrBusy = errors.New("a Next call is already waiting on this iterator")

// Iterator is a lazy finite sequence of opaque chunks. Chunks supplied
// before the end are delivered in order; the terminal value (success or
// error) is delivered exactly once, after which Next returns io.EOF.
type Iterator struct {
	mu       sync.Mutex
	queue    []interface{}
	waiter   chan struct{}
	ended    bool  // Producer supplied its end value.
	endErr   error // Terminal error, if the end is an error.
	consumed bool  // Consumer observed the end value (or closed).
	closed   bool
	cleanup  func()
}

// New returns an empty Iterator. The cleanup callback, if non-nil, runs
// exactly once, when the producer has finished and the consumer has
// consumed the end value or closed the Iterator.
func New(cleanup func()) *Iterator {
	return &Iterator{cleanup: cleanup}
}

// Next returns the next chunk of the sequence. It blocks until a chunk,
// the end of the sequence, or the Context's cancellation. At the end of
// the sequence Next returns io.EOF, or the terminal error exactly once
// (subsequent calls return io.EOF).
func (it *Iterator) Next(ctx context.Context) (interface{}, error) {
	for {
		it.mu.Lock()
		if len(it.queue) != 0 {
			var chunk = it.queue[0]
			it.queue = it.queue[1:]
			it.mu.Unlock()
			return chunk, nil
		}
		if it.closed {
			it.mu.Unlock()
			return nil, io.EOF
		}
		if it.ended {
			var err = io.EOF
			if !it.consumed {
				it.consumed = true
				if it.endErr != nil {
					err = it.endErr
				}
			}
			var fn = it.takeCleanupLocked()
			it.mu.Unlock()
			if fn != nil {
				fn()
			}
			return nil, err
		}
		if it.waiter != nil {
			it.mu.Unlock()
			return nil, ErrBusy
		}
		var waiter = make(chan struct{})
		it.waiter = waiter
		it.mu.Unlock()

		select {
		case <-waiter:
			// Loop to re-examine state.
		case <-ctx.Done():
			it.mu.Lock()
			if it.waiter == waiter {
				it.waiter = nil
			}
			it.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// SupplyChunk appends a chunk to the sequence. It is a no-op after the
// sequence has ended or the consumer has closed the Iterator.
func (it *Iterator) SupplyChunk(chunk interface{}) {
	it.mu.Lock()
	if it.ended || it.closed {
		it.mu.Unlock()
		return
	}
	it.queue = append(it.queue, chunk)
	it.wakeLocked()
	it.mu.Unlock()
}

// FinishOK ends the sequence successfully.
func (it *Iterator) FinishOK() { it.finish(nil) }

// SupplyError ends the sequence with a terminal error.
func (it *Iterator) SupplyError(err error) { it.finish(err) }

func (it *Iterator) finish(err error) {
	it.mu.Lock()
	if it.ended {
		it.mu.Unlock()
		return
	}
	it.ended, it.endErr = true, err
	it.wakeLocked()
	var fn = it.takeCleanupLocked()
	it.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Close abandons the sequence: queued chunks are dropped and Next returns
// io.EOF. Close is idempotent. The cleanup callback still runs only once
// the producer has also finished.
func (it *Iterator) Close() {
	it.mu.Lock()
	if it.closed {
		it.mu.Unlock()
		return
	}
	it.closed, it.consumed = true, true
	it.queue = nil
	it.wakeLocked()
	var fn = it.takeCleanupLocked()
	it.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// wakeLocked releases a blocked Next, if any. Callers must hold |mu|.
func (it *Iterator) wakeLocked() {
	if it.waiter != nil {
		close(it.waiter)
		it.waiter = nil
	}
}

// takeCleanupLocked returns the cleanup callback if both sides are done,
// clearing it so it runs at most once. Callers must hold |mu|.
func (it *Iterator) takeCleanupLocked() func() {
	if it.ended && it.consumed && it.cleanup != nil {
		var fn = it.cleanup
		it.cleanup = nil
		return fn
	}
	return nil
}
