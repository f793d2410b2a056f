package store

import (
	"sync"

	"github.com/pkg/errors"
	"go.tabserve.dev/core/metrics"
)

// ErrPoolExhausted is returned by Acquire of a bounded Pool with no
// remaining capacity. The pool fails fast rather than queueing waiters:
// callers surface the error and retry at their own cadence.
var ErrPoolExhausted = errors.New("store handle pool is exhausted")

// Pool is a stack of store handles. Acquire pops a free handle or opens a
// new one; Release pushes it back. If MaxHandles is non-zero, Acquire
// fails fast with ErrPoolExhausted once that many handles are out.
type Pool struct {
	store *Store

	mu    sync.Mutex
	free  []*Handle
	total int
	inUse int
	max   int
}

// NewPool returns a Pool over the Store. A |maxHandles| of zero leaves
// the pool unbounded.
func NewPool(store *Store, maxHandles int) *Pool {
	return &Pool{store: store, max: maxHandles}
}

// Acquire returns a free handle, opening one if none is pooled.
func (p *Pool) Acquire() (*Handle, error) {
	p.mu.Lock()
	if n := len(p.free); n != 0 {
		var h = p.free[n-1]
		p.free = p.free[:n-1]
		p.inUse++
		p.mu.Unlock()

		metrics.StorePoolConnectionsInUse.Inc()
		return h, nil
	}
	if p.max != 0 && p.inUse >= p.max {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	p.total++
	p.inUse++
	p.mu.Unlock()

	var h, err = p.store.NewHandle()
	if err != nil {
		p.mu.Lock()
		p.total--
		p.inUse--
		p.mu.Unlock()
		return nil, err
	}
	metrics.StorePoolConnectionsTotal.Inc()
	metrics.StorePoolConnectionsInUse.Inc()
	return h, nil
}

// Release returns a handle to the pool.
func (p *Pool) Release(h *Handle) {
	p.mu.Lock()
	p.free = append(p.free, h)
	p.inUse--
	p.mu.Unlock()

	metrics.StorePoolConnectionsInUse.Dec()
}

// Counts returns the total and in-use handle counts, for logging.
func (p *Pool) Counts() (total, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total, p.inUse
}

// WithDB acquires a handle, runs the synchronous |fn|, and releases it.
// Asynchronous uses must manage Acquire and Release explicitly: holding a
// handle across a suspension can starve the pool.
func (p *Pool) WithDB(fn func(h *Handle) error) error {
	var h, err = p.Acquire()
	if err != nil {
		return err
	}
	defer p.Release(h)
	return fn(h)
}

// Close closes all pooled handles. Handles still in use are not closed:
// one released after Close returns to the pool and stays open.
func (p *Pool) Close() error {
	p.mu.Lock()
	var free = p.free
	p.free = nil
	p.mu.Unlock()

	var firstErr error
	for _, h := range free {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
