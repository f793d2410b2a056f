// Package engine implements the streaming query engine: plain and
// streaming reads executed under store transactions, atomic application
// of document action sets, and per-connection action listeners notified
// of each applied set.
package engine

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.tabserve.dev/core/protocol"
	"go.tabserve.dev/core/sqlgen"
	"go.tabserve.dev/core/store"
)

// DefaultMaxSmallActionRowIDs is the threshold above which broadcast
// actions are stripped: their row-id lists are emptied and column values
// replaced with empty sequences, signaling listeners to refetch.
const DefaultMaxSmallActionRowIDs = 100

// Config tunes an Engine.
type Config struct {
	// MaxSmallActionRowIDs overrides DefaultMaxSmallActionRowIDs when
	// positive.
	MaxSmallActionRowIDs int
}

// Engine executes queries and actions against a pooled store, and
// broadcasts applied action sets to its registered listeners. Listener
// registration is scoped per connection through the Context passed to
// AddActionListener.
type Engine struct {
	pool *store.Pool
	cfg  Config

	mu        sync.Mutex
	listeners map[int]func(protocol.ActionSet)
	nextID    int
}

// New returns an Engine over the pool, initializing store bookkeeping.
func New(ctx context.Context, pool *store.Pool, cfg Config) (*Engine, error) {
	if cfg.MaxSmallActionRowIDs <= 0 {
		cfg.MaxSmallActionRowIDs = DefaultMaxSmallActionRowIDs
	}
	var err = pool.WithDB(func(h *store.Handle) error {
		return store.InitMeta(ctx, h)
	})
	if err != nil {
		return nil, err
	}
	return &Engine{
		pool:      pool,
		cfg:       cfg,
		listeners: make(map[int]func(protocol.ActionSet)),
	}, nil
}

// queryWithID returns the query with its id column forced into an
// explicit projection, as results are keyed by row id. Pre-computed
// select expressions are left untouched: a caller composing its own
// projection is responsible for keying it by id.
func queryWithID(q protocol.Query) protocol.Query {
	if len(q.Selects) != 0 || len(q.Columns) == 0 {
		return q
	}
	for _, c := range q.Columns {
		if c == "id" {
			return q
		}
	}
	q.Columns = append([]string{"id"}, q.Columns...)
	return q
}

// FetchQuery executes the query inside a read transaction, returning the
// full columnar result and the action number of the read state.
func (e *Engine) FetchQuery(ctx context.Context, q protocol.Query) (protocol.QueryResult, error) {
	var stmt, err = sqlgen.BuildQuery(queryWithID(q))
	if err != nil {
		return protocol.QueryResult{}, err
	}

	var result = protocol.QueryResult{TableID: q.TableID}
	err = e.pool.WithDB(func(h *store.Handle) error {
		if err := h.Begin(ctx, false); err != nil {
			return err
		}
		defer func() {
			_ = h.Rollback(ctx)
		}()

		var actionNum, err = store.ActionNum(ctx, h)
		if err != nil {
			return err
		}
		result.ActionNum = actionNum

		rows, err := h.Query(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		colIDs, err := rows.Columns()
		if err != nil {
			return err
		}
		var idIndex = -1
		for i, c := range colIDs {
			if c == "id" {
				idIndex = i
			}
		}
		if idIndex == -1 {
			return errors.Errorf("query of %s did not yield an id column", q.TableID)
		}

		var data = protocol.TableColValues{IDs: []int64{}, Cols: make(protocol.ColValues)}
		for _, c := range colIDs {
			if c != "id" {
				data.Cols[c] = []protocol.CellValue{}
			}
		}
		for rows.Next() {
			var vals = make([]interface{}, len(colIDs))
			var ptrs = make([]interface{}, len(colIDs))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err = rows.Scan(ptrs...); err != nil {
				return err
			}
			for i, c := range colIDs {
				if i == idIndex {
					var id, ok = protocol.AsRowID(vals[i])
					if !ok {
						return errors.Errorf("row id %v is not an integer", vals[i])
					}
					data.IDs = append(data.IDs, id)
				} else {
					data.Cols[c] = append(data.Cols[c], vals[i])
				}
			}
		}
		if err = rows.Err(); err != nil {
			return err
		}
		result.TableData = data
		return nil
	})
	if err != nil {
		return protocol.QueryResult{}, err
	}
	return result, nil
}

// ApplyActions applies the action set atomically and, on success,
// broadcasts it to every registered listener with oversized actions
// stripped.
func (e *Engine) ApplyActions(ctx context.Context, set protocol.ActionSet) (protocol.ApplyResultSet, error) {
	var res protocol.ApplyResultSet
	var actionNum int64

	var err = e.pool.WithDB(func(h *store.Handle) error {
		var err error
		res, actionNum, err = store.ApplyActions(ctx, h, set)
		return err
	})
	if err != nil {
		return protocol.ApplyResultSet{}, err
	}

	e.broadcast(actionNum, set)
	return res, nil
}

// broadcast delivers the applied set to listeners, stripping large actions.
func (e *Engine) broadcast(actionNum int64, set protocol.ActionSet) {
	var stripped = protocol.ActionSet{Actions: make([]protocol.DocAction, len(set.Actions))}
	for i, a := range set.Actions {
		stripped.Actions[i] = protocol.MaybeStrip(a, e.cfg.MaxSmallActionRowIDs)
	}

	e.mu.Lock()
	var listeners = make([]func(protocol.ActionSet), 0, len(e.listeners))
	for _, cb := range e.listeners {
		listeners = append(listeners, cb)
	}
	e.mu.Unlock()

	log.WithFields(log.Fields{
		"actionNum": actionNum,
		"actions":   len(set.Actions),
		"listeners": len(listeners),
	}).Debug("broadcasting action set")

	for _, cb := range listeners {
		cb(stripped)
	}
}

// AddActionListener registers a callback invoked once per successfully
// applied action set. The registration disposes itself when |ctx| is
// cancelled, which the server façade ties to its connection's disconnect
// signal.
func (e *Engine) AddActionListener(ctx context.Context, cb func(protocol.ActionSet)) {
	e.mu.Lock()
	e.nextID++
	var id = e.nextID
	e.listeners[id] = cb
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}()
}
