package engine

import (
	"context"
	"database/sql"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.tabserve.dev/core/metrics"
	"go.tabserve.dev/core/protocol"
	"go.tabserve.dev/core/rpc"
	"go.tabserve.dev/core/sqlgen"
	"go.tabserve.dev/core/store"
)

// QueryResultStreaming is a streaming read: its value frame, and a lazy
// sequence of positional row chunks aligned with Value.ColIDs.
type QueryResultStreaming struct {
	Value  protocol.StreamingQueryValue
	Chunks *RowChunks
}

// FetchQueryStreaming executes the query under a read transaction whose
// lifetime extends until the returned chunk sequence is drained, closed,
// or ended by cancellation. The caller's cancel signal (through |ctx|) is
// combined with a timeout of opts.TimeoutMS; firing either ends the
// sequence with the cancellation reason at its next Next call, which also
// rolls back the transaction. Cleanup of the row cursor, transaction, and
// pooled handle runs exactly once over every exit path.
func (e *Engine) FetchQueryStreaming(ctx context.Context, q protocol.Query,
	opts protocol.StreamingOptions) (*QueryResultStreaming, error) {

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	var stmt, err = sqlgen.BuildQuery(queryWithID(q))
	if err != nil {
		return nil, err
	}

	var h *store.Handle
	if h, err = e.pool.Acquire(); err != nil {
		return nil, err
	}
	if err = h.Begin(ctx, false); err != nil {
		e.pool.Release(h)
		return nil, err
	}

	var fail = func(err error) (*QueryResultStreaming, error) {
		_ = h.Rollback(context.Background())
		e.pool.Release(h)
		return nil, err
	}

	var actionNum int64
	if actionNum, err = store.ActionNum(ctx, h); err != nil {
		return fail(err)
	}

	var rctx, cancel = context.WithCancelCause(ctx)
	var timer *time.Timer
	if opts.TimeoutMS > 0 {
		timer = time.AfterFunc(time.Duration(opts.TimeoutMS)*time.Millisecond, func() {
			cancel(errors.WithMessage(rpc.ErrAborted, "streaming read timed out"))
		})
	}

	var rows *sql.Rows
	if rows, err = h.Query(rctx, stmt.SQL, stmt.Args...); err != nil {
		if timer != nil {
			timer.Stop()
		}
		cancel(nil)
		return fail(err)
	}
	var colIDs []string
	if colIDs, err = rows.Columns(); err != nil {
		if timer != nil {
			timer.Stop()
		}
		cancel(nil)
		_ = rows.Close()
		return fail(err)
	}

	var rc = &RowChunks{
		ctx:       rctx,
		rows:      rows,
		chunkRows: opts.ChunkRows,
		nCols:     len(colIDs),
	}
	rc.cleanupFn = func() {
		if timer != nil {
			timer.Stop()
		}
		_ = rows.Close()
		_ = h.Rollback(context.Background())
		e.pool.Release(h)
		cancel(nil)
	}

	return &QueryResultStreaming{
		Value: protocol.StreamingQueryValue{
			TableID:   q.TableID,
			ActionNum: actionNum,
			ColIDs:    colIDs,
		},
		Chunks: rc,
	}, nil
}

// RowChunks is the lazy chunk sequence of one streaming read. It is a
// single-consumer sequence; each chunk holds at most the configured
// number of rows.
type RowChunks struct {
	ctx       context.Context
	rows      *sql.Rows
	chunkRows int
	nCols     int
	done      bool
	once      sync.Once
	cleanupFn func()
}

func (rc *RowChunks) finish() { rc.once.Do(rc.cleanupFn) }

// Close abandons the sequence and runs cleanup.
func (rc *RowChunks) Close() {
	rc.done = true
	rc.finish()
}

// Next returns the next chunk of rows, io.EOF at the end of the cursor,
// or the cancellation reason if the read's signal has fired. Any exit
// other than a full chunk runs cleanup.
func (rc *RowChunks) Next(ctx context.Context) (interface{}, error) {
	if rc.done {
		return nil, io.EOF
	}
	if err := context.Cause(rc.ctx); err != nil {
		rc.done = true
		rc.finish()
		return nil, err
	}
	if ctx != nil {
		if err := context.Cause(ctx); err != nil {
			rc.done = true
			rc.finish()
			return nil, err
		}
	}

	var chunk = make([][]interface{}, 0, rc.chunkRows)
	for len(chunk) < rc.chunkRows && rc.rows.Next() {
		var vals = make([]interface{}, rc.nCols)
		var ptrs = make([]interface{}, rc.nCols)
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rc.rows.Scan(ptrs...); err != nil {
			rc.done = true
			rc.finish()
			return nil, err
		}
		chunk = append(chunk, vals)
	}

	if err := rc.rows.Err(); err != nil {
		rc.done = true
		rc.finish()
		// A cancelled cursor surfaces the cancellation reason rather than
		// the driver's interrupt error.
		if cause := context.Cause(rc.ctx); cause != nil {
			return nil, cause
		}
		return nil, err
	}
	if len(chunk) == 0 {
		rc.done = true
		rc.finish()
		return nil, io.EOF
	}
	metrics.EngineRowsStreamedTotal.Add(float64(len(chunk)))
	if len(chunk) < rc.chunkRows {
		rc.done = true
		rc.finish()
	}
	return chunk, nil
}
