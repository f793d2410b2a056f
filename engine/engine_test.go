package engine

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.tabserve.dev/core/protocol"
	"go.tabserve.dev/core/rpc"
	"go.tabserve.dev/core/sqlgen"
	"go.tabserve.dev/core/store"
)

func newTestEngine(t *testing.T) *Engine {
	var s = store.Open(filepath.Join(t.TempDir(), "engine.db"))
	var p = store.NewPool(s, 0)
	t.Cleanup(func() { _ = p.Close() })

	var e, err = New(context.Background(), p, Config{})
	require.NoError(t, err)
	return e
}

func addAgesTable(t *testing.T, e *Engine) {
	var ctx = context.Background()
	var _, err = e.ApplyActions(ctx, protocol.ActionSet{Actions: []protocol.DocAction{
		protocol.AddTable{TableID: "Table1", Columns: []protocol.ColInfo{
			{ID: "Name", Type: "Text"},
			{ID: "Age", Type: "Int"},
		}},
		protocol.BulkAddRecord{TableID: "Table1", RowIDs: []int64{1, 2, 3},
			Columns: protocol.ColValues{
				"Name": {"A", "B", "C"},
				"Age":  {int64(10), int64(20), int64(30)},
			}},
	}})
	require.NoError(t, err)
}

func addSequenceTable(t *testing.T, e *Engine, n int) {
	var ctx = context.Background()
	var rowIDs = make([]int64, n)
	var values = make([]protocol.CellValue, n)
	for i := 0; i < n; i++ {
		rowIDs[i] = int64(i + 1)
		values[i] = int64(i + 1)
	}
	var _, err = e.ApplyActions(ctx, protocol.ActionSet{Actions: []protocol.DocAction{
		protocol.AddTable{TableID: "Seq", Columns: []protocol.ColInfo{{ID: "N", Type: "Int"}}},
		protocol.BulkAddRecord{TableID: "Seq", RowIDs: rowIDs,
			Columns: protocol.ColValues{"N": values}},
	}})
	require.NoError(t, err)
}

func TestFetchQueryTableLifecycle(t *testing.T) {
	var e = newTestEngine(t)
	addAgesTable(t, e)

	var res, err = e.FetchQuery(context.Background(), protocol.Query{TableID: "Table1"})
	require.NoError(t, err)
	require.Equal(t, "Table1", res.TableID)
	require.Equal(t, int64(1), res.ActionNum)
	require.Equal(t, []int64{1, 2, 3}, res.TableData.IDs)
	require.Equal(t, []protocol.CellValue{"A", "B", "C"}, res.TableData.Cols["Name"])
	require.Equal(t, []protocol.CellValue{int64(10), int64(20), int64(30)}, res.TableData.Cols["Age"])
}

func TestFetchQueryFilterAndSort(t *testing.T) {
	var e = newTestEngine(t)
	addAgesTable(t, e)

	var res, err = e.FetchQuery(context.Background(), protocol.Query{
		TableID: "Table1",
		Filters: []interface{}{"GtE", []interface{}{"Name", "Age"}, []interface{}{"Const", 20}},
		Sort:    []string{"-Age"},
	})
	require.NoError(t, err)
	require.Equal(t, []int64{3, 2}, res.TableData.IDs)
}

func TestFetchQueryCursorPagination(t *testing.T) {
	var e = newTestEngine(t)
	addSequenceTable(t, e, 30)

	var q = protocol.Query{TableID: "Seq", Sort: []string{"id"}, Limit: 10}
	var batches [][]int64
	for {
		var res, err = e.FetchQuery(context.Background(), q)
		require.NoError(t, err)
		if len(res.TableData.IDs) == 0 {
			break
		}
		batches = append(batches, res.TableData.IDs)
		var last = res.TableData.IDs[len(res.TableData.IDs)-1]
		q.Cursor = &protocol.Cursor{Kind: protocol.CursorAfter, Values: []interface{}{last}}
	}

	require.Len(t, batches, 3)
	var next int64 = 1
	for _, batch := range batches {
		require.Len(t, batch, 10)
		for _, id := range batch {
			require.Equal(t, next, id)
			next++
		}
	}
}

func TestFetchQueryIncludePrevious(t *testing.T) {
	var e = newTestEngine(t)
	addAgesTable(t, e)

	var res, err = e.FetchQuery(context.Background(), protocol.Query{
		TableID:         "Table1",
		Sort:            []string{"-Age"},
		IncludePrevious: true,
	})
	require.NoError(t, err)
	// Order is 3, 2, 1: row 3 has no predecessor; 2 follows 3; 1 follows 2.
	require.Equal(t, []int64{3, 2, 1}, res.TableData.IDs)
	require.Equal(t, []protocol.CellValue{nil, int64(3), int64(2)},
		res.TableData.Cols[sqlgen.PreviousColumnID])
}

func TestStreamingChunksMatchEagerFetch(t *testing.T) {
	var e = newTestEngine(t)
	addSequenceTable(t, e, 2000)

	var q = protocol.Query{TableID: "Seq", Sort: []string{"id"}}
	var res, err = e.FetchQueryStreaming(context.Background(), q,
		protocol.StreamingOptions{TimeoutMS: 60000, ChunkRows: 50})
	require.NoError(t, err)
	require.Equal(t, "Seq", res.Value.TableID)
	require.Equal(t, []string{"id", "N"}, res.Value.ColIDs)

	var nChunks, nRows int
	var sum int64
	for {
		var c, err2 = res.Chunks.Next(context.Background())
		if err2 == io.EOF {
			break
		}
		require.NoError(t, err2)
		var chunk = c.([][]interface{})
		require.LessOrEqual(t, len(chunk), 50)
		nChunks++
		nRows += len(chunk)
		for _, row := range chunk {
			sum += row[0].(int64)
		}
	}
	require.Equal(t, 40, nChunks)
	require.Equal(t, 2000, nRows)
	require.Equal(t, int64(2000*2001/2), sum)
}

func TestStreamingCancellation(t *testing.T) {
	var e = newTestEngine(t)
	addSequenceTable(t, e, 500)

	var ctx, cancel = context.WithCancelCause(context.Background())
	var res, err = e.FetchQueryStreaming(ctx, protocol.Query{TableID: "Seq", Sort: []string{"id"}},
		protocol.StreamingOptions{TimeoutMS: 60000, ChunkRows: 100})
	require.NoError(t, err)

	var c, err2 = res.Chunks.Next(context.Background())
	require.NoError(t, err2)
	require.Len(t, c.([][]interface{}), 100)

	cancel(errors.WithMessage(rpc.ErrAborted, "caller aborted"))

	_, err2 = res.Chunks.Next(context.Background())
	require.Error(t, err2)
	require.True(t, errors.Is(err2, rpc.ErrAborted))

	// Subsequent consumption stays ended.
	_, err2 = res.Chunks.Next(context.Background())
	require.Equal(t, io.EOF, err2)

	// A fresh stream over the released handle succeeds.
	res, err = e.FetchQueryStreaming(context.Background(),
		protocol.Query{TableID: "Seq", Sort: []string{"id"}},
		protocol.StreamingOptions{TimeoutMS: 60000, ChunkRows: 100})
	require.NoError(t, err)
	res.Chunks.Close()
}

func TestStreamingTimeout(t *testing.T) {
	var e = newTestEngine(t)
	addSequenceTable(t, e, 100)

	var res, err = e.FetchQueryStreaming(context.Background(),
		protocol.Query{TableID: "Seq"},
		protocol.StreamingOptions{TimeoutMS: 25, ChunkRows: 10})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	for {
		var _, err2 = res.Chunks.Next(context.Background())
		if err2 != nil {
			require.True(t, errors.Is(err2, rpc.ErrAborted), "expected aborted, got %v", err2)
			break
		}
	}
}

func TestActionListenerNotification(t *testing.T) {
	var e = newTestEngine(t)

	var ctx, cancel = context.WithCancel(context.Background())
	var gotCh = make(chan protocol.ActionSet, 4)
	e.AddActionListener(ctx, func(set protocol.ActionSet) { gotCh <- set })

	// Case: a small action is delivered intact.
	var _, err = e.ApplyActions(context.Background(), protocol.ActionSet{Actions: []protocol.DocAction{
		protocol.AddTable{TableID: "T", Columns: []protocol.ColInfo{{ID: "N", Type: "Int"}}},
		protocol.BulkAddRecord{TableID: "T", RowIDs: []int64{1, 2},
			Columns: protocol.ColValues{"N": {int64(1), int64(2)}}},
	}})
	require.NoError(t, err)

	var set = <-gotCh
	require.Len(t, set.Actions, 2)
	var add = set.Actions[1].(protocol.BulkAddRecord)
	require.Equal(t, []int64{1, 2}, add.RowIDs)

	// Case: an action exceeding the row-id threshold is stripped, with
	// column keys preserved over empty sequences.
	var n = DefaultMaxSmallActionRowIDs + 1
	var rowIDs = make([]int64, n)
	var values = make([]protocol.CellValue, n)
	for i := range rowIDs {
		rowIDs[i] = int64(i + 10)
		values[i] = int64(i)
	}
	_, err = e.ApplyActions(context.Background(), protocol.ActionSet{Actions: []protocol.DocAction{
		protocol.BulkAddRecord{TableID: "T", RowIDs: rowIDs,
			Columns: protocol.ColValues{"N": values}},
	}})
	require.NoError(t, err)

	set = <-gotCh
	add = set.Actions[0].(protocol.BulkAddRecord)
	require.Empty(t, add.RowIDs)
	require.Equal(t, []protocol.CellValue{}, add.Columns["N"])

	// Case: the listener disposes itself with its context.
	cancel()
	time.Sleep(5 * time.Millisecond)
	_, err = e.ApplyActions(context.Background(), protocol.ActionSet{Actions: []protocol.DocAction{
		protocol.BulkRemoveRecord{TableID: "T", RowIDs: []int64{1}},
	}})
	require.NoError(t, err)

	select {
	case set = <-gotCh:
		t.Fatalf("unexpected notification after disposal: %v", set)
	case <-time.After(10 * time.Millisecond):
	}
}
