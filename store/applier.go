package store

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"go.tabserve.dev/core/metrics"
	"go.tabserve.dev/core/protocol"
	"go.tabserve.dev/core/sqlgen"
)

// ErrNotImplemented is returned for declared actions whose application is
// deferred: ReplaceTableData and the remaining schema actions.
var ErrNotImplemented = errors.New("action is not implemented")

// metaTable is the single-row bookkeeping table holding the store's
// action counter.
const metaTable = "_tabserve_meta"

// InitMeta creates the bookkeeping table if needed and seeds the action
// counter at zero.
func InitMeta(ctx context.Context, h *Handle) error {
	if err := h.ExecRaw(ctx, `CREATE TABLE IF NOT EXISTS `+metaTable+
		` ("id" INTEGER PRIMARY KEY CHECK ("id" = 1), "action_num" INTEGER NOT NULL)`); err != nil {
		return errors.WithMessage(err, "creating meta table")
	}
	if err := h.ExecRaw(ctx, `INSERT OR IGNORE INTO `+metaTable+
		` ("id", "action_num") VALUES (1, 0)`); err != nil {
		return errors.WithMessage(err, "seeding meta table")
	}
	return nil
}

// ActionNum reads the store's action counter. It reflects the version of
// the state observed by the current transaction, if one is open.
func ActionNum(ctx context.Context, h *Handle) (int64, error) {
	var n int64
	var err = h.QueryRow(ctx, `SELECT "action_num" FROM `+metaTable+` WHERE "id" = 1`).Scan(&n)
	if err != nil {
		return 0, errors.WithMessage(err, "reading action num")
	}
	return n, nil
}

// ApplyActions applies the action set inside a single immediate
// transaction on |h|, bumping the store's action counter. If any action
// fails, the transaction rolls back and the store is unchanged. It
// returns one result per input action, and the action number of the
// commit.
func ApplyActions(ctx context.Context, h *Handle, set protocol.ActionSet) (protocol.ApplyResultSet, int64, error) {
	if err := set.Validate(); err != nil {
		return protocol.ApplyResultSet{}, 0, err
	}
	if err := h.Begin(ctx, true); err != nil {
		return protocol.ApplyResultSet{}, 0, err
	}

	var results = make([]interface{}, len(set.Actions))
	for _, action := range set.Actions {
		if err := applyOne(ctx, h, action); err != nil {
			_ = h.Rollback(ctx)
			return protocol.ApplyResultSet{}, 0,
				errors.WithMessagef(err, "applying %s", action.ActionName())
		}
	}

	if err := h.Exec(ctx, `UPDATE `+metaTable+` SET "action_num" = "action_num" + 1 WHERE "id" = 1`); err != nil {
		_ = h.Rollback(ctx)
		return protocol.ApplyResultSet{}, 0, errors.WithMessage(err, "bumping action num")
	}
	var actionNum, err = ActionNum(ctx, h)
	if err != nil {
		_ = h.Rollback(ctx)
		return protocol.ApplyResultSet{}, 0, err
	}
	if err = h.Commit(ctx); err != nil {
		return protocol.ApplyResultSet{}, 0, err
	}

	metrics.EngineActionsAppliedTotal.Add(float64(len(set.Actions)))
	return protocol.ApplyResultSet{Results: results}, actionNum, nil
}

func applyOne(ctx context.Context, h *Handle, action protocol.DocAction) error {
	switch a := action.(type) {
	case protocol.AddTable:
		return applyAddTable(ctx, h, a)
	case protocol.BulkAddRecord:
		return applyBulkAdd(ctx, h, a.TableID, a.RowIDs, a.Columns)
	case protocol.BulkUpdateRecord:
		return applyBulkUpdate(ctx, h, a)
	case protocol.BulkRemoveRecord:
		return applyBulkRemove(ctx, h, a)
	default:
		return ErrNotImplemented
	}
}

func applyAddTable(ctx context.Context, h *Handle, a protocol.AddTable) error {
	var qt, err = sqlgen.QuoteIdent(a.TableID)
	if err != nil {
		return err
	}
	var defs = []string{`"id" INTEGER PRIMARY KEY`}
	for _, col := range a.Columns {
		var qc string
		if qc, err = sqlgen.QuoteIdent(col.ID); err != nil {
			return err
		}
		var info = TypeInfoFor(col.Type)
		defs = append(defs, qc+" "+info.StoreType+" DEFAULT "+info.StoreDefault)
	}
	return h.ExecRaw(ctx, "CREATE TABLE "+qt+" ("+strings.Join(defs, ", ")+")")
}

func applyBulkAdd(ctx context.Context, h *Handle, tableID string, rowIDs []int64, cols protocol.ColValues) error {
	if len(rowIDs) == 0 {
		return nil
	}
	var qt, err = sqlgen.QuoteIdent(tableID)
	if err != nil {
		return err
	}
	var colIDs = cols.ColIDs()
	var names = []string{`"id"`}
	var marks = []string{"?"}
	for _, colID := range colIDs {
		var qc string
		if qc, err = sqlgen.QuoteIdent(colID); err != nil {
			return err
		}
		names = append(names, qc)
		marks = append(marks, "?")
	}
	var stmt = "INSERT INTO " + qt + " (" + strings.Join(names, ", ") +
		") VALUES (" + strings.Join(marks, ", ") + ")"

	for row, rowID := range rowIDs {
		var args = make([]interface{}, 0, len(colIDs)+1)
		args = append(args, rowID)
		for _, colID := range colIDs {
			var v, err2 = bindCell(cols[colID][row])
			if err2 != nil {
				return err2
			}
			args = append(args, v)
		}
		if err = h.Exec(ctx, stmt, args...); err != nil {
			return err
		}
	}
	return nil
}

func applyBulkUpdate(ctx context.Context, h *Handle, a protocol.BulkUpdateRecord) error {
	if len(a.RowIDs) == 0 || len(a.Columns) == 0 {
		return nil
	}
	var qt, err = sqlgen.QuoteIdent(a.TableID)
	if err != nil {
		return err
	}
	var colIDs = a.Columns.ColIDs()
	var sets = make([]string, 0, len(colIDs))
	for _, colID := range colIDs {
		var qc string
		if qc, err = sqlgen.QuoteIdent(colID); err != nil {
			return err
		}
		sets = append(sets, qc+" = ?")
	}
	var stmt = "UPDATE " + qt + " SET " + strings.Join(sets, ", ") + ` WHERE "id" = ?`

	for row, rowID := range a.RowIDs {
		var args = make([]interface{}, 0, len(colIDs)+1)
		for _, colID := range colIDs {
			var v, err2 = bindCell(a.Columns[colID][row])
			if err2 != nil {
				return err2
			}
			args = append(args, v)
		}
		args = append(args, rowID)
		if err = h.Exec(ctx, stmt, args...); err != nil {
			return err
		}
	}
	return nil
}

func applyBulkRemove(ctx context.Context, h *Handle, a protocol.BulkRemoveRecord) error {
	if len(a.RowIDs) == 0 {
		return nil
	}
	var qt, err = sqlgen.QuoteIdent(a.TableID)
	if err != nil {
		return err
	}
	for _, rowID := range a.RowIDs {
		if err = h.Exec(ctx, "DELETE FROM "+qt+` WHERE "id" = ?`, rowID); err != nil {
			return err
		}
	}
	return nil
}

// bindCell maps a cell value onto a driver-bindable value. Typed
// structured values are stored as their JSON encoding.
func bindCell(v protocol.CellValue) (interface{}, error) {
	switch vv := v.(type) {
	case nil, bool, int64, float64, string, []byte:
		return vv, nil
	case int:
		return int64(vv), nil
	case []interface{}:
		var b, err = json.Marshal(vv)
		if err != nil {
			return nil, errors.WithMessage(err, "encoding structured cell")
		}
		return string(b), nil
	default:
		var b, err = json.Marshal(vv)
		if err != nil {
			return nil, errors.Errorf("unsupported cell value %T", v)
		}
		return string(b), nil
	}
}
