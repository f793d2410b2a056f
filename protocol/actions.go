package protocol

import (
	"encoding/json"
)

// DocAction is a tagged record describing one mutation of the document
// store. It marshals as a positional JSON array [name, args...]. Data
// actions carry row identifiers and bulk column values of equal length;
// an action with an empty row-id list is a valid no-op, used for stripped
// broadcasts.
type DocAction interface {
	Validator
	json.Marshaler

	// ActionName returns the tag under which the action is encoded.
	ActionName() string
}

// ColInfo describes one column of a table schema action.
type ColInfo struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
}

// BulkAddRecord inserts one row per position of RowIDs, with explicit ids.
type BulkAddRecord struct {
	TableID string
	RowIDs  []int64
	Columns ColValues
}

// BulkUpdateRecord updates the listed columns of each row of RowIDs.
type BulkUpdateRecord struct {
	TableID string
	RowIDs  []int64
	Columns ColValues
}

// BulkRemoveRecord deletes each row of RowIDs.
type BulkRemoveRecord struct {
	TableID string
	RowIDs  []int64
}

// ReplaceTableData replaces the entire contents of a table.
type ReplaceTableData struct {
	TableID string
	RowIDs  []int64
	Columns ColValues
}

// AddTable creates a table with the given columns, in input order, plus an
// implicit integer `id` primary key.
type AddTable struct {
	TableID string
	Columns []ColInfo
}

// RemoveTable drops a table.
type RemoveTable struct {
	TableID string
}

// RenameTable renames a table.
type RenameTable struct {
	OldTableID string
	NewTableID string
}

// AddColumn adds a column to an existing table.
type AddColumn struct {
	TableID string
	ColID   string
	Info    ColInfo
}

// RemoveColumn drops a column.
type RemoveColumn struct {
	TableID string
	ColID   string
}

// RenameColumn renames a column.
type RenameColumn struct {
	TableID  string
	OldColID string
	NewColID string
}

// ModifyColumn applies a partial update of a column's schema info.
type ModifyColumn struct {
	TableID string
	ColID   string
	Updates map[string]interface{}
}

// ActionName implementations.

func (BulkAddRecord) ActionName() string    { return "BulkAddRecord" }
func (BulkUpdateRecord) ActionName() string { return "BulkUpdateRecord" }
func (BulkRemoveRecord) ActionName() string { return "BulkRemoveRecord" }
func (ReplaceTableData) ActionName() string { return "ReplaceTableData" }
func (AddTable) ActionName() string         { return "AddTable" }
func (RemoveTable) ActionName() string      { return "RemoveTable" }
func (RenameTable) ActionName() string      { return "RenameTable" }
func (AddColumn) ActionName() string        { return "AddColumn" }
func (RemoveColumn) ActionName() string     { return "RemoveColumn" }
func (RenameColumn) ActionName() string     { return "RenameColumn" }
func (ModifyColumn) ActionName() string     { return "ModifyColumn" }

func validateBulk(name, tableID string, rowIDs []int64, cols ColValues) error {
	if tableID == "" {
		return NewValidationError("%s: missing table id", name)
	}
	for id, vals := range cols {
		if len(vals) != len(rowIDs) {
			return ExtendContext(NewValidationError(
				"column %s has %d values; expected %d", id, len(vals), len(rowIDs)), "%s", name)
		}
	}
	return nil
}

// Validate implementations. Data actions enforce the equal-length invariant
// between row ids and every column value sequence.

func (a BulkAddRecord) Validate() error {
	return validateBulk(a.ActionName(), a.TableID, a.RowIDs, a.Columns)
}
func (a BulkUpdateRecord) Validate() error {
	return validateBulk(a.ActionName(), a.TableID, a.RowIDs, a.Columns)
}
func (a BulkRemoveRecord) Validate() error {
	return validateBulk(a.ActionName(), a.TableID, a.RowIDs, nil)
}
func (a ReplaceTableData) Validate() error {
	return validateBulk(a.ActionName(), a.TableID, a.RowIDs, a.Columns)
}
func (a AddTable) Validate() error {
	if a.TableID == "" {
		return NewValidationError("AddTable: missing table id")
	}
	for _, c := range a.Columns {
		if c.ID == "" {
			return NewValidationError("AddTable %s: column with empty id", a.TableID)
		}
	}
	return nil
}
func (a RemoveTable) Validate() error {
	if a.TableID == "" {
		return NewValidationError("RemoveTable: missing table id")
	}
	return nil
}
func (a RenameTable) Validate() error {
	if a.OldTableID == "" || a.NewTableID == "" {
		return NewValidationError("RenameTable: missing table id")
	}
	return nil
}
func (a AddColumn) Validate() error {
	if a.TableID == "" || a.ColID == "" {
		return NewValidationError("AddColumn: missing identifier")
	}
	return nil
}
func (a RemoveColumn) Validate() error {
	if a.TableID == "" || a.ColID == "" {
		return NewValidationError("RemoveColumn: missing identifier")
	}
	return nil
}
func (a RenameColumn) Validate() error {
	if a.TableID == "" || a.OldColID == "" || a.NewColID == "" {
		return NewValidationError("RenameColumn: missing identifier")
	}
	return nil
}
func (a ModifyColumn) Validate() error {
	if a.TableID == "" || a.ColID == "" {
		return NewValidationError("ModifyColumn: missing identifier")
	}
	return nil
}

func marshalAction(name string, args ...interface{}) ([]byte, error) {
	return json.Marshal(append([]interface{}{name}, args...))
}

// MarshalJSON implementations, emitting positional tagged arrays.

func (a BulkAddRecord) MarshalJSON() ([]byte, error) {
	return marshalAction(a.ActionName(), a.TableID, a.RowIDs, a.Columns)
}
func (a BulkUpdateRecord) MarshalJSON() ([]byte, error) {
	return marshalAction(a.ActionName(), a.TableID, a.RowIDs, a.Columns)
}
func (a BulkRemoveRecord) MarshalJSON() ([]byte, error) {
	return marshalAction(a.ActionName(), a.TableID, a.RowIDs)
}
func (a ReplaceTableData) MarshalJSON() ([]byte, error) {
	return marshalAction(a.ActionName(), a.TableID, a.RowIDs, a.Columns)
}
func (a AddTable) MarshalJSON() ([]byte, error) {
	return marshalAction(a.ActionName(), a.TableID, a.Columns)
}
func (a RemoveTable) MarshalJSON() ([]byte, error) {
	return marshalAction(a.ActionName(), a.TableID)
}
func (a RenameTable) MarshalJSON() ([]byte, error) {
	return marshalAction(a.ActionName(), a.OldTableID, a.NewTableID)
}
func (a AddColumn) MarshalJSON() ([]byte, error) {
	return marshalAction(a.ActionName(), a.TableID, a.ColID, a.Info)
}
func (a RemoveColumn) MarshalJSON() ([]byte, error) {
	return marshalAction(a.ActionName(), a.TableID, a.ColID)
}
func (a RenameColumn) MarshalJSON() ([]byte, error) {
	return marshalAction(a.ActionName(), a.TableID, a.OldColID, a.NewColID)
}
func (a ModifyColumn) MarshalJSON() ([]byte, error) {
	return marshalAction(a.ActionName(), a.TableID, a.ColID, a.Updates)
}

// UnmarshalDocAction decodes one positional tagged-array action.
func UnmarshalDocAction(b []byte) (DocAction, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return nil, NewValidationError("action is not an array: %s", err)
	}
	if len(parts) == 0 {
		return nil, NewValidationError("action array is empty")
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return nil, NewValidationError("action tag is not a string: %s", err)
	}
	var args = parts[1:]

	var argStr = func(i int, out *string) error {
		if i >= len(args) {
			return NewValidationError("%s: missing argument %d", name, i)
		}
		return json.Unmarshal(args[i], out)
	}
	var argRowIDs = func(i int, out *[]int64) error {
		if i >= len(args) {
			return NewValidationError("%s: missing argument %d", name, i)
		}
		return json.Unmarshal(args[i], out)
	}
	var argCols = func(i int, out *ColValues) error {
		if i >= len(args) {
			*out = ColValues{}
			return nil
		}
		return json.Unmarshal(args[i], out)
	}

	var act DocAction
	var err error
	switch name {
	case "BulkAddRecord":
		var a BulkAddRecord
		if err = argStr(0, &a.TableID); err == nil {
			if err = argRowIDs(1, &a.RowIDs); err == nil {
				err = argCols(2, &a.Columns)
			}
		}
		act = a
	case "BulkUpdateRecord":
		var a BulkUpdateRecord
		if err = argStr(0, &a.TableID); err == nil {
			if err = argRowIDs(1, &a.RowIDs); err == nil {
				err = argCols(2, &a.Columns)
			}
		}
		act = a
	case "BulkRemoveRecord":
		var a BulkRemoveRecord
		if err = argStr(0, &a.TableID); err == nil {
			err = argRowIDs(1, &a.RowIDs)
		}
		act = a
	case "ReplaceTableData":
		var a ReplaceTableData
		if err = argStr(0, &a.TableID); err == nil {
			if err = argRowIDs(1, &a.RowIDs); err == nil {
				err = argCols(2, &a.Columns)
			}
		}
		act = a
	case "AddTable":
		var a AddTable
		if err = argStr(0, &a.TableID); err == nil && len(args) > 1 {
			err = json.Unmarshal(args[1], &a.Columns)
		}
		act = a
	case "RemoveTable":
		var a RemoveTable
		err = argStr(0, &a.TableID)
		act = a
	case "RenameTable":
		var a RenameTable
		if err = argStr(0, &a.OldTableID); err == nil {
			err = argStr(1, &a.NewTableID)
		}
		act = a
	case "AddColumn":
		var a AddColumn
		if err = argStr(0, &a.TableID); err == nil {
			if err = argStr(1, &a.ColID); err == nil && len(args) > 2 {
				err = json.Unmarshal(args[2], &a.Info)
			}
		}
		act = a
	case "RemoveColumn":
		var a RemoveColumn
		if err = argStr(0, &a.TableID); err == nil {
			err = argStr(1, &a.ColID)
		}
		act = a
	case "RenameColumn":
		var a RenameColumn
		if err = argStr(0, &a.TableID); err == nil {
			if err = argStr(1, &a.OldColID); err == nil {
				err = argStr(2, &a.NewColID)
			}
		}
		act = a
	case "ModifyColumn":
		var a ModifyColumn
		if err = argStr(0, &a.TableID); err == nil {
			if err = argStr(1, &a.ColID); err == nil && len(args) > 2 {
				err = json.Unmarshal(args[2], &a.Updates)
			}
		}
		act = a
	default:
		return nil, NewValidationError("unknown action tag %q", name)
	}
	if err != nil {
		return nil, ExtendContext(NewValidationError("decoding action: %s", err), "%s", name)
	}
	return act, nil
}

// MaybeStrip returns the action unchanged if its row-id list has at most
// |max| entries, and otherwise a stripped copy: an empty row-id list, with
// column keys preserved but mapped to empty sequences. Schema actions are
// never stripped.
func MaybeStrip(a DocAction, max int) DocAction {
	switch aa := a.(type) {
	case BulkAddRecord:
		if len(aa.RowIDs) > max {
			return BulkAddRecord{TableID: aa.TableID, RowIDs: []int64{}, Columns: aa.Columns.Stripped()}
		}
	case BulkUpdateRecord:
		if len(aa.RowIDs) > max {
			return BulkUpdateRecord{TableID: aa.TableID, RowIDs: []int64{}, Columns: aa.Columns.Stripped()}
		}
	case BulkRemoveRecord:
		if len(aa.RowIDs) > max {
			return BulkRemoveRecord{TableID: aa.TableID, RowIDs: []int64{}}
		}
	case ReplaceTableData:
		if len(aa.RowIDs) > max {
			return ReplaceTableData{TableID: aa.TableID, RowIDs: []int64{}, Columns: aa.Columns.Stripped()}
		}
	}
	return a
}

// ActionSet is an ordered set of document actions, applied atomically.
// It marshals as a JSON array of tagged-array actions.
type ActionSet struct {
	Actions []DocAction
}

// Validate returns the first validation error of any member action.
func (s ActionSet) Validate() error {
	for i, a := range s.Actions {
		if err := a.Validate(); err != nil {
			return ExtendContext(err, "actions[%d]", i)
		}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s ActionSet) MarshalJSON() ([]byte, error) {
	if s.Actions == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.Actions)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ActionSet) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return NewValidationError("action set is not an array: %s", err)
	}
	s.Actions = make([]DocAction, 0, len(raw))
	for i, r := range raw {
		var a, err = UnmarshalDocAction(r)
		if err != nil {
			return ExtendContext(err, "actions[%d]", i)
		}
		s.Actions = append(s.Actions, a)
	}
	return nil
}

// ApplyResultSet carries one result per input action of an applied set.
type ApplyResultSet struct {
	Results []interface{} `json:"results"`
}
