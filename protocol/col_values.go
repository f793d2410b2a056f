package protocol

import (
	"encoding/json"
	"sort"
)

// ColValues maps a column identifier to an ordered sequence of cell values.
// All sequences of one ColValues share the same length, which is the row
// count of the bulk value.
type ColValues map[string][]CellValue

// RowCount returns the shared sequence length, or -1 if sequences disagree.
// An empty ColValues has a row count of zero.
func (cv ColValues) RowCount() int {
	var n, first = 0, true
	for _, vals := range cv {
		if first {
			n, first = len(vals), false
		} else if len(vals) != n {
			return -1
		}
	}
	return n
}

// Validate returns an error if sequence lengths disagree.
func (cv ColValues) Validate() error {
	if cv.RowCount() == -1 {
		return NewValidationError("column value sequences have differing lengths")
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler, normalizing decoded cells.
func (cv *ColValues) UnmarshalJSON(b []byte) error {
	var m map[string][]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*cv = make(ColValues, len(m))
	for id, vals := range m {
		for i := range vals {
			vals[i] = NormalizeCell(vals[i])
		}
		(*cv)[id] = vals
	}
	return nil
}

// ColIDs returns the column identifiers in sorted order.
func (cv ColValues) ColIDs() []string {
	var ids = make([]string, 0, len(cv))
	for id := range cv {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stripped returns a ColValues with the same column keys, each mapped to an
// empty sequence. Receivers of a stripped bulk value know to refetch.
func (cv ColValues) Stripped() ColValues {
	var out = make(ColValues, len(cv))
	for id := range cv {
		out[id] = []CellValue{}
	}
	return out
}

// TableColValues is a bulk column value with a mandatory `id` column of
// integer row identifiers. It marshals as a single JSON object in which
// the id column appears under the "id" key alongside all other columns.
type TableColValues struct {
	IDs  []int64
	Cols ColValues
}

// RowCount returns the number of rows, as defined by the id column.
func (t TableColValues) RowCount() int { return len(t.IDs) }

// Validate returns an error if any column disagrees with the id column length.
func (t TableColValues) Validate() error {
	for id, vals := range t.Cols {
		if len(vals) != len(t.IDs) {
			return NewValidationError("column %s has %d values; expected %d", id, len(vals), len(t.IDs))
		}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t TableColValues) MarshalJSON() ([]byte, error) {
	var m = make(map[string]interface{}, len(t.Cols)+1)
	for id, vals := range t.Cols {
		m[id] = vals
	}
	m["id"] = t.IDs
	return json.Marshal(m)
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *TableColValues) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	t.IDs, t.Cols = nil, make(ColValues, len(m))
	for id, raw := range m {
		if id == "id" {
			if err := json.Unmarshal(raw, &t.IDs); err != nil {
				return ExtendContext(NewValidationError("decoding id column: %s", err), "tableData")
			}
			continue
		}
		var vals []interface{}
		if err := json.Unmarshal(raw, &vals); err != nil {
			return ExtendContext(NewValidationError("decoding column: %s", err), "%s", id)
		}
		for i := range vals {
			vals[i] = NormalizeCell(vals[i])
		}
		t.Cols[id] = vals
	}
	if t.IDs == nil {
		return NewValidationError("tableData is missing its id column")
	}
	return nil
}
