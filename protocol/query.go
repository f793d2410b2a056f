package protocol

import (
	"encoding/json"
	"strings"
)

// CursorKind selects the direction of cursor pagination.
type CursorKind string

// CursorKind values. CursorBefore is reserved: it appears in the data model
// but the SQL builder rejects it.
const (
	CursorAfter  CursorKind = "after"
	CursorBefore CursorKind = "before"
)

// Cursor positions a query strictly after (or before) a row identified by
// its sort-key values. It marshals as the positional array [kind, values].
type Cursor struct {
	Kind   CursorKind
	Values []CellValue
}

// MarshalJSON implements json.Marshaler.
func (c Cursor) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{c.Kind, c.Values})
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Cursor) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil || len(parts) != 2 {
		return NewValidationError("cursor is not a [kind, values] pair")
	}
	if err := json.Unmarshal(parts[0], &c.Kind); err != nil {
		return NewValidationError("cursor kind: %s", err)
	}
	var vals []interface{}
	if err := json.Unmarshal(parts[1], &vals); err != nil {
		return NewValidationError("cursor values: %s", err)
	}
	for i := range vals {
		vals[i] = NormalizeCell(vals[i])
	}
	c.Values = vals
	return nil
}

// Validate returns an error if the cursor kind is unrecognized.
func (c Cursor) Validate() error {
	if c.Kind != CursorAfter && c.Kind != CursorBefore {
		return NewValidationError("unrecognized cursor kind %q", c.Kind)
	}
	return nil
}

// Query is a structured description of a read over one table. Filters is a
// recursive tagged expression tree of the form [tag, args...], with leaves
// ["Const", value] and ["Name", colId]. Sort columns may be prefixed "-"
// for descending order. Selects, when present, is a list of pre-computed
// SQL select expressions which takes precedence over Columns; it is not
// identifier-checked and is intended for callers which compose their own
// projections.
type Query struct {
	TableID         string        `json:"tableId"`
	Filters         []interface{} `json:"filters,omitempty"`
	Sort            []string      `json:"sort,omitempty"`
	Limit           int           `json:"limit,omitempty"`
	Cursor          *Cursor       `json:"cursor,omitempty"`
	Selects         []string      `json:"selects,omitempty"`
	Columns         []string      `json:"columns,omitempty"`
	RowIDs          []int64       `json:"rowIds,omitempty"`
	IncludePrevious bool          `json:"includePrevious,omitempty"`
}

// Validate performs shallow validation of the Query. The SQL builder
// performs the deeper structural checks of the filter tree and cursor.
func (q Query) Validate() error {
	if q.TableID == "" {
		return NewValidationError("query is missing its table id")
	}
	if q.Limit < 0 {
		return NewValidationError("query limit is negative")
	}
	if q.Cursor != nil {
		if err := q.Cursor.Validate(); err != nil {
			return ExtendContext(err, "cursor")
		}
		if len(q.Cursor.Values) != len(q.Sort) {
			return NewValidationError("cursor has %d values for %d sort columns",
				len(q.Cursor.Values), len(q.Sort))
		}
	}
	return nil
}

// SortColumn splits one sort specification into its column identifier and
// direction.
func SortColumn(spec string) (colID string, descending bool) {
	if strings.HasPrefix(spec, "-") {
		return spec[1:], true
	}
	return spec, false
}
