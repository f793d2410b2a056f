package store

import (
	"math"
	"strings"
)

// TypeInfo maps one logical column type onto the store.
type TypeInfo struct {
	// StoreType is the SQLite column type.
	StoreType string
	// StoreDefault is the SQL literal of the column DEFAULT clause.
	StoreDefault string
	// Default is the neutral in-memory default value.
	Default interface{}
}

// typeMap is the static mapping of logical types to store types. Logical
// types absent from the map use the Any entry.
var typeMap = map[string]TypeInfo{
	"Any":            {"BLOB", "NULL", nil},
	"Attachments":    {"TEXT", "NULL", nil},
	"Blob":           {"BLOB", "NULL", nil},
	"Bool":           {"BOOLEAN", "0", false},
	"Choice":         {"TEXT", "''", ""},
	"ChoiceList":     {"TEXT", "NULL", nil},
	"Date":           {"DATE", "NULL", nil},
	"DateTime":       {"DATETIME", "NULL", nil},
	"Id":             {"INTEGER", "0", int64(0)},
	"Int":            {"INTEGER", "0", int64(0)},
	"ManualSortPos":  {"NUMERIC", "1e999", math.Inf(1)},
	"Numeric":        {"NUMERIC", "0", int64(0)},
	"PositionNumber": {"NUMERIC", "1e999", math.Inf(1)},
	"Ref":            {"INTEGER", "0", int64(0)},
	"RefList":        {"TEXT", "NULL", nil},
	"Text":           {"TEXT", "''", ""},
}

// TypeInfoFor resolves a logical type to its store mapping. A qualifier
// after ':' (as in "Ref:Table1") is ignored; unknown heads fall back to
// the Any entry.
func TypeInfoFor(logical string) TypeInfo {
	var head = logical
	if i := strings.IndexByte(logical, ':'); i != -1 {
		head = logical[:i]
	}
	if info, ok := typeMap[head]; ok {
		return info
	}
	return typeMap["Any"]
}
