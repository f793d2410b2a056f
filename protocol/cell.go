package protocol

import (
	"encoding/json"
	"math"
)

// CellValue is a single engine cell value: nil, bool, int64, float64,
// string, or a typed structured value []interface{}{code, payload...}.
// Cells decoded from JSON carry float64 for all numbers; NormalizeCell
// restores integral values to int64.
type CellValue = interface{}

// NormalizeCell maps a JSON-decoded value onto the canonical CellValue
// domain. Integral float64 values become int64, json.Number is resolved to
// int64 or float64, and nested structured values are normalized recursively.
func NormalizeCell(v interface{}) CellValue {
	switch vv := v.(type) {
	case float64:
		if vv == math.Trunc(vv) && !math.IsInf(vv, 0) && math.Abs(vv) < 1<<53 {
			return int64(vv)
		}
		return vv
	case json.Number:
		if i, err := vv.Int64(); err == nil {
			return i
		}
		if f, err := vv.Float64(); err == nil {
			return f
		}
		return vv.String()
	case []interface{}:
		var out = make([]interface{}, len(vv))
		for i := range vv {
			out[i] = NormalizeCell(vv[i])
		}
		return out
	default:
		return v
	}
}

// AsRowID coerces a decoded cell value to an int64 row identifier.
func AsRowID(v interface{}) (int64, bool) {
	switch vv := v.(type) {
	case int64:
		return vv, true
	case int:
		return int64(vv), true
	case float64:
		if vv == math.Trunc(vv) {
			return int64(vv), true
		}
		return 0, false
	case json.Number:
		var i, err = vv.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
