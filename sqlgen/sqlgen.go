// Package sqlgen builds parameterized SQLite statements from structured
// queries: tagged filter expression trees, sort specifications with total
// ordering, after-cursors, row-id restrictions, and the previous-row join.
// All failures are synchronous builder errors, surfaced before any I/O.
package sqlgen

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.tabserve.dev/core/protocol"
)

// PreviousColumnID is the synthetic column under which the previous-row
// join exposes the id of the row immediately preceding each result row.
const PreviousColumnID = "_grist_Previous"

// prevAlias is the table alias of the previous-row join.
const prevAlias = "_prev"

// identRe is the alphabet of quotable table and column identifiers.
var identRe = regexp.MustCompile(`^[\w.]+$`)

// Statement is a parameterized SQL statement with positional bind arguments.
type Statement struct {
	SQL  string
	Args []interface{}
}

// QuoteIdent validates and quotes one identifier.
func QuoteIdent(id string) (string, error) {
	if !identRe.MatchString(id) {
		return "", errors.Errorf("invalid identifier %q", id)
	}
	return `"` + id + `"`, nil
}

// colRef quotes a column reference, prefixed with its quoted table unless
// |table| is empty (used inside joins which bind their own alias).
func colRef(table, col string) (string, error) {
	var qc, err = QuoteIdent(col)
	if err != nil {
		return "", err
	}
	if table == "" {
		return qc, nil
	}
	var qt string
	if qt, err = QuoteIdent(table); err != nil {
		return "", err
	}
	return qt + "." + qc, nil
}

// Binary comparison operators, requiring exactly two arguments.
var binaryOps = map[string]string{
	"Eq":    "=",
	"NotEq": "!=",
	"Lt":    "<",
	"LtE":   "<=",
	"Gt":    ">",
	"GtE":   ">=",
	"Is":    "IS",
	"IsNot": "IS NOT",
	"In":    "IN",
	"NotIn": "NOT IN",
}

// N-ary operators combining one or more arguments.
var naryOps = map[string]string{
	"And":  " AND ",
	"Or":   " OR ",
	"Add":  " + ",
	"Sub":  " - ",
	"Mult": " * ",
	"Div":  " / ",
	"Mod":  " % ",
}

// compileExpr compiles one tagged filter node against |table|, appending
// bind arguments to |args|.
func compileExpr(node interface{}, table string, args *[]interface{}) (string, error) {
	var parts, ok = node.([]interface{})
	if !ok {
		return "", errors.Errorf("filter node is not a tagged list: %v", node)
	}
	if len(parts) == 0 {
		return "", errors.New("filter node is empty")
	}
	var tag, tagOK = parts[0].(string)
	if !tagOK {
		return "", errors.Errorf("filter tag is not a string: %v", parts[0])
	}
	var fnArgs = parts[1:]

	switch {
	case tag == "Const":
		if len(fnArgs) != 1 {
			return "", errors.Errorf("Const requires 1 argument; got %d", len(fnArgs))
		}
		*args = append(*args, fnArgs[0])
		return "?", nil

	case tag == "Name":
		if len(fnArgs) != 1 {
			return "", errors.Errorf("Name requires 1 argument; got %d", len(fnArgs))
		}
		var colID, isStr = fnArgs[0].(string)
		if !isStr {
			return "", errors.Errorf("Name argument is not a string: %v", fnArgs[0])
		}
		return colRef(table, colID)

	case tag == "Comment":
		// Transparent wrapper: compile the wrapped expression.
		if len(fnArgs) < 1 {
			return "", errors.New("Comment requires a wrapped expression")
		}
		return compileExpr(fnArgs[0], table, args)

	case tag == "Not":
		if len(fnArgs) != 1 {
			return "", errors.Errorf("Not requires 1 argument; got %d", len(fnArgs))
		}
		var inner, err = compileExpr(fnArgs[0], table, args)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil

	case tag == "List":
		var elems = make([]string, 0, len(fnArgs))
		for _, a := range fnArgs {
			var s, err = compileExpr(a, table, args)
			if err != nil {
				return "", err
			}
			elems = append(elems, s)
		}
		return "(" + strings.Join(elems, ", ") + ")", nil

	default:
		if op, isBinary := binaryOps[tag]; isBinary {
			if len(fnArgs) != 2 {
				return "", errors.Errorf("%s requires 2 arguments; got %d", tag, len(fnArgs))
			}
			var lhs, err = compileExpr(fnArgs[0], table, args)
			if err != nil {
				return "", err
			}
			var rhs string
			if rhs, err = compileExpr(fnArgs[1], table, args); err != nil {
				return "", err
			}
			return "(" + lhs + " " + op + " " + rhs + ")", nil
		}
		if op, isNary := naryOps[tag]; isNary {
			if len(fnArgs) < 1 {
				return "", errors.Errorf("%s requires at least 1 argument; got 0", tag)
			}
			var elems = make([]string, 0, len(fnArgs))
			for _, a := range fnArgs {
				var s, err = compileExpr(a, table, args)
				if err != nil {
					return "", err
				}
				elems = append(elems, s)
			}
			return "(" + strings.Join(elems, op) + ")", nil
		}
		return "", errors.Errorf("unknown filter tag %q", tag)
	}
}

// sortKey is one resolved ORDER BY term.
type sortKey struct {
	colID      string
	descending bool
}

// resolveSort resolves sort specifications and appends the id tie-breaker,
// making the ordering total.
func resolveSort(sort []string) []sortKey {
	var keys = make([]sortKey, 0, len(sort)+1)
	for _, spec := range sort {
		var colID, desc = protocol.SortColumn(spec)
		keys = append(keys, sortKey{colID: colID, descending: desc})
	}
	return append(keys, sortKey{colID: "id"})
}

// buildOrderBy emits an ORDER BY over |keys| against |table|. Reverse mode
// swaps every direction, tie-breaker included.
func buildOrderBy(table string, keys []sortKey, reverse bool) (string, error) {
	var terms = make([]string, 0, len(keys))
	for _, k := range keys {
		var ref, err = colRef(table, k.colID)
		if err != nil {
			return "", err
		}
		if k.descending != reverse {
			terms = append(terms, ref+" DESC NULLS FIRST")
		} else {
			terms = append(terms, ref+" ASC NULLS LAST")
		}
	}
	return "ORDER BY " + strings.Join(terms, ", "), nil
}

// buildCursor emits the lexicographic "strictly after" predicate of an
// after-cursor over the sort columns. A descending column interprets
// strictly-after as strict-less-than; equal prefixes recurse into the
// next column.
func buildCursor(table string, sort []string, cursor *protocol.Cursor, args *[]interface{}) (string, error) {
	switch cursor.Kind {
	case protocol.CursorAfter:
		// Pass.
	case protocol.CursorBefore:
		return "", errors.New(`cursor kind "before" is reserved and not supported`)
	default:
		return "", errors.Errorf("unrecognized cursor kind %q", cursor.Kind)
	}
	if len(cursor.Values) != len(sort) {
		return "", errors.Errorf("cursor has %d values for %d sort columns",
			len(cursor.Values), len(sort))
	}
	if len(sort) == 0 {
		return "", errors.New("cursor requires a sort")
	}

	// Build innermost-first: after(i) = col_i > v_i OR (col_i = v_i AND after(i+1)).
	var pred string
	for i := len(sort) - 1; i >= 0; i-- {
		var colID, desc = protocol.SortColumn(sort[i])
		var ref, err = colRef(table, colID)
		if err != nil {
			return "", err
		}
		var op = ">"
		if desc {
			op = "<"
		}
		if pred == "" {
			pred = ref + " " + op + " ?"
		} else {
			pred = ref + " " + op + " ? OR (" + ref + " = ? AND (" + pred + "))"
		}
	}
	// Arguments bind left-to-right of the emitted text: v_0, then v_0 again
	// with the nested tail, and so on.
	var cursorArgs []interface{}
	for i := range sort {
		if i == len(sort)-1 {
			cursorArgs = append(cursorArgs, cursor.Values[i])
		} else {
			cursorArgs = append(cursorArgs, cursor.Values[i], cursor.Values[i])
		}
	}
	*args = append(*args, cursorArgs...)
	return "(" + pred + ")", nil
}

// buildPrevJoin emits the previous-row LEFT JOIN: an aliased copy of the
// table whose id is the single row whose (sort keys, id) is strictly less
// than the current row's under the same filter, ordered in reverse and
// limited to one.
func buildPrevJoin(q protocol.Query, keys []sortKey, args *[]interface{}) (string, error) {
	var qt, err = QuoteIdent(q.TableID)
	if err != nil {
		return "", err
	}
	var qa, _ = QuoteIdent(prevAlias)

	var conds []string
	if q.Filters != nil {
		var filter string
		if filter, err = compileExpr(q.Filters, prevAlias, args); err != nil {
			return "", err
		}
		conds = append(conds, filter)
	}

	// Lexicographic (prev sort keys, prev id) < (outer sort keys, outer id),
	// innermost-first. A descending column inverts its comparison.
	var pred string
	for i := len(keys) - 1; i >= 0; i-- {
		var inner, err2 = colRef(prevAlias, keys[i].colID)
		if err2 != nil {
			return "", err2
		}
		var outer string
		if outer, err2 = colRef(q.TableID, keys[i].colID); err2 != nil {
			return "", err2
		}
		var op = "<"
		if keys[i].descending {
			op = ">"
		}
		if pred == "" {
			pred = inner + " " + op + " " + outer
		} else {
			pred = inner + " " + op + " " + outer +
				" OR (" + inner + " = " + outer + " AND (" + pred + "))"
		}
	}
	conds = append(conds, "("+pred+")")

	var orderBy string
	if orderBy, err = buildOrderBy(prevAlias, keys, true); err != nil {
		return "", err
	}

	var sub = "SELECT " + qa + `."id" FROM ` + qt + " AS " + qa +
		" WHERE " + strings.Join(conds, " AND ") + " " + orderBy + " LIMIT 1"
	return "LEFT JOIN " + qt + " AS " + qa + " ON " + qa + `."id" = (` + sub + ")", nil
}

// BuildQuery converts a structured query into a parameterized SELECT.
func BuildQuery(q protocol.Query) (Statement, error) {
	if err := q.Validate(); err != nil {
		return Statement{}, err
	}
	var qt, err = QuoteIdent(q.TableID)
	if err != nil {
		return Statement{}, err
	}
	var keys = resolveSort(q.Sort)
	var args []interface{}

	// Projection precedence: pre-computed select expressions win, then
	// explicit columns, then the bare star. The previous-row join
	// contributes its synthetic column in every case.
	var selects []string
	if len(q.Selects) != 0 {
		selects = append(selects, q.Selects...)
	} else if len(q.Columns) != 0 {
		for _, col := range q.Columns {
			var ref, err2 = colRef(q.TableID, col)
			if err2 != nil {
				return Statement{}, err2
			}
			selects = append(selects, ref)
		}
	} else {
		selects = append(selects, qt+".*")
	}

	var join string
	if q.IncludePrevious {
		if join, err = buildPrevJoin(q, keys, &args); err != nil {
			return Statement{}, err
		}
		var qa, _ = QuoteIdent(prevAlias)
		var qp, _ = QuoteIdent(PreviousColumnID)
		selects = append(selects, qa+`."id" AS `+qp)
	}

	var conds []string
	if q.Filters != nil {
		var filter string
		if filter, err = compileExpr(q.Filters, q.TableID, &args); err != nil {
			return Statement{}, err
		}
		conds = append(conds, filter)
	}
	if q.Cursor != nil {
		var cursor string
		if cursor, err = buildCursor(q.TableID, q.Sort, q.Cursor, &args); err != nil {
			return Statement{}, err
		}
		conds = append(conds, cursor)
	}
	if q.RowIDs != nil {
		var idRef, _ = colRef(q.TableID, "id")
		var marks = make([]string, len(q.RowIDs))
		for i, id := range q.RowIDs {
			marks[i] = "?"
			args = append(args, id)
		}
		conds = append(conds, idRef+" IN ("+strings.Join(marks, ", ")+")")
	}

	var sql = "SELECT " + strings.Join(selects, ", ") + " FROM " + qt
	if join != "" {
		sql += " " + join
	}
	if len(conds) != 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	var orderBy string
	if orderBy, err = buildOrderBy(q.TableID, keys, false); err != nil {
		return Statement{}, err
	}
	sql += " " + orderBy

	if q.Limit > 0 {
		sql += " LIMIT " + strconv.Itoa(q.Limit)
	}
	return Statement{SQL: sql, Args: args}, nil
}
