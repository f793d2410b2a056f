package sqlgen

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.tabserve.dev/core/protocol"
)

func TestBuildPlainQuery(t *testing.T) {
	var stmt, err = BuildQuery(protocol.Query{TableID: "Table1"})
	require.NoError(t, err)
	require.Equal(t,
		`SELECT "Table1".* FROM "Table1" ORDER BY "Table1"."id" ASC NULLS LAST`,
		stmt.SQL)
	require.Empty(t, stmt.Args)
}

func TestBuildFilterAndSort(t *testing.T) {
	var stmt, err = BuildQuery(protocol.Query{
		TableID: "Table1",
		Filters: []interface{}{"GtE", []interface{}{"Name", "Age"}, []interface{}{"Const", 20}},
		Sort:    []string{"-Age"},
	})
	require.NoError(t, err)
	require.Equal(t,
		`SELECT "Table1".* FROM "Table1" WHERE ("Table1"."Age" >= ?)`+
			` ORDER BY "Table1"."Age" DESC NULLS FIRST, "Table1"."id" ASC NULLS LAST`,
		stmt.SQL)
	require.Equal(t, []interface{}{20}, stmt.Args)
}

func TestBuildLogicalAndListFilters(t *testing.T) {
	var stmt, err = BuildQuery(protocol.Query{
		TableID: "T",
		Filters: []interface{}{"And",
			[]interface{}{"In",
				[]interface{}{"Name", "Kind"},
				[]interface{}{"List", []interface{}{"Const", "a"}, []interface{}{"Const", "b"}},
			},
			[]interface{}{"Not", []interface{}{"Is", []interface{}{"Name", "Gone"}, []interface{}{"Const", nil}}},
			[]interface{}{"Comment", []interface{}{"Eq",
				[]interface{}{"Mod", []interface{}{"Name", "N"}, []interface{}{"Const", 2}},
				[]interface{}{"Const", 0}},
			},
		},
	})
	require.NoError(t, err)
	require.Equal(t,
		`SELECT "T".* FROM "T" WHERE (("T"."Kind" IN (?, ?))`+
			` AND NOT (("T"."Gone" IS ?))`+
			` AND (("T"."N" % ?) = ?))`+
			` ORDER BY "T"."id" ASC NULLS LAST`,
		stmt.SQL)
	require.Equal(t, []interface{}{"a", "b", nil, 2, 0}, stmt.Args)
}

func TestBuilderArityAndTagErrors(t *testing.T) {
	var cases = [][]interface{}{
		{"Eq", []interface{}{"Const", 1}},   // Binary arity violated.
		{"Not"},                             // Not requires one argument.
		{"And"},                             // N-ary requires at least one.
		{"Const"},                           // Leaf without a value.
		{"Name", 42},                        // Name of a non-string.
		{"Nope", []interface{}{"Const", 1}}, // Unknown tag.
		{"Eq", []interface{}{"Const", 1}, "bare"}, // Non-list argument node.
	}
	for _, filters := range cases {
		var _, err = BuildQuery(protocol.Query{TableID: "T", Filters: filters})
		require.Error(t, err, "filters %v", filters)
	}
}

func TestIdentifierValidation(t *testing.T) {
	// Case: a malicious table identifier fails.
	var _, err = BuildQuery(protocol.Query{TableID: `T"; DROP TABLE x; --`})
	require.EqualError(t, err, `invalid identifier "T\"; DROP TABLE x; --"`)

	// Case: a malicious column identifier fails.
	_, err = BuildQuery(protocol.Query{
		TableID: "T",
		Filters: []interface{}{"Eq", []interface{}{"Name", `a" OR "1"="1`}, []interface{}{"Const", 1}},
	})
	require.EqualError(t, err, `invalid identifier "a\" OR \"1\"=\"1"`)

	// Case: dotted identifiers are allowed.
	_, err = BuildQuery(protocol.Query{TableID: "ns.T"})
	require.NoError(t, err)
}

func TestCursorPredicate(t *testing.T) {
	// Case: a single-column after-cursor.
	var stmt, err = BuildQuery(protocol.Query{
		TableID: "T",
		Sort:    []string{"id"},
		Cursor:  &protocol.Cursor{Kind: protocol.CursorAfter, Values: []interface{}{int64(1000)}},
	})
	require.NoError(t, err)
	require.Contains(t, stmt.SQL, `("T"."id" > ?)`)
	require.Equal(t, []interface{}{int64(1000)}, stmt.Args)

	// Case: a compound cursor recurses through equal prefixes, and a
	// descending column compares strict-less-than.
	stmt, err = BuildQuery(protocol.Query{
		TableID: "T",
		Sort:    []string{"-Age", "Name"},
		Cursor:  &protocol.Cursor{Kind: protocol.CursorAfter, Values: []interface{}{int64(30), "Bo"}},
	})
	require.NoError(t, err)
	require.Contains(t, stmt.SQL,
		`("T"."Age" < ? OR ("T"."Age" = ? AND ("T"."Name" > ?)))`)
	require.Equal(t, []interface{}{int64(30), int64(30), "Bo"}, stmt.Args)

	// Case: the before kind is reserved.
	_, err = BuildQuery(protocol.Query{
		TableID: "T",
		Sort:    []string{"id"},
		Cursor:  &protocol.Cursor{Kind: protocol.CursorBefore, Values: []interface{}{int64(1)}},
	})
	require.EqualError(t, err, `cursor kind "before" is reserved and not supported`)

	// Case: cursor arity must match the sort.
	_, err = BuildQuery(protocol.Query{
		TableID: "T",
		Sort:    []string{"id", "Name"},
		Cursor:  &protocol.Cursor{Kind: protocol.CursorAfter, Values: []interface{}{int64(1)}},
	})
	require.EqualError(t, err, "cursor has 1 values for 2 sort columns")
}

func TestRowIDRestriction(t *testing.T) {
	var stmt, err = BuildQuery(protocol.Query{TableID: "T", RowIDs: []int64{1, 2, 3}})
	require.NoError(t, err)
	require.Contains(t, stmt.SQL, `"T"."id" IN (?, ?, ?)`)
	require.Equal(t, []interface{}{int64(1), int64(2), int64(3)}, stmt.Args)
}

func TestProjectionPrecedence(t *testing.T) {
	// Case: explicit columns win over the bare star.
	var stmt, err = BuildQuery(protocol.Query{TableID: "T", Columns: []string{"id", "Name"}})
	require.NoError(t, err)
	require.Equal(t,
		`SELECT "T"."id", "T"."Name" FROM "T" ORDER BY "T"."id" ASC NULLS LAST`,
		stmt.SQL)

	// Case: pre-computed select expressions win over columns, and are
	// emitted verbatim.
	stmt, err = BuildQuery(protocol.Query{
		TableID: "T",
		Selects: []string{`"T"."id"`, `length("T"."Name") AS "NameLen"`},
		Columns: []string{"id", "Name"},
	})
	require.NoError(t, err)
	require.Equal(t,
		`SELECT "T"."id", length("T"."Name") AS "NameLen" FROM "T" ORDER BY "T"."id" ASC NULLS LAST`,
		stmt.SQL)

	// Case: with neither, the star projection applies.
	stmt, err = BuildQuery(protocol.Query{TableID: "T"})
	require.NoError(t, err)
	require.Equal(t, `SELECT "T".* FROM "T" ORDER BY "T"."id" ASC NULLS LAST`, stmt.SQL)
}

func TestIncludePreviousJoin(t *testing.T) {
	var stmt, err = BuildQuery(protocol.Query{
		TableID:         "T",
		Sort:            []string{"Name"},
		Filters:         []interface{}{"Gt", []interface{}{"Name", "Age"}, []interface{}{"Const", 10}},
		IncludePrevious: true,
	})
	require.NoError(t, err)

	// The join is an aliased copy of the table, restricted by the same
	// filter, with the lexicographic strictly-less predicate over
	// (sort keys, id), ordered in reverse and limited to one.
	require.Contains(t, stmt.SQL, `LEFT JOIN "T" AS "_prev" ON "_prev"."id" = (`)
	require.Contains(t, stmt.SQL, `("_prev"."Age" > ?)`)
	require.Contains(t, stmt.SQL,
		`("_prev"."Name" < "T"."Name" OR ("_prev"."Name" = "T"."Name" AND ("_prev"."id" < "T"."id")))`)
	require.Contains(t, stmt.SQL,
		`ORDER BY "_prev"."Name" DESC NULLS FIRST, "_prev"."id" DESC NULLS FIRST LIMIT 1`)
	require.Contains(t, stmt.SQL, `"_prev"."id" AS "_grist_Previous"`)

	// The join's filter argument binds ahead of the outer WHERE's.
	require.Equal(t, []interface{}{10, 10}, stmt.Args)
}
