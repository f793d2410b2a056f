// Package protocol defines the data model of the tabserve engine: cell
// values, bulk column values, document actions and action sets, structured
// queries, and query results. Types are JSON-framed on the wire; document
// actions and cursors use positional tagged-array encodings, and all types
// support validation in the Validator idiom.
package protocol
