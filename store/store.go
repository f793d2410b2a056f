// Package store wraps the embedded SQLite database: handle management
// with explicit transaction discipline, a handle pool with an optional
// bound, the
// logical-to-store type mapping, and atomic application of document
// actions.
package store

import (
	"context"
	"database/sql"
	"net/url"

	lru "github.com/hashicorp/golang-lru"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// ErrStoreBusy is returned by Begin when the handle already has an open
// transaction. A streaming read holds its transaction until closed or
// aborted; overlapped reads on one handle are refused rather than queued.
var ErrStoreBusy = errors.New("store handle is busy with another transaction")

// stmtCacheSize bounds each handle's prepared statement cache.
const stmtCacheSize = 128

// Store describes a SQLite database from which handles are opened.
type Store struct {
	path string
	dsn  string
}

// Open returns a Store of the SQLite database at |path|. No I/O occurs
// until a handle is used.
func Open(path string) *Store {
	var v = url.Values{
		"_journal_mode": {"WAL"},
		"_busy_timeout": {"5000"},
	}
	return &Store{
		path: path,
		dsn:  "file:" + path + "?" + v.Encode(),
	}
}

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// NewHandle opens a new Handle of the Store.
func (s *Store) NewHandle() (*Handle, error) {
	var db, err = sql.Open("sqlite3", s.dsn)
	if err != nil {
		return nil, errors.WithMessage(err, "opening store handle")
	}
	// A handle is a single connection: one task uses it at a time, and
	// explicit BEGIN / COMMIT statements must observe the same connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	var h = &Handle{db: db}
	h.stmts, err = lru.NewWithEvict(stmtCacheSize, func(_, v interface{}) {
		_ = v.(*sql.Stmt).Close()
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return h, nil
}

// Handle is a single store connection, used by one task at a time. It
// carries at most one open transaction, managed with explicit BEGIN and
// COMMIT / ROLLBACK statements, and caches prepared statements.
type Handle struct {
	db    *sql.DB
	stmts *lru.Cache
	inTxn bool
}

// Begin opens a transaction. An immediate transaction acquires the write
// lock up front, so concurrent readers never observe a half-applied
// mutation. Begin fails with ErrStoreBusy if a transaction is already open.
func (h *Handle) Begin(ctx context.Context, immediate bool) error {
	if h.inTxn {
		return ErrStoreBusy
	}
	var stmt = "BEGIN"
	if immediate {
		stmt = "BEGIN IMMEDIATE"
	}
	if _, err := h.db.ExecContext(ctx, stmt); err != nil {
		return errors.WithMessage(err, "beginning transaction")
	}
	h.inTxn = true
	return nil
}

// Commit commits the open transaction.
func (h *Handle) Commit(ctx context.Context) error {
	if !h.inTxn {
		return errors.New("no open transaction to commit")
	}
	h.inTxn = false
	if _, err := h.db.ExecContext(ctx, "COMMIT"); err != nil {
		return errors.WithMessage(err, "committing transaction")
	}
	return nil
}

// Rollback rolls back the open transaction. It is a no-op without one.
func (h *Handle) Rollback(ctx context.Context) error {
	if !h.inTxn {
		return nil
	}
	h.inTxn = false
	if _, err := h.db.ExecContext(ctx, "ROLLBACK"); err != nil {
		return errors.WithMessage(err, "rolling back transaction")
	}
	return nil
}

// InTxn returns whether the handle has an open transaction.
func (h *Handle) InTxn() bool { return h.inTxn }

// prepare returns a cached prepared statement of |query|.
func (h *Handle) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := h.stmts.Get(query); ok {
		return stmt.(*sql.Stmt), nil
	}
	var stmt, err = h.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, errors.WithMessagef(err, "preparing %q", query)
	}
	h.stmts.Add(query, stmt)
	return stmt, nil
}

// Exec executes |query| through the handle's statement cache.
func (h *Handle) Exec(ctx context.Context, query string, args ...interface{}) error {
	var stmt, err = h.prepare(ctx, query)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, args...)
	return err
}

// ExecRaw executes |query| without caching, for statements which alter
// schema and would invalidate prepared statements.
func (h *Handle) ExecRaw(ctx context.Context, query string, args ...interface{}) error {
	var _, err = h.db.ExecContext(ctx, query, args...)
	return err
}

// Query runs |query| and returns its row cursor.
func (h *Handle) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	var stmt, err = h.prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	return stmt.QueryContext(ctx, args...)
}

// QueryRow runs |query| for a single row.
func (h *Handle) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return h.db.QueryRowContext(ctx, query, args...)
}

// Close releases the handle and its cached statements. An open
// transaction is rolled back by the database on close.
func (h *Handle) Close() error {
	h.stmts.Purge()
	return h.db.Close()
}
