// Package store persists the ledger and every derived table in an
// embedded sqlite database: ledger (source of truth), budget_aggregate,
// debt_ledger, dashboard_mirror, queue_items, dead_letters and kv_flags.
// Column order per table is treated as schema; cmd/migrate rebuilds any
// table whose live header no longer matches.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

const schema = `
CREATE TABLE IF NOT EXISTS schema_meta (
	table_name   TEXT NOT NULL,
	action       TEXT NOT NULL,
	applied_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger (
	id              TEXT PRIMARY KEY,
	ts              TEXT NOT NULL,
	source          TEXT NOT NULL,
	amount          TEXT NOT NULL,
	merchant        TEXT NOT NULL,
	category        TEXT NOT NULL,
	operation_type  TEXT NOT NULL,
	is_incoming     INTEGER NOT NULL,
	account_number  TEXT NOT NULL DEFAULT '',
	card_number     TEXT NOT NULL DEFAULT '',
	raw_text        TEXT NOT NULL,
	created_ts      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS budget_aggregate (
	category      TEXT PRIMARY KEY,
	budget_limit  TEXT NOT NULL,
	spent         TEXT NOT NULL,
	linked_ids    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS debt_ledger (
	id               TEXT PRIMARY KEY,
	parent_id        TEXT,
	party            TEXT NOT NULL,
	debit            TEXT NOT NULL,
	credit           TEXT NOT NULL,
	running_balance  TEXT NOT NULL,
	description      TEXT NOT NULL,
	seq              INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS dashboard_mirror (
	id        TEXT PRIMARY KEY,
	ts        TEXT NOT NULL,
	merchant  TEXT NOT NULL,
	amount    TEXT NOT NULL,
	category  TEXT NOT NULL,
	source    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS queue_items (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	ts           TEXT NOT NULL,
	source       TEXT NOT NULL,
	text         TEXT NOT NULL,
	meta         TEXT NOT NULL,
	status       TEXT NOT NULL,
	fingerprint  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	queued_ts    TEXT NOT NULL,
	source       TEXT NOT NULL,
	text         TEXT NOT NULL,
	final_error  TEXT NOT NULL,
	retry_count  INTEGER NOT NULL,
	created_ts   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS kv_flags (
	key         TEXT PRIMARY KEY,
	value       TEXT NOT NULL,
	expires_at  TEXT
);

CREATE INDEX IF NOT EXISTS idx_ledger_category ON ledger(category);
CREATE INDEX IF NOT EXISTS idx_debt_parent ON debt_ledger(parent_id);
CREATE INDEX IF NOT EXISTS idx_debt_seq ON debt_ledger(seq);
CREATE INDEX IF NOT EXISTS idx_queue_status ON queue_items(status);
`

// Store wraps the sqlite database. All methods are safe for concurrent
// use; the connection pool is pinned to a single connection because the
// engine is a single logical writer.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema
// exists. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store.Open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store.Open: pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store.Open: ensuring schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for the migration tool.
func (s *Store) DB() *sql.DB {
	return s.db
}

func parseDecimal(field, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing %s %q: %w", field, v, err)
	}
	return d, nil
}

func execRows(ctx context.Context, db *sql.DB, query string, args ...interface{}) (int64, error) {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}
