// Package store provides the SQLite-backed decision ledger for a protocol run.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS decisions (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	phase      TEXT NOT NULL,
	subject    TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(created_at);
CREATE INDEX IF NOT EXISTS idx_decisions_kind ON decisions(kind);

CREATE TABLE IF NOT EXISTS tick_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	seq_no       INTEGER NOT NULL UNIQUE,
	phase        TEXT NOT NULL,
	state_kind   TEXT NOT NULL,
	stop_reason  TEXT NOT NULL DEFAULT '',
	transitioned INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS state_snapshots (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	tick_seq      INTEGER NOT NULL,
	state_kind    TEXT NOT NULL,
	phase         TEXT NOT NULL,
	document_json TEXT NOT NULL,
	checksum      TEXT NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_seq ON state_snapshots(tick_seq);

CREATE TABLE IF NOT EXISTS function_attempts (
	function_id          TEXT PRIMARY KEY,
	worker_attempts      INTEGER NOT NULL DEFAULT 0,
	fallback_attempts    INTEGER NOT NULL DEFAULT 0,
	architect_attempts   INTEGER NOT NULL DEFAULT 0,
	total_attempts       INTEGER NOT NULL DEFAULT 0,
	last_failure_json    TEXT NOT NULL DEFAULT 'null',
	syntax_hint_provided INTEGER NOT NULL DEFAULT 0,
	updated_at_unix      INTEGER NOT NULL DEFAULT 0
);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}
