// Package store manages the SQLite database (WAL mode) holding known PAN
// devices and their connection history.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DB wraps *sql.DB with domain helpers.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// One writer; WAL still allows concurrent readers.
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate applies the schema. It is idempotent.
func Migrate(db *DB) error {
	ddl := []string{
		ddlDevices,
		ddlStateChanges,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// ── DDL statements ────────────────────────────────────────────────────────

const ddlDevices = `
CREATE TABLE IF NOT EXISTS devices (
    address       TEXT    PRIMARY KEY,      -- XX:XX:XX:XX:XX:XX
    session_id    TEXT    NOT NULL DEFAULT '',
    state         TEXT    NOT NULL DEFAULT 'disconnected',
    last_seen     INTEGER NOT NULL,         -- Unix milliseconds
    connect_count INTEGER NOT NULL DEFAULT 0
);
`

const ddlStateChanges = `
CREATE TABLE IF NOT EXISTS state_changes (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    address    TEXT    NOT NULL,
    session_id TEXT    NOT NULL DEFAULT '',
    from_state TEXT    NOT NULL,
    to_state   TEXT    NOT NULL,
    at_ms      INTEGER NOT NULL             -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_state_changes_at ON state_changes (at_ms DESC);
CREATE INDEX IF NOT EXISTS idx_state_changes_address ON state_changes (address);
`
