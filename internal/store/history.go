package store

import (
	"fmt"
	"time"
)

// StateChange is one persisted connection state transition.
type StateChange struct {
	ID        int64
	Address   string
	SessionID string
	From      string
	To        string
	At        time.Time
}

// RecordStateChange appends sc to the history and returns its row id.
func (db *DB) RecordStateChange(sc *StateChange) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO state_changes (address, session_id, from_state, to_state, at_ms)
		VALUES (?, ?, ?, ?, ?)`,
		sc.Address, sc.SessionID, sc.From, sc.To, sc.At.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: record state change: %w", err)
	}
	return res.LastInsertId()
}

// ListStateChanges returns up to limit transitions, newest first.
func (db *DB) ListStateChanges(limit int) ([]*StateChange, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, address, session_id, from_state, to_state, at_ms
		FROM state_changes
		ORDER BY at_ms DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list state changes: %w", err)
	}
	defer rows.Close()

	var out []*StateChange
	for rows.Next() {
		var (
			sc   StateChange
			atMs int64
		)
		if err := rows.Scan(&sc.ID, &sc.Address, &sc.SessionID, &sc.From, &sc.To, &atMs); err != nil {
			return nil, fmt.Errorf("store: scan state change: %w", err)
		}
		sc.At = time.UnixMilli(atMs).UTC()
		out = append(out, &sc)
	}
	return out, rows.Err()
}

// PruneStateChanges deletes history recorded before the cutoff and returns
// the number of rows removed.
func (db *DB) PruneStateChanges(before time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM state_changes WHERE at_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: prune state changes: %w", err)
	}
	return res.RowsAffected()
}
