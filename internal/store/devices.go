package store

import (
	"fmt"
	"time"
)

// Device is the persisted record of one remote device.
type Device struct {
	Address      string
	SessionID    string
	State        string
	LastSeen     time.Time
	ConnectCount int
}

// UpsertDevice inserts or replaces the row for d.Address.
func (db *DB) UpsertDevice(d *Device) error {
	if d.Address == "" {
		return fmt.Errorf("store: upsert device: empty address")
	}
	_, err := db.Exec(`
		INSERT INTO devices (address, session_id, state, last_seen, connect_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE
		  SET session_id    = excluded.session_id,
		      state         = excluded.state,
		      last_seen     = excluded.last_seen,
		      connect_count = excluded.connect_count`,
		d.Address, d.SessionID, d.State, d.LastSeen.UnixMilli(), d.ConnectCount,
	)
	if err != nil {
		return fmt.Errorf("store: upsert device %s: %w", d.Address, err)
	}
	return nil
}

// ListDevices returns every known device ordered by address.
func (db *DB) ListDevices() ([]*Device, error) {
	rows, err := db.Query(`
		SELECT address, session_id, state, last_seen, connect_count
		FROM devices ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		var (
			d      Device
			seenMs int64
		)
		if err := rows.Scan(&d.Address, &d.SessionID, &d.State, &seenMs, &d.ConnectCount); err != nil {
			return nil, fmt.Errorf("store: scan device: %w", err)
		}
		d.LastSeen = time.UnixMilli(seenMs).UTC()
		out = append(out, &d)
	}
	return out, rows.Err()
}
