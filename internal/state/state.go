// Package state keeps a hot in-memory index of remote PAN devices and
// persists it via the store package.
package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pborman/uuid"
	"go.uber.org/zap"

	"github.com/meshcommons/panbridge/internal/events"
	"github.com/meshcommons/panbridge/internal/pan"
	"github.com/meshcommons/panbridge/internal/store"
)

// Device is a known remote device.
type Device struct {
	Address string `json:"address"`
	// SessionID identifies the current connection attempt. A new one is
	// issued every time the device leaves DISCONNECTED.
	SessionID    string    `json:"session_id"`
	State        pan.State `json:"state"`
	LastSeen     time.Time `json:"last_seen"`
	ConnectCount int       `json:"connect_count"`
}

// Manager holds the device index. All exported methods are safe for
// concurrent use. A nil store keeps the index in memory only.
type Manager struct {
	db      *store.DB
	log     *zap.Logger
	now     func() time.Time
	mu      sync.RWMutex
	devices map[string]*Device
}

// New creates a Manager and hydrates the device cache from the database.
// Persisted devices come back DISCONNECTED: no link survives a restart.
func New(db *store.DB, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		db:      db,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		devices: make(map[string]*Device),
	}
	if err := m.loadDevices(); err != nil {
		return nil, fmt.Errorf("state: load devices: %w", err)
	}
	return m, nil
}

// Apply records a notified transition of addr to the new state and returns
// the resulting event. The previous state is the last one applied.
func (m *Manager) Apply(addr string, to pan.State) (events.StateChange, error) {
	now := m.now()

	m.mu.Lock()
	d, ok := m.devices[addr]
	if !ok {
		d = &Device{Address: addr, State: pan.StateDisconnected}
		m.devices[addr] = d
	}
	from := d.State
	if from == pan.StateDisconnected && to != pan.StateDisconnected {
		d.SessionID = uuid.New()
		d.ConnectCount++
	}
	d.State = to
	d.LastSeen = now
	snapshot := *d
	m.mu.Unlock()

	sc := events.StateChange{
		Address:   addr,
		From:      from,
		To:        to,
		SessionID: snapshot.SessionID,
		At:        now,
	}
	return sc, m.persist(&snapshot, sc)
}

// Get retrieves a copy of the device for addr.
func (m *Manager) Get(addr string) (Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[addr]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// List returns a snapshot of all known devices ordered by address.
func (m *Manager) List() []Device {
	m.mu.RLock()
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Len returns how many devices are known.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices)
}

// History returns up to limit recorded transitions, newest first.
func (m *Manager) History(limit int) ([]events.StateChange, error) {
	if m.db == nil {
		return nil, nil
	}
	rows, err := m.db.ListStateChanges(limit)
	if err != nil {
		return nil, err
	}
	out := make([]events.StateChange, 0, len(rows))
	for _, r := range rows {
		from, ferr := pan.ParseState(r.From)
		to, terr := pan.ParseState(r.To)
		if ferr != nil || terr != nil {
			m.log.Warn("state: skipping malformed history row", zap.Int64("id", r.ID))
			continue
		}
		out = append(out, events.StateChange{
			Address:   r.Address,
			From:      from,
			To:        to,
			SessionID: r.SessionID,
			At:        r.At,
		})
	}
	return out, nil
}

// ── internal ──────────────────────────────────────────────────────────────

func (m *Manager) persist(d *Device, sc events.StateChange) error {
	if m.db == nil {
		return nil
	}
	if err := m.db.UpsertDevice(&store.Device{
		Address:      d.Address,
		SessionID:    d.SessionID,
		State:        d.State.String(),
		LastSeen:     d.LastSeen,
		ConnectCount: d.ConnectCount,
	}); err != nil {
		return err
	}
	_, err := m.db.RecordStateChange(&store.StateChange{
		Address:   sc.Address,
		SessionID: sc.SessionID,
		From:      sc.From.String(),
		To:        sc.To.String(),
		At:        sc.At,
	})
	return err
}

func (m *Manager) loadDevices() error {
	if m.db == nil {
		return nil
	}
	rows, err := m.db.ListDevices()
	if err != nil {
		return err
	}
	for _, r := range rows {
		m.devices[r.Address] = &Device{
			Address:      r.Address,
			SessionID:    r.SessionID,
			State:        pan.StateDisconnected,
			LastSeen:     r.LastSeen,
			ConnectCount: r.ConnectCount,
		}
	}
	return nil
}
