package state

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/meshcommons/panbridge/internal/pan"
	"github.com/meshcommons/panbridge/internal/store"
)

const addr = "00:11:22:33:44:55"

func openTestDB(t *testing.T, path string) *store.DB {
	t.Helper()
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if err := store.Migrate(db); err != nil {
		t.Fatalf("store.Migrate: %v", err)
	}
	return db
}

func TestApplyTracksSessions(t *testing.T) {
	m, err := New(nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sc, err := m.Apply(addr, pan.StateConnecting)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if sc.From != pan.StateDisconnected || sc.To != pan.StateConnecting {
		t.Errorf("transition = %v -> %v", sc.From, sc.To)
	}
	if sc.SessionID == "" {
		t.Fatal("no session id issued on connect")
	}
	first := sc.SessionID

	sc, _ = m.Apply(addr, pan.StateConnected)
	if sc.From != pan.StateConnecting || sc.SessionID != first {
		t.Errorf("connected event = %+v, want same session %s", sc, first)
	}
	m.Apply(addr, pan.StateDisconnected)

	sc, _ = m.Apply(addr, pan.StateConnecting)
	if sc.SessionID == first {
		t.Error("reconnect reused the previous session id")
	}

	d, ok := m.Get(addr)
	if !ok {
		t.Fatal("device not found")
	}
	if d.ConnectCount != 2 || d.State != pan.StateConnecting {
		t.Errorf("device = %+v", d)
	}
	if _, ok := m.Get("00:00:00:00:00:00"); ok {
		t.Error("Get of unknown device succeeded")
	}
	if h, err := m.History(10); err != nil || h != nil {
		t.Errorf("History without store = %v, %v", h, err)
	}
}

func TestListOrdered(t *testing.T) {
	m, _ := New(nil, nil)
	for _, a := range []string{"CC:00:00:00:00:00", "AA:00:00:00:00:00", "BB:00:00:00:00:00"} {
		m.Apply(a, pan.StateConnecting)
	}
	list := m.List()
	if len(list) != 3 || m.Len() != 3 {
		t.Fatalf("List() has %d devices", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Address >= list[i].Address {
			t.Errorf("List() not ordered: %s before %s", list[i-1].Address, list[i].Address)
		}
	}
}

func TestPersistAndHydrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db := openTestDB(t, path)

	m, err := New(db, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return at }
	m.Apply(addr, pan.StateConnecting)
	at = at.Add(time.Second)
	m.Apply(addr, pan.StateConnected)

	hist, err := m.History(10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("History has %d entries, want 2", len(hist))
	}
	if hist[0].To != pan.StateConnected || hist[1].To != pan.StateConnecting {
		t.Errorf("history order = %v, %v", hist[0].To, hist[1].To)
	}
	if hist[0].SessionID == "" || hist[0].SessionID != hist[1].SessionID {
		t.Errorf("session ids = %q, %q", hist[0].SessionID, hist[1].SessionID)
	}
	db.Close()

	db = openTestDB(t, path)
	defer db.Close()
	m2, err := New(db, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New after reopen: %v", err)
	}
	d, ok := m2.Get(addr)
	if !ok {
		t.Fatal("device not hydrated")
	}
	if d.State != pan.StateDisconnected {
		t.Errorf("hydrated state = %v, want disconnected", d.State)
	}
	if d.ConnectCount != 1 || !d.LastSeen.Equal(at) {
		t.Errorf("hydrated device = %+v", d)
	}
}
