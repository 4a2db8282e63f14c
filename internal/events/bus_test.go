package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/meshcommons/panbridge/internal/pan"
)

func TestPublishFanOut(t *testing.T) {
	b := NewBus()
	a, unsubA := b.Subscribe()
	c, unsubC := b.Subscribe()
	defer unsubC()

	if b.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", b.Len())
	}

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b.PublishStateChange(StateChange{Address: "00:11:22:33:44:55", From: pan.StateConnecting, To: pan.StateConnected, At: at})

	for i, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Kind != KindStateChange || !e.Timestamp.Equal(at) {
				t.Errorf("subscriber %d got %+v", i, e)
			}
			sc, ok := e.Data.(StateChange)
			if !ok || sc.To != pan.StateConnected {
				t.Errorf("subscriber %d data = %#v", i, e.Data)
			}
		default:
			t.Errorf("subscriber %d got nothing", i)
		}
	}

	unsubA()
	if _, open := <-a; open {
		t.Error("channel still open after unsubscribe")
	}
	if b.Len() != 1 {
		t.Errorf("Len() = %d after unsubscribe, want 1", b.Len())
	}
}

func TestPublishDropsForSlowConsumer(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < subscriberBuffer+10; i++ {
		b.PublishTethering(i%2 == 0)
	}
	if len(ch) != subscriberBuffer {
		t.Errorf("buffered = %d, want %d", len(ch), subscriberBuffer)
	}
}

func TestPublishStampsTimestamp(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.PublishTethering(true)
	e := <-ch
	if e.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
	if tt, ok := e.Data.(Tethering); !ok || !tt.Enabled {
		t.Errorf("data = %#v", e.Data)
	}
}

func TestStateChangeJSON(t *testing.T) {
	sc := StateChange{Address: "00:11:22:33:44:55", From: pan.StateDisconnected, To: pan.StateConnecting}
	raw, err := json.Marshal(Event{Kind: KindStateChange, Data: sc})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(raw)
	for _, want := range []string{`"type":"state_change"`, `"from":"disconnected"`, `"to":"connecting"`} {
		if !strings.Contains(s, want) {
			t.Errorf("%s missing %s", s, want)
		}
	}
	if strings.Contains(s, "session_id") {
		t.Errorf("%s should omit empty session_id", s)
	}
}
