// Package events fans connection state changes out to observers.
package events

import (
	"sync"
	"time"

	"github.com/meshcommons/panbridge/internal/pan"
)

// Kind classifies an event for websocket clients.
type Kind string

const (
	KindStateChange Kind = "state_change"
	KindTethering   Kind = "tethering"
)

// StateChange is one notified transition of a remote device.
type StateChange struct {
	Address   string    `json:"address"`
	From      pan.State `json:"from"`
	To        pan.State `json:"to"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
}

// Tethering reports a change of the tethering policy.
type Tethering struct {
	Enabled bool `json:"enabled"`
}

// Event is the JSON envelope delivered to subscribers.
type Event struct {
	Kind      Kind        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type subscriber struct {
	ch chan Event
}

const subscriberBuffer = 64

// Bus fans events out to all registered subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewBus constructs a ready Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a new observer. The returned function unregisters it
// and closes the channel; it must be called exactly once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, subscriberBuffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.ch)
	}
	return s.ch, unsub
}

// Publish sends e to every subscriber. Subscribers whose buffer is full
// miss the event; the history endpoint covers the gap.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// PublishStateChange wraps sc in a KindStateChange event.
func (b *Bus) PublishStateChange(sc StateChange) {
	b.Publish(Event{Kind: KindStateChange, Timestamp: sc.At, Data: sc})
}

// PublishTethering wraps the tethering flag in a KindTethering event.
func (b *Bus) PublishTethering(enabled bool) {
	b.Publish(Event{Kind: KindTethering, Data: Tethering{Enabled: enabled}})
}

// Len returns the current subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
