package pan

import (
	"sync"
	"time"
)

const (
	ConnectionTimeout    = 60 * time.Second
	DisconnectionTimeout = 60 * time.Second
)

// Timer is a single-shot delay. Stop is the only cancellation mechanism.
type Timer interface {
	Start(d time.Duration)
	Stop()
	Active() bool
}

// TimerFactory builds a Timer that calls fire when it expires.
type TimerFactory func(fire func()) Timer

type afterFuncTimer struct {
	fire func()

	mu    sync.Mutex
	t     *time.Timer
	gen   uint64
	armed bool
}

// NewTimer returns a Timer backed by time.AfterFunc.
func NewTimer(fire func()) Timer {
	return &afterFuncTimer{fire: fire}
}

func (a *afterFuncTimer) Start(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.t != nil {
		a.t.Stop()
	}
	a.gen++
	gen := a.gen
	a.armed = true
	a.t = time.AfterFunc(d, func() { a.expire(gen) })
}

func (a *afterFuncTimer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.t != nil {
		a.t.Stop()
		a.t = nil
	}
	a.gen++
	a.armed = false
}

func (a *afterFuncTimer) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.armed
}

// expire drops callbacks that raced with Stop or a restart.
func (a *afterFuncTimer) expire(gen uint64) {
	a.mu.Lock()
	if gen != a.gen || !a.armed {
		a.mu.Unlock()
		return
	}
	a.armed = false
	a.t = nil
	a.mu.Unlock()
	a.fire()
}
