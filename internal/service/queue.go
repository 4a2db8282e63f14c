package service

import (
	"sync"

	"github.com/meshcommons/panbridge/internal/pan"
)

// queue is an unbounded FIFO of events. push never blocks, so timers,
// sessions and the bridge poll loop can post from any goroutine, including
// the dispatching one.
type queue struct {
	mu     sync.Mutex
	items  []pan.Message
	closed bool
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

// push appends msg. It reports false once the queue is closed.
func (q *queue) push(msg pan.Message) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *queue) pop() (pan.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return pan.Message{}, false
	}
	msg := q.items[0]
	q.items[0] = pan.Message{}
	q.items = q.items[1:]
	return msg, true
}

// close drops pending events and rejects further pushes.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
