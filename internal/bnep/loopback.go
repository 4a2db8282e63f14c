package bnep

import (
	"errors"
	"sync"

	"github.com/meshcommons/panbridge/internal/ethernet"
	"github.com/meshcommons/panbridge/internal/pan"
)

// ErrNotConnected is returned when sending on a session that is not up.
var ErrNotConnected = errors.New("bnep: session not connected")

// LoopbackHistory is the number of most recent sent frames a Loopback keeps.
const LoopbackHistory = 256

// Frame is one Ethernet frame handed to a session.
type Frame struct {
	Header  ethernet.Header
	Payload []byte
}

// Loopback is an in-process session. Connect and Disconnect complete
// immediately; the last LoopbackHistory sent frames are recorded and peer
// traffic is injected with Deliver.
type Loopback struct {
	addr string
	sink pan.EventSink
	lcid uint16

	mu        sync.Mutex
	connected bool
	sent      []Frame
	l2cap     []pan.Message
}

// NewLoopback returns a disconnected loopback session for addr.
func NewLoopback(addr string, sink pan.EventSink) *Loopback {
	return &Loopback{addr: addr, sink: sink, lcid: allocLcid()}
}

func (l *Loopback) Connect() error {
	l.mu.Lock()
	l.connected = true
	l.mu.Unlock()
	l.sink.PostEvent(pan.NewMessage(pan.EventInternalOpen, l.addr))
	return nil
}

func (l *Loopback) SendData(hdr ethernet.Header, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return ErrNotConnected
	}
	if len(l.sent) >= LoopbackHistory {
		l.sent = l.sent[1:]
	}
	l.sent = append(l.sent, Frame{Header: hdr, Payload: append([]byte(nil), data...)})
	return nil
}

func (l *Loopback) Disconnect() error {
	l.mu.Lock()
	l.connected = false
	l.mu.Unlock()
	l.sink.PostEvent(pan.NewMessage(pan.EventInternalClose, l.addr))
	return nil
}

func (l *Loopback) Lcid() uint16 { return l.lcid }

func (l *Loopback) ProcessL2capEvent(msg pan.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.l2cap = append(l.l2cap, msg)
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
	return nil
}

// Deliver injects a frame as if the peer had sent it.
func (l *Loopback) Deliver(hdr ethernet.Header, data []byte) {
	l.sink.PostEvent(pan.NewDataMessage(pan.EventInternalData, l.addr, hdr, data))
}

// SetBusy injects a flow-control indication from the peer.
func (l *Loopback) SetBusy(busy bool) {
	msg := pan.NewMessage(pan.EventRemoteBusy, l.addr)
	if busy {
		msg.Arg = 1
	}
	l.sink.PostEvent(msg)
}

// Sent returns a copy of the most recently sent frames, oldest first.
func (l *Loopback) Sent() []Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Frame(nil), l.sent...)
}

// L2capEvents returns the sub-protocol events routed to this session.
func (l *Loopback) L2capEvents() []pan.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]pan.Message(nil), l.l2cap...)
}

// Connected reports whether the session is up.
func (l *Loopback) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}
