package pan

import (
	"fmt"

	"github.com/meshcommons/panbridge/internal/ethernet"
)

// EventKind tags a Message.
type EventKind int

const (
	EventServiceStartup EventKind = iota
	EventServiceShutdown
	EventAPIClose
	EventInternalOpen
	EventInternalClose
	EventOpenComplete
	EventAPIWriteData
	EventInternalData
	EventConnectionTimeout
	EventDisconnectionTimeout
	EventRemoveStateMachine
	// EventRemoteBusy carries the peer's flow-control state in Arg (1 busy, 0 clear).
	EventRemoteBusy
	// EventL2capEvent is handed to the device's BNEP session untouched.
	EventL2capEvent
)

var eventNames = map[EventKind]string{
	EventServiceStartup:       "service-startup",
	EventServiceShutdown:      "service-shutdown",
	EventAPIClose:             "api-close",
	EventInternalOpen:         "internal-open",
	EventInternalClose:        "internal-close",
	EventOpenComplete:         "open-complete",
	EventAPIWriteData:         "api-write-data",
	EventInternalData:         "internal-data",
	EventConnectionTimeout:    "connection-timeout",
	EventDisconnectionTimeout: "disconnection-timeout",
	EventRemoveStateMachine:   "remove-state-machine",
	EventRemoteBusy:           "remote-busy",
	EventL2capEvent:           "l2cap-event",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Message is one event addressed to a device's state machine. Data is owned
// by the message once posted; a nil Data is a zero-length payload.
type Message struct {
	Kind    EventKind
	Address string
	Header  ethernet.Header
	Data    []byte
	Arg     int
}

// NewMessage builds a payload-less message.
func NewMessage(kind EventKind, addr string) Message {
	return Message{Kind: kind, Address: addr}
}

// NewDataMessage builds a data message, copying data so the caller may reuse
// its buffer.
func NewDataMessage(kind EventKind, addr string, hdr ethernet.Header, data []byte) Message {
	msg := Message{Kind: kind, Address: addr, Header: hdr}
	if len(data) > 0 {
		msg.Data = append([]byte(nil), data...)
	}
	return msg
}
