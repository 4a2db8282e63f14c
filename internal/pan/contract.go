package pan

import "github.com/meshcommons/panbridge/internal/ethernet"

// EventSink accepts events for serialized delivery. Implementations must be
// safe to call from any goroutine, including from inside Dispatch.
type EventSink interface {
	PostEvent(msg Message)
}

// Service is the capability set a StateMachine needs from its owning
// profile service. It is injected at construction.
type Service interface {
	EventSink
	// NotifyStateChanged reports an externally visible state transition.
	NotifyStateChanged(addr string, state State)
	// OpenNetwork (re)opens the shared network bridge.
	OpenNetwork() error
	// CloseNetwork tears the shared bridge down on behalf of addr.
	CloseNetwork(addr string)
	// WriteNetworkData delivers an inbound frame to the network bridge.
	WriteNetworkData(addr string, hdr ethernet.Header, data []byte) error
	// IsTetheringOn reports whether the service currently bridges peers.
	IsTetheringOn() bool
}

// Session is one device's BNEP session.
type Session interface {
	// Connect starts the BNEP/L2CAP connection. Completion is reported by
	// posting EventInternalOpen (or EventInternalClose on failure).
	Connect() error
	// SendData transmits an Ethernet-framed payload to the peer.
	SendData(hdr ethernet.Header, data []byte) error
	// Disconnect requests teardown; EventInternalClose follows.
	Disconnect() error
	// Lcid returns the current L2CAP logical channel id.
	Lcid() uint16
	// ProcessL2capEvent consumes a sub-protocol event routed by the service.
	ProcessL2capEvent(msg Message)
	// Close releases the session without further events.
	Close() error
}
