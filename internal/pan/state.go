// Package pan implements the per-device PAN connection state machine and the
// events exchanged with the owning profile service and BNEP sessions.
package pan

import "fmt"

// State is the externally observable connection state of one remote device.
// The ordinals are part of the external contract.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateDisconnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateDisconnecting:
		return "disconnecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseState is the inverse of State.String for the real states.
func ParseState(name string) (State, error) {
	for s := StateDisconnected; s <= StateConnected; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return StateDisconnected, fmt.Errorf("pan: unknown state %q", name)
}

// valid reports whether s is one of the real connection states.
func (s State) valid() bool {
	return s >= StateDisconnected && s <= StateConnected
}
