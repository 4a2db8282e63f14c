// Package ethernet encodes and decodes the 14-byte Ethernet header carried
// between the virtual interface and BNEP sessions.
package ethernet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// HeaderSize is the length of destination MAC + source MAC + EtherType.
	HeaderSize = 14
	// MaxFrameSize bounds every frame read from or written to the interface.
	MaxFrameSize = 1600
	// AddrLen is the length of a MAC / Bluetooth device address.
	AddrLen = 6
)

// EtherType is the protocol field of an Ethernet header, kept in host order.
type EtherType uint16

const (
	TypeIPv4 EtherType = 0x0800
	TypeARP  EtherType = 0x0806
	TypeIPv6 EtherType = 0x86DD
)

func (t EtherType) String() string {
	switch t {
	case TypeIPv4:
		return "IPv4"
	case TypeARP:
		return "ARP"
	case TypeIPv6:
		return "IPv6"
	default:
		return fmt.Sprintf("0x%04x", uint16(t))
	}
}

// Accepted reports whether frames of this type are forwarded from the
// interface read path. The write path accepts any type.
func Accepted(t EtherType) bool {
	return t == TypeIPv4 || t == TypeARP || t == TypeIPv6
}

var (
	ErrFrameTooShort = errors.New("ethernet: frame shorter than header")
	ErrFrameTooLarge = errors.New("ethernet: frame exceeds maximum size")
)

// Header is an Ethernet II header.
type Header struct {
	Dst      [AddrLen]byte
	Src      [AddrLen]byte
	Protocol EtherType
}

// Encode returns header+payload as one contiguous frame with the protocol
// field in network byte order.
func (h Header) Encode(payload []byte) ([]byte, error) {
	if len(payload)+HeaderSize > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload)+HeaderSize)
	}
	buf := make([]byte, HeaderSize+len(payload))
	h.put(buf)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

func (h Header) put(buf []byte) {
	copy(buf[0:6], h.Dst[:])
	copy(buf[6:12], h.Src[:])
	binary.BigEndian.PutUint16(buf[12:14], uint16(h.Protocol))
}

// Decode splits a raw frame into its header and payload. The payload aliases
// frame.
func Decode(frame []byte) (Header, []byte, error) {
	var h Header
	if len(frame) < HeaderSize {
		return h, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(frame))
	}
	if len(frame) > MaxFrameSize {
		return h, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	copy(h.Dst[:], frame[0:6])
	copy(h.Src[:], frame[6:12])
	h.Protocol = EtherType(binary.BigEndian.Uint16(frame[12:14]))
	return h, frame[HeaderSize:], nil
}

// IsBroadcast checks for ff:ff:ff:ff:ff:ff.
func IsBroadcast(mac [AddrLen]byte) bool {
	for _, b := range mac {
		if b != 0xFF {
			return false
		}
	}
	return true
}

// IsMulticast checks the group bit of the first octet. Broadcast is a
// multicast address.
func IsMulticast(mac [AddrLen]byte) bool {
	return mac[0]&0x01 == 0x01
}

// ParseMAC parses "aa:bb:cc:dd:ee:ff" (case-insensitive).
func ParseMAC(s string) ([AddrLen]byte, error) {
	var mac [AddrLen]byte
	parts := strings.Split(s, ":")
	if len(parts) != AddrLen {
		return mac, fmt.Errorf("ethernet: invalid address %q", s)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return mac, fmt.Errorf("ethernet: invalid address %q", s)
		}
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return mac, fmt.Errorf("ethernet: invalid address %q: %w", s, err)
		}
		mac[i] = byte(b)
	}
	return mac, nil
}

// FormatMAC renders an address in the upper-case colon form used for
// Bluetooth device addresses.
func FormatMAC(mac [AddrLen]byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}
