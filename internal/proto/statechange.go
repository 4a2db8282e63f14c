// Package proto implements the protobuf wire encoding of connection state
// changes streamed to binary websocket clients.
//
// The message is:
//
//	message StateChange {
//	  string address    = 1;
//	  int32  from       = 2;
//	  int32  to         = 3;
//	  string session_id = 4;
//	  int64  at_unix_ms = 5;
//	}
package proto

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/meshcommons/panbridge/internal/events"
	"github.com/meshcommons/panbridge/internal/pan"
)

const (
	fieldAddress   protowire.Number = 1
	fieldFrom      protowire.Number = 2
	fieldTo        protowire.Number = 3
	fieldSessionID protowire.Number = 4
	fieldAtUnixMs  protowire.Number = 5
)

// EncodeStateChange serialises sc. Fields holding their zero value are
// omitted, as proto3 does.
func EncodeStateChange(sc events.StateChange) []byte {
	var b []byte
	if sc.Address != "" {
		b = protowire.AppendTag(b, fieldAddress, protowire.BytesType)
		b = protowire.AppendString(b, sc.Address)
	}
	if sc.From != 0 {
		b = protowire.AppendTag(b, fieldFrom, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(sc.From))
	}
	if sc.To != 0 {
		b = protowire.AppendTag(b, fieldTo, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(sc.To))
	}
	if sc.SessionID != "" {
		b = protowire.AppendTag(b, fieldSessionID, protowire.BytesType)
		b = protowire.AppendString(b, sc.SessionID)
	}
	if !sc.At.IsZero() {
		b = protowire.AppendTag(b, fieldAtUnixMs, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(sc.At.UnixMilli()))
	}
	return b
}

// DecodeStateChange parses a serialised StateChange. Unknown fields are
// skipped.
func DecodeStateChange(b []byte) (events.StateChange, error) {
	var sc events.StateChange
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return sc, fmt.Errorf("proto: tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldAddress && typ == protowire.BytesType:
			sc.Address, n = protowire.ConsumeString(b)
		case num == fieldSessionID && typ == protowire.BytesType:
			sc.SessionID, n = protowire.ConsumeString(b)
		case (num == fieldFrom || num == fieldTo || num == fieldAtUnixMs) && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if n < 0 {
				break
			}
			switch num {
			case fieldFrom:
				sc.From = pan.State(int32(v))
			case fieldTo:
				sc.To = pan.State(int32(v))
			case fieldAtUnixMs:
				sc.At = time.UnixMilli(int64(v)).UTC()
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return sc, fmt.Errorf("proto: field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return sc, nil
}
