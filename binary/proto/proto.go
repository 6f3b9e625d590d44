// Package proto holds the handful of protobuf message shapes the engine exchanges with the server
// and with peer devices (ClientPayload, HandshakeMessage, Message, ...).
//
// These are hand-written wire-compatible encoders/decoders built on
// google.golang.org/protobuf/encoding/protowire rather than protoc-generated types: this exercise
// has no protoc available to compile a .proto schema, so each type implements Marshal/Unmarshal
// itself against the real library's low-level varint/length-delimited primitives instead of
// reinventing wire encoding by hand. See DESIGN.md for the full justification.
package proto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Marshaler is implemented by every message type in this package, mirroring the shape of
// google.golang.org/protobuf/proto.Message closely enough that callers can write
// proto.Marshal(msg) instead of msg.Marshal().
type Marshaler interface {
	Marshal() ([]byte, error)
}

func Marshal(m Marshaler) ([]byte, error) {
	return m.Marshal()
}

func String(s string) *string { return &s }
func Uint32(v uint32) *uint32 { return &v }
func Uint64(v uint64) *uint64 { return &v }
func Bool(v bool) *bool       { return &v }

func getString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func getUint32(v *uint32) uint32 {
	if v == nil {
		return 0
	}
	return *v
}

func getBool(v *bool) bool {
	if v == nil {
		return false
	}
	return *v
}

// field is one decoded (number, wireType, raw-bytes-of-value) triple, used by every Unmarshal to
// walk an unknown message without needing reflection or a descriptor.
type field struct {
	num  protowire.Number
	typ  protowire.Type
	data []byte
}

func parseFields(b []byte) ([]field, error) {
	var fields []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("proto: invalid tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		var valLen int
		switch typ {
		case protowire.VarintType:
			_, valLen = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			_, valLen = protowire.ConsumeFixed32(b)
		case protowire.Fixed64Type:
			_, valLen = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			_, valLen = protowire.ConsumeBytes(b)
		default:
			return nil, fmt.Errorf("proto: unsupported wire type %d", typ)
		}
		if valLen < 0 {
			return nil, fmt.Errorf("proto: invalid field value: %w", protowire.ParseError(valLen))
		}
		fields = append(fields, field{num: num, typ: typ, data: b[:valLen]})
		b = b[valLen:]
	}
	return fields, nil
}

func (f field) asBytes() []byte {
	v, _ := protowire.ConsumeBytes(f.data)
	return v
}

func (f field) asString() string {
	return string(f.asBytes())
}

func (f field) asVarint() uint64 {
	v, _ := protowire.ConsumeVarint(f.data)
	return v
}

func (f field) asBool() bool {
	return f.asVarint() != 0
}
