package proto

import "google.golang.org/protobuf/encoding/protowire"

// HandshakeMessage wraps the three Noise XX steps: ClientHello, ServerHello, ClientFinish. Exactly
// one field is set per message, matching the real protocol's oneof.
type HandshakeMessage struct {
	ClientHello  *ClientHello
	ServerHello  *ServerHello
	ClientFinish *ClientFinish
}

type ClientHello struct {
	Ephemeral []byte
}

type ServerHello struct {
	Ephemeral []byte
	Static    []byte // encrypted
	Payload   []byte // encrypted
}

type ClientFinish struct {
	Static  []byte // encrypted
	Payload []byte // encrypted
}

func (h *HandshakeMessage) Marshal() ([]byte, error) {
	var b []byte
	if h.ClientHello != nil {
		inner := h.ClientHello.marshal()
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	if h.ServerHello != nil {
		inner := h.ServerHello.marshal()
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	if h.ClientFinish != nil {
		inner := h.ClientFinish.marshal()
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b, nil
}

func (h *HandshakeMessage) Unmarshal(data []byte) error {
	fields, err := parseFields(data)
	if err != nil {
		return err
	}
	for _, f := range fields {
		switch f.num {
		case 1:
			var c ClientHello
			c.unmarshal(f.asBytes())
			h.ClientHello = &c
		case 2:
			var s ServerHello
			s.unmarshal(f.asBytes())
			h.ServerHello = &s
		case 3:
			var c ClientFinish
			c.unmarshal(f.asBytes())
			h.ClientFinish = &c
		}
	}
	return nil
}

func (c *ClientHello) marshal() []byte {
	var b []byte
	if c.Ephemeral != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Ephemeral)
	}
	return b
}

func (c *ClientHello) unmarshal(data []byte) {
	fields, err := parseFields(data)
	if err != nil {
		return
	}
	for _, f := range fields {
		if f.num == 1 {
			c.Ephemeral = f.asBytes()
		}
	}
}

func (s *ServerHello) marshal() []byte {
	var b []byte
	if s.Ephemeral != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, s.Ephemeral)
	}
	if s.Static != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, s.Static)
	}
	if s.Payload != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, s.Payload)
	}
	return b
}

func (s *ServerHello) unmarshal(data []byte) {
	fields, err := parseFields(data)
	if err != nil {
		return
	}
	for _, f := range fields {
		switch f.num {
		case 1:
			s.Ephemeral = f.asBytes()
		case 2:
			s.Static = f.asBytes()
		case 3:
			s.Payload = f.asBytes()
		}
	}
}

func (c *ClientFinish) marshal() []byte {
	var b []byte
	if c.Static != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Static)
	}
	if c.Payload != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Payload)
	}
	return b
}

func (c *ClientFinish) unmarshal(data []byte) {
	fields, err := parseFields(data)
	if err != nil {
		return
	}
	for _, f := range fields {
		switch f.num {
		case 1:
			c.Static = f.asBytes()
		case 2:
			c.Payload = f.asBytes()
		}
	}
}
