package binary

import (
	"bytes"
	"fmt"

	"github.com/go-whatsapp/whatsmeow/binary/token"
	"github.com/go-whatsapp/whatsmeow/types"
)

const (
	tagListEmpty byte = 0
	tagList8     byte = 248
	tagList16    byte = 249
	tagJIDPair   byte = 250
	tagADJID     byte = 246
	tagBinary8   byte = 252
	tagBinary20  byte = 253
	tagBinary32  byte = 254
	tagNibble8   byte = 255
	tagDict0     byte = 236
)

// Marshal encodes a Node to its tokenized binary form. The output carries no outer framing; the
// caller (socket.NoiseSocket) is responsible for the length-prefix/AEAD frame and for the single
// leading flag byte Pack/Unpack add.
func Marshal(n Node) ([]byte, error) {
	var buf bytes.Buffer
	e := &encoder{buf: &buf}
	if err := e.writeNode(n); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type encoder struct {
	buf *bytes.Buffer
}

func (e *encoder) writeNode(n Node) error {
	itemCount := 1 + 2*len(n.Attrs)
	if n.Content != nil {
		itemCount++
	}
	e.writeListMarker(itemCount)
	if err := e.writeString(n.Tag); err != nil {
		return err
	}
	for key, val := range n.Attrs {
		if err := e.writeString(key); err != nil {
			return err
		}
		if err := e.writeAttrValue(val); err != nil {
			return err
		}
	}
	if n.Content != nil {
		return e.writeContent(n.Content)
	}
	return nil
}

func (e *encoder) writeListMarker(n int) {
	switch {
	case n == 0:
		e.buf.WriteByte(tagListEmpty)
	case n < 256:
		e.buf.WriteByte(tagList8)
		e.buf.WriteByte(byte(n))
	default:
		e.buf.WriteByte(tagList16)
		e.buf.WriteByte(byte(n >> 8))
		e.buf.WriteByte(byte(n))
	}
}

func (e *encoder) writeAttrValue(v interface{}) error {
	switch val := v.(type) {
	case types.JID:
		return e.writeJID(val)
	case string:
		return e.writeString(val)
	default:
		return e.writeString(fmt.Sprintf("%v", val))
	}
}

func (e *encoder) writeContent(content interface{}) error {
	switch c := content.(type) {
	case []Node:
		e.writeListMarker(len(c))
		for _, child := range c {
			if err := e.writeNode(child); err != nil {
				return err
			}
		}
		return nil
	case []byte:
		return e.writeBinary(c)
	case string:
		return e.writeBinary([]byte(c))
	case types.JID:
		return e.writeJID(c)
	default:
		return fmt.Errorf("binary: unsupported content type %T", content)
	}
}

func (e *encoder) writeBinary(data []byte) error {
	n := len(data)
	switch {
	case n < 256:
		e.buf.WriteByte(tagBinary8)
		e.buf.WriteByte(byte(n))
	case n < 1<<20:
		e.buf.WriteByte(tagBinary20)
		e.buf.WriteByte(byte(n >> 16))
		e.buf.WriteByte(byte(n >> 8))
		e.buf.WriteByte(byte(n))
	default:
		e.buf.WriteByte(tagBinary32)
		e.buf.WriteByte(byte(n >> 24))
		e.buf.WriteByte(byte(n >> 16))
		e.buf.WriteByte(byte(n >> 8))
		e.buf.WriteByte(byte(n))
	}
	e.buf.Write(data)
	return nil
}

// writeString writes a tag/attribute-key/attribute-value/plain-string token: a dictionary lookup
// when the string is a known token, otherwise an inline length-prefixed literal.
func (e *encoder) writeString(s string) error {
	for i, tok := range token.SingleByteTokens {
		if i == 0 {
			continue
		}
		if tok == s {
			e.buf.WriteByte(byte(i))
			return nil
		}
	}
	for i, tok := range token.DoubleByteTokens {
		if tok == s {
			e.buf.WriteByte(tagDict0)
			e.buf.WriteByte(byte(i))
			return nil
		}
	}
	return e.writeBinary([]byte(s))
}

func (e *encoder) writeJID(j types.JID) error {
	if j.Agent != 0 || j.Device != 0 {
		e.buf.WriteByte(tagADJID)
		e.buf.WriteByte(j.Agent)
		e.buf.WriteByte(byte(j.Device >> 8))
		e.buf.WriteByte(byte(j.Device))
		if err := e.writeString(j.User); err != nil {
			return err
		}
		return e.writeString(j.Server)
	}
	e.buf.WriteByte(tagJIDPair)
	if err := e.writeUser(j.User); err != nil {
		return err
	}
	return e.writeString(j.Server)
}

func (e *encoder) writeUser(user string) error {
	if user != "" && isNibbleEncodable(user) {
		return e.writeNibble(user)
	}
	return e.writeString(user)
}

func isNibbleEncodable(s string) bool {
	for _, c := range s {
		if _, ok := nibbleValue(byte(c)); !ok {
			return false
		}
	}
	return true
}

func nibbleValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c == '+':
		return 10, true
	case c == '-':
		return 11, true
	default:
		return 0, false
	}
}

func nibbleChar(v byte) byte {
	switch {
	case v <= 9:
		return '0' + v
	case v == 10:
		return '+'
	case v == 11:
		return '-'
	default:
		return 0
	}
}

const nibblePad = 0xF

func (e *encoder) writeNibble(s string) error {
	n := len(s)
	numBytes := (n + 1) / 2
	e.buf.WriteByte(tagNibble8)
	e.buf.WriteByte(byte(n))
	for i := 0; i < numBytes; i++ {
		hi, _ := nibbleValue(s[2*i])
		lo := byte(nibblePad)
		if 2*i+1 < n {
			lo, _ = nibbleValue(s[2*i+1])
		}
		e.buf.WriteByte(hi<<4 | lo)
	}
	return nil
}
