package binary

import (
	"errors"
	"fmt"

	"github.com/go-whatsapp/whatsmeow/binary/token"
	"github.com/go-whatsapp/whatsmeow/types"
)

// ErrUnknownToken is returned when a token byte has no entry in the dictionary. Per §4.A, this
// fails only the frame being decoded, never the connection (the caller decides whether to drop a
// single stanza or, for a handshake frame, abort the connection).
var ErrUnknownToken = errors.New("unknown-token")

// Unmarshal decodes a single Node from its tokenized binary form.
func Unmarshal(data []byte) (Node, error) {
	d := &decoder{buf: data}
	n, err := d.readNode()
	if err != nil {
		return Node{}, err
	}
	return n, nil
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) readByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, fmt.Errorf("binary: unexpected end of data")
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readBytes(n int) ([]byte, error) {
	if d.pos+n > len(d.buf) {
		return nil, fmt.Errorf("binary: unexpected end of data reading %d bytes", n)
	}
	out := d.buf[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

func (d *decoder) readListMarker() (int, error) {
	b, err := d.readByte()
	if err != nil {
		return 0, err
	}
	switch b {
	case tagListEmpty:
		return 0, nil
	case tagList8:
		n, err := d.readByte()
		return int(n), err
	case tagList16:
		hi, err := d.readByte()
		if err != nil {
			return 0, err
		}
		lo, err := d.readByte()
		return int(hi)<<8 | int(lo), err
	default:
		return 0, fmt.Errorf("binary: expected list marker, got 0x%02x", b)
	}
}

func (d *decoder) readNode() (Node, error) {
	itemCount, err := d.readListMarker()
	if err != nil {
		return Node{}, err
	}
	if itemCount == 0 {
		return Node{}, fmt.Errorf("binary: empty node list has no tag")
	}
	tag, err := d.readString()
	if err != nil {
		return Node{}, err
	}
	remaining := itemCount - 1
	hasContent := remaining%2 == 1
	if hasContent {
		remaining--
	}
	numAttrs := remaining / 2
	var attrs Attrs
	if numAttrs > 0 {
		attrs = make(Attrs, numAttrs)
		for i := 0; i < numAttrs; i++ {
			key, err := d.readString()
			if err != nil {
				return Node{}, err
			}
			val, err := d.readAttrValue()
			if err != nil {
				return Node{}, err
			}
			attrs[key] = val
		}
	}
	var content interface{}
	if hasContent {
		content, err = d.readContent()
		if err != nil {
			return Node{}, err
		}
	}
	return Node{Tag: tag, Attrs: attrs, Content: content}, nil
}

// readAttrValue decodes an attribute value, preserving types.JID when the wire marker is a JID
// encoding so that decode(encode(n)) == n holds for nodes built with typed JID attribute values.
func (d *decoder) readAttrValue() (interface{}, error) {
	if d.pos >= len(d.buf) {
		return nil, fmt.Errorf("binary: unexpected end of data")
	}
	switch d.buf[d.pos] {
	case tagJIDPair, tagADJID:
		return d.readJID()
	default:
		return d.readString()
	}
}

func (d *decoder) readContent() (interface{}, error) {
	if d.pos >= len(d.buf) {
		return nil, fmt.Errorf("binary: unexpected end of data")
	}
	switch d.buf[d.pos] {
	case tagListEmpty, tagList8, tagList16:
		count, err := d.readListMarker()
		if err != nil {
			return nil, err
		}
		nodes := make([]Node, count)
		for i := 0; i < count; i++ {
			child, err := d.readNode()
			if err != nil {
				return nil, err
			}
			nodes[i] = child
		}
		return nodes, nil
	case tagJIDPair, tagADJID:
		return d.readJID()
	default:
		return d.readBinaryContent()
	}
}

func (d *decoder) readBinaryContent() ([]byte, error) {
	b, err := d.readByte()
	if err != nil {
		return nil, err
	}
	switch {
	case b == tagBinary8:
		n, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return d.readBytes(int(n))
	case b == tagBinary20:
		raw, err := d.readBytes(3)
		if err != nil {
			return nil, err
		}
		n := int(raw[0])<<16 | int(raw[1])<<8 | int(raw[2])
		return d.readBytes(n)
	case b == tagBinary32:
		raw, err := d.readBytes(4)
		if err != nil {
			return nil, err
		}
		n := int(raw[0])<<24 | int(raw[1])<<16 | int(raw[2])<<8 | int(raw[3])
		return d.readBytes(n)
	case b == tagDict0:
		idx, err := d.readByte()
		if err != nil {
			return nil, err
		}
		if int(idx) >= len(token.DoubleByteTokens) {
			return nil, ErrUnknownToken
		}
		return []byte(token.DoubleByteTokens[idx]), nil
	case int(b) < len(token.SingleByteTokens):
		if b == 0 {
			return []byte{}, nil
		}
		return []byte(token.SingleByteTokens[b]), nil
	default:
		return nil, ErrUnknownToken
	}
}

// readString decodes a tag/attribute-key/attribute-value/content string: a dictionary token, an
// inline literal, or a nibble-packed numeric string.
func (d *decoder) readString() (string, error) {
	b, err := d.readByte()
	if err != nil {
		return "", err
	}
	switch {
	case b == 0:
		return "", nil
	case b == tagDict0:
		idx, err := d.readByte()
		if err != nil {
			return "", err
		}
		if int(idx) >= len(token.DoubleByteTokens) {
			return "", ErrUnknownToken
		}
		return token.DoubleByteTokens[idx], nil
	case b == tagBinary8:
		n, err := d.readByte()
		if err != nil {
			return "", err
		}
		raw, err := d.readBytes(int(n))
		return string(raw), err
	case b == tagBinary20:
		raw, err := d.readBytes(3)
		if err != nil {
			return "", err
		}
		n := int(raw[0])<<16 | int(raw[1])<<8 | int(raw[2])
		data, err := d.readBytes(n)
		return string(data), err
	case b == tagBinary32:
		raw, err := d.readBytes(4)
		if err != nil {
			return "", err
		}
		n := int(raw[0])<<24 | int(raw[1])<<16 | int(raw[2])<<8 | int(raw[3])
		data, err := d.readBytes(n)
		return string(data), err
	case b == tagNibble8:
		return d.readNibble()
	case int(b) < len(token.SingleByteTokens):
		return token.SingleByteTokens[b], nil
	default:
		return "", ErrUnknownToken
	}
}

func (d *decoder) readNibble() (string, error) {
	charCount, err := d.readByte()
	if err != nil {
		return "", err
	}
	numBytes := (int(charCount) + 1) / 2
	raw, err := d.readBytes(numBytes)
	if err != nil {
		return "", err
	}
	out := make([]byte, 0, charCount)
	for i := 0; i < int(charCount); i++ {
		var nib byte
		if i%2 == 0 {
			nib = raw[i/2] >> 4
		} else {
			nib = raw[i/2] & 0xF
		}
		c := nibbleChar(nib)
		if c == 0 {
			return "", fmt.Errorf("binary: invalid nibble value %d", nib)
		}
		out = append(out, c)
	}
	return string(out), nil
}

func (d *decoder) readJID() (types.JID, error) {
	marker, err := d.readByte()
	if err != nil {
		return types.EmptyJID, err
	}
	if marker == tagADJID {
		agent, err := d.readByte()
		if err != nil {
			return types.EmptyJID, err
		}
		hi, err := d.readByte()
		if err != nil {
			return types.EmptyJID, err
		}
		lo, err := d.readByte()
		if err != nil {
			return types.EmptyJID, err
		}
		device := uint16(hi)<<8 | uint16(lo)
		user, err := d.readString()
		if err != nil {
			return types.EmptyJID, err
		}
		server, err := d.readString()
		if err != nil {
			return types.EmptyJID, err
		}
		return types.NewADJID(user, agent, device, server), nil
	}
	// tagJIDPair
	user, err := d.readString()
	if err != nil {
		return types.EmptyJID, err
	}
	server, err := d.readString()
	if err != nil {
		return types.EmptyJID, err
	}
	return types.NewJID(user, server), nil
}
