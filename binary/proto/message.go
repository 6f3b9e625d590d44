package proto

import "google.golang.org/protobuf/encoding/protowire"

// Message is the plaintext payload carried inside every encrypted envelope. Only the fields the
// engine's pipelines touch are modeled; unknown fields round-trip as opaque bytes so a message this
// engine doesn't understand is still forwarded/re-encrypted intact on retry.
type Message struct {
	Conversation                  *string
	ExtendedTextMessage           *ExtendedTextMessage
	SenderKeyDistributionMessage  *SenderKeyDistributionMessage
	DeviceSentMessage             *DeviceSentMessage
	ProtocolMessage               *ProtocolMessage

	unknown []field
}

func (m *Message) GetConversation() string { return getString(m.Conversation) }

type ExtendedTextMessage struct {
	Text        *string
	ContextInfo *ContextInfo
}

func (e *ExtendedTextMessage) GetText() string { return getString(e.Text) }

type ContextInfo struct {
	StanzaID      *string
	Participant   *string
	QuotedMessage *Message
}

type SenderKeyDistributionMessage struct {
	GroupId                             *string
	AxolotlSenderKeyDistributionMessage []byte
}

type DeviceSentMessage struct {
	DestinationJid *string
	Message        *Message
	Phash          *string
}

func (d *DeviceSentMessage) GetDestinationJid() string { return getString(d.DestinationJid) }

// ProtocolMessage carries retry/history-sync/app-state-key control payloads embedded in the normal
// message envelope.
type ProtocolMessage struct {
	Key                     *MessageKey
	Type                    *ProtocolMessageType
	HistorySyncNotification *HistorySyncNotification
}

type ProtocolMessageType int32

const (
	ProtocolMessageRevoke             ProtocolMessageType = 0
	ProtocolMessageHistorySyncNotification ProtocolMessageType = 5
	ProtocolMessagePeerDataRequest    ProtocolMessageType = 6
	ProtocolMessageAppStateSyncKeyShare ProtocolMessageType = 7
)

const (
	fieldMsgConversation = 1
	fieldMsgSenderKeyDistribution = 2
	fieldMsgExtendedText = 18
	fieldMsgDeviceSent = 21
	fieldMsgProtocol = 12
)

func (m *Message) Marshal() ([]byte, error) {
	var b []byte
	if m.Conversation != nil {
		b = protowire.AppendTag(b, fieldMsgConversation, protowire.BytesType)
		b = protowire.AppendString(b, *m.Conversation)
	}
	if m.SenderKeyDistributionMessage != nil {
		inner, err := m.SenderKeyDistributionMessage.marshal()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldMsgSenderKeyDistribution, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	if m.ExtendedTextMessage != nil {
		inner, err := m.ExtendedTextMessage.marshal()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldMsgExtendedText, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	if m.DeviceSentMessage != nil {
		inner, err := m.DeviceSentMessage.marshal()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldMsgDeviceSent, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	if m.ProtocolMessage != nil {
		inner, err := m.ProtocolMessage.marshal()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldMsgProtocol, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	for _, f := range m.unknown {
		b = protowire.AppendTag(b, f.num, f.typ)
		b = append(b, f.data...)
	}
	return b, nil
}

func (m *Message) Unmarshal(data []byte) error {
	fields, err := parseFields(data)
	if err != nil {
		return err
	}
	for _, f := range fields {
		switch f.num {
		case fieldMsgConversation:
			m.Conversation = String(f.asString())
		case fieldMsgSenderKeyDistribution:
			var s SenderKeyDistributionMessage
			if err := s.unmarshal(f.asBytes()); err != nil {
				return err
			}
			m.SenderKeyDistributionMessage = &s
		case fieldMsgExtendedText:
			var e ExtendedTextMessage
			if err := e.unmarshal(f.asBytes()); err != nil {
				return err
			}
			m.ExtendedTextMessage = &e
		case fieldMsgDeviceSent:
			var d DeviceSentMessage
			if err := d.unmarshal(f.asBytes()); err != nil {
				return err
			}
			m.DeviceSentMessage = &d
		case fieldMsgProtocol:
			var p ProtocolMessage
			if err := p.unmarshal(f.asBytes()); err != nil {
				return err
			}
			m.ProtocolMessage = &p
		default:
			m.unknown = append(m.unknown, f)
		}
	}
	return nil
}

func (e *ExtendedTextMessage) marshal() ([]byte, error) {
	var b []byte
	if e.Text != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, *e.Text)
	}
	return b, nil
}

func (e *ExtendedTextMessage) unmarshal(data []byte) error {
	fields, err := parseFields(data)
	if err != nil {
		return err
	}
	for _, f := range fields {
		if f.num == 1 {
			e.Text = String(f.asString())
		}
	}
	return nil
}

func (s *SenderKeyDistributionMessage) marshal() ([]byte, error) {
	var b []byte
	if s.GroupId != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, *s.GroupId)
	}
	if s.AxolotlSenderKeyDistributionMessage != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, s.AxolotlSenderKeyDistributionMessage)
	}
	return b, nil
}

func (s *SenderKeyDistributionMessage) unmarshal(data []byte) error {
	fields, err := parseFields(data)
	if err != nil {
		return err
	}
	for _, f := range fields {
		switch f.num {
		case 1:
			s.GroupId = String(f.asString())
		case 2:
			s.AxolotlSenderKeyDistributionMessage = f.asBytes()
		}
	}
	return nil
}

func (d *DeviceSentMessage) marshal() ([]byte, error) {
	var b []byte
	if d.DestinationJid != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, *d.DestinationJid)
	}
	if d.Message != nil {
		inner, err := d.Message.Marshal()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b, nil
}

func (d *DeviceSentMessage) unmarshal(data []byte) error {
	fields, err := parseFields(data)
	if err != nil {
		return err
	}
	for _, f := range fields {
		switch f.num {
		case 1:
			d.DestinationJid = String(f.asString())
		case 2:
			var m Message
			if err := m.Unmarshal(f.asBytes()); err != nil {
				return err
			}
			d.Message = &m
		}
	}
	return nil
}

func (p *ProtocolMessage) GetType() ProtocolMessageType {
	if p == nil || p.Type == nil {
		return ProtocolMessageRevoke
	}
	return *p.Type
}

func (p *ProtocolMessage) marshal() ([]byte, error) {
	var b []byte
	if p.Key != nil {
		inner, err := p.Key.marshal()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	if p.Type != nil {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*p.Type))
	}
	if p.HistorySyncNotification != nil {
		inner, err := p.HistorySyncNotification.marshal()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b, nil
}

func (p *ProtocolMessage) unmarshal(data []byte) error {
	fields, err := parseFields(data)
	if err != nil {
		return err
	}
	for _, f := range fields {
		switch f.num {
		case 1:
			var k MessageKey
			if err := k.unmarshal(f.asBytes()); err != nil {
				return err
			}
			p.Key = &k
		case 2:
			t := ProtocolMessageType(f.asVarint())
			p.Type = &t
		case 4:
			var h HistorySyncNotification
			if err := h.unmarshal(f.asBytes()); err != nil {
				return err
			}
			p.HistorySyncNotification = &h
		}
	}
	return nil
}
