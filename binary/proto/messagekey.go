package proto

import "google.golang.org/protobuf/encoding/protowire"

// MessageKey identifies a specific message: which chat, whether we sent it, the id, and (for
// group chats) the participant who sent it.
type MessageKey struct {
	RemoteJid *string
	FromMe    *bool
	Id        *string
	Participant *string
}

func (k *MessageKey) GetRemoteJid() string  { return getString(k.RemoteJid) }
func (k *MessageKey) GetFromMe() bool       { return getBool(k.FromMe) }
func (k *MessageKey) GetId() string         { return getString(k.Id) }
func (k *MessageKey) GetParticipant() string { return getString(k.Participant) }

func (k *MessageKey) marshal() ([]byte, error) {
	var b []byte
	if k.RemoteJid != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, *k.RemoteJid)
	}
	if k.FromMe != nil {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		if *k.FromMe {
			b = protowire.AppendVarint(b, 1)
		} else {
			b = protowire.AppendVarint(b, 0)
		}
	}
	if k.Id != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, *k.Id)
	}
	if k.Participant != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, *k.Participant)
	}
	return b, nil
}

func (k *MessageKey) unmarshal(data []byte) error {
	fields, err := parseFields(data)
	if err != nil {
		return err
	}
	for _, f := range fields {
		switch f.num {
		case 1:
			k.RemoteJid = String(f.asString())
		case 2:
			k.FromMe = Bool(f.asBool())
		case 3:
			k.Id = String(f.asString())
		case 4:
			k.Participant = String(f.asString())
		}
	}
	return nil
}

// WebMessageInfo is the envelope real-time and history-sync messages share: a MessageKey plus the
// decrypted Message and delivery metadata.
type WebMessageInfo struct {
	Key              *MessageKey
	Message          *Message
	MessageTimestamp *uint64
	Participant      *string
	PushName         *string
}

func (w *WebMessageInfo) GetKey() *MessageKey {
	if w.Key == nil {
		return &MessageKey{}
	}
	return w.Key
}
func (w *WebMessageInfo) GetMessage() *Message { return w.Message }
func (w *WebMessageInfo) GetMessageTimestamp() uint64 {
	if w.MessageTimestamp == nil {
		return 0
	}
	return *w.MessageTimestamp
}
func (w *WebMessageInfo) GetParticipant() string { return getString(w.Participant) }
func (w *WebMessageInfo) GetPushName() string    { return getString(w.PushName) }
