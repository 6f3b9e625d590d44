package types

import "time"

// MessageID is the server/client-assigned id of a message, a 44-byte "3EB0"-prefixed hex string
// for client-generated ids (see GenerateMessageID), or whatever the server assigns for its own
// stanzas.
type MessageID = string

// MessageServerID is the server-assigned numeric id attached to newsletter-style messages.
type MessageServerID = int

// MessageSource identifies the chat/sender pair a message or receipt belongs to.
type MessageSource struct {
	Chat     JID
	Sender   JID
	IsFromMe bool
	IsGroup  bool

	// BroadcastListOwner is set for messages received via a status/broadcast list.
	BroadcastListOwner JID
}

// MessageInfo is the metadata accompanying a decrypted message, independent of its plaintext
// content.
type MessageInfo struct {
	MessageSource
	ID            MessageID
	ServerID      MessageServerID
	Type          string
	PushName      string
	Timestamp     time.Time
	Category      string
	Multicast     bool
	MediaType     string
	VerifiedName  *VerifiedName
	DeviceSentMeta *DeviceSentMeta
}

// SourceString renders the chat/sender pair for log messages, e.g. "123@g.us/456@s.whatsapp.net".
func (ms MessageSource) SourceString() string {
	if ms.IsGroup {
		return ms.Chat.String() + "/" + ms.Sender.String()
	}
	return ms.Sender.String()
}

// DeviceSentMeta carries the extra metadata present when a message arrives wrapped in a
// DeviceSentMessage (sent from one of our own other devices).
type DeviceSentMeta struct {
	DestinationJID string
	Phash          string
}

// VerifiedName is the server-signed business name blob attached to some messages.
type VerifiedName struct {
	Certificate *BusinessVerifiedNameCert
	Details     *BusinessVerifiedNameDetails
}

type BusinessVerifiedNameCert struct {
	Details   []byte
	Signature []byte
}

type BusinessVerifiedNameDetails struct {
	Name       string
	IssueTime  int64
	SerialHash []byte
}

// ReceiptType is the kind of delivery/read acknowledgement carried by a <receipt> stanza.
type ReceiptType string

const (
	ReceiptTypeDelivered ReceiptType = ""
	ReceiptTypeSender    ReceiptType = "sender"
	ReceiptTypeRetry     ReceiptType = "retry"
	ReceiptTypeRead      ReceiptType = "read"
	ReceiptTypeReadSelf  ReceiptType = "read-self"
	ReceiptTypePlayed    ReceiptType = "played"
	ReceiptTypePlayedSelf ReceiptType = "played-self"
	ReceiptTypeInactive  ReceiptType = "inactive"
	ReceiptTypePeerMsg   ReceiptType = "peer_msg"
	ReceiptTypeHistSync  ReceiptType = "hist_sync"
)

// GroupInfo is the metadata of a group chat, used for participant resolution during sender fan-out.
type GroupInfo struct {
	JID              JID
	OwnerJID         JID
	Name             string
	NameSetAt        time.Time
	Topic            string
	IsLocked         bool
	IsAnnounce       bool
	IsEphemeral      bool
	DisappearingTimer uint32
	Participants     []GroupParticipant
}

type GroupParticipant struct {
	JID          JID
	IsAdmin      bool
	IsSuperAdmin bool
	Error        int
}

// BasicCallMeta is the metadata common to every call event.
type BasicCallMeta struct {
	From        JID
	Timestamp   time.Time
	CallCreator JID
	CallID      string
}

type CallRemoteMeta struct {
	RemotePlatform string
	RemoteVersion  string
}
