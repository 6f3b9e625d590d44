// Package events contains the domain events the engine publishes on its event bus, per
// SPEC_FULL.md §6.4.
package events

import (
	"time"

	"github.com/go-whatsapp/whatsmeow/binary/proto"
	"github.com/go-whatsapp/whatsmeow/types"
)

// Connection lifecycle.

type QR struct {
	Codes []string
}

type PairSuccess struct {
	ID           types.JID
	BusinessName string
	Platform     string
}

type PairError struct {
	ID    types.JID
	Error error
}

type Connected struct{}

type Disconnected struct{}

type KeepAliveTimeout struct {
	ErrorCount        int
	LastSuccess       time.Time
}

type KeepAliveRestored struct{}

type LoggedOut struct {
	OnConnect bool
	Reason    ConnectFailureReason
}

type StreamReplaced struct{}

type TemporaryBan struct {
	Code   TempBanReason
	Expire time.Duration
}

type ConnectFailureReason int

const (
	ConnectFailureGeneric ConnectFailureReason = iota
	ConnectFailureLoggedOut
	ConnectFailureTempBanned
	ConnectFailureUnknownLogout
	ConnectFailureClientOutdated
	ConnectFailureBadUserAgent
)

type TempBanReason int

type ConnectFailure struct {
	Reason  ConnectFailureReason
	Message string
	Raw     interface{}
}

type ClientOutdated struct{}

type StreamError struct {
	Code string
	Raw  interface{}
}

// AuthClearRequired is emitted when the supervisor classifies a disconnect as requiring the
// application to wipe its credential store (§4.I / §7 "auth" error kind).
type AuthClearRequired struct {
	Code   int
	Reason string
}

// CredsUpdate signals the AuthenticationCreds have been mutated and should be persisted.
type CredsUpdate struct{}

// Messages and receipts.

type Message struct {
	Info           types.MessageInfo
	Message        *proto.Message
	IsEphemeral    bool
	IsViewOnce     bool
	IsViewOnceV2   bool
	IsDocumentWithCaption bool
	IsEdit         bool
	RetryCount     int
	UnavailableRequestID types.MessageID

	// RawMessage is the message payload as it arrived, before UnwrapRaw peels off any
	// DeviceSentMessage/ProtocolMessage wrapper into Message.
	RawMessage *proto.Message
	// SourceWebMsg is set when the event was produced by ParseWebMessage from a history sync blob
	// rather than a live "message" stanza.
	SourceWebMsg *proto.WebMessageInfo
}

// UnwrapRaw peels off the DeviceSentMessage wrapper WhatsApp puts around messages the user sent
// from another device, populating Message from RawMessage. It sets no flag for ProtocolMessage
// revocations or edits.
func (evt *Message) UnwrapRaw() {
	msg := evt.RawMessage
	if msg == nil {
		return
	}
	if dsm := msg.DeviceSentMessage; dsm != nil && dsm.Message != nil {
		msg = dsm.Message
	}
	if pm := msg.ProtocolMessage; pm != nil {
		switch pm.GetType() {
		case proto.ProtocolMessageRevoke:
			evt.IsEdit = false
		}
	}
	evt.Message = msg
}

// MessagesUpsertType distinguishes a batch replayed from the offline queue from one observed live.
type MessagesUpsertType string

const (
	UpsertTypeNotify MessagesUpsertType = "notify"
	UpsertTypeAppend MessagesUpsertType = "append"
)

type MessagesUpsert struct {
	Messages []*Message
	Type     MessagesUpsertType
}

type MessagesUpdate struct {
	Info   types.MessageInfo
	Status int
}

type UndecryptableMessage struct {
	Info            types.MessageInfo
	IsUnavailable   bool
	UnavailableType string
}

type Receipt struct {
	types.MessageSource
	MessageIDs    []types.MessageID
	Timestamp     time.Time
	Type          types.ReceiptType
	MessageSender types.JID
}

func (r *Receipt) IsInactive() bool {
	return r.Type == types.ReceiptTypeInactive
}

// Call events.

type CallOffer struct {
	types.BasicCallMeta
	types.CallRemoteMeta
	Data interface{}
}

type CallOfferNotice struct {
	types.BasicCallMeta
	Media string
	Type  string
	Data  interface{}
}

type CallRelayLatency struct {
	types.BasicCallMeta
	Data interface{}
}

type CallAccept struct {
	types.BasicCallMeta
	types.CallRemoteMeta
	Data interface{}
	// OfferIsVideo and OfferIsGroup are inherited from the original call offer for this call-id, if
	// it's still in the offer cache, rather than re-derived from this accept stanza.
	OfferIsVideo bool
	OfferIsGroup bool
}

type CallPreAccept struct {
	types.BasicCallMeta
	types.CallRemoteMeta
	Data interface{}
}

type CallTransport struct {
	types.BasicCallMeta
	types.CallRemoteMeta
	Data interface{}
}

type CallTerminate struct {
	types.BasicCallMeta
	Reason string
	Data   interface{}
	// OfferIsVideo and OfferIsGroup are inherited from the original call offer for this call-id, if
	// it's still in the offer cache, rather than re-derived from this terminate stanza.
	OfferIsVideo bool
	OfferIsGroup bool
}

type UnknownCallEvent struct {
	Data interface{}
}

// Groups.

type GroupInfo struct {
	types.GroupInfo
	Notify string
}

type GroupParticipantsUpdate struct {
	JID          types.JID
	Participants []types.JID
	Action       string
}

type JoinedGroup struct {
	Reason string
	types.GroupInfo
}

// History sync / chats / contacts — present in the engine's event surface per §6.4, with detailed
// payloads left to the application's history-sync decoder (out of scope; see SPEC_FULL.md).

type HistorySync struct {
	Data *proto.HistorySyncNotification
}

type OfflineSyncCompleted struct {
	Count int
}

type OfflineSyncPreview struct {
	Total int
}

type AppStateSyncComplete struct {
	Name string
}

type Blocklist struct {
	Action string
	JIDs   []types.JID
}

// IdentityChange is dispatched when a peer's identity key changes and AutoTrustIdentity handled it
// automatically (§4.D).
type IdentityChange struct {
	JID       types.JID
	Timestamp time.Time
	Implicit  bool
}

// ChatPresenceState is the kind of typing indicator carried by a <chatstate> stanza.
type ChatPresenceState string

const (
	ChatPresenceComposing ChatPresenceState = "composing"
	ChatPresencePaused    ChatPresenceState = "paused"
)

// ChatPresenceMedia distinguishes a plain-text typing indicator from a voice-note recording one.
type ChatPresenceMedia string

const (
	ChatPresenceMediaText  ChatPresenceMedia = ""
	ChatPresenceMediaAudio ChatPresenceMedia = "audio"
)

// ChatPresence is a typing/recording indicator from a chat, dispatched from the "chatstate" node.
type ChatPresence struct {
	types.MessageSource
	State ChatPresenceState
	Media ChatPresenceMedia
}

// Presence is an online/last-seen update for a contact, dispatched from the "presence" node.
type Presence struct {
	From        types.JID
	Unavailable bool
	LastSeen    time.Time
}
