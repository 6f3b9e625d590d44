// Copyright (c) 2021 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package whatsmeow

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/libsignal/groups"
	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/session"
	"go.mau.fi/libsignal/signalerror"

	waBinary "github.com/go-whatsapp/whatsmeow/binary"
	waProto "github.com/go-whatsapp/whatsmeow/binary/proto"
	"github.com/go-whatsapp/whatsmeow/signalcipher"
	"github.com/go-whatsapp/whatsmeow/types"
	"github.com/go-whatsapp/whatsmeow/types/events"
)

// handleEncryptedMessage is the "message" node handler registered in NewClient. It either hands the
// stanza straight to the decrypt pipeline (live) or, when marked offline="true", routes it through
// the single-consumer offline queue so the two streams never interleave (§4.G).
func (cli *Client) handleEncryptedMessage(node *waBinary.Node) {
	info, err := cli.parseMessageInfo(node)
	if err != nil {
		cli.Log.Warnf("Failed to parse message: %v", err)
		return
	}
	if node.AttrGetter().OptionalString("offline") == "true" {
		cli.enqueueOfflineMessage(info, node)
		return
	}
	// One stanza can decrypt into several related events (the message itself, a receipt ack, a
	// creds update from a newly-learned device identity); buffer them into one frame so listeners
	// see a coherent snapshot instead of a partial one if they're still processing the last event.
	cli.bufferEvents(func() {
		cli.decryptMessages(info, node, false)
	})
}

func (cli *Client) parseMessageSource(node *waBinary.Node) (types.MessageSource, error) {
	var source types.MessageSource
	ag := node.AttrGetter()
	from := ag.JID("from")
	if !ag.OK() {
		return source, ag.Error()
	}
	switch {
	case from.Server == types.GroupServer || from.Server == types.BroadcastServer:
		source.IsGroup = true
		source.Chat = from
		source.Sender = ag.JID("participant")
		if !ag.OK() {
			return source, fmt.Errorf("didn't find valid participant attribute in group message: %w", ag.Error())
		}
		if source.Sender.User == cli.getOwnJID().User {
			source.IsFromMe = true
		}
		if from.Server == types.BroadcastServer {
			source.BroadcastListOwner = ag.OptionalJIDOrEmpty("recipient")
		}
	case from.User == cli.getOwnJID().User:
		source.IsFromMe = true
		source.Sender = from
		if recipient := ag.OptionalJIDOrEmpty("recipient"); !recipient.IsEmpty() {
			source.Chat = recipient
		} else {
			source.Chat = from.ToNonAD()
		}
	default:
		source.Chat = from.ToNonAD()
		source.Sender = from
	}
	return source, nil
}

func (cli *Client) parseMessageInfo(node *waBinary.Node) (*types.MessageInfo, error) {
	var info types.MessageInfo
	source, err := cli.parseMessageSource(node)
	if err != nil {
		return nil, err
	}
	info.MessageSource = source

	ag := node.AttrGetter()
	info.ID = ag.String("id")
	info.Timestamp = ag.UnixTime("t")
	if !ag.OK() {
		return nil, ag.Error()
	}
	info.PushName = ag.OptionalString("notify")
	info.Category = ag.OptionalString("category")
	return &info, nil
}

// decryptMessages runs the decrypt/fan-out pipeline for one "message" stanza: ack immediately, then
// (unless the flood guard rejects the sender) decrypt every <enc> child and dispatch the result.
// isOffline marks whether this stanza came off the offline queue rather than live. It is passed on
// to handleDecryptedMessage, which ignores it: both paths dispatch the same *events.Message, and
// that event carries no upsert type.
func (cli *Client) decryptMessages(info *types.MessageInfo, node *waBinary.Node, isOffline bool) {
	go cli.sendAck(node)

	if !cli.flood.Allow(info.Sender) {
		cli.Log.Warnf("Dropping message %s from %s: flood guard threshold exceeded", info.ID, info.Sender)
		return
	}

	children := node.GetChildren()
	if len(node.GetChildrenByTag("unavailable")) == len(children) && len(children) > 0 {
		cli.Log.Warnf("Unavailable message %s from %s", info.ID, info.SourceString())
		cli.placeholderResends.Set(info.ID, true)
		go cli.sendRetryReceipt(node, info, true)
		cli.dispatchEvent(&events.UndecryptableMessage{Info: *info, IsUnavailable: true})
		return
	}

	if placeholderSent, _ := cli.placeholderResends.Get(info.ID); placeholderSent {
		// The real envelope showed up before the 5s phone-resend window closed; no need to ask the
		// phone for it after all.
		cli.placeholderResends.Delete(info.ID)
		cli.cancelDelayedRequestFromPhone(info.ID)
	}

	cli.Log.Debugf("Decrypting %d messages from %s", len(children), info.SourceString())
	handled := false
	for _, child := range children {
		if child.Tag != "enc" {
			continue
		}
		encAg := child.AttrGetter()
		encType := encAg.OptionalString("type")

		var decrypted []byte
		var err error
		switch {
		case encType == "pkmsg" || encType == "msg":
			decrypted, err = cli.decryptDM(&child, info.Sender, encType == "pkmsg")
		case info.IsGroup && encType == "skmsg":
			decrypted, err = cli.decryptGroupMsg(&child, info.Sender, info.Chat)
		default:
			cli.Log.Warnf("Unhandled encrypted message (type %s) from %s", encType, info.SourceString())
			continue
		}
		if err != nil {
			cli.Log.Warnf("Error decrypting message from %s: %v", info.SourceString(), err)
			go cli.sendRetryReceipt(node, info, false)
			cli.dispatchEvent(&events.UndecryptableMessage{Info: *info, IsUnavailable: false})
			return
		}

		var msg waProto.Message
		if err = msg.Unmarshal(decrypted); err != nil {
			cli.Log.Warnf("Error unmarshaling decrypted message from %s: %v", info.SourceString(), err)
			continue
		}
		cli.handleDecryptedMessage(info, &msg, isOffline)
		handled = true
	}
	if handled {
		go cli.sendMessageReceipt(info)
	}
}

func (cli *Client) decryptDM(child *waBinary.Node, from types.JID, isPreKey bool) ([]byte, error) {
	content := child.ContentBytes()
	address := signalcipher.Address(from)
	builder := session.NewBuilderFromSignal(cli.signal, address, signalcipher.Serializer)
	cipher := session.NewCipher(builder, address)

	var plaintext []byte
	if isPreKey {
		preKeyMsg, err := protocol.NewPreKeySignalMessageFromBytes(content, signalcipher.Serializer.PreKeySignalMessage, signalcipher.Serializer.SignalMessage)
		if err != nil {
			return nil, fmt.Errorf("failed to parse prekey message: %w", err)
		}
		plaintext, _, err = cipher.DecryptMessageReturnKey(preKeyMsg)
		if errors.Is(err, signalerror.ErrUntrustedIdentity) {
			cli.Log.Warnf("Got %v decrypting prekey message from %s, clearing stored identity and retrying", err, from)
			_ = cli.signal.PutIdentity(context.Background(), address.String(), nil)
			_ = cli.Store.DeleteSession(context.Background(), address.String())
			cli.dispatchEvent(&events.IdentityChange{JID: from, Timestamp: time.Now(), Implicit: true})
			plaintext, _, err = cipher.DecryptMessageReturnKey(preKeyMsg)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt prekey message: %w", err)
		}
	} else {
		msg, err := protocol.NewSignalMessageFromBytes(content, signalcipher.Serializer.SignalMessage)
		if err != nil {
			return nil, fmt.Errorf("failed to parse normal message: %w", err)
		}
		plaintext, err = cipher.Decrypt(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt normal message: %w", err)
		}
	}
	return unpadMessage(plaintext)
}

func (cli *Client) decryptGroupMsg(child *waBinary.Node, from, chat types.JID) ([]byte, error) {
	content := child.ContentBytes()
	senderKeyName := protocol.NewSenderKeyName(chat.String(), signalcipher.Address(from))
	builder := groups.NewGroupSessionBuilder(cli.signal, signalcipher.Serializer)
	cipher := groups.NewGroupCipher(builder, senderKeyName, cli.signal)
	msg, err := protocol.NewSenderKeyMessageFromBytes(content, signalcipher.Serializer.SenderKeyMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to parse group message: %w", err)
	}
	plaintext, err := cipher.Decrypt(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt group message: %w", err)
	}
	return unpadMessage(plaintext)
}

func isValidPadding(plaintext []byte) bool {
	if len(plaintext) == 0 {
		return false
	}
	lastByte := plaintext[len(plaintext)-1]
	return lastByte > 0 && bytes.HasSuffix(plaintext, bytes.Repeat([]byte{lastByte}, int(lastByte)))
}

func unpadMessage(plaintext []byte) ([]byte, error) {
	if !isValidPadding(plaintext) {
		return nil, fmt.Errorf("plaintext doesn't have expected padding")
	}
	return plaintext[:len(plaintext)-int(plaintext[len(plaintext)-1])], nil
}

// padMessage appends a random-length [1,15] PKCS-style pad before encryption, per §4.D's "pad to a
// 16-byte-ish boundary" invariant.
func padMessage(plaintext []byte) []byte {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	b[0] &= 0xf
	if b[0] == 0 {
		b[0] = 0xf
	}
	return append(plaintext, bytes.Repeat(b[:], int(b[0]))...)
}

func (cli *Client) handleSenderKeyDistributionMessage(chat, from types.JID, rawSKDMsg *waProto.SenderKeyDistributionMessage) {
	builder := groups.NewGroupSessionBuilder(cli.signal, signalcipher.Serializer)
	senderKeyName := protocol.NewSenderKeyName(chat.String(), signalcipher.Address(from))
	sdkMsg, err := protocol.NewSenderKeyDistributionMessageFromBytes(rawSKDMsg.AxolotlSenderKeyDistributionMessage, signalcipher.Serializer.SenderKeyDistributionMessage)
	if err != nil {
		cli.Log.Errorf("Failed to parse sender key distribution message from %s for %s: %v", from, chat, err)
		return
	}
	builder.Process(senderKeyName, sdkMsg)
	cli.Log.Debugf("Processed sender key distribution message from %s in %s", from, chat)
}

// handleHistorySyncNotification only surfaces the notification as an event: downloading and
// decompressing the referenced blob is media HTTP transfer, out of scope per SPEC_FULL.md.
func (cli *Client) handleHistorySyncNotification(notif *waProto.HistorySyncNotification) {
	cli.Log.Debugf("Received history sync notification (%d bytes)", notif.GetFileLength())
	cli.dispatchEvent(&events.HistorySync{Data: notif})
}

func (cli *Client) handleProtocolMessage(info *types.MessageInfo, msg *waProto.Message) {
	protoMsg := msg.ProtocolMessage
	if protoMsg == nil {
		return
	}
	if protoMsg.HistorySyncNotification != nil && info.IsFromMe {
		cli.handleHistorySyncNotification(protoMsg.HistorySyncNotification)
		cli.sendProtocolMessageReceipt(info.ID, types.ReceiptTypeHistSync)
	}
	if info.Category == "peer" {
		cli.sendProtocolMessageReceipt(info.ID, types.ReceiptTypePeerMsg)
	}
}

func (cli *Client) handleDecryptedMessage(info *types.MessageInfo, msg *waProto.Message, isOffline bool) {
	evt := &events.Message{Info: *info, RawMessage: msg}

	if dsm := msg.DeviceSentMessage; dsm != nil && dsm.Message != nil {
		msg = dsm.Message
		evt.Info.DeviceSentMeta = &types.DeviceSentMeta{
			DestinationJID: dsm.GetDestinationJid(),
		}
	}

	if msg.SenderKeyDistributionMessage != nil {
		if !info.IsGroup {
			cli.Log.Warnf("Got sender key distribution message in non-group chat from %s", info.Sender)
		} else {
			cli.handleSenderKeyDistributionMessage(info.Chat, info.Sender, msg.SenderKeyDistributionMessage)
		}
	}
	if msg.ProtocolMessage != nil {
		go cli.handleProtocolMessage(info, msg)
	}

	evt.Message = msg
	_ = isOffline // the offline/live distinction only changes queue ordering, not the event shape
	cli.dispatchEvent(evt)
}

func (cli *Client) sendProtocolMessageReceipt(id types.MessageID, msgType types.ReceiptType) {
	if len(id) == 0 {
		return
	}
	ownID := cli.getOwnJID()
	if ownID.IsEmpty() {
		return
	}
	err := cli.sendNode(waBinary.Node{
		Tag: "receipt",
		Attrs: waBinary.Attrs{
			"id":   id,
			"type": string(msgType),
			"to":   ownID.ToNonAD(),
		},
	})
	if err != nil {
		cli.Log.Warnf("Failed to send acknowledgement for protocol message %s: %v", id, err)
	}
}

// sendMessageReceipt sends the normal delivery receipt for an incoming message. For messages we
// sent from another one of our own devices (IsFromMe) it sends a "sender" receipt instead, to let
// the phone know a linked device saw its own echo.
func (cli *Client) sendMessageReceipt(info *types.MessageInfo) {
	attrs := waBinary.Attrs{"id": info.ID}
	if info.IsFromMe {
		attrs["type"] = string(types.ReceiptTypeSender)
	}
	if info.IsGroup || !info.BroadcastListOwner.IsEmpty() {
		attrs["to"] = info.Chat
		attrs["participant"] = info.Sender
	} else {
		attrs["to"] = info.Sender
		if info.IsFromMe {
			attrs["recipient"] = info.Chat
		}
	}
	if err := cli.sendNode(waBinary.Node{Tag: "receipt", Attrs: attrs}); err != nil {
		cli.Log.Warnf("Failed to send receipt for %s: %v", info.ID, err)
	}
}

// sendAck acknowledges any stanza that expects one (message/call/receipt/notification), mirroring
// the tag being acked in the "class" attribute.
func (cli *Client) sendAck(node *waBinary.Node) {
	ag := node.AttrGetter()
	id := ag.OptionalString("id")
	if id == "" {
		return
	}
	attrs := waBinary.Attrs{
		"class": node.Tag,
		"id":    id,
		"to":    ag.JID("from"),
	}
	if participant, ok := node.Attrs["participant"]; ok {
		attrs["participant"] = participant
	}
	if recipient, ok := node.Attrs["recipient"]; ok {
		attrs["recipient"] = recipient
	}
	if err := cli.sendNode(waBinary.Node{Tag: "ack", Attrs: attrs}); err != nil {
		cli.Log.Warnf("Failed to send ack for %s: %v", id, err)
	}
}
