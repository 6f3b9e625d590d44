package whatsmeow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mau.fi/libsignal/groups"
	"go.mau.fi/libsignal/keys/prekey"
	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/session"

	waBinary "github.com/go-whatsapp/whatsmeow/binary"
	waProto "github.com/go-whatsapp/whatsmeow/binary/proto"
	"github.com/go-whatsapp/whatsmeow/signalcipher"
	"github.com/go-whatsapp/whatsmeow/types"
)

// GenerateMessageID returns a fresh client-generated message id in WhatsApp's own "3EB0"-prefixed
// hex form (20 random bytes, uppercase hex, matching the 44-character convention real clients use).
func GenerateMessageID() types.MessageID {
	var id [20]byte
	if _, err := rand.Read(id[:]); err != nil {
		panic(err)
	}
	return "3EB0" + strings.ToUpper(hex.EncodeToString(id[:]))
}

// SendRequestExtra carries the non-default options SendMessage accepts; the zero value sends
// normally with a generated id.
type SendRequestExtra struct {
	// ID overrides the generated message id, e.g. to resend with the original id.
	ID types.MessageID
	// Peer marks a request sent directly to one device outside the normal participant fan-out,
	// such as BuildUnavailableMessageRequest's request-from-phone message (§4.H).
	Peer bool
}

// SendResponse is returned by SendMessage on success.
type SendResponse struct {
	Timestamp time.Time
	ID        types.MessageID
}

// SendMessage encrypts msg and sends it to the given chat: a DM fans out to both ends' devices, a
// group fans out to every participant's devices via a sender-key message (§4.H).
func (cli *Client) SendMessage(ctx context.Context, to types.JID, message *waProto.Message, extra ...SendRequestExtra) (SendResponse, error) {
	var req SendRequestExtra
	if len(extra) > 0 {
		req = extra[0]
	}
	if to.Device != 0 {
		return SendResponse{}, fmt.Errorf("message recipient must not have a device set")
	}
	id := req.ID
	if id == "" {
		id = GenerateMessageID()
	}

	cli.messageSendLock.Lock()
	defer cli.messageSendLock.Unlock()

	var err error
	if to.Server == types.GroupServer {
		err = cli.sendGroup(ctx, to, id, message)
	} else {
		err = cli.sendDM(ctx, to, id, message, req.Peer)
	}
	if err != nil {
		return SendResponse{}, err
	}
	if !req.Peer {
		cli.addRecentMessage(to, id, message)
	}
	return SendResponse{Timestamp: time.Now(), ID: id}, nil
}

func (cli *Client) sendDM(ctx context.Context, to types.JID, id types.MessageID, message *waProto.Message, peer bool) error {
	messagePlaintext, dsmPlaintext, err := marshalMessage(to, message)
	if err != nil {
		return err
	}

	var allDevices []types.JID
	if peer {
		allDevices = []types.JID{to}
	} else {
		allDevices, err = cli.GetUSyncDevices(ctx, []types.JID{to, cli.getOwnJID().ToNonAD()}, false)
		if err != nil {
			return fmt.Errorf("failed to get device list: %w", err)
		}
	}
	participantNodes, includeIdentity := cli.encryptMessageForDevices(ctx, allDevices, id, messagePlaintext, dsmPlaintext)

	attrs := waBinary.Attrs{"id": id, "type": "text", "to": to}
	if peer {
		attrs["category"] = "peer"
	}
	node := waBinary.Node{
		Tag:   "message",
		Attrs: attrs,
		Content: []waBinary.Node{{
			Tag:     "participants",
			Content: participantNodes,
		}},
	}
	if includeIdentity {
		if err := cli.appendDeviceIdentityNode(&node); err != nil {
			return err
		}
	}
	if err := cli.sendNode(node); err != nil {
		return fmt.Errorf("failed to send message node: %w", err)
	}
	return nil
}

func (cli *Client) sendGroup(ctx context.Context, to types.JID, id types.MessageID, message *waProto.Message) error {
	groupInfo, err := cli.GetGroupInfo(to)
	if err != nil {
		return fmt.Errorf("failed to get group info: %w", err)
	}
	plaintext, _, err := marshalMessage(to, message)
	if err != nil {
		return err
	}

	ownID := cli.getOwnJID()
	builder := groups.NewGroupSessionBuilder(cli.signal, signalcipher.Serializer)
	senderKeyName := protocol.NewSenderKeyName(to.String(), signalcipher.Address(ownID))
	signalSKDMessage, err := builder.Create(senderKeyName)
	if err != nil {
		return fmt.Errorf("failed to create sender key distribution message to send %s to %s: %w", id, to, err)
	}
	skdMessage := &waProto.Message{
		SenderKeyDistributionMessage: &waProto.SenderKeyDistributionMessage{
			GroupId:                             waProto.String(to.String()),
			AxolotlSenderKeyDistributionMessage: signalSKDMessage.Serialize(),
		},
	}
	skdPlaintext, err := waProto.Marshal(skdMessage)
	if err != nil {
		return fmt.Errorf("failed to marshal sender key distribution message to send %s to %s: %w", id, to, err)
	}

	cipher := groups.NewGroupCipher(builder, senderKeyName, cli.signal)
	encrypted, err := cipher.Encrypt(padMessage(plaintext))
	if err != nil {
		return fmt.Errorf("failed to encrypt group message to send %s to %s: %w", id, to, err)
	}
	ciphertext := encrypted.SignedSerialize()

	participants := make([]types.JID, len(groupInfo.Participants))
	participantStrings := make([]string, len(groupInfo.Participants))
	for i, part := range groupInfo.Participants {
		participants[i] = part.JID
		participantStrings[i] = part.JID.String()
	}

	allDevices, err := cli.GetUSyncDevices(ctx, participants, false)
	if err != nil {
		return fmt.Errorf("failed to get device list: %w", err)
	}
	participantNodes, includeIdentity := cli.encryptMessageForDevices(ctx, allDevices, id, skdPlaintext, nil)

	node := waBinary.Node{
		Tag: "message",
		Attrs: waBinary.Attrs{
			"id":    id,
			"type":  "text",
			"to":    to,
			"phash": participantListHash(participantStrings),
		},
		Content: []waBinary.Node{
			{Tag: "participants", Content: participantNodes},
			{Tag: "enc", Content: ciphertext, Attrs: waBinary.Attrs{"v": "2", "type": "skmsg"}},
		},
	}
	if includeIdentity {
		if err := cli.appendDeviceIdentityNode(&node); err != nil {
			return err
		}
	}
	if err := cli.sendNode(node); err != nil {
		return fmt.Errorf("failed to send message node: %w", err)
	}
	return nil
}

// participantListHash mirrors the server's "phash" check: a short digest of the sorted participant
// list, letting the server tell us our device-list view of the group is stale.
func participantListHash(participants []string) string {
	sorted := append([]string(nil), participants...)
	sort.Strings(sorted)
	hash := sha256.Sum256([]byte(strings.Join(sorted, "")))
	return "2:" + base64.RawStdEncoding.EncodeToString(hash[:6])
}

// marshalMessage renders msg to plaintext, plus (for a non-group recipient) a second plaintext
// wrapped in a DeviceSentMessage for fan-out to the sender's own other devices.
func marshalMessage(to types.JID, message *waProto.Message) (plaintext, dsmPlaintext []byte, err error) {
	plaintext, err = waProto.Marshal(message)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	if to.Server != types.GroupServer {
		dsmPlaintext, err = waProto.Marshal(&waProto.Message{
			DeviceSentMessage: &waProto.DeviceSentMessage{
				DestinationJid: waProto.String(to.String()),
				Message:        message,
			},
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal message for own devices: %w", err)
		}
	}
	return plaintext, dsmPlaintext, nil
}

// encryptMessageForDevices fans plaintext out to every device, fetching prekey bundles for any
// device we don't already have a session with and retrying those once the bundles arrive.
func (cli *Client) encryptMessageForDevices(ctx context.Context, allDevices []types.JID, id types.MessageID, msgPlaintext, dsmPlaintext []byte) ([]waBinary.Node, bool) {
	includeIdentity := false
	ownUser := cli.getOwnJID().User
	participantNodes := make([]waBinary.Node, 0, len(allDevices))
	var retryDevices []types.JID
	for _, jid := range allDevices {
		plaintext := msgPlaintext
		if jid.User == ownUser && dsmPlaintext != nil {
			plaintext = dsmPlaintext
		}
		encrypted, isPreKey, err := cli.encryptMessageForDevice(plaintext, jid, nil, nil)
		if errors.Is(err, ErrNoSession) {
			retryDevices = append(retryDevices, jid)
			continue
		} else if err != nil {
			cli.Log.Warnf("Failed to encrypt %s for %s: %v", id, jid, err)
			continue
		}
		participantNodes = append(participantNodes, wrapEncForDevice(jid, encrypted))
		if isPreKey {
			includeIdentity = true
		}
	}
	if len(retryDevices) > 0 {
		bundles, err := cli.fetchPreKeys(ctx, retryDevices)
		if err != nil {
			cli.Log.Warnf("Failed to fetch prekeys for %v to retry encryption: %v", retryDevices, err)
		} else {
			for _, jid := range retryDevices {
				resp := bundles[jid]
				if resp.err != nil {
					cli.Log.Warnf("Failed to fetch prekey for %s: %v", jid, resp.err)
					continue
				}
				plaintext := msgPlaintext
				if jid.User == ownUser && dsmPlaintext != nil {
					plaintext = dsmPlaintext
				}
				encrypted, isPreKey, err := cli.encryptMessageForDevice(plaintext, jid, resp.bundle, nil)
				if err != nil {
					cli.Log.Warnf("Failed to encrypt %s for %s (retry): %v", id, jid, err)
					continue
				}
				participantNodes = append(participantNodes, wrapEncForDevice(jid, encrypted))
				if isPreKey {
					includeIdentity = true
				}
			}
		}
	}
	return participantNodes, includeIdentity
}

func wrapEncForDevice(jid types.JID, enc *waBinary.Node) waBinary.Node {
	return waBinary.Node{
		Tag:     "to",
		Attrs:   waBinary.Attrs{"jid": jid},
		Content: []waBinary.Node{*enc},
	}
}

// encryptMessageForDevice encrypts plaintext for one device's Signal session, installing bundle
// first if we don't have a session yet. The returned node is the bare "enc" element; callers that
// fan out to several devices wrap it themselves (wrapEncForDevice), while a single-recipient retry
// send (retry.go) uses it directly.
func (cli *Client) encryptMessageForDevice(plaintext []byte, to types.JID, bundle *prekey.Bundle, extraAttrs waBinary.Attrs) (*waBinary.Node, bool, error) {
	address := signalcipher.Address(to)
	builder := session.NewBuilderFromSignal(cli.signal, address, signalcipher.Serializer)
	if !cli.signal.ContainsSession(address) {
		if bundle == nil {
			return nil, false, ErrNoSession
		}
		if err := builder.ProcessBundle(bundle); err != nil {
			return nil, false, fmt.Errorf("failed to process prekey bundle: %w", err)
		}
	}
	cipher := session.NewCipher(builder, address)
	ciphertext, err := cipher.Encrypt(padMessage(plaintext))
	if err != nil {
		return nil, false, fmt.Errorf("cipher encryption failed: %w", err)
	}

	encType := "msg"
	if ciphertext.Type() == protocol.PREKEY_TYPE {
		encType = "pkmsg"
	}

	attrs := waBinary.Attrs{"v": "2", "type": encType}
	for k, v := range extraAttrs {
		attrs[k] = v
	}
	return &waBinary.Node{Tag: "enc", Attrs: attrs, Content: ciphertext.Serialize()}, encType == "pkmsg", nil
}

// appendDeviceIdentityNode attaches our signed device identity, required on any message that
// introduces a brand-new prekey session so the recipient can verify our identity key.
func (cli *Client) appendDeviceIdentityNode(node *waBinary.Node) error {
	deviceIdentity, err := waProto.Marshal(cli.Store.Account)
	if err != nil {
		return fmt.Errorf("failed to marshal device identity: %w", err)
	}
	node.Content = append(node.GetChildren(), waBinary.Node{
		Tag:     "device-identity",
		Content: deviceIdentity,
	})
	return nil
}

// getMessageContent builds the children of an outgoing <message> node for a single-recipient send
// (retry.go's resend path): the enc node, plus our device identity when a brand-new session was
// just created.
func (cli *Client) getMessageContent(encrypted waBinary.Node, msg *waProto.Message, attrs waBinary.Attrs, includeDeviceIdentity bool) interface{} {
	content := []waBinary.Node{encrypted}
	if includeDeviceIdentity {
		deviceIdentity, err := waProto.Marshal(cli.Store.Account)
		if err != nil {
			cli.Log.Errorf("Failed to marshal device identity for retry message: %v", err)
		} else {
			content = append(content, waBinary.Node{Tag: "device-identity", Content: deviceIdentity})
		}
	}
	return content
}

// getTypeFromMessage and getMediaTypeFromMessage always return the "text"/"" pair: the hand-rolled
// Message type the engine decodes models no media payloads (media HTTP transfer is out of scope).
func getTypeFromMessage(msg *waProto.Message) string {
	return "text"
}

func getMediaTypeFromMessage(msg *waProto.Message) string {
	return ""
}

// GetUSyncDevices resolves the full device list for a set of users via a usync query, caching
// results per non-AD user until invalidated by a "devices" notification (§4.H).
func (cli *Client) GetUSyncDevices(ctx context.Context, jids []types.JID, ignorePrimary bool) ([]types.JID, error) {
	byUser := make(map[types.JID][]types.JID)
	var toResolve []types.JID
	for _, jid := range jids {
		key := jid.ToNonAD()
		if devices, ok := cli.userDevicesCache.Load(key); ok {
			byUser[key] = devices
			continue
		}
		toResolve = append(toResolve, key)
	}
	if len(toResolve) > 0 {
		resolved, err := cli.usyncGetDevices(toResolve)
		if err != nil {
			return nil, err
		}
		for user, devices := range resolved {
			cli.userDevicesCache.Store(user, devices)
			byUser[user] = devices
		}
	}

	ownID := cli.getOwnJID()
	var out []types.JID
	for _, devices := range byUser {
		for _, d := range devices {
			if ignorePrimary && d.Device == 0 {
				continue
			}
			if d.Equals(ownID) {
				continue
			}
			out = append(out, d)
		}
	}
	return out, nil
}

func (cli *Client) usyncGetDevices(users []types.JID) (map[types.JID][]types.JID, error) {
	userList := make([]waBinary.Node, len(users))
	for i, jid := range users {
		userList[i] = waBinary.Node{Tag: "user", Attrs: waBinary.Attrs{"jid": jid}}
	}
	res, err := cli.sendIQ(infoQuery{
		Namespace: "usync",
		Type:      iqGet,
		To:        types.ServerJID,
		Content: []waBinary.Node{{
			Tag: "usync",
			Attrs: waBinary.Attrs{
				"sid":     cli.generateRequestID(),
				"mode":    "query",
				"last":    "true",
				"index":   "0",
				"context": "message",
			},
			Content: []waBinary.Node{
				{Tag: "query", Content: []waBinary.Node{{Tag: "devices", Attrs: waBinary.Attrs{"version": "2"}}}},
				{Tag: "list", Content: userList},
			},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send usync query: %w", err)
	}
	usyncNode, ok := res.GetOptionalChildByTag("usync")
	if !ok {
		return nil, &ElementMissingError{Tag: "usync", In: "usync response"}
	}
	list, ok := usyncNode.GetOptionalChildByTag("list")
	if !ok {
		return nil, &ElementMissingError{Tag: "list", In: "usync response"}
	}

	out := make(map[types.JID][]types.JID, len(users))
	for _, user := range list.GetChildren() {
		if user.Tag != "user" {
			continue
		}
		jid, ok := user.Attrs["jid"].(types.JID)
		if !ok {
			continue
		}
		deviceList, ok := user.GetOptionalChildByTag("devices", "device-list")
		var devices []types.JID
		if ok {
			for _, device := range deviceList.GetChildren() {
				if device.Tag != "device" {
					continue
				}
				deviceID := device.AttrGetter().OptionalInt("id")
				devices = append(devices, types.NewADJID(jid.User, 0, uint16(deviceID), jid.Server))
			}
		}
		out[jid] = devices
	}
	return out, nil
}

// BuildUnavailableMessageRequest builds the peer-data-request protocol message
// delayedRequestMessageFromPhone sends when an incoming message couldn't be decrypted, asking the
// phone to resend it (§4.G retry path).
func (cli *Client) BuildUnavailableMessageRequest(chat, sender types.JID, id types.MessageID) *waProto.Message {
	msgType := waProto.ProtocolMessagePeerDataRequest
	return &waProto.Message{
		ProtocolMessage: &waProto.ProtocolMessage{
			Type: &msgType,
			Key: &waProto.MessageKey{
				RemoteJid:   waProto.String(chat.String()),
				FromMe:      waProto.Bool(sender.User == cli.getOwnJID().User),
				Id:          waProto.String(id),
				Participant: waProto.String(sender.String()),
			},
		},
	}
}
