package whatsmeow

import (
	"context"
	"fmt"
	"time"

	"go.mau.fi/libsignal/ecc"
	"go.mau.fi/libsignal/keys/identity"
	"go.mau.fi/libsignal/keys/prekey"

	waBinary "github.com/go-whatsapp/whatsmeow/binary"
	"github.com/go-whatsapp/whatsmeow/types"
	"github.com/go-whatsapp/whatsmeow/util/keys"
)

// wantedPreKeyCount is the one-time prekey pool size the server is told to keep topped up to;
// an "encrypt" notification reporting fewer than this triggers a refill.
const wantedPreKeyCount = 50

// minPreKeyUploadInterval rate-limits refills so a flaky or adversarial low-count report can't
// spin the client into uploading prekeys in a tight loop.
const minPreKeyUploadInterval = 10 * time.Second

func uint32To3Bytes(v uint32) []byte {
	return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
}

func uint32To4Bytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// preKeyResp is one device's usync "key" reply, either a usable bundle or the error encountered
// parsing it (a missing bundle most commonly means the device has no more one-time prekeys left).
type preKeyResp struct {
	bundle *prekey.Bundle
	err    error
}

// fetchPreKeys requests prekey bundles for the given devices in a single iq, per §4.D's "resolve
// recipient devices, then fetch one bundle per device missing a session" flow.
func (cli *Client) fetchPreKeys(ctx context.Context, devices []types.JID) (map[types.JID]preKeyResp, error) {
	results := make(map[types.JID]preKeyResp, len(devices))
	if len(devices) == 0 {
		return results, nil
	}
	requests := make([]waBinary.Node, len(devices))
	for i, jid := range devices {
		requests[i] = waBinary.Node{
			Tag:   "user",
			Attrs: waBinary.Attrs{"jid": jid},
		}
	}
	resp, err := cli.sendIQ(infoQuery{
		Namespace: "encrypt",
		Type:      iqGet,
		To:        types.ServerJID,
		Content: []waBinary.Node{{
			Tag:     "key",
			Content: requests,
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send prekey request: %w", err)
	}
	list, ok := resp.GetOptionalChildByTag("list")
	if !ok {
		return nil, &ElementMissingError{Tag: "list", In: "prekey response"}
	}
	for _, user := range list.GetChildren() {
		jid, jidOK := user.Attrs["jid"].(types.JID)
		if !jidOK {
			continue
		}
		bundle, err := nodeToPreKeyBundle(uint32(jid.Device), user)
		results[jid] = preKeyResp{bundle: bundle, err: err}
	}
	return results, nil
}

// preKeyToNode renders a one-time or signed prekey as the <key>/<skey> node the "keys" stanza in a
// retry receipt or prekey upload expects; signed keys additionally carry their signature.
func preKeyToNode(key *keys.PreKey) waBinary.Node {
	node := waBinary.Node{
		Tag: "key",
		Content: []waBinary.Node{
			{Tag: "id", Content: uint32To3Bytes(key.KeyID)},
			{Tag: "value", Content: key.Pub[:]},
		},
	}
	if key.Signature != nil {
		node.Tag = "skey"
		node.Content = append(node.GetChildren(), waBinary.Node{Tag: "signature", Content: key.Signature[:]})
	}
	return node
}

// nodeToPreKeyBundle decodes a <key>/<skey>/<registration>/<type>/<identity> bundle from a usync
// "key" response into the shape go.mau.fi/libsignal's session builder wants.
func nodeToPreKeyBundle(deviceID uint32, node waBinary.Node) (*prekey.Bundle, error) {
	errorNode, ok := node.GetOptionalChildByTag("error")
	if ok {
		return nil, fmt.Errorf("got error getting prekeys: %s", errorNode.XMLString())
	}

	keysNode, ok := node.GetOptionalChildByTag("keys")
	if !ok {
		keysNode = node
	}

	registrationBytes, ok := keysNode.GetChildByTag("registration").Content.([]byte)
	if !ok || len(registrationBytes) != 4 {
		return nil, fmt.Errorf("missing or invalid registration ID in prekey bundle")
	}
	var registrationID uint32
	for _, b := range registrationBytes {
		registrationID = registrationID<<8 | uint32(b)
	}

	identityKeyRaw, ok := keysNode.GetChildByTag("identity").Content.([]byte)
	if !ok || len(identityKeyRaw) != 32 {
		return nil, fmt.Errorf("missing or invalid identity key in prekey bundle")
	}
	identityKey := identity.NewKey(ecc.NewDjbECPublicKey([32]byte(identityKeyRaw)))

	preKeyNode, hasPreKey := keysNode.GetOptionalChildByTag("key")
	signedPreKeyNode, hasSignedPreKey := keysNode.GetOptionalChildByTag("skey")
	if !hasSignedPreKey {
		return nil, &ElementMissingError{Tag: "skey", In: "prekey bundle"}
	}
	signedPreKeyID, signedPreKeyPub, err := parsePreKeyNode(signedPreKeyNode)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signed prekey: %w", err)
	}
	signature, ok := signedPreKeyNode.GetChildByTag("signature").Content.([]byte)
	if !ok || len(signature) != 64 {
		return nil, fmt.Errorf("missing or invalid signed prekey signature")
	}

	var preKeyID uint32
	var preKeyPub ecc.ECPublicKeyable
	if hasPreKey {
		preKeyID, preKeyPub, err = parsePreKeyNode(preKeyNode)
		if err != nil {
			return nil, fmt.Errorf("failed to parse one-time prekey: %w", err)
		}
	}

	var sig [64]byte
	copy(sig[:], signature)
	return prekey.NewBundle(registrationID, deviceID, preKeyID, signedPreKeyID, preKeyPub, signedPreKeyPub, sig, identityKey), nil
}

// uploadPreKeys tops up the server's one-time prekey pool after an "encrypt" notification reports
// the count has fallen below wantedPreKeyCount, per §4.D.
func (cli *Client) uploadPreKeys() {
	cli.uploadPreKeysLock.Lock()
	defer cli.uploadPreKeysLock.Unlock()
	if time.Since(cli.lastPreKeyUpload) < minPreKeyUploadInterval {
		return
	}
	var nodes []waBinary.Node
	for cli.Store.UploadedPreKeyCount() < wantedPreKeyCount {
		key, err := cli.Store.GenOnePreKey()
		if err != nil {
			cli.Log.Errorf("Failed to generate prekey to upload: %v", err)
			return
		}
		nodes = append(nodes, preKeyToNode(key))
	}
	if len(nodes) == 0 {
		return
	}
	_, err := cli.sendIQ(infoQuery{
		Namespace: "encrypt",
		Type:      iqSet,
		To:        types.ServerJID,
		Content: []waBinary.Node{
			{Tag: "registration", Content: uint32To4Bytes(cli.Store.RegistrationID)},
			{Tag: "type", Content: []byte{ecc.DjbType}},
			{Tag: "identity", Content: cli.Store.SignedIdentityKey.Pub[:]},
			{Tag: "list", Content: nodes},
			preKeyToNode(cli.Store.SignedPreKey),
		},
	})
	if err != nil {
		cli.Log.Errorf("Failed to upload prekeys: %v", err)
		return
	}
	cli.Store.MarkPreKeysUploaded(cli.Store.NextPreKeyID)
	cli.lastPreKeyUpload = time.Now()
	cli.Log.Infof("Uploaded %d prekeys", len(nodes))
}

func parsePreKeyNode(node waBinary.Node) (uint32, ecc.ECPublicKeyable, error) {
	idChild, ok := node.GetOptionalChildByTag("id")
	if !ok {
		return 0, nil, &ElementMissingError{Tag: "id", In: "prekey"}
	}
	idBytes, ok := idChild.Content.([]byte)
	if !ok || len(idBytes) != 3 {
		return 0, nil, fmt.Errorf("invalid prekey id")
	}
	var id uint32
	for _, b := range idBytes {
		id = id<<8 | uint32(b)
	}
	pubChild, ok := node.GetOptionalChildByTag("value")
	if !ok {
		return 0, nil, &ElementMissingError{Tag: "value", In: "prekey"}
	}
	pubBytes, ok := pubChild.Content.([]byte)
	if !ok || len(pubBytes) != 32 {
		return 0, nil, fmt.Errorf("invalid prekey public value")
	}
	return id, ecc.NewDjbECPublicKey([32]byte(pubBytes)), nil
}
