// Package store owns the credentials and keyed Signal stores described in SPEC_FULL.md §4.C: the
// only mutable state the engine persists across restarts.
package store

import (
	"github.com/go-whatsapp/whatsmeow/binary/proto"
	"github.com/go-whatsapp/whatsmeow/types"
	"github.com/go-whatsapp/whatsmeow/util/keys"
)

// AuthenticationCreds is the per-install credential set described in §3. It is created once by
// NewDevice/NewAuthenticationCreds and mutated over time by pairing and prekey-upload; RegistrationID is
// immutable after creation.
type AuthenticationCreds struct {
	NoiseKey                 *keys.KeyPair
	PairingEphemeralKeyPair  *keys.KeyPair
	SignedIdentityKey        *keys.KeyPair
	SignedPreKey             *keys.PreKey
	RegistrationID           uint32
	AdvSecretKey             []byte

	JID         *types.JID
	LID         *types.JID
	PushName    string
	BusinessName string

	Account *proto.ADVSignedDeviceIdentity
	Platform string

	NextPreKeyID            uint32
	FirstUnuploadedPreKeyID uint32

	ProcessedHistoryMessages []ProcessedHistoryMessage
	AccountSettings          AccountSettings
	RoutingInfo              []byte
	Registered               bool
	LastPropHash             string
}

type ProcessedHistoryMessage struct {
	Key       string
	Timestamp int64
}

type AccountSettings struct {
	UnarchiveChats bool
	DefaultDisappearingMode uint32
}

// NewAuthenticationCreds creates the one-time identity material for a fresh install: a noise key
// pair, a long-term identity key pair, a 14-bit registration id, and the signed prekey (id 1)
// signed by that identity key; nothing in the engine replaces it later.
func NewAuthenticationCreds() *AuthenticationCreds {
	identity := keys.NewKeyPair()
	signedPreKey := generateSignedPreKey(identity, 1)
	return &AuthenticationCreds{
		NoiseKey:                keys.NewKeyPair(),
		PairingEphemeralKeyPair: keys.NewKeyPair(),
		SignedIdentityKey:       identity,
		SignedPreKey:            signedPreKey,
		RegistrationID:          randomRegistrationID(),
		AdvSecretKey:            randomBytes(32),
		NextPreKeyID:            1,
		FirstUnuploadedPreKeyID: 1,
	}
}

func generateSignedPreKey(identity *keys.KeyPair, keyID uint32) *keys.PreKey {
	kp := keys.NewKeyPair()
	sig := signPreKey(identity, kp.Pub)
	return &keys.PreKey{KeyPair: *kp, KeyID: keyID, Signature: &sig}
}
