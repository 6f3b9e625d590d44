// Package signalcipher wraps go.mau.fi/libsignal's session and group ciphers with the engine's
// own store.Device, per SPEC_FULL.md's §4.D (Session/Group Cipher) component.
package signalcipher

import (
	"context"

	"go.mau.fi/libsignal/ecc"
	groupRecord "go.mau.fi/libsignal/groups/state/record"
	"go.mau.fi/libsignal/keys/identity"
	"go.mau.fi/libsignal/keys/prekey"
	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/serialize"
	"go.mau.fi/libsignal/state/record"

	"github.com/go-whatsapp/whatsmeow/store"
	"github.com/go-whatsapp/whatsmeow/types"
)

// Serializer is the wire serializer every session/group builder and cipher in the engine is
// constructed with.
var Serializer = serialize.NewProtoBufSerializer()

// Store adapts *store.Device to every go.mau.fi/libsignal store interface (IdentityKeyStore,
// PreKeyStore, SignedPreKeyStore, SessionStore, SenderKeyStore) a session or group
// builder/cipher needs, translating between the library's *protocol.SignalAddress/SenderKeyName
// types and the plain strings/JIDs store.Device persists under.
type Store struct {
	*store.Device
}

func New(device *store.Device) *Store {
	return &Store{Device: device}
}

// Address builds the go.mau.fi/libsignal address a session/group builder or cipher needs from a
// JID, matching the "user.device" form store.Device's own session rows are keyed under.
func Address(jid types.JID) *protocol.SignalAddress {
	return protocol.NewSignalAddress(jid.User, uint32(jid.Device))
}

func (s *Store) GetIdentityKeyPair() *identity.KeyPair {
	pub := ecc.NewDjbECPublicKey(s.SignedIdentityKey.Pub)
	priv := ecc.NewDjbECPrivateKey(s.SignedIdentityKey.Priv)
	return identity.NewKeyPair(identity.NewKey(pub), priv)
}

func (s *Store) GetLocalRegistrationId() uint32 {
	return s.RegistrationID
}

func (s *Store) SaveIdentity(address *protocol.SignalAddress, key *identity.Key) bool {
	ctx := context.Background()
	existing, _ := s.Identity(ctx, address.String())
	replaced := existing != nil
	_ = s.PutIdentity(ctx, address.String(), key.PublicKey().PublicKey().Serialize())
	return replaced
}

// IsTrustedIdentity implements trust-on-first-use. A peer never seen before is always trusted; a
// rotated key for a known peer is only trusted when autoTrust is set, mirroring
// Client.AutoTrustIdentity (§4.H).
func (s *Store) IsTrustedIdentity(address *protocol.SignalAddress, key *identity.Key, autoTrust bool) bool {
	existing, _ := s.Identity(context.Background(), address.String())
	if existing == nil {
		return true
	}
	return autoTrust || string(existing) == string(key.PublicKey().PublicKey().Serialize())
}

func (s *Store) LoadPreKey(id uint32) *prekey.PreKeyRecord {
	pk, err := s.GetPreKey(context.Background(), id)
	if err != nil || pk == nil {
		return nil
	}
	pub := ecc.NewDjbECPublicKey(pk.Pub)
	priv := ecc.NewDjbECPrivateKey(pk.Priv)
	return prekey.NewPreKeyRecord(pk.KeyID, ecc.NewECKeyPair(pub, priv), Serializer.PreKeyRecord)
}

func (s *Store) StorePreKey(id uint32, rec *prekey.PreKeyRecord) {}

func (s *Store) ContainsPreKey(id uint32) bool {
	pk, _ := s.GetPreKey(context.Background(), id)
	return pk != nil
}

func (s *Store) RemovePreKey(id uint32) {
	_ = s.ConsumePreKey(context.Background(), id)
}

func (s *Store) LoadSignedPreKey(id uint32) *record.SignedPreKey {
	pub := ecc.NewDjbECPublicKey(s.SignedPreKey.Pub)
	priv := ecc.NewDjbECPrivateKey(s.SignedPreKey.Priv)
	var sig [64]byte
	if s.SignedPreKey.Signature != nil {
		sig = *s.SignedPreKey.Signature
	}
	return record.NewSignedPreKey(s.SignedPreKey.KeyID, 0, ecc.NewECKeyPair(pub, priv), sig[:], Serializer.SignedPreKeyRecord)
}

func (s *Store) LoadSignedPreKeys() []*record.SignedPreKey {
	return []*record.SignedPreKey{s.LoadSignedPreKey(s.SignedPreKey.KeyID)}
}

func (s *Store) StoreSignedPreKey(id uint32, rec *record.SignedPreKey) {}

func (s *Store) ContainsSignedPreKey(id uint32) bool {
	return s.SignedPreKey != nil && s.SignedPreKey.KeyID == id
}

func (s *Store) RemoveSignedPreKey(id uint32) {}

func (s *Store) LoadSession(address *protocol.SignalAddress) *record.Session {
	raw, err := s.GetSession(context.Background(), address.String())
	if err != nil || raw == nil {
		return record.NewSession(Serializer.Session, Serializer.State)
	}
	sess, err := record.NewSessionFromBytes(raw, Serializer.Session, Serializer.State)
	if err != nil {
		return record.NewSession(Serializer.Session, Serializer.State)
	}
	return sess
}

func (s *Store) GetSubDeviceSessions(name string) []uint32 {
	return nil
}

func (s *Store) StoreSession(address *protocol.SignalAddress, rec *record.Session) {
	_ = s.PutSession(context.Background(), address.String(), rec.Serialize())
}

func (s *Store) ContainsSession(address *protocol.SignalAddress) bool {
	return s.Device.ContainsSession(address.String())
}

func (s *Store) DeleteSession(address *protocol.SignalAddress) {
	_ = s.Device.DeleteSession(context.Background(), address.String())
}

func (s *Store) DeleteAllSessions(name string) {}

func senderKeyParts(name *protocol.SenderKeyName) (types.JID, string) {
	groupJID, _ := types.ParseJID(name.GroupID())
	return groupJID, name.Sender().String()
}

func (s *Store) StoreSenderKey(name *protocol.SenderKeyName, keyRecord *groupRecord.SenderKey) {
	groupJID, owner := senderKeyParts(name)
	_ = s.PutSenderKey(context.Background(), groupJID, owner, keyRecord.Serialize())
}

func (s *Store) LoadSenderKey(name *protocol.SenderKeyName) *groupRecord.SenderKey {
	groupJID, owner := senderKeyParts(name)
	raw, err := s.GetSenderKey(context.Background(), groupJID, owner)
	if err != nil || raw == nil {
		return groupRecord.NewSenderKeyRecord(Serializer.SenderKeySession, Serializer.SenderKeyState)
	}
	rec, err := groupRecord.NewSenderKeyRecordFromBytes(raw, Serializer.SenderKeySession, Serializer.SenderKeyState)
	if err != nil {
		return groupRecord.NewSenderKeyRecord(Serializer.SenderKeySession, Serializer.SenderKeyState)
	}
	return rec
}
