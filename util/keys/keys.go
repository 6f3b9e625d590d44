// Package keys contains the X25519 key pair helpers used by the Noise handshake, the Signal
// identity/prekeys, and the credential store.
package keys

import (
	"crypto/rand"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is a Curve25519 key pair. Pub is clamped the way X25519 requires; Priv is kept as
// generated (clamping happens inside curve25519.X25519 on use, matching libsignal's ecc package).
type KeyPair struct {
	Pub  [32]byte
	Priv [32]byte
}

// NewKeyPair generates a fresh X25519 key pair.
func NewKeyPair() *KeyPair {
	var priv [32]byte
	_, err := rand.Read(priv[:])
	if err != nil {
		panic(err)
	}
	return newKeyPairFromPrivate(priv)
}

func newKeyPairFromPrivate(priv [32]byte) *KeyPair {
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		panic(err)
	}
	var pubArr [32]byte
	copy(pubArr[:], pub)
	return &KeyPair{Pub: pubArr, Priv: priv}
}

// FromPrivateKey rebuilds a KeyPair from a stored private scalar, recomputing the public point.
// Used when loading credentials back out of a SignalKeyStore.
func FromPrivateKey(priv [32]byte) *KeyPair {
	return newKeyPairFromPrivate(priv)
}

// SharedSecret performs X25519 Diffie-Hellman between this key pair's private scalar and a peer's
// public point.
func (kp *KeyPair) SharedSecret(pub [32]byte) ([]byte, error) {
	return curve25519.X25519(kp.Priv[:], pub[:])
}

// PreKey is a one-time or signed prekey: an X25519 key pair plus the numeric id the server
// correlates it by, and (for signed prekeys) the identity-key signature over the public point.
type PreKey struct {
	KeyPair
	KeyID     uint32
	Signature *[64]byte
}
