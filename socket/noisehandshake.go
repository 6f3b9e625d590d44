package socket

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/hkdf"

	"github.com/go-whatsapp/whatsmeow/util/keys"
)

// NoiseHandshake implements the Noise_XX_25519_AESGCM_SHA256 state machine: a running hash and
// chaining key that every DH result and handshake-payload mixes into, exactly as §4.B specifies.
type NoiseHandshake struct {
	hash []byte
	salt []byte
	key  cipher.AEAD

	nonce uint64
}

// Start seeds the running hash with SHA-256(protocolName) (padded to 32 bytes if shorter, hashed
// if longer) and mixes in the header bytes sent before the handshake begins.
func (nh *NoiseHandshake) Start(pattern string, header []byte) {
	if len(pattern) <= 32 {
		nh.hash = make([]byte, 32)
		copy(nh.hash, pattern)
	} else {
		h := sha256.Sum256([]byte(pattern))
		nh.hash = h[:]
	}
	nh.salt = nh.hash
	nh.key = newAESGCM(nh.hash)
	nh.Authenticate(header)
}

func newAESGCM(key []byte) cipher.AEAD {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	return gcm
}

// Authenticate mixes arbitrary bytes (handshake messages, handshake payloads) into the running
// hash without encrypting them.
func (nh *NoiseHandshake) Authenticate(data []byte) {
	h := sha256.Sum256(append(append([]byte{}, nh.hash...), data...))
	nh.hash = h[:]
}

// MixSharedSecretIntoKey runs HKDF(salt, dhResult) and replaces the symmetric key + salt, per Noise
// spec step 2 of "mix key".
func (nh *NoiseHandshake) MixSharedSecretIntoKey(dhResult []byte) error {
	output, err := nh.expand(dhResult)
	if err != nil {
		return err
	}
	nh.salt = output[:32]
	nh.key = newAESGCM(output[32:])
	nh.nonce = 0
	return nil
}

func (nh *NoiseHandshake) expand(ikm []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, nh.salt, nil)
	out := make([]byte, 64)
	if _, err := r.Read(out); err != nil {
		return nil, fmt.Errorf("hkdf expand failed: %w", err)
	}
	return out, nil
}

// Encrypt AEAD-encrypts plaintext with the current key, authenticating the running hash, and mixes
// the ciphertext into the hash (Noise's "EncryptAndHash").
func (nh *NoiseHandshake) Encrypt(plaintext []byte) []byte {
	ciphertext := nh.key.Seal(nil, nh.generateIV(), plaintext, nh.hash)
	nh.Authenticate(ciphertext)
	return ciphertext
}

func (nh *NoiseHandshake) Decrypt(ciphertext []byte) ([]byte, error) {
	plaintext, err := nh.key.Open(nil, nh.generateIV(), ciphertext, nh.hash)
	if err != nil {
		return nil, fmt.Errorf("noise: failed to decrypt handshake message: %w", err)
	}
	nh.Authenticate(ciphertext)
	return plaintext, nil
}

func (nh *NoiseHandshake) generateIV() []byte {
	iv := make([]byte, 12)
	iv[4] = byte(nh.nonce >> 56)
	iv[5] = byte(nh.nonce >> 48)
	iv[6] = byte(nh.nonce >> 40)
	iv[7] = byte(nh.nonce >> 32)
	iv[8] = byte(nh.nonce >> 24)
	iv[9] = byte(nh.nonce >> 16)
	iv[10] = byte(nh.nonce >> 8)
	iv[11] = byte(nh.nonce)
	nh.nonce++
	return iv
}

// Finish derives the post-handshake send/receive keys from the final chaining key, completing the
// XX pattern and handing back the plain AEAD ciphers NoiseSocket uses for ordinary frames.
func (nh *NoiseHandshake) Finish() (write, read cipher.AEAD, err error) {
	output, err := nh.expand(nil)
	if err != nil {
		return nil, nil, err
	}
	return newAESGCM(output[:32]), newAESGCM(output[32:]), nil
}

// DH performs X25519 between a local key pair and a remote public key, as every Noise XX step does.
func DH(local *keys.KeyPair, remotePub [32]byte) ([]byte, error) {
	return local.SharedSecret(remotePub)
}
