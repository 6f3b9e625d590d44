package socket

import (
	"context"
	"crypto/cipher"
	"fmt"
	"sync"
	"sync/atomic"

	waBinary "github.com/go-whatsapp/whatsmeow/binary"
)

// NoiseSocket wraps a FrameSocket with the post-handshake AEAD framing described in §4.B: every
// frame is length-prefixed then encrypted with a ratcheting nonce keyed by the handshake hash.
type NoiseSocket struct {
	fs *FrameSocket

	writeKey cipher.AEAD
	readKey  cipher.AEAD

	writeCounter atomic.Uint64
	readCounter  atomic.Uint64

	onFrame      FrameHandler
	onDisconnect NoiseDisconnectHandler

	stopOnce sync.Once
}

// NoiseDisconnectHandler is called once the post-handshake socket has torn down, with remote true
// if the peer closed the connection rather than the local Stop call.
type NoiseDisconnectHandler func(ns *NoiseSocket, remote bool)

// NewNoiseSocket takes ownership of an already-connected FrameSocket and the two AEAD ciphers
// produced by the completed handshake.
func NewNoiseSocket(fs *FrameSocket, writeKey, readKey cipher.AEAD, onFrame FrameHandler, onDisconnect NoiseDisconnectHandler) *NoiseSocket {
	ns := &NoiseSocket{fs: fs, writeKey: writeKey, readKey: readKey, onFrame: onFrame, onDisconnect: onDisconnect}
	fs.OnFrame = ns.receiveEncryptedFrame
	fs.OnDisconnect = func(_ *FrameSocket, remote bool) {
		if ns.onDisconnect != nil {
			ns.onDisconnect(ns, remote)
		}
	}
	return ns
}

func (ns *NoiseSocket) IsConnected() bool {
	return ns.fs.IsConnected()
}

func (ns *NoiseSocket) Context() context.Context {
	return ns.fs.Context()
}

func iv(counter uint64) []byte {
	b := make([]byte, 12)
	b[4] = byte(counter >> 56)
	b[5] = byte(counter >> 48)
	b[6] = byte(counter >> 40)
	b[7] = byte(counter >> 32)
	b[8] = byte(counter >> 24)
	b[9] = byte(counter >> 16)
	b[10] = byte(counter >> 8)
	b[11] = byte(counter)
	return b
}

// SendFrame encrypts a node payload (produced by binary.Pack(binary.Marshal(node))) and writes it
// through the underlying FrameSocket. The write path is already serialized by FrameSocket's
// writeLock, satisfying §5's single writer lane.
func (ns *NoiseSocket) SendFrame(plaintext []byte) error {
	counter := ns.writeCounter.Add(1) - 1
	ciphertext := ns.writeKey.Seal(nil, iv(counter), plaintext, nil)
	return ns.fs.SendFrame(ciphertext)
}

func (ns *NoiseSocket) receiveEncryptedFrame(ciphertext []byte) {
	counter := ns.readCounter.Add(1) - 1
	plaintext, err := ns.readKey.Open(nil, iv(counter), ciphertext, nil)
	if err != nil {
		// A MAC failure on the post-handshake frame stream is fatal to the connection (§7
		// "transport" error kind): further frames can't be trusted to be correctly counter-aligned.
		go ns.Stop(false)
		return
	}
	if ns.onFrame != nil {
		ns.onFrame(plaintext)
	}
}

func (ns *NoiseSocket) Stop(disconnect bool) {
	ns.stopOnce.Do(func() {
		if disconnect {
			ns.onDisconnect = nil
		}
		ns.fs.Close(0)
	})
}

// DecodeNode is a convenience used by callers that receive a decrypted frame: strip the flag byte
// and tokenized-binary-decode it into a Node.
func DecodeNode(data []byte) (waBinary.Node, error) {
	decompressed, err := waBinary.Unpack(data)
	if err != nil {
		return waBinary.Node{}, fmt.Errorf("failed to unpack frame: %w", err)
	}
	return waBinary.Unmarshal(decompressed)
}
