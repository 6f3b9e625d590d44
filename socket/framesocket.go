// Package socket implements the WebSocket transport and Noise XX handshake: §4.B of SPEC_FULL.md.
package socket

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	waLog "github.com/go-whatsapp/whatsmeow/util/log"
)

const (
	URL    = "wss://web.whatsapp.com/ws/chat"
	Origin = "https://web.whatsapp.com"

	FrameMaxSize   = 2 << 23
	FrameLengthSize = 3
)

// WAConnHeader is sent once, immediately after the socket opens and before any framed node, so the
// server knows which wire version this client speaks.
var WAConnHeader = []byte{'W', 'A', 6, 2}

// Proxy matches http.Transport's Proxy field shape so the same function can be reused for the
// WebSocket dialer and the (out of scope) media HTTP client.
type Proxy = func(*http.Request) (*url.URL, error)

// FrameHandler is called once per fully-received length-prefixed frame, with the frame payload
// (still Noise-encrypted until a NoiseSocket is layered on top).
type FrameHandler func(data []byte)
type DisconnectHandler func(socket *FrameSocket, remote bool)

// FrameSocket owns the raw WebSocket connection and the 3-byte-length framing described in
// SPEC_FULL.md's Noise Transport section. It knows nothing about encryption; NoiseSocket layers
// that on top once the handshake completes.
type FrameSocket struct {
	conn   *websocket.Conn
	log    waLog.Logger
	header []byte
	proxy  Proxy

	OnFrame      FrameHandler
	OnDisconnect DisconnectHandler

	writeLock sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	incompleteLength int
	incompleteBuf    []byte
}

func NewFrameSocket(log waLog.Logger, header []byte, proxy Proxy) *FrameSocket {
	return &FrameSocket{log: log, header: header, proxy: proxy}
}

func (fs *FrameSocket) IsConnected() bool {
	return fs.conn != nil
}

func (fs *FrameSocket) Context() context.Context {
	return fs.ctx
}

// Connect dials the WebSocket endpoint, sends the version header, and starts the single reader
// loop. Per §5, there is exactly one reader task per connection.
func (fs *FrameSocket) Connect() error {
	if fs.conn != nil {
		return ErrSocketAlreadyOpen
	}
	fs.ctx, fs.cancel = context.WithCancel(context.Background())
	dialer := websocket.Dialer{
		HandshakeTimeout: 20 * time.Second,
		Proxy:            fs.proxy,
	}
	header := http.Header{"Origin": {Origin}}
	conn, _, err := dialer.DialContext(fs.ctx, URL, header)
	if err != nil {
		return fmt.Errorf("failed to dial websocket: %w", err)
	}
	fs.conn = conn
	conn.SetCloseHandler(func(code int, text string) error {
		fs.log.Debugf("Websocket closed (%d, %s)", code, text)
		go fs.close(code, true)
		return nil
	})
	if _, err = conn.UnderlyingConn().Write(fs.header); err != nil {
		fs.Close(0)
		return fmt.Errorf("failed to send header: %w", err)
	}
	go fs.readPump()
	return nil
}

func (fs *FrameSocket) readPump() {
	for {
		_, msg, err := fs.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err) {
				fs.log.Warnf("Unexpected websocket close: %v", err)
			}
			go fs.close(websocket.CloseAbnormalClosure, true)
			return
		}
		fs.framePump(msg)
	}
}

// framePump splits a WS message into one or more length-prefixed frames, accumulating a partial
// frame across messages the same way the upstream client does.
func (fs *FrameSocket) framePump(data []byte) {
	for len(data) > 0 {
		if fs.incompleteLength == 0 {
			if len(data) < FrameLengthSize {
				fs.incompleteBuf = append([]byte{}, data...)
				return
			}
			length := int(data[0])<<16 | int(data[1])<<8 | int(data[2])
			data = data[FrameLengthSize:]
			fs.incompleteLength = length
		}
		if len(data) < fs.incompleteLength {
			fs.incompleteBuf = append(fs.incompleteBuf, data...)
			fs.incompleteLength -= len(data)
			return
		}
		frame := data[:fs.incompleteLength]
		if len(fs.incompleteBuf) > 0 {
			frame = append(fs.incompleteBuf, frame...)
			fs.incompleteBuf = nil
		}
		data = data[fs.incompleteLength:]
		fs.incompleteLength = 0
		if fs.OnFrame != nil {
			fs.OnFrame(frame)
		}
	}
}

// SendFrame writes a single length-prefixed frame. The writer lane is serialized by writeLock, per
// §5's "outbound frames are strictly ordered with respect to the writer mutex".
func (fs *FrameSocket) SendFrame(data []byte) error {
	if fs.conn == nil {
		return ErrSocketClosed
	}
	if len(data) >= FrameMaxSize {
		return fmt.Errorf("frame too large (%d bytes)", len(data))
	}
	length := len(data)
	header := []byte{byte(length >> 16), byte(length >> 8), byte(length)}
	fs.writeLock.Lock()
	defer fs.writeLock.Unlock()
	return fs.conn.WriteMessage(websocket.BinaryMessage, append(header, data...))
}

func (fs *FrameSocket) Close(code int) {
	fs.close(code, false)
}

func (fs *FrameSocket) close(code int, remote bool) {
	if fs.conn == nil {
		return
	}
	if code != 0 {
		_ = fs.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
	}
	_ = fs.conn.Close()
	fs.conn = nil
	if fs.cancel != nil {
		fs.cancel()
	}
	if fs.OnDisconnect != nil {
		fs.OnDisconnect(fs, remote)
	}
}

var (
	ErrSocketAlreadyOpen = fmt.Errorf("socket is already open")
	ErrSocketClosed      = fmt.Errorf("socket is closed")
)
