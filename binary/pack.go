package binary

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

const flagCompressed byte = 1 << 1

// Pack prepends the single flag byte the wire format carries ahead of every node frame. The
// engine never emits the compressed form (whatsmeow's server-to-client direction is the only one
// that does), but Unpack understands it for symmetry and so tests can round-trip compressed frames.
func Pack(nodeBytes []byte) []byte {
	out := make([]byte, 1+len(nodeBytes))
	out[0] = 0
	copy(out[1:], nodeBytes)
	return out
}

// Unpack strips the flag byte and, if set, zlib-inflates the remainder, yielding the raw node
// bytes ready for Unmarshal.
func Unpack(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("binary: empty frame")
	}
	flag, payload := data[0], data[1:]
	if flag&flagCompressed == 0 {
		return payload, nil
	}
	r, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("binary: failed to open zlib reader: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}
