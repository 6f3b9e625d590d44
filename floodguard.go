package whatsmeow

import (
	"sync"
	"time"

	"github.com/go-whatsapp/whatsmeow/store"
	"github.com/go-whatsapp/whatsmeow/types"
)

// Default flood guard parameters, per §4.G: a sender posting more than defaultFloodGuardThreshold
// messages within defaultFloodGuardWindow has the excess acked-but-dropped until the window rolls over.
const (
	defaultFloodGuardWindow    = 10 * time.Second
	defaultFloodGuardThreshold = 50
)

// placeholderResendTTL bounds how long a message id stays marked as "server sent a placeholder and
// we asked for a resend" after an unavailable envelope is seen. If the real envelope for that id
// shows up before this elapses, the pending resend is cancelled instead of duplicated.
const placeholderResendTTL = 5 * time.Second

func newPlaceholderResendCache() *store.TTLCache[types.MessageID, bool] {
	return store.NewTTLCache[types.MessageID, bool](placeholderResendTTL)
}

type floodGuardEntry struct {
	windowStart time.Time
	count       int
}

// floodGuard is a per-sender fixed-window counter: a sender's window opens at its first message and
// the count starts over once the window duration has passed; it keeps no sliding window of arrival
// times. It's intentionally simple (a mutex-guarded
// map rather than an xsync map) since every call into it already comes off the serialized handler
// queue, so there's no concurrent-write pressure to amortize.
type floodGuard struct {
	window    time.Duration
	threshold int

	mu      sync.Mutex
	entries map[types.JID]*floodGuardEntry
}

func newFloodGuard(window time.Duration, threshold int) *floodGuard {
	return &floodGuard{
		window:    window,
		threshold: threshold,
		entries:   make(map[types.JID]*floodGuardEntry),
	}
}

// Allow reports whether a message from sender should be processed. It always counts the message
// towards the sender's window, even when it returns false, so the window resets on its own schedule
// regardless of how long the flood continues.
func (fg *floodGuard) Allow(sender types.JID) bool {
	if fg.threshold <= 0 {
		return true
	}
	now := time.Now()
	fg.mu.Lock()
	defer fg.mu.Unlock()
	entry, ok := fg.entries[sender]
	if !ok || now.Sub(entry.windowStart) >= fg.window {
		entry = &floodGuardEntry{windowStart: now}
		fg.entries[sender] = entry
	}
	entry.count++
	return entry.count <= fg.threshold
}
