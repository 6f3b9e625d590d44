// Package eventbus implements the in-process event fan-out described in spec.md §4.J: named
// listeners invoked synchronously in registration order, plus a buffer/flush discipline so a
// caller that emits several related events (messages.upsert, message-receipt.update,
// creds.update, …) while handling one stanza can make them appear to subscribers as one ordered
// batch instead of being interleaved with events from a concurrently-handled stanza.
package eventbus

import (
	"sync"
	"sync/atomic"
)

// Handler receives every event emitted on a Bus.
type Handler func(evt interface{})

// UnexpectedErrorHandler is called when a Handler panics while processing an event, in place of
// letting the panic propagate and abort the frame it happened in.
type UnexpectedErrorHandler func(evt interface{}, err interface{})

type wrappedHandler struct {
	fn Handler
	id uint32
}

// Bus is a single emitter: a list of subscribers plus at most one open frame at a time. Buffer
// opens a frame; every Emit call made before the matching Flush is queued instead of dispatched,
// then replayed in order once Flush runs. Emits outside a frame dispatch immediately.
type Bus struct {
	// OnUnexpectedError is called synchronously whenever a subscriber panics. If nil, the panic is
	// logged to nothing and simply swallowed (matching the teacher's own silent-by-default stance;
	// set this to wire in real logging).
	OnUnexpectedError UnexpectedErrorHandler

	nextID uint32

	handlersMu sync.RWMutex
	handlers   []wrappedHandler

	frameMu sync.Mutex
	frame   *[]interface{}
}

// New creates an empty Bus with no subscribers.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers handler and returns an id that can be passed to Unsubscribe.
func (b *Bus) Subscribe(handler Handler) uint32 {
	id := atomic.AddUint32(&b.nextID, 1)
	b.handlersMu.Lock()
	b.handlers = append(b.handlers, wrappedHandler{handler, id})
	b.handlersMu.Unlock()
	return id
}

// Unsubscribe removes the handler registered under id, returning whether one was found.
func (b *Bus) Unsubscribe(id uint32) bool {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	for i := range b.handlers {
		if b.handlers[i].id == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// UnsubscribeAll removes every registered handler.
func (b *Bus) UnsubscribeAll() {
	b.handlersMu.Lock()
	b.handlers = nil
	b.handlersMu.Unlock()
}

// Emit dispatches evt to every subscriber, in registration order, unless a frame is currently open
// (see Buffer), in which case it's queued for the matching Flush to replay.
func (b *Bus) Emit(evt interface{}) {
	b.frameMu.Lock()
	if b.frame != nil {
		*b.frame = append(*b.frame, evt)
		b.frameMu.Unlock()
		return
	}
	b.frameMu.Unlock()
	b.dispatch(evt)
}

// Buffer opens a frame: every Emit until the returned function is called queues instead of
// dispatching. Calling the returned function closes the frame and replays the queued events, in
// order, to every subscriber — giving the receiver pipeline a way to wrap one stanza's handling
// (e.g. messages.upsert + message-receipt.update + creds.update) so it's observed as one
// transaction instead of interleaved with whatever else is being dispatched concurrently.
//
// Buffer does not nest: calling it again before the previous frame's flush makes the new frame the
// target of later Emit calls. Events already queued stay in the previous frame and are replayed by
// its own flush function, and calling either flush function closes whichever frame is open.
func (b *Bus) Buffer() func() {
	b.frameMu.Lock()
	queue := make([]interface{}, 0, 4)
	b.frame = &queue
	b.frameMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.frameMu.Lock()
			b.frame = nil
			b.frameMu.Unlock()
			for _, evt := range queue {
				b.dispatch(evt)
			}
		})
	}
}

func (b *Bus) dispatch(evt interface{}) {
	b.handlersMu.RLock()
	handlers := b.handlers
	b.handlersMu.RUnlock()
	for _, h := range handlers {
		b.invoke(h.fn, evt)
	}
}

// invoke runs a single handler with its own recover, so one subscriber panicking neither takes
// down the process nor stops the remaining subscribers (or the rest of an open frame) from seeing
// the event, matching §4.J's "must not throw" / onUnexpectedError contract.
func (b *Bus) invoke(fn Handler, evt interface{}) {
	defer func() {
		if err := recover(); err != nil {
			if b.OnUnexpectedError != nil {
				b.OnUnexpectedError(evt, err)
			}
		}
	}()
	fn(evt)
}
