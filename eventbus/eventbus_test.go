package eventbus

import (
	"sync"
	"testing"
)

func TestEmitDispatchesInRegistrationOrder(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		b.Subscribe(func(evt interface{}) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	b.Emit("hello")
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("unexpected dispatch order: %v", order)
	}
}

func TestBufferQueuesUntilFlush(t *testing.T) {
	b := New()
	var got []interface{}
	b.Subscribe(func(evt interface{}) {
		got = append(got, evt)
	})

	flush := b.Buffer()
	b.Emit("a")
	b.Emit("b")
	if len(got) != 0 {
		t.Fatalf("expected no events dispatched before flush, got %v", got)
	}
	flush()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected events after flush: %v", got)
	}
}

func TestFlushIsIdempotent(t *testing.T) {
	b := New()
	count := 0
	b.Subscribe(func(evt interface{}) { count++ })

	flush := b.Buffer()
	b.Emit("a")
	flush()
	flush()
	if count != 1 {
		t.Fatalf("expected event to be dispatched exactly once, got %d", count)
	}
}

func TestEmitOutsideFrameDispatchesImmediately(t *testing.T) {
	b := New()
	seen := false
	b.Subscribe(func(evt interface{}) { seen = true })
	b.Emit("x")
	if !seen {
		t.Fatal("expected immediate dispatch outside a frame")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	id := b.Subscribe(func(evt interface{}) { count++ })
	b.Emit("a")
	if !b.Unsubscribe(id) {
		t.Fatal("expected Unsubscribe to find the handler")
	}
	b.Emit("b")
	if count != 1 {
		t.Fatalf("expected only the first emit to be delivered, got %d", count)
	}
}

func TestUnsubscribeAllClearsHandlers(t *testing.T) {
	b := New()
	count := 0
	b.Subscribe(func(evt interface{}) { count++ })
	b.Subscribe(func(evt interface{}) { count++ })
	b.UnsubscribeAll()
	b.Emit("a")
	if count != 0 {
		t.Fatalf("expected no handlers to run after UnsubscribeAll, got %d invocations", count)
	}
}

func TestPanicInHandlerReportedAndDoesNotStopOthers(t *testing.T) {
	b := New()
	var reportedEvt interface{}
	var reportedErr interface{}
	b.OnUnexpectedError = func(evt interface{}, err interface{}) {
		reportedEvt = evt
		reportedErr = err
	}
	secondRan := false
	b.Subscribe(func(evt interface{}) { panic("boom") })
	b.Subscribe(func(evt interface{}) { secondRan = true })

	b.Emit("evt")

	if reportedErr == nil {
		t.Fatal("expected OnUnexpectedError to be called")
	}
	if reportedEvt != "evt" {
		t.Fatalf("expected reported event to be %q, got %v", "evt", reportedEvt)
	}
	if !secondRan {
		t.Fatal("expected the second handler to still run after the first panicked")
	}
}

func TestBufferedPanicStillFlushesRemainingEvents(t *testing.T) {
	b := New()
	b.OnUnexpectedError = func(evt interface{}, err interface{}) {}
	var got []interface{}
	b.Subscribe(func(evt interface{}) {
		if evt == "boom" {
			panic("nope")
		}
		got = append(got, evt)
	})

	flush := b.Buffer()
	b.Emit("a")
	b.Emit("boom")
	b.Emit("b")
	flush()

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected both non-panicking events to be delivered, got %v", got)
	}
}
