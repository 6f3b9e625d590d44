package whatsmeow

import (
	"testing"
	"time"

	"github.com/go-whatsapp/whatsmeow/store"
	"github.com/go-whatsapp/whatsmeow/types"
)

func TestFloodGuardAllowsUpToThreshold(t *testing.T) {
	fg := newFloodGuard(time.Minute, 3)
	sender := types.JID{User: "111", Server: types.DefaultUserServer}
	for i := 0; i < 3; i++ {
		if !fg.Allow(sender) {
			t.Fatalf("expected message %d to be allowed within threshold", i)
		}
	}
	if fg.Allow(sender) {
		t.Fatal("expected the 4th message within the window to be dropped")
	}
}

func TestFloodGuardResetsAfterWindow(t *testing.T) {
	fg := newFloodGuard(10*time.Millisecond, 1)
	sender := types.JID{User: "222", Server: types.DefaultUserServer}
	if !fg.Allow(sender) {
		t.Fatal("expected first message to be allowed")
	}
	if fg.Allow(sender) {
		t.Fatal("expected second message in the same window to be dropped")
	}
	time.Sleep(20 * time.Millisecond)
	if !fg.Allow(sender) {
		t.Fatal("expected a message after the window rolled over to be allowed")
	}
}

func TestFloodGuardZeroThresholdAllowsEverything(t *testing.T) {
	fg := newFloodGuard(time.Minute, 0)
	sender := types.JID{User: "333", Server: types.DefaultUserServer}
	for i := 0; i < 10; i++ {
		if !fg.Allow(sender) {
			t.Fatalf("expected message %d to be allowed with threshold disabled", i)
		}
	}
}

func TestPlaceholderResendCacheExpiresAfterTTL(t *testing.T) {
	c := store.NewTTLCache[types.MessageID, bool](10 * time.Millisecond)
	defer c.Stop()
	c.Set("msg-1", true)
	if v, ok := c.Get("msg-1"); !ok || !v {
		t.Fatal("expected the placeholder mark to be present immediately after Set")
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("msg-1"); ok {
		t.Fatal("expected the placeholder mark to have expired")
	}
}
