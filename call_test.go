package whatsmeow

import (
	"testing"

	"github.com/go-whatsapp/whatsmeow/types"
)

func TestCallOfferCacheStoresAndInheritsOfferContext(t *testing.T) {
	cache := newCallOfferCache()
	defer cache.Stop()

	caller := types.JID{User: "123", Server: types.DefaultUserServer}
	cache.Set("call-1", callSnapshot{IsVideo: true, IsGroup: false, From: caller})

	got, ok := cache.Get("call-1")
	if !ok {
		t.Fatal("expected the offer snapshot to be found")
	}
	if !got.IsVideo || got.IsGroup {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	if got.From != caller {
		t.Fatalf("expected From to be inherited, got %v", got.From)
	}
}

func TestCallOfferCacheMissReturnsZeroValue(t *testing.T) {
	cache := newCallOfferCache()
	defer cache.Stop()

	got, ok := cache.Get("never-offered")
	if ok {
		t.Fatal("expected no snapshot for an unknown call id")
	}
	if got.IsVideo || got.IsGroup {
		t.Fatalf("expected zero-value snapshot on miss, got %+v", got)
	}
}

func TestCallOfferCacheDeleteRemovesEntry(t *testing.T) {
	cache := newCallOfferCache()
	defer cache.Stop()

	cache.Set("call-2", callSnapshot{IsVideo: false, IsGroup: true})
	cache.Delete("call-2")
	if _, ok := cache.Get("call-2"); ok {
		t.Fatal("expected the entry to be gone after Delete")
	}
}
