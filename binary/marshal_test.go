package binary

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/go-whatsapp/whatsmeow/types"
)

func roundTrip(t *testing.T, n Node) Node {
	t.Helper()
	encoded, err := Marshal(n)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := Unmarshal(encoded)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return decoded
}

func TestRoundTripSimple(t *testing.T) {
	n := Node{
		Tag:   "iq",
		Attrs: Attrs{"type": "get", "id": "abc123", "to": "s.whatsapp.net"},
	}
	got := roundTrip(t, n)
	if got.Tag != n.Tag {
		t.Fatalf("tag mismatch: %q != %q", got.Tag, n.Tag)
	}
	for k, v := range n.Attrs {
		if got.Attrs[k] != v {
			t.Fatalf("attr %q mismatch: %v != %v", k, got.Attrs[k], v)
		}
	}
}

func TestRoundTripNested(t *testing.T) {
	n := Node{
		Tag:   "message",
		Attrs: Attrs{"to": "1234567890@s.whatsapp.net", "id": "3EB0ABCDEF"},
		Content: []Node{
			{Tag: "enc", Attrs: Attrs{"v": "2", "type": "pkmsg"}, Content: []byte{1, 2, 3, 4}},
		},
	}
	got := roundTrip(t, n)
	children := got.GetChildren()
	if len(children) != 1 || children[0].Tag != "enc" {
		t.Fatalf("expected one enc child, got %+v", children)
	}
	if !bytes.Equal(children[0].ContentBytes(), []byte{1, 2, 3, 4}) {
		t.Fatalf("content bytes mismatch: %v", children[0].ContentBytes())
	}
}

func TestRoundTripNumericJID(t *testing.T) {
	jid, err := types.ParseJID("+40712345678@s.whatsapp.net")
	if err != nil {
		t.Fatalf("ParseJID: %v", err)
	}
	n := Node{Tag: "presence", Attrs: Attrs{"from": jid}}
	got := roundTrip(t, n)
	gotJID, ok := got.Attrs["from"].(types.JID)
	if !ok {
		t.Fatalf("expected from attr to decode as JID, got %T", got.Attrs["from"])
	}
	if !reflect.DeepEqual(gotJID, jid) {
		t.Fatalf("jid mismatch: %+v != %+v", gotJID, jid)
	}
}

func TestRoundTripADJID(t *testing.T) {
	jid := types.NewADJID("1234567890", 0, 2, types.DefaultUserServer)
	n := Node{Tag: "to", Content: jid}
	got := roundTrip(t, n)
	gotJID, ok := got.Content.(types.JID)
	if !ok {
		t.Fatalf("expected content to decode as JID, got %T", got.Content)
	}
	if !gotJID.Equals(jid) {
		t.Fatalf("jid mismatch: %+v != %+v", gotJID, jid)
	}
}

func TestUnknownTokenFails(t *testing.T) {
	_, err := Unmarshal([]byte{0xE4}) // 0xE4 (228) is not a list marker, so decoding fails on the first byte
	if err == nil {
		t.Fatalf("expected an error for a reserved/unknown token byte")
	}
}

func TestEmptyNodeList(t *testing.T) {
	n := Node{Tag: "list", Content: []Node{}}
	got := roundTrip(t, n)
	children := got.GetChildren()
	if len(children) != 0 {
		t.Fatalf("expected zero children, got %d", len(children))
	}
}
