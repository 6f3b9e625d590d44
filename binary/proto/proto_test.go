package proto

import "testing"

func TestMessageRoundTrip(t *testing.T) {
	m := &Message{Conversation: String("hi")}
	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got Message
	if err := got.Unmarshal(data); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.GetConversation() != "hi" {
		t.Fatalf("conversation mismatch: %q", got.GetConversation())
	}
}

func TestMessageWithDistributionRoundTrip(t *testing.T) {
	m := &Message{
		Conversation: String("hello group"),
		SenderKeyDistributionMessage: &SenderKeyDistributionMessage{
			GroupId:                             String("120363000000000000@g.us"),
			AxolotlSenderKeyDistributionMessage: []byte{1, 2, 3},
		},
	}
	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got Message
	if err := got.Unmarshal(data); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.SenderKeyDistributionMessage == nil || got.GetConversation() != "hello group" {
		t.Fatalf("round trip lost fields: %+v", got)
	}
}
