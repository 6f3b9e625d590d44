package whatsmeow

import (
	waBinary "github.com/go-whatsapp/whatsmeow/binary"
	"github.com/go-whatsapp/whatsmeow/types/events"
)

// handleChatState handles the "chatstate" node: a typing/recording indicator scoped to one chat,
// shaped exactly like a message stanza's from/participant/recipient triple (parseMessageSource
// applies unchanged).
func (cli *Client) handleChatState(node *waBinary.Node) {
	source, err := cli.parseMessageSource(node)
	if err != nil {
		cli.Log.Warnf("Failed to parse chat state update: %v", err)
		return
	}
	children := node.GetChildren()
	if len(children) == 0 {
		return
	}
	evt := &events.ChatPresence{MessageSource: source}
	switch children[0].Tag {
	case "composing":
		evt.State = events.ChatPresenceComposing
	case "paused":
		evt.State = events.ChatPresencePaused
	default:
		cli.Log.Debugf("Unrecognized chat state %s from %s", children[0].Tag, source.Sender)
		return
	}
	evt.Media = events.ChatPresenceMedia(children[0].AttrGetter().OptionalString("media"))
	cli.dispatchEvent(evt)
}

// handlePresence handles the account-wide "presence" node: online/offline and, unless the contact
// has hidden it, a last-seen timestamp.
func (cli *Client) handlePresence(node *waBinary.Node) {
	ag := node.AttrGetter()
	evt := &events.Presence{From: ag.JID("from")}
	evt.Unavailable = ag.OptionalString("type") == "unavailable"
	if lastSeen := ag.OptionalString("last"); lastSeen != "" && lastSeen != "deny" {
		evt.LastSeen = ag.UnixTime("last")
	}
	if !ag.OK() {
		cli.Log.Warnf("Failed to parse presence update: %v", ag.Error())
		return
	}
	cli.dispatchEvent(evt)
}
