package whatsmeow

import (
	waBinary "github.com/go-whatsapp/whatsmeow/binary"
)

// handleNotification handles the "notification" node, the grab-bag stanza WhatsApp uses for
// out-of-band account events: prekey-count warnings and device list changes chief among them.
// App-state/server-sync notifications are acked but otherwise ignored, since the app-state
// processor itself is out of scope.
func (cli *Client) handleNotification(node *waBinary.Node) {
	go cli.sendAck(node)
	ag := node.AttrGetter()
	switch ag.OptionalString("type") {
	case "encrypt":
		cli.handleEncryptNotification(node)
	case "devices":
		cli.handleDeviceListNotification(node)
	case "link_code_companion_reg":
		cli.handleLinkCodeCompanionReg(node)
	case "server_sync":
		cli.Log.Debugf("Ignoring server_sync notification, app-state sync is out of scope")
	default:
		cli.Log.Debugf("Unhandled notification: %s", node.XMLString())
	}
}

// handleEncryptNotification reacts to a low one-time-prekey-count warning from the server by
// topping the pool back up, per §4.D.
func (cli *Client) handleEncryptNotification(node *waBinary.Node) {
	countNode, ok := node.GetOptionalChildByTag("count")
	if !ok {
		return
	}
	countAg := countNode.AttrGetter()
	value := countAg.Int("value")
	if !countAg.OK() {
		cli.Log.Warnf("Failed to parse prekey count notification: %v", countAg.Error())
		return
	}
	if value < wantedPreKeyCount {
		cli.Log.Infof("Got prekey count notification (%d remaining on server), uploading more", value)
		go cli.uploadPreKeys()
	}
}

// handleDeviceListNotification invalidates the cached device list for a user whose devices changed,
// so the next send re-resolves it via usync instead of fanning out to a stale list.
func (cli *Client) handleDeviceListNotification(node *waBinary.Node) {
	ag := node.AttrGetter()
	user := ag.OptionalJIDOrEmpty("from")
	if user.IsEmpty() {
		return
	}
	cli.userDevicesCache.Delete(user.ToNonAD())
	cli.Log.Debugf("Invalidated device list cache for %s", user)
}
