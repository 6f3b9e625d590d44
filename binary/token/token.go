// Package token holds the dictionary-compression tables the binary node codec uses to replace
// common tag/attribute/value strings with a single byte on the wire.
package token

// SingleByteTokens is the primary dictionary: index i encodes as the single byte i. Index 0 is
// reserved (LIST_EMPTY uses byte 0 as a marker, never a token lookup), so real tokens start at 1.
// This is a representative subset of the real protocol's dictionary, large enough to exercise
// every codec path (tags, attribute keys, common attribute values) without claiming to be the
// complete upstream table.
var SingleByteTokens = []string{
	"",
	"xmlstreamstart", "xmlstreamend", "s.whatsapp.net", "type", "available",
	"message", "id", "from", "to", "status",
	"iq", "get", "set", "result", "notification",
	"ack", "class", "receipt", "call", "relay",
	"offer", "accept", "reject", "timeout", "participant",
	"participants", "t", "jid", "account", "me",
	"device", "platform", "g.us", "broadcast", "lid",
	"read", "played", "retry", "count", "v",
	"registration", "enc", "pkmsg", "msg", "skmsg",
	"key", "keys", "key-index", "identity", "signature",
	"pre-keys", "prekey-signature", "pre-key", "user", "server",
	"stream:error", "conflict", "item", "code", "text",
	"xmlns", "w:p", "ping", "pong", "presence",
	"unavailable", "composing", "paused", "chat", "notify",
	"verified_name", "business", "name", "short", "description",
	"picture", "url", "hash", "disappearing_mode", "duration",
	"edit", "media", "mimetype", "filehash", "size",
	"mediakey", "direct_path", "thumbnail", "caption", "offline",
	"dirty", "pair-device", "pair-success", "link_code_companion_reg", "ib",
	"usync", "query", "context", "list", "add",
	"remove", "promote", "demote", "subject", "create",
	"locked", "announcement", "ephemeral", "invite", "leave",
	"linked_accounts", "delete", "config", "encrypt", "sender-key",
	"sender-key-distribution-message", "skey", "devices", "failure", "reason",
	"profile", "restart", "features", "w:sync:app:state", "collection",
	"error", "not-authorized", "bad-request", "forbidden", "internal-server-error",
	"service-unavailable", "conflict-error", "resource-constraint", "unexpected-request",
}

// DoubleByteTokens mirrors the protocol's secondary dictionary for less common strings, indexed
// after the single-byte table is exhausted.
var DoubleByteTokens = []string{
	"w:biz", "w:biz:catalog", "newsletter", "w:gp2", "w:stats",
	"encrypt_p_hash", "encrypt_c_hash", "disappearing_duration", "ephemeral_setting",
}
