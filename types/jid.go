// Package types contains the core addressing and message metadata types shared across the engine.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	DefaultUserServer = "s.whatsapp.net"
	GroupServer       = "g.us"
	BroadcastServer   = "broadcast"
	HiddenUserServer  = "lid"
	NewsletterServer  = "newsletter"
)

// ServerJID is the server's own JID, used as the "to" of pings and other server-directed iqs.
var ServerJID = JID{Server: DefaultUserServer}

// EmptyJID is the zero value; IsEmpty reports whether a JID was never set.
var EmptyJID = JID{}

// JID identifies a WhatsApp user, group, or broadcast list: user[_agent][:device]@server.
// Equality for "same person" purposes ignores Device; use Equals for exact comparisons and
// UserEquals/areJidsSameUser-style helpers for "same person on any device" comparisons.
type JID struct {
	User   string
	Agent  uint8
	Device uint16
	Server string

	// RawAgent preserves an agent value too large for the packed uint8 form (rare, LID addresses).
	RawAgent string
}

func NewJID(user, server string) JID {
	return JID{User: user, Server: server}
}

func NewADJID(user string, agent uint8, device uint16, server string) JID {
	return JID{User: user, Agent: agent, Device: device, Server: server}
}

func (j JID) IsEmpty() bool {
	return j.User == "" && j.Server == ""
}

// ToNonAD strips the device, returning the "plain" user@server form used outside the encrypted
// envelope (the signal address keeps the device, message routing attrs usually do not).
func (j JID) ToNonAD() JID {
	return JID{User: j.User, Server: j.Server}
}

// UserEquals reports whether two JIDs refer to the same person, ignoring device (and, for lid vs
// non-lid addresses, leaving that normalization policy to the application per spec open question).
func (j JID) UserEquals(other JID) bool {
	return j.User == other.User && j.Server == other.Server
}

func (j JID) Equals(other JID) bool {
	return j.User == other.User && j.Agent == other.Agent && j.Device == other.Device && j.Server == other.Server
}

func (j JID) IsBroadcastList() bool {
	return j.Server == BroadcastServer && j.User != "status"
}

func (j JID) IsGroup() bool {
	return j.Server == GroupServer
}

// SignalAddress returns the "user.device" form libsignal uses to key session records.
func (j JID) SignalAddress() string {
	device := j.Device
	return fmt.Sprintf("%s.%d", j.User, device)
}

func (j JID) String() string {
	var user string
	if j.Agent != 0 {
		user = fmt.Sprintf("%s_%d", j.User, j.Agent)
	} else {
		user = j.User
	}
	if j.Device != 0 {
		return fmt.Sprintf("%s:%d@%s", user, j.Device, j.Server)
	} else if user != "" {
		return fmt.Sprintf("%s@%s", user, j.Server)
	}
	return "@" + j.Server
}

// ParseJID parses the "user[_agent][:device]@server" wire form.
func ParseJID(input string) (JID, error) {
	if input == "" {
		return EmptyJID, nil
	}
	at := strings.IndexByte(input, '@')
	if at < 0 {
		return EmptyJID, fmt.Errorf("invalid jid %q: missing @server", input)
	}
	server := input[at+1:]
	userPart := input[:at]
	var device uint16
	if colon := strings.IndexByte(userPart, ':'); colon >= 0 {
		d, err := strconv.ParseUint(userPart[colon+1:], 10, 16)
		if err != nil {
			return EmptyJID, fmt.Errorf("invalid device in jid %q: %w", input, err)
		}
		device = uint16(d)
		userPart = userPart[:colon]
	}
	var agent uint8
	if underscore := strings.IndexByte(userPart, '_'); underscore >= 0 {
		a, err := strconv.ParseUint(userPart[underscore+1:], 10, 8)
		if err != nil {
			return EmptyJID, fmt.Errorf("invalid agent in jid %q: %w", input, err)
		}
		agent = uint8(a)
		userPart = userPart[:underscore]
	}
	return JID{User: userPart, Agent: agent, Device: device, Server: server}, nil
}

// AreJidsSameUser mirrors whatsmeow's areJidsSameUser helper for group-notification branches that
// mix lid and plain jid representations; see SPEC_FULL.md's open-question note.
func AreJidsSameUser(a, b JID) bool {
	return a.User == b.User
}
