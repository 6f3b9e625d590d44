package binary

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-whatsapp/whatsmeow/types"
)

// AttrGetter accumulates the first error encountered while pulling typed values out of a Node's
// attributes, so callers can chain several lookups and check AttrGetter.OK()/Error() once at the
// end instead of handling each error individually (mirrors the teacher's retry.go usage pattern).
type AttrGetter struct {
	Attrs Attrs
	Tag   string
	err   error
}

func (ag *AttrGetter) OK() bool {
	return ag.err == nil
}

func (ag *AttrGetter) Error() error {
	return ag.err
}

func (ag *AttrGetter) setErr(key string, err error) {
	if ag.err == nil {
		ag.err = fmt.Errorf("failed to parse attribute %q of <%s>: %w", key, ag.Tag, err)
	}
}

func (ag *AttrGetter) String(key string) string {
	raw, ok := ag.Attrs[key]
	if !ok {
		ag.setErr(key, ErrAttrMissing)
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (ag *AttrGetter) OptionalString(key string) string {
	raw, ok := ag.Attrs[key]
	if !ok {
		return ""
	}
	if s, ok := raw.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", raw)
}

func (ag *AttrGetter) JID(key string) types.JID {
	jid, err := types.ParseJID(ag.String(key))
	if err != nil {
		ag.setErr(key, err)
	}
	return jid
}

func (ag *AttrGetter) OptionalJIDOrEmpty(key string) types.JID {
	raw := ag.OptionalString(key)
	if raw == "" {
		return types.EmptyJID
	}
	jid, _ := types.ParseJID(raw)
	return jid
}

func (ag *AttrGetter) Int(key string) int {
	raw := ag.String(key)
	if !ag.OK() {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		ag.setErr(key, err)
		return 0
	}
	return n
}

func (ag *AttrGetter) OptionalInt(key string) int {
	raw := ag.OptionalString(key)
	if raw == "" {
		return 0
	}
	n, _ := strconv.Atoi(raw)
	return n
}

func (ag *AttrGetter) UnixTime(key string) time.Time {
	raw := ag.String(key)
	if !ag.OK() {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		ag.setErr(key, err)
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

var ErrAttrMissing = fmt.Errorf("attribute is missing")
