// Package binary implements WhatsApp's tokenized BinaryNode wire format: §4.A of SPEC_FULL.md.
package binary

import (
	"fmt"
	"strings"

	"github.com/go-whatsapp/whatsmeow/types"
)

// Node is a tagged tree stanza. Content is a sum type: nil, []byte, types.JID, or []Node (the
// encoder also accepts a string) — callers that need
// exhaustive handling should switch on the concrete type, mirroring spec.md §9's "duck-typed stanza
// shape → tagged variants" redesign note.
type Node struct {
	Tag     string
	Attrs   Attrs
	Content interface{}
}

// Attrs is a string-keyed attribute map; values are widened to interface{} on construction so JIDs
// and integers can be passed directly and are formatted consistently by Marshal.
type Attrs map[string]interface{}

// GetChildren returns Content as a node list, or nil if Content is not a node list.
func (n *Node) GetChildren() []Node {
	children, ok := n.Content.([]Node)
	if !ok {
		return nil
	}
	return children
}

// GetChildrenByTag returns every direct child whose tag matches.
func (n *Node) GetChildrenByTag(tag string) []Node {
	var out []Node
	for _, child := range n.GetChildren() {
		if child.Tag == tag {
			out = append(out, child)
		}
	}
	return out
}

// GetOptionalChildByTag descends through a chain of tags, returning the deepest match.
func (n *Node) GetOptionalChildByTag(tags ...string) (Node, bool) {
	current := n
	for _, tag := range tags {
		children := current.GetChildrenByTag(tag)
		if len(children) == 0 {
			return Node{}, false
		}
		current = &children[0]
	}
	return *current, true
}

// GetChildByTag is GetOptionalChildByTag without the found flag, returning a zero Node for a
// missing chain; callers that require the child should still check its Tag is non-empty.
func (n *Node) GetChildByTag(tags ...string) Node {
	node, _ := n.GetOptionalChildByTag(tags...)
	return node
}

// ContentBytes returns Content as raw bytes, or nil if Content is not a byte slice.
func (n *Node) ContentBytes() []byte {
	b, ok := n.Content.([]byte)
	if !ok {
		return nil
	}
	return b
}

func (n *Node) AttrGetter() *AttrGetter {
	return &AttrGetter{Attrs: n.Attrs, Tag: n.Tag}
}

// XMLString renders a Node as an approximation of its XMPP-like textual form, used only for debug
// logging (never for wire transmission, which always goes through Marshal/Unmarshal).
func (n Node) XMLString() string {
	var sb strings.Builder
	n.writeXML(&sb)
	return sb.String()
}

func (n Node) writeXML(sb *strings.Builder) {
	sb.WriteByte('<')
	sb.WriteString(n.Tag)
	for k, v := range n.Attrs {
		fmt.Fprintf(sb, " %s=%q", k, formatAttrValue(v))
	}
	switch content := n.Content.(type) {
	case nil:
		sb.WriteString("/>")
		return
	case []byte:
		sb.WriteByte('>')
		fmt.Fprintf(sb, "%d bytes", len(content))
	case []Node:
		sb.WriteByte('>')
		for _, child := range content {
			child.writeXML(sb)
		}
	default:
		sb.WriteByte('>')
	}
	sb.WriteString("</")
	sb.WriteString(n.Tag)
	sb.WriteByte('>')
}

func formatAttrValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case types.JID:
		return val.String()
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}
