package whatsmeow

import (
	"fmt"

	waBinary "github.com/go-whatsapp/whatsmeow/binary"
	"github.com/go-whatsapp/whatsmeow/types"
)

// GetGroupInfo fetches a group's metadata and participant list, used by the sender pipeline to
// resolve who a group message must fan out to (§4.H).
func (cli *Client) GetGroupInfo(jid types.JID) (*types.GroupInfo, error) {
	res, err := cli.sendIQ(infoQuery{
		Namespace: "w:g2",
		Type:      iqGet,
		To:        jid,
		Content: []waBinary.Node{{
			Tag:   "query",
			Attrs: waBinary.Attrs{"request": "interactive"},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to request group info: %w", err)
	}
	groupNode, ok := res.GetOptionalChildByTag("group")
	if !ok {
		return nil, &ElementMissingError{Tag: "group", In: "group info response"}
	}
	return parseGroupNode(&groupNode)
}

func parseGroupNode(groupNode *waBinary.Node) (*types.GroupInfo, error) {
	var group types.GroupInfo
	ag := groupNode.AttrGetter()

	group.JID = types.NewJID(ag.String("id"), types.GroupServer)
	group.OwnerJID = ag.OptionalJIDOrEmpty("creator")
	group.Name = ag.OptionalString("subject")
	group.NameSetAt = ag.UnixTime("s_t")

	for _, child := range groupNode.GetChildren() {
		childAg := child.AttrGetter()
		switch child.Tag {
		case "participant":
			group.Participants = append(group.Participants, types.GroupParticipant{
				JID:          childAg.JID("jid"),
				IsAdmin:      childAg.OptionalString("type") == "admin" || childAg.OptionalString("type") == "superadmin",
				IsSuperAdmin: childAg.OptionalString("type") == "superadmin",
			})
		case "description":
			// Topic text isn't needed for sending; skip decoding its <body>.
		case "announcement":
			group.IsAnnounce = true
		case "locked":
			group.IsLocked = true
		case "ephemeral":
			group.IsEphemeral = true
			group.DisappearingTimer = uint32(childAg.OptionalInt("expiration"))
		}
	}
	if !ag.OK() {
		return nil, ag.Error()
	}
	return &group, nil
}
