// Copyright (c) 2021 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package whatsmeow

import (
	"time"

	waBinary "github.com/go-whatsapp/whatsmeow/binary"
	"github.com/go-whatsapp/whatsmeow/store"
	"github.com/go-whatsapp/whatsmeow/types"
	"github.com/go-whatsapp/whatsmeow/types/events"
)

const callOfferCacheTTL = 2 * time.Hour

// callSnapshot holds the bits of a call offer that later accept/reject/terminate events for the
// same call-id need but don't carry themselves, so handling one of those doesn't have to fall back
// to stateless guessing.
type callSnapshot struct {
	IsVideo bool
	IsGroup bool
	From    types.JID
}

func newCallOfferCache() *store.TTLCache[string, callSnapshot] {
	return store.NewTTLCache[string, callSnapshot](callOfferCacheTTL)
}

func (cli *Client) handleCallEvent(node *waBinary.Node) {
	go cli.sendAck(node)

	if len(node.GetChildren()) != 1 {
		cli.dispatchEvent(&events.UnknownCallEvent{Data: node})
		return
	}
	ag := node.AttrGetter()
	child := node.GetChildren()[0]
	cag := child.AttrGetter()
	basicMeta := types.BasicCallMeta{
		From:        ag.JID("from"),
		Timestamp:   ag.UnixTime("t"),
		CallCreator: cag.JID("call-creator"),
		CallID:      cag.String("call-id"),
	}
	switch child.Tag {
	case "offer":
		isVideo := false
		for _, mediaNode := range child.GetChildren() {
			if mediaNode.Tag == "video" {
				isVideo = true
				break
			}
		}
		isGroup := cag.OptionalString("group") == "true"
		cli.callOfferCache.Set(basicMeta.CallID, callSnapshot{
			IsVideo: isVideo,
			IsGroup: isGroup,
			From:    basicMeta.From,
		})
		cli.dispatchEvent(&events.CallOffer{
			BasicCallMeta: basicMeta,
			CallRemoteMeta: types.CallRemoteMeta{
				RemotePlatform: ag.String("platform"),
				RemoteVersion:  ag.String("version"),
			},
			Data: &child,
		})
	case "offer_notice":
		cli.dispatchEvent(&events.CallOfferNotice{
			BasicCallMeta: basicMeta,
			Media:         cag.String("media"),
			Type:          cag.String("type"),
			Data:          &child,
		})
	case "relaylatency":
		cli.dispatchEvent(&events.CallRelayLatency{
			BasicCallMeta: basicMeta,
			Data:          &child,
		})
	case "accept":
		offer, _ := cli.callOfferCache.Get(basicMeta.CallID)
		cli.dispatchEvent(&events.CallAccept{
			BasicCallMeta: basicMeta,
			CallRemoteMeta: types.CallRemoteMeta{
				RemotePlatform: ag.String("platform"),
				RemoteVersion:  ag.String("version"),
			},
			Data:         &child,
			OfferIsVideo: offer.IsVideo,
			OfferIsGroup: offer.IsGroup,
		})
	case "preaccept":
		cli.dispatchEvent(&events.CallPreAccept{
			BasicCallMeta: basicMeta,
			CallRemoteMeta: types.CallRemoteMeta{
				RemotePlatform: ag.String("platform"),
				RemoteVersion:  ag.String("version"),
			},
			Data: &child,
		})
	case "transport":
		cli.dispatchEvent(&events.CallTransport{
			BasicCallMeta: basicMeta,
			CallRemoteMeta: types.CallRemoteMeta{
				RemotePlatform: ag.String("platform"),
				RemoteVersion:  ag.String("version"),
			},
			Data: &child,
		})
	case "terminate":
		offer, _ := cli.callOfferCache.Get(basicMeta.CallID)
		cli.callOfferCache.Delete(basicMeta.CallID)
		cli.dispatchEvent(&events.CallTerminate{
			BasicCallMeta: basicMeta,
			Reason:        cag.String("reason"),
			Data:          &child,
			OfferIsVideo:  offer.IsVideo,
			OfferIsGroup:  offer.IsGroup,
		})
	default:
		cli.dispatchEvent(&events.UnknownCallEvent{Data: node})
	}
}

func (cli *Client) RejectCall(callID string, callFrom types.JID, messageID types.MessageID) error {
	clientID := cli.getOwnJID()
	if clientID.IsEmpty() {
		return ErrNotLoggedIn
	}
	if messageID == "" {
		messageID = cli.GenerateMessageID()
	}
	clientID = clientID.ToNonAD()
	callFrom = callFrom.ToNonAD()
	cli.callOfferCache.Delete(callID)

	return cli.sendNode(waBinary.Node{
		Tag: "call",
		Attrs: waBinary.Attrs{
			"id":   messageID,
			"from": clientID,
			"to":   callFrom,
		},
		Content: []waBinary.Node{
			{
				Tag: "reject",
				Attrs: waBinary.Attrs{
					"call-id":      callID,
					"call-creator": callFrom,
					"count":        "0",
				},
				Content: nil,
			},
		},
	})
}
