package whatsmeow

import (
	waBinary "github.com/go-whatsapp/whatsmeow/binary"
	"github.com/go-whatsapp/whatsmeow/types"
	"github.com/go-whatsapp/whatsmeow/types/events"
)

// handleReceipt is the "receipt" node handler: it acks the stanza, also hands retry-type receipts
// to the re-send pipeline in retry.go, and dispatches every receipt, retry ones included, as an event.
func (cli *Client) handleReceipt(node *waBinary.Node) {
	go cli.sendAck(node)
	receipt, err := cli.parseReceipt(node)
	if err != nil {
		cli.Log.Warnf("Failed to parse receipt: %v", err)
		return
	}
	if receipt.Type == types.ReceiptTypeRetry {
		go func() {
			if err := cli.handleRetryReceipt(receipt, node); err != nil {
				cli.Log.Warnf("Failed to handle retry receipt for %v: %v", receipt.MessageIDs, err)
			}
		}()
	}
	for _, id := range receipt.MessageIDs {
		cli.cancelDelayedRequestFromPhone(id)
	}
	cli.dispatchEvent(receipt)
}

func (cli *Client) parseReceipt(node *waBinary.Node) (*events.Receipt, error) {
	source, err := cli.parseMessageSource(node)
	if err != nil {
		return nil, err
	}
	ag := node.AttrGetter()
	receipt := &events.Receipt{
		MessageSource: source,
		Timestamp:     ag.UnixTime("t"),
		Type:          types.ReceiptType(ag.OptionalString("type")),
		MessageIDs:    []types.MessageID{ag.String("id")},
	}
	if !ag.OK() {
		return nil, ag.Error()
	}
	if participant := ag.OptionalJIDOrEmpty("participant"); !participant.IsEmpty() {
		receipt.MessageSender = participant
	} else {
		receipt.MessageSender = source.Sender
	}
	if listNode, ok := node.GetOptionalChildByTag("list"); ok {
		for _, item := range listNode.GetChildrenByTag("item") {
			if id := item.AttrGetter().OptionalString("id"); id != "" {
				receipt.MessageIDs = append(receipt.MessageIDs, id)
			}
		}
	}
	return receipt, nil
}
