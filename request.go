package whatsmeow

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	waBinary "github.com/go-whatsapp/whatsmeow/binary"
	"github.com/go-whatsapp/whatsmeow/types"
)

// iqType is the "type" attribute of an <iq> stanza.
type iqType string

const (
	iqSet    iqType = "set"
	iqGet    iqType = "get"
	iqResult iqType = "result"
	iqError  iqType = "error"
)

// infoQuery describes an outgoing <iq> request; §4.E's request/response router matches the reply
// by the generated "id" attribute.
type infoQuery struct {
	Namespace string
	Type      iqType
	To        types.JID
	ID        string
	Content   interface{}
	Timeout   time.Duration
}

const defaultRequestTimeout = 75 * time.Second

// xmlStreamEndNode is delivered to every pending response waiter when the socket drops, so callers
// blocked in sendIQ unblock with a disconnection error instead of hanging until their own timeout.
var xmlStreamEndNode = &waBinary.Node{Tag: "xmlstreamend"}

func (cli *Client) generateRequestID() string {
	return cli.uniqueID + strconv.FormatUint(uint64(atomic.AddUint32(&cli.idCounter, 1)), 10)
}

// sendIQ sends an info query and blocks until the matching response arrives, the query's Timeout
// (defaultRequestTimeout if unset) elapses, or the socket disconnects (§4.E).
func (cli *Client) sendIQ(query infoQuery) (*waBinary.Node, error) {
	if query.ID == "" {
		query.ID = cli.generateRequestID()
	}
	waiter := make(chan *waBinary.Node, 1)
	cli.responseWaiters.Store(query.ID, waiter)
	defer cli.responseWaiters.Delete(query.ID)

	attrs := waBinary.Attrs{
		"id":    query.ID,
		"xmlns": query.Namespace,
		"type":  string(query.Type),
	}
	if !query.To.IsEmpty() {
		attrs["to"] = query.To
	}
	err := cli.sendNode(waBinary.Node{
		Tag:     "iq",
		Attrs:   attrs,
		Content: query.Content,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send IQ %s: %w", query.ID, err)
	}

	timeout := query.Timeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-waiter:
		if resp == xmlStreamEndNode {
			return nil, &DisconnectedError{Action: "info query", Node: query.ID}
		}
		if resp.Attrs["type"] == string(iqError) {
			return nil, parseIQError(resp)
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrIQTimedOut
	}
}

func parseIQError(node *waBinary.Node) error {
	errChild, ok := node.GetOptionalChildByTag("error")
	if !ok {
		return &IQError{}
	}
	ag := errChild.AttrGetter()
	return &IQError{
		Code: ag.OptionalInt("code"),
		Text: ag.OptionalString("text"),
	}
}

// receiveResponse routes an incoming <iq> node to its waiter, returning whether it was the reply to
// a pending request.
func (cli *Client) receiveResponse(node *waBinary.Node) bool {
	id, ok := node.Attrs["id"].(string)
	if !ok {
		return false
	}
	waiter, ok := cli.responseWaiters.LoadAndDelete(id)
	if !ok {
		return false
	}
	waiter <- node
	return true
}

// clearResponseWaiters unblocks every pending sendIQ call with the given sentinel node, used when
// the socket disconnects so no caller waits out its full timeout.
func (cli *Client) clearResponseWaiters(withNode *waBinary.Node) {
	cli.responseWaiters.Range(func(key string, waiter chan<- *waBinary.Node) bool {
		waiter <- withNode
		cli.responseWaiters.Delete(key)
		return true
	})
}
