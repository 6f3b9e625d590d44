package whatsmeow

import (
	"errors"
	"fmt"
)

// Connection/session sentinel errors (§7).
var (
	ErrNotConnected     = errors.New("websocket not connected")
	ErrAlreadyConnected = errors.New("websocket is already connected")
	ErrNotLoggedIn      = errors.New("the client is not logged in")
	ErrNoSession        = errors.New("can't encrypt message for device: no signal session established")

	ErrIQTimedOut           = errors.New("info query timed out")
	ErrIQDisconnected       = errors.New("websocket disconnected before info query returned response")
	ErrIQNoID               = errors.New("request is missing ID")

	ErrAlreadyPairing       = errors.New("a pairing is already in progress")
	ErrQRAlreadyConnected   = errors.New("GetQRChannel must be called before connecting")
	ErrQRStoreContainsID    = errors.New("GetQRChannel can only be called when there's no user ID in the device store")
	ErrNoPushName           = errors.New("can't send presence without PushName set")
)

// ElementMissingError is returned by node parsers when a required child element or attribute is
// absent (§9 "parse errors carry the node path").
type ElementMissingError struct {
	Tag string
	In  string
}

func (e *ElementMissingError) Error() string {
	return fmt.Sprintf("missing %s element in %s", e.Tag, e.In)
}

// IQError is returned by sendIQ when the server responds with an <iq type="error"> node, carrying
// the nested <error> node's code/text per §4.E.
type IQError struct {
	Code int
	Text string

	ErrorNode interface{}
}

func (e *IQError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("iq error %d: %s", e.Code, e.Text)
	}
	return fmt.Sprintf("iq error %d", e.Code)
}

// DisconnectedError is wrapped around the error canceling a pending request when the websocket
// drops while a response is outstanding.
type DisconnectedError struct {
	Action string
	Node   string
}

func (e *DisconnectedError) Error() string {
	return fmt.Sprintf("websocket disconnected before %s (%s) returned response", e.Action, e.Node)
}

func (e *DisconnectedError) Unwrap() error {
	return ErrIQDisconnected
}
