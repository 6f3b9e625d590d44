package whatsmeow

import (
	"context"
	"time"

	waBinary "github.com/go-whatsapp/whatsmeow/binary"
	"github.com/go-whatsapp/whatsmeow/types"
	"github.com/go-whatsapp/whatsmeow/types/events"
)

const (
	keepAliveInterval    = 20 * time.Second
	keepAliveIntervalMax = 30 * time.Second
	keepAliveTimeout     = 10 * time.Second
	keepAliveMaxFails    = 4
)

// keepAliveLoop sends a periodic ping iq to detect a dead connection the TCP stack hasn't noticed
// yet (§4.I's keepalive ping). Reaching keepAliveMaxFails consecutive failures forces a disconnect
// followed by a reconnect attempt.
func (cli *Client) keepAliveLoop(ctx context.Context) {
	errorCount := 0
	for {
		interval := keepAliveInterval + time.Duration(int64(keepAliveIntervalMax-keepAliveInterval)/2)
		select {
		case <-time.After(interval):
			if !cli.sendKeepAlive(ctx) {
				errorCount++
				cli.Log.Warnf("Keepalive failed %d times", errorCount)
				if errorCount >= keepAliveMaxFails {
					cli.dispatchEvent(&events.KeepAliveTimeout{ErrorCount: errorCount, LastSuccess: cli.LastSuccessfulConnect})
					cli.Disconnect()
					go cli.autoReconnect()
					return
				}
			} else if errorCount >= keepAliveMaxFails {
				cli.dispatchEvent(&events.KeepAliveRestored{})
				errorCount = 0
			} else {
				errorCount = 0
			}
		case <-ctx.Done():
			return
		}
	}
}

func (cli *Client) sendKeepAlive(ctx context.Context) bool {
	requestCtx, cancel := context.WithTimeout(ctx, keepAliveTimeout)
	defer cancel()
	_ = requestCtx
	_, err := cli.sendIQ(infoQuery{
		Namespace: "w:p",
		Type:      iqGet,
		To:        types.ServerJID,
		Content:   []waBinary.Node{{Tag: "ping"}},
		Timeout:   keepAliveTimeout,
	})
	if err != nil {
		cli.Log.Warnf("Keepalive ping failed: %v", err)
		return false
	}
	return true
}
