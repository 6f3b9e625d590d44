package whatsmeow

import (
	"context"
	"sync/atomic"

	waBinary "github.com/go-whatsapp/whatsmeow/binary"
	"github.com/go-whatsapp/whatsmeow/types"
	"github.com/go-whatsapp/whatsmeow/types/events"
)

// offlineQueueSize mirrors handlerQueueSize: in general the backlog left over from a single
// reconnect shouldn't come close to this, but it's kept generous to avoid ever blocking the
// websocket reader.
const offlineQueueSize = 2048

type offlineMessageJob struct {
	info *types.MessageInfo
	node *waBinary.Node
}

// enqueueOfflineMessage pushes an offline="true" message stanza onto the FIFO queue a single
// consumer drains, per §4.G/§5: offline stanzas are never interleaved with live ones, and are
// processed in the order the server replayed them while the queue has room (a stanza that finds it
// full is enqueued from a separate goroutine and can land out of order).
func (cli *Client) enqueueOfflineMessage(info *types.MessageInfo, node *waBinary.Node) {
	select {
	case cli.offlineMessages <- offlineMessageJob{info: info, node: node}:
	default:
		cli.Log.Warnf("Offline message queue is full, enqueueing %s in the background out of order", info.ID)
		go func() {
			cli.offlineMessages <- offlineMessageJob{info: info, node: node}
		}()
	}
	atomic.AddInt32(&cli.offlineQueuedCount, 1)
}

// offlineQueueLoop is the single consumer for the offline backlog. It runs for the lifetime of a
// connection; the queue itself is never closed (a reconnect just resumes draining whatever is left).
func (cli *Client) offlineQueueLoop(ctx context.Context) {
	for {
		select {
		case job := <-cli.offlineMessages:
			cli.decryptMessages(job.info, job.node, true)
			atomic.AddInt32(&cli.offlineProcessedCount, 1)
			if remaining := atomic.AddInt32(&cli.offlineQueuedCount, -1); remaining == 0 {
				cli.dispatchEvent(&events.OfflineSyncCompleted{Count: int(atomic.SwapInt32(&cli.offlineProcessedCount, 0))})
			}
		case <-ctx.Done():
			return
		}
	}
}
