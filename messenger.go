package offline

import (
	"context"
	"fmt"

	"github.com/infracollect/offline-worker/clients"
)

// Sync broadcasts a SYNC_COMPLETE message to every client this worker
// controls when ev.Tag is the configured sync tag. Other tags are ignored.
// Delivery is fire-and-forget: a client that cannot take the message is logged
// and skipped.
func (w *Worker) Sync(ev *SyncEvent) {
	if ev.Tag != w.cfg.SyncTag {
		w.logger.V(1).Info("ignoring sync", "tag", ev.Tag)
		return
	}
	ev.WaitUntil(w.broadcastSyncComplete)
}

func (w *Worker) broadcastSyncComplete(ctx context.Context) error {
	targets, err := w.clientSet().MatchAll(ctx, w.generation.String())
	if err != nil {
		return fmt.Errorf("failed to match clients: %w", err)
	}

	msg := clients.NewMessage(SyncCompleteMessage)
	for _, c := range targets {
		err := c.PostMessage(ctx, msg)
		w.metrics.message(err)
		if err != nil {
			w.logger.V(1).Info("failed to post message", "client", c.ID(), "error", err.Error())
		}
	}
	w.logger.V(1).Info("sync complete", "tag", w.cfg.SyncTag, "clients", len(targets))
	return nil
}

// Message handles a control message from a client. The configured
// skip-waiting message makes the worker skip the waiting phase at once.
func (w *Worker) Message(ev *MessageEvent) {
	if ev.Data.GetStringValue() != w.cfg.SkipWaitingMessage {
		w.logger.V(1).Info("ignoring message", "source", ev.Source)
		return
	}
	ev.WaitUntil(w.SkipWaiting)
}
