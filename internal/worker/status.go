package worker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/notifyd/notifyd/internal/queue"
	"github.com/notifyd/notifyd/internal/storage"
)

// HandleStatus consumes status-queue updates and applies them to the stored
// record. Used when the delivery worker and the API run as separate
// processes, each with its own database.
func (w *Worker) HandleStatus(ctx context.Context, d *queue.Delivery) queue.Outcome {
	var update queue.StatusUpdate
	if err := json.Unmarshal(d.Body, &update); err != nil {
		w.logger.Error("dropping undecodable status update", "error", err)
		return queue.Drop
	}
	if update.NotificationID == "" {
		w.logger.Error("dropping status update without notification id")
		return queue.Drop
	}

	var err error
	switch storage.Status(update.Status) {
	case storage.StatusDelivered:
		err = w.store.MarkDelivered(ctx, update.NotificationID)
	case storage.StatusFailed:
		err = w.store.MarkFailed(ctx, update.NotificationID, update.Error)
	default:
		w.logger.Error("dropping status update with unknown status",
			"notification_id", update.NotificationID, "status", update.Status)
		return queue.Drop
	}

	switch {
	case err == nil:
		return queue.Ack
	case errors.Is(err, storage.ErrTerminalState):
		// The local process already applied this transition.
		return queue.Ack
	case errors.Is(err, storage.ErrNotFound):
		w.logger.Warn("status update for unknown notification",
			"notification_id", update.NotificationID)
		return queue.Ack
	default:
		w.logger.Error("failed to apply status update",
			"notification_id", update.NotificationID, "error", err)
		return queue.Retry
	}
}
