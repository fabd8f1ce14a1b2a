// Package worker implements the consumer side of the notification pipeline:
// it resolves the recipient, renders content, invokes the transport, updates
// the notification state machine, and reports a classified outcome back to
// the broker client.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/notifyd/notifyd/internal/breaker"
	"github.com/notifyd/notifyd/internal/directory"
	"github.com/notifyd/notifyd/internal/eventbus"
	"github.com/notifyd/notifyd/internal/failure"
	"github.com/notifyd/notifyd/internal/queue"
	"github.com/notifyd/notifyd/internal/render"
	"github.com/notifyd/notifyd/internal/storage"
	"github.com/notifyd/notifyd/internal/transport"
)

// EventPublisher lets the worker emit delivery lifecycle events without
// depending on a concrete event bus implementation.
type EventPublisher interface {
	Publish(eventType string, payload map[string]string)
}

// Options configures a Worker.
type Options struct {
	// MaxRetries mirrors the broker client's retry budget so the worker can
	// mark a record failed on the attempt that will dead-letter it.
	MaxRetries int
	// SendMaxAttempts and SendRetryDelay drive the direct (non-queued) send
	// path's local retry loop.
	SendMaxAttempts int
	SendRetryDelay  time.Duration
}

// Worker handles dequeued notification messages.
type Worker struct {
	store     storage.NotificationStore
	resolver  directory.Resolver
	renderer  render.Renderer
	providers map[string]transport.Provider // channel → transport
	publisher queue.Publisher
	logger    *slog.Logger
	events    EventPublisher
	opts      Options

	dirBreaker    *breaker.Breaker
	renderBreaker *breaker.Breaker
	sendBreaker   *breaker.Breaker
}

// New creates a Worker. The three breakers guard the recipient directory,
// the template renderer, and the transport respectively; events may be nil.
func New(
	store storage.NotificationStore,
	resolver directory.Resolver,
	renderer render.Renderer,
	providers map[string]transport.Provider,
	publisher queue.Publisher,
	dirBreaker, renderBreaker, sendBreaker *breaker.Breaker,
	logger *slog.Logger,
	events EventPublisher,
	opts Options,
) *Worker {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.SendMaxAttempts <= 0 {
		opts.SendMaxAttempts = 3
	}
	if opts.SendRetryDelay <= 0 {
		opts.SendRetryDelay = 5 * time.Second
	}
	return &Worker{
		store:         store,
		resolver:      resolver,
		renderer:      renderer,
		providers:     providers,
		publisher:     publisher,
		logger:        logger,
		events:        events,
		opts:          opts,
		dirBreaker:    dirBreaker,
		renderBreaker: renderBreaker,
		sendBreaker:   sendBreaker,
	}
}

// HandleMessage processes one dequeued delivery message and returns the
// classified outcome the broker client acts on. Every path ends in an
// explicit outcome; no error escapes the handler.
func (w *Worker) HandleMessage(ctx context.Context, d *queue.Delivery) queue.Outcome {
	msg, err := queue.DecodeMessage(d.Body)
	if err != nil {
		w.logger.Error("dropping undecodable message", "queue", d.Queue, "error", err)
		return queue.Drop
	}

	if msg.NotificationID == "" || msg.RecipientID == "" || msg.TemplateCode == "" {
		// Malformed messages can never succeed; acknowledge without retry.
		w.logger.Error("dropping message with missing required fields",
			"queue", d.Queue, "notification_id", msg.NotificationID,
			"recipient_id", msg.RecipientID, "template_code", msg.TemplateCode)
		return queue.Drop
	}

	log := w.logger.With(
		"notification_id", msg.NotificationID,
		"channel", msg.Channel,
		"retry_count", d.RetryCount,
	)

	err = w.deliver(ctx, msg)
	if err == nil {
		w.markDelivered(ctx, msg, log)
		return queue.Ack
	}

	if failure.Classify(err) == failure.ClassRetriable {
		if d.RetryCount >= w.opts.MaxRetries {
			// This attempt exhausts the retry budget: the broker client will
			// dead-letter the message, so the record reaches its terminal
			// state now with the last error preserved.
			log.Error("retries exhausted, marking failed", "error", err)
			w.markFailed(ctx, msg, err, log)
			w.emit(eventbus.EventNotificationDeadLettered, msg, err)
			return queue.Retry
		}
		log.Warn("transient delivery failure, requeueing", "error", err)
		w.emit(eventbus.EventNotificationRetried, msg, err)
		return queue.Retry
	}

	// Permanent: record the failure and acknowledge so the message never
	// occupies a retry slot.
	log.Error("permanent delivery failure", "error", err)
	w.markFailed(ctx, msg, err, log)
	return queue.Ack
}

// deliver runs the three collaborator calls for one message, each guarded by
// its circuit breaker.
func (w *Worker) deliver(ctx context.Context, msg *queue.Message) error {
	var recipient *directory.Recipient
	err := w.guarded(ctx, w.dirBreaker, func(ctx context.Context) error {
		var err error
		recipient, err = w.resolver.Resolve(ctx, msg.RecipientID)
		return err
	})
	if err != nil {
		return fmt.Errorf("resolving recipient: %w", err)
	}

	address := recipient.ContactAddress(msg.Channel)
	if address == "" {
		return failure.Permanent(fmt.Errorf("recipient %s has no %s address", msg.RecipientID, msg.Channel))
	}

	var rendered *render.Rendered
	err = w.guarded(ctx, w.renderBreaker, func(ctx context.Context) error {
		var err error
		rendered, err = w.renderer.Render(ctx, msg.TemplateCode, msg.Variables)
		return err
	})
	if err != nil {
		return fmt.Errorf("rendering template %s: %w", msg.TemplateCode, err)
	}

	provider, ok := w.providers[msg.Channel]
	if !ok {
		return failure.Permanent(fmt.Errorf("no transport for channel %q", msg.Channel))
	}

	err = w.guarded(ctx, w.sendBreaker, func(ctx context.Context) error {
		return provider.Send(ctx, transport.Message{
			To:      address,
			Subject: rendered.Subject,
			Body:    rendered.Content,
		})
	})
	if err != nil {
		return fmt.Errorf("sending via %s: %w", provider.Name(), err)
	}
	return nil
}

// guarded runs fn under b, tagging circuit-open rejections as retriable: the
// collaborator may recover once the reset timeout allows a probe.
func (w *Worker) guarded(ctx context.Context, b *breaker.Breaker, fn func(context.Context) error) error {
	err := b.Do(ctx, fn)
	if errors.Is(err, breaker.ErrOpen) {
		return failure.Retriable(err)
	}
	return err
}

// markDelivered transitions the record and reports the outcome.
func (w *Worker) markDelivered(ctx context.Context, msg *queue.Message, log *slog.Logger) {
	if err := w.store.MarkDelivered(ctx, msg.NotificationID); err != nil {
		if errors.Is(err, storage.ErrTerminalState) {
			// Redelivery of an already-handled message; nothing to update.
			log.Warn("record already terminal on delivery")
			return
		}
		log.Error("failed to mark delivered", "error", err)
		return
	}
	log.Info("notification delivered")
	w.emit(eventbus.EventNotificationDelivered, msg, nil)
	w.reportStatus(ctx, msg.NotificationID, storage.StatusDelivered, "")
}

// markFailed transitions the record with the final error message.
func (w *Worker) markFailed(ctx context.Context, msg *queue.Message, cause error, log *slog.Logger) {
	if err := w.store.MarkFailed(ctx, msg.NotificationID, cause.Error()); err != nil {
		if errors.Is(err, storage.ErrTerminalState) {
			log.Warn("record already terminal on failure")
			return
		}
		log.Error("failed to mark failed", "error", err)
		return
	}
	w.emit(eventbus.EventNotificationFailed, msg, cause)
	w.reportStatus(ctx, msg.NotificationID, storage.StatusFailed, cause.Error())
}

// reportStatus publishes the terminal outcome to the status queue. Best
// effort: the record is already updated locally.
func (w *Worker) reportStatus(ctx context.Context, id string, status storage.Status, errMsg string) {
	if w.publisher == nil {
		return
	}
	update := &queue.StatusUpdate{
		NotificationID: id,
		Status:         string(status),
		Error:          errMsg,
		Timestamp:      time.Now().UTC(),
	}
	if err := w.publisher.PublishStatus(ctx, update); err != nil {
		w.logger.Warn("failed to publish status update", "notification_id", id, "error", err)
	}
}

func (w *Worker) emit(eventType string, msg *queue.Message, cause error) {
	if w.events == nil {
		return
	}
	payload := map[string]string{
		"notification_id": msg.NotificationID,
		"channel":         msg.Channel,
	}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	w.events.Publish(eventType, payload)
}
