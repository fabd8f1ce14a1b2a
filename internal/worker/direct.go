package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/notifyd/notifyd/internal/queue"
	"github.com/notifyd/notifyd/internal/transport"
)

// messageForRecord builds the minimal message shape the state-transition
// helpers need when a direct send is tied to a stored record.
func messageForRecord(id string) *queue.Message {
	return &queue.Message{NotificationID: id, Channel: "email"}
}

// DirectEmail is a fully rendered email sent outside the queued pipeline.
type DirectEmail struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	// NotificationID, when set, ties the send to a stored record whose
	// status is updated with the outcome.
	NotificationID string `json:"notification_id,omitempty"`
}

// SendResult reports the outcome of one direct send.
type SendResult struct {
	To             string `json:"to"`
	NotificationID string `json:"notification_id,omitempty"`
	Status         string `json:"status"` // "sent" or "failed"
	Attempts       int    `json:"attempts"`
	Error          string `json:"error,omitempty"`
}

// SendDirect sends one email immediately, retrying up to SendMaxAttempts
// with a fixed delay between attempts. Unlike the queued path the retry
// loop is local and synchronous.
func (w *Worker) SendDirect(ctx context.Context, email DirectEmail) SendResult {
	result := SendResult{To: email.To, NotificationID: email.NotificationID}

	provider, ok := w.providers["email"]
	if !ok {
		result.Status = "failed"
		result.Error = "no email transport configured"
		return result
	}

	var lastErr error
	for attempt := 1; attempt <= w.opts.SendMaxAttempts; attempt++ {
		result.Attempts = attempt
		lastErr = w.guarded(ctx, w.sendBreaker, func(ctx context.Context) error {
			return provider.Send(ctx, transport.Message{
				To:      email.To,
				Subject: email.Subject,
				Body:    email.Body,
			})
		})
		if lastErr == nil {
			result.Status = "sent"
			if email.NotificationID != "" {
				w.markDelivered(ctx, messageForRecord(email.NotificationID), w.logger)
			}
			return result
		}
		w.logger.Warn("direct send attempt failed",
			"to", email.To, "attempt", attempt, "error", lastErr)
		if attempt < w.opts.SendMaxAttempts {
			select {
			case <-time.After(w.opts.SendRetryDelay):
			case <-ctx.Done():
				result.Status = "failed"
				result.Error = ctx.Err().Error()
				return result
			}
		}
	}

	result.Status = "failed"
	result.Error = lastErr.Error()
	if email.NotificationID != "" {
		w.markFailed(ctx, messageForRecord(email.NotificationID),
			fmt.Errorf("direct send failed after %d attempts: %w", w.opts.SendMaxAttempts, lastErr),
			w.logger)
	}
	return result
}

// SendBulk sends a batch of direct emails concurrently. Each item succeeds
// or fails independently; results are returned in input order.
func (w *Worker) SendBulk(ctx context.Context, emails []DirectEmail) []SendResult {
	results := make([]SendResult, len(emails))
	var wg sync.WaitGroup
	for i, email := range emails {
		wg.Add(1)
		go func(i int, email DirectEmail) {
			defer wg.Done()
			results[i] = w.SendDirect(ctx, email)
		}(i, email)
	}
	wg.Wait()
	return results
}
