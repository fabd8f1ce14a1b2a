// Package dispatch implements the producer side of the notification pipeline:
// validate the creation request, deduplicate it by request identifier,
// persist the notification record, and enqueue the delivery message.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/notifyd/notifyd/internal/directory"
	"github.com/notifyd/notifyd/internal/eventbus"
	"github.com/notifyd/notifyd/internal/failure"
	"github.com/notifyd/notifyd/internal/idempotency"
	"github.com/notifyd/notifyd/internal/queue"
	"github.com/notifyd/notifyd/internal/storage"
)

// duplicateWaitAttempts bounds how long a concurrent duplicate waits for the
// reservation winner before falling back to a store lookup.
const (
	duplicateWaitAttempts = 20
	duplicateWaitInterval = 50 * time.Millisecond
)

// CreateRequest is an inbound notification creation request.
type CreateRequest struct {
	RecipientID  string         `json:"recipient_id"`
	Channel      string         `json:"channel"`
	TemplateCode string         `json:"template_code"`
	Variables    map[string]any `json:"variables"`
	RequestID    string         `json:"request_id"`
	Priority     int            `json:"priority"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// CreateResponse is returned to the caller; duplicate requests under the same
// request identifier receive the stored original, byte for byte.
type CreateResponse struct {
	NotificationID string    `json:"notification_id"`
	Status         string    `json:"status"`
	RequestID      string    `json:"request_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// EventPublisher receives pipeline lifecycle events; may be nil.
type EventPublisher interface {
	Publish(eventType string, payload map[string]string)
}

// Dispatcher orchestrates notification creation.
type Dispatcher struct {
	idem      idempotency.Store
	store     storage.NotificationStore
	publisher queue.Publisher
	resolver  directory.Resolver
	logger    *slog.Logger
	events    EventPublisher

	now   func() time.Time
	newID func() string
}

// New creates a Dispatcher.
func New(
	idem idempotency.Store,
	store storage.NotificationStore,
	publisher queue.Publisher,
	resolver directory.Resolver,
	logger *slog.Logger,
	events EventPublisher,
) *Dispatcher {
	return &Dispatcher{
		idem:      idem,
		store:     store,
		publisher: publisher,
		resolver:  resolver,
		logger:    logger,
		events:    events,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// CreateNotification processes one creation request. The whole operation is
// idempotent under client retries: the first request with a given request
// identifier creates the record and enqueues the message; every later or
// concurrent duplicate returns the stored response unchanged.
func (d *Dispatcher) CreateNotification(ctx context.Context, req *CreateRequest) (*CreateResponse, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	// Idempotency pre-check: a completed duplicate short-circuits here with
	// no side effects.
	processed, stored, err := d.idem.CheckAndStore(ctx, req.RequestID, nil)
	if err != nil {
		return nil, fmt.Errorf("idempotency check: %w", err)
	}
	if processed {
		return decodeResponse(stored)
	}

	// Atomically claim the request identifier so only one of several
	// concurrent duplicates does the work.
	won, err := d.idem.Reserve(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("idempotency reserve: %w", err)
	}
	if !won {
		return d.awaitWinner(ctx, req.RequestID)
	}

	resp, err := d.create(ctx, req)
	if err != nil {
		// No response was stored under this reservation; release it so the
		// caller's retry runs the pipeline again instead of hitting a
		// poisoned identifier for the rest of the retention window.
		if relErr := d.idem.Release(ctx, req.RequestID); relErr != nil {
			d.logger.Warn("failed to release idempotency reservation",
				"request_id", req.RequestID, "error", relErr)
		}
		return nil, err
	}
	return resp, nil
}

// create performs the actual work for the reservation winner.
func (d *Dispatcher) create(ctx context.Context, req *CreateRequest) (*CreateResponse, error) {
	recipient, err := d.resolver.Resolve(ctx, req.RecipientID)
	if err != nil {
		return nil, err
	}
	if !recipient.ChannelEnabled(req.Channel) {
		return nil, &failure.ConflictError{
			Resource: "recipient",
			ID:       req.RecipientID,
			Reason:   fmt.Sprintf("%s channel disabled", req.Channel),
		}
	}

	variables, err := json.Marshal(req.Variables)
	if err != nil {
		return nil, &failure.ValidationError{Field: "variables", Message: "not serializable"}
	}

	now := d.now().UTC()
	rec := &storage.NotificationRecord{
		ID:           d.newID(),
		RecipientID:  req.RecipientID,
		Channel:      storage.Channel(req.Channel),
		TemplateCode: req.TemplateCode,
		Variables:    string(variables),
		Priority:     req.Priority,
		RequestID:    req.RequestID,
		Status:       storage.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := d.store.Create(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicateRequest) {
			// A previous attempt persisted the record but failed before
			// storing the response. Rebuild it from the record and complete
			// the reservation with it.
			resp, err := d.responseFromStore(ctx, req.RequestID)
			if err != nil {
				return nil, err
			}
			d.storeResponse(ctx, req.RequestID, resp)
			return resp, nil
		}
		return nil, fmt.Errorf("persisting notification: %w", err)
	}

	msg := &queue.Message{
		NotificationID: rec.ID,
		RecipientID:    rec.RecipientID,
		Channel:        req.Channel,
		TemplateCode:   rec.TemplateCode,
		Variables:      req.Variables,
		Priority:       rec.Priority,
		RequestID:      rec.RequestID,
		Metadata:       req.Metadata,
		RetryCount:     0,
		CreatedAt:      now,
	}
	if err := d.publisher.Publish(ctx, req.Channel, msg); err != nil {
		// The record stays pending with no message in flight; the
		// reconciliation sweep republishes it. Surface the failure so the
		// caller knows the enqueue did not happen yet.
		d.logger.Error("publish failed after persist; record left pending",
			"notification_id", rec.ID, "request_id", rec.RequestID, "error", err)
		return nil, fmt.Errorf("enqueueing notification %s: %w", rec.ID, err)
	}
	if d.events != nil {
		d.events.Publish(eventbus.EventNotificationPublished, map[string]string{
			"notification_id": rec.ID,
			"channel":         req.Channel,
		})
	}

	resp := &CreateResponse{
		NotificationID: rec.ID,
		Status:         string(storage.StatusPending),
		RequestID:      rec.RequestID,
		CreatedAt:      now,
	}
	d.storeResponse(ctx, req.RequestID, resp)

	d.logger.Info("notification created",
		"notification_id", rec.ID, "channel", req.Channel,
		"recipient_id", req.RecipientID, "priority", req.Priority)
	return resp, nil
}

// storeResponse completes a reservation with the canonical response bytes.
// Best effort: the notification work is already done, so a failed store
// only costs dedup for later retries.
func (d *Dispatcher) storeResponse(ctx context.Context, requestID string, resp *CreateResponse) {
	body, err := json.Marshal(resp)
	if err != nil {
		d.logger.Warn("failed to encode idempotency result",
			"request_id", requestID, "error", err)
		return
	}
	if _, _, err := d.idem.CheckAndStore(ctx, requestID, body); err != nil {
		d.logger.Warn("failed to store idempotency result",
			"request_id", requestID, "error", err)
	}
}

// awaitWinner waits for the reservation winner's stored response, falling
// back to the persisted record if the winner is slow.
func (d *Dispatcher) awaitWinner(ctx context.Context, requestID string) (*CreateResponse, error) {
	// The winner may already have persisted the record; any persisted record
	// is enough to answer the duplicate.
	if resp, err := d.responseFromStore(ctx, requestID); err == nil {
		return resp, nil
	}

	for i := 0; i < duplicateWaitAttempts; i++ {
		processed, stored, err := d.idem.CheckAndStore(ctx, requestID, nil)
		if err != nil {
			return nil, fmt.Errorf("idempotency check: %w", err)
		}
		if processed {
			return decodeResponse(stored)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(duplicateWaitInterval):
		}
	}
	return d.responseFromStore(ctx, requestID)
}

// responseFromStore rebuilds the creation response from the persisted record.
func (d *Dispatcher) responseFromStore(ctx context.Context, requestID string) (*CreateResponse, error) {
	rec, err := d.store.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("looking up request %q: %w", requestID, err)
	}
	return &CreateResponse{
		NotificationID: rec.ID,
		Status:         string(rec.Status),
		RequestID:      rec.RequestID,
		CreatedAt:      rec.CreatedAt,
	}, nil
}

func decodeResponse(body []byte) (*CreateResponse, error) {
	var resp CreateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding stored response: %w", err)
	}
	return &resp, nil
}

// validate checks the creation request fields.
func validate(req *CreateRequest) error {
	switch {
	case req.RecipientID == "":
		return &failure.ValidationError{Field: "recipient_id", Message: "required"}
	case req.TemplateCode == "":
		return &failure.ValidationError{Field: "template_code", Message: "required"}
	case req.RequestID == "":
		return &failure.ValidationError{Field: "request_id", Message: "required"}
	case !storage.Channel(req.Channel).Valid():
		return &failure.ValidationError{Field: "channel", Message: "must be email or push"}
	case req.Priority < 1 || req.Priority > 10:
		return &failure.ValidationError{Field: "priority", Message: "must be between 1 and 10"}
	}
	return nil
}
