package storage

import (
	"context"
	"errors"
	"time"
)

// Channel is the delivery channel of a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelPush
}

// Status is the lifecycle state of a notification record.
// pending is the only non-terminal state; delivered and failed are terminal
// and never regressed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Audit log event names for status transitions.
const (
	EventCreated   = "created"
	EventDelivered = "status_changed_to_delivered"
	EventFailed    = "status_changed_to_failed"
)

// ErrNotFound is returned when no record exists for the given identifier.
var ErrNotFound = errors.New("notification not found")

// ErrTerminalState is returned when a status transition is attempted on a
// record that already reached delivered or failed.
var ErrTerminalState = errors.New("notification already in terminal state")

// ErrDuplicateRequest is returned when a record with the same request
// identifier already exists.
var ErrDuplicateRequest = errors.New("request identifier already used")

// NotificationRecord is the persisted lifecycle record of one notification.
type NotificationRecord struct {
	ID           string     `json:"id"`
	RecipientID  string     `json:"recipient_id"`
	Channel      Channel    `json:"channel"`
	TemplateCode string     `json:"template_code"`
	Variables    string     `json:"variables"` // JSON-encoded variable bag
	Priority     int        `json:"priority"`
	RequestID    string     `json:"request_id"`
	Status       Status     `json:"status"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
}

// AuditEntry is one append-only audit log row for a notification.
type AuditEntry struct {
	ID             int64     `json:"id"`
	NotificationID string    `json:"notification_id"`
	Event          string    `json:"event"`
	Detail         string    `json:"detail,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// NotificationStore persists notification records and their audit trail.
type NotificationStore interface {
	// Create inserts a new record with status pending and appends the
	// "created" audit entry. Returns ErrDuplicateRequest when the request
	// identifier is already used.
	Create(ctx context.Context, rec *NotificationRecord) error

	// GetByID returns the record with the given id, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*NotificationRecord, error)

	// GetByRequestID returns the record created under the given request
	// identifier, or ErrNotFound.
	GetByRequestID(ctx context.Context, requestID string) (*NotificationRecord, error)

	// MarkDelivered transitions pending → delivered, stamping delivered_at
	// and appending an audit entry. Returns ErrTerminalState if the record
	// already left pending, ErrNotFound if it does not exist.
	MarkDelivered(ctx context.Context, id string) error

	// MarkFailed transitions pending → failed with the final error message.
	// Same terminal-state rules as MarkDelivered.
	MarkFailed(ctx context.Context, id string, errMsg string) error

	// ListAudit returns the audit entries for a notification in append order.
	ListAudit(ctx context.Context, id string) ([]AuditEntry, error)

	// ListStalePending returns up to limit pending records created before
	// cutoff, oldest first. Used by the reconciliation sweep.
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]NotificationRecord, error)
}
