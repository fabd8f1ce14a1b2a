// Package queue implements the AMQP broker client: topology ownership,
// persistent publishing, and consumption with bounded retry-with-backoff and
// dead-letter routing.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Broker topology names. The live exchange carries notification traffic;
// expired or retry-exhausted messages are routed through the dead-letter
// exchange into the failed queue.
const (
	ExchangeNotifications = "notifications.direct"
	ExchangeDeadLetter    = "notifications.dlx"

	QueueEmail  = "email.queue"
	QueuePush   = "push.queue"
	QueueStatus = "status.queue"
	QueueFailed = "failed.queue"

	RoutingKeyEmail  = "email"
	RoutingKeyPush   = "push"
	RoutingKeyFailed = "failed"
)

// queueTTL is the broker-level message TTL on live queues. Messages that sit
// unconsumed this long are expired into the dead-letter exchange.
const queueTTL = 24 * time.Hour

// retryCountHeader carries the per-message requeue counter across republishes.
const retryCountHeader = "x-retry-count"

// Message is the wire shape published to and consumed from the notification
// queues. It is a snapshot of the notification record at enqueue time plus a
// retry counter; later mutations of the stored record do not affect it.
type Message struct {
	NotificationID string         `json:"notification_id"`
	RecipientID    string         `json:"recipient_id"`
	Channel        string         `json:"channel"`
	TemplateCode   string         `json:"template_code"`
	Variables      map[string]any `json:"variables"`
	Priority       int            `json:"priority"`
	RequestID      string         `json:"request_id"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	RetryCount     int            `json:"retry_count"`
	CreatedAt      time.Time      `json:"created_at"`
}

// DecodeMessage parses a queue message body.
func DecodeMessage(body []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decoding queue message: %w", err)
	}
	return &msg, nil
}

// StatusUpdate is the wire shape published to the status queue after a
// delivery reaches a terminal state.
type StatusUpdate struct {
	NotificationID string    `json:"notification_id"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
