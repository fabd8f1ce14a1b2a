package queue

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// amqpDelivery builds a minimal delivery for header parsing tests.
func amqpDelivery(headers map[string]any) amqp.Delivery {
	var t amqp.Table
	if headers != nil {
		t = amqp.Table(headers)
	}
	return amqp.Delivery{Headers: t}
}

func TestMessageRoundTrip(t *testing.T) {
	// The wire shape consumed by the workers must match what the producer
	// publishes, including the retry counter and snapshot timestamp.
	msg := &Message{
		NotificationID: "n1",
		RecipientID:    "u1",
		Channel:        "email",
		TemplateCode:   "welcome_email",
		Variables:      map[string]any{"name": "Ada"},
		Priority:       5,
		RequestID:      "abc123",
		RetryCount:     0,
		CreatedAt:      time.Now().UTC(),
	}

	body, err := json.Marshal(msg)
	require.NoError(t, err)

	got, err := DecodeMessage(body)
	require.NoError(t, err)
	assert.Equal(t, msg.NotificationID, got.NotificationID)
	assert.Equal(t, msg.RequestID, got.RequestID)
	assert.Equal(t, "Ada", got.Variables["name"])
}
