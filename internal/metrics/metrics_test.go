package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/notifyd/notifyd/internal/eventbus"
)

func TestListenerCountsPipelineEvents(t *testing.T) {
	listen := Listener()

	before := testutil.ToFloat64(notificationsTotal.WithLabelValues("delivered", "email"))
	listen(eventbus.Event{
		Type:    eventbus.EventNotificationDelivered,
		Payload: map[string]string{"notification_id": "n1", "channel": "email"},
	})
	listen(eventbus.Event{
		Type:    eventbus.EventNotificationDelivered,
		Payload: map[string]string{"notification_id": "n2", "channel": "email"},
	})
	after := testutil.ToFloat64(notificationsTotal.WithLabelValues("delivered", "email"))
	assert.Equal(t, before+2, after)
}

func TestListenerMissingChannelFallsBack(t *testing.T) {
	listen := Listener()

	before := testutil.ToFloat64(notificationsTotal.WithLabelValues("failed", "unknown"))
	listen(eventbus.Event{Type: eventbus.EventNotificationFailed, Payload: map[string]string{}})
	after := testutil.ToFloat64(notificationsTotal.WithLabelValues("failed", "unknown"))
	assert.Equal(t, before+1, after)
}

func TestListenerTracksBreakerState(t *testing.T) {
	listen := Listener()

	listen(eventbus.Event{
		Type:    eventbus.EventBreakerOpened,
		Payload: map[string]string{"name": "smtp", "from": "closed", "to": "open"},
	})
	assert.Equal(t, 2.0, testutil.ToFloat64(breakerState.WithLabelValues("smtp")))

	listen(eventbus.Event{
		Type:    eventbus.EventBreakerClosed,
		Payload: map[string]string{"name": "smtp", "from": "half_open", "to": "closed"},
	})
	assert.Equal(t, 0.0, testutil.ToFloat64(breakerState.WithLabelValues("smtp")))
}

func TestListenerIgnoresUnknownEvents(t *testing.T) {
	listen := Listener()
	// Must not panic or register anything for unrelated event types.
	listen(eventbus.Event{Type: "something.else", Payload: nil})
}
