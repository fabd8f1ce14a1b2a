// Package metrics exposes Prometheus instrumentation for the notification
// pipeline. Counters are driven by pipeline events from the event bus so
// the dispatch and delivery paths stay free of metrics plumbing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/notifyd/notifyd/internal/eventbus"
)

var (
	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_notifications_total",
			Help: "Notification pipeline outcomes by stage and channel.",
		},
		[]string{"stage", "channel"},
	)
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notifyd_breaker_state",
			Help: "Circuit breaker state per collaborator (0 closed, 1 half-open, 2 open).",
		},
		[]string{"breaker"},
	)
)

// stageFor maps pipeline event types to the counter's stage label.
var stageFor = map[string]string{
	eventbus.EventNotificationPublished:    "published",
	eventbus.EventNotificationDelivered:    "delivered",
	eventbus.EventNotificationFailed:       "failed",
	eventbus.EventNotificationRetried:      "retried",
	eventbus.EventNotificationDeadLettered: "dead_lettered",
}

var breakerStateValue = map[string]float64{
	eventbus.EventBreakerClosed:   0,
	eventbus.EventBreakerHalfOpen: 1,
	eventbus.EventBreakerOpened:   2,
}

// Listener returns an event bus listener that records pipeline events.
// Subscribe it on the shared bus before publishing starts.
func Listener() eventbus.Listener {
	return func(e eventbus.Event) {
		if stage, ok := stageFor[e.Type]; ok {
			channel := e.Payload["channel"]
			if channel == "" {
				channel = "unknown"
			}
			notificationsTotal.WithLabelValues(stage, channel).Inc()
			return
		}
		if v, ok := breakerStateValue[e.Type]; ok {
			if name := e.Payload["name"]; name != "" {
				breakerState.WithLabelValues(name).Set(v)
			}
		}
	}
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
