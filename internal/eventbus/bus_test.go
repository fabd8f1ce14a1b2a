package eventbus_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyd/notifyd/internal/eventbus"
	"github.com/notifyd/notifyd/internal/logger"
)

func TestPublishReachesAllListeners(t *testing.T) {
	bus := eventbus.New(2, logger.NewTestLogger())

	var mu sync.Mutex
	got := make(map[string]int)
	for i := 0; i < 3; i++ {
		bus.Subscribe(func(e eventbus.Event) {
			mu.Lock()
			got[e.Type]++
			mu.Unlock()
		})
	}

	bus.Publish(eventbus.EventBreakerOpened, map[string]string{"name": "render"})
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, got[eventbus.EventBreakerOpened])
}

func TestListenerPanicDoesNotStopOthers(t *testing.T) {
	bus := eventbus.New(1, logger.NewTestLogger())

	done := make(chan struct{})
	bus.Subscribe(func(eventbus.Event) { panic("boom") })
	bus.Subscribe(func(eventbus.Event) { close(done) })

	bus.Publish(eventbus.EventNotificationFailed, nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second listener never invoked")
	}
	bus.Close()
}

func TestEventCarriesTimestampAndPayload(t *testing.T) {
	bus := eventbus.New(1, logger.NewTestLogger())

	ch := make(chan eventbus.Event, 1)
	bus.Subscribe(func(e eventbus.Event) { ch <- e })

	bus.Publish(eventbus.EventNotificationDelivered, map[string]string{"notification_id": "n1"})

	select {
	case e := <-ch:
		require.Equal(t, "n1", e.Payload["notification_id"])
		assert.WithinDuration(t, time.Now(), e.Timestamp, time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	bus.Close()
}
