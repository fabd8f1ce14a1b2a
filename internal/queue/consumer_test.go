package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecide_AckOutcomes(t *testing.T) {
	assert.Equal(t, actionAck, decide(Ack, 0, 3))
	assert.Equal(t, actionAck, decide(Ack, 5, 3))
	// Drop never retries, regardless of retry budget left.
	assert.Equal(t, actionAck, decide(Drop, 0, 3))
}

func TestDecide_RetryBound(t *testing.T) {
	const maxRetries = 3

	// Below the budget: requeue.
	assert.Equal(t, actionRequeue, decide(Retry, 0, maxRetries))
	assert.Equal(t, actionRequeue, decide(Retry, 1, maxRetries))
	assert.Equal(t, actionRequeue, decide(Retry, 2, maxRetries))

	// At or over the budget: dead-letter.
	assert.Equal(t, actionDeadLetter, decide(Retry, 3, maxRetries))
	assert.Equal(t, actionDeadLetter, decide(Retry, 4, maxRetries))
}

func TestDecide_TotalRequeuesNeverExceedBudget(t *testing.T) {
	// Simulate a message that fails forever: count how many times it is
	// requeued before dead-lettering.
	const maxRetries = 3
	requeues := 0
	retryCount := 0
	for {
		a := decide(Retry, retryCount, maxRetries)
		if a == actionDeadLetter {
			break
		}
		requeues++
		retryCount++ // the requeue republishes with an incremented counter
	}
	assert.Equal(t, maxRetries, requeues)
}

func TestBackoffDelay_ExponentialAndMonotone(t *testing.T) {
	assert.Equal(t, 1*time.Second, backoffDelay(0))
	assert.Equal(t, 2*time.Second, backoffDelay(1))
	assert.Equal(t, 4*time.Second, backoffDelay(2))
	assert.Equal(t, 8*time.Second, backoffDelay(3))

	for k := 1; k < 10; k++ {
		assert.Greater(t, backoffDelay(k), backoffDelay(k-1),
			"delay must strictly increase with the retry count")
	}
}

func TestRetryCountFrom(t *testing.T) {
	assert.Equal(t, 0, retryCountFrom(amqpDelivery(nil)))
	assert.Equal(t, 2, retryCountFrom(amqpDelivery(map[string]any{retryCountHeader: int32(2)})))
	assert.Equal(t, 7, retryCountFrom(amqpDelivery(map[string]any{retryCountHeader: int64(7)})))
	// Unknown header types are ignored.
	assert.Equal(t, 0, retryCountFrom(amqpDelivery(map[string]any{retryCountHeader: "2"})))
}

func TestHealthCheck_Disconnected(t *testing.T) {
	c := New(Options{URL: "amqp://localhost:5672"}, testLogger())
	assert.False(t, c.HealthCheck())
}

func TestNew_DefaultsMaxRetries(t *testing.T) {
	c := New(Options{}, testLogger())
	assert.Equal(t, 3, c.opts.MaxRetries)
}
