package queue

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Outcome is a message handler's classified verdict. The broker client turns
// it into an ack, a delayed requeue, or a dead-letter — handlers never signal
// retry by panicking or returning raw errors.
type Outcome int

const (
	// Ack removes the message from the queue; the handler fully dealt with it
	// (including terminal failures it already recorded).
	Ack Outcome = iota
	// Retry requeues the message with backoff, up to the retry budget, after
	// which it is dead-lettered.
	Retry
	// Drop acknowledges without processing; used for malformed messages that
	// can never succeed.
	Drop
)

// Handler processes one delivered message and returns its classified outcome.
type Handler func(ctx context.Context, msg *Delivery) Outcome

// Delivery is one consumed message plus its broker metadata.
type Delivery struct {
	Body       []byte
	RetryCount int
	Queue      string
}

// ConsumeOptions configures a consumer registration.
type ConsumeOptions struct {
	// Prefetch bounds the unacknowledged messages held by this consumer.
	// Defaults to 10.
	Prefetch int
}

// action is the broker-level disposition of a handled message.
type action int

const (
	actionAck action = iota
	actionRequeue
	actionDeadLetter
)

// decide maps a handler outcome and the message's retry count to a broker
// action. Pure function; the retry/DLQ policy is testable without a broker.
func decide(o Outcome, retryCount, maxRetries int) action {
	switch o {
	case Retry:
		if retryCount >= maxRetries {
			return actionDeadLetter
		}
		return actionRequeue
	default:
		return actionAck
	}
}

// backoffDelay returns the delay before requeue attempt retryCount: 2^n
// seconds, strictly increasing.
func backoffDelay(retryCount int) time.Duration {
	return time.Duration(1<<uint(retryCount)) * time.Second
}

// Consume registers handler against queueName. Each delivered message is
// handled in its own goroutine; the broker's prefetch bound caps how many run
// concurrently. Consumption survives reconnects: the loop re-registers after
// every connection loss until ctx is done or the client is closed.
func (c *Client) Consume(ctx context.Context, queueName string, handler Handler, opts ConsumeOptions) {
	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = 10
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.waitReady(ctx); err != nil {
				return
			}
			if err := c.consumeOnce(ctx, queueName, handler, prefetch); err != nil {
				c.logger.Warn("consumer stopped, waiting for reconnect",
					"queue", queueName, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-c.closeCh:
				return
			case <-time.After(reconnectBaseDelay):
			}
		}
	}()
}

// consumeOnce runs one consumer session on a dedicated channel until the
// channel dies or ctx is done.
func (c *Client) consumeOnce(ctx context.Context, queueName string, handler Handler, prefetch int) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("setting prefetch: %w", err)
	}

	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming from %s: %w", queueName, err)
	}
	c.logger.Info("consumer registered", "queue", queueName, "prefetch", prefetch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", queueName)
			}
			go c.handleDelivery(ctx, queueName, handler, d)
		}
	}
}

// handleDelivery runs the handler for one message and applies its outcome.
func (c *Client) handleDelivery(ctx context.Context, queueName string, handler Handler, d amqp.Delivery) {
	retryCount := retryCountFrom(d)
	outcome := handler(ctx, &Delivery{Body: d.Body, RetryCount: retryCount, Queue: queueName})

	switch decide(outcome, retryCount, c.opts.MaxRetries) {
	case actionAck:
		if err := d.Ack(false); err != nil {
			c.logger.Error("failed to ack message", "queue", queueName, "error", err)
		}

	case actionRequeue:
		delay := backoffDelay(retryCount)
		c.logger.Info("requeueing message with backoff",
			"queue", queueName, "retry_count", retryCount,
			"max_retries", c.opts.MaxRetries, "delay", delay.String())
		// The delayed republish holds this prefetch slot but never blocks the
		// dispatch loop; other slots keep receiving messages.
		time.AfterFunc(delay, func() {
			c.requeue(queueName, d, retryCount+1)
		})

	case actionDeadLetter:
		c.logger.Error("retry budget exhausted, dead-lettering message",
			"queue", queueName, "retry_count", retryCount)
		// Nack without requeue: the queue's dead-letter-exchange argument
		// routes the message to the failed queue.
		if err := d.Nack(false, false); err != nil {
			c.logger.Error("failed to nack message", "queue", queueName, "error", err)
		}
	}
}

// requeue republishes the message to its queue with an incremented retry
// counter, then acks the original. If the republish fails the original is
// nacked with requeue so the broker redelivers it (without the incremented
// counter) once connectivity returns.
func (c *Client) requeue(queueName string, d amqp.Delivery, nextRetryCount int) {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryCountHeader] = int32(nextRetryCount)

	pub := amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Priority:     d.Priority,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         d.Body,
	}

	c.mu.RLock()
	ch := c.pubCh
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if ch == nil {
		err = ErrNotConnected
	} else {
		c.pubMu.Lock()
		err = ch.PublishWithContext(ctx, "", queueName, false, false, pub)
		c.pubMu.Unlock()
	}
	if err != nil {
		c.logger.Error("failed to republish for retry, returning message to queue",
			"queue", queueName, "error", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message", "queue", queueName, "error", nackErr)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		c.logger.Error("failed to ack original after retry republish",
			"queue", queueName, "error", err)
	}
}

// retryCountFrom reads the retry counter from the message headers.
// Messages without the header are on their first delivery.
func retryCountFrom(d amqp.Delivery) int {
	if d.Headers != nil {
		if v, ok := d.Headers[retryCountHeader]; ok {
			switch n := v.(type) {
			case int32:
				return int(n)
			case int64:
				return int(n)
			case int:
				return n
			}
		}
	}
	return 0
}
