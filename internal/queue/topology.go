package queue

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// declareTopology asserts the exchanges, queues, and bindings this service
// owns. Every declaration is idempotent so it is safe to re-run on each
// (re)connect.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(ExchangeNotifications, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange %s: %w", ExchangeNotifications, err)
	}
	if err := ch.ExchangeDeclare(ExchangeDeadLetter, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange %s: %w", ExchangeDeadLetter, err)
	}

	// Live queues expire into the dead-letter exchange so broker-level TTL
	// expiry lands in the failed queue alongside retry-exhausted messages.
	liveArgs := amqp.Table{
		"x-dead-letter-exchange":    ExchangeDeadLetter,
		"x-dead-letter-routing-key": RoutingKeyFailed,
		"x-message-ttl":             int64(queueTTL.Milliseconds()),
		"x-max-priority":            int64(10),
	}
	for _, q := range []string{QueueEmail, QueuePush} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, liveArgs); err != nil {
			return fmt.Errorf("declaring queue %s: %w", q, err)
		}
	}
	if _, err := ch.QueueDeclare(QueueStatus, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", QueueStatus, err)
	}
	if _, err := ch.QueueDeclare(QueueFailed, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", QueueFailed, err)
	}

	bindings := []struct {
		queue, key, exchange string
	}{
		{QueueEmail, RoutingKeyEmail, ExchangeNotifications},
		{QueuePush, RoutingKeyPush, ExchangeNotifications},
		{QueueFailed, RoutingKeyFailed, ExchangeDeadLetter},
	}
	for _, b := range bindings {
		if err := ch.QueueBind(b.queue, b.key, b.exchange, false, nil); err != nil {
			return fmt.Errorf("binding %s to %s: %w", b.queue, b.exchange, err)
		}
	}
	return nil
}
