package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned by publish operations while the broker
// connection is down. The caller decides whether to surface or swallow it.
var ErrNotConnected = errors.New("broker not connected")

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// Publisher is the producer-side surface of the broker client.
type Publisher interface {
	// Publish serializes msg as JSON and publishes it persistently on the
	// notifications exchange under routingKey, carrying the message priority
	// as a broker-level hint.
	Publish(ctx context.Context, routingKey string, msg *Message) error

	// PublishStatus sends a delivery outcome report to the status queue.
	PublishStatus(ctx context.Context, update *StatusUpdate) error
}

// Options configures the broker client.
type Options struct {
	// URL is the AMQP connection string.
	URL string
	// MaxRetries is the number of requeue attempts before dead-lettering.
	MaxRetries int
}

// Client owns the AMQP connection, the queue topology, and the consumer-side
// retry/dead-letter policy. It reconnects with backoff on broker failures and
// re-asserts the topology on every connect.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	pubCh   *amqp.Channel
	pubMu   sync.Mutex // amqp channels are not safe for concurrent publish
	ready   chan struct{}
	closed  bool
	closeCh chan struct{}

	wg sync.WaitGroup
}

// New creates a Client. Call Connect before publishing or consuming.
func New(opts Options, logger *slog.Logger) *Client {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &Client{
		opts:    opts,
		logger:  logger,
		ready:   make(chan struct{}),
		closeCh: make(chan struct{}),
	}
}

// Connect dials the broker, declares the topology, and starts the reconnect
// watcher. It blocks until the first connection attempt resolves.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.watchConnection()
	return nil
}

// dial establishes a connection and publish channel and asserts the topology.
func (c *Client) dial(_ context.Context) error {
	conn, err := amqp.Dial(c.opts.URL)
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("opening channel: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.pubCh = ch
	close(c.ready)
	c.mu.Unlock()

	c.logger.Info("broker connected", "url", c.opts.URL)
	return nil
}

// watchConnection reconnects with exponential backoff whenever the broker
// connection drops, until Close is called.
func (c *Client) watchConnection() {
	defer c.wg.Done()

	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		closeErr := make(chan *amqp.Error, 1)
		conn.NotifyClose(closeErr)

		select {
		case <-c.closeCh:
			return
		case err := <-closeErr:
			if err == nil {
				// Graceful close.
				return
			}
			c.logger.Error("broker connection lost", "error", err)
		}

		c.mu.Lock()
		c.conn = nil
		c.pubCh = nil
		c.ready = make(chan struct{})
		c.mu.Unlock()

		delay := reconnectBaseDelay
		for {
			select {
			case <-c.closeCh:
				return
			case <-time.After(delay):
			}

			if err := c.dial(context.Background()); err == nil {
				break
			} else {
				c.logger.Warn("broker reconnect failed", "error", err, "retry_in", delay.String())
			}

			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
		}
	}
}

// channel returns a fresh AMQP channel on the current connection, or
// ErrNotConnected while the connection is down.
func (c *Client) channel() (*amqp.Channel, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || conn.IsClosed() {
		return nil, ErrNotConnected
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	return ch, nil
}

// Publish sends msg persistently to the notifications exchange.
func (c *Client) Publish(ctx context.Context, routingKey string, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return c.publish(ctx, ExchangeNotifications, routingKey, body, publishProps{
		priority:   msg.Priority,
		retryCount: msg.RetryCount,
	})
}

// PublishStatus sends a delivery outcome report to the status queue.
// The default exchange routes it by queue name.
func (c *Client) PublishStatus(ctx context.Context, update *StatusUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encoding status update: %w", err)
	}
	return c.publish(ctx, "", QueueStatus, body, publishProps{})
}

// publishProps carries the per-message broker properties.
type publishProps struct {
	priority   int
	retryCount int
}

func (c *Client) publish(ctx context.Context, exchange, routingKey string, body []byte, props publishProps) error {
	c.mu.RLock()
	ch := c.pubCh
	c.mu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}
	if props.priority > 0 {
		pub.Priority = uint8(props.priority)
	}
	if props.retryCount > 0 {
		pub.Headers = amqp.Table{retryCountHeader: int32(props.retryCount)}
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, pub); err != nil {
		return fmt.Errorf("publishing to %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

// HealthCheck reports current broker connectivity without blocking or failing.
func (c *Client) HealthCheck() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Close shuts down the connection and stops the reconnect watcher.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	conn := c.conn
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()
	c.logger.Info("broker connection closed")
	return err
}

// waitReady blocks until the client is connected, ctx is done, or the client
// is closed. Used by consumers to pause across reconnects.
func (c *Client) waitReady(ctx context.Context) error {
	c.mu.RLock()
	ready := c.ready
	c.mu.RUnlock()

	select {
	case <-ready:
		return nil
	case <-c.closeCh:
		return errors.New("broker client closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}
