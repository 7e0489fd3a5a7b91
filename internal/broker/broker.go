package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pulsemail/campaign-gateway/pkg/logger"
	"github.com/streadway/amqp"
)

// Publisher is the producer-side surface of the broker.
type Publisher interface {
	// Publish serializes payload as JSON and publishes it to queue with
	// the persistent delivery flag. The bool reports whether the broker
	// confirmed the message; false means backpressure and the caller
	// must retry or surface an error rather than drop the message.
	Publish(ctx context.Context, queue string, payload any) (bool, error)
}

// Broker is the full client surface used by workers.
type Broker interface {
	Publisher
	// Consume registers handler for queue with manual acknowledgment
	// and prefetch 1. The handler must call Ack or Nack on every
	// delivery; unacknowledged messages are redelivered by the broker,
	// so handlers have to be idempotent.
	Consume(queue string, handler Handler) error
	Close() error
}

// Handler processes one delivery.
type Handler func(d *Delivery)

// Config controls connection behavior and queue declaration.
type Config struct {
	URL string

	// ConnectRetries and RetryBaseDelay shape the exponential backoff
	// used both for the initial connect and for reconnects.
	ConnectRetries int
	RetryBaseDelay time.Duration

	// Queues to declare on connect. Each name maps to optional queue
	// arguments (nil for none). The send queue carries an x-message-ttl
	// so stale fan-out triggers expire; the schedule queue does not,
	// because schedule messages legitimately wait until their due time.
	Queues map[string]amqp.Table
}

const maxRetryDelay = 32 * time.Second

type subscription struct {
	queue   string
	handler Handler
}

// Client owns one AMQP connection and channel. It is created once per
// worker process and passed by interface to producers and consumers; no
// package-level connection state.
type Client struct {
	cfg Config

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms chan amqp.Confirmation

	subs   []subscription
	closed bool
	done   chan struct{}
	fatal  chan error
}

// Connect dials the broker, retrying with exponential backoff, then
// opens a channel, enables publisher confirms, sets prefetch to one
// in-flight message and declares the configured queues as durable.
func Connect(cfg Config) (*Client, error) {
	if cfg.ConnectRetries <= 0 {
		cfg.ConnectRetries = 5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 2 * time.Second
	}

	c := &Client{
		cfg:   cfg,
		done:  make(chan struct{}),
		fatal: make(chan error, 1),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	var conn *amqp.Connection
	var err error

	delay := c.cfg.RetryBaseDelay
	for attempt := 1; attempt <= c.cfg.ConnectRetries; attempt++ {
		conn, err = amqp.Dial(c.cfg.URL)
		if err == nil {
			break
		}
		logger.Warn("broker connect failed",
			"attempt", attempt,
			"max_attempts", c.cfg.ConnectRetries,
			"retry_in", delay.String(),
			"error", err)
		if attempt == c.cfg.ConnectRetries {
			return fmt.Errorf("broker unreachable after %d attempts: %w", c.cfg.ConnectRetries, err)
		}
		time.Sleep(delay)
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	// One unacknowledged message at a time per consumer: a slow
	// campaign cannot starve others, horizontal scale comes from extra
	// worker processes with their own connections.
	if err := ch.Qos(1, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	for queue, args := range c.cfg.Queues {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
			conn.Close()
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.confirms = confirms
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, s := range subs {
		if err := c.startConsumer(s); err != nil {
			return fmt.Errorf("resubscribe %s: %w", s.queue, err)
		}
	}

	go c.watchClose(conn)

	logger.Info("broker connected", "queues", len(c.cfg.Queues))
	return nil
}

// watchClose reconnects when the connection drops. In-flight
// unacknowledged deliveries are requeued by the broker and arrive again
// on whichever consumer reconnects first.
func (c *Client) watchClose(conn *amqp.Connection) {
	closeErr := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if closeErr == nil {
		// Clean shutdown.
		return
	}

	select {
	case <-c.done:
		return
	default:
	}

	logger.Warn("broker connection lost, reconnecting", "error", closeErr)
	if err := c.connect(); err != nil {
		c.fail(err)
	}
}

// fail records an unrecoverable broker error and closes the client.
// A process with no broker connection cannot consume or publish, so the
// owner is expected to select on Fatal and exit; supervision restarts
// the process with a fresh connect-with-backoff cycle.
func (c *Client) fail(err error) {
	logger.Error("broker reconnect failed, giving up", "error", err)
	select {
	case c.fatal <- err:
	default:
	}
	c.Close()
}

// Fatal reports an error once reconnect retries are exhausted.
func (c *Client) Fatal() <-chan error {
	return c.fatal
}

func (c *Client) Publish(ctx context.Context, queue string, payload any) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		return false, fmt.Errorf("broker not connected")
	}

	err = c.ch.Publish("", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return false, fmt.Errorf("publish to %s: %w", queue, err)
	}

	select {
	case confirm, ok := <-c.confirms:
		if !ok {
			return false, fmt.Errorf("publish to %s: confirm channel closed", queue)
		}
		return confirm.Ack, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *Client) Consume(queue string, handler Handler) error {
	s := subscription{queue: queue, handler: handler}

	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()

	return c.startConsumer(s)
}

func (c *Client) startConsumer(s subscription) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("broker not connected")
	}

	tag := s.queue + "-" + uuid.NewString()[:8]
	deliveries, err := ch.Consume(s.queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.queue, err)
	}

	go func() {
		for d := range deliveries {
			s.handler(newDelivery(d))
		}
	}()

	logger.Info("consumer registered", "queue", s.queue, "tag", tag)
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
