// Package busclient turns the one-way publish primitive of an AMQP
// broker into a cancellable request/reply RPC: publish to a named
// queue, correlate the reply on a private queue, and hand the body
// back to whichever caller is waiting on that correlation id.
package busclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Errors returned by Call. Kinds are distinct so handlers can map them
// to the right HTTP status without string matching.
var (
	ErrCancelled           = errors.New("busclient: call cancelled")
	ErrUpstreamUnavailable = errors.New("busclient: broker connection unavailable")
	ErrPublishFailed       = errors.New("busclient: publish failed")
)

// Config dials the broker.
type Config struct {
	URL     string
	Timeout time.Duration
}

// publisher is the slice of *amqp.Channel the client needs. Isolating
// it behind an interface, the same way the teacher isolates its Kafka
// reader, lets tests drive the correlation logic without a live
// broker.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type pendingCall struct {
	reply chan []byte
}

// Client is the bus RPC client. It owns one long-lived connection, one
// publishing channel, and one consumer on a private, exclusive reply
// queue. Call is safe to invoke concurrently from any number of
// goroutines; the correlation map is the only shared mutable state and
// is guarded by mu.
type Client struct {
	conn       *amqp.Connection
	publishCh  publisher
	replyQueue string

	publishMu sync.Mutex // amqp channels are not safe for concurrent Publish

	mu      sync.Mutex
	pending map[string]pendingCall

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to the broker, declares the client's private reply
// queue, and starts the consumer goroutine that demultiplexes incoming
// replies by correlation id. Recovery from a mid-flight disconnect is
// not attempted automatically here — that responsibility belongs to an
// operator-supervised process restart or a higher-level reconnect loop,
// matching the broker library's own stance that connection recovery is
// its caller's concern.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(dialTimeout(cfg.Timeout)),
	})
	if err != nil {
		return nil, fmt.Errorf("busclient: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("busclient: open channel: %w", err)
	}
	replyQueue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("busclient: declare reply queue: %w", err)
	}
	deliveries, err := ch.Consume(replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("busclient: consume reply queue: %w", err)
	}

	c := newClient(ch, replyQueue.Name)
	c.conn = conn

	closeNotify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go c.consumeReplies(toBodies(deliveries))
	go c.watchClose(closeNotify)
	return c, nil
}

func toBodies(deliveries <-chan amqp.Delivery) <-chan delivery {
	out := make(chan delivery)
	go func() {
		defer close(out)
		for d := range deliveries {
			out <- delivery{correlationID: d.CorrelationId, body: d.Body}
		}
	}()
	return out
}

// delivery is the minimal shape consumeReplies needs, decoupled from
// the concrete amqp.Delivery so tests can feed it directly.
type delivery struct {
	correlationID string
	body          []byte
}

func newClient(pub publisher, replyQueue string) *Client {
	return &Client{
		publishCh:  pub,
		replyQueue: replyQueue,
		pending:    make(map[string]pendingCall),
		closed:     make(chan struct{}),
	}
}

func dialTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}

func (c *Client) consumeReplies(deliveries <-chan delivery) {
	for msg := range deliveries {
		c.mu.Lock()
		waiter, ok := c.pending[msg.correlationID]
		if ok {
			delete(c.pending, msg.correlationID)
		}
		c.mu.Unlock()
		if !ok {
			// Either cancelled already or a stray/duplicate reply; drop it.
			continue
		}
		waiter.reply <- msg.body
	}
}

func (c *Client) watchClose(notify chan *amqp.Error) {
	err, ok := <-notify
	if !ok {
		return
	}
	log.Printf("busclient: connection closed: %v", err)
	c.failAllPending()
}

func (c *Client) failAllPending() {
	c.closeOnce.Do(func() { close(c.closed) })
	c.mu.Lock()
	for id, waiter := range c.pending {
		close(waiter.reply)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// Call publishes payload to queue and blocks until the correlated
// reply arrives, ctx is cancelled, or the broker connection is lost.
// The correlation id is registered before publishing so a reply that
// races the publish acknowledgement can never be missed.
func (c *Client) Call(ctx context.Context, queue string, payload []byte) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, ErrUpstreamUnavailable
	default:
	}

	corrID := uuid.New().String()
	waiter := pendingCall{reply: make(chan []byte, 1)}

	c.mu.Lock()
	c.pending[corrID] = waiter
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, corrID)
		c.mu.Unlock()
	}

	c.publishMu.Lock()
	err := c.publishCh.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       c.replyQueue,
		Body:          payload,
		Timestamp:     time.Now().UTC(),
	})
	c.publishMu.Unlock()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	select {
	case body, ok := <-waiter.reply:
		if !ok {
			return nil, ErrUpstreamUnavailable
		}
		return body, nil
	case <-ctx.Done():
		cleanup()
		return nil, ErrCancelled
	case <-c.closed:
		cleanup()
		return nil, ErrUpstreamUnavailable
	}
}

// Healthy reports whether the underlying connection is still open.
func (c *Client) Healthy() bool {
	select {
	case <-c.closed:
		return false
	default:
		return c.conn == nil || !c.conn.IsClosed()
	}
}

// PendingCount exposes the correlation map size, primarily for tests
// asserting that cancellation doesn't leak entries.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	var err error
	if c.publishCh != nil {
		err = c.publishCh.Close()
	}
	if c.conn != nil {
		if cerr := c.conn.Close(); cerr != nil {
			err = cerr
		}
	}
	return err
}
