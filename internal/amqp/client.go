package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"

	"fxledger/internal/core"
)

const (
	publishTimeout = 5 * time.Second
	maxFailures    = 5
	openTimeout    = 30 * time.Second
	maxBackoff     = 30 * time.Second
)

type Client struct {
	url          string
	exchangeName string
	queueName    string

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	breaker *gobreaker.CircuitBreaker
	dial    func(url string) (*amqp091.Connection, error)
}

func newClient(url, exchangeName, queueName string) *Client {
	c := &Client{
		url:          url,
		exchangeName: exchangeName,
		queueName:    queueName,
		dial:         amqp091.Dial,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "amqp-publish",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("AMQP publish breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	return c
}

// NewClient dials the broker and declares the exchange, queue and bindings.
func NewClient(url, exchangeName, queueName string) (*Client, error) {
	c := newClient(url, exchangeName, queueName)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connectLocked() error {
	conn, err := c.dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	c.conn = conn
	c.channel = channel

	if err := c.setup(); err != nil {
		c.closeLocked()
		return fmt.Errorf("setup exchange and queue: %w", err)
	}
	return nil
}

func (c *Client) ensureConnectedLocked() error {
	if c.channel != nil && !c.channel.IsClosed() {
		return nil
	}
	c.closeLocked()
	return c.connectLocked()
}

func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.exchangeName, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	_, err = c.channel.QueueDeclare(
		c.queueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	for _, key := range []string{RoutingExpenseRecorded, RoutingRatesRefresh} {
		if err := c.channel.QueueBind(c.queueName, key, c.exchangeName, false, nil); err != nil {
			return fmt.Errorf("bind queue to %s: %w", key, err)
		}
	}

	return nil
}

// PublishExpenseRecorded announces a committed ledger entry.
func (c *Client) PublishExpenseRecorded(ctx context.Context, e core.LedgerEntry) error {
	body, err := NewExpenseRecordedMessage(e).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := c.publish(ctx, RoutingExpenseRecorded, body); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Published expense recorded message",
		"id", e.ID,
		"exchange", c.exchangeName)
	return nil
}

// PublishRatesRefresh asks a worker to refresh rates.
func (c *Client) PublishRatesRefresh(ctx context.Context, reason string, symbols []string) error {
	body, err := NewRatesRefreshMessage(reason, symbols).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := c.publish(ctx, RoutingRatesRefresh, body); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Published rates refresh message",
		"reason", reason,
		"exchange", c.exchangeName)
	return nil
}

func (c *Client) publish(ctx context.Context, routingKey string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if err := c.ensureConnectedLocked(); err != nil {
			return nil, err
		}

		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()

		err := c.channel.PublishWithContext(
			pctx,
			c.exchangeName, // exchange
			routingKey,     // routing key
			false,          // mandatory
			false,          // immediate
			amqp091.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp091.Persistent,
				Timestamp:    time.Now(),
				Body:         body,
			},
		)
		if err != nil && isConnectionError(err) {
			c.closeLocked()
		}
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

// Handlers dispatches deliveries by routing key. A nil handler acks and drops.
type Handlers struct {
	ExpenseRecorded func(context.Context, *ExpenseRecordedMessage) error
	RatesRefresh    func(context.Context, *RatesRefreshMessage) error
}

// Consume processes deliveries until ctx is done, reconnecting with backoff
// when the broker drops the channel.
func (c *Client) Consume(ctx context.Context, h Handlers) error {
	attempt := 0
	for {
		msgs, err := c.startConsuming()
		if err != nil {
			wait := exponentialBackoff(attempt)
			attempt++
			slog.ErrorContext(ctx, "Failed to start consuming, retrying",
				"error", err,
				"backoff", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				continue
			}
		}
		attempt = 0

		slog.InfoContext(ctx, "Started consuming ledger messages", "queue", c.queueName)
		if err := c.consumeLoop(ctx, msgs, h); err != nil {
			return err
		}
		slog.WarnContext(ctx, "Message channel closed, reconnecting", "queue", c.queueName)
	}
}

func (c *Client) startConsuming() (<-chan amqp091.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureConnectedLocked(); err != nil {
		return nil, err
	}
	msgs, err := c.channel.Consume(
		c.queueName, // queue
		"",          // consumer
		false,       // auto-ack (we want manual ack)
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, fmt.Errorf("start consuming: %w", err)
	}
	return msgs, nil
}

// consumeLoop returns nil when msgs closes and ctx.Err() on shutdown.
func (c *Client) consumeLoop(ctx context.Context, msgs <-chan amqp091.Delivery, h Handlers) error {
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Stopping message consumption", "reason", ctx.Err())
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return nil
			}
			c.dispatch(ctx, delivery, h)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, d amqp091.Delivery, h Handlers) {
	var err error
	switch d.RoutingKey {
	case RoutingExpenseRecorded:
		msg, perr := ExpenseRecordedMessageFromJSON(d.Body)
		if perr != nil {
			slog.ErrorContext(ctx, "Failed to unmarshal message", "routing_key", d.RoutingKey, "error", perr)
			d.Nack(false, false)
			return
		}
		if h.ExpenseRecorded != nil {
			err = h.ExpenseRecorded(ctx, msg)
		}
	case RoutingRatesRefresh:
		msg, perr := RatesRefreshMessageFromJSON(d.Body)
		if perr != nil {
			slog.ErrorContext(ctx, "Failed to unmarshal message", "routing_key", d.RoutingKey, "error", perr)
			d.Nack(false, false)
			return
		}
		if h.RatesRefresh != nil {
			err = h.RatesRefresh(ctx, msg)
		}
	default:
		slog.WarnContext(ctx, "Unknown routing key, dropping message", "routing_key", d.RoutingKey)
		d.Nack(false, false)
		return
	}

	if err != nil {
		slog.ErrorContext(ctx, "Failed to handle message",
			"routing_key", d.RoutingKey,
			"error", err)
		d.Nack(false, !d.Redelivered) // requeue once
		return
	}
	d.Ack(false)
}

func (c *Client) closeLocked() {
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

// exponentialBackoff returns 1s * 2^attempt, capped at 30s.
func exponentialBackoff(attempt int) time.Duration {
	if attempt > 5 {
		return maxBackoff
	}
	d := time.Second * time.Duration(1<<uint(attempt))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection closed", "eof", "broken pipe", "closed network connection", "channel/connection is not open"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
