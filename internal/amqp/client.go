package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"kas/internal/core"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
)

const (
	publishTimeout = 5 * time.Second
	maxBackoff     = 30 * time.Second
)

// Client publishes allocation messages and consumes retry requests. Publishing
// goes through a circuit breaker so a broker outage fails fast.
type Client struct {
	url          string
	exchangeName string
	queueName    string

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	cb *gobreaker.CircuitBreaker
}

// newBreaker trips after at least 5 publishes with a 60% failure ratio and
// probes again after 10s.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("AMQP circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

func NewClient(url, exchangeName, queueName string) (*Client, error) {
	client := &Client{
		url:          url,
		exchangeName: exchangeName,
		queueName:    queueName,
		cb:           newBreaker("amqp-publish"),
	}
	if err := client.connect(); err != nil {
		return nil, err
	}
	return client, nil
}

func (c *Client) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := setup(channel, c.exchangeName, c.queueName); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("setup exchange and queue: %w", err)
	}

	c.conn = conn
	c.channel = channel
	return nil
}

func setup(ch *amqp091.Channel, exchangeName, queueName string) error {
	err := ch.ExchangeDeclare(
		exchangeName, // name
		"direct",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	_, err = ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	// Retry requests are routed by queue name; applied events use their type
	// as routing key and reach whoever binds to it.
	if err := ch.QueueBind(queueName, queueName, exchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// channelLocked returns an open channel, redialing when the broker dropped us.
func (c *Client) channelLocked() (*amqp091.Channel, error) {
	if c.channel != nil && !c.channel.IsClosed() {
		return c.channel, nil
	}
	if c.conn != nil && !c.conn.IsClosed() {
		c.conn.Close()
	}
	if err := c.connectLocked(); err != nil {
		return nil, err
	}
	return c.channel, nil
}

// PublishAllocationRetry asks a worker to apply the given intent.
func (c *Client) PublishAllocationRetry(ctx context.Context, intentID string) error {
	body, err := NewAllocationRetryMessage(intentID).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := c.publish(ctx, c.queueName, TypeAllocationRetry, body); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Published allocation retry message", "intent_id", intentID, "queue", c.queueName)
	return nil
}

// PublishAllocationApplied announces a stored allocation.
func (c *Client) PublishAllocationApplied(ctx context.Context, a core.SavingsAllocation) error {
	body, err := NewAllocationAppliedMessage(a).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.publish(ctx, TypeAllocationApplied, TypeAllocationApplied, body)
}

func (c *Client) publish(ctx context.Context, routingKey, msgType string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := c.cb.Execute(func() (any, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		ch, err := c.channelLocked()
		if err != nil {
			return nil, err
		}

		pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()

		return nil, ch.PublishWithContext(
			pubCtx,
			c.exchangeName, // exchange
			routingKey,     // routing key
			false,          // mandatory
			false,          // immediate
			amqp091.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp091.Persistent,
				Timestamp:    time.Now(),
				Type:         msgType,
				Body:         body,
			},
		)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("publish %s: circuit breaker is open: %w", msgType, err)
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", msgType, err)
	}
	return nil
}

// ConsumeAllocationRetries delivers retry requests to handler until ctx is
// done. Lost connections are redialed with exponential backoff. Messages
// the handler fails on are dropped, as are malformed ones.
func (c *Client) ConsumeAllocationRetries(ctx context.Context, handler func(context.Context, *AllocationRetryMessage) error) error {
	attempt := 0
	for {
		err := c.consumeOnce(ctx, handler)
		if ctx.Err() != nil {
			slog.InfoContext(ctx, "Stopping message consumption", "reason", ctx.Err())
			return ctx.Err()
		}
		if !isConnectionError(err) {
			return err
		}

		wait := exponentialBackoff(attempt)
		attempt++
		slog.WarnContext(ctx, "AMQP connection lost, reconnecting", "error", err, "attempt", attempt, "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		if err := c.connect(); err != nil {
			slog.WarnContext(ctx, "AMQP reconnect failed", "error", err)
			continue
		}
		attempt = 0
	}
}

func (c *Client) consumeOnce(ctx context.Context, handler func(context.Context, *AllocationRetryMessage) error) error {
	c.mu.Lock()
	ch, err := c.channelLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	msgs, err := ch.Consume(
		c.queueName, // queue
		"",          // consumer
		false,       // auto-ack (we want manual ack)
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	slog.InfoContext(ctx, "Started consuming allocation retry messages", "queue", c.queueName)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return errors.New("message channel closed")
			}

			settle(ctx, delivery, handler)
		}
	}
}

// settle runs handler on one delivery and acknowledges it. Failed messages
// are dropped rather than requeued: the intent stays pending in the ledger
// and the outbox poll retries it with backoff, while an immediate requeue
// would spin on a store that is down.
func settle(ctx context.Context, delivery amqp091.Delivery, handler func(context.Context, *AllocationRetryMessage) error) {
	msg, err := AllocationRetryMessageFromJSON(delivery.Body)
	if err != nil || msg.IntentID == "" {
		slog.ErrorContext(ctx, "Failed to unmarshal message", "error", err)
		delivery.Nack(false, false)
		return
	}

	if err := handler(ctx, msg); err != nil {
		slog.WarnContext(ctx, "Failed to handle allocation retry, leaving it to outbox polling",
			"error", err, "intent_id", msg.IntentID)
		delivery.Nack(false, false)
		return
	}

	delivery.Ack(false)
	slog.DebugContext(ctx, "Processed allocation retry message", "intent_id", msg.IntentID)
}

// exponentialBackoff doubles from 1s and caps at 30s.
func exponentialBackoff(attempt int) time.Duration {
	if attempt > 5 {
		return maxBackoff
	}
	d := time.Second << attempt
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
	for _, s := range []string{"connection", "eof", "broken pipe", "channel closed"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
