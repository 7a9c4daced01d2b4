// Package queue implements the message queue gateway: topology declaration,
// envelope publishing with priority/TTL/persistence, and consumer loops with
// ack/nack and retry-count bookkeeping over the broker connection pool.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/parikshitpisal/circa-boybz6-sub001/internal/broker"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/metrics"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/retry"
)

// Common errors.
var (
	ErrPublishFailed  = errors.New("publish failed after retries")
	ErrConsumerClosed = errors.New("consumer channel closed")
	ErrRetryBudget    = errors.New("envelope retry count exceeds its maximum")
)

// Channel is the subset of the AMQP channel the gateway uses. Satisfied by
// *amqp.Channel; tests substitute fakes.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
}

// Channels hands out broker channels. Acquisition must be repeated after any
// operation failure; channels are never migrated across reconnects.
type Channels interface {
	Acquire() (Channel, error)
}

// PoolChannels adapts the broker pool to the Channels interface.
type PoolChannels struct {
	Pool *broker.Pool
}

// Acquire returns a channel from a healthy pool member.
func (pc *PoolChannels) Acquire() (Channel, error) {
	h, err := pc.Pool.AcquireChannel()
	if err != nil {
		return nil, err
	}
	return h.Channel(), nil
}

// Handler processes one decoded envelope. A nil return acknowledges the
// delivery; an error triggers the retry/dead-letter bookkeeping.
type Handler func(ctx context.Context, env *Envelope) error

// ConsumeOptions tunes one consumer subscription.
type ConsumeOptions struct {
	Prefetch    int
	ConsumerTag string

	// Concurrency bounds how many deliveries are handled at once. Values
	// below 1 keep the loop serial. A handler that blocks (backoff pacing,
	// a slow endpoint) must not stall unrelated deliveries on the same
	// queue, so consumers that pace redeliveries set this above 1.
	Concurrency int
}

// Config configures a gateway.
type Config struct {
	// PublishRetry bounds transient publish failures before surfacing
	// ErrPublishFailed. Defaults to 3 attempts with jittered backoff.
	PublishRetry retry.Policy

	// Prefetch is the default per-consumer prefetch when ConsumeOptions
	// does not override it.
	Prefetch int
}

// Gateway publishes and consumes envelopes over pooled broker channels.
type Gateway struct {
	channels     Channels
	publishRetry retry.Policy
	prefetch     int
	logger       *slog.Logger

	mu       sync.Mutex
	declared map[string]struct{}
}

// NewGateway creates a gateway over the given channel source.
func NewGateway(channels Channels, cfg Config, logger *slog.Logger) *Gateway {
	if cfg.PublishRetry.MaxAttempts == 0 {
		cfg.PublishRetry = retry.Policy{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2,
			Jitter:       true,
		}
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Gateway{
		channels:     channels,
		publishRetry: cfg.PublishRetry,
		prefetch:     cfg.Prefetch,
		logger:       logger.With("component", "queue-gateway"),
		declared:     make(map[string]struct{}),
	}
}

// DeclareTopology asserts the exchange/queue/dead-letter layout for one
// message type. Safe to call repeatedly; declarations assert rather than
// create-or-fail.
func (g *Gateway) DeclareTopology(t Topology) error {
	g.mu.Lock()
	if _, ok := g.declared[t.QueueName]; ok {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	ch, err := g.channels.Acquire()
	if err != nil {
		return fmt.Errorf("failed to acquire channel for topology declaration: %w", err)
	}

	if err := ch.ExchangeDeclare(t.ExchangeName, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", t.ExchangeName, err)
	}
	if err := ch.ExchangeDeclare(t.DeadLetterExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange %s: %w", t.DeadLetterExchange, err)
	}

	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue %s: %w", t.DeadLetterQueue, err)
	}
	if err := ch.QueueBind(t.DeadLetterQueue, t.RoutingKey, t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead-letter queue %s: %w", t.DeadLetterQueue, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    t.DeadLetterExchange,
		"x-dead-letter-routing-key": t.RoutingKey,
	}
	if t.MaxPriority > 0 {
		args["x-max-priority"] = int32(t.MaxPriority)
	}
	if t.MessageTTL > 0 {
		args["x-message-ttl"] = int32(t.MessageTTL.Milliseconds())
	}

	if _, err := ch.QueueDeclare(t.QueueName, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", t.QueueName, err)
	}
	if err := ch.QueueBind(t.QueueName, t.RoutingKey, t.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", t.QueueName, err)
	}

	g.mu.Lock()
	g.declared[t.QueueName] = struct{}{}
	g.mu.Unlock()

	g.logger.Info("topology declared",
		"exchange", t.ExchangeName,
		"queue", t.QueueName,
		"routing_key", t.RoutingKey,
		"dead_letter_queue", t.DeadLetterQueue)

	return nil
}

// Publish serializes the envelope and publishes it to the topology's
// exchange with the requested persistence, priority, and expiration.
// Transient failures are retried with jittered backoff up to the configured
// bound before ErrPublishFailed is surfaced.
func (g *Gateway) Publish(ctx context.Context, t Topology, env *Envelope) error {
	if env.RetryCount > env.MaxRetries {
		return fmt.Errorf("%w: %d > %d", ErrRetryBudget, env.RetryCount, env.MaxRetries)
	}

	pub, err := env.publishing()
	if err != nil {
		return err
	}

	err = g.publishRetry.Do(ctx, func() error {
		ch, acquireErr := g.channels.Acquire()
		if acquireErr != nil {
			return acquireErr
		}
		return ch.PublishWithContext(ctx, t.ExchangeName, t.RoutingKey, false, false, pub)
	})
	if err != nil {
		metrics.PublishFailures.WithLabelValues(t.QueueName).Inc()
		g.logger.Error("publish failed",
			"envelope_id", env.ID,
			"queue", t.QueueName,
			"error", err)
		return fmt.Errorf("%w: envelope %s to %s: %v", ErrPublishFailed, env.ID, t.QueueName, err)
	}

	metrics.MessagesPublished.WithLabelValues(t.QueueName).Inc()
	g.logger.Debug("envelope published",
		"envelope_id", env.ID,
		"payload_type", env.PayloadType,
		"queue", t.QueueName,
		"priority", env.Priority,
		"retry_count", env.RetryCount)

	return nil
}

// Consume drives a consumer loop on the named queue until ctx is canceled
// or the underlying channel closes. Handlers run on up to Concurrency
// goroutines bounded below the prefetch window. On handler failure the
// envelope is redelivered with its retry header incremented while budget
// remains; an exhausted budget routes it to the bound dead-letter queue
// exactly once. The acknowledgment is never sent before the handler
// returns.
func (g *Gateway) Consume(ctx context.Context, queueName string, handler Handler, opts ConsumeOptions) error {
	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = g.prefetch
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	ch, err := g.channels.Acquire()
	if err != nil {
		return fmt.Errorf("failed to acquire consumer channel for %s: %w", queueName, err)
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch on %s: %w", queueName, err)
	}

	deliveries, err := ch.Consume(queueName, opts.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consumer on %s: %w", queueName, err)
	}

	g.logger.Info("consumer started",
		"queue", queueName, "prefetch", prefetch, "concurrency", concurrency)

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("consumer stopping", "queue", queueName)
			return ctx.Err()

		case d, ok := <-deliveries:
			if !ok {
				// The channel died with the connection; the caller
				// reacquires and restarts rather than migrating.
				g.logger.Warn("consumer channel closed", "queue", queueName)
				return ErrConsumerClosed
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// Shutting down with every handler slot busy; the
				// unacked delivery goes back to the queue.
				_ = d.Nack(false, true)
				g.logger.Info("consumer stopping", "queue", queueName)
				return ctx.Err()
			}

			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				g.handleDelivery(ctx, queueName, &d, handler)
			}(d)
		}
	}
}

// handleDelivery decodes one delivery, runs the handler, and applies the
// ack/redeliver/dead-letter outcome.
func (g *Gateway) handleDelivery(ctx context.Context, queueName string, d *amqp.Delivery, handler Handler) {
	env, err := decodeEnvelope(d)
	if err != nil {
		// Malformed payloads can never succeed; dead-letter immediately.
		g.logger.Error("rejecting undecodable delivery", "queue", queueName, "error", err)
		_ = d.Nack(false, false)
		metrics.MessagesConsumed.WithLabelValues(queueName, "dead_lettered").Inc()
		return
	}

	handlerErr := handler(ctx, env)
	if handlerErr == nil {
		if err := d.Ack(false); err != nil {
			g.logger.Error("failed to ack delivery", "queue", queueName, "envelope_id", env.ID, "error", err)
			return
		}
		metrics.MessagesConsumed.WithLabelValues(queueName, "acked").Inc()
		return
	}

	if env.RetryCount < env.MaxRetries {
		if err := g.redeliver(ctx, queueName, d, env); err != nil {
			// Could not schedule the retry; requeue the original so the
			// at-least-once guarantee holds with the old retry count.
			g.logger.Error("failed to redeliver envelope, requeueing original",
				"queue", queueName, "envelope_id", env.ID, "error", err)
			_ = d.Nack(false, true)
			return
		}
		metrics.MessagesConsumed.WithLabelValues(queueName, "retried").Inc()
		g.logger.Warn("handler failed, envelope scheduled for redelivery",
			"queue", queueName,
			"envelope_id", env.ID,
			"retry_count", env.RetryCount+1,
			"max_retries", env.MaxRetries,
			"error", handlerErr)
		return
	}

	// Budget exhausted: route to the bound dead-letter queue.
	if err := d.Nack(false, false); err != nil {
		g.logger.Error("failed to dead-letter envelope", "queue", queueName, "envelope_id", env.ID, "error", err)
		return
	}
	metrics.MessagesConsumed.WithLabelValues(queueName, "dead_lettered").Inc()
	g.logger.Error("envelope dead-lettered",
		"queue", queueName,
		"envelope_id", env.ID,
		"retry_count", env.RetryCount,
		"max_retries", env.MaxRetries,
		"error", handlerErr)
}

// redeliver publishes a copy of the delivery with the retry header
// incremented and acknowledges the original. The broker cannot mutate
// headers on a nack, so redelivery-with-bookkeeping is republish-and-ack.
func (g *Gateway) redeliver(ctx context.Context, queueName string, d *amqp.Delivery, env *Envelope) error {
	ch, err := g.channels.Acquire()
	if err != nil {
		return err
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[HeaderRetryCount] = int32(env.RetryCount + 1)
	headers[HeaderMaxRetries] = int32(env.MaxRetries)

	pub := amqp.Publishing{
		ContentType:  d.ContentType,
		MessageId:    d.MessageId,
		Type:         d.Type,
		Timestamp:    d.Timestamp,
		Priority:     d.Priority,
		DeliveryMode: d.DeliveryMode,
		Expiration:   d.Expiration,
		Headers:      headers,
		Body:         d.Body,
	}

	// Publish through the default exchange straight back onto the queue.
	if err := ch.PublishWithContext(ctx, "", queueName, false, false, pub); err != nil {
		return err
	}

	return d.Ack(false)
}

// DeadLetter is one inspectable entry from a dead-letter queue.
type DeadLetter struct {
	Envelope   *Envelope
	Queue      string
	DeadAt     time.Time
	DecodeErr  string
	RawPreview string
}

// PeekDeadLetters fetches up to limit entries from the dead-letter queue
// without consuming them (fetched messages are requeued).
func (g *Gateway) PeekDeadLetters(t Topology, limit int) ([]DeadLetter, error) {
	ch, err := g.channels.Acquire()
	if err != nil {
		return nil, err
	}

	var entries []DeadLetter
	for i := 0; i < limit; i++ {
		d, ok, err := ch.Get(t.DeadLetterQueue, false)
		if err != nil {
			return entries, fmt.Errorf("failed to read dead-letter queue %s: %w", t.DeadLetterQueue, err)
		}
		if !ok {
			break
		}

		entry := DeadLetter{Queue: t.DeadLetterQueue, DeadAt: d.Timestamp}
		if env, decErr := decodeEnvelope(&d); decErr == nil {
			entry.Envelope = env
		} else {
			entry.DecodeErr = decErr.Error()
			entry.RawPreview = preview(d.Body, 120)
		}
		entries = append(entries, entry)

		// Leave the message in place for a later replay.
		_ = d.Nack(false, true)
	}

	return entries, nil
}

// ReplayDeadLetters moves up to max envelopes from the dead-letter queue
// back onto the main queue with their retry budget reset.
func (g *Gateway) ReplayDeadLetters(ctx context.Context, t Topology, max int) (int, error) {
	ch, err := g.channels.Acquire()
	if err != nil {
		return 0, err
	}

	replayed := 0
	for replayed < max {
		d, ok, err := ch.Get(t.DeadLetterQueue, false)
		if err != nil {
			return replayed, fmt.Errorf("failed to read dead-letter queue %s: %w", t.DeadLetterQueue, err)
		}
		if !ok {
			break
		}

		env, decErr := decodeEnvelope(&d)
		if decErr != nil {
			// Undecodable entries stay put for manual inspection.
			_ = d.Nack(false, true)
			return replayed, fmt.Errorf("dead-letter entry is not replayable: %w", decErr)
		}

		env.RetryCount = 0
		if err := g.Publish(ctx, t, env); err != nil {
			_ = d.Nack(false, true)
			return replayed, err
		}
		if err := d.Ack(false); err != nil {
			return replayed, fmt.Errorf("failed to ack replayed entry %s: %w", env.ID, err)
		}

		replayed++
		g.logger.Info("dead-letter entry replayed", "envelope_id", env.ID, "queue", t.QueueName)
	}

	return replayed, nil
}

func preview(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
