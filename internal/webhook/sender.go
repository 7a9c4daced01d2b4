package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/parikshitpisal/circa-boybz6-sub001/internal/metrics"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/queue"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/retry"
)

// Delivery request headers.
const (
	HeaderEventID    = "X-Intake-Event-Id"
	HeaderEventType  = "X-Intake-Event-Type"
	HeaderDeliveryID = "X-Intake-Delivery-Id"
	HeaderSignature  = "X-Intake-Signature"
	HeaderTimestamp  = "X-Intake-Timestamp"

	senderUserAgent = "intake-webhook/1.0"
)

// ErrEndpointFailure marks a non-2xx or transport-level delivery failure.
var ErrEndpointFailure = errors.New("webhook endpoint failure")

// HTTPClient is the slice of http.Client the sender uses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Consumer is the slice of the queue gateway the sender needs.
type Consumer interface {
	Consume(ctx context.Context, queueName string, handler queue.Handler, opts queue.ConsumeOptions) error
}

// SenderConfig tunes the delivery sender.
type SenderConfig struct {
	// Prefetch bounds in-flight deliveries per consumer.
	Prefetch int
	// MaxBodyLog caps how much of an error response body is kept in the
	// audit row.
	MaxBodyLog int
}

// Sender consumes queued delivery jobs and posts them to subscriber
// endpoints. Each HTTP attempt appends one audit row; failures are
// surfaced to the queue gateway, which owns retry and dead-letter
// bookkeeping. A per-subscription circuit breaker tracks endpoint health
// but never blocks an attempt: deliveries proceed even through an open
// breaker so a flapping endpoint still gets its retry budget.
type Sender struct {
	client   HTTPClient
	consumer Consumer
	subs     SubscriptionStore
	attempts AttemptStore
	cfg      SenderConfig
	logger   *slog.Logger

	// sleep is replaced in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewSender wires a delivery sender.
func NewSender(client HTTPClient, consumer Consumer, subs SubscriptionStore, attempts AttemptStore, cfg SenderConfig, logger *slog.Logger) *Sender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 5
	}
	if cfg.MaxBodyLog <= 0 {
		cfg.MaxBodyLog = 512
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Sender{
		client:   client,
		consumer: consumer,
		subs:     subs,
		attempts: attempts,
		cfg:      cfg,
		logger:   logger.With("component", "webhook-sender"),
		sleep:    sleepCtx,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Run consumes the webhook delivery queue until ctx is canceled. A closed
// consumer channel triggers a fresh subscription on a new broker channel.
func (s *Sender) Run(ctx context.Context) error {
	t := queue.WebhookTopology()
	restart := retry.Policy{
		MaxAttempts:  1,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       true,
	}

	failures := 0
	for {
		// Concurrency matches prefetch so one subscription pacing its
		// backoff never stalls deliveries to healthy endpoints.
		err := s.consumer.Consume(ctx, t.QueueName, s.Handle, queue.ConsumeOptions{
			Prefetch:    s.cfg.Prefetch,
			Concurrency: s.cfg.Prefetch,
			ConsumerTag: "webhook-sender",
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}

		failures++
		delay := restart.Delay(failures)
		s.logger.Warn("delivery consumer stopped, restarting",
			"error", err, "restart_delay", delay)
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Handle delivers one queued job. A nil return acknowledges the job; an
// error hands it back to the gateway for redelivery or dead-lettering.
func (s *Sender) Handle(ctx context.Context, env *queue.Envelope) error {
	var job DeliveryJob
	if err := json.Unmarshal(env.Payload, &job); err != nil {
		// Undeliverable by construction; acknowledge and drop.
		s.logger.Error("dropping undecodable delivery job", "envelope_id", env.ID, "error", err)
		return nil
	}

	sub, err := s.subs.Get(ctx, job.SubscriptionID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			s.logger.Warn("dropping delivery for unknown subscription",
				"subscription_id", job.SubscriptionID, "delivery_id", job.DeliveryID)
			return nil
		}
		return fmt.Errorf("failed to load subscription %s: %w", job.SubscriptionID, err)
	}

	if !sub.Enabled {
		// Soft-disabled mid-flight: drop without burning retry budget.
		s.logger.Info("dropping delivery for disabled subscription",
			"subscription_id", sub.ID, "delivery_id", job.DeliveryID)
		return nil
	}

	// Redeliveries honor the subscription's backoff policy. The gateway
	// requeues immediately, so pacing happens here before the attempt.
	if env.RetryCount > 0 && env.RetryPolicy != nil {
		if err := s.sleep(ctx, env.RetryPolicy.Delay(env.RetryCount)); err != nil {
			return err
		}
	}

	return s.attempt(ctx, sub, &job, env.RetryCount+1)
}

// attempt performs one HTTP delivery and records its audit row.
func (s *Sender) attempt(ctx context.Context, sub *Subscription, job *DeliveryJob, attemptNumber int) error {
	start := time.Now()
	statusCode, attemptErr := s.post(ctx, sub, job)
	duration := time.Since(start)

	row := &DeliveryAttempt{
		ID:             uuid.NewString(),
		DeliveryID:     job.DeliveryID,
		SubscriptionID: sub.ID,
		EventID:        job.EventID,
		EventType:      job.EventType,
		AttemptNumber:  attemptNumber,
		AttemptedAt:    start,
		Duration:       duration,
		StatusCode:     statusCode,
		Success:        attemptErr == nil,
	}
	if attemptErr != nil {
		row.Error = attemptErr.Error()
	}
	if err := s.attempts.Record(ctx, row); err != nil {
		s.logger.Error("failed to record delivery attempt",
			"delivery_id", job.DeliveryID, "error", err)
	}

	outcome := "success"
	if attemptErr != nil {
		outcome = "failure"
	}
	metrics.WebhookDeliveries.WithLabelValues(outcome).Inc()
	metrics.WebhookAttemptSeconds.Observe(duration.Seconds())

	s.recordBreaker(sub.ID, attemptErr)

	// Health counters live in the store, not the loaded subscription copy,
	// so consecutive failures accumulate across redeliveries.
	health, recErr := s.subs.RecordOutcome(ctx, sub.ID, attemptErr == nil, row.Error)
	if recErr != nil {
		s.logger.Error("failed to record delivery outcome",
			"subscription_id", sub.ID, "error", recErr)
	}

	if attemptErr != nil {
		if health == HealthUnhealthy {
			s.logger.Warn("subscription marked unhealthy",
				"subscription_id", sub.ID, "endpoint", sub.EndpointURL)
		}
		s.logger.Warn("delivery attempt failed",
			"subscription_id", sub.ID,
			"delivery_id", job.DeliveryID,
			"attempt", attemptNumber,
			"status", statusCode,
			"error", attemptErr)
		return attemptErr
	}

	s.logger.Debug("delivery succeeded",
		"subscription_id", sub.ID,
		"delivery_id", job.DeliveryID,
		"attempt", attemptNumber,
		"status", statusCode,
		"duration", duration)
	return nil
}

// post issues the signed POST. Returns the response status (0 on transport
// failure) and a non-nil error for anything outside 2xx.
func (s *Sender) post(ctx context.Context, sub *Subscription, job *DeliveryJob) (int, error) {
	timeout := sub.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.EndpointURL, bytes.NewReader(job.Body))
	if err != nil {
		return 0, fmt.Errorf("%w: invalid endpoint %s: %v", ErrEndpointFailure, sub.EndpointURL, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", senderUserAgent)
	req.Header.Set(HeaderEventID, job.EventID)
	req.Header.Set(HeaderEventType, job.EventType)
	req.Header.Set(HeaderDeliveryID, job.DeliveryID)
	req.Header.Set(HeaderSignature, job.Signature)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(job.Timestamp, 10))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrEndpointFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(s.cfg.MaxBodyLog)))
	return resp.StatusCode, fmt.Errorf("%w: endpoint returned %d: %s",
		ErrEndpointFailure, resp.StatusCode, bytes.TrimSpace(body))
}

// recordBreaker feeds the attempt outcome into the per-subscription
// breaker. The breaker state is observability only; an open breaker is
// logged, not enforced.
func (s *Sender) recordBreaker(subID string, attemptErr error) {
	s.mu.Lock()
	cb, ok := s.breakers[subID]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "webhook-" + subID,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= consecutiveFailureThreshold
			},
		})
		s.breakers[subID] = cb
	}
	s.mu.Unlock()

	_, _ = cb.Execute(func() (interface{}, error) {
		return nil, attemptErr
	})

	if cb.State() == gobreaker.StateOpen {
		s.logger.Warn("endpoint breaker open", "subscription_id", subID)
	}
}

// BreakerState reports the advisory breaker state for a subscription.
func (s *Sender) BreakerState(subID string) gobreaker.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[subID]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
