package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parikshitpisal/circa-boybz6-sub001/internal/queue"
)

// Event types emitted by the intake pipeline.
const (
	EventDocumentStored   = "document.stored"
	EventDocumentRejected = "document.rejected"
	EventEmailRejected    = "email.rejected"
)

// Event is what subscribers are notified about.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// NewEvent wraps a payload in an event with a fresh id.
func NewEvent(eventType string, data interface{}) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}
	return &Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Data:       raw,
	}, nil
}

// DeliveryJob is the queued unit of work for one subscription. The payload
// is signed at dispatch time so the signature covers exactly the bytes the
// sender will post.
type DeliveryJob struct {
	DeliveryID     string `json:"delivery_id"`
	SubscriptionID string `json:"subscription_id"`
	EventID        string `json:"event_id"`
	EventType      string `json:"event_type"`
	Body           []byte `json:"body"`
	Signature      string `json:"signature"`
	Timestamp      int64  `json:"timestamp"`
}

// Publisher is the slice of the queue gateway the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, t queue.Topology, env *queue.Envelope) error
}

// Dispatcher fans an event out to every enabled, subscribed endpoint by
// queueing one delivery job per subscription. Delivery itself happens
// asynchronously in the Sender.
type Dispatcher struct {
	publisher Publisher
	subs      SubscriptionStore
	signer    *Signer
	topology  queue.Topology
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher publishing on the webhook topology.
func NewDispatcher(publisher Publisher, subs SubscriptionStore, signer *Signer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		publisher: publisher,
		subs:      subs,
		signer:    signer,
		topology:  queue.WebhookTopology(),
		logger:    logger.With("component", "webhook-dispatcher"),
	}
}

// Dispatch queues one signed delivery per matching subscription. Disabled
// subscriptions are skipped; an unhealthy subscription still receives the
// delivery since its health state is advisory.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.subs.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
	}

	queued := 0
	for _, sub := range subs {
		if !sub.Enabled || !sub.Subscribed(event.Type) {
			continue
		}
		if err := d.dispatchOne(ctx, sub, event, body); err != nil {
			return err
		}
		queued++
	}

	d.logger.Debug("event dispatched",
		"event_id", event.ID,
		"event_type", event.Type,
		"subscriptions", queued)

	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sub *Subscription, event *Event, body []byte) error {
	now := time.Now()
	job := DeliveryJob{
		DeliveryID:     uuid.NewString(),
		SubscriptionID: sub.ID,
		EventID:        event.ID,
		EventType:      event.Type,
		Body:           body,
		Signature:      d.signer.Sign(sub.Secret, now, body),
		Timestamp:      now.Unix(),
	}

	env, err := queue.NewEnvelope("webhook.delivery", job)
	if err != nil {
		return fmt.Errorf("failed to build delivery envelope for %s: %w", sub.ID, err)
	}
	env.MaxRetries = sub.MaxRetries
	env.RetryPolicy = &sub.Backoff

	if err := d.publisher.Publish(ctx, d.topology, env); err != nil {
		return fmt.Errorf("failed to queue delivery for subscription %s: %w", sub.ID, err)
	}

	return nil
}
