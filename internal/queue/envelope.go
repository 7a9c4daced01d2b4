package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/parikshitpisal/circa-boybz6-sub001/internal/retry"
)

// Header keys carried on every published message. Retry bookkeeping lives in
// headers rather than the body so the consumer failure handler can read it
// without deserializing the payload.
const (
	HeaderRetryCount = "x-retry-count"
	HeaderMaxRetries = "x-max-retries"
)

// Envelope is the unit of queue traffic. The retry count is incremented only
// by the consumer-side failure handler, never by a publisher.
type Envelope struct {
	ID          string          `json:"id"`
	PayloadType string          `json:"payload_type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    uint8           `json:"priority"`
	CreatedAt   time.Time       `json:"created_at"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	Persistent  bool            `json:"persistent"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`

	// RetryPolicy optionally carries the producer's delivery policy so a
	// consumer can honor per-subscription backoff (webhook deliveries).
	RetryPolicy *retry.Policy `json:"retry_policy,omitempty"`
}

// NewEnvelope creates an envelope with a fresh correlation id.
func NewEnvelope(payloadType string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return &Envelope{
		ID:          uuid.NewString(),
		PayloadType: payloadType,
		Payload:     raw,
		Priority:    PriorityNormal,
		CreatedAt:   time.Now().UTC(),
		MaxRetries:  3,
		Persistent:  true,
	}, nil
}

// Priority levels for queue traffic. The broker supports 0-10; anything
// above MaxPriority is clamped at publish time.
const (
	PriorityLow      uint8 = 1
	PriorityNormal   uint8 = 5
	PriorityHigh     uint8 = 8
	PriorityCritical uint8 = 10

	// MaxPriority is the ceiling declared on priority queues.
	MaxPriority uint8 = 10
)

// publishing converts the envelope to a broker message.
func (e *Envelope) publishing() (amqp.Publishing, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to serialize envelope %s: %w", e.ID, err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    e.ID,
		Type:         e.PayloadType,
		Timestamp:    e.CreatedAt,
		Priority:     min(e.Priority, MaxPriority),
		Body:         body,
		DeliveryMode: amqp.Transient,
		Headers: amqp.Table{
			HeaderRetryCount: int32(e.RetryCount),
			HeaderMaxRetries: int32(e.MaxRetries),
		},
	}

	if e.Persistent {
		pub.DeliveryMode = amqp.Persistent
	}

	if e.ExpiresAt != nil {
		ttl := time.Until(*e.ExpiresAt)
		if ttl <= 0 {
			return amqp.Publishing{}, fmt.Errorf("envelope %s already expired at %s", e.ID, e.ExpiresAt)
		}
		pub.Expiration = fmt.Sprintf("%d", ttl.Milliseconds())
	}

	return pub, nil
}

// decodeEnvelope rebuilds an envelope from a delivery. Header bookkeeping
// wins over the serialized body because only headers are rewritten on
// redelivery.
func decodeEnvelope(d *amqp.Delivery) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return nil, fmt.Errorf("failed to deserialize envelope: %w", err)
	}

	if env.ID == "" {
		return nil, fmt.Errorf("envelope missing correlation id")
	}

	env.RetryCount = headerInt(d.Headers, HeaderRetryCount, env.RetryCount)
	env.MaxRetries = headerInt(d.Headers, HeaderMaxRetries, env.MaxRetries)

	return &env, nil
}

// headerInt reads an integer header written by any AMQP client; the wire
// type depends on the publisher, so every integral form is accepted.
func headerInt(t amqp.Table, key string, fallback int) int {
	v, ok := t[key]
	if !ok {
		return fallback
	}

	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	default:
		return fallback
	}
}
