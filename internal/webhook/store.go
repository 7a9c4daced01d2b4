package webhook

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrSubscriptionNotFound is returned when a delivery references a
// subscription the store does not know.
var ErrSubscriptionNotFound = errors.New("webhook subscription not found")

// SubscriptionStore holds webhook subscriptions. Implementations must be
// safe for concurrent use.
type SubscriptionStore interface {
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	Save(ctx context.Context, sub *Subscription) error
	// SetEnabled soft-disables or re-enables a subscription. Disabled
	// subscriptions stop receiving deliveries but keep their history.
	SetEnabled(ctx context.Context, id string, enabled bool) error
	// RecordOutcome persists the health-counter effect of one delivery
	// attempt and returns the subscription's resulting health state.
	// Outcomes go through the store, not a loaded Subscription value, so
	// consecutive-failure tracking survives across handler invocations.
	RecordOutcome(ctx context.Context, id string, success bool, errMsg string) (HealthState, error)
}

// DeliveryAttempt is one row of the append-only delivery audit trail.
// Every HTTP attempt produces exactly one row, success or failure.
type DeliveryAttempt struct {
	ID             string
	DeliveryID     string
	SubscriptionID string
	EventID        string
	EventType      string
	AttemptNumber  int
	AttemptedAt    time.Time
	Duration       time.Duration
	StatusCode     int
	Success        bool
	Error          string
}

// AttemptStore records delivery attempts. Append-only: attempts are never
// updated or deleted.
type AttemptStore interface {
	Record(ctx context.Context, attempt *DeliveryAttempt) error
	// ListByDelivery returns the attempts for one delivery in attempt order.
	ListByDelivery(ctx context.Context, deliveryID string) ([]*DeliveryAttempt, error)
}

// MemoryStore is an in-memory SubscriptionStore and AttemptStore for
// development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	subs     map[string]*Subscription
	attempts []*DeliveryAttempt
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Save(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) SetEnabled(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	sub.Enabled = enabled
	return nil
}

func (m *MemoryStore) RecordOutcome(_ context.Context, id string, success bool, errMsg string) (HealthState, error) {
	m.mu.RLock()
	sub, ok := m.subs[id]
	m.mu.RUnlock()
	if !ok {
		return "", ErrSubscriptionNotFound
	}
	if success {
		sub.RecordSuccess()
	} else {
		sub.RecordFailure(errMsg)
	}
	return sub.Health(), nil
}

func (m *MemoryStore) Record(_ context.Context, attempt *DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, attempt)
	return nil
}

func (m *MemoryStore) ListByDelivery(_ context.Context, deliveryID string) ([]*DeliveryAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*DeliveryAttempt
	for _, a := range m.attempts {
		if a.DeliveryID == deliveryID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}
