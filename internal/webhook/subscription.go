// Package webhook implements outbound delivery: signed event envelopes
// published through the queue gateway and posted to subscriber endpoints
// with per-subscription retry policies and health tracking.
package webhook

import (
	"sync"
	"time"

	"github.com/parikshitpisal/circa-boybz6-sub001/internal/retry"
)

// consecutiveFailureThreshold flips a subscription's advisory health state.
const consecutiveFailureThreshold = 3

// HealthState is advisory: an unhealthy subscription still receives
// deliveries until an administrator disables it.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthDisabled  HealthState = "disabled"
)

// Subscription is one webhook subscriber. Subscriptions are soft-disabled,
// never deleted mid-delivery.
type Subscription struct {
	ID               string
	EndpointURL      string
	SubscribedEvents map[string]struct{}
	Enabled          bool

	// Secret signs outgoing payloads. After a rotation the previous
	// secret keeps verifying until the grace window elapses.
	Secret          string
	PreviousSecret  string
	SecretRotatedAt time.Time

	// MaxRetries is the number of redeliveries after the initial attempt.
	// Backoff paces those redeliveries.
	MaxRetries int
	Backoff    retry.Policy
	Timeout    time.Duration

	mu                  sync.Mutex
	successCount        int64
	failureCount        int64
	consecutiveFailures int
	lastSuccess         time.Time
	lastFailure         time.Time
	lastError           string
}

// NewSubscription creates an enabled subscription with sane delivery
// defaults.
func NewSubscription(id, endpointURL, secret string, events ...string) *Subscription {
	subscribed := make(map[string]struct{}, len(events))
	for _, e := range events {
		subscribed[e] = struct{}{}
	}

	return &Subscription{
		ID:               id,
		EndpointURL:      endpointURL,
		Secret:           secret,
		SubscribedEvents: subscribed,
		Enabled:          true,
		MaxRetries:       3,
		Backoff: retry.Policy{
			MaxAttempts:  4,
			InitialDelay: 2 * time.Second,
			MaxDelay:     time.Minute,
			Multiplier:   2,
			Jitter:       true,
		},
		Timeout: 10 * time.Second,
	}
}

// Subscribed reports whether the subscription wants this event type. An
// empty set subscribes to everything.
func (s *Subscription) Subscribed(eventType string) bool {
	if len(s.SubscribedEvents) == 0 {
		return true
	}
	_, ok := s.SubscribedEvents[eventType]
	return ok
}

// RecordSuccess updates health counters after a delivered attempt.
func (s *Subscription) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successCount++
	s.consecutiveFailures = 0
	s.lastSuccess = time.Now()
	s.lastError = ""
}

// RecordFailure updates health counters after a failed attempt.
func (s *Subscription) RecordFailure(errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	s.consecutiveFailures++
	s.lastFailure = time.Now()
	s.lastError = errMsg
}

// restoreStats loads persisted delivery counters into the subscription
// when it is rehydrated from a row-backed store.
func (s *Subscription) restoreStats(success, failure int64, consecutive int, lastSuccess, lastFailure time.Time, lastError string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successCount = success
	s.failureCount = failure
	s.consecutiveFailures = consecutive
	s.lastSuccess = lastSuccess
	s.lastFailure = lastFailure
	s.lastError = lastError
}

// Health returns the advisory health state.
func (s *Subscription) Health() HealthState {
	if !s.Enabled {
		return HealthDisabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consecutiveFailures >= consecutiveFailureThreshold {
		return HealthUnhealthy
	}
	return HealthHealthy
}

// Stats returns a snapshot of the delivery counters.
func (s *Subscription) Stats() (success, failure int64, lastError string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.successCount, s.failureCount, s.lastError
}

// RotateSecret installs a new signing secret, keeping the old one valid
// for verification until the grace window passes.
func (s *Subscription) RotateSecret(newSecret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PreviousSecret = s.Secret
	s.Secret = newSecret
	s.SecretRotatedAt = time.Now()
}
