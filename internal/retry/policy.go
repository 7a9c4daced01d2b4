// Package retry provides the retry policy shared by broker reconnection,
// mailbox reconnection, publish retries, and webhook delivery scheduling.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrAttemptsExhausted is returned by Do when every attempt allowed by the
// policy has failed. The last operation error is wrapped alongside it.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Policy describes a bounded exponential backoff schedule.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int `json:"max_attempts" toml:"max_attempts"`

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `json:"initial_delay" toml:"initial_delay"`

	// MaxDelay caps the computed delay. Zero means uncapped.
	MaxDelay time.Duration `json:"max_delay" toml:"max_delay"`

	// Multiplier is applied per retry. Values below 1 are treated as 2.
	Multiplier float64 `json:"multiplier" toml:"multiplier"`

	// Jitter randomizes each delay within [delay/2, delay] so that pool
	// members reconnecting after a shared outage do not retry in lockstep.
	Jitter bool `json:"jitter" toml:"jitter"`
}

// Default returns the policy used for broker and mailbox reconnection:
// base 1s, doubling, five attempts, jittered.
func Default() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
}

// Delay returns how long to wait before retry attempt n (1-indexed).
// Attempt 1 is the first retry after the initial failure.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}

	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}

	if p.Jitter {
		// Half jitter: random in [d/2, d]. Full jitter can collapse to
		// zero and hammer the broker immediately after a disconnect.
		d = d/2 + rand.Float64()*d/2
	}

	return time.Duration(d)
}

// Do runs op until it succeeds, the policy is exhausted, or ctx is done.
// The delay between attempts follows the policy schedule.
func (p Policy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}

		if attempt == attempts {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return errors.Join(ErrAttemptsExhausted, lastErr)
}
