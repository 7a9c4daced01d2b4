package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	t.Run("exponential growth", func(t *testing.T) {
		p := Policy{InitialDelay: time.Second, Multiplier: 2}

		assert.Equal(t, time.Second, p.Delay(1))
		assert.Equal(t, 2*time.Second, p.Delay(2))
		assert.Equal(t, 4*time.Second, p.Delay(3))
		assert.Equal(t, 16*time.Second, p.Delay(5))
	})

	t.Run("cap applies", func(t *testing.T) {
		p := Policy{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}

		assert.Equal(t, 4*time.Second, p.Delay(3))
		assert.Equal(t, 5*time.Second, p.Delay(4))
		assert.Equal(t, 5*time.Second, p.Delay(10))
	})

	t.Run("jitter stays within half window", func(t *testing.T) {
		p := Policy{InitialDelay: time.Second, Multiplier: 2, Jitter: true}

		for i := 0; i < 100; i++ {
			d := p.Delay(2)
			assert.GreaterOrEqual(t, d, time.Second)
			assert.LessOrEqual(t, d, 2*time.Second)
		}
	})

	t.Run("attempt below one treated as first", func(t *testing.T) {
		p := Policy{InitialDelay: time.Second, Multiplier: 2}

		assert.Equal(t, p.Delay(1), p.Delay(0))
		assert.Equal(t, p.Delay(1), p.Delay(-3))
	})

	t.Run("multiplier below one defaults to doubling", func(t *testing.T) {
		p := Policy{InitialDelay: time.Second, Multiplier: 0.5}

		assert.Equal(t, 2*time.Second, p.Delay(2))
	})
}

func TestDo(t *testing.T) {
	fast := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2}

	t.Run("succeeds on first attempt", func(t *testing.T) {
		calls := 0
		err := fast.Do(context.Background(), func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries until success", func(t *testing.T) {
		calls := 0
		err := fast.Do(context.Background(), func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhaustion wraps sentinel and last error", func(t *testing.T) {
		opErr := errors.New("still broken")
		calls := 0
		err := fast.Do(context.Background(), func() error {
			calls++
			return opErr
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.ErrorIs(t, err, ErrAttemptsExhausted)
		assert.ErrorIs(t, err, opErr)
	})

	t.Run("canceled context stops retrying", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Policy{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond}.Do(ctx, func() error {
			calls++
			cancel()
			return errors.New("transient")
		})
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})

	t.Run("zero attempts still runs once", func(t *testing.T) {
		calls := 0
		err := Policy{}.Do(context.Background(), func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestDefault(t *testing.T) {
	p := Default()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, time.Second, p.InitialDelay)
	assert.Equal(t, 30*time.Second, p.MaxDelay)
	assert.True(t, p.Jitter)
}
