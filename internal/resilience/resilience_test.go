package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), 5, time.Millisecond, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), 3, time.Millisecond, func() (int, error) {
		calls++
		return 0, errors.New("always")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, 5, 50*time.Millisecond, func() (int, error) {
		return 0, errors.New("always")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	base, max := time.Second, 30*time.Second
	assert.Equal(t, time.Second, Backoff(0, base, max))
	assert.Equal(t, 2*time.Second, Backoff(1, base, max))
	assert.Equal(t, 8*time.Second, Backoff(3, base, max))
	assert.Equal(t, max, Backoff(6, base, max))
	assert.Equal(t, max, Backoff(100, base, max))
}

func TestRateLimiterTokenBucket(t *testing.T) {
	// 3 tokens, negligible refill
	rl := NewRateLimiter(3, 0.000001, time.Hour, 0)
	assert.True(t, rl.AllowN(2))
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())
}

func TestRateLimiterWindowCap(t *testing.T) {
	rl := NewRateLimiter(100, 100, time.Hour, 2)
	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())
}

func TestReserveAfter(t *testing.T) {
	rl := NewRateLimiter(1, 1, time.Hour, 0)
	assert.Equal(t, time.Duration(0), rl.ReserveAfter(1))
	require.True(t, rl.Allow())
	wait := rl.ReserveAfter(1)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Second+100*time.Millisecond)
}

func TestCircuitBreakerOpensOnFailures(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(10*time.Second, 5, 4, 0.5, 50*time.Millisecond, 1)
	require.True(t, cb.Allow())
	for i := 0; i < 6; i++ {
		cb.RecordResult(false)
	}
	assert.Equal(t, "open", cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(10*time.Second, 5, 4, 0.5, 20*time.Millisecond, 1)
	for i := 0; i < 6; i++ {
		cb.RecordResult(false)
	}
	require.Equal(t, "open", cb.State())

	time.Sleep(30 * time.Millisecond)
	require.True(t, cb.Allow()) // half-open probe
	cb.RecordResult(true)
	assert.Equal(t, "closed", cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreakerReopensOnFailedProbe(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(10*time.Second, 5, 4, 0.5, 20*time.Millisecond, 1)
	for i := 0; i < 6; i++ {
		cb.RecordResult(false)
	}
	time.Sleep(30 * time.Millisecond)
	require.True(t, cb.Allow())
	cb.RecordResult(false)
	assert.Equal(t, "open", cb.State())
}
