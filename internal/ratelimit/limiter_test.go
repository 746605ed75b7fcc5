package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestNewLimiter(t *testing.T) {
	l := NewLimiter(5.0, 2, "api.etherscan.io")

	assert.Equal(t, "api.etherscan.io", l.provider)
	assert.InDelta(t, 5.0, float64(l.bucket.Limit()), 0.001)
	assert.Equal(t, 2, l.bucket.Burst())
}

func TestNewLimiter_NonPositiveRPSDisablesPacing(t *testing.T) {
	l := NewLimiter(0, 0, "feed")
	assert.Equal(t, rate.Inf, l.bucket.Limit())
	assert.Equal(t, 1, l.bucket.Burst())

	for i := 0; i < 20; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
}

func TestLimiter_BurstIsImmediate(t *testing.T) {
	const burst = 5
	l := NewLimiter(100, burst, "feed")

	start := time.Now()
	for i := 0; i < burst; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_WaitsWhenExhausted(t *testing.T) {
	l := NewLimiter(10, 1, "feed")
	require.NoError(t, l.Wait(context.Background()))

	start := time.Now()
	require.NoError(t, l.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_ContextCancellation(t *testing.T) {
	l := NewLimiter(1, 1, "feed")
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.Canceled)
}

func TestLimiter_ThrottlePausesCallers(t *testing.T) {
	l := NewLimiter(0, 1, "feed")
	l.Throttle(80 * time.Millisecond)

	start := time.Now()
	require.NoError(t, l.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)

	start = time.Now()
	require.NoError(t, l.Wait(context.Background()))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "pause has expired")
}

func TestLimiter_ThrottleKeepsLongestPause(t *testing.T) {
	l := NewLimiter(0, 1, "feed")
	l.Throttle(time.Hour)
	l.Throttle(time.Millisecond)
	assert.Greater(t, l.pause(), 59*time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)
}
