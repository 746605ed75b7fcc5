// Package ratelimit paces outbound calls to the transaction feed provider.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/emperorhan/deposit-reconciler/internal/metrics"
	"golang.org/x/time/rate"
)

// Limiter is a token bucket shared by all scans of one provider. The
// provider can additionally push back with Throttle, which pauses every
// caller until the pause expires.
type Limiter struct {
	bucket   *rate.Limiter
	provider string
	now      func() time.Time

	mu          sync.Mutex
	pausedUntil time.Time
}

// NewLimiter allows rps calls per second with the given burst. A
// non-positive rps disables pacing; Throttle still applies.
func NewLimiter(rps float64, burst int, provider string) *Limiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &Limiter{
		bucket:   rate.NewLimiter(limit, max(burst, 1)),
		provider: provider,
		now:      time.Now,
	}
}

// Wait blocks until a call may go out or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.waitPause(ctx); err != nil {
		return err
	}
	if l.bucket.Allow() {
		return nil
	}
	metrics.FeedRateLimitWaits.WithLabelValues(l.provider).Inc()
	return l.bucket.Wait(ctx)
}

// Throttle pauses all callers for d, extending any pause already in force.
func (l *Limiter) Throttle(d time.Duration) {
	until := l.now().Add(d)
	l.mu.Lock()
	if until.After(l.pausedUntil) {
		l.pausedUntil = until
	}
	l.mu.Unlock()
}

func (l *Limiter) pause() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pausedUntil.Sub(l.now())
}

func (l *Limiter) waitPause(ctx context.Context) error {
	d := l.pause()
	if d <= 0 {
		return ctx.Err()
	}
	metrics.FeedRateLimitWaits.WithLabelValues(l.provider).Inc()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
