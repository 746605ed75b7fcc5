package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("http status 503")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type transitions struct {
	mu  sync.Mutex
	got []string
}

func (tr *transitions) record(_ string, from, to State) {
	tr.mu.Lock()
	tr.got = append(tr.got, from.String()+"->"+to.String())
	tr.mu.Unlock()
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock, *transitions) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := &transitions{}
	cfg.OnStateChange = tr.record
	b := New(cfg)
	b.nowFn = clock.Now
	return b, clock, tr
}

func fail() error    { return errUpstream }
func succeed() error { return nil }

func TestNew_Defaults(t *testing.T) {
	b := New(Config{Name: "api.etherscan.io"})
	assert.Equal(t, "api.etherscan.io", b.Name())
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 5, b.cfg.FailureThreshold)
	assert.Equal(t, 2, b.cfg.SuccessThreshold)
	assert.Equal(t, 30*time.Second, b.cfg.OpenTimeout)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _, tr := newTestBreaker(Config{FailureThreshold: 3, OpenTimeout: time.Hour})

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Do(fail), errUpstream)
	}
	assert.NoError(t, b.Do(succeed), "success resets the streak")
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do(fail), errUpstream)
	}

	assert.Equal(t, StateOpen, b.State())
	called := false
	err := b.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, []string{"closed->open"}, tr.got)
}

func TestBreaker_HalfOpenClosesAfterProbes(t *testing.T) {
	b, clock, tr := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: time.Minute})

	require.ErrorIs(t, b.Do(fail), errUpstream)
	clock.Advance(time.Minute)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Do(succeed))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Do(succeed))
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, tr.got)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock, _ := newTestBreaker(Config{FailureThreshold: 1, OpenTimeout: time.Minute})

	require.ErrorIs(t, b.Do(fail), errUpstream)
	clock.Advance(time.Minute)
	require.ErrorIs(t, b.Do(fail), errUpstream)

	assert.Equal(t, StateOpen, b.State())
	clock.Advance(59 * time.Second)
	assert.ErrorIs(t, b.Do(succeed), ErrCircuitOpen)
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	b, clock, _ := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: time.Second})
	require.ErrorIs(t, b.Do(fail), errUpstream)
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Do(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, b.Do(succeed), ErrCircuitOpen, "second probe is rejected while the first is in flight")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_StaleOutcomeIgnored(t *testing.T) {
	b, _, _ := newTestBreaker(Config{FailureThreshold: 1, OpenTimeout: time.Hour})

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Do(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	require.ErrorIs(t, b.Do(fail), errUpstream)
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, StateOpen, b.State(), "success from before the trip does not count")
}

func TestBreaker_IgnoresNonFailures(t *testing.T) {
	errNotFound := errors.New("no transactions found")
	b, _, _ := newTestBreaker(Config{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, errNotFound) },
	})

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do(func() error { return errNotFound }), errNotFound)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	b := New(Config{FailureThreshold: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = b.Do(fail)
				return
			}
			_ = b.Do(succeed)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, StateClosed, b.State())
}

func TestState_StringAndGauge(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())

	assert.Equal(t, 0.0, StateClosed.Gauge())
	assert.Equal(t, 1.0, StateOpen.Gauge())
	assert.Equal(t, 0.5, StateHalfOpen.Gauge())
}
