// Package circuitbreaker stops hammering the transaction feed while it is
// down and probes it again after a cool-off.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Gauge is the value exported on the breaker state metric.
func (s State) Gauge() float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}

type Config struct {
	// Name identifies the dependency in OnStateChange.
	Name string
	// FailureThreshold consecutive failures open the breaker. Default 5.
	FailureThreshold int
	// SuccessThreshold probes must succeed in half-open to close. At most
	// this many probes are in flight at once. Default 2.
	SuccessThreshold int
	// OpenTimeout is the cool-off before probing. Default 30s.
	OpenTimeout time.Duration
	// IsFailure reports whether an error counts against the breaker.
	// Nil counts every error.
	IsFailure func(error) bool
	// OnStateChange runs under the breaker lock and must not call back
	// into the breaker.
	OnStateChange func(name string, from, to State)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return err != nil }
	}
	return c
}

// Breaker is safe for concurrent use. Outcomes are tagged with the
// generation they started in, so a slow call that began before a state
// change cannot flip the new state.
type Breaker struct {
	cfg   Config
	nowFn func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	failures   int
	successes  int
	probes     int
	openUntil  time.Time
}

func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), nowFn: time.Now}
}

func (b *Breaker) Name() string { return b.cfg.Name }

// State reports the current state, promoting an expired open breaker to
// half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh(b.nowFn())
	return b.state
}

// Do runs fn when the breaker admits it and records the outcome. Errors
// that IsFailure rejects are returned unchanged and count as success.
func (b *Breaker) Do(fn func() error) error {
	gen, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.settle(gen, err == nil || !b.cfg.IsFailure(err))
	return err
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh(b.nowFn())
	switch b.state {
	case StateOpen:
		return 0, ErrCircuitOpen
	case StateHalfOpen:
		if b.probes >= b.cfg.SuccessThreshold {
			return 0, ErrCircuitOpen
		}
		b.probes++
	}
	return b.generation, nil
}

func (b *Breaker) settle(gen uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	b.refresh(now)
	if gen != b.generation {
		return
	}

	if ok {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.transition(StateClosed, now)
			}
		}
		return
	}

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.transition(StateOpen, now)
	}
}

func (b *Breaker) refresh(now time.Time) {
	if b.state == StateOpen && !now.Before(b.openUntil) {
		b.transition(StateHalfOpen, now)
	}
}

func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	b.failures, b.successes, b.probes = 0, 0, 0
	if to == StateOpen {
		b.openUntil = now.Add(b.cfg.OpenTimeout)
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
