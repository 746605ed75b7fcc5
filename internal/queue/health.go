package queue

import (
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health state of the worker.
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"

	// DefaultUnhealthyThreshold is the number of consecutive failed tasks
	// before the worker is reported unhealthy.
	DefaultUnhealthyThreshold = 5

	// DefaultDegradedLatencyThreshold is the p95 task latency above which
	// the worker is reported degraded.
	DefaultDegradedLatencyThreshold = 30 * time.Second

	latencyWindowSize = 20
)

// Health tracks task outcomes for one worker pool.
type Health struct {
	mu                       sync.RWMutex
	backend                  string
	status                   HealthStatus
	consecutiveFailures      int
	processed                int64
	failed                   int64
	lastSuccessAt            *time.Time
	lastFailureAt            *time.Time
	lastError                string
	unhealthyThreshold       int
	recentLatencies          []time.Duration
	degradedLatencyThreshold time.Duration
	nowFn                    func() time.Time
}

func NewHealth(backend string) *Health {
	return &Health{
		backend:                  backend,
		status:                   HealthStatusUnknown,
		unhealthyThreshold:       DefaultUnhealthyThreshold,
		recentLatencies:          make([]time.Duration, 0, latencyWindowSize),
		degradedLatencyThreshold: DefaultDegradedLatencyThreshold,
		nowFn:                    time.Now,
	}
}

// RecordSuccess records a handled task. It returns true when this success
// ends an unhealthy period.
func (h *Health) RecordSuccess(latency time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.nowFn()
	recovered := h.status == HealthStatusUnhealthy
	h.pushLatency(latency)
	h.processed++
	h.consecutiveFailures = 0
	h.lastSuccessAt = &now
	if h.latencyDegraded() {
		h.status = HealthStatusDegraded
	} else {
		h.status = HealthStatusHealthy
	}
	return recovered
}

// RecordFailure records a failed task. It returns true when this failure
// makes the worker unhealthy.
func (h *Health) RecordFailure(latency time.Duration, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.nowFn()
	h.pushLatency(latency)
	h.processed++
	h.failed++
	h.consecutiveFailures++
	h.lastFailureAt = &now
	if err != nil {
		h.lastError = err.Error()
	}
	if h.consecutiveFailures >= h.unhealthyThreshold {
		became := h.status != HealthStatusUnhealthy
		h.status = HealthStatusUnhealthy
		return became
	}
	h.status = HealthStatusDegraded
	return false
}

// must be called with mu held
func (h *Health) pushLatency(d time.Duration) {
	if len(h.recentLatencies) >= latencyWindowSize {
		h.recentLatencies = h.recentLatencies[1:]
	}
	h.recentLatencies = append(h.recentLatencies, d)
}

// must be called with mu held
func (h *Health) latencyDegraded() bool {
	if len(h.recentLatencies) < 2 {
		return false
	}
	return h.percentile(95) > h.degradedLatencyThreshold
}

// must be called with mu held
func (h *Health) percentile(pct int) time.Duration {
	n := len(h.recentLatencies)
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, h.recentLatencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (pct*n - 1) / 100
	idx = max(0, min(idx, n-1))
	return sorted[idx]
}

func (h *Health) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		Backend:             h.backend,
		Status:              string(h.status),
		ConsecutiveFailures: h.consecutiveFailures,
		Processed:           h.processed,
		Failed:              h.failed,
		P95LatencyMS:        h.percentile(95).Milliseconds(),
		LastSuccessAt:       h.lastSuccessAt,
		LastFailureAt:       h.lastFailureAt,
		LastError:           h.lastError,
	}
}

// HealthSnapshot is a point-in-time, JSON-safe view of worker health.
type HealthSnapshot struct {
	Backend             string     `json:"backend"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Processed           int64      `json:"processed"`
	Failed              int64      `json:"failed"`
	P95LatencyMS        int64      `json:"p95_latency_ms"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}
