package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reconciler counters and histograms. Scanner series are partitioned by
// chain + network, feed series by provider host.

var (
	// Scanner
	ScannerScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "scanner",
		Name:      "scans_total",
		Help:      "Total order scans by terminal state",
	}, []string{"chain", "network", "state"})

	ScannerScanLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reconciler",
		Subsystem: "scanner",
		Name:      "scan_duration_seconds",
		Help:      "Order scan duration including feed fetch and credits",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"chain", "network"})

	ScannerCandidatesSelected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "scanner",
		Name:      "candidates_selected_total",
		Help:      "Total sweep transactions selected for settlement",
	}, []string{"chain", "network"})

	ScannerCandidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "scanner",
		Name:      "candidate_outcomes_total",
		Help:      "Total candidate outcomes (credited, already_credited, missing_fee_data, credit_error)",
	}, []string{"chain", "network", "outcome"})

	// Feed
	FeedRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "feed",
		Name:      "requests_total",
		Help:      "Total transaction feed requests by status class",
	}, []string{"provider", "status"})

	FeedRecordsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "feed",
		Name:      "records_fetched_total",
		Help:      "Total transaction records returned by the feed",
	}, []string{"provider"})

	FeedLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reconciler",
		Subsystem: "feed",
		Name:      "request_duration_seconds",
		Help:      "Transaction feed request duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"provider"})

	FeedRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "feed",
		Name:      "rate_limit_waits_total",
		Help:      "Total feed requests delayed by the client-side rate limiter",
	}, []string{"provider"})

	FeedBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reconciler",
		Subsystem: "feed",
		Name:      "circuit_breaker_state",
		Help:      "Feed circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"provider"})

	// Ledger
	LedgerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "ledger",
		Name:      "calls_total",
		Help:      "Total ledger credit calls by backend and result",
	}, []string{"backend", "result"})

	LedgerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reconciler",
		Subsystem: "ledger",
		Name:      "call_duration_seconds",
		Help:      "Ledger credit call duration",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"backend"})

	// Queue
	QueueTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "queue",
		Name:      "tasks_total",
		Help:      "Total queue tasks by handling result (acked, failed, abandoned)",
	}, []string{"backend", "result"})

	QueueTaskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "queue",
		Name:      "task_failures_total",
		Help:      "Total failed queue tasks by retry classification",
	}, []string{"backend", "class"})

	QueueDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "queue",
		Name:      "dead_lettered_total",
		Help:      "Total tasks moved to the dead-letter destination after max deliveries",
	}, []string{"backend"})

	QueueReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "queue",
		Name:      "reclaimed_total",
		Help:      "Total stale pending tasks reclaimed for redelivery",
	}, []string{"backend"})

	// Order cache
	OrderCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "cache",
		Name:      "order_hits_total",
		Help:      "Total order lookups served from cache",
	})

	OrderCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "cache",
		Name:      "order_misses_total",
		Help:      "Total order lookups that reached the order store",
	})

	// Postgres pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reconciler",
		Subsystem: "postgres",
		Name:      "db_pool_open",
		Help:      "Open connections in the postgres pool",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reconciler",
		Subsystem: "postgres",
		Name:      "db_pool_in_use",
		Help:      "In-use connections in the postgres pool",
	})

	DBPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reconciler",
		Subsystem: "postgres",
		Name:      "db_pool_idle",
		Help:      "Idle connections in the postgres pool",
	})

	DBPoolWaitCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reconciler",
		Subsystem: "postgres",
		Name:      "db_pool_wait_count",
		Help:      "Total number of connections waited for",
	})

	DBPoolWaitDurationSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reconciler",
		Subsystem: "postgres",
		Name:      "db_pool_wait_duration_seconds",
		Help:      "Total time blocked waiting for a new connection",
	})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent by channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts suppressed by cooldown",
	}, []string{"channel", "type"})
)
