package admin

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	staleLimiterTTL = 10 * time.Minute
	cleanupInterval = time.Minute
)

// limitRule scopes a token bucket to requests matching method and path
// prefix. An empty method or prefix matches anything.
type limitRule struct {
	name   string
	method string
	prefix string
	every  rate.Limit
	burst  int
}

func (r limitRule) matches(method, path string) bool {
	if r.method != "" && r.method != method {
		return false
	}
	return strings.HasPrefix(path, r.prefix)
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware limits admin requests per client IP. Synchronous
// scans and previews call the transaction feed inline, so they get their
// own tight buckets; all other routes share the configured default.
type RateLimitMiddleware struct {
	rules  []limitRule
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*clientBucket

	stop     chan struct{}
	stopOnce sync.Once
}

func NewRateLimitMiddleware(logger *slog.Logger, defaultRPS float64, defaultBurst int) *RateLimitMiddleware {
	if defaultRPS <= 0 {
		defaultRPS = 1
	}
	rl := &RateLimitMiddleware{
		rules: []limitRule{
			{name: "scan_now", method: http.MethodPost, prefix: "/admin/v1/orders/", every: perMinute(10), burst: 3},
			{name: "preview", method: http.MethodGet, prefix: "/admin/v1/orders/", every: perMinute(30), burst: 5},
			{name: "default", every: rate.Limit(defaultRPS), burst: max(defaultBurst, 1)},
		},
		logger:  logger.With("component", "admin_ratelimit"),
		now:     time.Now,
		buckets: make(map[string]*clientBucket),
		stop:    make(chan struct{}),
	}
	go rl.janitor()
	return rl
}

func perMinute(n float64) rate.Limit { return rate.Limit(n / 60) }

// Stop ends the background eviction loop.
func (rl *RateLimitMiddleware) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimitMiddleware) janitor() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.evictStale()
		}
	}
}

func (rl *RateLimitMiddleware) evictStale() {
	cutoff := rl.now().Add(-staleLimiterTTL)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// LimiterCount reports the number of live client buckets.
func (rl *RateLimitMiddleware) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rule := rl.ruleFor(r.Method, r.URL.Path)
		client := clientIP(r)
		limiter := rl.bucket(rule, client)

		now := rl.now()
		res := limiter.ReserveN(now, 1)
		if delay := res.DelayFrom(now); !res.OK() || delay > 0 {
			res.CancelAt(now)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(delay)))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			rl.logger.Warn("admin request throttled",
				"rule", rule.name,
				"method", r.Method,
				"path", r.URL.Path,
				"client_ip", client,
			)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}

func (rl *RateLimitMiddleware) ruleFor(method, path string) limitRule {
	for _, rule := range rl.rules {
		if rule.matches(method, path) {
			return rule
		}
	}
	return rl.rules[len(rl.rules)-1]
}

func (rl *RateLimitMiddleware) bucket(rule limitRule, client string) *rate.Limiter {
	key := rule.name + "|" + client
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rule.every, rule.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection's remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
