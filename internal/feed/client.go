package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emperorhan/deposit-reconciler/internal/circuitbreaker"
	"github.com/emperorhan/deposit-reconciler/internal/domain/model"
	"github.com/emperorhan/deposit-reconciler/internal/metrics"
	"github.com/emperorhan/deposit-reconciler/internal/ratelimit"
	"github.com/emperorhan/deposit-reconciler/internal/tracing"
	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
)

const (
	maxResponseBytes = 32 << 20

	// rateLimitPause holds back every scan after the provider reports a
	// rate limit.
	rateLimitPause = 2 * time.Second
)

type Config struct {
	BaseURL                 string
	APIKey                  string
	Timeout                 time.Duration
	RPS                     float64
	Burst                   int
	BreakerFailureThreshold int
	BreakerOpenTimeout      time.Duration

	// OnBreakerStateChange is invoked after the breaker gauge and log are updated.
	OnBreakerStateChange func(provider string, from, to circuitbreaker.State)
}

// Client lists the transactions of one address from an Etherscan-compatible
// account/txlist endpoint. Every call issues exactly one HTTP request.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	provider   string
	limiter    *ratelimit.Limiter
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid feed base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		provider:   u.Host,
		limiter:    ratelimit.NewLimiter(cfg.RPS, cfg.Burst, u.Host),
		logger:     logger.With("component", "feed", "provider", u.Host),
	}
	c.breaker = circuitbreaker.New(circuitbreaker.Config{
		Name:             u.Host,
		FailureThreshold: cfg.BreakerFailureThreshold,
		OpenTimeout:      cfg.BreakerOpenTimeout,
		IsFailure:        countsAgainstBreaker,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			metrics.FeedBreakerState.WithLabelValues(name).Set(to.Gauge())
			c.logger.Warn("feed circuit breaker state changed", "from", from.String(), "to", to.String())
			if cfg.OnBreakerStateChange != nil {
				cfg.OnBreakerStateChange(name, from, to)
			}
		},
	})
	metrics.FeedBreakerState.WithLabelValues(u.Host).Set(circuitbreaker.StateClosed.Gauge())
	return c, nil
}

// Provider returns the host name used in metric labels.
func (c *Client) Provider() string { return c.provider }

// Fetch returns the transactions touching address, most recent first as
// ordered by the provider. Every returned error matches errors.Is(err, ErrFeed).
func (c *Client) Fetch(ctx context.Context, address string) ([]model.TransactionRecord, error) {
	ctx, span := tracing.Tracer("feed").Start(ctx, "feed.Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("feed.provider", c.provider))

	start := time.Now()
	records, err := c.fetch(ctx, address)
	metrics.FeedLatency.WithLabelValues(c.provider).Observe(time.Since(start).Seconds())
	metrics.FeedRequestsTotal.WithLabelValues(c.provider, requestStatus(err)).Inc()

	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	metrics.FeedRecordsFetched.WithLabelValues(c.provider).Add(float64(len(records)))
	span.SetAttributes(attribute.Int("feed.records", len(records)))
	return records, nil
}

func (c *Client) fetch(ctx context.Context, address string) ([]model.TransactionRecord, error) {
	if !common.IsHexAddress(address) {
		return nil, &ValidationError{Index: -1, Field: "address", Reason: fmt.Sprintf("invalid address %q", address)}
	}
	normalized := strings.ToLower(common.HexToAddress(address).Hex())

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &TransportError{Err: err}
	}

	var records []model.TransactionRecord
	err := c.breaker.Do(func() error {
		var callErr error
		records, callErr = c.call(ctx, normalized)
		return callErr
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return nil, &TransportError{Err: err}
	}
	if IsRateLimited(err) {
		c.logger.Warn("provider rate limit hit, pausing feed calls", "pause", rateLimitPause.String())
		c.limiter.Throttle(rateLimitPause)
	}
	return records, err
}

func (c *Client) call(ctx context.Context, address string) ([]model.TransactionRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(address), nil)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}

	records, err := decodeEnvelope(body)
	if err != nil {
		c.logger.Debug("feed response rejected", "address", address, "error", err)
		return nil, err
	}
	return records, nil
}

func (c *Client) requestURL(address string) string {
	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", "txlist")
	q.Set("address", address)
	q.Set("sort", "desc")
	q.Set("apikey", c.apiKey)

	sep := "?"
	if strings.Contains(c.baseURL, "?") {
		sep = "&"
	}
	return c.baseURL + sep + q.Encode()
}

// countsAgainstBreaker trips the breaker on transport and provider failures
// only; malformed payloads and caller cancellation are not counted.
func countsAgainstBreaker(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func requestStatus(err error) string {
	var (
		pe *ProviderError
		ve *ValidationError
		te *TransportError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &pe):
		return "provider_error"
	case errors.As(err, &ve):
		return "validation_error"
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &te) && te.StatusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case errors.As(err, &te) && te.StatusCode >= 500:
		return "server_error"
	case errors.As(err, &te) && te.StatusCode != 0:
		return "client_error"
	default:
		return "transport_error"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
