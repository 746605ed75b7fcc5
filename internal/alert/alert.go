// Package alert notifies operators about credit failures, feed outages and
// stuck workers.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emperorhan/deposit-reconciler/internal/metrics"
)

type AlertType string

const (
	AlertTypeCreditFailure   AlertType = "CREDIT_FAILURE"
	AlertTypeFeedFailure     AlertType = "FEED_FAILURE"
	AlertTypeFeedRecovery    AlertType = "FEED_RECOVERY"
	AlertTypeWorkerUnhealthy AlertType = "WORKER_UNHEALTHY"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Severity ranks the alert type. Money that did not reach the ledger and
// a stalled queue page someone; feed trouble is a warning.
func (t AlertType) Severity() Severity {
	switch t {
	case AlertTypeCreditFailure, AlertTypeWorkerUnhealthy:
		return SeverityCritical
	case AlertTypeFeedFailure:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// recovers maps a recovery type to the failure type it resolves.
var recovers = map[AlertType]AlertType{
	AlertTypeFeedRecovery: AlertTypeFeedFailure,
}

// Alert is one notification. Subject narrows the cooldown key, e.g. an
// order ID or a feed provider name.
type Alert struct {
	Type    AlertType
	Chain   string
	Network string
	Subject string
	Title   string
	Message string
	Fields  map[string]string
}

func (a Alert) cooldownKey() string {
	return fmt.Sprintf("%s|%s|%s|%s", a.Type, a.Chain, a.Network, a.Subject)
}

type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// namedAlerter is implemented by channels that label their metrics.
type namedAlerter interface {
	Name() string
}

func channelName(a Alerter) string {
	if n, ok := a.(namedAlerter); ok {
		return n.Name()
	}
	return "custom"
}

// MultiAlerter fans an alert out to every channel. Repeats of the same
// alert inside the cooldown are dropped; a recovery resets the cooldown of
// the failure it resolves so the next outage is reported at once.
type MultiAlerter struct {
	channels []Alerter
	cooldown time.Duration
	logger   *slog.Logger
	nowFn    func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, channels ...Alerter) *MultiAlerter {
	return &MultiAlerter{
		channels: channels,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		nowFn:    time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// Send delivers alert to all channels and joins their errors.
func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	if !m.admit(alert) {
		m.logger.Debug("alert suppressed by cooldown", "type", alert.Type, "subject", alert.Subject)
		metrics.AlertsCooldownSkipped.WithLabelValues("all", string(alert.Type)).Inc()
		return nil
	}

	var errs []error
	for _, ch := range m.channels {
		name := channelName(ch)
		if err := ch.Send(ctx, alert); err != nil {
			m.logger.Warn("alert delivery failed", "channel", name, "type", alert.Type, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		metrics.AlertsSentTotal.WithLabelValues(name, string(alert.Type)).Inc()
	}
	return errors.Join(errs...)
}

func (m *MultiAlerter) admit(alert Alert) bool {
	now := m.nowFn()
	key := alert.cooldownKey()

	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.cooldown {
		return false
	}
	m.lastSent[key] = now
	if failure, ok := recovers[alert.Type]; ok {
		resolved := alert
		resolved.Type = failure
		delete(m.lastSent, resolved.cooldownKey())
	}
	return true
}

// NoopAlerter discards alerts.
type NoopAlerter struct{}

func (NoopAlerter) Send(context.Context, Alert) error { return nil }
