package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"
)

const channelTimeout = 10 * time.Second

// SlackAlerter posts to a Slack incoming webhook as a colored attachment.
type SlackAlerter struct {
	webhookURL string
	client     *http.Client
}

func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{webhookURL: webhookURL, client: &http.Client{Timeout: channelTimeout}}
}

func (s *SlackAlerter) Name() string { return "slack" }

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color    string       `json:"color"`
	Title    string       `json:"title"`
	Text     string       `json:"text"`
	Fields   []slackField `json:"fields,omitempty"`
	Footer   string       `json:"footer"`
	Fallback string       `json:"fallback"`
}

type slackMessage struct {
	Attachments []slackAttachment `json:"attachments"`
}

func (s *SlackAlerter) Send(ctx context.Context, alert Alert) error {
	return postJSON(ctx, s.client, s.webhookURL, slackPayload(alert), s.Name())
}

func slackPayload(alert Alert) slackMessage {
	fields := make([]slackField, 0, len(alert.Fields))
	for _, k := range sortedKeys(alert.Fields) {
		fields = append(fields, slackField{Title: k, Value: alert.Fields[k], Short: len(alert.Fields[k]) <= 40})
	}
	title := fmt.Sprintf("[%s] %s", alert.Type, alert.Title)
	return slackMessage{Attachments: []slackAttachment{{
		Color:    slackColor(alert.Type.Severity()),
		Title:    title,
		Text:     alert.Message,
		Fields:   fields,
		Footer:   alert.Chain + "/" + alert.Network,
		Fallback: title + ": " + alert.Message,
	}}}
}

func slackColor(s Severity) string {
	switch s {
	case SeverityCritical:
		return "danger"
	case SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}

// WebhookAlerter posts a flat JSON document to any HTTP endpoint.
type WebhookAlerter struct {
	url    string
	client *http.Client
	nowFn  func() time.Time
}

func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{url: url, client: &http.Client{Timeout: channelTimeout}, nowFn: time.Now}
}

func (w *WebhookAlerter) Name() string { return "webhook" }

type webhookPayload struct {
	Type     AlertType         `json:"type"`
	Severity Severity          `json:"severity"`
	Chain    string            `json:"chain"`
	Network  string            `json:"network"`
	Subject  string            `json:"subject,omitempty"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
	SentAt   time.Time         `json:"sent_at"`
}

func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	return postJSON(ctx, w.client, w.url, webhookPayload{
		Type:     alert.Type,
		Severity: alert.Type.Severity(),
		Chain:    alert.Chain,
		Network:  alert.Network,
		Subject:  alert.Subject,
		Title:    alert.Title,
		Message:  alert.Message,
		Fields:   alert.Fields,
		SentAt:   w.nowFn().UTC(),
	}, w.Name())
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, channel string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", channel, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", channel, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s alert: %w", channel, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s returned status %d", channel, resp.StatusCode)
	}
	return nil
}

// LogAlerter writes alerts to the structured log at a level matching
// their severity. It is always configured.
type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.With("component", "alert")}
}

func (l *LogAlerter) Name() string { return "log" }

func (l *LogAlerter) Send(ctx context.Context, alert Alert) error {
	attrs := []slog.Attr{
		slog.String("type", string(alert.Type)),
		slog.String("chain", alert.Chain),
		slog.String("network", alert.Network),
		slog.String("subject", alert.Subject),
		slog.String("message", alert.Message),
	}
	for _, k := range sortedKeys(alert.Fields) {
		attrs = append(attrs, slog.String(k, alert.Fields[k]))
	}
	l.logger.LogAttrs(ctx, logLevel(alert.Type.Severity()), alert.Title, attrs...)
	return nil
}

func logLevel(s Severity) slog.Level {
	switch s {
	case SeverityCritical:
		return slog.LevelError
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
