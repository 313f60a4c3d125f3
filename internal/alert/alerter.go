// Package alert delivers operator notifications for stream faults. Channels
// are fire-and-forget webhooks; the engine never blocks on delivery.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fluxhq/fluxsync/internal/metrics"
)

// AlertType categorizes the kind of alert.
type AlertType string

const (
	AlertTypeUnhealthy     AlertType = "UNHEALTHY"
	AlertTypeRecovery      AlertType = "RECOVERY"
	AlertTypePersistentGap AlertType = "PERSISTENT_GAP"
	AlertTypeDataLoss      AlertType = "DATA_LOSS"
	AlertTypeStaleWrite    AlertType = "STALE_WRITE"
	AlertTypeFaulted       AlertType = "FAULTED"
)

// Alert is a single notification about one stream.
type Alert struct {
	Type    AlertType
	Stream  string
	Title   string
	Message string
	Fields  map[string]string
}

// dedupKey identifies an alert for cooldown purposes. Repeats of the same
// type on the same stream are suppressed within the cooldown window.
func (a Alert) dedupKey() string {
	return string(a.Type) + ":" + a.Stream
}

type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// namedChannel lets MultiAlerter label metrics per channel without widening
// the Alerter interface.
type namedChannel interface {
	channelName() string
}

func channelName(a Alerter) string {
	if n, ok := a.(namedChannel); ok {
		return n.channelName()
	}
	return "unknown"
}

// MultiAlerter fans one alert out to every configured channel, deduplicating
// repeats with a per-(type, stream) cooldown.
type MultiAlerter struct {
	channels []Alerter
	cooldown time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, channels ...Alerter) *MultiAlerter {
	return &MultiAlerter{
		channels: channels,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		lastSent: make(map[string]time.Time),
	}
}

// shouldSend records the send attempt and reports whether the cooldown
// window for this alert has passed.
func (m *MultiAlerter) shouldSend(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastSent[key]; ok && time.Since(last) < m.cooldown {
		return false
	}
	m.lastSent[key] = time.Now()
	return true
}

// Send dispatches to every channel. A failing channel does not stop the
// others; the first error is returned after all channels were attempted.
func (m *MultiAlerter) Send(ctx context.Context, a Alert) error {
	if !m.shouldSend(a.dedupKey()) {
		m.logger.Debug("alert suppressed by cooldown", "key", a.dedupKey())
		for _, ch := range m.channels {
			metrics.AlertsCooldownSkipped.WithLabelValues(channelName(ch), string(a.Type)).Inc()
		}
		return nil
	}

	var firstErr error
	for _, ch := range m.channels {
		err := ch.Send(ctx, a)
		if err == nil {
			metrics.AlertsSentTotal.WithLabelValues(channelName(ch), string(a.Type)).Inc()
			continue
		}
		m.logger.Warn("alert send failed",
			"channel", channelName(ch),
			"type", a.Type,
			"error", err,
		)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// postJSON marshals payload and POSTs it, treating any non-2xx response as
// an error.
func postJSON(ctx context.Context, client *http.Client, url, label string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", label, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", label, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s alert: %w", label, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", label, resp.StatusCode)
	}
	return nil
}

var slackEmoji = map[AlertType]string{
	AlertTypeRecovery:      ":white_check_mark:",
	AlertTypePersistentGap: ":hole:",
	AlertTypeDataLoss:      ":hole:",
	AlertTypeStaleWrite:    ":rotating_light:",
	AlertTypeFaulted:       ":rotating_light:",
}

// SlackAlerter posts a formatted text message to a Slack incoming webhook.
type SlackAlerter struct {
	webhookURL string
	client     *http.Client
}

func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackAlerter) channelName() string { return "slack" }

func (s *SlackAlerter) Send(ctx context.Context, a Alert) error {
	emoji, ok := slackEmoji[a.Type]
	if !ok {
		emoji = ":warning:"
	}

	var text strings.Builder
	fmt.Fprintf(&text, "%s *[%s]* %s: %s\n%s", emoji, a.Type, a.Stream, a.Title, a.Message)

	if len(a.Fields) > 0 {
		// Sorted so repeated alerts render identically.
		keys := make([]string, 0, len(a.Fields))
		for k := range a.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		text.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&text, "- *%s*: %s\n", k, a.Fields[k])
		}
	}

	return postJSON(ctx, s.client, s.webhookURL, "slack", map[string]string{"text": text.String()})
}

// WebhookAlerter posts the alert as structured JSON to a generic endpoint.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookAlerter) channelName() string { return "webhook" }

type webhookPayload struct {
	Type    string            `json:"type"`
	Stream  string            `json:"stream"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields"`
	Time    string            `json:"time"`
}

func (w *WebhookAlerter) Send(ctx context.Context, a Alert) error {
	return postJSON(ctx, w.client, w.url, "webhook", webhookPayload{
		Type:    string(a.Type),
		Stream:  a.Stream,
		Title:   a.Title,
		Message: a.Message,
		Fields:  a.Fields,
		Time:    time.Now().UTC().Format(time.RFC3339),
	})
}

// NoopAlerter discards alerts. Used when no channels are configured.
type NoopAlerter struct{}

func (n *NoopAlerter) Send(_ context.Context, _ Alert) error { return nil }
