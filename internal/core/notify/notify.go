// Package notify delivers on_start/on_complete/on_failure and
// channel-related notifications to an external endpoint, mirroring
// station's NotifyConfig webhook (URL + timeout + format) but scoped to
// the workflow engine's own lifecycle events rather than agent tool calls.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Format selects the webhook payload shape.
type Format string

const (
	FormatJSON Format = "json"
	FormatNtfy Format = "ntfy"
)

// Config configures the webhook notifier.
type Config struct {
	WebhookURL     string
	TimeoutSeconds int
	Format         Format
}

// Event is one notification the engine emits.
type Event struct {
	Kind      string    `json:"kind"` // "run_start", "run_complete", "run_failed", "task_complete", ...
	RunID     string    `json:"run_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers Events to zero or more sinks.
type Notifier interface {
	Notify(ctx context.Context, target string, ev Event) error
}

// ConsoleNotifier logs events via slog; it is always available and never
// fails, used as the default/fallback sink.
type ConsoleNotifier struct{}

func NewConsoleNotifier() *ConsoleNotifier { return &ConsoleNotifier{} }

func (ConsoleNotifier) Notify(_ context.Context, target string, ev Event) error {
	slog.Info("workflow notification", "target", target, "kind", ev.Kind, "run_id", ev.RunID, "task_id", ev.TaskID, "message", ev.Message)
	return nil
}

// WebhookNotifier posts events to a single configured URL.
type WebhookNotifier struct {
	cfg    Config
	client *http.Client
}

func NewWebhookNotifier(cfg Config) *WebhookNotifier {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	return &WebhookNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, target string, ev Event) error {
	if w.cfg.WebhookURL == "" {
		return nil
	}

	payload := w.encode(target, ev)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling notification payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (w *WebhookNotifier) encode(target string, ev Event) any {
	if w.cfg.Format == FormatNtfy {
		return map[string]string{
			"topic":   target,
			"message": ev.Message,
			"title":   ev.Kind,
		}
	}
	return struct {
		Target string `json:"target"`
		Event
	}{Target: target, Event: ev}
}

// MultiNotifier routes each event to exactly one notifier, looked up by
// target name (falling back to a default when the target has none), the
// way a channel's participants each resolve to their own delivery method
// (console for a dev agent, webhook for an external stakeholder).
type MultiNotifier struct {
	byTarget map[string]Notifier
	fallback Notifier
}

func NewMultiNotifier(byTarget map[string]Notifier, fallback Notifier) *MultiNotifier {
	if fallback == nil {
		fallback = NewConsoleNotifier()
	}
	return &MultiNotifier{byTarget: byTarget, fallback: fallback}
}

func (m *MultiNotifier) Notify(ctx context.Context, target string, ev Event) error {
	if n, ok := m.byTarget[target]; ok {
		return n.Notify(ctx, target, ev)
	}
	return m.fallback.Notify(ctx, target, ev)
}
