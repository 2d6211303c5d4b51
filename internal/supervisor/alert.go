package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const AlertRestartLoop = "restart_loop"

// Alert is an operator notification.
type Alert struct {
	Kind     string        `json:"kind"`
	Message  string        `json:"message"`
	Restarts int           `json:"restarts"`
	Window   time.Duration `json:"window"`
	At       time.Time     `json:"at"`
}

// AlertSink delivers alerts. Implementations may block; the supervisor calls
// them off its loop.
type AlertSink interface {
	Alert(ctx context.Context, a Alert) error
}

// deliver calls sink and contains any panic it raises.
func deliver(sink AlertSink, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Alert sink panicked", "kind", a.Kind, "panic", r)
		}
	}()
	if err := sink.Alert(context.Background(), a); err != nil {
		slog.Error("Failed to deliver alert", "kind", a.Kind, "error", err)
	}
}

// LogSink writes alerts to a logger.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Alert(_ context.Context, a Alert) error {
	s.log.Error("ALERT",
		"kind", a.Kind,
		"message", a.Message,
		"restarts", a.Restarts,
		"window", a.Window,
	)
	return nil
}

// WebhookSink POSTs alerts as JSON.
type WebhookSink struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{url: url, timeout: timeout, client: &http.Client{}}
}

func (s *WebhookSink) Alert(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// MultiSink fans an alert out to every sink, each isolated from the others.
type MultiSink []AlertSink

func (m MultiSink) Alert(ctx context.Context, a Alert) error {
	for _, sink := range m {
		deliver(sink, a)
	}
	return nil
}
