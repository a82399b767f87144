package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"trading-router/internal/events"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(ctx context.Context, a events.Alert) error
}

// LogSink writes alerts to the process log.
type LogSink struct{}

func (LogSink) Send(_ context.Context, a events.Alert) error {
	evt := log.Warn()
	if severityRank(a.Severity) >= severityRank(SeverityCritical) {
		evt = log.Error()
	}
	evt.Str("severity", a.Severity).Time("at", a.At).Str("title", a.Title).Msg(a.Message)
	return nil
}

// WebhookSink posts alerts as Discord-style embeds.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{url: url, client: &http.Client{Timeout: 5 * time.Second}}
}

var severityColors = map[string]int{
	SeverityInfo:     0x3498db,
	SeverityWarning:  0xf1c40f,
	SeverityCritical: 0xe74c3c,
}

func (w *WebhookSink) Send(ctx context.Context, a events.Alert) error {
	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	payload := map[string]any{
		"embeds": []map[string]any{{
			"title":       fmt.Sprintf("[%s] %s", a.Severity, a.Title),
			"description": a.Message,
			"color":       severityColors[a.Severity],
			"footer":      map[string]string{"text": "trading-router"},
			"timestamp":   at.UTC().Format(time.RFC3339),
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status: %d", resp.StatusCode)
	}
	return nil
}
