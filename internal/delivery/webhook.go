package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"notifyd/internal/task"
	"notifyd/pkg/logx"
)

// WebhookConfig configures the webhook deliverer.
type WebhookConfig struct {
	Timeout time.Duration // per-request; 0 means 8s
}

// Webhook posts messages as JSON to the target URL.
type Webhook struct {
	http *http.Client
	log  logx.Logger
}

type webhookPayload struct {
	Text     string   `json:"text"`
	Format   string   `json:"format"`
	Mentions []string `json:"mentions,omitempty"`
	SentAt   string   `json:"sent_at"`
}

func NewWebhook(cfg WebhookConfig, log logx.Logger) *Webhook {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Webhook{http: &http.Client{Timeout: timeout}, log: log}
}

func (w *Webhook) Send(ctx context.Context, target task.NotificationConfig, msg Message) error {
	body, err := json.Marshal(webhookPayload{
		Text:     msg.Text,
		Format:   string(msg.Format),
		Mentions: msg.Mentions,
		SentAt:   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook post: unexpected status %d", resp.StatusCode)
	}
	w.log.Debug("webhook delivered", logx.String("url", target.WebhookURL), logx.Int("status", resp.StatusCode))
	return nil
}
