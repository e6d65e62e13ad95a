package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"notifyd/internal/task"
	"notifyd/pkg/logx"
)

func TestWebhookSend(t *testing.T) {
	t.Parallel()
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{}, logx.Nop())
	target := task.NotificationConfig{Kind: task.TargetWebhook, WebhookURL: srv.URL, Format: task.FormatText}
	err := wh.Send(context.Background(), target, Message{
		Format:   task.FormatText,
		Text:     "standup in 10",
		Mentions: []string{"@oncall"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Text != "standup in 10" || got.Format != "text" || len(got.Mentions) != 1 {
		t.Fatalf("payload = %+v", got)
	}
}

func TestWebhookSendNon2xx(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{}, logx.Nop())
	target := task.NotificationConfig{Kind: task.TargetWebhook, WebhookURL: srv.URL, Format: task.FormatText}
	if err := wh.Send(context.Background(), target, Message{Text: "x"}); err == nil {
		t.Fatalf("want error on 502 response")
	}
}

type sentinelDeliverer struct{ err error }

func (s sentinelDeliverer) Send(context.Context, task.NotificationConfig, Message) error {
	return s.err
}

func TestRouter(t *testing.T) {
	t.Parallel()
	r := NewRouter()
	want := errors.New("sent")
	r.Register(task.TargetWebhook, sentinelDeliverer{err: want})

	err := r.Send(context.Background(), task.NotificationConfig{Kind: task.TargetWebhook}, Message{})
	if !errors.Is(err, want) {
		t.Fatalf("routed to wrong deliverer: %v", err)
	}
	err = r.Send(context.Background(), task.NotificationConfig{Kind: task.TargetTelegram}, Message{})
	if !errors.Is(err, ErrNoDeliverer) {
		t.Fatalf("want ErrNoDeliverer, got %v", err)
	}
}
