package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"civicflow/internal/config"
	"civicflow/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink POSTs each event as JSON to a configured URL.
type WebhookSink struct {
	hook   config.WebhookConfig
	filter eventFilter
	client *http.Client
}

func NewWebhookSink(hook config.WebhookConfig) *WebhookSink {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &WebhookSink{
		hook:   hook,
		filter: newEventFilter(hook.Events),
		client: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSink) Name() string { return "webhook:" + s.hook.URL }

func (s *WebhookSink) Accepts(eventType string) bool { return s.filter.match(eventType) }

func (s *WebhookSink) Deliver(ctx context.Context, evt domain.OutboxEvent) error {
	data, err := json.Marshal(NewMessage(evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Civicflow-Event", evt.Type)
	req.Header.Set("X-Civicflow-Delivery", fmt.Sprintf("%d", evt.ID))
	if evt.ComplaintID != "" {
		req.Header.Set("X-Civicflow-Complaint", evt.ComplaintID)
	}
	if strings.TrimSpace(s.hook.Secret) != "" {
		req.Header.Set("X-Civicflow-Secret", s.hook.Secret)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
