// Package webhook delivers notifications as JSON POSTs to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tjfontaine/replywatch/internal/core/domain"
	"github.com/tjfontaine/replywatch/internal/core/ports"
	"github.com/tjfontaine/replywatch/internal/notify"
)

// Payload is the body posted for each notification.
type Payload struct {
	domain.Notification
	Text string `json:"text"`
}

// Notifier posts notifications to a webhook URL.
type Notifier struct {
	url     string
	retries int
	backoff time.Duration
	headers map[string]string
	client  *http.Client
}

// Config configures a webhook notifier.
type Config struct {
	URL     string
	Timeout time.Duration
	Retries int
	// Backoff is the pause between attempts.
	Backoff time.Duration
	Headers map[string]string
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// New creates a new webhook notifier.
func New(cfg Config) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Notifier{
		url:     cfg.URL,
		retries: cfg.Retries,
		backoff: cfg.Backoff,
		headers: cfg.Headers,
		client:  client,
	}, nil
}

// Notify posts n, retrying failed attempts.
func (w *Notifier) Notify(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(domain.Envelope[Payload]{
		Meta: domain.Meta{
			ID:       n.ID,
			Type:     domain.EventNotification,
			Time:     n.RequestedAt,
			Producer: "replywatch",
		},
		Data: Payload{Notification: n, Text: notify.Summary(n)},
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	var lastErr error
	attempts := w.retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && w.backoff > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("webhook delivery cancelled: %w", ctx.Err())
			case <-time.After(w.backoff):
			}
		}

		lastErr = w.post(ctx, n.ID, body)
		if lastErr == nil {
			return nil
		}

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("webhook delivery failed after %d attempts: %w", attempts, lastErr)
}

func (w *Notifier) post(ctx context.Context, id string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", id)
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

var _ ports.Notifier = (*Notifier)(nil)
