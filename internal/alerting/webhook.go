package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig 控制 webhook 重试策略。
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	RetryableStatuses []int
}

// DefaultRetryConfig returns the webhook retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		RetryableStatuses: []int{
			http.StatusRequestTimeout,
			http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

// WebhookNotifier posts the notification JSON to the database sync endpoint.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	retry   RetryConfig
	client  *http.Client
	logger  zerolog.Logger
}

// NewWebhookNotifier 构造 webhook 通知器。
func NewWebhookNotifier(url string, headers map[string]string, timeout time.Duration, retry RetryConfig, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:     url,
		headers: headers,
		retry:   retry,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "notify_webhook").Logger(),
	}
}

// Notify retries transport errors and retryable statuses with exponential backoff.
func (w *WebhookNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	backoff := w.retry.InitialBackoff
	for attempt := 0; attempt <= w.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			w.logger.Debug().Int("attempt", attempt).Dur("backoff", backoff).Msg("retrying webhook")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if w.retry.MaxBackoff > 0 && backoff > w.retry.MaxBackoff {
				backoff = w.retry.MaxBackoff
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range w.headers {
			req.Header.Set(k, v)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("send webhook request: %w", err)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			w.logger.Info().Str("market_id", note.MarketID).Int("attempts", attempt+1).Msg("通知已发送 (webhook)")
			return nil
		}
		lastErr = fmt.Errorf("webhook 响应码异常: %d", resp.StatusCode)
		if !w.retryable(resp.StatusCode) {
			return lastErr
		}
	}
	return fmt.Errorf("webhook retries exhausted: %w", lastErr)
}

func (w *WebhookNotifier) retryable(status int) bool {
	for _, s := range w.retry.RetryableStatuses {
		if s == status {
			return true
		}
	}
	return false
}

var _ Notifier = (*WebhookNotifier)(nil)
