package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookNotifier POST 事件到报告/打印服务
type WebhookNotifier struct {
	client *resty.Client
	url    string
}

// NewWebhookNotifier 创建 HTTP 投递
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &WebhookNotifier{client: client, url: url}
}

// Notify 非 2xx 视为失败
func (w *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("X-LIS-Event", string(ev.Type)).
		SetBody(ev).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("failed to post %s: %w", ev.Type, err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned %d for %s", resp.StatusCode(), ev.Type)
	}
	return nil
}
