package notification

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookNotifier sends alerts to a generic HTTP webhook endpoint
// (Slack/Discord-compatible JSON POST).
type WebhookNotifier struct {
	url    string
	client *resty.Client
}

// NewWebhookNotifier creates a webhook notifier.
// url: The HTTP endpoint to POST alerts to.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: resty.New().SetTimeout(10 * time.Second),
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"level":   string(alert.Level),
			"title":   alert.Title,
			"message": alert.Message,
			"ts":      time.Now().UTC().Format(time.RFC3339Nano),
		}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode())
	}

	log.Printf("[notify] sent alert to %s: %s", w.url, alert.Title)
	return nil
}
