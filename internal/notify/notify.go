// Package notify delivers scan completion events to an external channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Event describes a finished scan job for the outside world.
type Event struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	JobID       string `json:"job_id"`
	DeviceCount int    `json:"device_count"`
	TargetURL   string `json:"target_url"`
}

// Notifier delivers events. Delivery failures are the caller's to log; they
// never change a job's outcome.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// WebhookNotifier posts events as JSON to a fixed URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return eris.Wrap(err, "notify: marshal event")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	zap.L().Info("notify: event delivered",
		zap.String("job_id", event.JobID),
		zap.Int("device_count", event.DeviceCount),
	)
	return nil
}

// NopNotifier discards events; used when no webhook is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }
