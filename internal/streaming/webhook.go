package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// TriggerPayload is the webhook body sent to the archival worker.
type TriggerPayload struct {
	MALID      int     `json:"mal_id"`
	Episode    int     `json:"episode"`
	Provider   string  `json:"provider"`
	VideoURL   string  `json:"video_url"`
	Resolution *string `json:"resolution"`
}

// workerNotifier pokes the archival worker after an enqueue.
type workerNotifier interface {
	Notify(payload TriggerPayload)
}

// WebhookNotifier delivers trigger webhooks. Delivery is best effort:
// worker cold starts are expected, the poller is the durable path, so
// every failure is swallowed after a log line.
type WebhookNotifier struct {
	baseURL string
	salt    string
	client  *http.Client
	logger  *slog.Logger
}

// NewWebhookNotifier creates a notifier for the worker at baseURL. An
// empty baseURL disables delivery.
func NewWebhookNotifier(baseURL, salt string, timeout time.Duration, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		baseURL: baseURL,
		salt:    salt,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Notify fires the trigger webhook in the background.
func (n *WebhookNotifier) Notify(payload TriggerPayload) {
	if n.baseURL == "" {
		return
	}
	go n.deliver(payload)
}

func (n *WebhookNotifier) deliver(payload TriggerPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), n.client.Timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/trigger", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.salt)

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Debug("worker webhook failed", slog.String("error", err.Error()))
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		n.logger.Debug("worker webhook status", slog.Int("status", resp.StatusCode))
	}
}
