package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelai/sentinel/internal/metrics"
)

// DefaultWebhookTimeout bounds one delivery attempt.
const DefaultWebhookTimeout = 10 * time.Second

// WebhookClient delivers alert payloads with a single POST per alert. No
// retries: a missed alert is recovered by the next run of the same endpoint.
type WebhookClient struct {
	mu      sync.Mutex
	enabled bool
	url     string
	client  *http.Client
	log     *zap.Logger
	started bool
}

// NewWebhookClient builds a delivery client with its own connection pool.
func NewWebhookClient(enabled bool, url string, timeout time.Duration, log *zap.Logger) *WebhookClient {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	return &WebhookClient{
		enabled: enabled && url != "",
		url:     url,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		log: log.Named("webhook"),
	}
}

// Start marks the client ready.
func (w *WebhookClient) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("webhook client already started")
	}
	w.started = true
	if w.enabled {
		w.log.Info("webhook client started", zap.String("url", w.url))
	}
	return nil
}

// Stop releases idle pooled connections.
func (w *WebhookClient) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	w.started = false
	w.client.CloseIdleConnections()
}

// Available reports whether deliveries can be attempted.
func (w *WebhookClient) Available() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started && w.enabled
}

// Send POSTs the payload and reports whether any 2xx came back. Never
// returns an error; failures are logged and counted.
func (w *WebhookClient) Send(ctx context.Context, payload map[string]any) bool {
	if !w.Available() {
		metrics.WebhookDeliveriesTotal.WithLabelValues("skipped").Inc()
		return false
	}

	body, err := json.Marshal(payload)
	if err != nil {
		w.log.Error("marshal payload failed", zap.Error(err))
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.log.Error("build webhook request failed", zap.Error(err))
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.log.Warn("webhook delivery failed", zap.Error(err))
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		w.log.Warn("webhook receiver rejected alert", zap.Int("status", resp.StatusCode))
		metrics.WebhookDeliveriesTotal.WithLabelValues("rejected").Inc()
		return false
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	return true
}
