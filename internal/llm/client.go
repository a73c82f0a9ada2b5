package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelai/sentinel/internal/metrics"
)

const (
	// DefaultBaseURL targets the OpenAI chat completions API.
	DefaultBaseURL = "https://api.openai.com/v1"
	// DefaultModel is a fast, low-cost model suitable for classification.
	DefaultModel = "gpt-4o-mini"
	// DefaultTimeout bounds one gateway request.
	DefaultTimeout = 30 * time.Second

	maxAttempts    = 3
	retryBaseDelay = 1 * time.Second
	temperature    = 0.2
)

// Metrics is a point-in-time snapshot of gateway activity.
type Metrics struct {
	TotalCalls      int64   `json:"total_calls"`
	SuccessfulCalls int64   `json:"successful_calls"`
	FailedCalls     int64   `json:"failed_calls"`
	RetriedCalls    int64   `json:"retried_calls"`
	TokensUsed      int64   `json:"tokens_used"`
	SuccessRate     float64 `json:"success_rate"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	LastError       string  `json:"last_error,omitempty"`
}

// Client is a bounded wrapper around a JSON-mode chat model. Analyze never
// returns an error; absence is signalled by the second return value.
type Client struct {
	mu      sync.Mutex
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	log     *zap.Logger
	started bool
	sleep   func(time.Duration) // injectable for tests

	totalCalls      int64
	successfulCalls int64
	failedCalls     int64
	retriedCalls    int64
	tokensUsed      int64
	totalLatency    time.Duration
	lastError       string
}

// NewClient builds a gateway client. An empty API key produces a client that
// reports itself unavailable; callers then take the fallback path.
func NewClient(apiKey, model string, timeout time.Duration, log *zap.Logger) *Client {
	if model == "" {
		model = DefaultModel
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: DefaultBaseURL,
		client:  &http.Client{Timeout: timeout},
		log:     log.Named("llm"),
		sleep:   time.Sleep,
	}
}

// SetBaseURL overrides the API base URL. Used in tests.
func (c *Client) SetBaseURL(url string) { c.baseURL = strings.TrimRight(url, "/") }

// Start marks the gateway ready. A client without an API key starts but
// stays unavailable.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("llm client already started")
	}
	c.started = true
	if c.apiKey == "" {
		c.log.Warn("no API key configured, gateway unavailable, fallback classification only")
	} else {
		c.log.Info("llm gateway started", zap.String("model", c.model))
	}
	return nil
}

// Stop releases idle connections.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.started = false
	c.client.CloseIdleConnections()
	c.log.Info("llm gateway stopped")
}

// Available reports whether the gateway can accept calls.
func (c *Client) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && c.apiKey != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Analyze sends the prompts in JSON-object mode and returns the decoded
// object. At most three attempts with exponential backoff; only transient
// failures retry. A response whose content is not a JSON object is terminal.
func (c *Client) Analyze(ctx context.Context, systemPrompt, userPrompt string) (map[string]any, bool) {
	if !c.Available() {
		return nil, false
	}

	c.mu.Lock()
	c.totalCalls++
	c.mu.Unlock()

	start := time.Now()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		obj, transient, err := c.call(ctx, systemPrompt, userPrompt)
		if err == nil {
			c.recordSuccess(time.Since(start))
			metrics.LLMRequestsTotal.WithLabelValues("success").Inc()
			metrics.LLMRequestDuration.Observe(time.Since(start).Seconds())
			return obj, true
		}

		c.log.Warn("llm call failed",
			zap.Int("attempt", attempt),
			zap.Bool("transient", transient),
			zap.Error(err))

		if !transient || attempt == maxAttempts {
			c.recordFailure(err, time.Since(start))
			metrics.LLMRequestsTotal.WithLabelValues("failure").Inc()
			return nil, false
		}

		c.mu.Lock()
		c.retriedCalls++
		c.mu.Unlock()
		metrics.LLMRequestsTotal.WithLabelValues("retry").Inc()
		c.sleep(retryBaseDelay * time.Duration(1<<(attempt-1)))
	}
	return nil, false
}

// call performs one attempt. The bool reports whether the failure is
// transient and worth retrying.
func (c *Client) call(ctx context.Context, systemPrompt, userPrompt string) (map[string]any, bool, error) {
	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature:    temperature,
		ResponseFormat: responseFormat{Type: "json_object"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts and connection failures are transient.
		return nil, true, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, transientStatus(resp.StatusCode),
			fmt.Errorf("api status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, false, fmt.Errorf("decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, false, fmt.Errorf("no choices in response")
	}

	c.mu.Lock()
	c.tokensUsed += int64(cr.Usage.TotalTokens)
	c.mu.Unlock()
	metrics.LLMTokensUsed.Add(float64(cr.Usage.TotalTokens))

	var obj map[string]any
	if err := json.Unmarshal([]byte(cr.Choices[0].Message.Content), &obj); err != nil {
		// Content is not a JSON object; retrying would spend tokens on the
		// same malformed answer.
		return nil, false, fmt.Errorf("content is not a JSON object: %w", err)
	}
	return obj, false, nil
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout, 529:
		return true
	}
	return false
}

func (c *Client) recordSuccess(latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successfulCalls++
	c.totalLatency += latency
}

func (c *Client) recordFailure(err error, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedCalls++
	c.totalLatency += latency
	c.lastError = err.Error()
}

// MetricsSnapshot returns a consistent copy of the call counters.
func (c *Client) MetricsSnapshot() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := Metrics{
		TotalCalls:      c.totalCalls,
		SuccessfulCalls: c.successfulCalls,
		FailedCalls:     c.failedCalls,
		RetriedCalls:    c.retriedCalls,
		TokensUsed:      c.tokensUsed,
		LastError:       c.lastError,
	}
	if c.totalCalls > 0 {
		m.SuccessRate = float64(c.successfulCalls) / float64(c.totalCalls)
	}
	finished := c.successfulCalls + c.failedCalls
	if finished > 0 {
		m.AvgLatencyMs = float64(c.totalLatency.Milliseconds()) / float64(finished)
	}
	return m
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
