package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelai/sentinel/internal/metrics"
)

const (
	// DefaultTimeout is the per-attempt request timeout.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxAttempts bounds the total attempts per execution.
	DefaultMaxAttempts = 2
	// DefaultBackoffBase is the linear backoff base between retryable attempts.
	DefaultBackoffBase = 1 * time.Second
	// MaxBodyBytes caps response body capture at 512 KiB.
	MaxBodyBytes = 512 << 10

	userAgent = "sentinel/0.1.0"
)

// Request describes one endpoint execution. Zero values for Timeout,
// MaxAttempts, and BackoffBase fall back to the defaults above.
type Request struct {
	URL            string
	Method         string
	ExpectedStatus int
	Timeout        time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	Headers        map[string]string
	QueryParams    map[string]string
	Body           string
	ContentType    string
}

// Result is the outcome of one execution. Exactly one of StatusCode and
// ErrorMessage is meaningful: a transport failure leaves StatusCode nil.
type Result struct {
	StatusCode     *int
	ResponseTimeMs *float64
	Body           map[string]any
	IsSuccess      bool
	ErrorMessage   string
}

// Executor performs monitored HTTP requests through a single pooled client.
// One instance serves the whole process; Start must run before the first
// Execute and Stop is one-shot.
type Executor struct {
	mu      sync.Mutex
	client  *http.Client
	log     *zap.Logger
	started bool
	sleep   func(time.Duration) // injectable for tests
}

// New returns an executor that follows redirects and verifies TLS.
func New(log *zap.Logger) *Executor {
	return &Executor{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		log:   log.Named("executor"),
		sleep: time.Sleep,
	}
}

// Start marks the executor ready. Calling it twice is an error.
func (e *Executor) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("executor already started")
	}
	e.started = true
	e.log.Info("http executor started")
	return nil
}

// Stop releases idle pooled connections.
func (e *Executor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	e.started = false
	e.client.CloseIdleConnections()
	e.log.Info("http executor stopped")
}

// Execute performs the request with linear-backoff retries. It never returns
// an error: transport failures after the final attempt surface through
// ErrorMessage. Any HTTP response, success or not, ends the attempt loop.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	backoff := req.BackoffBase
	if backoff <= 0 {
		backoff = DefaultBackoffBase
	}

	// A malformed URL never becomes valid on retry; fail it up front
	// without burning attempts or backoff.
	target, err := buildURL(req.URL, req.QueryParams)
	if err != nil {
		return Result{
			IsSuccess:    false,
			ErrorMessage: err.Error(),
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := e.attempt(ctx, req, target, timeout)
		if err == nil {
			metrics.ExecutorAttemptsTotal.WithLabelValues("response").Inc()
			if res.ResponseTimeMs != nil {
				metrics.ExecutorResponseTime.Observe(*res.ResponseTimeMs / 1000)
			}
			return res
		}

		metrics.ExecutorAttemptsTotal.WithLabelValues("transport_error").Inc()
		lastErr = err
		e.log.Warn("request attempt failed",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < maxAttempts {
			e.sleep(backoff * time.Duration(attempt))
		}
	}

	return Result{
		IsSuccess:    false,
		ErrorMessage: lastErr.Error(),
	}
}

func (e *Executor) attempt(ctx context.Context, req Request, target string, timeout time.Duration) (Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, target, body)
	if err != nil {
		return Result{}, err
	}

	httpReq.Header.Set("User-Agent", userAgent)
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	captured := captureBody(resp)
	elapsed := roundMs(time.Since(start))

	status := resp.StatusCode
	return Result{
		StatusCode:     &status,
		ResponseTimeMs: &elapsed,
		Body:           captured,
		IsSuccess:      status == req.ExpectedStatus,
	}, nil
}

func buildURL(raw string, params map[string]string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// captureBody decodes a JSON body up to MaxBodyBytes. A decoded non-object
// value is wrapped as {"_value": v}; decode failures and oversize bodies
// yield nil.
func captureBody(resp *http.Response) map[string]any {
	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(ct), "json") {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if resp.ContentLength > MaxBodyBytes {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes+1))
	if err != nil || len(raw) > MaxBodyBytes {
		return nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	if obj, ok := v.(map[string]any); ok {
		return obj
	}
	return map[string]any{"_value": v}
}

// roundMs rounds elapsed time to 0.01 ms.
func roundMs(d time.Duration) float64 {
	ms := float64(d.Nanoseconds()) / 1e6
	return math.Round(ms*100) / 100
}
