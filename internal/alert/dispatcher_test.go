package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentinelai/sentinel/internal/anomaly"
	"github.com/sentinelai/sentinel/internal/performance"
	"github.com/sentinelai/sentinel/internal/pipeline"
	"github.com/sentinelai/sentinel/internal/risk"
	"github.com/sentinelai/sentinel/internal/schemadiff"
	"github.com/sentinelai/sentinel/internal/store"
)

func sampleResult(level risk.Level) *pipeline.Result {
	status := 503
	rt := 120.0
	return &pipeline.Result{
		Run: &store.Run{
			ID:             uuid.New(),
			EndpointID:     uuid.New(),
			StatusCode:     &status,
			ResponseTimeMs: &rt,
			IsSuccess:      false,
		},
		Risk: risk.Result{
			CalculatedScore: 60,
			RiskLevel:       level,
			StatusScore:     35,
		},
		Anomaly: &anomaly.Result{
			AnomalyDetected: true,
			SeverityScore:   50,
			Reasoning:       "server error status",
			ProbableCause:   "upstream server failure",
			UsedFallback:    true,
		},
		EndpointName:   "orders-api",
		EndpointURL:    "https://api.test/orders",
		EndpointMethod: "GET",
	}
}

func startedWebhook(t *testing.T, enabled bool, url string) *WebhookClient {
	t.Helper()
	w := NewWebhookClient(enabled, url, time.Second, zap.NewNop())
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

func TestDispatcherBelowThresholdSkips(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	d := NewDispatcher(startedWebhook(t, true, srv.URL), risk.LevelHigh, zap.NewNop())
	out := d.MaybeAlert(context.Background(), sampleResult(risk.LevelMedium))

	if out.Alerted {
		t.Error("MEDIUM below HIGH threshold must not alert")
	}
	if out.Reason == "" {
		t.Error("expected a skip reason")
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Error("webhook must not be called below threshold")
	}
}

func TestDispatcherDelivers(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDispatcher(startedWebhook(t, true, srv.URL), risk.LevelMedium, zap.NewNop())
	out := d.MaybeAlert(context.Background(), sampleResult(risk.LevelHigh))

	if !out.Alerted || !out.Delivered {
		t.Fatalf("expected delivery, got %+v", out)
	}
	if received["event"] != "sentinel_alert" {
		t.Errorf("event = %v", received["event"])
	}
}

func TestDispatcherWebhookDisabled(t *testing.T) {
	d := NewDispatcher(startedWebhook(t, false, ""), risk.LevelMedium, zap.NewNop())
	out := d.MaybeAlert(context.Background(), sampleResult(risk.LevelCritical))

	if !out.Alerted || out.Delivered {
		t.Errorf("expected alerted-but-undelivered, got %+v", out)
	}
	if out.Reason != "webhook not configured" {
		t.Errorf("reason = %q", out.Reason)
	}
}

func TestDispatcherReceiverRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewDispatcher(startedWebhook(t, true, srv.URL), risk.LevelMedium, zap.NewNop())
	out := d.MaybeAlert(context.Background(), sampleResult(risk.LevelHigh))

	if out.Delivered {
		t.Error("non-2xx must count as failed delivery")
	}
}

func TestBuildPayloadShape(t *testing.T) {
	res := sampleResult(risk.LevelHigh)
	payload := BuildPayload(res)

	if payload["event"] != "sentinel_alert" {
		t.Errorf("event = %v", payload["event"])
	}
	if _, err := time.Parse(time.RFC3339, payload["timestamp"].(string)); err != nil {
		t.Errorf("timestamp not RFC3339: %v", err)
	}

	run := payload["run"].(map[string]any)
	if run["status_code"] != 503 {
		t.Errorf("run.status_code = %v", run["status_code"])
	}
	if run["error_message"] != nil {
		t.Errorf("empty error should serialize as null, got %v", run["error_message"])
	}

	riskBlock := payload["risk"].(map[string]any)
	breakdown := riskBlock["breakdown"].(map[string]any)
	for _, key := range []string{"status", "performance", "drift", "ai", "history"} {
		if _, ok := breakdown[key]; !ok {
			t.Errorf("breakdown missing %q", key)
		}
	}

	// Fallback anomaly is attached; no spike, no drift blocks.
	if _, ok := payload["anomaly"]; !ok {
		t.Error("expected anomaly block for detected anomaly")
	}
	if _, ok := payload["performance"]; ok {
		t.Error("performance block must be absent without a spike")
	}
	if _, ok := payload["schema_drift"]; ok {
		t.Error("schema_drift block must be absent without drift")
	}
}

func TestBuildPayloadConditionalBlocks(t *testing.T) {
	res := sampleResult(risk.LevelHigh)
	res.Anomaly = &anomaly.Result{AnomalyDetected: false}
	res.Performance = &performance.Snapshot{IsSpike: true, CurrentMs: 500, RollingAvgMs: 100, DeviationPercent: 400, IsCriticalSpike: true}
	res.Drift = &schemadiff.Analysis{Diff: &schemadiff.Result{
		NewFields: []schemadiff.Difference{{Path: "x"}, {Path: "y"}},
	}}

	payload := BuildPayload(res)
	if _, ok := payload["anomaly"]; ok {
		t.Error("undetected anomaly must not be attached")
	}
	perf := payload["performance"].(map[string]any)
	if perf["deviation_percent"] != 400.0 {
		t.Errorf("performance block = %v", perf)
	}
	drift := payload["schema_drift"].(map[string]any)
	if drift["total_differences"] != 2 {
		t.Errorf("schema_drift = %v", drift)
	}
}
