package anomaly

import (
	"context"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sentinelai/sentinel/internal/metrics"
	"github.com/sentinelai/sentinel/internal/performance"
	"github.com/sentinelai/sentinel/internal/schemadiff"
)

// detectionThreshold is the severity at which a classification counts as an
// anomaly, on both the AI and the fallback path.
const detectionThreshold = 20.0

// Input carries everything the classifier examines for one run.
type Input struct {
	EndpointName       string
	URL                string
	Method             string
	ExpectedStatus     int
	ActualStatus       *int
	ResponseTimeMs     *float64
	IsSuccess          bool
	ErrorMessage       string
	Performance        *performance.Snapshot
	Drift              *schemadiff.Analysis
	FailureRatePercent float64
}

// Result is the classification outcome. Persisted only when AnomalyDetected.
type Result struct {
	AnomalyDetected bool    `json:"anomaly_detected"`
	SeverityScore   float64 `json:"severity_score"`
	Confidence      float64 `json:"confidence"`
	Reasoning       string  `json:"reasoning"`
	ProbableCause   string  `json:"probable_cause"`
	Recommendation  string  `json:"recommendation"`
	AICalled        bool    `json:"ai_called"`
	UsedFallback    bool    `json:"used_fallback"`
	SkippedReason   string  `json:"skipped_reason,omitempty"`
}

// Gateway is the model-call capability the engine depends on. Satisfied by
// *llm.Client and by in-memory doubles in tests.
type Gateway interface {
	Available() bool
	Analyze(ctx context.Context, systemPrompt, userPrompt string) (map[string]any, bool)
}

// Engine decides whether a run is anomalous. The cost gate runs before any
// prompt is built so healthy runs never touch the gateway.
type Engine struct {
	gateway Gateway
	log     *zap.Logger
}

// NewEngine wires the classifier to a gateway. A nil gateway means fallback
// classification only.
func NewEngine(gateway Gateway, log *zap.Logger) *Engine {
	return &Engine{gateway: gateway, log: log.Named("anomaly")}
}

// Analyze classifies one run. Never returns an error: every failure mode
// degrades to the deterministic fallback.
func (e *Engine) Analyze(ctx context.Context, in Input) Result {
	if !hasSignal(in) {
		metrics.AnomalyGateSkipsTotal.Inc()
		return Result{
			AnomalyDetected: false,
			Confidence:      1.0,
			Reasoning:       "All signals healthy — AI skipped",
			SkippedReason:   "All signals healthy — AI skipped",
		}
	}

	if e.gateway != nil && e.gateway.Available() {
		if obj, ok := e.gateway.Analyze(ctx, SystemPrompt, BuildUserPrompt(in)); ok {
			res := parseAIResponse(obj)
			if res.AnomalyDetected {
				metrics.AnomaliesDetectedTotal.WithLabelValues("ai").Inc()
			}
			return res
		}
		e.log.Warn("gateway analysis failed, using rule-based fallback",
			zap.String("endpoint", in.EndpointName))
	}

	res := e.fallback(in)
	if res.AnomalyDetected {
		metrics.AnomaliesDetectedTotal.WithLabelValues("fallback").Inc()
	}
	return res
}

// hasSignal implements the cost gate: the gateway is only consulted when at
// least one signal is raised.
func hasSignal(in Input) bool {
	if !in.IsSuccess {
		return true
	}
	if in.ErrorMessage != "" {
		return true
	}
	if in.Performance != nil && in.Performance.IsSpike {
		return true
	}
	if in.Drift != nil && in.Drift.HasDrift() {
		return true
	}
	return false
}

// parseAIResponse reads the model's JSON object leniently: numerics are
// coerced and clamped, strings default to empty, malformed severity becomes
// 50 and malformed confidence 0.5.
func parseAIResponse(obj map[string]any) Result {
	return Result{
		AnomalyDetected: asBool(obj["anomaly_detected"]),
		SeverityScore:   clamp(asFloat(obj["severity_score"], 50.0), 0, 100),
		Confidence:      clamp(asFloat(obj["confidence"], 0.5), 0, 1),
		Reasoning:       asString(obj["reasoning"]),
		ProbableCause:   asString(obj["probable_cause"]),
		Recommendation:  asString(obj["recommendation"]),
		AICalled:        true,
	}
}

// fallback applies the additive rule table and clamps to [0,100].
func (e *Engine) fallback(in Input) Result {
	var severity float64
	var reasons []string
	var recs []string

	errLower := strings.ToLower(in.ErrorMessage)

	switch {
	case in.ActualStatus == nil:
		severity += 60
		reasons = append(reasons, "request failed without a response")
		recs = append(recs, "check endpoint availability and DNS resolution")
	case *in.ActualStatus >= 500:
		severity += 50
		reasons = append(reasons, "server error status")
		recs = append(recs, "inspect server logs for the failing endpoint")
	case *in.ActualStatus >= 400 && !in.IsSuccess:
		severity += 25
		reasons = append(reasons, "client error status")
		recs = append(recs, "verify request configuration and credentials")
	}

	if strings.Contains(errLower, "timeout") {
		severity += 20
		reasons = append(reasons, "request timed out")
	}
	if strings.Contains(errLower, "connection") {
		severity += 30
		reasons = append(reasons, "connection failure")
	}

	if in.Performance != nil {
		if in.Performance.IsCriticalSpike {
			severity += 35
			reasons = append(reasons, "critical response time spike")
			recs = append(recs, "profile the endpoint and check resource saturation")
		} else if in.Performance.IsSpike {
			severity += 20
			reasons = append(reasons, "response time spike")
		}
	}

	if in.Drift != nil {
		switch count := in.Drift.DriftCount(); {
		case count >= 5:
			severity += 25
			reasons = append(reasons, "significant schema drift")
			recs = append(recs, "review the API changelog for contract changes")
		case count >= 1:
			severity += 10
			reasons = append(reasons, "minor schema drift")
		}
	}

	if in.FailureRatePercent >= 30 {
		severity += 15
		reasons = append(reasons, "elevated historical failure rate")
		recs = append(recs, "investigate recurring failures for this endpoint")
	}

	severity = clamp(severity, 0, 100)
	detected := severity >= detectionThreshold

	confidence := 0.8
	if detected {
		confidence = 0.6
	}

	reasoning := "no adverse signals scored"
	if len(reasons) > 0 {
		reasoning = strings.Join(reasons, "; ")
	}

	return Result{
		AnomalyDetected: detected,
		SeverityScore:   severity,
		Confidence:      confidence,
		Reasoning:       reasoning,
		ProbableCause:   probableCause(in),
		Recommendation:  strings.Join(recs, "; "),
		UsedFallback:    true,
	}
}

func probableCause(in Input) string {
	switch {
	case in.ActualStatus == nil:
		return "endpoint unreachable"
	case *in.ActualStatus >= 500:
		return "upstream server failure"
	case !in.IsSuccess:
		return "unexpected response status"
	case in.Performance != nil && in.Performance.IsSpike:
		return "performance degradation"
	case in.Drift != nil && in.Drift.HasDrift():
		return "response contract change"
	default:
		return ""
	}
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// asFloat coerces JSON numerics and numeric strings; anything else yields
// the fallback default.
func asFloat(v any, def float64) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f
		}
	}
	return def
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
