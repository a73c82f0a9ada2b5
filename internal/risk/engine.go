package risk

import (
	"fmt"
	"math"
	"strings"

	"github.com/sentinelai/sentinel/internal/anomaly"
	"github.com/sentinelai/sentinel/internal/metrics"
	"github.com/sentinelai/sentinel/internal/performance"
	"github.com/sentinelai/sentinel/internal/schemadiff"
)

// Level is a bucketed risk classification.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Rank orders levels LOW < MEDIUM < HIGH < CRITICAL. Unknown levels rank
// below LOW so they never pass an alert threshold.
func (l Level) Rank() int {
	switch l {
	case LevelLow:
		return 0
	case LevelMedium:
		return 1
	case LevelHigh:
		return 2
	case LevelCritical:
		return 3
	default:
		return -1
	}
}

// ParseLevel normalizes a configured level string.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if l.Rank() < 0 {
		return "", fmt.Errorf("unknown risk level %q", s)
	}
	return l, nil
}

// Component weights; they sum to 100.
const (
	weightStatus      = 35.0
	weightPerformance = 25.0
	weightDrift       = 20.0
	weightAI          = 15.0
	weightHistory     = 5.0

	// Scaling caps for the proportional components.
	maxDeviationPercent = 300.0
	maxDriftCount       = 10.0
	maxFailureRate      = 50.0
)

// Result is the composite score with its per-component breakdown.
// Always persisted alongside the run it scores.
type Result struct {
	CalculatedScore  float64 `json:"calculated_score"`
	RiskLevel        Level   `json:"risk_level"`
	StatusScore      float64 `json:"status_score"`
	PerformanceScore float64 `json:"performance_score"`
	DriftScore       float64 `json:"drift_score"`
	AIScore          float64 `json:"ai_score"`
	HistoryScore     float64 `json:"history_score"`
}

// Engine computes the weighted composite. Pure and deterministic.
type Engine struct{}

// NewEngine returns a risk engine.
func NewEngine() *Engine { return &Engine{} }

// Score combines the run outcome, performance snapshot, drift analysis,
// anomaly classification, and rolling failure rate into a 0-100 score.
func (e *Engine) Score(
	isSuccess bool,
	perf *performance.Snapshot,
	drift *schemadiff.Analysis,
	anom *anomaly.Result,
	failureRatePercent float64,
) Result {
	var r Result

	if !isSuccess {
		r.StatusScore = weightStatus
	}

	if perf != nil && perf.HasDeviation && perf.DeviationPercent > 0 {
		if perf.IsCriticalSpike {
			r.PerformanceScore = weightPerformance
		} else {
			ratio := math.Min(math.Abs(perf.DeviationPercent)/maxDeviationPercent, 1)
			r.PerformanceScore = ratio * weightPerformance
		}
	}

	if drift != nil && drift.HasDrift() {
		ratio := math.Min(float64(drift.DriftCount())/maxDriftCount, 1)
		r.DriftScore = ratio * weightDrift
	}

	if anom != nil && anom.AnomalyDetected && (anom.AICalled || anom.UsedFallback) {
		r.AIScore = anom.SeverityScore / 100 * weightAI
	}

	if failureRatePercent > 0 {
		ratio := math.Min(failureRatePercent/maxFailureRate, 1)
		r.HistoryScore = ratio * weightHistory
	}

	total := r.StatusScore + r.PerformanceScore + r.DriftScore + r.AIScore + r.HistoryScore
	total = math.Max(0, math.Min(total, 100))
	r.CalculatedScore = math.Round(total*10) / 10
	r.RiskLevel = levelFor(r.CalculatedScore)

	metrics.RiskLevelTotal.WithLabelValues(string(r.RiskLevel)).Inc()
	return r
}

func levelFor(score float64) Level {
	switch {
	case score >= 75:
		return LevelCritical
	case score >= 50:
		return LevelHigh
	case score >= 25:
		return LevelMedium
	default:
		return LevelLow
	}
}
