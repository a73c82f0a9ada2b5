package alert

import (
	"time"

	"github.com/sentinelai/sentinel/internal/pipeline"
)

// BuildPayload renders a pipeline result as the outbound alert body. The
// anomaly block is attached only for detected anomalies, performance only on
// a spike, and schema_drift only when drift was found.
func BuildPayload(res *pipeline.Result) map[string]any {
	run := res.Run

	var statusCode any
	if run.StatusCode != nil {
		statusCode = *run.StatusCode
	}
	var responseTime any
	if run.ResponseTimeMs != nil {
		responseTime = *run.ResponseTimeMs
	}
	var errMsg any
	if run.ErrorMessage != "" {
		errMsg = run.ErrorMessage
	}

	payload := map[string]any{
		"event":     "sentinel_alert",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"endpoint": map[string]any{
			"id":     run.EndpointID.String(),
			"name":   res.EndpointName,
			"url":    res.EndpointURL,
			"method": res.EndpointMethod,
		},
		"run": map[string]any{
			"id":               run.ID.String(),
			"status_code":      statusCode,
			"response_time_ms": responseTime,
			"is_success":       run.IsSuccess,
			"error_message":    errMsg,
		},
		"risk": map[string]any{
			"score": res.Risk.CalculatedScore,
			"level": string(res.Risk.RiskLevel),
			"breakdown": map[string]any{
				"status":      res.Risk.StatusScore,
				"performance": res.Risk.PerformanceScore,
				"drift":       res.Risk.DriftScore,
				"ai":          res.Risk.AIScore,
				"history":     res.Risk.HistoryScore,
			},
		},
	}

	if res.Anomaly != nil && res.Anomaly.AnomalyDetected {
		payload["anomaly"] = map[string]any{
			"severity_score": res.Anomaly.SeverityScore,
			"reasoning":      res.Anomaly.Reasoning,
			"probable_cause": res.Anomaly.ProbableCause,
		}
	}

	if res.Performance != nil && res.Performance.IsSpike {
		payload["performance"] = map[string]any{
			"current_ms":        res.Performance.CurrentMs,
			"rolling_avg_ms":    res.Performance.RollingAvgMs,
			"deviation_percent": res.Performance.DeviationPercent,
			"is_critical_spike": res.Performance.IsCriticalSpike,
		}
	}

	if res.Drift != nil && res.Drift.HasDrift() {
		payload["schema_drift"] = map[string]any{
			"total_differences": res.Drift.DriftCount(),
		}
	}

	return payload
}
