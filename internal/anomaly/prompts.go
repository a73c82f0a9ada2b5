package anomaly

import (
	"fmt"
	"strings"

	"github.com/sentinelai/sentinel/internal/schemadiff"
)

// SystemPrompt fixes the severity and confidence scales and the required
// response shape for the classifier model.
const SystemPrompt = `You are Sentinel, an expert API monitoring analyst. You analyze API endpoint execution results and determine whether they represent an anomaly.

Severity is scored 0-100: 0-19 is normal operation, 20-39 is a minor issue, 40-69 is a significant problem, 70-100 is a critical failure. Confidence is scored 0.0-1.0.

Respond with a JSON object containing exactly these fields:
{"anomaly_detected": bool, "severity_score": number, "reasoning": string, "probable_cause": string, "confidence": number, "recommendation": string}`

// BuildUserPrompt renders the run context for the model. Absent numeric
// values render as N/A so the model never sees fabricated zeros.
func BuildUserPrompt(in Input) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Analyze this API endpoint execution:\n\n")
	fmt.Fprintf(&b, "Endpoint: %s\n", in.EndpointName)
	fmt.Fprintf(&b, "Request: %s %s\n", in.Method, in.URL)
	fmt.Fprintf(&b, "Expected status: %d\n", in.ExpectedStatus)
	fmt.Fprintf(&b, "Actual status: %s\n", fmtIntPtr(in.ActualStatus))
	fmt.Fprintf(&b, "Success: %t\n", in.IsSuccess)
	if in.ErrorMessage != "" {
		fmt.Fprintf(&b, "Error: %s\n", in.ErrorMessage)
	}

	fmt.Fprintf(&b, "Response time: %s\n", fmtFloatPtr(in.ResponseTimeMs, "ms"))
	if in.Performance != nil && in.Performance.SampleSize > 0 {
		fmt.Fprintf(&b, "Rolling average: %.2f ms over %d samples\n",
			in.Performance.RollingAvgMs, in.Performance.SampleSize)
		if in.Performance.HasDeviation {
			fmt.Fprintf(&b, "Deviation from average: %+.2f%%\n", in.Performance.DeviationPercent)
		}
	}
	fmt.Fprintf(&b, "Historical failure rate: %.2f%%\n", in.FailureRatePercent)
	fmt.Fprintf(&b, "Schema drift: %s\n", driftSummary(in.Drift))

	return b.String()
}

// driftSummary renders a compact one-line digest, at most five paths per
// difference bucket.
func driftSummary(a *schemadiff.Analysis) string {
	if a == nil || a.Diff == nil {
		return "not checked"
	}
	d := a.Diff
	if !d.HasDrift() {
		return "none"
	}

	parts := []string{fmt.Sprintf("%d difference(s)", d.TotalDifferences())}
	if len(d.MissingFields) > 0 {
		parts = append(parts, "missing: ["+joinPaths(d.MissingFields)+"]")
	}
	if len(d.NewFields) > 0 {
		parts = append(parts, "new: ["+joinPaths(d.NewFields)+"]")
	}
	if len(d.TypeMismatches) > 0 {
		items := make([]string, 0, 5)
		for _, diff := range d.TypeMismatches {
			if len(items) == 5 {
				break
			}
			items = append(items, fmt.Sprintf("%s (%s→%s)", diff.Path, diff.Expected, diff.Actual))
		}
		parts = append(parts, "type changes: ["+strings.Join(items, ", ")+"]")
	}
	return strings.Join(parts, "; ")
}

func joinPaths(diffs []schemadiff.Difference) string {
	paths := make([]string, 0, 5)
	for _, d := range diffs {
		if len(paths) == 5 {
			break
		}
		paths = append(paths, d.Path)
	}
	return strings.Join(paths, ", ")
}

func fmtIntPtr(v *int) string {
	if v == nil {
		return "N/A (no response)"
	}
	return fmt.Sprintf("%d", *v)
}

func fmtFloatPtr(v *float64, unit string) string {
	if v == nil {
		return "N/A"
	}
	return fmt.Sprintf("%.2f %s", *v, unit)
}
