package schemadiff

// Analysis wraps a diff result with the reason comparison was skipped, if it
// was. Exactly one of Diff and SkippedReason is meaningful.
type Analysis struct {
	Diff          *Result
	SkippedReason string
}

// HasDrift reports whether a comparison ran and found differences.
func (a Analysis) HasDrift() bool {
	return a.Diff != nil && a.Diff.HasDrift()
}

// DriftCount returns the total difference count, zero when skipped.
func (a Analysis) DriftCount() int {
	if a.Diff == nil {
		return 0
	}
	return a.Diff.TotalDifferences()
}

// Validate compares the configured expected schema against a captured
// response body. Both sides must be JSON objects; otherwise the comparison is
// skipped with a reason instead of reporting spurious drift.
func Validate(expected map[string]any, body any) Analysis {
	if len(expected) == 0 {
		return Analysis{SkippedReason: "no expected schema configured"}
	}
	if body == nil {
		return Analysis{SkippedReason: "no response body to compare"}
	}
	actual, ok := body.(map[string]any)
	if !ok {
		return Analysis{SkippedReason: "response body is not an object"}
	}
	return Analysis{Diff: Compare(expected, actual)}
}
