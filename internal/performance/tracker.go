package performance

import (
	"math"
	"sort"
)

const (
	// DefaultWindowSize bounds how many historical samples feed the rolling stats.
	DefaultWindowSize = 20
	// DefaultSpikeThreshold is the deviation percent at which a response counts as a spike.
	DefaultSpikeThreshold = 50.0
	// DefaultCriticalThreshold is the deviation percent for a critical spike.
	DefaultCriticalThreshold = 150.0
)

// Snapshot captures the rolling statistics for one response time against its
// recent history. It is transient and never persisted.
type Snapshot struct {
	CurrentMs        float64 `json:"current_ms"`
	RollingAvgMs     float64 `json:"rolling_avg_ms"`
	RollingMedianMs  float64 `json:"rolling_median_ms"`
	RollingStddevMs  float64 `json:"rolling_stddev_ms"`
	DeviationPercent float64 `json:"deviation_percent"`
	HasDeviation     bool    `json:"has_deviation"`
	IsSpike          bool    `json:"is_spike"`
	IsCriticalSpike  bool    `json:"is_critical_spike"`
	SampleSize       int     `json:"sample_size"`
}

// HasEnoughData reports whether the history is large enough for spike
// classification to be meaningful.
func (s Snapshot) HasEnoughData() bool { return s.SampleSize >= 3 }

// Tracker computes rolling response-time statistics. Pure and stateless;
// construct one per process and share freely.
type Tracker struct {
	windowSize        int
	spikeThreshold    float64
	criticalThreshold float64
}

// NewTracker returns a tracker with the default window and thresholds.
func NewTracker() *Tracker {
	return &Tracker{
		windowSize:        DefaultWindowSize,
		spikeThreshold:    DefaultSpikeThreshold,
		criticalThreshold: DefaultCriticalThreshold,
	}
}

// Analyze computes the snapshot for currentMs against history (newest first,
// excluding the current sample). With fewer than three samples no deviation
// is reported and no spike flag is raised; with fewer than two, stddev stays
// zero as well.
func (t *Tracker) Analyze(currentMs float64, history []float64) Snapshot {
	if len(history) > t.windowSize {
		history = history[:t.windowSize]
	}

	snap := Snapshot{
		CurrentMs:  currentMs,
		SampleSize: len(history),
	}
	if len(history) == 0 {
		return snap
	}

	snap.RollingAvgMs = round2(mean(history))
	snap.RollingMedianMs = round2(median(history))
	if len(history) >= 2 {
		snap.RollingStddevMs = round2(sampleStddev(history))
	}

	if !snap.HasEnoughData() {
		return snap
	}

	avg := mean(history)
	if avg <= 0 {
		// Degenerate history; deviation is defined as zero.
		return snap
	}

	snap.DeviationPercent = round2((currentMs - avg) / avg * 100)
	snap.HasDeviation = true
	snap.IsSpike = snap.DeviationPercent >= t.spikeThreshold
	snap.IsCriticalSpike = snap.DeviationPercent >= t.criticalThreshold
	return snap
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func median(xs []float64) float64 {
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// sampleStddev uses the n-1 denominator.
func sampleStddev(xs []float64) float64 {
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
