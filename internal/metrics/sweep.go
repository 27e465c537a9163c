package metrics

import (
	"sort"

	"github.com/JoergBesier/LUNA-device-detector/internal/apperr"
)

// SweepPoint is one cell's score at a simulation severity. A sweep group is
// a set of cells sharing run and algorithm config, differing only in
// simulation severity.
type SweepPoint struct {
	CellID   string     `json:"cell_id"`
	Severity float64    `json:"severity"`
	Metrics  *MetricSet `json:"metrics"`
}

// RobustnessReport describes how scores degrade across a severity sweep.
// Non-monotonic degradation is reported, never smoothed away.
type RobustnessReport struct {
	// Points sorted by ascending severity.
	Points []SweepPoint `json:"points"`

	// Deltas are the metric at the highest severity minus the metric at
	// the lowest: how much was lost across the whole sweep.
	PrecisionDelta float64 `json:"precision_delta"`
	RecallDelta    float64 `json:"recall_delta"`
	F1Delta        float64 `json:"f1_delta"`

	// Monotonic* report whether the metric never improved as severity
	// increased.
	MonotonicPrecision bool `json:"monotonic_precision"`
	MonotonicRecall    bool `json:"monotonic_recall"`
	MonotonicF1        bool `json:"monotonic_f1"`

	// NonMonotonicAt lists severities where some metric improved over the
	// previous step, a sign the detector behaves oddly and is worth a look.
	NonMonotonicAt []float64 `json:"non_monotonic_at,omitempty"`
}

// EvaluateSweep orders the points by severity and reports degradation.
// At least two points with distinct severities are required.
func EvaluateSweep(points []SweepPoint) (*RobustnessReport, error) {
	if len(points) < 2 {
		return nil, apperr.Configf("sweep needs at least 2 points, got %d", len(points))
	}
	for _, p := range points {
		if p.Metrics == nil {
			return nil, apperr.Configf("sweep point %q has no metrics", p.CellID)
		}
	}

	sorted := make([]SweepPoint, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Severity < sorted[j].Severity })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Severity == sorted[i-1].Severity {
			return nil, apperr.Configf(
				"sweep has duplicate severity %g (%s, %s)",
				sorted[i].Severity, sorted[i-1].CellID, sorted[i].CellID)
		}
	}

	r := &RobustnessReport{
		Points:             sorted,
		MonotonicPrecision: true,
		MonotonicRecall:    true,
		MonotonicF1:        true,
	}

	first := sorted[0].Metrics
	last := sorted[len(sorted)-1].Metrics
	r.PrecisionDelta = last.Precision - first.Precision
	r.RecallDelta = last.Recall - first.Recall
	r.F1Delta = last.F1 - first.F1

	nonMonotonic := make(map[float64]bool)
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1].Metrics, sorted[i].Metrics
		if cur.Precision > prev.Precision {
			r.MonotonicPrecision = false
			nonMonotonic[sorted[i].Severity] = true
		}
		if cur.Recall > prev.Recall {
			r.MonotonicRecall = false
			nonMonotonic[sorted[i].Severity] = true
		}
		if cur.F1 > prev.F1 {
			r.MonotonicF1 = false
			nonMonotonic[sorted[i].Severity] = true
		}
	}
	for severity := range nonMonotonic {
		r.NonMonotonicAt = append(r.NonMonotonicAt, severity)
	}
	sort.Float64s(r.NonMonotonicAt)

	return r, nil
}
