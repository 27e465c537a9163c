// Package metrics scores detector output against ground-truth labels under
// a time-tolerance window, and reports robustness across simulation
// severity sweeps.
package metrics

import (
	"math"
	"sort"

	"github.com/JoergBesier/LUNA-device-detector/internal/apperr"
	"github.com/JoergBesier/LUNA-device-detector/internal/detector"
	"github.com/JoergBesier/LUNA-device-detector/internal/signal"
)

// Options parameterizes one evaluation.
type Options struct {
	// ToleranceS is the maximum |prediction - label| distance, in seconds,
	// for a valid match.
	ToleranceS float64
	// DurationHours is the series' total elapsed span, used to normalize
	// the false-positive rate.
	DurationHours float64
}

// LatencyStats summarizes the latency distribution of matched predictions.
// The full distribution is kept alongside so skew is visible, not just a
// mean.
type LatencyStats struct {
	Mean float64 `json:"mean"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	P50  float64 `json:"p50"`
	P90  float64 `json:"p90"`
}

// MetricSet is the score card for one grid cell.
type MetricSet struct {
	TotalPredicted int `json:"total_predicted"`
	TotalLabels    int `json:"total_labels"`
	Matched        int `json:"matched"`
	FalsePositives int `json:"false_positives"`
	FalseNegatives int `json:"false_negatives"`

	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`

	// Latencies holds prediction time minus label time for every match,
	// in label order. Negative values mean the detector fired early.
	Latencies []float64    `json:"latencies"`
	Latency   LatencyStats `json:"latency"`

	FPPerHour float64 `json:"fp_per_hour"`

	ToleranceS float64 `json:"tolerance_s"`
}

// Evaluate matches predicted events to labels and computes the metric set.
//
// Matching is greedy one-to-one: labels are visited in time order; each
// takes the closest unmatched prediction within tolerance, ties broken by
// the earliest-registered prediction. The outcome depends only on the
// (already ordered) inputs and that tie-break rule, never on map or
// goroutine iteration order.
func Evaluate(events []detector.Event, labels []signal.Label, opts Options) (*MetricSet, error) {
	if opts.ToleranceS < 0 {
		return nil, apperr.Configf("tolerance must be >= 0, got %g", opts.ToleranceS)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Time < events[i-1].Time {
			return nil, apperr.Integrityf(
				"evaluator fed non-monotonic events: event %d at t=%.3fs after t=%.3fs",
				i, events[i].Time, events[i-1].Time)
		}
	}
	for i := 1; i < len(labels); i++ {
		if labels[i].EventTime < labels[i-1].EventTime {
			return nil, apperr.Integrityf(
				"evaluator fed non-monotonic labels: label %d at t=%.3fs after t=%.3fs",
				i, labels[i].EventTime, labels[i-1].EventTime)
		}
	}

	matched := make([]bool, len(events))
	var latencies []float64

	for _, label := range labels {
		best := -1
		bestDist := math.Inf(1)
		for pi, ev := range events {
			if matched[pi] {
				continue
			}
			d := math.Abs(ev.Time - label.EventTime)
			if d > opts.ToleranceS {
				continue
			}
			// Strict < keeps the earliest-registered prediction on ties.
			if d < bestDist {
				best = pi
				bestDist = d
			}
		}
		if best >= 0 {
			matched[best] = true
			latencies = append(latencies, events[best].Time-label.EventTime)
		}
	}

	m := &MetricSet{
		TotalPredicted: len(events),
		TotalLabels:    len(labels),
		Matched:        len(latencies),
		Latencies:      latencies,
		ToleranceS:     opts.ToleranceS,
	}
	m.FalsePositives = m.TotalPredicted - m.Matched
	m.FalseNegatives = m.TotalLabels - m.Matched
	m.Precision = ratio(m.Matched, m.TotalPredicted)
	m.Recall = ratio(m.Matched, m.TotalLabels)
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	m.Latency = summarizeLatencies(latencies)
	if opts.DurationHours > 0 {
		m.FPPerHour = float64(m.FalsePositives) / opts.DurationHours
	}

	return m, nil
}

// ratio returns matched/total, treating an empty denominator as a perfect
// score: no predictions against no labels is not a failure.
func ratio(matched, total int) float64 {
	if total == 0 {
		return 1
	}
	return float64(matched) / float64(total)
}

func summarizeLatencies(latencies []float64) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}
	sorted := make([]float64, len(latencies))
	copy(sorted, latencies)
	sort.Float64s(sorted)

	sum := 0.0
	for _, l := range sorted {
		sum += l
	}
	return LatencyStats{
		Mean: sum / float64(len(sorted)),
		Min:  sorted[0],
		Max:  sorted[len(sorted)-1],
		P50:  percentile(sorted, 0.50),
		P90:  percentile(sorted, 0.90),
	}
}

// percentile uses the nearest-rank method on an already sorted slice.
func percentile(sorted []float64, q float64) float64 {
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
