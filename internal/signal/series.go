// Package signal defines the domain model for recorded sensor series:
// per-run samples with raw and derived channels, run baselines, and
// ground-truth label events.
package signal

import (
	"math"
	"sort"

	"github.com/JoergBesier/LUNA-device-detector/internal/apperr"
)

// Channel names. Raw channels come from the device log; derived channels
// are computed by Derive from the raw channels and the run baseline.
const (
	ChannelTemp = "temp_c"
	ChannelRH   = "rh_pct"
	ChannelVP   = "vp_hpa"
	ChannelAH   = "ah_g_m3"
	ChannelLoad = "load"
)

// RawChannels lists the channels recorded by the device.
var RawChannels = []string{ChannelTemp, ChannelRH}

// DerivedChannels lists the channels computed from the raw ones.
var DerivedChannels = []string{ChannelVP, ChannelAH, ChannelLoad}

// KnownChannel reports whether name is a recognized channel.
func KnownChannel(name string) bool {
	switch name {
	case ChannelTemp, ChannelRH, ChannelVP, ChannelAH, ChannelLoad:
		return true
	}
	return false
}

// Sample is one reading. Missing channel values are NaN; a gap is a gap,
// consumers never interpolate across it.
type Sample struct {
	// Elapsed is the offset from run start in seconds.
	Elapsed float64
	// SensorID identifies the originating sensor (empty for single-sensor runs).
	SensorID string

	TempC float64
	RH    float64
	VP    float64
	AH    float64
	Load  float64
}

// Channel returns the named channel value (NaN if missing).
func (s Sample) Channel(name string) float64 {
	switch name {
	case ChannelTemp:
		return s.TempC
	case ChannelRH:
		return s.RH
	case ChannelVP:
		return s.VP
	case ChannelAH:
		return s.AH
	case ChannelLoad:
		return s.Load
	}
	return math.NaN()
}

// SetChannel sets the named channel value. Unknown names are ignored.
func (s *Sample) SetChannel(name string, v float64) {
	switch name {
	case ChannelTemp:
		s.TempC = v
	case ChannelRH:
		s.RH = v
	case ChannelVP:
		s.VP = v
	case ChannelAH:
		s.AH = v
	case ChannelLoad:
		s.Load = v
	}
}

// Series is an ordered per-run time series. A Series is treated as
// immutable once constructed; operations that change it return a new one.
type Series struct {
	// RunID identifies the recording session this series came from.
	RunID int64
	// Samples are ordered by Elapsed, non-decreasing; equal offsets keep
	// source order.
	Samples []Sample
	// Baseline holds the dry-state reference values used for load correction.
	Baseline Baseline
}

// NewSeries builds a series, sorting samples by elapsed offset. The sort is
// stable so duplicate offsets resolve by source order.
func NewSeries(runID int64, samples []Sample, baseline Baseline) *Series {
	out := make([]Sample, len(samples))
	copy(out, samples)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Elapsed < out[j].Elapsed })
	return &Series{RunID: runID, Samples: out, Baseline: baseline}
}

// Clone returns a deep copy. Transform implementations mutate the clone and
// leave the receiver untouched.
func (s *Series) Clone() *Series {
	samples := make([]Sample, len(s.Samples))
	copy(samples, s.Samples)
	return &Series{RunID: s.RunID, Samples: samples, Baseline: s.Baseline}
}

// Len returns the number of samples.
func (s *Series) Len() int { return len(s.Samples) }

// Duration returns the elapsed span of the series in seconds.
func (s *Series) Duration() float64 {
	if len(s.Samples) == 0 {
		return 0
	}
	return s.Samples[len(s.Samples)-1].Elapsed - s.Samples[0].Elapsed
}

// SensorIDs returns the distinct sensor identifiers in sample order.
func (s *Series) SensorIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, sm := range s.Samples {
		if !seen[sm.SensorID] {
			seen[sm.SensorID] = true
			ids = append(ids, sm.SensorID)
		}
	}
	return ids
}

// CheckMonotonic verifies the elapsed offsets never decrease. A violation
// is an integrity error: series are sorted at construction, so a decrease
// means a bug, not bad data.
func (s *Series) CheckMonotonic() error {
	for i := 1; i < len(s.Samples); i++ {
		if s.Samples[i].Elapsed < s.Samples[i-1].Elapsed {
			return apperr.Integrityf(
				"non-monotonic series for run %d: sample %d at t=%.3fs after t=%.3fs",
				s.RunID, i, s.Samples[i].Elapsed, s.Samples[i-1].Elapsed)
		}
	}
	return nil
}

// Label is one ground-truth event for a run (a known wetting moment).
type Label struct {
	RunID      int64
	EventType  string
	EventTime  float64 // seconds from run start
	Confidence float64 // NaN when unknown
	Source     string

	// Lab protocol detail carried through from the registry spreadsheet.
	VolumeML   float64 // NaN when unknown
	Location   string
	DistanceCM float64 // NaN when unknown
	WaterTempC float64 // NaN when unknown
	Notes      string
}

// SortLabels orders labels by event time, stably, so equal times keep
// source order.
func SortLabels(labels []Label) {
	sort.SliceStable(labels, func(i, j int) bool { return labels[i].EventTime < labels[j].EventTime })
}
