// Package detector defines the contract every wetness detection algorithm
// satisfies, the parameter schema machinery that validates algorithm
// configs, and the registry that indexes implementations by name.
//
// A Detector is a pure function of (series, config): no state survives
// between invocations and concurrent calls never share anything mutable.
// New detectors register under a stable identifier; the grid expander,
// simulation engine, and evaluator never change when one is added.
package detector

import (
	"math"
	"sort"

	"github.com/JoergBesier/LUNA-device-detector/internal/apperr"
	"github.com/JoergBesier/LUNA-device-detector/internal/signal"
)

// Config selects an algorithm and its parameters. It is opaque to the core
// beyond validation against the algorithm's declared schema.
type Config struct {
	Algorithm string         `yaml:"algorithm" json:"algorithm"`
	Params    map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// Event is one detected occurrence.
type Event struct {
	// Time is seconds from run start.
	Time       float64 `json:"time"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Tag        string  `json:"tag,omitempty"`
}

// Output is everything a detector produces for one cell. It is written once
// and never mutated afterward.
type Output struct {
	// Events are ordered by time ascending.
	Events []Event `json:"events"`
	// Signals are continuous series aligned 1:1 with the input series'
	// time axis: same length, same offsets.
	Signals map[string][]float64 `json:"signals,omitempty"`
	// Diagnostics is free-form and not interpreted by the core.
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
}

// Detector is the capability every algorithm implements.
type Detector interface {
	// Name is the stable registry identifier.
	Name() string
	// Schema declares the accepted parameters.
	Schema() ParamSchema
	// Detect runs the algorithm against a (possibly simulated) series.
	Detect(series *signal.Series, cfg Config) (*Output, error)
}

// ValidateOutput enforces the output contract against the input series:
// events ordered by time, every signal aligned 1:1 with the series. A
// violation marks the producing cell failed.
func ValidateOutput(out *Output, series *signal.Series) error {
	if out == nil {
		return apperr.Contractf("detector returned nil output")
	}
	for i := 1; i < len(out.Events); i++ {
		if out.Events[i].Time < out.Events[i-1].Time {
			return apperr.Contractf(
				"events out of order: event %d at t=%.3fs after t=%.3fs",
				i, out.Events[i].Time, out.Events[i-1].Time)
		}
	}
	for _, e := range out.Events {
		if math.IsNaN(e.Time) {
			return apperr.Contractf("event with NaN time")
		}
	}
	for name, values := range out.Signals {
		if len(values) != series.Len() {
			return apperr.Contractf(
				"signal %q has %d values, series has %d samples", name, len(values), series.Len())
		}
	}
	return nil
}

// sortEvents orders events by time, stably, preserving emission order for
// equal times. Builtin detectors emit in time order already; this keeps the
// contract cheap to uphold in new implementations.
func sortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Time < events[j].Time })
}
