package detector

import (
	"math"

	"github.com/JoergBesier/LUNA-device-detector/internal/signal"
)

// ThresholdDetector flags a wetting event when the baseline-corrected load
// stays above a level threshold for a minimum number of samples. It is the
// reference detector the lab compares everything else against.
type ThresholdDetector struct{}

// NewThresholdDetector returns the threshold detector.
func NewThresholdDetector() *ThresholdDetector { return &ThresholdDetector{} }

func (d *ThresholdDetector) Name() string { return "threshold" }

func (d *ThresholdDetector) Schema() ParamSchema {
	return ParamSchema{
		"threshold": {Type: ParamFloat, Required: true, Min: 0, Max: math.MaxFloat64},
		"channel": {
			Type: ParamString, Default: signal.ChannelLoad,
			OneOf: []string{signal.ChannelLoad, signal.ChannelAH},
		},
		"min_hold":    {Type: ParamInt, Default: 3, Min: 1, Max: 1e6},
		"rearm_ratio": {Type: ParamFloat, Default: 0.5, Min: 0, Max: 1},
	}
}

// Detect scans the series for sustained threshold crossings. The event time
// is the sample at which the crossing began. After an event the detector
// re-arms only once the value drops below threshold*rearm_ratio, so one
// sustained wet period produces one event.
func (d *ThresholdDetector) Detect(series *signal.Series, cfg Config) (*Output, error) {
	params, err := d.Schema().Bind(d.Name(), cfg.Params)
	if err != nil {
		return nil, err
	}
	threshold := params.Float("threshold")
	channel := params.String("channel")
	minHold := params.Int("min_hold")
	rearm := threshold * params.Float("rearm_ratio")

	values := make([]float64, series.Len())
	var events []Event

	armed := true
	holdCount := 0
	holdStart := 0.0
	peak := 0.0

	for i, sm := range series.Samples {
		v := sm.Channel(channel)
		values[i] = v
		if math.IsNaN(v) {
			continue
		}

		if !armed {
			if v < rearm {
				armed = true
			}
			continue
		}

		if v >= threshold {
			if holdCount == 0 {
				holdStart = sm.Elapsed
				peak = v
			}
			if v > peak {
				peak = v
			}
			holdCount++
			if holdCount >= minHold {
				exceed := peak - threshold
				events = append(events, Event{
					Time:       holdStart,
					Type:       "wet",
					Confidence: exceed / (exceed + threshold),
					Tag:        sm.SensorID,
				})
				armed = false
				holdCount = 0
			}
		} else {
			holdCount = 0
		}
	}

	sortEvents(events)
	return &Output{
		Events:  events,
		Signals: map[string][]float64{channel: values},
		Diagnostics: map[string]any{
			"threshold": threshold,
			"samples":   series.Len(),
			"events":    len(events),
		},
	}, nil
}
