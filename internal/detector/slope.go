package detector

import (
	"math"

	"github.com/JoergBesier/LUNA-device-detector/internal/signal"
)

// SlopeDetector flags a wetting event when the absolute humidity rises
// faster than a configured rate. It fits a least-squares slope over a
// trailing time window, which makes it less sensitive to single-sample
// noise than pointwise differencing.
type SlopeDetector struct{}

// NewSlopeDetector returns the slope detector.
func NewSlopeDetector() *SlopeDetector { return &SlopeDetector{} }

func (d *SlopeDetector) Name() string { return "slope" }

func (d *SlopeDetector) Schema() ParamSchema {
	return ParamSchema{
		"min_slope": {Type: ParamFloat, Required: true, Min: 0, Max: math.MaxFloat64},
		"window_s":  {Type: ParamFloat, Default: 60.0, Min: 1e-9, Max: math.MaxFloat64},
		"channel": {
			Type: ParamString, Default: signal.ChannelAH,
			OneOf: []string{signal.ChannelAH, signal.ChannelVP, signal.ChannelLoad},
		},
	}
}

// Detect computes the trailing-window slope at every sample and emits an
// event when it first reaches min_slope (units per second). The detector
// re-arms once the slope falls below half the threshold.
func (d *SlopeDetector) Detect(series *signal.Series, cfg Config) (*Output, error) {
	params, err := d.Schema().Bind(d.Name(), cfg.Params)
	if err != nil {
		return nil, err
	}
	minSlope := params.Float("min_slope")
	window := params.Float("window_s")
	channel := params.String("channel")

	slopes := make([]float64, series.Len())
	var events []Event

	armed := true
	for i, sm := range series.Samples {
		slope := trailingSlope(series.Samples, i, window, channel)
		slopes[i] = slope
		if math.IsNaN(slope) {
			continue
		}

		if armed && slope >= minSlope {
			events = append(events, Event{
				Time:       sm.Elapsed,
				Type:       "wet",
				Confidence: slope / (slope + minSlope),
				Tag:        sm.SensorID,
			})
			armed = false
		} else if !armed && slope < minSlope/2 {
			armed = true
		}
	}

	sortEvents(events)
	return &Output{
		Events:  events,
		Signals: map[string][]float64{"slope": slopes},
		Diagnostics: map[string]any{
			"min_slope": minSlope,
			"window_s":  window,
			"events":    len(events),
		},
	}, nil
}

// trailingSlope fits a least-squares line through the channel values in
// (t[i]-window, t[i]] and returns its slope per second. NaN when fewer than
// two usable samples fall in the window.
func trailingSlope(samples []signal.Sample, i int, window float64, channel string) float64 {
	end := samples[i].Elapsed
	var n float64
	var sumT, sumV, sumTT, sumTV float64

	for j := i; j >= 0; j-- {
		t := samples[j].Elapsed
		if t < end-window {
			break
		}
		v := samples[j].Channel(channel)
		if math.IsNaN(v) {
			continue
		}
		n++
		sumT += t
		sumV += v
		sumTT += t * t
		sumTV += t * v
	}

	if n < 2 {
		return math.NaN()
	}
	denom := n*sumTT - sumT*sumT
	if denom == 0 {
		return math.NaN()
	}
	return (n*sumTV - sumT*sumV) / denom
}
