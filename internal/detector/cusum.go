package detector

import (
	"math"

	"github.com/JoergBesier/LUNA-device-detector/internal/signal"
)

// CUSUMDetector accumulates one-sided deviations of the load channel above
// a reference drift and flags an event when the cumulative sum crosses a
// decision threshold. It reacts to slow humidity creep that never trips a
// level threshold.
type CUSUMDetector struct{}

// NewCUSUMDetector returns the CUSUM detector.
func NewCUSUMDetector() *CUSUMDetector { return &CUSUMDetector{} }

func (d *CUSUMDetector) Name() string { return "cusum" }

func (d *CUSUMDetector) Schema() ParamSchema {
	return ParamSchema{
		"h": {Type: ParamFloat, Required: true, Min: 1e-9, Max: math.MaxFloat64},
		"k": {Type: ParamFloat, Default: 0.0, Min: 0, Max: math.MaxFloat64},
		"channel": {
			Type: ParamString, Default: signal.ChannelLoad,
			OneOf: []string{signal.ChannelLoad, signal.ChannelAH},
		},
	}
}

// Detect runs a one-sided CUSUM: s = max(0, s + x - k) per sample, event
// when s >= h, then the statistic resets. Missing samples leave the
// statistic unchanged.
func (d *CUSUMDetector) Detect(series *signal.Series, cfg Config) (*Output, error) {
	params, err := d.Schema().Bind(d.Name(), cfg.Params)
	if err != nil {
		return nil, err
	}
	h := params.Float("h")
	k := params.Float("k")
	channel := params.String("channel")

	stat := make([]float64, series.Len())
	var events []Event

	s := 0.0
	for i, sm := range series.Samples {
		v := sm.Channel(channel)
		if !math.IsNaN(v) {
			s = math.Max(0, s+v-k)
		}
		stat[i] = s
		if s >= h {
			events = append(events, Event{
				Time:       sm.Elapsed,
				Type:       "wet",
				Confidence: math.Min(1, s/(2*h)+0.5),
				Tag:        sm.SensorID,
			})
			s = 0
		}
	}

	sortEvents(events)
	return &Output{
		Events:  events,
		Signals: map[string][]float64{"cusum": stat},
		Diagnostics: map[string]any{
			"h":      h,
			"k":      k,
			"events": len(events),
		},
	}, nil
}
