package simulation

import (
	"math"
	"math/rand"

	"github.com/JoergBesier/LUNA-device-detector/internal/signal"
)

// Transform names accepted in SimulationConfig.
const (
	TransformNoise       = "noise"
	TransformDrift       = "drift"
	TransformDelay       = "delay"
	TransformSaturation  = "saturation"
	TransformMissing     = "missing"
	TransformMultiSensor = "multisensor"
)

const unbounded = math.MaxFloat64

func builtinTransforms() []*transformDef {
	return []*transformDef{
		noiseTransform(),
		driftTransform(),
		delayTransform(),
		saturationTransform(),
		missingTransform(),
		multiSensorTransform(),
	}
}

// noiseTransform adds zero-mean noise to the RH or AH channel. RH noise
// flows into the derived channels via re-derivation; AH noise is applied
// after derivation, so it perturbs only AH and the load derived from it.
func noiseTransform() *transformDef {
	return &transformDef{
		name: TransformNoise,
		params: map[string]paramSpec{
			"channel": stringParam(signal.ChannelRH, signal.ChannelRH, signal.ChannelAH),
			"sigma":   requiredFloatParam(0, unbounded),
			"dist":    stringParam("gaussian", "gaussian", "uniform"),
		},
		apply: func(s *signal.Series, p boundParams, rng *rand.Rand, dcfg signal.DerivationConfig) (*signal.Series, error) {
			channel := p.s("channel")
			sigma := p.f("sigma")
			dist := p.s("dist")

			out := s.Clone()
			for i := range out.Samples {
				sm := &out.Samples[i]
				v := sm.Channel(channel)

				// Each sample consumes one draw even when the value is
				// missing, so gaps do not shift the stream.
				var noise float64
				switch dist {
				case "uniform":
					// Zero-mean uniform with standard deviation sigma.
					noise = (rng.Float64()*2 - 1) * sigma * math.Sqrt(3)
				default:
					noise = rng.NormFloat64() * sigma
				}
				if math.IsNaN(v) {
					continue
				}
				sm.SetChannel(channel, v+noise)
			}

			if channel == signal.ChannelRH {
				return signal.Derive(out, dcfg)
			}
			// AH noise: keep the load proxy consistent with the perturbed AH.
			if dcfg.LoadSource == signal.LoadFromAH {
				for i := range out.Samples {
					sm := &out.Samples[i]
					if !math.IsNaN(sm.AH) {
						sm.Load = sm.AH - out.Baseline.AH
					}
				}
			}
			return out, nil
		},
	}
}

// driftTransform adds a slow offset to the temperature channel: linear at a
// configured rate, or oscillating with a configured amplitude and period.
func driftTransform() *transformDef {
	return &transformDef{
		name: TransformDrift,
		params: map[string]paramSpec{
			"shape":     stringParam("linear", "linear", "sine"),
			"rate":      floatParam(0, -unbounded, unbounded), // °C per hour, linear shape
			"amplitude": floatParam(0, 0, unbounded),          // °C, sine shape
			"period_s":  floatParam(3600, 1e-9, unbounded),
		},
		rederive: true,
		apply: func(s *signal.Series, p boundParams, _ *rand.Rand, _ signal.DerivationConfig) (*signal.Series, error) {
			shape := p.s("shape")
			rate := p.f("rate")
			amplitude := p.f("amplitude")
			period := p.f("period_s")

			out := s.Clone()
			if len(out.Samples) == 0 {
				return out, nil
			}
			start := out.Samples[0].Elapsed
			for i := range out.Samples {
				sm := &out.Samples[i]
				if math.IsNaN(sm.TempC) {
					continue
				}
				t := sm.Elapsed - start
				var offset float64
				switch shape {
				case "sine":
					offset = amplitude * math.Sin(2*math.Pi*t/period)
				default:
					offset = rate * t / 3600.0
				}
				sm.TempC += offset
			}
			return out, nil
		},
	}
}

// delayTransform shifts one channel's timeline forward by a fixed offset,
// modeling vapor transport lag. Output samples before the shifted start are
// dropped rather than extrapolated; the remaining samples read the channel
// value recorded at-or-before t-offset.
func delayTransform() *transformDef {
	return &transformDef{
		name: TransformDelay,
		params: map[string]paramSpec{
			"channel":  stringParam(signal.ChannelRH, signal.ChannelTemp, signal.ChannelRH, signal.ChannelAH, signal.ChannelLoad),
			"offset_s": requiredFloatParam(0, unbounded),
		},
		apply: func(s *signal.Series, p boundParams, _ *rand.Rand, dcfg signal.DerivationConfig) (*signal.Series, error) {
			channel := p.s("channel")
			offset := p.f("offset_s")

			out := s.Clone()
			if len(out.Samples) == 0 || offset == 0 {
				return out, nil
			}

			start := out.Samples[0].Elapsed
			kept := out.Samples[:0]
			src := 0
			for _, sm := range out.Samples {
				if sm.Elapsed < start+offset {
					continue
				}
				// Latest source sample at or before the shifted time.
				target := sm.Elapsed - offset
				for src+1 < len(s.Samples) && s.Samples[src+1].Elapsed <= target {
					src++
				}
				sm.SetChannel(channel, s.Samples[src].Channel(channel))
				kept = append(kept, sm)
			}
			out.Samples = kept

			if channel == signal.ChannelTemp || channel == signal.ChannelRH {
				return signal.Derive(out, dcfg)
			}
			return out, nil
		},
	}
}

// saturationTransform clamps a channel to a [min,max] envelope, optionally
// after a first-order lag filter with time constant lag_tau_s.
func saturationTransform() *transformDef {
	return &transformDef{
		name: TransformSaturation,
		params: map[string]paramSpec{
			"channel":   stringParam(signal.ChannelRH, signal.ChannelTemp, signal.ChannelRH, signal.ChannelAH, signal.ChannelLoad),
			"min":       floatParam(-unbounded, -unbounded, unbounded),
			"max":       floatParam(unbounded, -unbounded, unbounded),
			"lag_tau_s": floatParam(0, 0, unbounded),
		},
		apply: func(s *signal.Series, p boundParams, _ *rand.Rand, dcfg signal.DerivationConfig) (*signal.Series, error) {
			channel := p.s("channel")
			lo := p.f("min")
			hi := p.f("max")
			tau := p.f("lag_tau_s")

			out := s.Clone()
			if tau > 0 {
				applyLag(out, channel, tau)
			}
			for i := range out.Samples {
				sm := &out.Samples[i]
				v := sm.Channel(channel)
				if math.IsNaN(v) {
					continue
				}
				sm.SetChannel(channel, math.Min(math.Max(v, lo), hi))
			}

			if channel == signal.ChannelTemp || channel == signal.ChannelRH {
				return signal.Derive(out, dcfg)
			}
			return out, nil
		},
	}
}

// applyLag runs a first-order low-pass over the channel in place. Missing
// values pass through unchanged and do not advance the filter state.
func applyLag(s *signal.Series, channel string, tau float64) {
	havePrev := false
	var state, prevT float64
	for i := range s.Samples {
		sm := &s.Samples[i]
		v := sm.Channel(channel)
		if math.IsNaN(v) {
			continue
		}
		if !havePrev {
			state = v
			prevT = sm.Elapsed
			havePrev = true
			continue
		}
		dt := sm.Elapsed - prevT
		alpha := 1 - math.Exp(-dt/tau)
		state += alpha * (v - state)
		prevT = sm.Elapsed
		sm.SetChannel(channel, state)
	}
}

// missingTransform drops whole samples, either independently at a
// probability (consuming this transform's own stream) or at a fixed stride.
// Gaps stay gaps; nothing downstream interpolates them back.
func missingTransform() *transformDef {
	return &transformDef{
		name: TransformMissing,
		params: map[string]paramSpec{
			"prob":   floatParam(0, 0, 1),
			"stride": intParam(0, 0, unbounded),
		},
		apply: func(s *signal.Series, p boundParams, rng *rand.Rand, _ signal.DerivationConfig) (*signal.Series, error) {
			prob := p.f("prob")
			stride := p.i("stride")

			out := s.Clone()
			kept := out.Samples[:0]
			for i, sm := range out.Samples {
				drop := false
				if prob > 0 {
					drop = rng.Float64() < prob
				}
				if stride > 0 && (i+1)%stride == 0 {
					drop = true
				}
				if !drop {
					kept = append(kept, sm)
				}
			}
			out.Samples = kept
			return out, nil
		},
	}
}

// multiSensorTransform synthesizes a second sensor stream from the first by
// applying an independent gain/delay/clip triple to its RH channel. The
// output interleaves both streams on the shared time axis.
func multiSensorTransform() *transformDef {
	return &transformDef{
		name: TransformMultiSensor,
		params: map[string]paramSpec{
			"sensor_id": stringParam("s2"),
			"gain":      floatParam(1.0, 1e-9, unbounded),
			"delay_s":   floatParam(0, 0, unbounded),
			"clip_min":  floatParam(0, -unbounded, unbounded),
			"clip_max":  floatParam(100, -unbounded, unbounded),
		},
		rederive: true,
		apply: func(s *signal.Series, p boundParams, _ *rand.Rand, _ signal.DerivationConfig) (*signal.Series, error) {
			sensorID := p.s("sensor_id")
			gain := p.f("gain")
			delay := p.f("delay_s")
			lo := p.f("clip_min")
			hi := p.f("clip_max")

			out := s.Clone()
			if len(s.Samples) == 0 {
				return out, nil
			}

			start := s.Samples[0].Elapsed
			synth := make([]signal.Sample, 0, len(s.Samples))
			src := 0
			for _, sm := range s.Samples {
				if sm.Elapsed < start+delay {
					continue
				}
				target := sm.Elapsed - delay
				for src+1 < len(s.Samples) && s.Samples[src+1].Elapsed <= target {
					src++
				}
				derived := sm
				derived.SensorID = sensorID
				rh := s.Samples[src].RH
				if !math.IsNaN(rh) {
					derived.RH = math.Min(math.Max(rh*gain, lo), hi)
				} else {
					derived.RH = math.NaN()
				}
				synth = append(synth, derived)
			}

			merged := append(out.Samples, synth...)
			return signal.NewSeries(out.RunID, merged, out.Baseline), nil
		},
	}
}
