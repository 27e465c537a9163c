package signal

import (
	"math"

	"github.com/JoergBesier/LUNA-device-detector/internal/apperr"
)

// Baseline holds dry-state reference values for a run. Load is reported
// relative to these, so two runs with different ambient humidity remain
// comparable.
type Baseline struct {
	TempC float64
	RH    float64
	VP    float64
	AH    float64
	// N is the number of leading samples the baseline was computed from
	// (0 when the baseline was supplied externally).
	N int
}

// LoadSource selects which derived channel the load proxy is corrected from.
type LoadSource string

const (
	LoadFromAH LoadSource = "ah"
	LoadFromVP LoadSource = "vp"
)

// DerivationConfig controls how derived channels are computed.
type DerivationConfig struct {
	// LoadSource selects absolute humidity (default) or vapor pressure as
	// the moisture proxy the load channel is derived from.
	LoadSource LoadSource
	// BaselineN is how many leading samples ComputeBaseline averages.
	BaselineN int
}

// DefaultDerivationConfig returns the derivation settings used by the lab.
func DefaultDerivationConfig() DerivationConfig {
	return DerivationConfig{LoadSource: LoadFromAH, BaselineN: 10}
}

func (c DerivationConfig) validate() error {
	switch c.LoadSource {
	case LoadFromAH, LoadFromVP:
	default:
		return apperr.Configf("unknown load source %q (valid: ah, vp)", c.LoadSource)
	}
	if c.BaselineN < 1 {
		return apperr.Configf("baseline sample count must be >= 1, got %d", c.BaselineN)
	}
	return nil
}

// SaturationVaporPressure returns the saturation vapor pressure in hPa for
// a temperature in °C, using the Magnus formula over water.
func SaturationVaporPressure(tempC float64) float64 {
	return 6.112 * math.Exp(17.62*tempC/(243.12+tempC))
}

// VaporPressure returns the actual vapor pressure in hPa from temperature
// (°C) and relative humidity (%).
func VaporPressure(tempC, rhPct float64) float64 {
	return rhPct / 100.0 * SaturationVaporPressure(tempC)
}

// AbsoluteHumidity returns the water vapor density in g/m³ from temperature
// (°C) and vapor pressure (hPa).
func AbsoluteHumidity(tempC, vpHPa float64) float64 {
	return 216.679 * vpHPa / (tempC + 273.15)
}

// ComputeBaseline averages the first cfg.BaselineN samples with both raw
// channels present. Returns a config error when no usable samples exist.
func ComputeBaseline(samples []Sample, cfg DerivationConfig) (Baseline, error) {
	if err := cfg.validate(); err != nil {
		return Baseline{}, err
	}

	var sumT, sumRH float64
	n := 0
	for _, s := range samples {
		if math.IsNaN(s.TempC) || math.IsNaN(s.RH) {
			continue
		}
		sumT += s.TempC
		sumRH += s.RH
		n++
		if n == cfg.BaselineN {
			break
		}
	}
	if n == 0 {
		return Baseline{}, apperr.Config("cannot compute baseline: no samples with both temp_c and rh_pct")
	}

	t := sumT / float64(n)
	rh := sumRH / float64(n)
	vp := VaporPressure(t, rh)
	return Baseline{
		TempC: t,
		RH:    rh,
		VP:    vp,
		AH:    AbsoluteHumidity(t, vp),
		N:     n,
	}, nil
}

// Derive returns a new series with the derived channels recomputed from the
// raw channels, the baseline, and cfg. The input is not modified. Given
// identical raw channels, baseline, and config the output is bit-identical:
// the computation touches no state outside its arguments.
func Derive(s *Series, cfg DerivationConfig) (*Series, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	out := s.Clone()
	for i := range out.Samples {
		sm := &out.Samples[i]
		if math.IsNaN(sm.TempC) || math.IsNaN(sm.RH) {
			sm.VP = math.NaN()
			sm.AH = math.NaN()
			sm.Load = math.NaN()
			continue
		}
		sm.VP = VaporPressure(sm.TempC, sm.RH)
		sm.AH = AbsoluteHumidity(sm.TempC, sm.VP)
		switch cfg.LoadSource {
		case LoadFromVP:
			sm.Load = sm.VP - out.Baseline.VP
		default:
			sm.Load = sm.AH - out.Baseline.AH
		}
	}
	return out, nil
}
