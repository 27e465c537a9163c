package simulation

import (
	"math"
	"testing"

	"github.com/JoergBesier/LUNA-device-detector/internal/signal"
)

func simulate(t *testing.T, series *signal.Series, cfg Config) *signal.Series {
	t.Helper()
	sim, err := testEngine().Simulate(series, cfg)
	if err != nil {
		t.Fatalf("Simulate(%s): %v", cfg.Name, err)
	}
	return sim.Series
}

func TestNoise_StreamIsolation(t *testing.T) {
	series := testSeries(t, 80)

	// The noise stream is keyed on (seed, position, name), so appending an
	// unrelated transform after it must not change what the noise drew.
	alone := simulate(t, series, Config{
		Name: "alone", Seed: 5,
		Transforms: []TransformSpec{
			{Name: TransformNoise, Params: map[string]any{"sigma": 2.0}},
		},
	})
	followed := simulate(t, series, Config{
		Name: "followed", Seed: 5,
		Transforms: []TransformSpec{
			{Name: TransformNoise, Params: map[string]any{"sigma": 2.0}},
			{Name: TransformDrift, Params: map[string]any{"rate": 0.0}},
		},
	})
	if !sameSamples(alone.Samples, followed.Samples) {
		t.Error("appending a no-op transform changed the noise stream")
	}
}

func TestNoise_GapsDoNotShiftStream(t *testing.T) {
	full := testSeries(t, 40)
	gapped := full.Clone()
	gapped.Samples[10].TempC = math.NaN()
	gapped.Samples[10].RH = math.NaN()

	cfg := Config{
		Name: "n", Seed: 11,
		Transforms: []TransformSpec{
			{Name: TransformNoise, Params: map[string]any{"sigma": 1.0}},
		},
	}
	a := simulate(t, full, cfg)
	b := simulate(t, gapped, cfg)

	// Every sample consumes a draw whether or not it is missing, so the
	// samples after the gap see identical noise.
	for i := 11; i < len(a.Samples); i++ {
		if a.Samples[i].RH != b.Samples[i].RH {
			t.Fatalf("sample %d RH diverged after gap: %g vs %g", i, a.Samples[i].RH, b.Samples[i].RH)
		}
	}
	if !math.IsNaN(b.Samples[10].RH) {
		t.Error("noise filled in a missing value")
	}
}

func TestNoise_RHRederivesLoad(t *testing.T) {
	series := testSeries(t, 40)
	out := simulate(t, series, Config{
		Name: "n", Seed: 3,
		Transforms: []TransformSpec{
			{Name: TransformNoise, Params: map[string]any{"sigma": 3.0}},
		},
	})

	// Load must track the perturbed RH, not the original.
	changed := false
	for i := range out.Samples {
		if out.Samples[i].Load != series.Samples[i].Load {
			changed = true
		}
		vp := signal.VaporPressure(out.Samples[i].TempC, out.Samples[i].RH)
		ah := signal.AbsoluteHumidity(out.Samples[i].TempC, vp)
		if math.Abs(out.Samples[i].Load-(ah-out.Baseline.AH)) > 1e-9 {
			t.Fatalf("sample %d load inconsistent with its raw channels", i)
		}
	}
	if !changed {
		t.Error("sigma 3 noise left every load value unchanged")
	}
}

func TestDrift_Linear(t *testing.T) {
	series := testSeries(t, 10)
	out := simulate(t, series, Config{
		Name: "d", Seed: 1,
		Transforms: []TransformSpec{
			{Name: TransformDrift, Params: map[string]any{"rate": 3600.0}},
		},
	})
	// 3600 °C per hour is 1 °C per second; samples are 2 s apart.
	for i := range out.Samples {
		want := series.Samples[i].TempC + 2*float64(i)
		if math.Abs(out.Samples[i].TempC-want) > 1e-9 {
			t.Fatalf("sample %d temp = %g, want %g", i, out.Samples[i].TempC, want)
		}
	}
}

func TestDelay_DropsLeadingSamples(t *testing.T) {
	series := testSeries(t, 20)
	out := simulate(t, series, Config{
		Name: "lag", Seed: 1,
		Transforms: []TransformSpec{
			{Name: TransformDelay, Params: map[string]any{"channel": "rh_pct", "offset_s": 4.0}},
		},
	})

	// 4 s offset over 2 s sampling drops the first two samples and shifts
	// the channel back by two positions.
	if len(out.Samples) != 18 {
		t.Fatalf("len = %d, want 18", len(out.Samples))
	}
	if out.Samples[0].Elapsed != 4 {
		t.Errorf("first elapsed = %g, want 4", out.Samples[0].Elapsed)
	}
	for i := range out.Samples {
		if out.Samples[i].RH != series.Samples[i].RH {
			t.Fatalf("sample %d RH = %g, want source value %g", i, out.Samples[i].RH, series.Samples[i].RH)
		}
		// Temp is undelayed: it keeps its own timeline.
		if out.Samples[i].TempC != series.Samples[i+2].TempC {
			t.Fatalf("sample %d temp shifted unexpectedly", i)
		}
	}
}

func TestSaturation_Clamps(t *testing.T) {
	series := testSeries(t, 30)
	out := simulate(t, series, Config{
		Name: "sat", Seed: 1,
		Transforms: []TransformSpec{
			{Name: TransformSaturation, Params: map[string]any{"channel": "rh_pct", "min": 42.0, "max": 50.0}},
		},
	})
	for i, sm := range out.Samples {
		if sm.RH < 42 || sm.RH > 50 {
			t.Fatalf("sample %d RH = %g outside [42, 50]", i, sm.RH)
		}
	}
}

func TestSaturation_LagSmooths(t *testing.T) {
	// A step input through a first-order lag rises gradually.
	samples := make([]signal.Sample, 20)
	for i := range samples {
		rh := 40.0
		if i >= 10 {
			rh = 80.0
		}
		samples[i] = signal.Sample{Elapsed: float64(i) * 2, TempC: 25, RH: rh}
	}
	baseline, _ := signal.ComputeBaseline(samples, signal.DefaultDerivationConfig())
	series, err := signal.Derive(signal.NewSeries(1, samples, baseline), signal.DefaultDerivationConfig())
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}

	out := simulate(t, series, Config{
		Name: "lagged", Seed: 1,
		Transforms: []TransformSpec{
			{Name: TransformSaturation, Params: map[string]any{"channel": "rh_pct", "lag_tau_s": 10.0}},
		},
	})

	stepped := out.Samples[10].RH
	if stepped >= 80 || stepped <= 40 {
		t.Errorf("lagged step RH = %g, want strictly between 40 and 80", stepped)
	}
	if out.Samples[19].RH <= stepped {
		t.Errorf("lagged RH not rising: %g then %g", stepped, out.Samples[19].RH)
	}
}

func TestMissing_Stride(t *testing.T) {
	series := testSeries(t, 30)
	out := simulate(t, series, Config{
		Name: "holes", Seed: 1,
		Transforms: []TransformSpec{
			{Name: TransformMissing, Params: map[string]any{"stride": 3}},
		},
	})
	if len(out.Samples) != 20 {
		t.Fatalf("len = %d, want 20 after dropping every third", len(out.Samples))
	}
	for _, sm := range out.Samples {
		// Dropped samples are 4, 10, 16, ... seconds (every third index).
		if math.Mod(sm.Elapsed, 6) == 4 {
			t.Fatalf("sample at t=%g should have been dropped", sm.Elapsed)
		}
	}
}

func TestMissing_ProbKeepsOrder(t *testing.T) {
	series := testSeries(t, 100)
	out := simulate(t, series, Config{
		Name: "holes", Seed: 17,
		Transforms: []TransformSpec{
			{Name: TransformMissing, Params: map[string]any{"prob": 0.3}},
		},
	})
	if len(out.Samples) == 0 || len(out.Samples) == 100 {
		t.Fatalf("len = %d, expected some but not all samples dropped", len(out.Samples))
	}
	if err := out.CheckMonotonic(); err != nil {
		t.Fatalf("dropped series lost ordering: %v", err)
	}
}

func TestMultiSensor_Interleaves(t *testing.T) {
	series := testSeries(t, 20)
	out := simulate(t, series, Config{
		Name: "twin", Seed: 1,
		Transforms: []TransformSpec{
			{Name: TransformMultiSensor, Params: map[string]any{"sensor_id": "s2", "gain": 0.9}},
		},
	})

	ids := out.SensorIDs()
	if len(ids) != 2 {
		t.Fatalf("SensorIDs = %v, want the original plus s2", ids)
	}
	if err := out.CheckMonotonic(); err != nil {
		t.Fatalf("interleaved series lost ordering: %v", err)
	}

	var synth int
	for _, sm := range out.Samples {
		if sm.SensorID != "s2" {
			continue
		}
		synth++
		// gain 0.9 with no delay: synth RH is 0.9x the source at that offset.
		var src signal.Sample
		for _, orig := range series.Samples {
			if orig.Elapsed == sm.Elapsed {
				src = orig
				break
			}
		}
		if math.Abs(sm.RH-src.RH*0.9) > 1e-9 {
			t.Fatalf("synthetic RH at t=%g is %g, want %g", sm.Elapsed, sm.RH, src.RH*0.9)
		}
	}
	if synth != 20 {
		t.Errorf("synthetic samples = %d, want 20", synth)
	}
}

func TestStreamFor_Distinct(t *testing.T) {
	a := streamFor(1, 0, "noise")
	b := streamFor(1, 1, "noise")
	c := streamFor(1, 0, "missing")
	d := streamFor(2, 0, "noise")

	ref := streamFor(1, 0, "noise")
	if a.Int63() != ref.Int63() {
		t.Error("same key gave different streams")
	}
	va, vb, vc, vd := a.Int63(), b.Int63(), c.Int63(), d.Int63()
	if va == vb || va == vc || va == vd {
		t.Errorf("streams not isolated: %d %d %d %d", va, vb, vc, vd)
	}
}
