package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/JoergBesier/LUNA-device-detector/internal/apperr"
	"github.com/JoergBesier/LUNA-device-detector/internal/signal"
)

func writeExperimentFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "experiment.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing experiment file: %v", err)
	}
	return path
}

const validExperiment = `
description: baseline sweep
seed: 42
tolerance_s: 30
workers: 2
runs: [1, 2]
simulations:
  - name: identity
  - name: noisy
    severity: 1.0
    transforms:
      - name: noise
        params:
          channel: rh_pct
          sigma: 2.0
algorithms:
  - algorithm: threshold
    params:
      threshold: 0.5
`

func TestLoadFromFile(t *testing.T) {
	path := writeExperimentFile(t, validExperiment)

	exp, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if exp.Seed != 42 {
		t.Errorf("Seed = %d, want 42", exp.Seed)
	}
	if exp.ToleranceS != 30 {
		t.Errorf("ToleranceS = %g, want 30", exp.ToleranceS)
	}
	if exp.Workers != 2 {
		t.Errorf("Workers = %d, want 2", exp.Workers)
	}
	if len(exp.Runs) != 2 || exp.Runs[0] != 1 || exp.Runs[1] != 2 {
		t.Errorf("Runs = %v, want [1 2]", exp.Runs)
	}
	if len(exp.Simulations) != 2 {
		t.Fatalf("len(Simulations) = %d, want 2", len(exp.Simulations))
	}
	if exp.Simulations[1].Transforms[0].Name != "noise" {
		t.Errorf("transform name = %q, want noise", exp.Simulations[1].Transforms[0].Name)
	}
	if len(exp.Algorithms) != 1 || exp.Algorithms[0].Algorithm != "threshold" {
		t.Errorf("Algorithms = %v, want one threshold entry", exp.Algorithms)
	}

	// Defaults survive partial files.
	if exp.Derivation.LoadSource != string(signal.LoadFromAH) {
		t.Errorf("LoadSource = %q, want ah default", exp.Derivation.LoadSource)
	}
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if !apperr.IsConfig(err) {
		t.Fatalf("expected ConfigError for missing file, got %v", err)
	}
}

func TestLoadFromFile_MalformedYAML(t *testing.T) {
	path := writeExperimentFile(t, "runs: [1\n")
	_, err := LoadFromFile(path)
	if !apperr.IsConfig(err) {
		t.Fatalf("expected ConfigError for malformed YAML, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Experiment {
		path := writeExperimentFile(t, validExperiment)
		exp, err := LoadFromFile(path)
		if err != nil {
			t.Fatalf("LoadFromFile: %v", err)
		}
		return exp
	}

	tests := []struct {
		name    string
		mutate  func(*Experiment)
		wantErr string
	}{
		{"valid", func(e *Experiment) {}, ""},
		{"no runs", func(e *Experiment) { e.Runs = nil }, "no runs"},
		{"no simulations", func(e *Experiment) { e.Simulations = nil }, "no simulations"},
		{"no algorithms", func(e *Experiment) { e.Algorithms = nil }, "no algorithms"},
		{"negative tolerance", func(e *Experiment) { e.ToleranceS = -1 }, "tolerance_s"},
		{"negative workers", func(e *Experiment) { e.Workers = -1 }, "workers"},
		{"bad load source", func(e *Experiment) { e.Derivation.LoadSource = "dew" }, "load_source"},
		{"zero baseline n", func(e *Experiment) { e.Derivation.BaselineN = 0 }, "baseline_n"},
		{"unnamed simulation", func(e *Experiment) { e.Simulations[0].Name = "" }, "has no name"},
		{"duplicate simulation name", func(e *Experiment) { e.Simulations[1].Name = e.Simulations[0].Name }, "duplicate simulation"},
		{"negative severity", func(e *Experiment) { e.Simulations[1].Severity = -0.5 }, "severity"},
		{"unnamed algorithm", func(e *Experiment) { e.Algorithms[0].Algorithm = "" }, "has no name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := valid()
			tt.mutate(exp)
			err := exp.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !apperr.IsConfig(err) {
				t.Errorf("expected ConfigError, got %T", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolveSeeds(t *testing.T) {
	path := writeExperimentFile(t, validExperiment)
	exp, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	exp.Simulations[1].Seed = 7
	exp.ResolveSeeds()

	if exp.Simulations[0].Seed != 42 {
		t.Errorf("unseeded simulation inherited %d, want experiment seed 42", exp.Simulations[0].Seed)
	}
	if exp.Simulations[1].Seed != 7 {
		t.Errorf("explicit simulation seed overwritten: got %d, want 7", exp.Simulations[1].Seed)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LUNATB_WORKERS", "8")
	t.Setenv("LUNATB_SEED", "99")
	t.Setenv("LUNATB_FORCE", "1")

	path := writeExperimentFile(t, validExperiment)
	exp, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if exp.Workers != 8 {
		t.Errorf("Workers = %d, want env override 8", exp.Workers)
	}
	if exp.Seed != 99 {
		t.Errorf("Seed = %d, want env override 99", exp.Seed)
	}
	if !exp.Force {
		t.Error("Force = false, want env override true")
	}
}
