// Package config loads experiment definitions from YAML files.
// An experiment file names the recorded runs, the simulation configs, and
// the algorithm configs whose cross product forms the grid.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JoergBesier/LUNA-device-detector/internal/apperr"
	"github.com/JoergBesier/LUNA-device-detector/internal/detector"
	"github.com/JoergBesier/LUNA-device-detector/internal/signal"
	"github.com/JoergBesier/LUNA-device-detector/internal/simulation"
)

// Experiment is the top-level experiment file.
type Experiment struct {
	// Description is free text recorded with the experiment.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Seed is the experiment-level seed. Simulation configs that leave
	// their own seed at zero inherit it.
	Seed int64 `json:"seed" yaml:"seed"`

	// ToleranceS is the event-matching tolerance in seconds.
	ToleranceS float64 `json:"tolerance_s" yaml:"tolerance_s"`

	// Workers is the number of concurrent cell workers.
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty"`

	// CellTimeout bounds a single detector invocation. Zero disables it.
	CellTimeout time.Duration `json:"cell_timeout,omitempty" yaml:"cell_timeout,omitempty"`

	// Force recomputes cells that already have a stored result.
	Force bool `json:"force,omitempty" yaml:"force,omitempty"`

	// Derivation controls how load is derived from the raw channels.
	Derivation DerivationConfig `json:"derivation,omitempty" yaml:"derivation,omitempty"`

	// Runs lists the recorded run IDs the grid spans.
	Runs []int64 `json:"runs" yaml:"runs"`

	// Simulations lists the perturbation configs, one grid axis entry each.
	Simulations []simulation.Config `json:"simulations" yaml:"simulations"`

	// Algorithms lists the detector configs, one grid axis entry each.
	Algorithms []detector.Config `json:"algorithms" yaml:"algorithms"`
}

// DerivationConfig mirrors signal.DerivationConfig with YAML tags.
type DerivationConfig struct {
	// LoadSource selects the load derivation: "ah" (default) or "vp".
	LoadSource string `json:"load_source,omitempty" yaml:"load_source,omitempty"`

	// BaselineN is the number of leading samples averaged into the dry
	// baseline. Zero means the default.
	BaselineN int `json:"baseline_n,omitempty" yaml:"baseline_n,omitempty"`
}

// Default returns an Experiment with sensible defaults.
func Default() *Experiment {
	return &Experiment{
		ToleranceS: 30,
		Workers:    4,
		Derivation: DerivationConfig{
			LoadSource: string(signal.LoadFromAH),
			BaselineN:  signal.DefaultDerivationConfig().BaselineN,
		},
	}
}

// LoadFromFile loads an experiment definition from a YAML file, applies
// defaults and environment overrides, and validates the result.
func LoadFromFile(path string) (*Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Configf("reading experiment file: %v", err)
	}

	exp := Default()
	if err := yaml.Unmarshal(data, exp); err != nil {
		return nil, apperr.Configf("parsing experiment file: %v", err)
	}

	applyEnvOverrides(exp)

	if err := exp.Validate(); err != nil {
		return nil, err
	}
	return exp, nil
}

// Validate checks structural constraints that do not require the
// simulation engine or detector registry. Parameter-level validation
// happens before execution, against the transform catalog and schemas.
func (e *Experiment) Validate() error {
	if len(e.Runs) == 0 {
		return apperr.Config("experiment has no runs")
	}
	if len(e.Simulations) == 0 {
		return apperr.Config("experiment has no simulations")
	}
	if len(e.Algorithms) == 0 {
		return apperr.Config("experiment has no algorithms")
	}
	if e.ToleranceS < 0 {
		return apperr.Configf("tolerance_s must be non-negative, got %g", e.ToleranceS)
	}
	if e.Workers < 0 {
		return apperr.Configf("workers must be non-negative, got %d", e.Workers)
	}
	if e.CellTimeout < 0 {
		return apperr.Configf("cell_timeout must be non-negative, got %v", e.CellTimeout)
	}

	switch signal.LoadSource(e.Derivation.LoadSource) {
	case signal.LoadFromAH, signal.LoadFromVP:
	default:
		return apperr.Configf("invalid load_source %q (valid: ah, vp)", e.Derivation.LoadSource)
	}
	if e.Derivation.BaselineN < 1 {
		return apperr.Configf("baseline_n must be at least 1, got %d", e.Derivation.BaselineN)
	}

	seen := make(map[string]bool, len(e.Simulations))
	for i, sim := range e.Simulations {
		if sim.Name == "" {
			return apperr.Configf("simulation %d has no name", i)
		}
		if seen[sim.Name] {
			return apperr.Configf("duplicate simulation name %q", sim.Name)
		}
		seen[sim.Name] = true
		if sim.Severity < 0 {
			return apperr.Configf("simulation %q: severity must be non-negative, got %g", sim.Name, sim.Severity)
		}
	}
	for i, alg := range e.Algorithms {
		if alg.Algorithm == "" {
			return apperr.Configf("algorithm %d has no name", i)
		}
	}
	return nil
}

// DerivationSettings returns the derivation config in the signal
// package's terms.
func (e *Experiment) DerivationSettings() signal.DerivationConfig {
	return signal.DerivationConfig{
		LoadSource: signal.LoadSource(e.Derivation.LoadSource),
		BaselineN:  e.Derivation.BaselineN,
	}
}

// ResolveSeeds fills the experiment seed into every simulation config
// whose own seed is zero. Identity hashes use the resolved seed, so two
// experiments with different seeds produce distinct cells.
func (e *Experiment) ResolveSeeds() {
	for i := range e.Simulations {
		if e.Simulations[i].Seed == 0 {
			e.Simulations[i].Seed = e.Seed
		}
	}
}

// applyEnvOverrides applies environment variable overrides to exp.
func applyEnvOverrides(exp *Experiment) {
	if v := os.Getenv("LUNATB_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			exp.Workers = n
		}
	}
	if v := os.Getenv("LUNATB_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			exp.Seed = n
		}
	}
	if v := os.Getenv("LUNATB_FORCE"); v != "" {
		exp.Force = v == "true" || v == "1"
	}
}
