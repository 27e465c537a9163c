package simulation

import (
	"math/rand"

	"github.com/JoergBesier/LUNA-device-detector/internal/apperr"
	"github.com/JoergBesier/LUNA-device-detector/internal/signal"
)

// transformDef is one catalog entry: parameter schema plus the apply
// function. rederive marks transforms that touch raw channels; the engine
// recomputes the derived channels after them so the derivation invariant
// (derived = f(raw, baseline, config)) keeps holding mid-chain.
type transformDef struct {
	name     string
	params   map[string]paramSpec
	rederive bool
	apply    func(s *signal.Series, p boundParams, rng *rand.Rand, dcfg signal.DerivationConfig) (*signal.Series, error)
}

// Engine applies simulation configs to signal series. It holds only the
// transform catalog and the derivation config; no wall-clock, hostname, or
// per-call state enters the computation.
type Engine struct {
	catalog map[string]*transformDef
	derive  signal.DerivationConfig
}

// NewEngine returns an engine with the builtin transform catalog and the
// given derivation config for mid-chain re-derivation.
func NewEngine(derive signal.DerivationConfig) *Engine {
	e := &Engine{
		catalog: make(map[string]*transformDef),
		derive:  derive,
	}
	for _, def := range builtinTransforms() {
		e.catalog[def.name] = def
	}
	return e
}

// TransformNames returns the catalog names (unordered).
func (e *Engine) TransformNames() []string {
	names := make([]string, 0, len(e.catalog))
	for name := range e.catalog {
		names = append(names, name)
	}
	return names
}

// Validate checks every transform in cfg against the catalog and its
// parameter schema. It never executes anything: a config error from here
// means no transform has run and no series state was touched.
func (e *Engine) Validate(cfg Config) error {
	for i, spec := range cfg.Transforms {
		def, ok := e.catalog[spec.Name]
		if !ok {
			return apperr.Configf("simulation %q: unknown transform %q at position %d", cfg.Name, spec.Name, i)
		}
		if _, err := bindParams(spec.Name, def.params, spec.Params); err != nil {
			return err
		}
	}
	return nil
}

// Simulate applies cfg to series and returns the simulated result. The
// transforms run strictly in list order, each seeing the output of the
// previous one. The input series is never modified.
func (e *Engine) Simulate(series *signal.Series, cfg Config) (*SimulatedSeries, error) {
	if err := e.Validate(cfg); err != nil {
		return nil, err
	}
	if err := series.CheckMonotonic(); err != nil {
		return nil, err
	}

	current := series.Clone()
	for i, spec := range cfg.Transforms {
		def := e.catalog[spec.Name]
		params, err := bindParams(spec.Name, def.params, spec.Params)
		if err != nil {
			// Validate already accepted this spec.
			return nil, err
		}

		rng := streamFor(cfg.Seed, i, spec.Name)
		next, err := def.apply(current, params, rng, e.derive)
		if err != nil {
			return nil, err
		}
		if def.rederive {
			next, err = signal.Derive(next, e.derive)
			if err != nil {
				return nil, err
			}
		}
		current = next
	}

	return &SimulatedSeries{
		Series:      current,
		SourceRunID: series.RunID,
		Config:      cfg,
	}, nil
}
