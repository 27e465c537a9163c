// Package simulation perturbs recorded signal series with seeded,
// composable transforms. Identical input, config, and seed always produce
// byte-identical output: every transform draws from its own random stream
// derived from the config seed, the transform's position, and its name, so
// reordering or removing one transform never disturbs the randomness
// consumed by another.
package simulation

import (
	"fmt"

	"github.com/JoergBesier/LUNA-device-detector/internal/signal"
)

// TransformSpec names one transform and its parameters as they appear in an
// experiment file.
type TransformSpec struct {
	Name   string         `yaml:"name" json:"name"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// Config is a named, seeded, ordered list of transforms. Order is
// semantically significant: each transform consumes the series state left by
// the previous one.
type Config struct {
	Name string `yaml:"name" json:"name"`
	Seed int64  `yaml:"seed" json:"seed"`
	// Severity places this config on a sweep axis; cells that differ only
	// in simulation severity form a sweep group for robustness scoring.
	Severity   float64         `yaml:"severity" json:"severity"`
	Transforms []TransformSpec `yaml:"transforms" json:"transforms"`
}

// String returns a short human-readable identifier.
func (c Config) String() string {
	return fmt.Sprintf("%s(seed=%d,severity=%g,%d transforms)", c.Name, c.Seed, c.Severity, len(c.Transforms))
}

// SimulatedSeries is the result of applying a Config to a source series.
// It carries the source run id and the generating config; there is no other
// state, so replay from the same inputs reproduces it exactly.
type SimulatedSeries struct {
	Series      *signal.Series
	SourceRunID int64
	Config      Config
}
