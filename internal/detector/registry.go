package detector

import (
	"fmt"
	"sort"

	"github.com/JoergBesier/LUNA-device-detector/internal/apperr"
)

// Registry indexes detectors by name. It is an explicit constructed object,
// not ambient global state, so tests can build fresh isolated registries.
type Registry struct {
	detectors map[string]Detector
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{detectors: make(map[string]Detector)}
}

// DefaultRegistry returns a registry with the builtin detectors.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, d := range []Detector{
		NewThresholdDetector(),
		NewSlopeDetector(),
		NewCUSUMDetector(),
	} {
		// Builtin names are distinct; a clash here is a programming error.
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a detector under its name. Registering the same name twice
// is an error: silent replacement would make experiment provenance lie.
func (r *Registry) Register(d Detector) error {
	name := d.Name()
	if name == "" {
		return fmt.Errorf("detector has empty name")
	}
	if _, exists := r.detectors[name]; exists {
		return fmt.Errorf("detector %q already registered", name)
	}
	r.detectors[name] = d
	return nil
}

// Lookup returns the detector registered under name.
func (r *Registry) Lookup(name string) (Detector, error) {
	d, ok := r.detectors[name]
	if !ok {
		return nil, apperr.Configf("algorithm %q not registered (known: %v)", name, r.Names())
	}
	return d, nil
}

// Names returns the registered identifiers, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.detectors))
	for name := range r.detectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BindConfig looks up cfg.Algorithm and validates cfg.Params against its
// schema, returning the detector and the bound parameters.
func (r *Registry) BindConfig(cfg Config) (Detector, Params, error) {
	d, err := r.Lookup(cfg.Algorithm)
	if err != nil {
		return nil, nil, err
	}
	params, err := d.Schema().Bind(cfg.Algorithm, cfg.Params)
	if err != nil {
		return nil, nil, err
	}
	return d, params, nil
}
