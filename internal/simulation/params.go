package simulation

import (
	"math"
	"sort"

	"github.com/JoergBesier/LUNA-device-detector/internal/apperr"
)

// paramKind is the declared type of a transform parameter.
type paramKind int

const (
	kindFloat paramKind = iota
	kindInt
	kindString
)

// paramSpec declares one parameter of a transform: its type, valid range,
// and default. Validation happens against these specs before any transform
// runs.
type paramSpec struct {
	kind     paramKind
	required bool
	def      any
	min, max float64 // numeric bounds, inclusive
	oneOf    []string
}

func floatParam(def, min, max float64) paramSpec {
	return paramSpec{kind: kindFloat, def: def, min: min, max: max}
}

func requiredFloatParam(min, max float64) paramSpec {
	return paramSpec{kind: kindFloat, required: true, min: min, max: max}
}

func intParam(def int, min, max float64) paramSpec {
	return paramSpec{kind: kindInt, def: def, min: min, max: max}
}

func stringParam(def string, oneOf ...string) paramSpec {
	return paramSpec{kind: kindString, def: def, oneOf: oneOf}
}

// boundParams holds validated, defaulted parameter values.
type boundParams map[string]any

func (p boundParams) f(name string) float64 {
	switch v := p[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return math.NaN()
}

func (p boundParams) i(name string) int {
	switch v := p[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func (p boundParams) s(name string) string {
	if v, ok := p[name].(string); ok {
		return v
	}
	return ""
}

// bindParams validates raw params against the specs and fills defaults.
// Unknown names, wrong types, and out-of-range values are config errors.
func bindParams(transform string, specs map[string]paramSpec, raw map[string]any) (boundParams, error) {
	bound := make(boundParams, len(specs))

	// Deterministic error messages: check names in sorted order.
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := specs[name]; !ok {
			return nil, apperr.Configf("transform %q: unknown parameter %q", transform, name)
		}
	}

	specNames := make([]string, 0, len(specs))
	for name := range specs {
		specNames = append(specNames, name)
	}
	sort.Strings(specNames)

	for _, name := range specNames {
		spec := specs[name]
		value, present := raw[name]
		if !present {
			if spec.required {
				return nil, apperr.Configf("transform %q: missing required parameter %q", transform, name)
			}
			bound[name] = spec.def
			continue
		}

		switch spec.kind {
		case kindFloat, kindInt:
			f, ok := toFloat(value)
			if !ok {
				return nil, apperr.Configf("transform %q: parameter %q must be numeric, got %T", transform, name, value)
			}
			if f < spec.min || f > spec.max {
				return nil, apperr.Configf(
					"transform %q: parameter %q = %g outside valid range [%g, %g]",
					transform, name, f, spec.min, spec.max)
			}
			if spec.kind == kindInt {
				bound[name] = int(f)
			} else {
				bound[name] = f
			}
		case kindString:
			s, ok := value.(string)
			if !ok {
				return nil, apperr.Configf("transform %q: parameter %q must be a string, got %T", transform, name, value)
			}
			if len(spec.oneOf) > 0 && !contains(spec.oneOf, s) {
				return nil, apperr.Configf(
					"transform %q: parameter %q = %q not in %v", transform, name, s, spec.oneOf)
			}
			bound[name] = s
		}
	}

	return bound, nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
