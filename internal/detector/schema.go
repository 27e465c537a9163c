package detector

import (
	"math"
	"sort"

	"github.com/JoergBesier/LUNA-device-detector/internal/apperr"
)

// ParamType is the declared type of an algorithm parameter.
type ParamType string

const (
	ParamFloat  ParamType = "float"
	ParamInt    ParamType = "int"
	ParamString ParamType = "string"
	ParamBool   ParamType = "bool"
)

// ParamSpec declares one algorithm parameter: type, valid range, default.
type ParamSpec struct {
	Type     ParamType
	Required bool
	Default  any
	Min, Max float64 // numeric bounds, inclusive
	OneOf    []string
}

// ParamSchema maps parameter names to their specs. Every detector declares
// one; configs are validated against it at bind time, never at call sites.
type ParamSchema map[string]ParamSpec

// Params holds bound, validated, defaulted parameter values.
type Params map[string]any

// Float returns a numeric parameter (NaN if absent).
func (p Params) Float(name string) float64 {
	switch v := p[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return math.NaN()
}

// Int returns an integer parameter (0 if absent).
func (p Params) Int(name string) int {
	switch v := p[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// String returns a string parameter ("" if absent).
func (p Params) String(name string) string {
	if v, ok := p[name].(string); ok {
		return v
	}
	return ""
}

// Bool returns a boolean parameter (false if absent).
func (p Params) Bool(name string) bool {
	if v, ok := p[name].(bool); ok {
		return v
	}
	return false
}

// Bind validates raw values against the schema and fills defaults. Unknown
// names, wrong types, and out-of-range values fail with a config error,
// never a silent default.
func (s ParamSchema) Bind(algorithm string, raw map[string]any) (Params, error) {
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := s[name]; !ok {
			return nil, apperr.Configf("algorithm %q: unknown parameter %q", algorithm, name)
		}
	}

	specNames := make([]string, 0, len(s))
	for name := range s {
		specNames = append(specNames, name)
	}
	sort.Strings(specNames)

	bound := make(Params, len(s))
	for _, name := range specNames {
		spec := s[name]
		value, present := raw[name]
		if !present {
			if spec.Required {
				return nil, apperr.Configf("algorithm %q: missing required parameter %q", algorithm, name)
			}
			bound[name] = spec.Default
			continue
		}

		switch spec.Type {
		case ParamFloat, ParamInt:
			f, ok := asFloat(value)
			if !ok {
				return nil, apperr.Configf("algorithm %q: parameter %q must be numeric, got %T", algorithm, name, value)
			}
			if f < spec.Min || f > spec.Max {
				return nil, apperr.Configf(
					"algorithm %q: parameter %q = %g outside valid range [%g, %g]",
					algorithm, name, f, spec.Min, spec.Max)
			}
			if spec.Type == ParamInt {
				bound[name] = int(f)
			} else {
				bound[name] = f
			}
		case ParamString:
			str, ok := value.(string)
			if !ok {
				return nil, apperr.Configf("algorithm %q: parameter %q must be a string, got %T", algorithm, name, value)
			}
			if len(spec.OneOf) > 0 {
				found := false
				for _, v := range spec.OneOf {
					if v == str {
						found = true
						break
					}
				}
				if !found {
					return nil, apperr.Configf("algorithm %q: parameter %q = %q not in %v", algorithm, name, str, spec.OneOf)
				}
			}
			bound[name] = str
		case ParamBool:
			b, ok := value.(bool)
			if !ok {
				return nil, apperr.Configf("algorithm %q: parameter %q must be a bool, got %T", algorithm, name, value)
			}
			bound[name] = b
		default:
			return nil, apperr.Configf("algorithm %q: parameter %q has unknown schema type %q", algorithm, name, spec.Type)
		}
	}

	return bound, nil
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}
