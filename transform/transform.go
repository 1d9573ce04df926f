// Package transform defines the transform contract consumed by the
// pipeline and the registry that resolves transform identifiers.
//
// A transform is a pure function from a frame plus a validated parameter
// set to a new frame. Transforms must be deterministic: identical input
// bytes and parameters always produce identical output bytes. The pipeline
// relies on this for reproducible output and for test verification.
//
// Parameters are declared through a typed schema rather than an untyped
// map. The schema drives validation and coercion, so by the time a
// transform's Apply runs it only ever sees values of the declared type
// inside the declared bounds.
package transform

import (
	"errors"
	"fmt"

	"github.com/spf13/cast"

	"github.com/opd-ai/vcampipe/frame"
)

// Sentinel errors for transform resolution and parameter validation.
var (
	// ErrUnknownTransform indicates the requested transform id is not registered.
	ErrUnknownTransform = errors.New("unknown transform id")

	// ErrInvalidParameter indicates a parameter failed schema validation.
	ErrInvalidParameter = errors.New("invalid transform parameter")

	// ErrApplyFailed indicates a transform returned an error for a frame.
	ErrApplyFailed = errors.New("transform apply failed")
)

// IdentityID is the id of the built-in pass-through transform. The
// pipeline falls back to it after repeated transform failures.
const IdentityID = "identity"

// Params is a validated parameter set keyed by parameter name.
type Params map[string]interface{}

// ParamType enumerates the supported parameter value types.
type ParamType string

const (
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamString ParamType = "string"
	ParamBool   ParamType = "bool"
)

// ParamSpec describes one parameter a transform accepts.
//
// Min and Max bound numeric parameters. Options constrains string
// parameters to an enumerated set when non-empty.
type ParamSpec struct {
	Name    string
	Type    ParamType
	Default interface{}
	Min     float64
	Max     float64
	Options []string
}

// Unit is a registered transform.
//
// Apply must not modify the input frame; implementations clone before
// writing pixel data. Apply must be safe for concurrent use, which in
// practice means stateless.
type Unit interface {
	// ID returns the stable identifier used for registry resolution.
	ID() string

	// ParameterSchema returns the declared parameters, in display order.
	ParameterSchema() []ParamSpec

	// Apply produces the transformed frame. params has already been
	// validated against ParameterSchema.
	Apply(f *frame.Frame, params Params) (*frame.Frame, error)
}

// ValidateParams checks raw parameters against a schema and returns a
// fully populated, type-coerced parameter set.
//
// Every declared parameter is present in the result: missing entries take
// their schema default. Keys not declared in the schema are dropped.
// Numeric values are range checked against Min/Max and string values
// against Options.
func ValidateParams(schema []ParamSpec, raw map[string]interface{}) (Params, error) {
	validated := make(Params, len(schema))

	for _, spec := range schema {
		value, ok := raw[spec.Name]
		if !ok {
			value = spec.Default
		}

		coerced, err := coerceParam(spec, value)
		if err != nil {
			return nil, err
		}
		validated[spec.Name] = coerced
	}

	return validated, nil
}

// coerceParam converts a single value to the spec's type and checks bounds.
func coerceParam(spec ParamSpec, value interface{}) (interface{}, error) {
	switch spec.Type {
	case ParamInt:
		n, err := cast.ToIntE(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an int: %v", ErrInvalidParameter, spec.Name, err)
		}
		if float64(n) < spec.Min || float64(n) > spec.Max {
			return nil, fmt.Errorf("%w: %q must be between %g and %g, got %d",
				ErrInvalidParameter, spec.Name, spec.Min, spec.Max, n)
		}
		return n, nil

	case ParamFloat:
		f, err := cast.ToFloat64E(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a float: %v", ErrInvalidParameter, spec.Name, err)
		}
		if f < spec.Min || f > spec.Max {
			return nil, fmt.Errorf("%w: %q must be between %g and %g, got %g",
				ErrInvalidParameter, spec.Name, spec.Min, spec.Max, f)
		}
		return f, nil

	case ParamString:
		s, err := cast.ToStringE(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a string: %v", ErrInvalidParameter, spec.Name, err)
		}
		if len(spec.Options) > 0 {
			for _, opt := range spec.Options {
				if s == opt {
					return s, nil
				}
			}
			return nil, fmt.Errorf("%w: %q must be one of %v, got %q",
				ErrInvalidParameter, spec.Name, spec.Options, s)
		}
		return s, nil

	case ParamBool:
		b, err := cast.ToBoolE(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a bool: %v", ErrInvalidParameter, spec.Name, err)
		}
		return b, nil

	default:
		return nil, fmt.Errorf("%w: %q has unsupported type %q",
			ErrInvalidParameter, spec.Name, spec.Type)
	}
}
