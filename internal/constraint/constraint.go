// Package constraint projects raw parameter values onto their feasible set.
package constraint

import (
	"errors"
	"fmt"
	"math"

	"github.com/GoSim-25-26J-441/calibration-core/pkg/utils"
)

// Func projects a raw value onto a feasible value
type Func func(float64) float64

// ErrUnknownKind is returned by FromSpec for an unrecognised constraint kind
var ErrUnknownKind = errors.New("unknown constraint kind")

// Bounds clamps values to [lo, hi]
func Bounds(lo, hi float64) Func {
	return func(v float64) float64 {
		return utils.ClampFloat64(v, lo, hi)
	}
}

// NonNegative forces values to be >= 0
func NonNegative() Func {
	return func(v float64) float64 { return math.Max(0, v) }
}

// NonPositive forces values to be <= 0
func NonPositive() Func {
	return func(v float64) float64 { return math.Min(0, v) }
}

// Zero pins the value at exactly zero
func Zero() Func {
	return func(float64) float64 { return 0 }
}

// Identity leaves the value untouched
func Identity() Func {
	return func(v float64) float64 { return v }
}

// Spec is the declarative form read from configuration
type Spec struct {
	Kind string
	Lo   float64
	Hi   float64
}

// FromSpec builds the projection described by s
func FromSpec(s Spec) (Func, error) {
	switch s.Kind {
	case "bounds":
		if s.Lo > s.Hi {
			return nil, fmt.Errorf("bounds: lo %g greater than hi %g", s.Lo, s.Hi)
		}
		return Bounds(s.Lo, s.Hi), nil
	case "non_negative", "positive":
		return NonNegative(), nil
	case "non_positive", "negative":
		return NonPositive(), nil
	case "zero":
		return Zero(), nil
	case "", "none":
		return Identity(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, s.Kind)
	}
}

// Set maps parameter keys (in their text form) to projections
type Set map[string]Func

// Apply projects v with the constraint registered for key, if any
func (s Set) Apply(key string, v float64) float64 {
	if f, ok := s[key]; ok && f != nil {
		return f(v)
	}
	return v
}
