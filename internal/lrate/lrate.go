// Package lrate provides learning-rate schedules that scale the raw update
// step computed by a calibrator.
package lrate

import (
	"errors"
	"fmt"
	"math"

	"github.com/GoSim-25-26J-441/calibration-core/internal/param"
	"github.com/GoSim-25-26J-441/calibration-core/internal/trial"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/utils"
)

// Input is everything a schedule may look at when scaling one step
type Input struct {
	// N is the number of the trial being sampled
	N      int
	Key    param.Key
	Step   float64
	Target float64
	Trial  *trial.Trial
	// History holds completed trials in increasing order
	History []*trial.Trial
}

// Schedule maps an update to a step multiplier
type Schedule interface {
	Rate(in Input) float64
}

// Func adapts a plain function to Schedule
type Func func(Input) float64

func (f Func) Rate(in Input) float64 { return f(in) }

// Constant always returns the same multiplier
type Constant float64

func (c Constant) Rate(Input) float64 { return float64(c) }

// Default is the multiplier used when no schedule is configured
var Default Schedule = Constant(1)

// Linear ramps from Start to End over Interval trials, then holds End
type Linear struct {
	Start    float64
	End      float64
	Interval int
}

func (l Linear) Rate(in Input) float64 {
	if l.Interval <= 0 {
		return l.End
	}
	n := math.Min(float64(max(in.N, 0)), float64(l.Interval))
	return l.Start + (l.End-l.Start)*n/float64(l.Interval)
}

// Auto fits the recent value/share response of a parameter and proposes a
// step that would hit the target exactly. It only kicks in after Warmup
// trials and then every Every-th trial.
type Auto struct {
	Warmup   int
	Every    int
	Lookback int
	Throttle float64
}

// NewAuto returns an Auto schedule with the usual defaults
func NewAuto() Auto {
	return Auto{Warmup: 9, Every: 3, Lookback: 3, Throttle: 0.7}
}

func (a Auto) active(n int) bool {
	if n < a.Warmup {
		return false
	}
	every := max(a.Every, 1)
	return (n-a.Warmup)%every == 0
}

func (a Auto) Rate(in Input) float64 {
	if !a.active(in.N) || in.Step == 0 {
		return 1
	}
	lookback := max(a.Lookback, 2)
	if len(in.History) < lookback+1 {
		return 1
	}
	window := in.History[len(in.History)-lookback-1:]

	values := make([]float64, 0, len(window))
	shares := make([]float64, 0, len(window))
	for _, t := range window {
		v, okV := t.Param(in.Key)
		s, okS := t.Share(in.Key)
		if !okV || !okS {
			return 1
		}
		values = append(values, v)
		shares = append(shares, s)
	}

	// Both the applied updates and the responses must move one way;
	// an oscillating parameter is not accelerated.
	updates := diffs(values)
	responses := diffs(shares)
	if !utils.SameSign(updates) || !utils.SameSign(responses) {
		return 1
	}

	slope, intercept, ok := utils.LinearFit(values, shares)
	if !ok || slope == 0 {
		return 1
	}
	wanted := (in.Target - intercept) / slope
	last := values[len(values)-1]

	throttle := a.Throttle
	if throttle <= 0 {
		throttle = 1
	}
	step := (wanted - last) * throttle
	if utils.Sign(step) != utils.Sign(in.Step) {
		return 1
	}
	return step / in.Step
}

func diffs(values []float64) []float64 {
	out := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		out = append(out, values[i]-values[i-1])
	}
	return out
}

// DistanceFunc scales a distance-bucket step given the bucket's median distance
type DistanceFunc func(n int, medianDistance float64, mode string, t *trial.Trial) float64

// SparseDecay slows learning for buckets whose median distance exceeds
// reference; nearer buckets learn at the full rate.
func SparseDecay(reference float64) DistanceFunc {
	return func(_ int, median float64, _ string, _ *trial.Trial) float64 {
		if reference <= 0 || median <= reference {
			return 1
		}
		return reference / median
	}
}

// ErrUnknownSchedule is returned by FromSpec for an unrecognised kind
var ErrUnknownSchedule = errors.New("unknown learning rate schedule")

// Spec is the declarative schedule configuration
type Spec struct {
	Kind     string
	Value    float64
	Start    float64
	End      float64
	Interval int
	Warmup   int
	Every    int
	Lookback int
	Throttle float64
}

// FromSpec builds a schedule from configuration
func FromSpec(s Spec) (Schedule, error) {
	switch s.Kind {
	case "", "constant":
		if s.Value == 0 {
			return Default, nil
		}
		return Constant(s.Value), nil
	case "linear":
		return Linear{Start: s.Start, End: s.End, Interval: s.Interval}, nil
	case "auto":
		a := NewAuto()
		if s.Warmup > 0 {
			a.Warmup = s.Warmup
		}
		if s.Every > 0 {
			a.Every = s.Every
		}
		if s.Lookback > 0 {
			a.Lookback = s.Lookback
		}
		if s.Throttle > 0 {
			a.Throttle = s.Throttle
		}
		return a, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchedule, s.Kind)
	}
}

// DistanceFromSpec builds the optional distance-aware rate
func DistanceFromSpec(kind string, reference float64) (DistanceFunc, error) {
	switch kind {
	case "", "none":
		return nil, nil
	case "sparse":
		return SparseDecay(reference), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchedule, kind)
	}
}
