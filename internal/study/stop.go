package study

import (
	"fmt"
	"math"

	"github.com/GoSim-25-26J-441/calibration-core/internal/metrics"
	"github.com/GoSim-25-26J-441/calibration-core/internal/trial"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/config"
)

// Step is the error summary of one completed trial
type Step struct {
	Trial     int
	MeanError float64
	MaxError  float64
}

// Steps summarises completed trials in order, skipping trials that carry
// no error attributes.
func Steps(history []*trial.Trial) []Step {
	steps := make([]Step, 0, len(history))
	for _, t := range history {
		mean, ok := metrics.TrialError(t, metrics.MetricMeanError)
		if !ok {
			continue
		}
		maxErr, _ := metrics.TrialError(t, metrics.MetricMaxError)
		steps = append(steps, Step{Trial: t.Number, MeanError: mean, MaxError: maxErr})
	}
	return steps
}

// Criterion decides whether the study is done
type Criterion interface {
	// Check reports whether to stop and why
	Check(history []Step) (bool, string)
	Name() string
}

// ErrorThreshold stops once the last trial's largest share error is at or
// below Max.
type ErrorThreshold struct {
	Max float64
}

func (c ErrorThreshold) Name() string { return "error_threshold" }

func (c ErrorThreshold) Check(history []Step) (bool, string) {
	if len(history) == 0 || c.Max <= 0 {
		return false, ""
	}
	last := history[len(history)-1]
	if last.MaxError <= c.Max {
		return true, fmt.Sprintf("max error %.6f of trial %d is within %.6f", last.MaxError, last.Trial, c.Max)
	}
	return false, ""
}

// NoImprovement stops when the best mean error is Patience trials old
type NoImprovement struct {
	Patience int
}

func (c NoImprovement) Name() string { return "no_improvement" }

func (c NoImprovement) Check(history []Step) (bool, string) {
	if c.Patience <= 0 || len(history) <= c.Patience {
		return false, ""
	}

	best := math.MaxFloat64
	bestAt := -1
	for i, s := range history {
		if s.MeanError < best {
			best, bestAt = s.MeanError, i
		}
	}

	since := len(history) - 1 - bestAt
	if since >= c.Patience {
		return true, fmt.Sprintf("no improvement for %d trials (best trial %d)", since, history[bestAt].Trial)
	}
	return false, ""
}

// Plateau stops when the last Trials mean errors lie within Tolerance
type Plateau struct {
	Trials    int
	Tolerance float64
}

func (c Plateau) Name() string { return "plateau" }

func (c Plateau) Check(history []Step) (bool, string) {
	if c.Trials < 2 || len(history) < c.Trials {
		return false, ""
	}

	recent := history[len(history)-c.Trials:]
	lo, hi := recent[0].MeanError, recent[0].MeanError
	for _, s := range recent {
		lo = math.Min(lo, s.MeanError)
		hi = math.Max(hi, s.MeanError)
	}

	if spread := hi - lo; spread <= c.Tolerance {
		return true, fmt.Sprintf("mean error plateaued for %d trials (range: %.6f)", c.Trials, spread)
	}
	return false, ""
}

// Any stops as soon as one of its criteria does
type Any []Criterion

func (a Any) Name() string { return "any" }

func (a Any) Check(history []Step) (bool, string) {
	for _, c := range a {
		if stop, reason := c.Check(history); stop {
			return true, c.Name() + ": " + reason
		}
	}
	return false, ""
}

// CriteriaFromConfig builds the configured stop criteria
func CriteriaFromConfig(c config.Study) Any {
	var out Any
	if c.StopError > 0 {
		out = append(out, ErrorThreshold{Max: c.StopError})
	}
	if c.Patience > 0 {
		out = append(out, NoImprovement{Patience: c.Patience})
	}
	if c.PlateauTrials > 0 {
		out = append(out, Plateau{Trials: c.PlateauTrials, Tolerance: c.PlateauTolerance})
	}
	return out
}
