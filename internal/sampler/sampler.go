// Package sampler assigns parameter values to a new trial by delegating
// each key to the calibrator that owns it.
package sampler

import (
	"context"
	"fmt"
	"slices"

	"github.com/GoSim-25-26J-441/calibration-core/internal/artifact"
	"github.com/GoSim-25-26J-441/calibration-core/internal/calibration"
	"github.com/GoSim-25-26J-441/calibration-core/internal/lrate"
	"github.com/GoSim-25-26J-441/calibration-core/internal/param"
	"github.com/GoSim-25-26J-441/calibration-core/internal/trial"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/logger"
)

// History is the read side of the trial store the sampler needs
type History interface {
	Completed(ctx context.Context) ([]*trial.Trial, error)
}

// Values are the sampled parameters of one trial
type Values map[param.Key]float64

// Strings returns the values keyed by their text form, as persisted on trials
func (v Values) Strings() map[string]float64 {
	out := make(map[string]float64, len(v))
	for k, x := range v {
		out[k.String()] = x
	}
	return out
}

// Sampler produces parameter values for every key of its calibrators
type Sampler struct {
	calibrators []calibration.Calibrator
	owners      map[string]calibration.Calibrator
}

// New returns a sampler over calibrators. Names must be unique and no two
// calibrators may render into the same artifact entry: contributions add up
// in the document, so a resumed artifact could not be split between them.
func New(calibrators ...calibration.Calibrator) (*Sampler, error) {
	if len(calibrators) == 0 {
		return nil, fmt.Errorf("%w: no calibrators", calibration.ErrConfiguration)
	}
	s := &Sampler{owners: make(map[string]calibration.Calibrator, len(calibrators))}
	entries := make(map[string]string)
	for _, c := range calibrators {
		if _, dup := s.owners[c.Name()]; dup {
			return nil, fmt.Errorf("%w: duplicate calibrator %s", calibration.ErrConfiguration, c.Name())
		}
		for _, k := range c.Keys() {
			e := entry(k)
			if owner, taken := entries[e]; taken && owner != c.Name() {
				return nil, fmt.Errorf("%w: calibrators %s and %s both set %s", calibration.ErrConfiguration, owner, c.Name(), e)
			}
			entries[e] = c.Name()
		}
		s.owners[c.Name()] = c
		s.calibrators = append(s.calibrators, c)
	}
	return s, nil
}

// entry names the artifact entry a key renders into
func entry(k param.Key) string {
	switch k.Stratum.Kind {
	case param.KindDistance:
		return "distance deltas of " + k.Mode
	case param.KindGroup:
		return "group delta " + k.Stratum.Attr + "=" + k.Stratum.Value + " of " + k.Mode
	default:
		return "constant of " + k.Mode
	}
}

// Calibrators returns the calibrators in declaration order
func (s *Sampler) Calibrators() []calibration.Calibrator {
	return slices.Clone(s.calibrators)
}

// Owner routes a key to its calibrator by the key's calibrator name
func (s *Sampler) Owner(k param.Key) (calibration.Calibrator, bool) {
	c, ok := s.owners[k.Calibrator]
	return c, ok
}

// Keys lists every declared parameter key
func (s *Sampler) Keys() []param.Key {
	var keys []param.Key
	for _, c := range s.calibrators {
		keys = append(keys, c.Keys()...)
	}
	return keys
}

// Sample computes the values of trial n. Before any trial completed every
// key takes its constrained initial value. Afterwards each key moves from
// its value on the most recent completed trial by the scheduled update step.
func (s *Sampler) Sample(ctx context.Context, h History, n int) (Values, error) {
	history, err := h.Completed(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read trial history: %w", err)
	}

	values := make(Values)
	if len(history) == 0 {
		for _, c := range s.calibrators {
			for _, k := range c.Keys() {
				values[k] = c.ApplyConstraints(k, c.InitialValue(k))
			}
		}
		logger.Debug("sampled initial values", "trial", n, "keys", len(values))
		return values, nil
	}

	last := history[len(history)-1]
	for _, c := range s.calibrators {
		for _, k := range c.Keys() {
			values[k] = s.next(c, k, n, last, history)
		}
	}
	logger.Debug("sampled updated values", "trial", n, "from_trial", last.Number, "keys", len(values))
	return values, nil
}

func (s *Sampler) next(c calibration.Calibrator, k param.Key, n int, last *trial.Trial, history []*trial.Trial) float64 {
	prior, ok := last.Param(k)
	if !ok {
		// key was not part of the last trial, start it from its initial value
		prior = c.ApplyConstraints(k, c.InitialValue(k))
	}

	step, update := c.UpdateStep(k, n, last)
	if !update {
		return prior
	}

	rate := c.Schedule().Rate(lrate.Input{
		N:       n,
		Key:     k,
		Step:    step,
		Target:  c.Target(k),
		Trial:   last,
		History: history,
	})
	rate *= c.StratumRate(k, n, last)

	v := c.ApplyConstraints(k, prior+rate*step)
	logger.Debug("parameter update", "trial", n, "key", k.String(), "prior", prior, "step", step, "rate", rate, "value", v)
	return v
}

// Document renders values as the parameter artifact, each calibrator
// contributing its own keys.
func (s *Sampler) Document(values Values) (*artifact.Document, error) {
	doc := artifact.New()
	for _, c := range s.calibrators {
		if err := c.Contribute(doc, values); err != nil {
			return nil, fmt.Errorf("calibrator %s: %w", c.Name(), err)
		}
	}
	return doc, nil
}

// ParseValues converts persisted trial parameters back to keys
func ParseValues(params map[string]float64) (Values, error) {
	out := make(Values, len(params))
	for text, v := range params {
		k, err := param.ParseKey(text)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}
