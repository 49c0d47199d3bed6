// Package calibration implements the calibrators that adjust mode
// constants until simulated mode shares match observed targets.
//
// Three strategies exist: Base calibrates one constant per mode, Distance
// adds per-bucket delta chains (and optional demographic corrections), and
// Group calibrates deltas for the values of categorical attributes.
package calibration

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/GoSim-25-26J-441/calibration-core/internal/artifact"
	"github.com/GoSim-25-26J-441/calibration-core/internal/constraint"
	"github.com/GoSim-25-26J-441/calibration-core/internal/lrate"
	"github.com/GoSim-25-26J-441/calibration-core/internal/outcome"
	"github.com/GoSim-25-26J-441/calibration-core/internal/param"
	"github.com/GoSim-25-26J-441/calibration-core/internal/trial"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/logger"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/utils"
)

// Strategy names a calibrator variant
type Strategy string

const (
	StrategyBase     Strategy = "base"
	StrategyDistance Strategy = "distance"
	StrategyGroup    Strategy = "group"
)

// Calibrator is implemented by Base, Distance and Group only
type Calibrator interface {
	Name() string
	Strategy() Strategy
	// Keys lists every parameter the calibrator owns
	Keys() []param.Key
	// InitialValue is the unconstrained value used before any trial completed
	InitialValue(k param.Key) float64
	// UpdateStep computes the raw step for k from the last completed trial.
	// update is false when k must keep its previous value verbatim this trial.
	UpdateStep(k param.Key, n int, last *trial.Trial) (step float64, update bool)
	ApplyConstraints(k param.Key, v float64) float64
	// Target returns the target share belonging to k's stratum and mode
	Target(k param.Key) float64
	Schedule() lrate.Schedule
	// StratumRate is an extra multiplier for k's stratum, 1 when not applicable
	StratumRate(k param.Key, n int, last *trial.Trial) float64
	RecordOutcome(tab *outcome.Table, attrs map[string]float64) error
	// Contribute writes the values of this calibrator's keys into doc
	Contribute(doc *artifact.Document, values map[param.Key]float64) error
	// GroupAttrs lists person attributes the outcome tables must carry
	GroupAttrs() []string

	sealed()
}

// common holds what every strategy shares
type common struct {
	name        string
	modes       []string
	fixed       string
	global      Shares
	initial     map[string]float64
	constraints constraint.Set
	schedule    lrate.Schedule
}

func (c *common) Name() string { return c.name }

func (c *common) Schedule() lrate.Schedule {
	if c.schedule == nil {
		return lrate.Default
	}
	return c.schedule
}

func (c *common) InitialValue(k param.Key) float64 {
	return c.initial[k.String()]
}

func (c *common) ApplyConstraints(k param.Key, v float64) float64 {
	return c.constraints.Apply(k.String(), v)
}

func (c *common) StratumRate(param.Key, int, *trial.Trial) float64 { return 1 }

func (c *common) GroupAttrs() []string { return nil }

func (c *common) key(s param.Stratum, mode string) param.Key {
	return param.Key{Calibrator: c.name, Stratum: s, Mode: mode}
}

// baseKeys lists the constants of every mode but the fixed one
func (c *common) baseKeys() []param.Key {
	keys := make([]param.Key, 0, len(c.modes))
	for _, m := range c.modes {
		if m != c.fixed {
			keys = append(keys, param.Base(c.name, m))
		}
	}
	return keys
}

// observed returns the share recorded on t for a stratum/mode, 0 if missing
func (c *common) observed(t *trial.Trial, s param.Stratum, mode string) float64 {
	if t == nil {
		return 0
	}
	v, _ := t.Share(c.key(s, mode))
	return v
}

// step applies the update law within stratum s against reference mode ref
func (c *common) step(targets Shares, t *trial.Trial, s param.Stratum, mode, ref string) float64 {
	return Update(targets[mode], c.observed(t, s, mode), targets[ref], c.observed(t, s, ref))
}

// globalStep is the base constant step of mode; the fixed mode never moves
func (c *common) globalStep(t *trial.Trial, mode string) float64 {
	if mode == c.fixed {
		return 0
	}
	return c.step(c.global, t, param.Global, mode, c.fixed)
}

// recordStratum writes observed share and error of every mode in one stratum
// and returns the errors for summary statistics.
func (c *common) recordStratum(attrs map[string]float64, s param.Stratum, targets Shares, tab *outcome.Table, filter outcome.Filter) []float64 {
	shares, n := tab.Shares(filter)
	if n == 0 {
		logger.Warn("empty outcome stratum, shares recorded as zero", "calibrator", c.name, "stratum", s.String())
		attrs[param.WarningsAttr(c.name)]++
	}

	errs := make([]float64, 0, len(c.modes))
	for _, m := range c.modes {
		share, ok := shares[m]
		if !ok && n > 0 {
			logger.Debug("mode not observed in stratum", "calibrator", c.name, "stratum", s.String(), "mode", m)
		}
		k := c.key(s, m)
		e := abs(share - targets[m])
		attrs[param.ShareAttr(k)] = share
		attrs[param.ErrorAttr(k)] = e
		errs = append(errs, e)
	}
	return errs
}

func (c *common) recordSummary(attrs map[string]float64, errs []float64) {
	attrs[param.MeanErrorAttr(c.name)] = utils.Mean(errs)
	attrs[param.MaxErrorAttr(c.name)] = utils.Max(errs)
}

func (c *common) contributeBase(doc *artifact.Document, values map[param.Key]float64) {
	for _, m := range c.modes {
		doc.AddConstant(m, values[param.Base(c.name, m)])
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// settings collects constructor options
type settings struct {
	modes          []string
	fixed          string
	distFixed      string
	initial        map[string]float64
	constraints    map[string]constraint.Func
	schedule       lrate.Schedule
	distanceRate   lrate.DistanceFunc
	groups         []string
	calibBase      CalibBase
	corrCorrection float64
	shape          artifact.Shape
	resume         *artifact.Document
}

// Option configures a calibrator
type Option func(*settings)

// WithModes restricts calibration to the given modes
func WithModes(modes ...string) Option {
	return func(s *settings) { s.modes = modes }
}

// WithFixedMode sets the reference mode whose constant stays 0
func WithFixedMode(mode string) Option {
	return func(s *settings) { s.fixed = mode }
}

// WithDistanceFixedMode sets the reference mode of the distance deltas
func WithDistanceFixedMode(mode string) Option {
	return func(s *settings) { s.distFixed = mode }
}

// WithInitial sets initial values. Keys are parameter keys, with or without
// the calibrator prefix ("car", "car[dist:0 - 1000]", "asc:car[age=young]").
func WithInitial(values map[string]float64) Option {
	return func(s *settings) { s.initial = values }
}

// WithConstraints registers projections keyed like WithInitial
func WithConstraints(cs map[string]constraint.Func) Option {
	return func(s *settings) { s.constraints = cs }
}

// WithSchedule sets the learning-rate schedule
func WithSchedule(schedule lrate.Schedule) Option {
	return func(s *settings) { s.schedule = schedule }
}

// WithDistanceRate sets the distance-aware learning rate of bucket deltas
func WithDistanceRate(f lrate.DistanceFunc) Option {
	return func(s *settings) { s.distanceRate = f }
}

// WithGroups sets the categorical person attributes to calibrate
func WithGroups(attrs ...string) Option {
	return func(s *settings) { s.groups = attrs }
}

// WithCalibBase sets when group calibration resamples the base constants
func WithCalibBase(policy CalibBase) Option {
	return func(s *settings) { s.calibBase = policy }
}

// WithCorrCorrection damps group steps for correlated attributes
func WithCorrCorrection(f float64) Option {
	return func(s *settings) { s.corrCorrection = f }
}

// WithShape selects the group correction layout of the artifact
func WithShape(shape artifact.Shape) Option {
	return func(s *settings) { s.shape = shape }
}

// WithResume takes initial values from a previously written artifact
func WithResume(doc *artifact.Document) Option {
	return func(s *settings) { s.resume = doc }
}

func applyOptions(opts []Option) *settings {
	s := &settings{calibBase: CalibBaseAlways, corrCorrection: 1, shape: artifact.ShapeFlat}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// qualify turns a user-facing key into the canonical key text of calibrator name
func qualify(name, text string) (string, error) {
	if !strings.Contains(text, ":") || strings.Index(text, ":") > strings.Index(text+"[", "[") {
		text = name + ":" + text
	}
	k, err := param.ParseKey(text)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if k.Calibrator != name {
		return "", fmt.Errorf("%w: key %s belongs to calibrator %s, not %s", ErrConfiguration, text, k.Calibrator, name)
	}
	if k.Stratum.Kind == param.KindDistance {
		label, err := CanonicalLabel(k.Stratum.Value)
		if err != nil {
			return "", fmt.Errorf("%w: key %s: %v", ErrConfiguration, text, err)
		}
		k.Stratum.Value = label
	}
	return k.String(), nil
}

// checkConfigured rejects initial values and constraints on keys outside owned
func (c *common) checkConfigured(owned []param.Key) error {
	known := make(map[string]bool, len(owned))
	for _, k := range owned {
		known[k.String()] = true
	}
	for _, k := range slices.Sorted(maps.Keys(c.initial)) {
		if !known[k] {
			return fmt.Errorf("%w: %s: initial value for unknown parameter %s", ErrConfiguration, c.name, k)
		}
	}
	for _, k := range slices.Sorted(maps.Keys(c.constraints)) {
		if !known[k] {
			return fmt.Errorf("%w: %s: constraint on unknown parameter %s", ErrConfiguration, c.name, k)
		}
	}
	return nil
}

func newCommon(name string, targets Targets, s *settings) (*common, error) {
	if name == "" || strings.ContainsAny(name, ":[]") {
		return nil, fmt.Errorf("%w: invalid calibrator name %q", ErrConfiguration, name)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfiguration, name, errNoTargets)
	}

	c := &common{
		name:        name,
		modes:       s.modes,
		fixed:       s.fixed,
		initial:     make(map[string]float64),
		constraints: make(constraint.Set),
		schedule:    s.schedule,
	}
	if len(c.modes) == 0 {
		c.modes = targets.Modes()
	}
	c.modes = slices.Clone(c.modes)
	slices.Sort(c.modes)
	if !slices.Contains(c.modes, c.fixed) {
		return nil, fmt.Errorf("%w: %s: fixed mode %q is not among modes %v", ErrConfiguration, name, c.fixed, c.modes)
	}

	global, err := targets.globalShares(s.groups)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	c.global = global
	for _, m := range c.modes {
		if c.global[m] == 0 {
			logger.Warn("mode has no global target share", "calibrator", name, "mode", m)
		}
	}

	for text, v := range s.initial {
		k, err := qualify(name, text)
		if err != nil {
			return nil, err
		}
		c.initial[k] = v
	}
	for text, f := range s.constraints {
		k, err := qualify(name, text)
		if err != nil {
			return nil, err
		}
		c.constraints[k] = f
	}
	return c, nil
}

// ownedKey checks that k belongs to c
func (c *common) ownedKey(k param.Key) bool {
	return k.Calibrator == c.name && slices.Contains(c.modes, k.Mode)
}
