package calibration

import (
	"fmt"
	"slices"

	"github.com/GoSim-25-26J-441/calibration-core/internal/artifact"
	"github.com/GoSim-25-26J-441/calibration-core/internal/outcome"
	"github.com/GoSim-25-26J-441/calibration-core/internal/param"
	"github.com/GoSim-25-26J-441/calibration-core/internal/trial"
)

// CalibBase decides when a group calibrator moves the base constants
type CalibBase string

const (
	// CalibBaseAlways updates base constants and group deltas every trial
	CalibBaseAlways CalibBase = "always"
	// CalibBaseAlternating updates base constants on even trials and group
	// deltas on odd trials; the other side keeps its previous values.
	CalibBaseAlternating CalibBase = "alternating"
	// CalibBaseNever leaves base constants to other calibrators
	CalibBaseNever CalibBase = "never"
)

// Group calibrates a delta for every (attribute, value, mode) relative to
// the base constant of the mode.
type Group struct {
	common
	attrs      []string
	targets    map[param.Stratum]Shares
	calibBase  CalibBase
	correction float64
}

// NewGroup builds a group-stratified calibrator. Only the flat artifact
// shape is supported.
func NewGroup(name string, targets Targets, opts ...Option) (*Group, error) {
	s := applyOptions(opts)
	if s.fixed == "" {
		return nil, fmt.Errorf("%w: %s: fixed mode required", ErrConfiguration, name)
	}
	if len(s.groups) == 0 {
		return nil, fmt.Errorf("%w: %s: group calibrator needs at least one attribute", ErrValidation, name)
	}
	if s.shape != artifact.ShapeFlat {
		return nil, fmt.Errorf("%w: %s: shape %q is not supported for group calibration", ErrValidation, name, s.shape)
	}
	switch s.calibBase {
	case CalibBaseAlways, CalibBaseAlternating, CalibBaseNever:
	default:
		return nil, fmt.Errorf("%w: %s: unknown calib_base %q", ErrValidation, name, s.calibBase)
	}
	if s.corrCorrection <= 0 {
		return nil, fmt.Errorf("%w: %s: corr_correction must be positive, got %g", ErrValidation, name, s.corrCorrection)
	}

	c, err := newCommon(name, targets, s)
	if err != nil {
		return nil, err
	}
	for _, a := range s.groups {
		if len(targets.groupValues(a)) == 0 {
			return nil, fmt.Errorf("%w: %s: no targets for group attribute %q", ErrConfiguration, name, a)
		}
	}
	groupTgts, err := targets.groupShares(s.groups)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	g := &Group{
		common:     *c,
		attrs:      slices.Clone(s.groups),
		targets:    groupTgts,
		calibBase:  s.calibBase,
		correction: s.corrCorrection,
	}
	if err := g.checkConfigured(g.Keys()); err != nil {
		return nil, err
	}
	if s.resume != nil {
		g.resume(s.resume)
	}
	return g, nil
}

func (g *Group) Strategy() Strategy { return StrategyGroup }

func (g *Group) GroupAttrs() []string { return slices.Clone(g.attrs) }

func (g *Group) groupKeys() []param.Key {
	var keys []param.Key
	for _, s := range sortedStrata(g.targets) {
		for _, m := range g.modes {
			if m != g.fixed {
				keys = append(keys, g.key(s, m))
			}
		}
	}
	return keys
}

func (g *Group) Keys() []param.Key {
	var keys []param.Key
	if g.calibBase != CalibBaseNever {
		keys = g.baseKeys()
	}
	return append(keys, g.groupKeys()...)
}

// baseTurn reports whether base constants move on trial n
func (g *Group) baseTurn(n int) bool {
	switch g.calibBase {
	case CalibBaseAlways:
		return true
	case CalibBaseAlternating:
		return n%2 == 0
	default:
		return false
	}
}

// groupTurn reports whether group deltas move on trial n
func (g *Group) groupTurn(n int) bool {
	return g.calibBase != CalibBaseAlternating || n%2 == 1
}

func (g *Group) UpdateStep(k param.Key, n int, last *trial.Trial) (float64, bool) {
	if !g.ownedKey(k) {
		return 0, false
	}
	switch k.Stratum.Kind {
	case param.KindBase:
		if !g.baseTurn(n) {
			return 0, false
		}
		return g.globalStep(last, k.Mode), true

	case param.KindGroup:
		tgt, ok := g.targets[k.Stratum]
		if !ok || k.Mode == g.fixed || !g.groupTurn(n) {
			return 0, false
		}
		s := g.step(tgt, last, k.Stratum, k.Mode, g.fixed)
		// the part of the gap the base constant closes this trial
		if g.baseTurn(n) {
			s -= g.globalStep(last, k.Mode)
		}
		return s / (float64(len(g.attrs)) * g.correction), true
	}
	return 0, false
}

func (g *Group) Target(k param.Key) float64 {
	if k.Stratum.Kind == param.KindGroup {
		return g.targets[k.Stratum][k.Mode]
	}
	return g.global[k.Mode]
}

func (g *Group) RecordOutcome(tab *outcome.Table, attrs map[string]float64) error {
	errs := g.recordStratum(attrs, param.Global, g.global, tab, nil)
	for _, s := range sortedStrata(g.targets) {
		in := func(r *outcome.Record) bool { return r.Attrs[s.Attr] == s.Value }
		errs = append(errs, g.recordStratum(attrs, s, g.targets[s], tab, in)...)
	}
	g.recordSummary(attrs, errs)
	return nil
}

func (g *Group) Contribute(doc *artifact.Document, values map[param.Key]float64) error {
	if g.calibBase != CalibBaseNever {
		g.contributeBase(doc, values)
	}
	for _, k := range g.groupKeys() {
		doc.AddGroupDelta(artifact.ShapeFlat, k.Stratum.Attr, k.Stratum.Value, k.Mode, values[k])
	}
	return nil
}

func (g *Group) resume(doc *artifact.Document) {
	if g.calibBase != CalibBaseNever {
		g.resumeConstants(doc)
	}
	for _, k := range g.groupKeys() {
		if v, ok := doc.GroupDelta(k.Stratum.Attr, k.Stratum.Value, k.Mode); ok {
			g.initial[k.String()] = v
		}
	}
}

func (g *Group) sealed() {}
