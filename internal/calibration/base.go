package calibration

import (
	"fmt"

	"github.com/GoSim-25-26J-441/calibration-core/internal/artifact"
	"github.com/GoSim-25-26J-441/calibration-core/internal/outcome"
	"github.com/GoSim-25-26J-441/calibration-core/internal/param"
	"github.com/GoSim-25-26J-441/calibration-core/internal/trial"
)

// Base calibrates one alternative-specific constant per mode. The fixed mode
// anchors the scale and always stays at 0.
type Base struct {
	common
}

// NewBase builds a base calibrator over targets
func NewBase(name string, targets Targets, opts ...Option) (*Base, error) {
	s := applyOptions(opts)
	if s.fixed == "" {
		return nil, fmt.Errorf("%w: %s: fixed mode required", ErrConfiguration, name)
	}
	c, err := newCommon(name, targets, s)
	if err != nil {
		return nil, err
	}
	b := &Base{common: *c}
	if err := b.checkConfigured(b.Keys()); err != nil {
		return nil, err
	}
	if s.resume != nil {
		b.resumeConstants(s.resume)
	}
	return b, nil
}

func (b *Base) Strategy() Strategy { return StrategyBase }

func (b *Base) Keys() []param.Key { return b.baseKeys() }

func (b *Base) UpdateStep(k param.Key, _ int, last *trial.Trial) (float64, bool) {
	if !b.ownedKey(k) {
		return 0, false
	}
	return b.globalStep(last, k.Mode), true
}

func (b *Base) Target(k param.Key) float64 { return b.global[k.Mode] }

func (b *Base) RecordOutcome(tab *outcome.Table, attrs map[string]float64) error {
	errs := b.recordStratum(attrs, param.Global, b.global, tab, nil)
	b.recordSummary(attrs, errs)
	return nil
}

func (b *Base) Contribute(doc *artifact.Document, values map[param.Key]float64) error {
	b.contributeBase(doc, values)
	return nil
}

func (b *Base) sealed() {}

// resumeConstants replaces initial constants with those found in doc
func (c *common) resumeConstants(doc *artifact.Document) {
	for _, k := range c.baseKeys() {
		c.initial[k.String()] = doc.Constant(k.Mode)
	}
}
