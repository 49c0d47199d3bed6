package calibration

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/GoSim-25-26J-441/calibration-core/internal/artifact"
	"github.com/GoSim-25-26J-441/calibration-core/internal/lrate"
	"github.com/GoSim-25-26J-441/calibration-core/internal/outcome"
	"github.com/GoSim-25-26J-441/calibration-core/internal/param"
	"github.com/GoSim-25-26J-441/calibration-core/internal/trial"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/utils"
)

// Distance calibrates a base constant per mode plus an ordered chain of
// per-bucket deltas. The effective constant of bucket k is the base constant
// plus the deltas of buckets 0..k. Optional group attributes add a damped
// correction per attribute value.
type Distance struct {
	common
	distFixed string
	edges     []float64
	labels    []string
	buckets   map[string]Shares
	groups    []string
	groupTgts map[param.Stratum]Shares
	shape     artifact.Shape
	rate      lrate.DistanceFunc
}

// NewDistance builds a distance-stratified calibrator. targets must carry a
// dist_group label on the stratified rows.
func NewDistance(name string, targets Targets, opts ...Option) (*Distance, error) {
	s := applyOptions(opts)
	if s.fixed == "" {
		return nil, fmt.Errorf("%w: %s: fixed mode required", ErrConfiguration, name)
	}
	if s.distFixed == "" {
		s.distFixed = s.fixed
	}
	c, err := newCommon(name, targets, s)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(c.modes, s.distFixed) {
		return nil, fmt.Errorf("%w: %s: distance fixed mode %q is not among modes %v", ErrConfiguration, name, s.distFixed, c.modes)
	}

	edges, err := DetectBins(targets.distanceLabels())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	buckets, err := targets.distanceShares()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	groupTgts, err := targets.groupShares(s.groups)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	for _, a := range s.groups {
		if len(targets.groupValues(a)) == 0 {
			return nil, fmt.Errorf("%w: %s: no targets for group attribute %q", ErrConfiguration, name, a)
		}
	}
	if s.shape != artifact.ShapeFlat && s.shape != artifact.ShapeNested {
		return nil, fmt.Errorf("%w: %s: unknown shape %q", ErrValidation, name, s.shape)
	}

	d := &Distance{
		common:    *c,
		distFixed: s.distFixed,
		edges:     edges,
		labels:    BinsToLabels(edges),
		buckets:   buckets,
		groups:    slices.Clone(s.groups),
		groupTgts: groupTgts,
		shape:     s.shape,
		rate:      s.distanceRate,
	}
	if err := d.checkConfigured(d.Keys()); err != nil {
		return nil, err
	}
	if s.resume != nil {
		d.resume(s.resume)
	}
	return d, nil
}

func (d *Distance) Strategy() Strategy { return StrategyDistance }

// Edges returns the detected bucket edges
func (d *Distance) Edges() []float64 { return slices.Clone(d.edges) }

func (d *Distance) deltaKeys() []param.Key {
	var keys []param.Key
	for _, m := range d.modes {
		if m == d.distFixed {
			continue
		}
		for _, l := range d.labels {
			keys = append(keys, d.key(param.Distance(l), m))
		}
	}
	return keys
}

func (d *Distance) groupStrata() []param.Stratum {
	return sortedStrata(d.groupTgts)
}

func (d *Distance) groupKeys() []param.Key {
	var keys []param.Key
	for _, s := range d.groupStrata() {
		for _, m := range d.modes {
			if m != d.fixed {
				keys = append(keys, d.key(s, m))
			}
		}
	}
	return keys
}

func (d *Distance) Keys() []param.Key {
	keys := d.baseKeys()
	keys = append(keys, d.deltaKeys()...)
	return append(keys, d.groupKeys()...)
}

func (d *Distance) GroupAttrs() []string { return slices.Clone(d.groups) }

func (d *Distance) bucket(label string) int {
	return slices.Index(d.labels, label)
}

// bucketStep is the log-ratio step of mode within bucket i against the
// distance fixed mode.
func (d *Distance) bucketStep(last *trial.Trial, i int, mode string) float64 {
	l := d.labels[i]
	return d.step(d.buckets[l], last, param.Distance(l), mode, d.distFixed)
}

func (d *Distance) UpdateStep(k param.Key, _ int, last *trial.Trial) (float64, bool) {
	if !d.ownedKey(k) {
		return 0, false
	}
	switch k.Stratum.Kind {
	case param.KindBase:
		return d.globalStep(last, k.Mode), true

	case param.KindDistance:
		i := d.bucket(k.Stratum.Value)
		if i < 0 || k.Mode == d.distFixed {
			return 0, false
		}
		// The cumulative delta of bucket i must absorb the bucket step minus
		// what the base constants of the mode and the reference already move.
		if i == 0 {
			return d.bucketStep(last, 0, k.Mode) + d.globalStep(last, d.distFixed) - d.globalStep(last, k.Mode), true
		}
		return d.bucketStep(last, i, k.Mode) - d.bucketStep(last, i-1, k.Mode), true

	case param.KindGroup:
		tgt, ok := d.groupTgts[k.Stratum]
		if !ok || k.Mode == d.fixed {
			return 0, false
		}
		s := d.step(tgt, last, k.Stratum, k.Mode, d.fixed)
		return (s - d.globalStep(last, k.Mode)) / float64(len(d.groups)), true
	}
	return 0, false
}

func (d *Distance) Target(k param.Key) float64 {
	switch k.Stratum.Kind {
	case param.KindDistance:
		return d.buckets[k.Stratum.Value][k.Mode]
	case param.KindGroup:
		return d.groupTgts[k.Stratum][k.Mode]
	default:
		return d.global[k.Mode]
	}
}

// StratumRate applies the distance-aware rate to bucket deltas using the
// median distance recorded for the bucket on the last trial.
func (d *Distance) StratumRate(k param.Key, n int, last *trial.Trial) float64 {
	if d.rate == nil || k.Stratum.Kind != param.KindDistance || last == nil {
		return 1
	}
	median, ok := last.Attr(param.MedianDistanceAttr(d.name, k.Stratum))
	if !ok {
		return 1
	}
	return d.rate(n, median, k.Mode, last)
}

func (d *Distance) RecordOutcome(tab *outcome.Table, attrs map[string]float64) error {
	errs := d.recordStratum(attrs, param.Global, d.global, tab, nil)

	for i, l := range d.labels {
		in := func(r *outcome.Record) bool { return BinIndex(d.edges, r.Distance) == i }
		s := param.Distance(l)
		errs = append(errs, d.recordStratum(attrs, s, d.buckets[l], tab, in)...)
		attrs[param.MedianDistanceAttr(d.name, s)] = utils.Median(tab.Distances(in))
	}

	for _, s := range d.groupStrata() {
		in := func(r *outcome.Record) bool { return r.Attrs[s.Attr] == s.Value }
		errs = append(errs, d.recordStratum(attrs, s, d.groupTgts[s], tab, in)...)
	}

	d.recordSummary(attrs, errs)
	return nil
}

func (d *Distance) Contribute(doc *artifact.Document, values map[param.Key]float64) error {
	d.contributeBase(doc, values)
	for _, m := range d.modes {
		deltas := make([]float64, len(d.labels))
		for i, l := range d.labels {
			deltas[i] = values[d.key(param.Distance(l), m)]
		}
		if err := doc.SetDistanceDeltas(d.edges, m, deltas); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}
	for _, k := range d.groupKeys() {
		doc.AddGroupDelta(d.shape, k.Stratum.Attr, k.Stratum.Value, k.Mode, values[k])
	}
	return nil
}

func (d *Distance) resume(doc *artifact.Document) {
	d.resumeConstants(doc)
	for _, m := range d.modes {
		deltas := doc.DistanceDeltas(m)
		if len(deltas) != len(d.labels) {
			continue
		}
		for i, l := range d.labels {
			d.initial[d.key(param.Distance(l), m).String()] = deltas[i]
		}
	}
	for _, k := range d.groupKeys() {
		if v, ok := doc.GroupDelta(k.Stratum.Attr, k.Stratum.Value, k.Mode); ok {
			d.initial[k.String()] = v
		}
	}
}

func (d *Distance) sealed() {}

// sortedStrata returns the strata of m ordered by attribute, then value
func sortedStrata(m map[param.Stratum]Shares) []param.Stratum {
	out := make([]param.Stratum, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b param.Stratum) int {
		if c := cmp.Compare(a.Attr, b.Attr); c != 0 {
			return c
		}
		return cmp.Compare(a.Value, b.Value)
	})
	return out
}
