package calibration

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/GoSim-25-26J-441/calibration-core/internal/artifact"
	"github.com/GoSim-25-26J-441/calibration-core/internal/constraint"
	"github.com/GoSim-25-26J-441/calibration-core/internal/outcome"
	"github.com/GoSim-25-26J-441/calibration-core/internal/param"
	"github.com/GoSim-25-26J-441/calibration-core/internal/trial"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/config"
)

// observed builds a completed trial carrying the given shares for calibrator name
func observed(name string, n int, shares map[param.Stratum]map[string]float64) *trial.Trial {
	t := &trial.Trial{Number: n, State: trial.StateCompleted, Params: map[string]float64{}, Attrs: map[string]float64{}}
	for s, byMode := range shares {
		for m, v := range byMode {
			t.Attrs[param.ShareAttr(param.Key{Calibrator: name, Stratum: s, Mode: m})] = v
		}
	}
	return t
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestBaseScenarioStep(t *testing.T) {
	b, err := NewBase("asc", TargetsFromMap(map[string]float64{"car": 0.4, "pt": 0.3, "walk": 0.3}), WithFixedMode("walk"))
	if err != nil {
		t.Fatalf("NewBase: %v", err)
	}

	keys := b.Keys()
	if len(keys) != 2 || keys[0] != param.Base("asc", "car") || keys[1] != param.Base("asc", "pt") {
		t.Fatalf("unexpected keys %v", keys)
	}

	last := observed("asc", 0, map[param.Stratum]map[string]float64{
		param.Global: {"car": 0.2, "pt": 0.3, "walk": 0.5},
	})
	step, ok := b.UpdateStep(param.Base("asc", "car"), 1, last)
	if !ok {
		t.Fatalf("expected car to update")
	}
	want := math.Log(0.4) - math.Log(0.2) - (math.Log(0.3) - math.Log(0.5))
	if !near(step, want) || math.Abs(step-1.204) > 1e-3 {
		t.Fatalf("car step = %f, want %f", step, want)
	}
	if step, _ := b.UpdateStep(param.Base("asc", "pt"), 1, last); !near(step, math.Log(0.5)-math.Log(0.3)) {
		t.Fatalf("pt step = %f", step)
	}
	if _, ok := b.UpdateStep(param.Base("other", "car"), 1, last); ok {
		t.Fatalf("foreign key must not update")
	}
}

func TestBaseValidation(t *testing.T) {
	targets := TargetsFromMap(map[string]float64{"car": 1, "walk": 1})
	if _, err := NewBase("asc", targets); !errors.Is(err, ErrConfiguration) {
		t.Errorf("missing fixed mode: %v", err)
	}
	if _, err := NewBase("asc", targets, WithFixedMode("bike")); !errors.Is(err, ErrConfiguration) {
		t.Errorf("unknown fixed mode: %v", err)
	}
	if _, err := NewBase("asc", nil, WithFixedMode("walk")); !errors.Is(err, ErrConfiguration) {
		t.Errorf("no targets: %v", err)
	}
	if _, err := NewBase("a:b", targets, WithFixedMode("walk")); !errors.Is(err, ErrConfiguration) {
		t.Errorf("bad name: %v", err)
	}
	zero := TargetsFromMap(map[string]float64{"car": 0, "walk": 0})
	if _, err := NewBase("asc", zero, WithFixedMode("walk")); !errors.Is(err, ErrConfiguration) {
		t.Errorf("zero-sum targets: %v", err)
	}
}

func TestTargetsNormalizedPerStratum(t *testing.T) {
	b, err := NewBase("asc", TargetsFromMap(map[string]float64{"car": 40, "pt": 30, "walk": 30}), WithFixedMode("walk"))
	if err != nil {
		t.Fatalf("NewBase: %v", err)
	}
	if !near(b.Target(param.Base("asc", "car")), 0.4) {
		t.Fatalf("global target not normalised: %f", b.Target(param.Base("asc", "car")))
	}

	d := newDistanceFixture(t)
	for _, l := range BinsToLabels(d.Edges()) {
		sum := 0.0
		for _, m := range []string{"car", "pt", "walk"} {
			sum += d.Target(param.Key{Calibrator: "dist", Stratum: param.Distance(l), Mode: m})
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("bucket %s sums to %f", l, sum)
		}
	}
	for _, v := range []string{"young", "old"} {
		sum := 0.0
		for _, m := range []string{"car", "pt", "walk"} {
			sum += d.Target(param.Key{Calibrator: "dist", Stratum: param.Group("age", v), Mode: m})
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("group %s sums to %f", v, sum)
		}
	}
}

func TestInitialValuesAndConstraints(t *testing.T) {
	b, err := NewBase("asc", TargetsFromMap(map[string]float64{"car": 1, "pt": 1, "walk": 1}),
		WithFixedMode("walk"),
		WithInitial(map[string]float64{"car": 0.7, "asc:pt": -0.2}),
		WithConstraints(map[string]constraint.Func{"car": constraint.Bounds(-0.5, 0.5)}),
	)
	if err != nil {
		t.Fatalf("NewBase: %v", err)
	}
	car, pt := param.Base("asc", "car"), param.Base("asc", "pt")
	if b.InitialValue(car) != 0.7 || b.InitialValue(pt) != -0.2 {
		t.Fatalf("initial values not qualified: %f %f", b.InitialValue(car), b.InitialValue(pt))
	}
	if b.ApplyConstraints(car, 0.7) != 0.5 || b.ApplyConstraints(pt, 9) != 9 {
		t.Fatalf("constraints misrouted")
	}

	_, err = NewBase("asc", TargetsFromMap(map[string]float64{"car": 1, "walk": 1}),
		WithFixedMode("walk"), WithInitial(map[string]float64{"other:car": 1}))
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected foreign initial key to fail, got %v", err)
	}
}

func distanceTargets() Targets {
	return Targets{
		{Mode: "car", Share: 0.2, DistGroup: "0 - 1000"},
		{Mode: "pt", Share: 0.2, DistGroup: "0 - 1000"},
		{Mode: "walk", Share: 0.6, DistGroup: "0 - 1000"},
		{Mode: "car", Share: 0.5, DistGroup: "1000 - 5000"},
		{Mode: "pt", Share: 0.3, DistGroup: "1000 - 5000"},
		{Mode: "walk", Share: 0.2, DistGroup: "1000 - 5000"},
		{Mode: "car", Share: 3, DistGroup: "5000+"},
		{Mode: "pt", Share: 1.5, DistGroup: "5000+"},
		{Mode: "walk", Share: 0.5, DistGroup: "5000+"},
		{Mode: "car", Share: 0.3, Attrs: map[string]string{"age": "young"}},
		{Mode: "pt", Share: 0.5, Attrs: map[string]string{"age": "young"}},
		{Mode: "walk", Share: 0.2, Attrs: map[string]string{"age": "young"}},
		{Mode: "car", Share: 0.6, Attrs: map[string]string{"age": "old"}},
		{Mode: "pt", Share: 0.1, Attrs: map[string]string{"age": "old"}},
		{Mode: "walk", Share: 0.3, Attrs: map[string]string{"age": "old"}},
	}
}

func newDistanceFixture(t *testing.T) *Distance {
	t.Helper()
	d, err := NewDistance("dist", distanceTargets(), WithFixedMode("walk"), WithGroups("age"))
	if err != nil {
		t.Fatalf("NewDistance: %v", err)
	}
	return d
}

func TestConfiguredKeysCanonicalAndOwned(t *testing.T) {
	d, err := NewDistance("dist", distanceTargets(), WithFixedMode("walk"), WithGroups("age"),
		WithInitial(map[string]float64{"car[dist:0-1000]": 3}),
		WithConstraints(map[string]constraint.Func{"car[dist:0-1000]": constraint.Zero()}),
	)
	if err != nil {
		t.Fatalf("NewDistance: %v", err)
	}
	k := param.Key{Calibrator: "dist", Stratum: param.Distance("0 - 1000"), Mode: "car"}
	if got := d.InitialValue(k); got != 3 {
		t.Errorf("initial = %f, want 3", got)
	}
	if got := d.ApplyConstraints(k, 5); got != 0 {
		t.Errorf("constrained = %f, want 0", got)
	}

	tests := []struct {
		name string
		opt  Option
	}{
		{"misspelled mode initial", WithInitial(map[string]float64{"bkie": 1})},
		{"misspelled mode constraint", WithConstraints(map[string]constraint.Func{"bkie": constraint.Zero()})},
		{"fixed mode", WithConstraints(map[string]constraint.Func{"walk": constraint.Zero()})},
		{"unknown bucket", WithInitial(map[string]float64{"car[dist:0 - 2000]": 1})},
		{"malformed bucket", WithInitial(map[string]float64{"car[dist:near]": 1})},
		{"unknown group value", WithInitial(map[string]float64{"car[age=teen]": 1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDistance("dist", distanceTargets(), WithFixedMode("walk"), WithGroups("age"), tt.opt)
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
		})
	}

	_, err = NewGroup("grp", groupTargets(), WithFixedMode("walk"), WithGroups("age"),
		WithCalibBase(CalibBaseNever), WithInitial(map[string]float64{"car": 1}))
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected base initial value on a never policy to fail, got %v", err)
	}
}

func TestDistanceKeys(t *testing.T) {
	d := newDistanceFixture(t)
	var base, dist, group int
	for _, k := range d.Keys() {
		switch k.Stratum.Kind {
		case param.KindBase:
			base++
		case param.KindDistance:
			dist++
		case param.KindGroup:
			group++
		}
		if k.Mode == "walk" {
			t.Fatalf("fixed mode must not own a key: %s", k)
		}
	}
	if base != 2 || dist != 6 || group != 4 {
		t.Fatalf("keys base=%d dist=%d group=%d", base, dist, group)
	}
}

func TestDistanceChainClosesBucketGaps(t *testing.T) {
	d := newDistanceFixture(t)
	last := observed("dist", 3, map[param.Stratum]map[string]float64{
		param.Global:                  {"car": 0.3, "pt": 0.2, "walk": 0.5},
		param.Distance("0 - 1000"):    {"car": 0.1, "pt": 0.1, "walk": 0.8},
		param.Distance("1000 - 5000"): {"car": 0.4, "pt": 0.4, "walk": 0.2},
		param.Distance("5000+"):       {"car": 0.7, "pt": 0.2, "walk": 0.1},
		param.Group("age", "young"):   {"car": 0.2, "pt": 0.5, "walk": 0.3},
		param.Group("age", "old"):     {"car": 0.6, "pt": 0.1, "walk": 0.3},
	})

	for _, mode := range []string{"car", "pt"} {
		g, _ := d.UpdateStep(param.Base("dist", mode), 4, last)
		cumulative := g
		for i, l := range BinsToLabels(d.Edges()) {
			s := param.Distance(l)
			delta, ok := d.UpdateStep(param.Key{Calibrator: "dist", Stratum: s, Mode: mode}, 4, last)
			if !ok {
				t.Fatalf("delta %s/%s not updated", l, mode)
			}
			cumulative += delta
			want := d.step(d.buckets[l], last, s, mode, "walk")
			if !near(cumulative, want) {
				t.Errorf("%s bucket %d: cumulative move %f, want %f", mode, i, cumulative, want)
			}
		}
	}

	// group corrections subtract the base move and are damped by the attribute count
	k := param.Key{Calibrator: "dist", Stratum: param.Group("age", "young"), Mode: "car"}
	step, ok := d.UpdateStep(k, 4, last)
	g, _ := d.UpdateStep(param.Base("dist", "car"), 4, last)
	want := Update(0.3, 0.2, 0.2, 0.3) - g
	if !ok || !near(step, want) {
		t.Fatalf("group step = %f, want %f", step, want)
	}
}

func TestDistanceSeparateReferenceMode(t *testing.T) {
	d, err := NewDistance("dist", distanceTargets(), WithFixedMode("walk"), WithDistanceFixedMode("pt"))
	if err != nil {
		t.Fatalf("NewDistance: %v", err)
	}
	for _, k := range d.Keys() {
		if k.Stratum.Kind == param.KindDistance && k.Mode == "pt" {
			t.Fatalf("distance fixed mode owns delta %s", k)
		}
	}
	last := observed("dist", 0, map[param.Stratum]map[string]float64{
		param.Global:               {"car": 0.3, "pt": 0.2, "walk": 0.5},
		param.Distance("0 - 1000"): {"car": 0.1, "pt": 0.1, "walk": 0.8},
	})
	gCar, _ := d.UpdateStep(param.Base("dist", "car"), 1, last)
	gPt, _ := d.UpdateStep(param.Base("dist", "pt"), 1, last)
	delta, _ := d.UpdateStep(param.Key{Calibrator: "dist", Stratum: param.Distance("0 - 1000"), Mode: "car"}, 1, last)
	// relative move of car against pt in bucket 0
	want := Update(0.2, 0.1, 0.2, 0.1)
	if !near(gCar+delta-gPt, want) {
		t.Fatalf("car vs pt move %f, want %f", gCar+delta-gPt, want)
	}
}

func TestDistanceIncompleteLabels(t *testing.T) {
	targets := Targets{
		{Mode: "car", Share: 0.5, DistGroup: "0 - 1000"},
		{Mode: "walk", Share: 0.5, DistGroup: "0 - 1000"},
		{Mode: "car", Share: 0.5, DistGroup: "5000+"},
		{Mode: "walk", Share: 0.5, DistGroup: "5000+"},
	}
	if _, err := NewDistance("dist", targets, WithFixedMode("walk")); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestDistanceRecordOutcome(t *testing.T) {
	d := newDistanceFixture(t)
	tab := &outcome.Table{Records: []outcome.Record{
		{Mode: "walk", Distance: 300, Attrs: map[string]string{"age": "young"}},
		{Mode: "car", Distance: 700, Attrs: map[string]string{"age": "old"}},
		{Mode: "car", Distance: 2000, Attrs: map[string]string{"age": "old"}},
		{Mode: "pt", Distance: 3000, Attrs: map[string]string{"age": "young"}},
	}}
	attrs := map[string]float64{}
	if err := d.RecordOutcome(tab, attrs); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	share := func(s param.Stratum, m string) float64 {
		return attrs[param.ShareAttr(param.Key{Calibrator: "dist", Stratum: s, Mode: m})]
	}
	if share(param.Global, "car") != 0.5 {
		t.Errorf("global car share = %f", share(param.Global, "car"))
	}
	if share(param.Distance("0 - 1000"), "walk") != 0.5 {
		t.Errorf("bucket walk share = %f", share(param.Distance("0 - 1000"), "walk"))
	}
	if got := attrs[param.MedianDistanceAttr("dist", param.Distance("1000 - 5000"))]; got != 2500 {
		t.Errorf("median distance = %f", got)
	}
	// empty bucket is recorded with zero shares
	if v, ok := attrs[param.ShareAttr(param.Key{Calibrator: "dist", Stratum: param.Distance("5000+"), Mode: "car"})]; !ok || v != 0 {
		t.Errorf("empty bucket share = %f, %v", v, ok)
	}
	if share(param.Group("age", "old"), "car") != 1 {
		t.Errorf("old car share = %f", share(param.Group("age", "old"), "car"))
	}
	errKey := param.ErrorAttr(param.Key{Calibrator: "dist", Stratum: param.Global, Mode: "car"})
	if !near(attrs[errKey], math.Abs(0.5-d.Target(param.Base("dist", "car")))) {
		t.Errorf("error attr = %f", attrs[errKey])
	}
	if attrs[param.MaxErrorAttr("dist")] < attrs[param.MeanErrorAttr("dist")] {
		t.Errorf("max error below mean error")
	}
}

func TestDistanceRateUsesMedian(t *testing.T) {
	d, err := NewDistance("dist", distanceTargets(), WithFixedMode("walk"),
		WithDistanceRate(func(_ int, median float64, _ string, _ *trial.Trial) float64 { return 1000 / median }))
	if err != nil {
		t.Fatalf("NewDistance: %v", err)
	}
	s := param.Distance("5000+")
	last := &trial.Trial{Attrs: map[string]float64{param.MedianDistanceAttr("dist", s): 8000}}
	if got := d.StratumRate(param.Key{Calibrator: "dist", Stratum: s, Mode: "car"}, 2, last); got != 0.125 {
		t.Fatalf("StratumRate = %f", got)
	}
	if got := d.StratumRate(param.Base("dist", "car"), 2, last); got != 1 {
		t.Fatalf("base keys must not be rate-scaled, got %f", got)
	}
}

func TestDistanceContributeAndResume(t *testing.T) {
	d := newDistanceFixture(t)
	values := map[param.Key]float64{}
	for i, k := range d.Keys() {
		values[k] = float64(i+1) / 10
	}
	doc := artifact.New()
	if err := d.Contribute(doc, values); err != nil {
		t.Fatalf("Contribute: %v", err)
	}
	if doc.Constant("car") != values[param.Base("dist", "car")] {
		t.Fatalf("car constant = %f", doc.Constant("car"))
	}
	if deltas := doc.DistanceDeltas("walk"); len(deltas) != 3 || deltas[0] != 0 {
		t.Fatalf("reference deltas = %v", deltas)
	}

	r, err := NewDistance("dist", distanceTargets(), WithFixedMode("walk"), WithGroups("age"), WithResume(doc))
	if err != nil {
		t.Fatalf("NewDistance: %v", err)
	}
	for _, k := range r.Keys() {
		if !near(r.InitialValue(k), values[k]) {
			t.Errorf("resumed %s = %f, want %f", k, r.InitialValue(k), values[k])
		}
	}
}

func groupTargets() Targets {
	return Targets{
		{Mode: "car", Share: 0.4},
		{Mode: "pt", Share: 0.3},
		{Mode: "walk", Share: 0.3},
		{Mode: "car", Share: 0.2, Attrs: map[string]string{"age": "young"}},
		{Mode: "pt", Share: 0.5, Attrs: map[string]string{"age": "young"}},
		{Mode: "walk", Share: 0.3, Attrs: map[string]string{"age": "young"}},
		{Mode: "car", Share: 0.6, Attrs: map[string]string{"age": "old"}},
		{Mode: "pt", Share: 0.1, Attrs: map[string]string{"age": "old"}},
		{Mode: "walk", Share: 0.3, Attrs: map[string]string{"age": "old"}},
	}
}

func groupTrial() *trial.Trial {
	return observed("grp", 0, map[param.Stratum]map[string]float64{
		param.Global:                {"car": 0.3, "pt": 0.3, "walk": 0.4},
		param.Group("age", "young"): {"car": 0.25, "pt": 0.35, "walk": 0.4},
		param.Group("age", "old"):   {"car": 0.35, "pt": 0.25, "walk": 0.4},
	})
}

func TestGroupAlternatingCadence(t *testing.T) {
	g, err := NewGroup("grp", groupTargets(), WithFixedMode("walk"), WithGroups("age"), WithCalibBase(CalibBaseAlternating))
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	last := groupTrial()
	base := param.Base("grp", "car")
	group := param.Key{Calibrator: "grp", Stratum: param.Group("age", "young"), Mode: "car"}

	if _, ok := g.UpdateStep(base, 2, last); !ok {
		t.Errorf("base must update on even trials")
	}
	if _, ok := g.UpdateStep(group, 2, last); ok {
		t.Errorf("groups must be frozen on even trials")
	}
	if _, ok := g.UpdateStep(base, 3, last); ok {
		t.Errorf("base must be frozen on odd trials")
	}
	step, ok := g.UpdateStep(group, 3, last)
	if !ok {
		t.Fatalf("groups must update on odd trials")
	}
	// base is frozen, so the whole group gap is taken by the delta
	if want := Update(0.2, 0.25, 0.3, 0.4); !near(step, want) {
		t.Errorf("odd-trial group step = %f, want %f", step, want)
	}
}

func TestGroupStepComposesCorrection(t *testing.T) {
	// calib_base cadence and corr_correction are independent knobs: the
	// correction divides every group step, whichever side moves.
	targets := groupTargets()
	for i := range targets {
		if targets[i].Attrs != nil {
			targets[i].Attrs["income"] = "low"
		}
	}
	last := groupTrial()
	last.Attrs[param.ShareAttr(param.Key{Calibrator: "grp", Stratum: param.Group("income", "low"), Mode: "car"})] = 0.3

	g, err := NewGroup("grp", targets, WithFixedMode("walk"), WithGroups("age", "income"), WithCorrCorrection(2))
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	k := param.Key{Calibrator: "grp", Stratum: param.Group("age", "young"), Mode: "car"}
	step, _ := g.UpdateStep(k, 5, last)
	gCar, _ := g.UpdateStep(param.Base("grp", "car"), 5, last)
	want := (Update(0.2, 0.25, 0.3, 0.4) - gCar) / (2 * 2)
	if !near(step, want) {
		t.Fatalf("always: group step = %f, want %f", step, want)
	}

	alt, err := NewGroup("grp", targets, WithFixedMode("walk"), WithGroups("age", "income"),
		WithCorrCorrection(2), WithCalibBase(CalibBaseAlternating))
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	step, _ = alt.UpdateStep(k, 5, last)
	if want := Update(0.2, 0.25, 0.3, 0.4) / 4; !near(step, want) {
		t.Fatalf("alternating: group step = %f, want %f", step, want)
	}
}

func TestGroupNeverOwnsNoBaseKeys(t *testing.T) {
	g, err := NewGroup("grp", groupTargets(), WithFixedMode("walk"), WithGroups("age"), WithCalibBase(CalibBaseNever))
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	for _, k := range g.Keys() {
		if k.Stratum.Kind == param.KindBase {
			t.Fatalf("never policy owns base key %s", k)
		}
	}
	doc := artifact.New()
	if err := g.Contribute(doc, map[param.Key]float64{
		{Calibrator: "grp", Stratum: param.Group("age", "old"), Mode: "pt"}: -0.4,
	}); err != nil {
		t.Fatalf("Contribute: %v", err)
	}
	if v, ok := doc.GroupDelta("age", "old", "pt"); !ok || v != -0.4 {
		t.Fatalf("group delta = %f, %v", v, ok)
	}
	if len(doc.Scoring.ModeParams) != 0 {
		t.Fatalf("never policy wrote constants: %+v", doc.Scoring.ModeParams)
	}
}

func TestGroupValidation(t *testing.T) {
	targets := groupTargets()
	tests := []struct {
		name string
		opts []Option
		want error
	}{
		{"nested shape", []Option{WithGroups("age"), WithShape(artifact.ShapeNested)}, ErrValidation},
		{"no attributes", nil, ErrValidation},
		{"bad policy", []Option{WithGroups("age"), WithCalibBase("sometimes")}, ErrValidation},
		{"bad correction", []Option{WithGroups("age"), WithCorrCorrection(-1)}, ErrValidation},
		{"unknown attribute", []Option{WithGroups("region")}, ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]Option{WithFixedMode("walk")}, tt.opts...)
			if _, err := NewGroup("grp", targets, opts...); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReadTargetsDelimited(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "targets.csv")
	data := "\ufeffmode;share;dist_group\ncar;0.5;0 - 1000\nwalk;0.5;0 - 1000\ncar;0.7;1000+\nwalk;0.3;1000+\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	targets, err := ReadTargets(path)
	if err != nil {
		t.Fatalf("ReadTargets: %v", err)
	}
	if len(targets) != 4 || targets[2].DistGroup != "1000+" || targets[2].Share != 0.7 {
		t.Fatalf("unexpected targets %+v", targets)
	}

	_, err = ParseTargets(strings.NewReader("mode,weight\ncar,1\n"), "bad.csv")
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for missing share column, got %v", err)
	}
	_, err = ParseTargets(strings.NewReader("mode,share\ncar,lots\n"), "bad.csv")
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for bad share, got %v", err)
	}
}

func TestReadTargetsWorkbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.xlsx")
	f := excelize.NewFile()
	rows := [][]interface{}{
		{"mode", "share", "age"},
		{"car", 0.6, "old"},
		{"walk", 0.4, "old"},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow("Sheet1", cell, &row); err != nil {
			t.Fatalf("SetSheetRow: %v", err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}

	targets, err := ReadTargets(path)
	if err != nil {
		t.Fatalf("ReadTargets: %v", err)
	}
	if len(targets) != 2 || targets[0].Attrs["age"] != "old" || targets[0].Share != 0.6 {
		t.Fatalf("unexpected targets %+v", targets)
	}
}

func TestFromConfigTargets(t *testing.T) {
	cfg := config.Calibrator{
		Name:      "asc",
		Kind:      "base",
		FixedMode: "walk",
		Initial:   map[string]float64{"car": 0.3},
		Constraints: []config.Constraint{
			{Key: "car", Kind: "bounds", Lo: -1, Hi: 0.1},
		},
		LearningRate: config.LearningRate{Kind: "linear", Start: 0.5, End: 1, Interval: 4},
	}
	c, err := FromConfigTargets(cfg, TargetsFromMap(map[string]float64{"car": 1, "walk": 1}))
	if err != nil {
		t.Fatalf("FromConfigTargets: %v", err)
	}
	if c.Strategy() != StrategyBase {
		t.Fatalf("strategy = %s", c.Strategy())
	}
	car := param.Base("asc", "car")
	if c.ApplyConstraints(car, c.InitialValue(car)) != 0.1 {
		t.Fatalf("constraint not wired")
	}

	cfg.Kind = "group"
	cfg.GroupAttrs = []string{"age"}
	cfg.Shape = "nested"
	if _, err := FromConfigTargets(cfg, groupTargets()); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected nested group shape to fail validation, got %v", err)
	}

	cfg.Kind = "mystery"
	if _, err := FromConfigTargets(cfg, groupTargets()); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected unknown kind to fail, got %v", err)
	}
}
