package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/GoSim-25-26J-441/calibration-core/internal/trial"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c == nil {
		t.Fatalf("expected non-nil collector")
	}
	if len(c.Names()) != 0 {
		t.Fatalf("expected no metrics, got %v", c.Names())
	}
}

func TestCollectorRecordKeepsTrialOrder(t *testing.T) {
	c := NewCollector()
	c.Record("mean_error", 2, 0.20, nil)
	c.Record("mean_error", 0, 0.40, nil)
	c.Record("mean_error", 1, 0.30, nil)

	points := c.Series("mean_error", nil)
	if len(points) != 3 {
		t.Fatalf("expected 3 points, got %d", len(points))
	}
	for i, p := range points {
		if p.Trial != i {
			t.Fatalf("point %d has trial %d", i, p.Trial)
		}
	}
	if points[0].Value != 0.40 || points[2].Value != 0.20 {
		t.Fatalf("unexpected values %v", c.Values("mean_error", nil))
	}
}

func TestCollectorRecordReplacesSameTrial(t *testing.T) {
	c := NewCollector()
	c.Record("mean_error", 0, 0.5, nil)
	c.Record("mean_error", 0, 0.1, nil)

	values := c.Values("mean_error", nil)
	if len(values) != 1 || values[0] != 0.1 {
		t.Fatalf("expected single replaced value, got %v", values)
	}
}

func TestCollectorLabels(t *testing.T) {
	c := NewCollector()
	c.Record("mean_error", 0, 0.1, CalibratorLabels("asc"))
	c.Record("mean_error", 0, 0.3, CalibratorLabels("demo"))

	if got := c.Values("mean_error", CalibratorLabels("asc")); len(got) != 1 || got[0] != 0.1 {
		t.Fatalf("asc series = %v", got)
	}
	if got := c.Values("mean_error", nil); len(got) != 0 {
		t.Fatalf("unlabelled series should be empty, got %v", got)
	}
	if got := c.Labels("mean_error"); len(got) != 2 {
		t.Fatalf("expected 2 label sets, got %d", len(got))
	}
}

func TestCollectorSeriesIsACopy(t *testing.T) {
	c := NewCollector()
	c.Record("m", 0, 1, map[string]string{"a": "b"})

	points := c.Series("m", map[string]string{"a": "b"})
	points[0].Value = 99
	points[0].Labels["a"] = "z"

	again := c.Series("m", map[string]string{"a": "b"})
	if again[0].Value != 1 || again[0].Labels["a"] != "b" {
		t.Fatalf("collector state was mutated through Series result")
	}
}

func TestCollectorAggregation(t *testing.T) {
	c := NewCollector()
	for i, v := range []float64{0.4, 0.1, 0.3, 0.2} {
		c.Record("mean_error", i, v, nil)
	}

	agg := c.Aggregation("mean_error", nil)
	if agg == nil {
		t.Fatalf("expected aggregation")
	}
	if agg.Count != 4 {
		t.Fatalf("count = %d", agg.Count)
	}
	if agg.Min != 0.1 || agg.Max != 0.4 {
		t.Fatalf("min/max = %f/%f", agg.Min, agg.Max)
	}
	if math.Abs(agg.Mean-0.25) > 1e-12 {
		t.Fatalf("mean = %f", agg.Mean)
	}
	if agg.Last != 0.2 {
		t.Fatalf("last = %f, want value of highest trial", agg.Last)
	}
	if math.Abs(agg.P50-0.25) > 1e-12 {
		t.Fatalf("p50 = %f", agg.P50)
	}

	if c.Aggregation("missing", nil) != nil {
		t.Fatalf("expected nil aggregation for missing metric")
	}
}

func TestCollectorSummary(t *testing.T) {
	c := NewCollector()
	c.Start()
	c.Record("mean_error", 0, 0.2, CalibratorLabels("asc"))
	c.Record("run_seconds", 0, 12, nil)
	c.Stop()

	s := c.Summary()
	if _, ok := s.Metrics["mean_error{calibrator=asc}"]; !ok {
		t.Fatalf("missing labelled series in %v", s.Metrics)
	}
	if _, ok := s.Metrics["run_seconds"]; !ok {
		t.Fatalf("missing unlabelled series in %v", s.Metrics)
	}
	if s.Duration < 0 {
		t.Fatalf("negative duration")
	}
}

func TestRecordTrial(t *testing.T) {
	c := NewCollector()
	start := time.Now()
	tr := &trial.Trial{
		Number: 3,
		Params: map[string]float64{"calib:asc:car": -0.4},
		Attrs: map[string]float64{
			"mean_error/asc": 0.05,
			"max_error/asc":  0.08,
			"warnings/asc":   1,
			"share/x":        0.5,
		},
		StartedAt:   start,
		CompletedAt: start.Add(90 * time.Second),
	}
	RecordTrial(c, tr)

	if got := c.Values(MetricMeanError, CalibratorLabels("asc")); len(got) != 1 || got[0] != 0.05 {
		t.Fatalf("mean_error = %v", got)
	}
	if got := c.Values(MetricParameter, ParameterLabels("calib:asc:car")); len(got) != 1 || got[0] != -0.4 {
		t.Fatalf("parameter = %v", got)
	}
	if got := c.Values(MetricRunTime, nil); len(got) != 1 || got[0] != 90 {
		t.Fatalf("run_seconds = %v", got)
	}
	for _, name := range c.Names() {
		if name == "share" {
			t.Fatalf("share attributes should not be recorded")
		}
	}
}

func TestTrialError(t *testing.T) {
	tr := &trial.Trial{Attrs: map[string]float64{
		"mean_error/asc":  0.05,
		"mean_error/demo": 0.12,
		"max_error/asc":   0.3,
	}}
	e, ok := TrialError(tr, MetricMeanError)
	if !ok || e != 0.12 {
		t.Fatalf("TrialError = %f, %v", e, ok)
	}
	if _, ok := TrialError(&trial.Trial{}, MetricMeanError); ok {
		t.Fatalf("expected no error for empty trial")
	}
}
