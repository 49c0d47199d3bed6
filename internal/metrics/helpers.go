package metrics

import (
	"strings"

	"github.com/GoSim-25-26J-441/calibration-core/internal/trial"
)

// Series names recorded per completed trial
const (
	MetricMeanError = "mean_error"
	MetricMaxError  = "max_error"
	MetricWarnings  = "warnings"
	MetricParameter = "parameter"
	MetricRunTime   = "run_seconds"
)

// CalibratorLabels creates a labels map for a calibrator
func CalibratorLabels(name string) map[string]string {
	return map[string]string{"calibrator": name}
}

// ParameterLabels creates a labels map for a parameter key
func ParameterLabels(key string) map[string]string {
	return map[string]string{"key": key}
}

// RecordTrial records the summary attributes and parameter values of a
// completed trial.
func RecordTrial(c *Collector, t *trial.Trial) {
	for name, v := range t.Attrs {
		prefix, calib, ok := strings.Cut(name, "/")
		if !ok {
			continue
		}
		switch prefix {
		case MetricMeanError, MetricMaxError, MetricWarnings:
			c.Record(prefix, t.Number, v, CalibratorLabels(calib))
		}
	}
	for key, v := range t.Params {
		c.Record(MetricParameter, t.Number, v, ParameterLabels(key))
	}
	if !t.StartedAt.IsZero() && !t.CompletedAt.IsZero() {
		c.Record(MetricRunTime, t.Number, t.CompletedAt.Sub(t.StartedAt).Seconds(), nil)
	}
}

// TrialError is the worst per-calibrator error recorded on t, and false if
// t carries no error summary.
func TrialError(t *trial.Trial, kind string) (float64, bool) {
	worst, found := 0.0, false
	for name, v := range t.Attrs {
		if strings.HasPrefix(name, kind+"/") {
			if !found || v > worst {
				worst = v
			}
			found = true
		}
	}
	return worst, found
}
