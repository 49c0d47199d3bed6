// Package metrics exposes calibration progress as Prometheus metrics and as
// in-memory per-trial series.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/GoSim-25-26J-441/calibration-core/internal/trial"
)

// Trial durations are simulator runs; minutes to hours.
var defaultBuckets = []float64{30, 60, 300, 900, 1800, 3600, 7200, 14400, 28800}

// Manager owns the Prometheus metrics of one calibration study.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	registry         prometheus.Registerer
	collector        *Collector

	mu       sync.Mutex
	bestSeen bool
	best     float64

	trials         *prometheus.CounterVec
	trialDuration  prometheus.Histogram
	calibError     *prometheus.GaugeVec
	parameterValue *prometheus.GaugeVec
	dataWarnings   *prometheus.CounterVec
	bestError      prometheus.Gauge
	currentTrial   prometheus.Gauge
}

// NewManager creates a metrics manager; metrics are registered on the
// default registerer unless WithPrometheusRegistry is given.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "calibration",
		subsystem:        "study",
		histogramBuckets: defaultBuckets,
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.trials = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "trials_total",
		Help:      "Trials finished by terminal state",
	}, []string{"state"})

	m.trialDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "trial_duration_seconds",
		Help:      "Wall time of one simulator run",
		Buckets:   m.histogramBuckets,
	})

	m.calibError = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "calibration_error",
		Help:      "Share error of the last completed trial per calibrator",
	}, []string{"calibrator", "stat"})

	m.parameterValue = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "parameter_value",
		Help:      "Parameter values of the last completed trial",
	}, []string{"key"})

	m.dataWarnings = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "data_warnings_total",
		Help:      "Empty strata met while measuring outcomes",
	}, []string{"calibrator"})

	m.bestError = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "best_error",
		Help:      "Lowest worst-calibrator mean error among completed trials",
	})

	m.currentTrial = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "current_trial",
		Help:      "Number of the trial currently running",
	})
}

// TrialStarted marks trial n as running.
func (m *Manager) TrialStarted(n int) {
	m.currentTrial.Set(float64(n))
}

// TrialFailed counts a failed trial.
func (m *Manager) TrialFailed() {
	m.trials.WithLabelValues(string(trial.StateFailed)).Inc()
}

// TrialCompleted records the outcome of a completed trial.
func (m *Manager) TrialCompleted(t *trial.Trial) {
	m.trials.WithLabelValues(string(trial.StateCompleted)).Inc()
	if !t.StartedAt.IsZero() && !t.CompletedAt.IsZero() {
		m.trialDuration.Observe(t.CompletedAt.Sub(t.StartedAt).Seconds())
	}

	for name, v := range t.Attrs {
		prefix, calib, ok := strings.Cut(name, "/")
		if !ok {
			continue
		}
		switch prefix {
		case MetricMeanError:
			m.calibError.WithLabelValues(calib, "mean").Set(v)
		case MetricMaxError:
			m.calibError.WithLabelValues(calib, "max").Set(v)
		case MetricWarnings:
			m.dataWarnings.WithLabelValues(calib).Add(v)
		}
	}
	for key, v := range t.Params {
		m.parameterValue.WithLabelValues(key).Set(v)
	}

	if e, ok := TrialError(t, MetricMeanError); ok {
		m.mu.Lock()
		if !m.bestSeen || e < m.best {
			m.bestSeen, m.best = true, e
			m.bestError.Set(e)
		}
		m.mu.Unlock()
	}

	if m.collector != nil {
		RecordTrial(m.collector, t)
	}
}

// Collector returns the mirrored series collector, or nil.
func (m *Manager) Collector() *Collector {
	return m.collector
}
