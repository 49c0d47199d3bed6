// Package study drives the closed calibration loop: sample parameters,
// run the simulator, measure outcomes and record the trial.
package study

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoSim-25-26J-441/calibration-core/internal/artifact"
	"github.com/GoSim-25-26J-441/calibration-core/internal/metrics"
	"github.com/GoSim-25-26J-441/calibration-core/internal/outcome"
	"github.com/GoSim-25-26J-441/calibration-core/internal/runner"
	"github.com/GoSim-25-26J-441/calibration-core/internal/sampler"
	"github.com/GoSim-25-26J-441/calibration-core/internal/trial"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/logger"
)

// BestParamsFile is written into the work dir when the study ends
const BestParamsFile = "best_params.yaml"

// Study attributes kept alongside the trials
const (
	StudyAttrBestTrial  = "best_trial"
	StudyAttrStopReason = "stop_reason"
)

// Executor prepares and runs the simulator for one trial
type Executor interface {
	Prepare(ctx context.Context, state runner.ChainState, n int, doc *artifact.Document) (*runner.Invocation, error)
	Execute(ctx context.Context, inv *runner.Invocation) error
}

// Measurer turns a finished run's output into trial attributes
type Measurer interface {
	Aggregate(ctx context.Context, outputDir string) (map[string]float64, error)
}

// Options configure a Study
type Options struct {
	Name string
	// Trials is the total number of trials the study should hold
	Trials int
	// WorkDir receives the best parameter artifact; empty skips writing it
	WorkDir  string
	Criteria Criterion
	Metrics  *metrics.Manager
	Tracer   trace.Tracer
}

// Result summarises a finished Run
type Result struct {
	Ran        int
	Completed  int
	Failed     int
	Best       *trial.Trial
	BestError  float64
	StopReason string
}

// Study runs trials strictly one after the other
type Study struct {
	opts    Options
	store   trial.Store
	sampler *sampler.Sampler
	exec    Executor
	measure Measurer

	mu        sync.RWMutex
	best      *trial.Trial
	bestError float64
}

// New wires a study
func New(store trial.Store, s *sampler.Sampler, exec Executor, measure Measurer, opts Options) (*Study, error) {
	if store == nil || s == nil || exec == nil || measure == nil {
		return nil, errors.New("study requires a store, sampler, executor and measurer")
	}
	if opts.Trials <= 0 {
		return nil, fmt.Errorf("trials must be positive, got %d", opts.Trials)
	}
	if opts.Name == "" {
		opts.Name = "calib"
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/GoSim-25-26J-441/calibration-core/internal/study")
	}
	return &Study{opts: opts, store: store, sampler: s, exec: exec, measure: measure}, nil
}

// Name returns the study name
func (s *Study) Name() string { return s.opts.Name }

// Store returns the trial store the study writes to
func (s *Study) Store() trial.Store { return s.store }

// Best returns the completed trial with the lowest mean error seen so far
func (s *Study) Best() (*trial.Trial, float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.best == nil {
		return nil, 0, false
	}
	return s.best.Clone(), s.bestError, true
}

func (s *Study) observe(t *trial.Trial) {
	e, ok := metrics.TrialError(t, metrics.MetricMeanError)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.best == nil || e < s.bestError {
		s.best, s.bestError = t.Clone(), e
	}
}

// recover fails trials left pending or running by an interrupted process
// and replays completed trials into the best-trial tracker.
func (s *Study) recover(ctx context.Context) (int, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list trials: %w", err)
	}
	for _, t := range all {
		switch {
		case t.State == trial.StateCompleted:
			s.observe(t)
		case !t.State.Terminal():
			logger.Warn("failing interrupted trial", "study", s.opts.Name, "trial", t.Number, "state", t.State)
			if err := s.store.Fail(ctx, t.Number, "interrupted before completion"); err != nil {
				return 0, fmt.Errorf("failed to close interrupted trial %d: %w", t.Number, err)
			}
		}
	}
	return len(all), nil
}

// Run executes trials until the study holds opts.Trials trials, a stop
// criterion fires or ctx is cancelled. A failed trial does not stop the
// study; configuration problems and store failures do.
func (s *Study) Run(ctx context.Context) (*Result, error) {
	existing, err := s.recover(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	remaining := s.opts.Trials - existing
	if existing > 0 {
		logger.Info("resuming study", "study", s.opts.Name, "existing", existing, "remaining", max(remaining, 0))
	}

	for i := 0; i < remaining; i++ {
		if err := ctx.Err(); err != nil {
			return s.finish(ctx, res, err)
		}

		completed, err := s.runTrial(ctx)
		res.Ran++
		if err != nil {
			res.Failed++
			return s.finish(ctx, res, err)
		}
		if !completed {
			res.Failed++
			continue
		}
		res.Completed++

		if s.opts.Criteria == nil {
			continue
		}
		history, err := s.store.Completed(ctx)
		if err != nil {
			return s.finish(ctx, res, fmt.Errorf("failed to read trial history: %w", err))
		}
		if stop, reason := s.opts.Criteria.Check(Steps(history)); stop {
			logger.Info("stopping study early", "study", s.opts.Name, "reason", reason)
			res.StopReason = reason
			if err := s.store.SetStudyAttr(ctx, StudyAttrStopReason, reason); err != nil {
				logger.Warn("failed to record stop reason", "error", err)
			}
			break
		}
	}
	return s.finish(ctx, res, nil)
}

// finish reports the best trial and writes its parameter artifact
func (s *Study) finish(ctx context.Context, res *Result, runErr error) (*Result, error) {
	ctx = context.WithoutCancel(ctx)

	best, bestErr, ok := s.Best()
	if ok {
		res.Best, res.BestError = best, bestErr
		logger.Info("best trial", "study", s.opts.Name, "trial", best.Number, "mean_error", bestErr)
		if err := s.store.SetStudyAttr(ctx, StudyAttrBestTrial, fmt.Sprint(best.Number)); err != nil {
			logger.Warn("failed to record best trial", "error", err)
		}
		if s.opts.WorkDir != "" {
			if err := s.writeBest(best); err != nil {
				return res, errors.Join(runErr, err)
			}
		}
	}
	return res, runErr
}

func (s *Study) writeBest(best *trial.Trial) error {
	values, err := sampler.ParseValues(best.Params)
	if err != nil {
		return fmt.Errorf("failed to parse best trial params: %w", err)
	}
	doc, err := s.sampler.Document(values)
	if err != nil {
		return fmt.Errorf("failed to render best trial params: %w", err)
	}
	path := filepath.Join(s.opts.WorkDir, BestParamsFile)
	if err := doc.WriteFile(path); err != nil {
		return fmt.Errorf("failed to write best params: %w", err)
	}
	logger.Info("wrote best parameters", "path", path)
	return nil
}

// runTrial runs one trial. It returns false without error when the trial
// failed but the study may go on.
func (s *Study) runTrial(ctx context.Context) (bool, error) {
	t, err := s.store.Create(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to create trial: %w", err)
	}
	n := t.Number
	log := logger.ForTrial(s.opts.Name, n)

	ctx, span := s.opts.Tracer.Start(ctx, "trial", trace.WithAttributes(
		attribute.String("study", s.opts.Name),
		attribute.Int("trial", n),
	))
	defer span.End()

	fail := func(reason error, fatal bool) (bool, error) {
		span.RecordError(reason)
		span.SetStatus(codes.Error, reason.Error())
		if err := s.store.Fail(context.WithoutCancel(ctx), n, reason.Error()); err != nil {
			return false, errors.Join(reason, fmt.Errorf("failed to mark trial %d failed: %w", n, err))
		}
		if s.opts.Metrics != nil {
			s.opts.Metrics.TrialFailed()
		}
		log.Error("trial failed", "error", reason)
		if fatal {
			return false, reason
		}
		return false, nil
	}

	var values sampler.Values
	if err := s.phase(ctx, "sample", func(ctx context.Context) error {
		values, err = s.sampler.Sample(ctx, s.store, n)
		if err != nil {
			return err
		}
		return s.store.SetParams(ctx, n, values.Strings())
	}); err != nil {
		return fail(fmt.Errorf("failed to sample parameters: %w", err), true)
	}

	doc, err := s.sampler.Document(values)
	if err != nil {
		return fail(fmt.Errorf("failed to build parameter artifact: %w", err), true)
	}

	inv, err := s.exec.Prepare(ctx, s.store, n, doc)
	if err != nil {
		return fail(fmt.Errorf("failed to prepare run: %w", err), true)
	}
	if err := s.store.Start(ctx, n, inv.Labels()); err != nil {
		return false, fmt.Errorf("failed to start trial %d: %w", n, err)
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.TrialStarted(n)
	}

	if err := s.phase(ctx, "simulate", func(ctx context.Context) error {
		return s.exec.Execute(ctx, inv)
	}); err != nil {
		return fail(err, ctx.Err() != nil)
	}

	var attrs map[string]float64
	if err := s.phase(ctx, "measure", func(ctx context.Context) error {
		attrs, err = s.measure.Aggregate(ctx, inv.OutputDir)
		return err
	}); err != nil {
		return fail(err, errors.Is(err, outcome.ErrMissingColumn) || ctx.Err() != nil)
	}

	if err := s.store.Complete(ctx, n, attrs); err != nil {
		return false, fmt.Errorf("failed to complete trial %d: %w", n, err)
	}
	done, err := s.store.Get(ctx, n)
	if err != nil {
		return false, fmt.Errorf("failed to reload trial %d: %w", n, err)
	}
	s.observe(done)
	if s.opts.Metrics != nil {
		s.opts.Metrics.TrialCompleted(done)
	}

	meanErr, _ := metrics.TrialError(done, metrics.MetricMeanError)
	maxErr, _ := metrics.TrialError(done, metrics.MetricMaxError)
	span.SetAttributes(attribute.Float64("mean_error", meanErr), attribute.Float64("max_error", maxErr))
	log.Info("trial completed", "mean_error", meanErr, "max_error", maxErr,
		"elapsed", done.CompletedAt.Sub(done.StartedAt).Round(time.Millisecond))
	return true, nil
}

// phase runs fn inside a child span
func (s *Study) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := s.opts.Tracer.Start(ctx, name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	logger.Debug("trial phase finished", "study", s.opts.Name, "phase", name, "elapsed", time.Since(start).Round(time.Millisecond))
	return err
}
