package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/GoSim-25-26J-441/calibration-core/internal/calibration"
	"github.com/GoSim-25-26J-441/calibration-core/internal/metrics"
	"github.com/GoSim-25-26J-441/calibration-core/internal/outcome"
	"github.com/GoSim-25-26J-441/calibration-core/internal/runner"
	"github.com/GoSim-25-26J-441/calibration-core/internal/sampler"
	"github.com/GoSim-25-26J-441/calibration-core/internal/server"
	"github.com/GoSim-25-26J-441/calibration-core/internal/study"
	"github.com/GoSim-25-26J-441/calibration-core/internal/telemetry"
	"github.com/GoSim-25-26J-441/calibration-core/internal/trial"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/config"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/logger"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/utils"
)

// StudyAttrSession records the id of the process that last ran the study
const StudyAttrSession = "session"

func main() {
	var configPath string
	var logLevel string
	var trials int

	flag.StringVar(&configPath, "config", "config/config.yaml", "calibration config file")
	flag.StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	flag.IntVar(&trials, "trials", 0, "override the number of trials")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if trials > 0 {
		cfg.Study.Trials = trials
	}
	logger.SetDefault(logger.NewFormat(cfg.LogFormat, cfg.LogLevel, os.Stdout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("calibration failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func openStore(c config.Study) (trial.Store, error) {
	switch c.Store {
	case "sqlite":
		return trial.NewSQLiteStore(c.DBPath, c.Name)
	case "", "memory":
		return trial.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: unknown store %q", config.ErrInvalidConfig, c.Store)
	}
}

// columns maps the outcome section onto table columns, carrying every
// person attribute a calibrator stratifies by.
func columns(o config.Outcome, cals []calibration.Calibrator) outcome.Columns {
	cols := outcome.Columns{
		TripID:       o.TripID,
		PersonID:     o.PersonID,
		Mode:         o.ModeField,
		FallbackMode: o.FallbackModeField,
		Distance:     o.DistanceField,
	}
	for _, c := range cals {
		for _, attr := range c.GroupAttrs() {
			if !slices.Contains(cols.Groups, attr) {
				cols.Groups = append(cols.Groups, attr)
			}
		}
	}
	return cols
}

func buildCalibrators(cfg *config.Config) ([]calibration.Calibrator, error) {
	cals := make([]calibration.Calibrator, 0, len(cfg.Calibrators))
	for _, c := range cfg.Calibrators {
		cal, err := calibration.FromConfig(c)
		if err != nil {
			return nil, fmt.Errorf("calibrator %s: %w", c.Name, err)
		}
		logger.Info("calibrator ready", "name", cal.Name(), "strategy", cal.Strategy(), "keys", len(cal.Keys()))
		cals = append(cals, cal)
	}
	return cals, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	session := utils.GenerateStudyID()
	logger.Info("starting calibration", "study", cfg.Study.Name, "session", session, "trials", cfg.Study.Trials)

	store, err := openStore(cfg.Study)
	if err != nil {
		return fmt.Errorf("failed to open trial store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close trial store", "error", err)
		}
	}()
	if err := store.SetStudyAttr(ctx, StudyAttrSession, session); err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}

	cals, err := buildCalibrators(cfg)
	if err != nil {
		return err
	}
	smp, err := sampler.New(cals...)
	if err != nil {
		return err
	}

	runOpts, err := runner.OptionsFromConfig(cfg.Run)
	if err != nil {
		return err
	}
	exec, err := runner.New(cfg.Study.Name, runOpts)
	if err != nil {
		return err
	}

	recorders := make([]outcome.Recorder, len(cals))
	for i, c := range cals {
		recorders[i] = c
	}
	agg := outcome.NewAggregator(columns(cfg.Outcome, cals), cfg.Outcome.Trips, cfg.Outcome.Persons, recorders...)

	tel, err := telemetry.Setup(cfg.Telemetry.Tracing, cfg.Study.Name, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector()
	manager := metrics.NewManager(metrics.WithPrometheusRegistry(registry), metrics.WithCollector(collector))

	st, err := study.New(store, smp, exec, agg, study.Options{
		Name:     cfg.Study.Name,
		Trials:   cfg.Study.Trials,
		WorkDir:  cfg.Run.WorkDir,
		Criteria: study.CriteriaFromConfig(cfg.Study),
		Metrics:  manager,
		Tracer:   tel.Tracer,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServing := context.WithCancel(gctx)
	defer stopServing()

	grpcSrv := server.NewGRPCServer()
	if addr := cfg.Server.HTTPAddr; addr != "" {
		handler := server.NewHTTPServer(st, server.WithCollector(collector), server.WithGatherer(registry)).Handler()
		g.Go(func() error {
			logger.Info("HTTP server listening", "addr", addr)
			return server.Serve(serveCtx, addr, handler)
		})
	}
	if addr := cfg.Server.GRPCAddr; addr != "" {
		g.Go(func() error { return grpcSrv.Serve(serveCtx, addr) })
	}

	g.Go(func() error {
		defer stopServing()
		grpcSrv.SetRunning(true)
		defer grpcSrv.SetRunning(false)

		collector.Start()
		defer collector.Stop()

		res, err := st.Run(gctx)
		if res != nil {
			attrs := []any{"ran", res.Ran, "completed", res.Completed, "failed", res.Failed}
			if res.Best != nil {
				attrs = append(attrs, "best_trial", res.Best.Number, "best_error", res.BestError)
			}
			if res.StopReason != "" {
				attrs = append(attrs, "stop_reason", res.StopReason)
			}
			logger.Info("calibration finished", attrs...)
		}
		return err
	})

	return g.Wait()
}
