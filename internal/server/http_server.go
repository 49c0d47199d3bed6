package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoSim-25-26J-441/calibration-core/internal/metrics"
	"github.com/GoSim-25-26J-441/calibration-core/internal/trial"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
)

// Status is the read-only view of a running study
type Status interface {
	Name() string
	Store() trial.Store
	Best() (*trial.Trial, float64, bool)
}

// HTTPServer serves the study status, trial history and metrics
type HTTPServer struct {
	router    chi.Router
	status    Status
	collector *metrics.Collector
	gatherer  prometheus.Gatherer
}

// HTTPOption configures an HTTPServer
type HTTPOption func(*HTTPServer)

// WithCollector exposes per-trial series under /api/series
func WithCollector(c *metrics.Collector) HTTPOption {
	return func(s *HTTPServer) { s.collector = c }
}

// WithGatherer serves /metrics from g instead of the default registry
func WithGatherer(g prometheus.Gatherer) HTTPOption {
	return func(s *HTTPServer) {
		if g != nil {
			s.gatherer = g
		}
	}
}

func NewHTTPServer(status Status, opts ...HTTPOption) *HTTPServer {
	s := &HTTPServer{status: status, gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Get("/study", s.handleStudy)
		r.Get("/best", s.handleBest)
		r.Get("/trials", s.handleListTrials)
		r.Get("/trials/{number}", s.handleGetTrial)
		r.Get("/trials/{number}/artifact", s.handleTrialArtifact)
		r.Get("/series/{name}", s.handleSeries)
	})

	s.router = r
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// errorResponse is the JSON body of every failed request
type errorResponse struct {
	Error string `json:"error"`
}

func (s *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: msg})
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"status":    "ok",
		"study":     s.status.Name(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *HTTPServer) handleStudy(w http.ResponseWriter, r *http.Request) {
	all, err := s.status.Store().List(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	best, bestErr, _ := s.status.Best()
	render.JSON(w, r, summarize(s.status.Name(), all, best, bestErr))
}

func (s *HTTPServer) handleBest(w http.ResponseWriter, r *http.Request) {
	best, bestErr, ok := s.status.Best()
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "no completed trial yet")
		return
	}
	render.JSON(w, r, map[string]any{
		"trial":      toModel(best),
		"mean_error": bestErr,
	})
}

// handleListTrials lists trials, optionally filtered by ?state=
func (s *HTTPServer) handleListTrials(w http.ResponseWriter, r *http.Request) {
	all, err := s.status.Store().List(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	state := r.URL.Query().Get("state")
	out := make([]*models.Trial, 0, len(all))
	for _, t := range all {
		if state != "" && string(t.State) != state {
			continue
		}
		out = append(out, toModel(t))
	}
	render.JSON(w, r, map[string]any{"trials": out, "count": len(out)})
}

func (s *HTTPServer) lookup(w http.ResponseWriter, r *http.Request) (*trial.Trial, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || n < 0 {
		s.writeError(w, r, http.StatusBadRequest, "trial number must be a non-negative integer")
		return nil, false
	}
	t, err := s.status.Store().Get(r.Context(), n)
	if err != nil {
		if errors.Is(err, trial.ErrTrialNotFound) {
			s.writeError(w, r, http.StatusNotFound, "trial not found")
		} else {
			s.writeError(w, r, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return t, true
}

func (s *HTTPServer) handleGetTrial(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	render.JSON(w, r, toModel(t))
}

// handleTrialArtifact returns the parameter artifact a trial ran with
func (s *HTTPServer) handleTrialArtifact(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	path := t.Labels[trial.LabelArtifact]
	if path == "" {
		s.writeError(w, r, http.StatusNotFound, "trial has no artifact")
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, "artifact not readable: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleSeries returns one metric series with its aggregation; query
// parameters select the label set.
func (s *HTTPServer) handleSeries(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		s.writeError(w, r, http.StatusPreconditionFailed, "series not collected")
		return
	}
	name := chi.URLParam(r, "name")

	var labels map[string]string
	if q := r.URL.Query(); len(q) > 0 {
		labels = make(map[string]string, len(q))
		for k := range q {
			labels[k] = q.Get(k)
		}
	}

	points := s.collector.Series(name, labels)
	if len(points) == 0 {
		s.writeError(w, r, http.StatusNotFound, "series not found")
		return
	}
	render.JSON(w, r, map[string]any{
		"name":        name,
		"labels":      labels,
		"points":      points,
		"aggregation": s.collector.Aggregation(name, labels),
	})
}

// Serve runs an http.Server for h on addr until ctx is done
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
