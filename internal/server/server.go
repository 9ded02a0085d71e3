package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/copyleftdev/rbdo/internal/config"
	"github.com/copyleftdev/rbdo/internal/errors"
	"github.com/copyleftdev/rbdo/internal/logging"
	"github.com/copyleftdev/rbdo/internal/metrics"
	"github.com/copyleftdev/rbdo/internal/problems"
	"github.com/copyleftdev/rbdo/internal/rbdo"
	"github.com/copyleftdev/rbdo/internal/runner"
)

// Logger defines the logging interface used by the server
// This allows us to be flexible with our logging implementation
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// Server implements the HTTP and JSON-RPC surface of the optimization
// service: streamed runs, background jobs and the scenario catalogue.
type Server struct {
	cfg     *config.Config
	logger  Logger
	deps    runner.Deps
	metrics *metrics.Collector
	jobs    *jobManager
}

// NewServer creates a server. deps are shared by every run it assembles;
// m may be nil.
func NewServer(cfg *config.Config, logger Logger, deps runner.Deps, m *metrics.Collector) *Server {
	if deps.Problems == nil {
		deps.Problems = problems.Default(deps.Logger)
	}
	observers := []rbdo.Observer{fallbackLogger{logger: logger}}
	if m != nil {
		observers = append(observers, m.Observer())
	}
	if deps.Observer != nil {
		observers = append(observers, deps.Observer)
	}
	deps.Observer = metrics.Multi(observers...)
	if deps.Parallelism == 0 {
		deps.Parallelism = cfg.Optimization.Parallelism
	}

	limits := jobLimits{
		Workers:     cfg.Optimization.WorkerCount,
		TTL:         cfg.Optimization.JobTTL,
		MaxFinished: cfg.Optimization.MaxFinishedJobs,
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		deps:    deps,
		metrics: m,
		jobs:    newJobManager(limits, m, logger),
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// Routes of the web frontend
	r.Get("/get_problems", s.handleProblems)
	r.Post("/run_optimization", s.handleRunOptimization)

	r.Group(func(r chi.Router) {
		if s.cfg.HTTP.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.cfg.HTTP.RequestTimeout))
		}

		// API v1 routes
		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/optimize", s.handleOptimize)
			r.Get("/status/{id}", s.handleStatus)
			r.Delete("/optimization/{id}", s.handleCancel)
		})

		// JSON-RPC 2.0 endpoint
		r.Post("/rpc", s.handleJSONRPC)
	})
}

// handleProblems lists the registered scenarios.
func (s *Server) handleProblems(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Problems.List())
}

// handleRunOptimization assembles a run from the body and streams its
// events as NDJSON until the run ends or the client goes away.
func (s *Server) handleRunOptimization(w http.ResponseWriter, r *http.Request) {
	req, err := runner.DecodeJSON(r.Body)
	if err != nil {
		errors.Respond(w, err)
		return
	}
	run, err := runner.Build(req, s.deps)
	if err != nil {
		errors.Respond(w, err)
		return
	}

	ctx := r.Context()
	if s.cfg.Optimization.MaxStream > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Optimization.MaxStream)
		defer cancel()
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	start := time.Now()
	n, err := runner.WriteNDJSON(w, run.Orchestrator.Run(ctx))
	fields := map[string]interface{}{
		"scenario": run.Scenario,
		"events":   n,
		"reason":   string(run.Orchestrator.State().Reason),
		"duration": time.Since(start).String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		s.logger.Warn("Stream aborted", fields)
		return
	}
	s.logger.Info("Stream finished", fields)
}

// handleOptimize handles the HTTP POST /optimize endpoint for starting a
// background optimization
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	req, err := runner.DecodeJSON(r.Body)
	if err != nil {
		errors.Respond(w, err)
		return
	}
	status, err := s.startOptimization(req)
	if err != nil {
		errors.Respond(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

// handleStatus handles the HTTP GET /status/:id endpoint for checking optimization status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.jobs.status(chi.URLParam(r, "id"))
	if err != nil {
		errors.Respond(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleCancel handles the HTTP DELETE /optimization/:id endpoint for canceling an optimization
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.cancel(chi.URLParam(r, "id")); err != nil {
		errors.Respond(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "cancellation requested",
	})
}

func (s *Server) startOptimization(req runner.RunRequest) (JobStatus, error) {
	run, err := runner.Build(req, s.deps)
	if err != nil {
		return JobStatus{}, err
	}
	return s.jobs.start(run, s.cfg.Optimization.MaxStream), nil
}

// Close cancels every background job and waits for them to stop.
func (s *Server) Close() error {
	s.jobs.close()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fallbackLogger reports unusable LLM answers.
type fallbackLogger struct {
	rbdo.NopObserver
	logger Logger
}

func (f fallbackLogger) Fallback(source string, err error) {
	f.logger.Warn("LLM answer rejected", map[string]interface{}{
		"source": source,
		"error":  err.Error(),
	})
}
