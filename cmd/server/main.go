package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/time/rate"

	"github.com/copyleftdev/rbdo/internal/config"
	"github.com/copyleftdev/rbdo/internal/errors"
	"github.com/copyleftdev/rbdo/internal/logging"
	"github.com/copyleftdev/rbdo/internal/metrics"
	"github.com/copyleftdev/rbdo/internal/problems"
	"github.com/copyleftdev/rbdo/internal/prompt"
	"github.com/copyleftdev/rbdo/internal/runner"
	"github.com/copyleftdev/rbdo/internal/server"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use standard logger as fallback if config loading fails
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize base logger
	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// Create a service logger with additional fields
	serviceLogger := logger.WithFields(map[string]interface{}{
		"service": "rbdo-server",
		"env":     cfg.Environment,
	})
	zapLogger := logging.NewZapLogger(serviceLogger)
	defer func() { _ = zapLogger.Sync() }()

	// Monte-Carlo evaluation is CPU bound; match GOMAXPROCS to the container quota.
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		serviceLogger.Debug(fmt.Sprintf(format, args...))
	})); err != nil {
		serviceLogger.Warn("Failed to set GOMAXPROCS", map[string]interface{}{"error": err.Error()})
	}

	var limiter *rate.Limiter
	if cfg.LLM.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.LLM.RateLimit), cfg.LLM.RateBurst)
	}
	deps := runner.Deps{
		Problems:    problems.Default(zapLogger),
		Templates:   prompt.DirLoader{Dir: cfg.Optimization.TemplateDir},
		LLMDefaults: cfg.LLMDefaults(),
		LLMTimeout:  cfg.LLM.Timeout,
		Limiter:     limiter,
		Parallelism: cfg.Optimization.Parallelism,
		Logger:      zapLogger,
	}
	collector := metrics.New(prometheus.DefaultRegisterer)

	// Create router
	r := chi.NewRouter()

	// Add middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(serviceLogger))
	r.Use(errors.RecoveryMiddleware(serviceLogger))
	r.Use(errors.ErrorHandler(serviceLogger))

	// Add health check endpoint
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logging.FromContext(r.Context()).Debug("Health check")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Add metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	srv := server.NewServer(cfg, serviceLogger, deps, collector)
	srv.RegisterRoutes(r)

	// Cancelling baseCtx ends open NDJSON streams at their next iteration.
	baseCtx, stopStreams := context.WithCancel(context.Background())
	defer stopStreams()
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}

	// Start HTTP server
	go func() {
		serviceLogger.Info("Starting server", map[string]interface{}{
			"address":   httpServer.Addr,
			"workers":   cfg.Optimization.WorkerCount,
			"templates": cfg.Optimization.TemplateDir,
		})

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serviceLogger.Fatal("Failed to start server", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	serviceLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	stopStreams()
	if err := srv.Close(); err != nil {
		serviceLogger.Error("error closing server resources", map[string]interface{}{"error": err.Error()})
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		serviceLogger.Error("Server forced to shutdown", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	serviceLogger.Info("server exited properly")
}
