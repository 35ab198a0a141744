package main

import (
	"context"
	"errors"
	"jobsupervisor/internal/api"
	"jobsupervisor/internal/config"
	"jobsupervisor/internal/dispatcher"
	"jobsupervisor/internal/health"
	"jobsupervisor/internal/job"
	"jobsupervisor/internal/liveness"
	"jobsupervisor/internal/observability"
	"jobsupervisor/internal/store"
	"jobsupervisor/internal/supervisor"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadService(opts.v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("server.port", "8080", "API port")
	cmd.Flags().String("server.metrics_port", "9090", "Metrics port")
	cmd.Flags().String("store.driver", "sqlite", "Job store driver (memory|sqlite|redis)")
	cmd.Flags().String("store.path", "jobsupervisor.db", "SQLite database file")
	cmd.Flags().String("log.level", "info", "Log level (debug|info|warn|error)")
	return cmd
}

func serve(ctx context.Context, cfg *config.ServiceConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	jobStore, err := store.Open(ctx, store.Config{
		Driver:    cfg.Store.Driver,
		Path:      cfg.Store.Path,
		RedisAddr: cfg.Store.RedisAddr,
		RedisDB:   cfg.Store.RedisDB,
	})
	if err != nil {
		return err
	}
	defer jobStore.Close()
	slog.Info("Opened job store", "driver", cfg.Store.Driver)

	// Create callback dispatcher
	eventDispatcher := dispatcher.NewMemory(dispatcher.MemoryConfig{
		BufferSize:  cfg.Dispatcher.BufferSize,
		Workers:     cfg.Dispatcher.Workers,
		HTTPTimeout: cfg.Dispatcher.HTTPTimeout,
		MaxRetries:  cfg.Dispatcher.MaxRetries,
	}, metrics)

	// Create coordinator (resumes supervision of every active job)
	coordinator, err := supervisor.New(ctx, supervisor.Config{
		Store:        jobStore,
		Dispatcher:   eventDispatcher,
		Metrics:      metrics,
		PollInterval: cfg.Poll.Interval,
		PollTimeout:  cfg.Poll.Timeout,
		PollRate:     cfg.Poll.Rate,
		PollBurst:    cfg.Poll.Burst,
		Liveness: liveness.Policy{
			QuietCeiling:       cfg.Liveness.QuietCeiling,
			MaxFailures:        cfg.Liveness.MaxFailures,
			UnreachableTimeout: cfg.Liveness.UnreachableTimeout,
		},
		MinCurrentVersion: cfg.MinCurrentVersion,
	})
	if err != nil {
		return err
	}
	defer coordinator.Close()

	healthChecker := health.NewChecker(health.Dependency{Name: "store", Checker: coordinator})
	jobService := job.NewService(coordinator, metrics)

	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        cfg.APIKey,
	})

	if cfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no api.key_file configured")
	}

	apiServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	// Phase 2: Stop accepting requests, finish in-flight ones
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop polling. Runner tasks keep going; supervision resumes
	// from the store on the next start.
	if err := coordinator.Close(); err != nil {
		slog.Warn("Coordinator shutdown error", "error", err)
	}

	// Phase 4: Drain callback dispatcher
	slog.Info("Draining callback dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)
	slog.Info("Shutdown complete")
	return nil
}
