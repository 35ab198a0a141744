// runner is the agent that runs one job container per instance and exposes
// its state, logs and metrics over the runner HTTP API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"jobsupervisor/internal/config"
	"jobsupervisor/internal/health"
	"jobsupervisor/internal/runner"
	"jobsupervisor/internal/runner/docker"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:          "runner",
		Short:        "Run job containers on this instance",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.New(config.RunnerEnvPrefix, configFile, config.SetRunnerDefaults)
			if err != nil {
				return err
			}
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.LoadRunner(v)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "YAML config file")
	cmd.Flags().String("listen", ":10999", "Listen address")
	cmd.Flags().String("version", "0.19.0", "Version reported by the healthcheck")
	cmd.Flags().Bool("legacy", false, "Speak the legacy submit and pull shapes")
	cmd.Flags().String("log.level", "info", "Log level (debug|info|warn|error)")
	return cmd
}

func run(cfg *config.RunnerConfig) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	ctx := context.Background()

	engine, err := docker.New(ctx, docker.Config{
		AlwaysPull: cfg.AlwaysPull,
		ExtraHosts: cfg.ExtraHosts,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	executor := runner.NewExecutor(engine, runner.ExecutorConfig{
		StatsInterval: cfg.StatsInterval,
		StopTimeout:   cfg.StopTimeout,
	})
	healthChecker := health.NewChecker(health.Dependency{Name: "docker", Checker: executor})

	router := chi.NewRouter()
	router.Get("/livez", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, healthChecker.Liveness(r.Context()))
	})
	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, healthChecker.Readiness(r.Context()))
	})
	router.Mount("/", runner.NewServer(executor, runner.ServerConfig{
		Version: cfg.Version,
		Legacy:  cfg.Legacy,
	}).Routes())

	server := &http.Server{
		Addr:        cfg.Listen,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting runner", "listen", cfg.Listen, "version", cfg.Version, "legacy", cfg.Legacy)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		return err
	}

	healthChecker.SetShuttingDown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server shutdown error", "error", err)
	}

	// Removes the task container without reporting a terminal state.
	if err := executor.Close(shutdownCtx); err != nil {
		slog.Warn("Executor shutdown error", "error", err)
	}
	slog.Info("Shutdown complete")
	return nil
}

func writeHealth(w http.ResponseWriter, resp *health.Response) {
	status := http.StatusOK
	if !resp.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
