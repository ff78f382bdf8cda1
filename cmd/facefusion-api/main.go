// facefusion-api is the HTTP server that runs face swap jobs.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/szytwo/facefusion/internal/api"
	"github.com/szytwo/facefusion/internal/app"
	"github.com/szytwo/facefusion/internal/config"
	"github.com/szytwo/facefusion/internal/health"
	"github.com/szytwo/facefusion/internal/observability"
	"github.com/szytwo/facefusion/internal/retention"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Wire jobs, processor, staging, callbacks and retention
	application, err := app.New(ctx, svcCfg, metrics)
	defer application.Close(context.Background())
	if err != nil {
		return err
	}

	healthChecker := application.RegisterHealth(health.NewChecker())

	// Periodic sweeps in addition to the one after every request
	var scheduler *retention.Scheduler
	if svcCfg.SweepSchedule != "" {
		scheduler = retention.NewScheduler(application.Sweeper)
		if err := scheduler.Start(svcCfg.SweepSchedule); err != nil {
			return err
		}
	}

	router := api.NewRouter(api.RouterConfig{
		JobService:    application.Service,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Recorder:      application.ErrorLog,
		APIKey:        svcCfg.APIKey,
		RateLimitRPS:  svcCfg.RateLimitRPS,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Runs last as long as inference takes, so there is no write timeout
	apiServer := &http.Server{
		Addr:              ":" + svcCfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
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

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Stop accepting requests and let running jobs finish
	slog.Info("Starting graceful shutdown")
	shutdown(5 * time.Minute)

	// Phase 3: Stop sweeps and drain callbacks
	if scheduler != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		scheduler.Stop(stopCtx)
		cancel()
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := application.Close(closeCtx); err != nil {
		slog.Warn("Shutdown error", "error", err)
	}
	if application.Notifier != nil {
		stats := application.Notifier.Stats()
		slog.Info("Callback stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	slog.Info("Shutdown complete")
	return nil
}
