package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dlgate/internal/admission"
	"dlgate/internal/api"
	"dlgate/internal/backend"
	"dlgate/internal/cleanup"
	"dlgate/internal/config"
	"dlgate/internal/identity"
	"dlgate/internal/logger"
	"dlgate/internal/models"
	"dlgate/internal/observability"
	"dlgate/internal/stats"
	"dlgate/internal/tasks"
	"dlgate/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to configuration file")
	exampleFile = flag.String("example", "", "Write an example configuration file and exit")
	showVersion = flag.Bool("version", false, "Print version and exit")
	sweepOnce   = flag.Bool("cleanup", false, "Remove expired rows once and exit")
)

func main() {
	flag.Parse()

	ver := version.GetInfo()
	if *showVersion {
		fmt.Println(ver.String())
		return
	}
	if *exampleFile != "" {
		if err := config.SaveExample(*exampleFile); err != nil {
			slog.Error("Failed to write example configuration", "error", err)
			os.Exit(1)
		}
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logging
	log, closer, err := logger.Setup(cfg.Logging, ver)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	if err := run(cfg, ver); err != nil {
		slog.Error("dlgate stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *models.Config, ver version.Info) error {
	ctx := context.Background()

	// Initialize observability (OpenTelemetry)
	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, ver)
	if err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	// Initialize backend
	store, err := initializeBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	exec := tasks.NewExecutor(cfg.Tasks)
	scheduler := cleanup.NewScheduler(store, exec, cfg.Cleanup, cfg.Cache.TTL)

	if *sweepOnce {
		report := scheduler.Run(ctx, time.Now().Unix())
		for table, n := range report.Deleted {
			slog.Info("Cleanup finished", "table", string(table), "rows", n)
		}
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = exec.Close(closeCtx)
		return report.Err
	}

	sink, err := stats.New(ctx, cfg.Stats)
	if err != nil {
		return fmt.Errorf("failed to initialize stats: %w", err)
	}
	defer sink.Close()

	ids, err := identity.NewNormalizer(cfg.Security.Secret, cfg.Security.IPv4Prefix, cfg.Security.IPv6Prefix)
	if err != nil {
		return fmt.Errorf("failed to initialize identity: %w", err)
	}

	serviceOpts := []admission.Option{
		admission.WithStats(sink),
		admission.WithCleanup(scheduler),
	}
	if cfg.Metrics.Enabled {
		decisions, err := observability.NewDecisionMetrics()
		if err != nil {
			return fmt.Errorf("failed to create decision metrics: %w", err)
		}
		if err := observability.RegisterTaskMetrics(exec.Stats); err != nil {
			return fmt.Errorf("failed to register task metrics: %w", err)
		}
		serviceOpts = append(serviceOpts, admission.WithDecisionRecorder(decisions))
	}

	service, err := admission.NewService(cfg, store, ids, exec, serviceOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize admission service: %w", err)
	}

	handlers := api.NewHandlers(service,
		api.WithTrustedHeaders(cfg.Security.TrustedHeaders),
		api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	)

	// Setup routes with middleware
	var routeOpts []api.RouteOption
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}
	router := api.SetupRoutes(handlers, cfg, routeOpts...)

	// Start metrics server if enabled
	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider)
		go func() {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting server",
			"addr", server.Addr,
			"backend", store.Name(),
			"fail_policy", cfg.Admission.FailPolicy)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	slog.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Metrics server forced to shutdown", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Drain queued cache writes and stats before the backend closes.
	if err := exec.Close(shutdownCtx); err != nil {
		slog.Error("Background tasks abandoned", "error", err)
	}

	slog.Info("Server shutdown complete")
	return nil
}

// initializeBackend creates the configured adapter, checks or creates its
// schema, and wraps it with instrumentation when metrics are enabled.
func initializeBackend(ctx context.Context, cfg *models.Config) (backend.Backend, error) {
	store, err := backend.NewFactory().Create(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize backend: %w", err)
	}

	prepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := backend.Prepare(prepCtx, store, cfg.Backend.EnsureSchema); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to prepare backend schema: %w", err)
	}

	if !cfg.Metrics.Enabled && !cfg.Observability.Tracing.Enabled {
		return store, nil
	}
	instrumented, err := observability.NewInstrumentedBackend(store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create instrumented backend: %w", err)
	}
	return instrumented, nil
}
