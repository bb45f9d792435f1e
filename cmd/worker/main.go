package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/abdul-hamid-achik/skillclips/internal/app"
	"github.com/abdul-hamid-achik/skillclips/internal/config"
	"github.com/abdul-hamid-achik/skillclips/internal/health"
	"github.com/abdul-hamid-achik/skillclips/internal/logger"
	"github.com/abdul-hamid-achik/skillclips/internal/metrics"
	"github.com/abdul-hamid-achik/skillclips/internal/pipeline"
	"github.com/abdul-hamid-achik/skillclips/internal/tracing"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger.Init(cfg.LogLevel)
	log := logger.Default()
	log.Info("configuration loaded", "queue_backend", cfg.QueueBackend, "concurrency", cfg.WorkerConcurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithLogger(ctx, log)

	shutdownTracing, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    "skillclips-worker",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.TracingEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	deps, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.Close()

	transcoder, err := deps.Transcoder()
	if err != nil {
		return fmt.Errorf("transcoder unavailable: %w", err)
	}

	metrics.SetAppInfo(version, cfg.Environment, "worker")
	metrics.AppUp.Set(1)

	processor := pipeline.NewProcessor(deps.Store, deps.Blobs, transcoder, pipeline.ProcessorConfig{
		TempDir:     cfg.TempDir,
		RetryPolicy: deps.RetryPolicy(),
	})
	pool := pipeline.NewPool(deps.WorkSource(), processor, cfg.WorkerConcurrency,
		pipeline.WithPoolLogger(logger.NewZerolog(cfg.LogLevel, "worker")),
	)
	sweeper := pipeline.NewSweeper(deps.Store, deps.Enqueuer(), cfg.StaleClaimTimeout, cfg.MaxAttempts)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.Handle("/health", health.LivenessHandler())
	metricsMux.Handle("/health/ready", health.ReadinessHandler(deps.Health()))
	metricsServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.MetricsPort),
		Handler: metricsMux,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("metrics server starting", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		sweeper.Run(gctx, cfg.SweepInterval)
		return nil
	})

	g.Go(func() error {
		log.Info("starting worker pool")
		return pool.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	metrics.AppUp.Set(0)
	log.Info("worker stopped gracefully")
	return nil
}
