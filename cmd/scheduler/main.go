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

	"github.com/abdul-hamid-achik/skillclips/internal/app"
	"github.com/abdul-hamid-achik/skillclips/internal/config"
	"github.com/abdul-hamid-achik/skillclips/internal/health"
	"github.com/abdul-hamid-achik/skillclips/internal/logger"
	"github.com/abdul-hamid-achik/skillclips/internal/metrics"
	"github.com/abdul-hamid-achik/skillclips/internal/ranking"
	"github.com/abdul-hamid-achik/skillclips/internal/tracing"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("scheduler failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Init(cfg.LogLevel)
	log := logger.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithLogger(ctx, log)

	shutdownTracing, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    "skillclips-scheduler",
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

	metrics.SetAppInfo(version, cfg.Environment, "scheduler")
	metrics.AppUp.Set(1)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.LivenessHandler())
	mux.Handle("/health/ready", health.ReadinessHandler(deps.Health()))
	srv := &http.Server{Addr: ":" + strconv.Itoa(cfg.MetricsPort), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()

	agg := ranking.NewAggregator(deps.Store, deps.Cache)
	ranking.NewScheduler(agg, cfg.RankingInterval).Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("error stopping metrics server", "error", err)
	}

	metrics.AppUp.Set(0)
	log.Info("scheduler stopped")
	return nil
}
