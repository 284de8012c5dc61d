package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/sparkle-hq/jobcore/internal/app"
	"github.com/sparkle-hq/jobcore/internal/auth"
	"github.com/sparkle-hq/jobcore/internal/dispute"
	"github.com/sparkle-hq/jobcore/internal/ledger"
	"github.com/sparkle-hq/jobcore/internal/lifecycle"
	"github.com/sparkle-hq/jobcore/internal/observability"
	"github.com/sparkle-hq/jobcore/internal/platform/cache"
	"github.com/sparkle-hq/jobcore/internal/platform/tracing"
	"github.com/sparkle-hq/jobcore/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName: "jobcore-api",
		Environment: cfg.AppEnv,
		Exporter:    cfg.TracingExporter,
	})
	if err != nil {
		logger.Error("init tracing", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	services, err := app.BuildServices(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("build services", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := services.Close(); err != nil {
			logger.Warn("close services", slog.Any("error", err))
		}
	}()

	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		logger.Error("init tokens", slog.Any("error", err))
		os.Exit(1)
	}

	var queueHandler *jobs.Handler
	if cfg.RedisAddr != "" {
		opt, err := cache.AsynqOpt(cfg.RedisAddr)
		if err != nil {
			logger.Error("queue options", slog.Any("error", err))
			os.Exit(1)
		}
		inspector := asynq.NewInspector(opt)
		defer inspector.Close()
		queueHandler = jobs.NewHandler(inspector, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		Tokens:          tokens,
		Metrics:         metrics,
		JobHandler:      lifecycle.NewHandler(logger, services.Jobs, services.Guard),
		LedgerHandler:   ledger.NewHandler(logger, services.Ledger, services.Guard),
		DisputeHandler:  dispute.NewHandler(logger, services.Disputes, services.Guard),
		QueueHandler:    queueHandler,
		ReadinessProbes: services.ReadinessProbes(),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", slog.Any("error", err))
	}
}
