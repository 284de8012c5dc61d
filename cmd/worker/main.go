package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/sparkle-hq/jobcore/internal/app"
	jobmetrics "github.com/sparkle-hq/jobcore/internal/jobs"
	"github.com/sparkle-hq/jobcore/internal/platform/cache"
	"github.com/sparkle-hq/jobcore/internal/platform/tracing"
	"github.com/sparkle-hq/jobcore/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg).With(slog.String("process", "worker"))
	slog.SetDefault(logger)

	if cfg.RedisAddr == "" {
		logger.Error("worker requires REDIS_ADDR")
		os.Exit(1)
	}
	if cfg.StoreDriver == app.DriverMemory {
		logger.Warn("worker running against the memory store sees none of the API's data")
	}

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName: "jobcore-worker",
		Environment: cfg.AppEnv,
		Exporter:    cfg.TracingExporter,
	})
	if err != nil {
		logger.Error("init tracing", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	services, err := app.BuildServices(ctx, cfg, logger, nil)
	if err != nil {
		logger.Error("build services", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := services.Close(); err != nil {
			logger.Warn("close services", slog.Any("error", err))
		}
	}()

	redisOpt, err := cache.AsynqOpt(cfg.RedisAddr)
	if err != nil {
		logger.Error("queue options", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := jobmetrics.NewMetrics(nil)
	purgeJob := jobs.NewIdempotencyPurgeJob(services.Guard, logger, metrics)
	staleJob := jobs.NewStaleHoldScanJob(services.Ledger, cfg.StaleHoldAfter, logger, metrics)
	notifyJob := jobs.NewTransitionNotifyJob(jobs.LogSink{Logger: logger}, logger, metrics)

	staleTask, err := jobs.NewStaleHoldScanTask(cfg.StaleHoldAfter)
	if err != nil {
		logger.Error("build stale hold task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpt,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskIdempotencyPurge, Handler: purgeJob.Handle},
			{Type: jobs.TaskStaleHoldScan, Handler: staleJob.Handle},
			{Type: jobs.TaskTransitionNotify, Handler: notifyJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "@every 1h", Task: jobs.NewIdempotencyPurgeTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 * * * *", Task: staleTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
