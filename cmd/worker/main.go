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

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-wms/internal/app"
	jobmetrics "github.com/odyssey-erp/odyssey-wms/internal/jobs"
	"github.com/odyssey-erp/odyssey-wms/internal/observability"
	"github.com/odyssey-erp/odyssey-wms/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-wms/internal/platform/db"
	"github.com/odyssey-erp/odyssey-wms/jobs"
)

const metricsAddr = ":9091"

func main() {
	if app.SkipInTestMode(slog.Default(), "worker") {
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

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	stack := app.NewInventoryStack(cfg, logger, pool, redisClient, metrics.Registerer())

	stagingJob := jobs.NewStagingCommitJob(stack.Service, jobs.NewBackoffGate(redisClient, cfg.InventoryImportBackoff), logger, jobMetrics)
	integrityJob := jobs.NewLedgerIntegrityJob(stack.Repository, logger, jobMetrics)

	tenants, err := cfg.ImportTenantIDs()
	if err != nil {
		logger.Error("parse import tenants", slog.Any("error", err))
		os.Exit(1)
	}
	cron, err := jobs.StagingCommitSchedule(cfg.InventoryImportSchedule, tenants)
	if err != nil {
		logger.Error("build staging commit schedule", slog.Any("error", err))
		os.Exit(1)
	}
	integrityTask, err := jobs.NewLedgerIntegrityTask(0)
	if err != nil {
		logger.Error("build integrity task", slog.Any("error", err))
		os.Exit(1)
	}
	cron = append(cron, jobs.CronRegistration{Spec: "45 2 * * *", Task: integrityTask, Options: []asynq.Option{asynq.MaxRetry(3)}})

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskInventoryStagingCommit, Handler: stagingJob.Handle},
			{Type: jobs.TaskInventoryLedgerIntegrity, Handler: integrityJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{Addr: metricsAddr, Handler: metrics.Handler(), ReadTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("worker started", slog.Int("scheduled_tenants", len(tenants)))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
