package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/nexdesk/nexdesk/internal/app"
	"github.com/nexdesk/nexdesk/internal/authz"
	jobmetrics "github.com/nexdesk/nexdesk/internal/jobs"
	"github.com/nexdesk/nexdesk/internal/platform/db"
	"github.com/nexdesk/nexdesk/internal/principals"
	"github.com/nexdesk/nexdesk/internal/roles"
	"github.com/nexdesk/nexdesk/internal/shared"
	"github.com/nexdesk/nexdesk/jobs"
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

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	auditLogger := shared.NewAuditLogger(pool)
	metrics := jobmetrics.NewMetrics(nil)

	rolesRepo := roles.NewRepository(pool)
	resolver := authz.NewResolver(roles.NewDirectory(rolesRepo))
	guard := roles.NewGuard(resolver)
	principalsRepo := principals.NewRepository(pool)
	principalsService := principals.NewService(principalsRepo, rolesRepo, guard, cfg.LookupTimeout, logger)
	resolver.SetOverrideSource(principalsService)
	rolesService := roles.NewService(rolesRepo, guard, principalsService, auditLogger, logger)

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	resyncJob := jobs.NewRoleResyncJob(rolesService, logger, metrics)
	notifyJob := jobs.NewTicketNotifyJob(pool, jobClient, logger, metrics)
	slaJob := jobs.NewSLAScanJob(pool, jobClient, logger, metrics)

	slaTask, err := jobs.NewSLAScanTask(time.Now().UTC())
	if err != nil {
		logger.Error("build sla scan task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeRoleResync, Handler: resyncJob.Handle},
			{Type: jobs.TaskTypeTicketNotify, Handler: notifyJob.Handle},
			{Type: jobs.TaskTypeSLAScan, Handler: slaJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/15 * * * *", Task: slaTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
