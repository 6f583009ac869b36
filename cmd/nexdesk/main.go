package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/nexdesk/nexdesk/internal/app"
	"github.com/nexdesk/nexdesk/internal/auth"
	"github.com/nexdesk/nexdesk/internal/authz"
	"github.com/nexdesk/nexdesk/internal/companies"
	"github.com/nexdesk/nexdesk/internal/observability"
	"github.com/nexdesk/nexdesk/internal/platform/cache"
	"github.com/nexdesk/nexdesk/internal/platform/db"
	"github.com/nexdesk/nexdesk/internal/principals"
	"github.com/nexdesk/nexdesk/internal/roles"
	"github.com/nexdesk/nexdesk/internal/shared"
	"github.com/nexdesk/nexdesk/internal/tickets"
	"github.com/nexdesk/nexdesk/jobs"
)

// agentDirectory adapts the principals service to the ticket workflows.
type agentDirectory struct {
	principals *principals.Service
}

func (d agentDirectory) Agent(ctx context.Context, id uuid.UUID) (tickets.Agent, error) {
	p, err := d.principals.Lookup(ctx, id)
	if err != nil {
		return tickets.Agent{}, err
	}
	return tickets.Agent{
		ID:        p.ID,
		Name:      p.Name,
		RoleSlug:  p.RoleSlug,
		CompanyID: p.CompanyID,
		Active:    p.Active,
	}, nil
}

// resyncScheduler adapts the job client to the role registry's repair hook.
type resyncScheduler struct {
	client *jobs.Client
}

func (r resyncScheduler) ScheduleResync(ctx context.Context, roleID uuid.UUID) error {
	_, err := r.client.EnqueueRoleResync(ctx, jobs.RoleResyncPayload{RoleID: roleID})
	return err
}

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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "nexdesk_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	auditLogger := shared.NewAuditLogger(dbpool)
	metrics := observability.NewMetrics()

	rolesRepo := roles.NewRepository(dbpool)
	resolver := authz.NewResolver(roles.NewDirectory(rolesRepo))
	guard := roles.NewGuard(resolver)
	authzMW := authz.Middleware{Resolver: resolver, Logger: logger, Denials: metrics}

	principalsRepo := principals.NewRepository(dbpool)
	principalsService := principals.NewService(principalsRepo, rolesRepo, guard, cfg.LookupTimeout, logger)
	resolver.SetOverrideSource(principalsService)
	rolesService := roles.NewService(rolesRepo, guard, principalsService, auditLogger, logger)

	companiesRepo := companies.NewRepository(dbpool)
	companiesService := companies.NewService(companiesRepo, cfg.LookupTimeout)

	authRepo := auth.NewRepository(dbpool)
	authService := auth.NewService(principalsService, companiesService, resolver, authRepo, cfg.HQAccessCode)
	authHandler := auth.NewHandler(logger, authService, sessionManager, csrfManager)

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
	notifier := &jobs.Enqueuer{Client: jobClient, Logger: logger, Metrics: metrics}
	rolesService.SetResyncScheduler(resyncScheduler{client: jobClient})

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(inspector, logger)

	ticketsRepo := tickets.NewRepository(dbpool)
	ticketsService := tickets.NewService(ticketsRepo, resolver, agentDirectory{principals: principalsService}, notifier, auditLogger, logger)

	rolesHandler := roles.NewHandler(logger, rolesService, authzMW)
	principalsHandler := principals.NewHandler(logger, principalsService, authzMW)
	ticketsHandler := tickets.NewHandler(logger, ticketsService, authzMW)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		SessionManager:    sessionManager,
		CSRFManager:       csrfManager,
		AuthHandler:       authHandler,
		RolesHandler:      rolesHandler,
		PrincipalsHandler: principalsHandler,
		TicketsHandler:    ticketsHandler,
		JobsHandler:       jobsHandler,
		Pool:              dbpool,
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
