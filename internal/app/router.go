package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexdesk/nexdesk/internal/auth"
	"github.com/nexdesk/nexdesk/internal/observability"
	"github.com/nexdesk/nexdesk/internal/principals"
	"github.com/nexdesk/nexdesk/internal/roles"
	"github.com/nexdesk/nexdesk/internal/shared"
	"github.com/nexdesk/nexdesk/internal/tickets"
	"github.com/nexdesk/nexdesk/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	SessionManager    *shared.SessionManager
	CSRFManager       *shared.CSRFManager
	AuthHandler       *auth.Handler
	RolesHandler      *roles.Handler
	PrincipalsHandler *principals.Handler
	TicketsHandler    *tickets.Handler
	JobsHandler       *jobs.Handler
	Pool              *pgxpool.Pool
	Metrics           *observability.Metrics
}

// NewRouter constructs the chi.Router with NexDesk defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if params.Pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := params.Pool.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/auth", params.AuthHandler.MountRoutes)
	if params.RolesHandler != nil {
		r.Route("/roles", params.RolesHandler.MountRoutes)
	}
	if params.PrincipalsHandler != nil {
		r.Route("/users", params.PrincipalsHandler.MountRoutes)
	}
	if params.TicketsHandler != nil {
		r.Route("/tickets", params.TicketsHandler.MountRoutes)
	}
	if params.JobsHandler != nil {
		r.Route("/jobs", params.JobsHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
