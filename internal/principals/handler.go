package principals

import (
	"net/http"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/nexdesk/nexdesk/internal/authz"
	"github.com/nexdesk/nexdesk/internal/platform/httpx"
	"github.com/nexdesk/nexdesk/internal/shared"
)

// Handler manages principal directory endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	authz    authz.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, mw authz.Middleware) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New(), authz: mw}
}

// MountRoutes registers principal routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(shared.PermUsersView))
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(shared.PermUsersCreate))
		r.Post("/", h.create)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(shared.PermUsersUpdate))
		r.Put("/{id}/permissions", h.setPermissions)
	})
}

type principalView struct {
	ID                uuid.UUID  `json:"id"`
	Name              string     `json:"name"`
	Email             string     `json:"email"`
	RoleSlug          string     `json:"role_slug"`
	CompanyID         *uuid.UUID `json:"company_id,omitempty"`
	RolePermissions   []string   `json:"role_permissions"`
	DirectPermissions []string   `json:"direct_permissions"`
	Active            bool       `json:"active"`
}

func toView(p Principal) principalView {
	return principalView{
		ID:                p.ID,
		Name:              p.Name,
		Email:             p.Email,
		RoleSlug:          p.RoleSlug,
		CompanyID:         p.CompanyID,
		RolePermissions:   p.RolePermissions,
		DirectPermissions: p.DirectPermissions,
		Active:            p.Active,
	}
}

type createPrincipalRequest struct {
	Name              string     `json:"name" validate:"required,min=2"`
	Email             string     `json:"email" validate:"required,email"`
	Password          string     `json:"password" validate:"required,min=8"`
	RoleSlug          string     `json:"role_slug" validate:"required"`
	CompanyID         *uuid.UUID `json:"company_id"`
	DirectPermissions []string   `json:"direct_permissions"`
}

type setPermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"required"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	result, err := h.service.List(r.Context(), actor)
	if err != nil {
		h.logger.Error("list principals", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	views := make([]principalView, 0, len(result))
	for _, p := range result {
		views = append(views, toView(p))
	}
	httpx.JSON(w, http.StatusOK, views)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "principal id must be a UUID")
		return
	}
	p, err := h.service.Lookup(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(p))
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	var req createPrincipalRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	p, err := h.service.Create(r.Context(), actor, CreateInput{
		Name:              req.Name,
		Email:             req.Email,
		Password:          req.Password,
		RoleSlug:          req.RoleSlug,
		CompanyID:         req.CompanyID,
		DirectPermissions: req.DirectPermissions,
	})
	if err != nil {
		h.logger.Error("create principal", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toView(p))
}

func (h *Handler) setPermissions(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "principal id must be a UUID")
		return
	}
	var req setPermissionsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.SetDirectPermissions(r.Context(), actor, id, req.Permissions); err != nil {
		h.logger.Error("set principal permissions", slog.String("id", id.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
