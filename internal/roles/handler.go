package roles

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

// Handler exposes the role registry over HTTP.
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

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(shared.PermRolesView, shared.PermRolesManage))
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(shared.PermRolesCreate, shared.PermRolesManage))
		r.Post("/", h.create)
	})
	r.Group(func(r chi.Router) {
		// The mutation guard applies the protected-role rules; the middleware
		// only gates on the broad edit grants.
		r.Use(h.authz.RequireAny(shared.PermRolesEdit, shared.PermRolesManage))
		r.Put("/{id}", h.update)
		r.Delete("/{id}", h.delete)
	})
}

type createRoleRequest struct {
	Name        string     `json:"name" validate:"required,min=2"`
	Description string     `json:"description"`
	Permissions []string   `json:"permissions" validate:"dive,required"`
	CompanyID   *uuid.UUID `json:"company_id"`
	Level       int        `json:"level"`
}

type updateRoleRequest struct {
	Name        *string  `json:"name" validate:"omitempty,min=2"`
	Description *string  `json:"description"`
	Permissions []string `json:"permissions"`
}

type updateRoleResponse struct {
	Role Role       `json:"role"`
	Sync SyncReport `json:"sync"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	result, err := h.service.List(r.Context(), actor)
	if err != nil {
		h.logger.Error("list roles", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "role id must be a UUID")
		return
	}
	role, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	var req createRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := h.service.Create(r.Context(), actor, CreateRoleInput{
		Name:        req.Name,
		Description: req.Description,
		Permissions: req.Permissions,
		CompanyID:   req.CompanyID,
		Level:       req.Level,
	})
	if err != nil {
		h.logger.Error("create role", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "role id must be a UUID")
		return
	}
	var req updateRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, report, err := h.service.ApplyUpdate(r.Context(), actor, id, UpdateRoleInput{
		Name:        req.Name,
		Description: req.Description,
		Permissions: req.Permissions,
	})
	if err != nil {
		h.logger.Error("update role", slog.String("id", id.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, updateRoleResponse{Role: role, Sync: report})
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "role id must be a UUID")
		return
	}
	if err := h.service.Delete(r.Context(), actor, id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
