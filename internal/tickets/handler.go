package tickets

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

// Handler exposes the ticket workflows over HTTP.
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

// MountRoutes registers ticket routes. Visibility and state decisions live
// in the service, so most routes only require an authenticated identity;
// the assignment and delegation routes gate on their broad grants up front.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireIdentity)
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Get("/{id}/chat-access", h.chatAccess)
		r.Put("/{id}/state", h.changeState)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(shared.PermTicketsCreate))
		r.Post("/", h.create)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(shared.PermTicketsAssign))
		r.Put("/{id}/assign", h.assign)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(shared.PermTicketsDelegate))
		r.Put("/{id}/delegate", h.delegate)
	})
}

type createTicketRequest struct {
	Title       string `json:"title" validate:"required,min=3"`
	Description string `json:"description" validate:"required"`
	Priority    string `json:"priority" validate:"omitempty,oneof=low medium high critical"`
}

type changeStateRequest struct {
	State string `json:"state" validate:"required"`
}

type assignRequest struct {
	AssigneeID uuid.UUID `json:"assignee_id" validate:"required"`
}

type delegateRequest struct {
	TraineeID uuid.UUID `json:"trainee_id" validate:"required"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	var companyFilter *uuid.UUID
	if raw := r.URL.Query().Get("company_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid company id", "")
			return
		}
		companyFilter = &id
	}
	result, err := h.service.List(r.Context(), actor, companyFilter)
	if err != nil {
		h.logger.Error("list tickets", slog.Any("error", err))
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
		httpx.Problem(w, http.StatusBadRequest, "Invalid ticket id", "")
		return
	}
	ticket, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ticket)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	var req createTicketRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation failed", err.Error())
		return
	}
	ticket, err := h.service.Create(r.Context(), actor, CreateInput{
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
	})
	if err != nil {
		h.logger.Error("create ticket", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, ticket)
}

func (h *Handler) changeState(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ticket id", "")
		return
	}
	var req changeStateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation failed", err.Error())
		return
	}
	ticket, err := h.service.ChangeState(r.Context(), actor, id, req.State)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ticket)
}

func (h *Handler) chatAccess(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ticket id", "")
		return
	}
	decision, err := h.service.ChatAccess(r.Context(), actor, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, decision)
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ticket id", "")
		return
	}
	var req assignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	ticket, err := h.service.Assign(r.Context(), actor, id, req.AssigneeID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ticket)
}

func (h *Handler) delegate(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ticket id", "")
		return
	}
	var req delegateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	ticket, err := h.service.Delegate(r.Context(), actor, id, req.TraineeID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ticket)
}
