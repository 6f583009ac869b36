package httpx

import (
	"errors"
	"net/http"

	"github.com/nexdesk/nexdesk/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var escalation *shared.PermissionEscalationError
	switch {
	case errors.As(err, &escalation):
		Problem(w, http.StatusForbidden, "Permission Escalation", escalation.Error())
	case errors.Is(err, shared.ErrRoleNotFound):
		// Missing role resolution is deny-all, never allow-all.
		Problem(w, http.StatusForbidden, "Forbidden", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, shared.ErrInvalidCredentials):
		Problem(w, http.StatusUnauthorized, "Unauthorized", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrInvalidState):
		Problem(w, http.StatusBadRequest, "Invalid State", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrLookupTimeout):
		Problem(w, http.StatusServiceUnavailable, "Lookup Timeout", shared.UserSafeMessage(err))
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
