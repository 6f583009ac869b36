package shared

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrForbidden indicates a failed permission or protection check.
	ErrForbidden = errors.New("forbidden")
	// ErrRoleNotFound indicates permission resolution could not locate a
	// matching role. Callers must treat this as deny-all, never allow-all.
	ErrRoleNotFound = errors.New("role not found")
	// ErrInvalidState indicates an unknown or illegal ticket state transition.
	ErrInvalidState = errors.New("invalid ticket state")
	// ErrConflict indicates a duplicate record or a stale concurrent write.
	ErrConflict = errors.New("conflict")
	// ErrLookupTimeout indicates a directory lookup exceeded its deadline.
	// The check may be retried; the denial is not authoritative.
	ErrLookupTimeout = errors.New("directory lookup timed out")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
)

// PermissionEscalationError reports an attempt to grant permissions the actor
// does not hold itself. Tokens lists the offending grants, sorted.
type PermissionEscalationError struct {
	Tokens []string
}

func (e *PermissionEscalationError) Error() string {
	return fmt.Sprintf("cannot grant permissions not held by actor: %s", strings.Join(e.Tokens, ", "))
}

// Is makes the escalation error match ErrForbidden in errors.Is chains.
func (e *PermissionEscalationError) Is(target error) bool {
	return target == ErrForbidden
}

// UserSafeMessage translates internal errors into user-facing text.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "The requested resource was not found."
	case errors.Is(err, ErrInvalidCredentials):
		return "Invalid credentials."
	case errors.Is(err, ErrRoleNotFound):
		return "No role is configured for this account."
	case errors.Is(err, ErrForbidden):
		return "You are not authorized to perform this action."
	case errors.Is(err, ErrInvalidState):
		return "The requested ticket state is not valid."
	case errors.Is(err, ErrConflict):
		return "The record was modified concurrently. Please retry."
	case errors.Is(err, ErrLookupTimeout):
		return "The directory did not answer in time. Please retry."
	default:
		return "An unexpected error occurred."
	}
}
