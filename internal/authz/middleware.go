package authz

import (
	"net/http"
	"strings"

	"log/slog"

	"github.com/nexdesk/nexdesk/internal/shared"
)

// DenialRecorder counts denied permission checks.
type DenialRecorder interface {
	RecordDenial(permission string)
}

// Middleware wires authorization helpers for HTTP handlers. Every check
// resolves against the authoritative store rather than the session's cached
// permission list, so role edits take effect without re-authentication.
type Middleware struct {
	Resolver *Resolver
	Logger   *slog.Logger
	Denials  DenialRecorder
}

// RequireAny ensures the current identity holds at least one of the required
// permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			set, ok := m.resolveCurrent(w, r)
			if !ok {
				return
			}
			for _, p := range normalized {
				if set.Has(p) {
					next.ServeHTTP(w, r)
					return
				}
			}
			m.recordDenial(normalized[0])
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// RequireAll ensures the current identity holds all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			set, ok := m.resolveCurrent(w, r)
			if !ok {
				return
			}
			for _, p := range normalized {
				if !set.Has(p) {
					m.recordDenial(p)
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireIdentity rejects anonymous requests without any permission check.
func (m Middleware) RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := shared.IdentityFromContext(r.Context()); !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m Middleware) resolveCurrent(w http.ResponseWriter, r *http.Request) (PermissionSet, bool) {
	identity, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return nil, false
	}
	set, err := m.Resolver.Resolve(r.Context(), SubjectFromIdentity(identity))
	if err != nil {
		// Resolution failure is deny-all.
		if m.Logger != nil {
			m.Logger.Warn("authz resolve", slog.String("role", identity.RoleSlug), slog.Any("error", err))
		}
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return nil, false
	}
	return set, true
}

func (m Middleware) recordDenial(permission string) {
	if m.Denials != nil {
		m.Denials.RecordDenial(permission)
	}
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		unique[p] = struct{}{}
	}
	normalized := make([]string, 0, len(unique))
	for p := range unique {
		normalized = append(normalized, p)
	}
	return normalized
}
