package authz

import (
	"context"

	"github.com/google/uuid"
)

// RoleSource looks up role definitions for resolution. Implementations must
// prefer a company-scoped role over a global one when both exist, and return
// shared.ErrRoleNotFound when neither does.
type RoleSource interface {
	FindRole(ctx context.Context, slug string, companyID *uuid.UUID) (RoleGrant, error)
}

// OverrideSource supplies a principal's stored direct permission overrides.
// The authoritative resolution form consults it so per-principal grants made
// after login take effect without re-authentication.
type OverrideSource interface {
	DirectPermissions(ctx context.Context, principalID uuid.UUID) ([]string, error)
}

// Resolver computes a principal's effective permission set.
//
// Resolution runs twice in the request lifecycle: once at login, where the
// result is embedded in the session (the cached form), and again here against
// the authoritative store for sensitive checks. Protected-role and
// grant-subset checks always use the authoritative form.
type Resolver struct {
	roles     RoleSource
	overrides OverrideSource
}

// NewResolver constructs a Resolver backed by the given role source.
func NewResolver(roles RoleSource) *Resolver {
	return &Resolver{roles: roles}
}

// SetOverrideSource wires the principal directory the resolver reads direct
// overrides from. Installed after construction because the directory itself
// depends on the resolver through the role guard.
func (r *Resolver) SetOverrideSource(src OverrideSource) {
	r.overrides = src
}

// Resolve returns the effective permission set for the subject: the matched
// role's permissions united with the subject's direct overrides. A subject
// carrying nil DirectPermissions was built from a session credential; its
// stored overrides are fetched from the override source so the result is the
// full union, not just the role's tokens. A principal bound to the root role
// resolves to the universal set regardless of the role's stored tokens. A
// missing role propagates shared.ErrRoleNotFound and must be treated as
// deny-all by callers.
func (r *Resolver) Resolve(ctx context.Context, sub Subject) (PermissionSet, error) {
	grant, err := r.roles.FindRole(ctx, sub.RoleSlug, sub.CompanyID)
	if err != nil {
		return nil, err
	}
	if grant.Slug == RootRoleSlug && grant.Protection == ProtectionImmutable {
		return Universal(), nil
	}
	direct := sub.DirectPermissions
	if direct == nil && r.overrides != nil && sub.ID != uuid.Nil {
		direct, err = r.overrides.DirectPermissions(ctx, sub.ID)
		if err != nil {
			return nil, err
		}
	}
	return NewPermissionSet(grant.Permissions, direct), nil
}

// HasPermission reports whether the resolved set grants the token. The root
// bypass happens during Resolve, so this is pure set membership plus the
// wildcard.
func HasPermission(set PermissionSet, token string) bool {
	return set.Has(token)
}
