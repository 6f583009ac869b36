package roles

import (
	"context"
	"fmt"

	"github.com/nexdesk/nexdesk/internal/authz"
	"github.com/nexdesk/nexdesk/internal/shared"
)

// Guard enforces protected-role invariants on role-definition writes. All of
// its checks resolve the actor against the authoritative store, never the
// session's cached permission list.
type Guard struct {
	resolver *authz.Resolver
}

// NewGuard constructs a Guard.
func NewGuard(resolver *authz.Resolver) *Guard {
	return &Guard{resolver: resolver}
}

// AuthorizeEdit decides whether the actor may modify the target role. The
// protection rules are evaluated in order; the immutable rule binds every
// actor, root included.
func (g *Guard) AuthorizeEdit(ctx context.Context, actor shared.Identity, target Role) error {
	switch target.Protection {
	case authz.ProtectionImmutable:
		return fmt.Errorf("%w: the %s role cannot be modified by anyone", shared.ErrForbidden, target.Slug)
	case authz.ProtectionSelfEditRestricted:
		if actor.RoleSlug == target.Slug {
			return fmt.Errorf("%w: the %s role cannot modify itself; a higher-privilege administrator is required", shared.ErrForbidden, target.Slug)
		}
	case authz.ProtectionRootOnly:
		if !actor.IsRoot {
			return fmt.Errorf("%w: only the root administrator may modify the %s role", shared.ErrForbidden, target.Slug)
		}
	}

	set, err := g.resolver.Resolve(ctx, authz.SubjectFromIdentity(actor))
	if err != nil {
		return err
	}
	if set.Has(shared.PermRolesManage) {
		return nil
	}
	if actor.CompanyID != nil && target.CompanyID != nil && *actor.CompanyID == *target.CompanyID {
		return nil
	}
	return fmt.Errorf("%w: not authorized to edit this role", shared.ErrForbidden)
}

// CheckGrantSubset enforces the grant-subset invariant: the actor may only
// assign permissions it holds itself, unless its effective set is universal.
// Violations carry the offending tokens.
func (g *Guard) CheckGrantSubset(ctx context.Context, actor shared.Identity, tokens []string) error {
	set, err := g.resolver.Resolve(ctx, authz.SubjectFromIdentity(actor))
	if err != nil {
		return err
	}
	if missing := set.Missing(tokens); len(missing) > 0 {
		return &shared.PermissionEscalationError{Tokens: missing}
	}
	return nil
}
