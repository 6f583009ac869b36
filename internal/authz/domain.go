package authz

import (
	"sort"

	"github.com/google/uuid"

	"github.com/nexdesk/nexdesk/internal/shared"
)

// Well-known role slugs. The root slug is special-cased during resolution;
// the support and trainee slugs drive ticket assignment and delegation.
const (
	RootRoleSlug         = "admin-general"
	SubrootRoleSlug      = "admin-subroot"
	CompanyAdminRoleSlug = "admin-interno"
	SupportRoleSlug      = "soporte"
	TraineeRoleSlug      = "beca-soporte"
)

// Protection describes how a role's editability is restricted beyond
// ordinary permission checks.
type Protection string

const (
	// ProtectionImmutable denies edits to every actor, including root.
	ProtectionImmutable Protection = "immutable"
	// ProtectionSelfEditRestricted denies edits by actors holding the role.
	ProtectionSelfEditRestricted Protection = "self_edit_restricted"
	// ProtectionRootOnly permits edits only by the root principal.
	ProtectionRootOnly Protection = "root_only"
	// ProtectionNone applies ordinary permission checks only.
	ProtectionNone Protection = "unrestricted"
)

// PermissionSet is a deduplicated set of permission tokens. Tokens are opaque
// capability identifiers; membership is the only supported test.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from one or more token slices.
func NewPermissionSet(tokenLists ...[]string) PermissionSet {
	set := make(PermissionSet)
	for _, tokens := range tokenLists {
		for _, t := range tokens {
			if t == "" {
				continue
			}
			set[t] = struct{}{}
		}
	}
	return set
}

// Universal returns the set granting every permission.
func Universal() PermissionSet {
	return PermissionSet{shared.PermWildcard: {}}
}

// Has reports whether the set grants the token, either directly or through
// the wildcard.
func (s PermissionSet) Has(token string) bool {
	if _, ok := s[shared.PermWildcard]; ok {
		return true
	}
	_, ok := s[token]
	return ok
}

// IsUniversal reports whether the set carries the wildcard grant.
func (s PermissionSet) IsUniversal() bool {
	_, ok := s[shared.PermWildcard]
	return ok
}

// Union returns a new set containing the tokens of both sets.
func (s PermissionSet) Union(other PermissionSet) PermissionSet {
	merged := make(PermissionSet, len(s)+len(other))
	for t := range s {
		merged[t] = struct{}{}
	}
	for t := range other {
		merged[t] = struct{}{}
	}
	return merged
}

// Missing returns the tokens not covered by the set, sorted. A universal set
// covers everything.
func (s PermissionSet) Missing(tokens []string) []string {
	if s.IsUniversal() {
		return nil
	}
	var missing []string
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := s[t]; !ok {
			missing = append(missing, t)
		}
	}
	sort.Strings(missing)
	return missing
}

// Tokens returns the set members, sorted.
func (s PermissionSet) Tokens() []string {
	tokens := make([]string, 0, len(s))
	for t := range s {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	return tokens
}

// Subject is the resolver's view of a principal: its role binding and any
// per-principal permission overrides.
type Subject struct {
	ID                uuid.UUID
	RoleSlug          string
	CompanyID         *uuid.UUID
	DirectPermissions []string
}

// SubjectFromIdentity converts a session credential payload into a Subject.
// The payload's cached permission list is deliberately ignored; callers that
// want the cached form read Identity.Permissions directly. DirectPermissions
// stays nil so Resolve fetches the stored overrides.
func SubjectFromIdentity(id shared.Identity) Subject {
	return Subject{
		ID:        id.ID,
		RoleSlug:  id.RoleSlug,
		CompanyID: id.CompanyID,
	}
}

// RoleGrant is the slice of a role definition the resolver needs.
type RoleGrant struct {
	Slug        string
	Protection  Protection
	Permissions []string
}
