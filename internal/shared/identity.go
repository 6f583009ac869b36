package shared

import "github.com/google/uuid"

// Identity is the credential payload carried by a session. Permissions holds
// the set resolved at issuance time; sensitive checks re-resolve against the
// authoritative store instead of trusting this cached copy.
type Identity struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	RoleSlug    string     `json:"role_slug"`
	CompanyID   *uuid.UUID `json:"company_id,omitempty"`
	IsRoot      bool       `json:"is_root"`
	Permissions []string   `json:"permissions"`
}

// SameCompany reports whether the identity is scoped to the given company.
func (id Identity) SameCompany(companyID uuid.UUID) bool {
	return id.CompanyID != nil && *id.CompanyID == companyID
}
