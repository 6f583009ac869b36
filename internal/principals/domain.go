package principals

import (
	"time"

	"github.com/google/uuid"
)

// Principal is an identity record: an ordinary user, support agent,
// administrator or system service evaluated for authorization. A nil
// CompanyID marks a system-level principal.
type Principal struct {
	ID           uuid.UUID
	Name         string
	Email        string
	PasswordHash string
	RoleName     string
	RoleSlug     string
	CompanyID    *uuid.UUID
	// RolePermissions is the synchronized copy of the bound role's grants,
	// overwritten whenever the role definition changes.
	RolePermissions []string
	// DirectPermissions are explicit per-principal overrides granted in
	// addition to the role.
	DirectPermissions []string
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
