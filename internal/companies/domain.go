package companies

import (
	"time"

	"github.com/google/uuid"
)

// Company is a tenant. The access code selects the tenant environment at
// login; suspending a company blocks authentication for its principals.
type Company struct {
	ID         uuid.UUID
	Name       string
	AccessCode string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
