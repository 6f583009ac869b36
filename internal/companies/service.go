package companies

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nexdesk/nexdesk/internal/shared"
)

// RepositoryPort defines data access methods for companies.
type RepositoryPort interface {
	GetByID(ctx context.Context, id uuid.UUID) (Company, error)
	FindByAccessCode(ctx context.Context, code string) (Company, error)
}

// Service is the company directory collaborator: existence and active checks
// under a bounded timeout.
type Service struct {
	repo          RepositoryPort
	lookupTimeout time.Duration
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, lookupTimeout time.Duration) *Service {
	if lookupTimeout <= 0 {
		lookupTimeout = 3 * time.Second
	}
	return &Service{repo: repo, lookupTimeout: lookupTimeout}
}

// Lookup fetches a company by ID under the directory timeout.
func (s *Service) Lookup(ctx context.Context, id uuid.UUID) (Company, error) {
	ctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Company{}, fmt.Errorf("%w: company %s", shared.ErrLookupTimeout, id)
		}
		return Company{}, err
	}
	return c, nil
}

// ResolveAccessCode returns the active company for a login access code.
func (s *Service) ResolveAccessCode(ctx context.Context, code string) (Company, error) {
	company, err := s.repo.FindByAccessCode(ctx, code)
	if err != nil {
		return Company{}, err
	}
	if !company.Active {
		return Company{}, fmt.Errorf("%w: company license is suspended", shared.ErrForbidden)
	}
	return company, nil
}
