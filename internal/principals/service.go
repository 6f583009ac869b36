package principals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"

	"github.com/nexdesk/nexdesk/internal/authz"
	"github.com/nexdesk/nexdesk/internal/roles"
	"github.com/nexdesk/nexdesk/internal/shared"
)

// RepositoryPort defines data access methods for principals.
type RepositoryPort interface {
	GetByID(ctx context.Context, id uuid.UUID) (Principal, error)
	FindByEmail(ctx context.Context, email string) (Principal, error)
	List(ctx context.Context, companyID *uuid.UUID) ([]Principal, error)
	Create(ctx context.Context, p Principal) (Principal, error)
	FindByRoleKeys(ctx context.Context, keys []string) ([]roles.SyncTarget, error)
	SetRolePermissions(ctx context.Context, principalID uuid.UUID, roleSlug string, permissions []string) error
	UpdateDirectPermissions(ctx context.Context, principalID uuid.UUID, permissions []string) error
}

// Service is the principal directory. Lookups used by authorization checks
// run under a bounded timeout; a deadline hit converts into a retryable
// error instead of hanging the caller.
type Service struct {
	repo          RepositoryPort
	rolesRepo     roles.RepositoryPort
	guard         *roles.Guard
	lookupTimeout time.Duration
	logger        *slog.Logger
	lookups       singleflight.Group
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, rolesRepo roles.RepositoryPort, guard *roles.Guard, lookupTimeout time.Duration, logger *slog.Logger) *Service {
	if lookupTimeout <= 0 {
		lookupTimeout = 3 * time.Second
	}
	return &Service{repo: repo, rolesRepo: rolesRepo, guard: guard, lookupTimeout: lookupTimeout, logger: logger}
}

// Lookup fetches a principal by ID under the directory timeout. Concurrent
// lookups for the same principal are collapsed into a single query.
func (s *Service) Lookup(ctx context.Context, id uuid.UUID) (Principal, error) {
	result, err, _ := s.lookups.Do(id.String(), func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
		defer cancel()
		return s.repo.GetByID(ctx, id)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Principal{}, fmt.Errorf("%w: principal %s", shared.ErrLookupTimeout, id)
		}
		return Principal{}, err
	}
	return result.(Principal), nil
}

// FindByEmail fetches a principal for authentication.
func (s *Service) FindByEmail(ctx context.Context, email string) (Principal, error) {
	return s.repo.FindByEmail(ctx, email)
}

// DirectPermissions implements authz.OverrideSource. Reads go through Lookup,
// so they share its timeout and request collapsing.
func (s *Service) DirectPermissions(ctx context.Context, principalID uuid.UUID) ([]string, error) {
	p, err := s.Lookup(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return p.DirectPermissions, nil
}

// List returns the principals visible to the actor.
func (s *Service) List(ctx context.Context, actor shared.Identity) ([]Principal, error) {
	if actor.IsRoot {
		return s.repo.List(ctx, nil)
	}
	if actor.CompanyID == nil {
		return nil, fmt.Errorf("%w: no company scope", shared.ErrForbidden)
	}
	return s.repo.List(ctx, actor.CompanyID)
}

// CreateInput collects the fields for provisioning a principal.
type CreateInput struct {
	Name              string
	Email             string
	Password          string
	RoleSlug          string
	CompanyID         *uuid.UUID
	DirectPermissions []string
}

// Create provisions a principal bound to an existing role. The role's
// permissions are copied into the synchronized store, and any direct
// overrides must respect the grant-subset invariant.
func (s *Service) Create(ctx context.Context, actor shared.Identity, input CreateInput) (Principal, error) {
	companyID := input.CompanyID
	if !actor.IsRoot {
		if actor.CompanyID == nil {
			return Principal{}, fmt.Errorf("%w: no company scope", shared.ErrForbidden)
		}
		companyID = actor.CompanyID
	}

	role, err := s.rolesRepo.FindBySlug(ctx, input.RoleSlug, companyID)
	if err != nil {
		return Principal{}, err
	}
	if len(input.DirectPermissions) > 0 {
		if err := s.guard.CheckGrantSubset(ctx, actor, input.DirectPermissions); err != nil {
			return Principal{}, err
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return Principal{}, err
	}

	return s.repo.Create(ctx, Principal{
		ID:                uuid.New(),
		Name:              input.Name,
		Email:             input.Email,
		PasswordHash:      string(hash),
		RoleName:          role.Name,
		RoleSlug:          role.Slug,
		CompanyID:         companyID,
		RolePermissions:   role.Permissions,
		DirectPermissions: input.DirectPermissions,
	})
}

// SetDirectPermissions replaces a principal's explicit overrides. The
// grant-subset invariant applies: the actor may only grant what it holds.
func (s *Service) SetDirectPermissions(ctx context.Context, actor shared.Identity, principalID uuid.UUID, permissions []string) error {
	target, err := s.repo.GetByID(ctx, principalID)
	if err != nil {
		return err
	}
	if !actor.IsRoot && (actor.CompanyID == nil || target.CompanyID == nil || *actor.CompanyID != *target.CompanyID) {
		return fmt.Errorf("%w: principal belongs to another company", shared.ErrForbidden)
	}
	if err := s.guard.CheckGrantSubset(ctx, actor, permissions); err != nil {
		return err
	}
	return s.repo.UpdateDirectPermissions(ctx, principalID, permissions)
}

// FindByRoleKeys implements roles.PrincipalSyncer.
func (s *Service) FindByRoleKeys(ctx context.Context, keys []string) ([]roles.SyncTarget, error) {
	return s.repo.FindByRoleKeys(ctx, keys)
}

// SetRolePermissions implements roles.PrincipalSyncer.
func (s *Service) SetRolePermissions(ctx context.Context, principalID uuid.UUID, roleSlug string, permissions []string) error {
	return s.repo.SetRolePermissions(ctx, principalID, roleSlug, permissions)
}

var (
	_ roles.PrincipalSyncer = (*Service)(nil)
	_ authz.OverrideSource  = (*Service)(nil)
)
