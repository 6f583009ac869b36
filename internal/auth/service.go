package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nexdesk/nexdesk/internal/authz"
	"github.com/nexdesk/nexdesk/internal/companies"
	"github.com/nexdesk/nexdesk/internal/principals"
	"github.com/nexdesk/nexdesk/internal/shared"
)

// CompanyDirectory resolves tenant access codes.
type CompanyDirectory interface {
	ResolveAccessCode(ctx context.Context, code string) (companies.Company, error)
}

// PrincipalDirectory looks up accounts by login email.
type PrincipalDirectory interface {
	FindByEmail(ctx context.Context, email string) (principals.Principal, error)
}

// Service authenticates principals and issues their credential payload.
// Global staff sign in with the headquarters access code; everyone else
// must present their own company's code.
type Service struct {
	principals PrincipalDirectory
	companies  CompanyDirectory
	resolver   *authz.Resolver
	repo       Repository
	hqCode     string
}

// NewService constructs a new Service. hqCode is the access code accepted
// for accounts that are not scoped to any company.
func NewService(principalDir PrincipalDirectory, companyDir CompanyDirectory, resolver *authz.Resolver, repo Repository, hqCode string) *Service {
	return &Service{
		principals: principalDir,
		companies:  companyDir,
		resolver:   resolver,
		repo:       repo,
		hqCode:     hqCode,
	}
}

// Authenticate validates email/password/access-code credentials and returns
// the session identity. Permissions are resolved once here, at issuance;
// the copy on the identity is a convenience snapshot and sensitive checks
// re-resolve against the store.
func (s *Service) Authenticate(ctx context.Context, email, password, accessCode string) (shared.Identity, error) {
	principal, err := s.principals.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return shared.Identity{}, shared.ErrInvalidCredentials
	}
	if !principal.Active {
		return shared.Identity{}, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(principal.PasswordHash), []byte(password)); err != nil {
		return shared.Identity{}, shared.ErrInvalidCredentials
	}

	if principal.CompanyID == nil {
		if accessCode != s.hqCode {
			return shared.Identity{}, shared.ErrInvalidCredentials
		}
	} else {
		company, err := s.companies.ResolveAccessCode(ctx, accessCode)
		if err != nil {
			return shared.Identity{}, fmt.Errorf("authenticate: %w", err)
		}
		if company.ID != *principal.CompanyID {
			return shared.Identity{}, shared.ErrInvalidCredentials
		}
	}

	identity := shared.Identity{
		ID:        principal.ID,
		Name:      principal.Name,
		RoleSlug:  principal.RoleSlug,
		CompanyID: principal.CompanyID,
		IsRoot:    principal.RoleSlug == authz.RootRoleSlug,
	}
	// The overrides are supplied from the record just loaded; a non-nil
	// slice tells the resolver there is nothing left to fetch.
	direct := principal.DirectPermissions
	if direct == nil {
		direct = []string{}
	}
	set, err := s.resolver.Resolve(ctx, authz.Subject{
		ID:                principal.ID,
		RoleSlug:          principal.RoleSlug,
		CompanyID:         principal.CompanyID,
		DirectPermissions: direct,
	})
	switch {
	case err == nil:
		identity.Permissions = set.Tokens()
	case errors.Is(err, shared.ErrRoleNotFound):
		// No matching role: the login succeeds with an empty snapshot and
		// every authoritative check denies until the role is restored.
	default:
		return shared.Identity{}, fmt.Errorf("resolve permissions: %w", err)
	}
	return identity, nil
}

// RegisterSession persists the session metadata in postgres.
func (s *Service) RegisterSession(ctx context.Context, id string, identity shared.Identity, expiresAt time.Time, ip, ua string) error {
	return s.repo.CreateSession(ctx, id, identity.ID, expiresAt, ip, ua)
}

// RemoveSession deletes a session record from postgres.
func (s *Service) RemoveSession(ctx context.Context, id string) error {
	return s.repo.DeleteSession(ctx, id)
}
