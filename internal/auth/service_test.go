package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/nexdesk/nexdesk/internal/auth"
	"github.com/nexdesk/nexdesk/internal/authz"
	"github.com/nexdesk/nexdesk/internal/companies"
	"github.com/nexdesk/nexdesk/internal/principals"
	"github.com/nexdesk/nexdesk/internal/shared"
)

const hqCode = "HQ-0001"

type stubPrincipals struct {
	byEmail map[string]principals.Principal
}

func (s *stubPrincipals) FindByEmail(_ context.Context, email string) (principals.Principal, error) {
	p, ok := s.byEmail[email]
	if !ok {
		return principals.Principal{}, shared.ErrNotFound
	}
	return p, nil
}

type stubCompanies struct {
	byCode map[string]companies.Company
	errFor map[string]error
}

func (s *stubCompanies) ResolveAccessCode(_ context.Context, code string) (companies.Company, error) {
	if err, ok := s.errFor[code]; ok {
		return companies.Company{}, err
	}
	c, ok := s.byCode[code]
	if !ok {
		return companies.Company{}, shared.ErrInvalidCredentials
	}
	return c, nil
}

type stubRoleSource struct {
	grants map[string]authz.RoleGrant
	err    error
}

func (s *stubRoleSource) FindRole(_ context.Context, slug string, _ *uuid.UUID) (authz.RoleGrant, error) {
	if s.err != nil {
		return authz.RoleGrant{}, s.err
	}
	grant, ok := s.grants[slug]
	if !ok {
		return authz.RoleGrant{}, shared.ErrRoleNotFound
	}
	return grant, nil
}

type stubSessions struct {
	created []string
	deleted []string
}

func (s *stubSessions) CreateSession(_ context.Context, id string, _ uuid.UUID, _ time.Time, _, _ string) error {
	s.created = append(s.created, id)
	return nil
}

func (s *stubSessions) DeleteSession(_ context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	return nil
}

func hashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return string(hash)
}

type fixture struct {
	service  *auth.Service
	sessions *stubSessions
	company  companies.Company
	agent    principals.Principal
	root     principals.Principal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	company := companies.Company{
		ID:         uuid.New(),
		Name:       "Acme Latam",
		AccessCode: "ACME-2024",
		Active:     true,
	}
	companyID := company.ID

	agent := principals.Principal{
		ID:           uuid.New(),
		Name:         "Ana Torres",
		Email:        "ana@acme.test",
		PasswordHash: hashPassword(t, "correct horse"),
		RoleSlug:     authz.SupportRoleSlug,
		CompanyID:    &companyID,
		Active:       true,
	}
	root := principals.Principal{
		ID:           uuid.New(),
		Name:         "Root Ops",
		Email:        "root@nexdesk.test",
		PasswordHash: hashPassword(t, "root secret"),
		RoleSlug:     authz.RootRoleSlug,
		Active:       true,
	}

	principalDir := &stubPrincipals{byEmail: map[string]principals.Principal{
		agent.Email: agent,
		root.Email:  root,
	}}
	companyDir := &stubCompanies{
		byCode: map[string]companies.Company{company.AccessCode: company},
		errFor: map[string]error{"SUSPENDED-1": shared.ErrForbidden},
	}
	resolver := authz.NewResolver(&stubRoleSource{grants: map[string]authz.RoleGrant{
		authz.RootRoleSlug: {
			Slug:        authz.RootRoleSlug,
			Protection:  authz.ProtectionImmutable,
			Permissions: []string{shared.PermWildcard},
		},
		authz.SupportRoleSlug: {
			Slug:        authz.SupportRoleSlug,
			Protection:  authz.ProtectionNone,
			Permissions: []string{shared.PermTicketsViewAssigned, shared.PermTicketsChangeStatus, shared.PermTicketsDelegate},
		},
	}})
	sessions := &stubSessions{}

	return &fixture{
		service:  auth.NewService(principalDir, companyDir, resolver, sessions, hqCode),
		sessions: sessions,
		company:  company,
		agent:    agent,
		root:     root,
	}
}

func TestAuthenticateCompanyAgent(t *testing.T) {
	f := newFixture(t)

	identity, err := f.service.Authenticate(context.Background(), f.agent.Email, "correct horse", f.company.AccessCode)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if identity.ID != f.agent.ID {
		t.Fatalf("identity.ID = %s, want %s", identity.ID, f.agent.ID)
	}
	if identity.RoleSlug != authz.SupportRoleSlug {
		t.Fatalf("identity.RoleSlug = %q", identity.RoleSlug)
	}
	if identity.IsRoot {
		t.Fatal("support agent must not be root")
	}
	if identity.CompanyID == nil || *identity.CompanyID != f.company.ID {
		t.Fatalf("identity.CompanyID = %v, want %s", identity.CompanyID, f.company.ID)
	}
	if len(identity.Permissions) != 3 {
		t.Fatalf("permissions snapshot = %v, want the support role's three grants", identity.Permissions)
	}
}

func TestAuthenticateNormalizesEmail(t *testing.T) {
	f := newFixture(t)

	if _, err := f.service.Authenticate(context.Background(), "  Ana@ACME.test ", "correct horse", f.company.AccessCode); err != nil {
		t.Fatalf("authenticate with unnormalized email: %v", err)
	}
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		email    string
		password string
		code     string
	}{
		{"unknown email", "nobody@acme.test", "correct horse", f.company.AccessCode},
		{"wrong password", f.agent.Email, "incorrect horse", f.company.AccessCode},
		{"unknown access code", f.agent.Email, "correct horse", "WRONG-CODE"},
		{"hq code on company account", f.agent.Email, "correct horse", hqCode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.service.Authenticate(ctx, tc.email, tc.password, tc.code)
			if !errors.Is(err, shared.ErrInvalidCredentials) {
				t.Fatalf("err = %v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestAuthenticateRejectsInactivePrincipal(t *testing.T) {
	f := newFixture(t)

	disabled := f.agent
	disabled.Active = false
	disabled.Email = "former@acme.test"
	dir := &stubPrincipals{byEmail: map[string]principals.Principal{disabled.Email: disabled}}
	service := auth.NewService(dir, &stubCompanies{}, authz.NewResolver(&stubRoleSource{}), f.sessions, hqCode)

	_, err := service.Authenticate(context.Background(), disabled.Email, "correct horse", f.company.AccessCode)
	if !errors.Is(err, shared.ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestAuthenticateRejectsCodeOfAnotherCompany(t *testing.T) {
	f := newFixture(t)

	// The code resolves, but to a different tenant than the account's.
	other := companies.Company{ID: uuid.New(), Name: "Other Corp", AccessCode: "OTHER-1", Active: true}
	companyDir := &stubCompanies{byCode: map[string]companies.Company{other.AccessCode: other}}
	dir := &stubPrincipals{byEmail: map[string]principals.Principal{f.agent.Email: f.agent}}
	service := auth.NewService(dir, companyDir, authz.NewResolver(&stubRoleSource{}), f.sessions, hqCode)

	_, err := service.Authenticate(context.Background(), f.agent.Email, "correct horse", other.AccessCode)
	if !errors.Is(err, shared.ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestAuthenticateSuspendedCompanyPropagatesForbidden(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Authenticate(context.Background(), f.agent.Email, "correct horse", "SUSPENDED-1")
	if !errors.Is(err, shared.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestAuthenticateGlobalStaffWithHeadquartersCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	identity, err := f.service.Authenticate(ctx, f.root.Email, "root secret", hqCode)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !identity.IsRoot {
		t.Fatal("root principal must be flagged as root")
	}
	if identity.CompanyID != nil {
		t.Fatalf("global staff must have no company, got %s", identity.CompanyID)
	}
	if len(identity.Permissions) != 1 || identity.Permissions[0] != shared.PermWildcard {
		t.Fatalf("permissions snapshot = %v, want the wildcard", identity.Permissions)
	}

	// A tenant access code is not a substitute for the headquarters code.
	if _, err := f.service.Authenticate(ctx, f.root.Email, "root secret", f.company.AccessCode); !errors.Is(err, shared.ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestAuthenticateToleratesMissingRoleDefinition(t *testing.T) {
	f := newFixture(t)

	orphan := f.agent
	orphan.Email = "orphan@acme.test"
	orphan.RoleSlug = "retired-role"
	dir := &stubPrincipals{byEmail: map[string]principals.Principal{orphan.Email: orphan}}
	companyDir := &stubCompanies{byCode: map[string]companies.Company{f.company.AccessCode: f.company}}
	service := auth.NewService(dir, companyDir, authz.NewResolver(&stubRoleSource{}), f.sessions, hqCode)

	identity, err := service.Authenticate(context.Background(), orphan.Email, "correct horse", f.company.AccessCode)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	// Login succeeds with an empty snapshot; permission checks downstream
	// re-resolve and deny.
	if len(identity.Permissions) != 0 {
		t.Fatalf("permissions snapshot = %v, want empty", identity.Permissions)
	}
}

func TestAuthenticateFailsWhenRoleStoreIsUnavailable(t *testing.T) {
	f := newFixture(t)

	dir := &stubPrincipals{byEmail: map[string]principals.Principal{f.agent.Email: f.agent}}
	companyDir := &stubCompanies{byCode: map[string]companies.Company{f.company.AccessCode: f.company}}
	resolver := authz.NewResolver(&stubRoleSource{err: errors.New("connection refused")})
	service := auth.NewService(dir, companyDir, resolver, f.sessions, hqCode)

	// A store outage must not hand out a session with an empty snapshot;
	// only a genuinely missing role definition is tolerated.
	_, err := service.Authenticate(context.Background(), f.agent.Email, "correct horse", f.company.AccessCode)
	if err == nil {
		t.Fatal("expected an error while the role store is down")
	}
	if errors.Is(err, shared.ErrInvalidCredentials) {
		t.Fatalf("err = %v, must not masquerade as bad credentials", err)
	}
}

func TestSessionRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	identity := shared.Identity{ID: f.agent.ID}
	if err := f.service.RegisterSession(ctx, "sess-1", identity, time.Now().Add(time.Hour), "203.0.113.9", "curl/8"); err != nil {
		t.Fatalf("register session: %v", err)
	}
	if err := f.service.RemoveSession(ctx, "sess-1"); err != nil {
		t.Fatalf("remove session: %v", err)
	}
	if len(f.sessions.created) != 1 || f.sessions.created[0] != "sess-1" {
		t.Fatalf("created sessions = %v", f.sessions.created)
	}
	if len(f.sessions.deleted) != 1 || f.sessions.deleted[0] != "sess-1" {
		t.Fatalf("deleted sessions = %v", f.sessions.deleted)
	}
}
