package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexdesk/nexdesk/internal/authz"
	"github.com/nexdesk/nexdesk/internal/shared"
)

type mockRepository struct {
	roles map[uuid.UUID]Role
}

func newMockRepository() *mockRepository {
	return &mockRepository{roles: make(map[uuid.UUID]Role)}
}

func (m *mockRepository) GetByID(ctx context.Context, id uuid.UUID) (Role, error) {
	role, ok := m.roles[id]
	if !ok {
		return Role{}, shared.ErrNotFound
	}
	return role, nil
}

func (m *mockRepository) FindBySlug(ctx context.Context, slug string, companyID *uuid.UUID) (Role, error) {
	var global *Role
	for _, role := range m.roles {
		if role.Slug != slug || !role.Active {
			continue
		}
		if role.CompanyID == nil {
			r := role
			global = &r
			continue
		}
		if companyID != nil && *role.CompanyID == *companyID {
			return role, nil
		}
	}
	if global != nil {
		return *global, nil
	}
	return Role{}, shared.ErrRoleNotFound
}

func (m *mockRepository) List(ctx context.Context, companyID *uuid.UUID) ([]Role, error) {
	var out []Role
	for _, role := range m.roles {
		if companyID == nil || (role.CompanyID != nil && *role.CompanyID == *companyID) {
			out = append(out, role)
		}
	}
	return out, nil
}

func (m *mockRepository) Create(ctx context.Context, role Role) (Role, error) {
	role.Active = true
	m.roles[role.ID] = role
	return role, nil
}

func (m *mockRepository) Update(ctx context.Context, role Role) (Role, error) {
	if _, ok := m.roles[role.ID]; !ok {
		return Role{}, shared.ErrNotFound
	}
	m.roles[role.ID] = role
	return role, nil
}

func (m *mockRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, ok := m.roles[id]; !ok {
		return shared.ErrNotFound
	}
	delete(m.roles, id)
	return nil
}

type syncedPrincipal struct {
	ID          uuid.UUID
	CompanyID   *uuid.UUID
	RoleName    string
	RoleSlug    string
	Permissions []string
}

type mockSyncer struct {
	principals map[uuid.UUID]*syncedPrincipal
	failFor    map[uuid.UUID]error
}

func newMockSyncer() *mockSyncer {
	return &mockSyncer{
		principals: make(map[uuid.UUID]*syncedPrincipal),
		failFor:    make(map[uuid.UUID]error),
	}
}

func (m *mockSyncer) FindByRoleKeys(ctx context.Context, keys []string) ([]SyncTarget, error) {
	keySet := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keySet[k] = struct{}{}
	}
	var targets []SyncTarget
	for _, p := range m.principals {
		if _, ok := keySet[foldKey(p.RoleName)]; ok {
			targets = append(targets, SyncTarget{ID: p.ID, CompanyID: p.CompanyID})
			continue
		}
		if _, ok := keySet[foldKey(p.RoleSlug)]; ok {
			targets = append(targets, SyncTarget{ID: p.ID, CompanyID: p.CompanyID})
		}
	}
	return targets, nil
}

func (m *mockSyncer) SetRolePermissions(ctx context.Context, principalID uuid.UUID, roleSlug string, permissions []string) error {
	if err := m.failFor[principalID]; err != nil {
		return err
	}
	p, ok := m.principals[principalID]
	if !ok {
		return shared.ErrNotFound
	}
	p.RoleSlug = roleSlug
	p.Permissions = permissions
	return nil
}

type recordingScheduler struct {
	scheduled []uuid.UUID
}

func (r *recordingScheduler) ScheduleResync(_ context.Context, roleID uuid.UUID) error {
	r.scheduled = append(r.scheduled, roleID)
	return nil
}

type roleFixture struct {
	repo      *mockRepository
	syncer    *mockSyncer
	scheduler *recordingScheduler
	service   *Service
}

func newRoleFixture(t *testing.T) *roleFixture {
	t.Helper()
	repo := newMockRepository()
	syncer := newMockSyncer()
	guard := NewGuard(authz.NewResolver(NewDirectory(repo)))
	service := NewService(repo, guard, syncer, nil, slog.Default())
	scheduler := &recordingScheduler{}
	service.SetResyncScheduler(scheduler)
	return &roleFixture{repo: repo, syncer: syncer, scheduler: scheduler, service: service}
}

func (f *roleFixture) seedRole(role Role) Role {
	if role.ID == uuid.Nil {
		role.ID = uuid.New()
	}
	role.Active = true
	f.repo.roles[role.ID] = role
	return role
}

func TestCreateForcesActorCompanyForNonRoot(t *testing.T) {
	f := newRoleFixture(t)
	companyA := uuid.New()
	companyB := uuid.New()
	f.seedRole(Role{
		Name: "Admin Interno", Slug: authz.CompanyAdminRoleSlug,
		CompanyID: &companyA, Permissions: shared.CompanyAdminGrants(),
		Protection: authz.ProtectionSelfEditRestricted,
	})
	actor := shared.Identity{ID: uuid.New(), RoleSlug: authz.CompanyAdminRoleSlug, CompanyID: &companyA}

	role, err := f.service.Create(context.Background(), actor, CreateRoleInput{
		Name:        "Night Shift",
		Permissions: []string{shared.PermTicketsViewAll},
		CompanyID:   &companyB, // ignored for non-root actors
	})
	require.NoError(t, err)

	require.NotNil(t, role.CompanyID)
	assert.Equal(t, companyA, *role.CompanyID)
	assert.Equal(t, "night-shift", role.Slug)
	assert.Equal(t, authz.ProtectionNone, role.Protection)
}

func TestCreateRejectsEscalatedGrants(t *testing.T) {
	f := newRoleFixture(t)
	companyID := uuid.New()
	f.seedRole(Role{
		Name: "Soporte", Slug: authz.SupportRoleSlug,
		CompanyID: &companyID, Permissions: shared.SupportGrants(),
	})
	actor := shared.Identity{ID: uuid.New(), RoleSlug: authz.SupportRoleSlug, CompanyID: &companyID}

	_, err := f.service.Create(context.Background(), actor, CreateRoleInput{
		Name:        "Shadow Admin",
		Permissions: []string{shared.PermTicketsViewAll, shared.PermCompaniesSuspend},
	})
	require.ErrorIs(t, err, shared.ErrForbidden)

	var escalation *shared.PermissionEscalationError
	require.True(t, errors.As(err, &escalation))
	assert.Equal(t, []string{shared.PermCompaniesSuspend}, escalation.Tokens)
}

func TestApplyUpdateSyncsRenamedRoleToPrincipals(t *testing.T) {
	f := newRoleFixture(t)
	companyID := uuid.New()
	f.seedRole(Role{
		Name: "Admin General", Slug: authz.RootRoleSlug,
		Protection: authz.ProtectionImmutable, Permissions: shared.RootGrants(),
	})
	role := f.seedRole(Role{
		Name: "Soporte", Slug: authz.SupportRoleSlug,
		CompanyID: &companyID, Permissions: shared.SupportGrants(),
	})

	// Two principals bound to the role: one by current slug, one by a stale
	// legacy name with different casing.
	current := &syncedPrincipal{ID: uuid.New(), CompanyID: &companyID, RoleSlug: authz.SupportRoleSlug}
	legacy := &syncedPrincipal{ID: uuid.New(), CompanyID: &companyID, RoleName: "SOPORTE"}
	f.syncer.principals[current.ID] = current
	f.syncer.principals[legacy.ID] = legacy

	name := "Mesa de Ayuda"
	updated, report, err := f.service.ApplyUpdate(context.Background(), rootIdentity(), role.ID, UpdateRoleInput{
		Name:        &name,
		Permissions: []string{shared.PermTicketsViewAll, shared.PermTicketsChangeStatus},
	})
	require.NoError(t, err)

	assert.Equal(t, "mesa-de-ayuda", updated.Slug)
	assert.Equal(t, SyncReport{Updated: 2}, report)
	assert.Equal(t, "mesa-de-ayuda", current.RoleSlug)
	assert.Equal(t, "mesa-de-ayuda", legacy.RoleSlug)
	assert.ElementsMatch(t, []string{shared.PermTicketsViewAll, shared.PermTicketsChangeStatus}, legacy.Permissions)
	assert.Empty(t, f.scheduler.scheduled, "clean sync must not queue a repair")
}

func TestApplyUpdateSyncSkipsOtherCompaniesAndSurvivesFailures(t *testing.T) {
	f := newRoleFixture(t)
	companyA := uuid.New()
	companyB := uuid.New()
	f.seedRole(Role{
		Name: "Admin General", Slug: authz.RootRoleSlug,
		Protection: authz.ProtectionImmutable, Permissions: shared.RootGrants(),
	})
	role := f.seedRole(Role{
		Name: "Soporte", Slug: authz.SupportRoleSlug,
		CompanyID: &companyA, Permissions: shared.SupportGrants(),
	})

	ok := &syncedPrincipal{ID: uuid.New(), CompanyID: &companyA, RoleSlug: authz.SupportRoleSlug}
	foreign := &syncedPrincipal{ID: uuid.New(), CompanyID: &companyB, RoleSlug: authz.SupportRoleSlug}
	broken := &syncedPrincipal{ID: uuid.New(), CompanyID: &companyA, RoleSlug: authz.SupportRoleSlug}
	f.syncer.principals[ok.ID] = ok
	f.syncer.principals[foreign.ID] = foreign
	f.syncer.principals[broken.ID] = broken
	f.syncer.failFor[broken.ID] = fmt.Errorf("connection reset")

	perms := []string{shared.PermTicketsViewAssigned}
	_, report, err := f.service.ApplyUpdate(context.Background(), rootIdentity(), role.ID, UpdateRoleInput{
		Permissions: perms,
	})
	require.NoError(t, err)

	assert.Equal(t, SyncReport{Updated: 1, Skipped: 1, Failed: 1}, report)
	assert.Equal(t, perms, ok.Permissions)
	assert.Nil(t, foreign.Permissions)
	// A batch with failures is queued for a background repair sweep.
	assert.Equal(t, []uuid.UUID{role.ID}, f.scheduler.scheduled)
}

func TestApplyUpdateDeniedByProtection(t *testing.T) {
	f := newRoleFixture(t)
	role := f.seedRole(Role{
		Name: "Admin General", Slug: authz.RootRoleSlug,
		Protection: authz.ProtectionImmutable, Permissions: shared.RootGrants(),
	})

	name := "Renamed Root"
	_, _, err := f.service.ApplyUpdate(context.Background(), rootIdentity(), role.ID, UpdateRoleInput{Name: &name})
	require.ErrorIs(t, err, shared.ErrForbidden)
}

func TestResyncHealsDriftedPrincipals(t *testing.T) {
	f := newRoleFixture(t)
	companyID := uuid.New()
	role := f.seedRole(Role{
		Name: "Soporte", Slug: authz.SupportRoleSlug,
		CompanyID: &companyID, Permissions: shared.SupportGrants(),
	})

	drifted := &syncedPrincipal{
		ID: uuid.New(), CompanyID: &companyID,
		RoleSlug: authz.SupportRoleSlug, Permissions: []string{"stale.token"},
	}
	f.syncer.principals[drifted.ID] = drifted

	report, err := f.service.Resync(context.Background(), role.ID)
	require.NoError(t, err)

	assert.Equal(t, SyncReport{Updated: 1}, report)
	assert.ElementsMatch(t, shared.SupportGrants(), drifted.Permissions)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "mesa-de-ayuda", Slugify("  Mesa  de Ayuda "))
	assert.Equal(t, "beca-soporte", Slugify("Beca Soporte"))
	assert.Equal(t, "", Slugify("   "))
}
