package roles

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/nexdesk/nexdesk/internal/authz"
	"github.com/nexdesk/nexdesk/internal/shared"
)

// RepositoryPort defines data access methods for role definitions.
type RepositoryPort interface {
	GetByID(ctx context.Context, id uuid.UUID) (Role, error)
	FindBySlug(ctx context.Context, slug string, companyID *uuid.UUID) (Role, error)
	List(ctx context.Context, companyID *uuid.UUID) ([]Role, error)
	Create(ctx context.Context, role Role) (Role, error)
	Update(ctx context.Context, role Role) (Role, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// SyncTarget identifies a principal matched during synchronization.
type SyncTarget struct {
	ID        uuid.UUID
	CompanyID *uuid.UUID
}

// PrincipalSyncer locates principals bound to a role and overwrites their
// role-derived permissions. Implemented by the principals package.
type PrincipalSyncer interface {
	FindByRoleKeys(ctx context.Context, keys []string) ([]SyncTarget, error)
	SetRolePermissions(ctx context.Context, principalID uuid.UUID, roleSlug string, permissions []string) error
}

// Directory adapts the repository to the resolver's RoleSource.
type Directory struct {
	repo RepositoryPort
}

// NewDirectory constructs a Directory.
func NewDirectory(repo RepositoryPort) *Directory {
	return &Directory{repo: repo}
}

// FindRole implements authz.RoleSource.
func (d *Directory) FindRole(ctx context.Context, slug string, companyID *uuid.UUID) (authz.RoleGrant, error) {
	role, err := d.repo.FindBySlug(ctx, slug, companyID)
	if err != nil {
		return authz.RoleGrant{}, err
	}
	return authz.RoleGrant{
		Slug:        role.Slug,
		Protection:  role.Protection,
		Permissions: role.Permissions,
	}, nil
}

// ResyncScheduler queues a background re-synchronization for a role.
// Implemented by the job client; wired from main to keep the registry free of
// a queue dependency.
type ResyncScheduler interface {
	ScheduleResync(ctx context.Context, roleID uuid.UUID) error
}

// Service orchestrates the role registry and the mutation guard.
type Service struct {
	repo   RepositoryPort
	guard  *Guard
	syncer PrincipalSyncer
	audit  *shared.AuditLogger
	logger *slog.Logger
	resync ResyncScheduler
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort, guard *Guard, syncer PrincipalSyncer, audit *shared.AuditLogger, logger *slog.Logger) *Service {
	return &Service{repo: repo, guard: guard, syncer: syncer, audit: audit, logger: logger}
}

// SetResyncScheduler installs the optional background repair hook. Updates
// whose sync batch reports failures are queued for a retry sweep.
func (s *Service) SetResyncScheduler(scheduler ResyncScheduler) {
	s.resync = scheduler
}

// Guard exposes the mutation guard for collaborators that enforce the
// grant-subset invariant on principal permission writes.
func (s *Service) Guard() *Guard {
	return s.guard
}

// List returns the roles visible to the actor: every role for root, the
// actor's company roles plus global roles otherwise.
func (s *Service) List(ctx context.Context, actor shared.Identity) ([]Role, error) {
	if actor.IsRoot {
		return s.repo.List(ctx, nil)
	}
	if actor.CompanyID == nil {
		return nil, fmt.Errorf("%w: no company scope", shared.ErrForbidden)
	}
	return s.repo.List(ctx, actor.CompanyID)
}

// Get fetches a role the actor is allowed to see.
func (s *Service) Get(ctx context.Context, actor shared.Identity, id uuid.UUID) (Role, error) {
	role, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if !actor.IsRoot && !role.IsGlobal() && (actor.CompanyID == nil || *actor.CompanyID != *role.CompanyID) {
		return Role{}, fmt.Errorf("%w: role belongs to another company", shared.ErrForbidden)
	}
	return role, nil
}

// CreateRoleInput collects the fields for a new role definition.
type CreateRoleInput struct {
	Name        string
	Description string
	Permissions []string
	CompanyID   *uuid.UUID
	Level       int
}

// Create registers a new role. Non-root actors always create within their own
// company; the assigned permission set must respect the grant-subset
// invariant.
func (s *Service) Create(ctx context.Context, actor shared.Identity, input CreateRoleInput) (Role, error) {
	target := input.CompanyID
	if !actor.IsRoot {
		if actor.CompanyID == nil {
			return Role{}, fmt.Errorf("%w: no company scope", shared.ErrForbidden)
		}
		target = actor.CompanyID
	}

	if err := s.guard.CheckGrantSubset(ctx, actor, input.Permissions); err != nil {
		return Role{}, err
	}

	slug := Slugify(input.Name)
	if slug == "" {
		return Role{}, fmt.Errorf("%w: role name required", shared.ErrInvalidState)
	}

	level := input.Level
	if level == 0 {
		level = 10
	}

	role, err := s.repo.Create(ctx, Role{
		ID:          uuid.New(),
		Name:        input.Name,
		Slug:        slug,
		Description: input.Description,
		CompanyID:   target,
		Permissions: authz.NewPermissionSet(input.Permissions).Tokens(),
		Protection:  authz.ProtectionNone,
		Level:       level,
	})
	if err != nil {
		return Role{}, err
	}
	s.recordAudit(ctx, actor, "role.create", role.ID, map[string]any{"slug": role.Slug})
	return role, nil
}

// UpdateRoleInput collects the mutable fields of a role definition. Nil
// fields are left unchanged; a non-nil Permissions slice replaces the stored
// set and triggers synchronization.
type UpdateRoleInput struct {
	Name        *string
	Description *string
	Permissions []string
}

// ApplyUpdate edits a role definition under the protection rules and
// synchronizes the change to every provisioned principal holding the role.
// The synchronization batch is best-effort; its outcome is returned in the
// SyncReport rather than raised as an error.
func (s *Service) ApplyUpdate(ctx context.Context, actor shared.Identity, roleID uuid.UUID, input UpdateRoleInput) (Role, SyncReport, error) {
	role, err := s.repo.GetByID(ctx, roleID)
	if err != nil {
		return Role{}, SyncReport{}, err
	}

	if err := s.guard.AuthorizeEdit(ctx, actor, role); err != nil {
		return Role{}, SyncReport{}, err
	}
	if input.Permissions != nil {
		if err := s.guard.CheckGrantSubset(ctx, actor, input.Permissions); err != nil {
			return Role{}, SyncReport{}, err
		}
	}

	oldName, oldSlug := role.Name, role.Slug
	if input.Name != nil && *input.Name != "" {
		role.Name = *input.Name
		role.Slug = Slugify(*input.Name)
	}
	if input.Description != nil {
		role.Description = *input.Description
	}
	if input.Permissions != nil {
		role.Permissions = authz.NewPermissionSet(input.Permissions).Tokens()
	}

	updated, err := s.repo.Update(ctx, role)
	if err != nil {
		return Role{}, SyncReport{}, err
	}

	report := s.syncPrincipals(ctx, oldName, oldSlug, updated)
	if report.Failed > 0 && s.resync != nil {
		if err := s.resync.ScheduleResync(ctx, updated.ID); err != nil {
			s.logger.Warn("schedule role resync", slog.Any("error", err))
		}
	}
	s.recordAudit(ctx, actor, "role.update", updated.ID, map[string]any{
		"slug": updated.Slug, "synced": report.Updated, "failed": report.Failed,
	})
	return updated, report, nil
}

// Delete removes a role definition under the same protection rules as edits.
func (s *Service) Delete(ctx context.Context, actor shared.Identity, id uuid.UUID) error {
	role, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.guard.AuthorizeEdit(ctx, actor, role); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.recordAudit(ctx, actor, "role.delete", id, map[string]any{"slug": role.Slug})
	return nil
}

// Resync re-pushes a role's current permissions onto every principal bound
// to it. Used by the background repair job to heal principals that drifted
// from their role, for example after a partially failed update sync.
func (s *Service) Resync(ctx context.Context, roleID uuid.UUID) (SyncReport, error) {
	role, err := s.repo.GetByID(ctx, roleID)
	if err != nil {
		return SyncReport{}, err
	}
	return s.syncPrincipals(ctx, role.Name, role.Slug, role), nil
}

// syncPrincipals overwrites the role-derived permissions of every principal
// whose role matches the old or new name/slug case-insensitively and whose
// company matches the role's scope. Company-scoped roles skip principals of
// other companies; global roles sync every match. One principal failing never
// aborts the rest.
func (s *Service) syncPrincipals(ctx context.Context, oldName, oldSlug string, role Role) SyncReport {
	keySet := map[string]struct{}{}
	for _, k := range []string{oldName, oldSlug, role.Name, role.Slug} {
		if folded := foldKey(k); folded != "" {
			keySet[folded] = struct{}{}
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}

	targets, err := s.syncer.FindByRoleKeys(ctx, keys)
	if err != nil {
		s.logger.Error("role sync: list principals", slog.String("slug", role.Slug), slog.Any("error", err))
		return SyncReport{}
	}

	var report SyncReport
	for _, target := range targets {
		if role.CompanyID != nil && (target.CompanyID == nil || *target.CompanyID != *role.CompanyID) {
			report.Skipped++
			continue
		}
		if err := s.syncer.SetRolePermissions(ctx, target.ID, role.Slug, role.Permissions); err != nil {
			report.Failed++
			s.logger.Error("role sync: update principal",
				slog.String("principal", target.ID.String()),
				slog.String("slug", role.Slug),
				slog.Any("error", err))
			continue
		}
		report.Updated++
	}
	return report
}

func (s *Service) recordAudit(ctx context.Context, actor shared.Identity, action string, entityID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "role",
		EntityID: entityID.String(),
		Meta:     meta,
		At:       time.Now().UTC(),
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}
