package principals

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexdesk/nexdesk/internal/roles"
	"github.com/nexdesk/nexdesk/internal/shared"
)

const principalColumns = `id, name, email, password_hash, role_name, role_slug, company_id, role_permissions, direct_permissions, active, created_at, updated_at`

// Repository provides PostgreSQL backed persistence for principals.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a principal by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (Principal, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = $1`, id)
	return scanPrincipal(row)
}

// FindByEmail fetches an active-or-not principal by email, lowercased.
func (r *Repository) FindByEmail(ctx context.Context, email string) (Principal, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+principalColumns+` FROM principals WHERE lower(email) = $1`, strings.ToLower(email))
	return scanPrincipal(row)
}

// List returns principals scoped to a company, or every principal when
// companyID is nil.
func (r *Repository) List(ctx context.Context, companyID *uuid.UUID) ([]Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals ORDER BY created_at DESC`
	args := []any{}
	if companyID != nil {
		query = `SELECT ` + principalColumns + ` FROM principals WHERE company_id = $1 ORDER BY created_at DESC`
		args = append(args, *companyID)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// Create inserts a principal. Duplicate emails yield shared.ErrConflict.
func (r *Repository) Create(ctx context.Context, p Principal) (Principal, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO principals (id, name, email, password_hash, role_name, role_slug, company_id, role_permissions, direct_permissions, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE)
		RETURNING `+principalColumns,
		p.ID, p.Name, strings.ToLower(p.Email), p.PasswordHash, p.RoleName,
		p.RoleSlug, p.CompanyID, p.RolePermissions, p.DirectPermissions)
	created, err := scanPrincipal(row)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return Principal{}, shared.ErrConflict
	}
	return created, err
}

// FindByRoleKeys returns sync targets whose role slug or display name
// case-insensitively matches one of the folded keys.
func (r *Repository) FindByRoleKeys(ctx context.Context, keys []string) ([]roles.SyncTarget, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, company_id
		FROM principals
		WHERE lower(role_slug) = ANY($1) OR lower(role_name) = ANY($1)`, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []roles.SyncTarget
	for rows.Next() {
		var t roles.SyncTarget
		if err := rows.Scan(&t.ID, &t.CompanyID); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// SetRolePermissions overwrites a principal's role binding and its
// synchronized role-derived permission copy.
func (r *Repository) SetRolePermissions(ctx context.Context, principalID uuid.UUID, roleSlug string, permissions []string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE principals
		SET role_slug = $2, role_permissions = $3, updated_at = NOW()
		WHERE id = $1`, principalID, roleSlug, permissions)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// UpdateDirectPermissions replaces a principal's explicit overrides.
func (r *Repository) UpdateDirectPermissions(ctx context.Context, principalID uuid.UUID, permissions []string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE principals
		SET direct_permissions = $2, updated_at = NOW()
		WHERE id = $1`, principalID, permissions)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func scanPrincipal(row pgx.Row) (Principal, error) {
	var p Principal
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.PasswordHash, &p.RoleName,
		&p.RoleSlug, &p.CompanyID, &p.RolePermissions, &p.DirectPermissions,
		&p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, shared.ErrNotFound
		}
		return Principal{}, err
	}
	return p, nil
}
