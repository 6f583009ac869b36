package roles

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexdesk/nexdesk/internal/authz"
	"github.com/nexdesk/nexdesk/internal/shared"
)

const roleColumns = `id, name, slug, description, company_id, permissions, protection, level, active, created_at, updated_at`

// Repository provides PostgreSQL backed persistence for role definitions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a role by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (Role, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id)
	return scanRole(row)
}

// FindBySlug locates the role for (slug, company scope). A company-scoped
// match is preferred over a global one; with a nil companyID only global
// roles match. Missing roles yield shared.ErrRoleNotFound.
func (r *Repository) FindBySlug(ctx context.Context, slug string, companyID *uuid.UUID) (Role, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+roleColumns+`
		FROM roles
		WHERE slug = $1 AND active AND (company_id = $2 OR company_id IS NULL)
		ORDER BY company_id NULLS LAST
		LIMIT 1`, slug, companyID)
	role, err := scanRole(row)
	if errors.Is(err, shared.ErrNotFound) {
		return Role{}, shared.ErrRoleNotFound
	}
	return role, err
}

// List returns active roles visible within the given company scope: the
// company's own roles plus all global roles. A nil companyID lists every
// role (root visibility).
func (r *Repository) List(ctx context.Context, companyID *uuid.UUID) ([]Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE active ORDER BY created_at DESC`
	args := []any{}
	if companyID != nil {
		query = `SELECT ` + roleColumns + ` FROM roles WHERE active AND (company_id = $1 OR company_id IS NULL) ORDER BY created_at DESC`
		args = append(args, *companyID)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, role)
	}
	return result, rows.Err()
}

// Create inserts a new role. A duplicate (slug, company) pair yields
// shared.ErrConflict.
func (r *Repository) Create(ctx context.Context, role Role) (Role, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO roles (id, name, slug, description, company_id, permissions, protection, level, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
		RETURNING `+roleColumns,
		role.ID, role.Name, role.Slug, role.Description, role.CompanyID,
		role.Permissions, string(role.Protection), role.Level)
	created, err := scanRole(row)
	if isUniqueViolation(err) {
		return Role{}, shared.ErrConflict
	}
	return created, err
}

// Update persists name, slug, description and permissions for a role.
func (r *Repository) Update(ctx context.Context, role Role) (Role, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE roles
		SET name = $2, slug = $3, description = $4, permissions = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING `+roleColumns,
		role.ID, role.Name, role.Slug, role.Description, role.Permissions)
	updated, err := scanRole(row)
	if isUniqueViolation(err) {
		return Role{}, shared.ErrConflict
	}
	return updated, err
}

// Delete removes a role by ID.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	var protection string
	err := row.Scan(&role.ID, &role.Name, &role.Slug, &role.Description,
		&role.CompanyID, &role.Permissions, &protection, &role.Level,
		&role.Active, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, shared.ErrNotFound
		}
		return Role{}, err
	}
	role.Protection = authz.Protection(protection)
	return role, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
