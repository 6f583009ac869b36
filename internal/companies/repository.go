package companies

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexdesk/nexdesk/internal/shared"
)

const companyColumns = `id, name, access_code, active, created_at, updated_at`

// Repository provides PostgreSQL backed persistence for companies.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a company by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (Company, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+companyColumns+` FROM companies WHERE id = $1`, id)
	return scanCompany(row)
}

// FindByAccessCode fetches a company by its login access code.
func (r *Repository) FindByAccessCode(ctx context.Context, code string) (Company, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+companyColumns+` FROM companies WHERE access_code = $1`, code)
	return scanCompany(row)
}

func scanCompany(row pgx.Row) (Company, error) {
	var c Company
	err := row.Scan(&c.ID, &c.Name, &c.AccessCode, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Company{}, shared.ErrNotFound
		}
		return Company{}, err
	}
	return c, nil
}
