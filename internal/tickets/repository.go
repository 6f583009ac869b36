package tickets

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexdesk/nexdesk/internal/shared"
)

// Repository persists tickets in Postgres. All mutations go through an
// optimistic version check: the row's version must match what the caller
// read, otherwise the write is rejected with shared.ErrConflict.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const ticketColumns = `id, title, description, state, priority, company_id, creator_id,
	assignee_id, tutor_id, response_due, resolution_due, responded_at, resolved_at,
	version, created_at, updated_at`

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (Ticket, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE id = $1
	`, id)
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Ticket{}, fmt.Errorf("ticket %s: %w", id, shared.ErrNotFound)
		}
		return Ticket{}, fmt.Errorf("get ticket: %w", err)
	}
	return t, nil
}

// List returns tickets newest first. A nil companyID spans every company; a
// nil participant lists every matching ticket, otherwise only tickets where
// the principal is creator, assignee or tutor are returned.
func (r *Repository) List(ctx context.Context, companyID *uuid.UUID, participant *uuid.UUID) ([]Ticket, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ($1::uuid IS NULL OR company_id = $1)
		  AND ($2::uuid IS NULL OR creator_id = $2 OR assignee_id = $2 OR tutor_id = $2)
		ORDER BY created_at DESC
	`, companyID, participant)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	var out []Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repository) Create(ctx context.Context, t Ticket) (Ticket, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO tickets (id, title, description, state, priority, company_id, creator_id,
			response_due, resolution_due, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, NOW(), NOW())
		RETURNING `+ticketColumns+`
	`, t.ID, t.Title, t.Description, t.State, t.Priority, t.CompanyID, t.CreatorID,
		t.ResponseDue, t.ResolutionDue)
	created, err := scanTicket(row)
	if err != nil {
		return Ticket{}, fmt.Errorf("create ticket: %w", err)
	}
	return created, nil
}

// Update writes the ticket back, guarded by the version the caller read.
// The version the row carries after a successful update is t.Version+1.
// A missing row with a live id means someone else won the race; that is
// surfaced as shared.ErrConflict so callers can re-read and retry.
func (r *Repository) Update(ctx context.Context, t Ticket) (Ticket, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE tickets
		SET state = $3, priority = $4, assignee_id = $5, tutor_id = $6,
		    responded_at = $7, resolved_at = $8,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING `+ticketColumns+`
	`, t.ID, t.Version, t.State, t.Priority, t.AssigneeID, t.TutorID,
		t.RespondedAt, t.ResolvedAt)
	updated, err := scanTicket(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Ticket{}, fmt.Errorf("update ticket: %w", err)
	}

	var exists bool
	if probeErr := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tickets WHERE id = $1)`, t.ID,
	).Scan(&exists); probeErr != nil {
		return Ticket{}, fmt.Errorf("update ticket: %w", probeErr)
	}
	if exists {
		return Ticket{}, fmt.Errorf("ticket %s changed since it was read: %w", t.ID, shared.ErrConflict)
	}
	return Ticket{}, fmt.Errorf("ticket %s: %w", t.ID, shared.ErrNotFound)
}

func scanTicket(row pgx.Row) (Ticket, error) {
	var t Ticket
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.State, &t.Priority, &t.CompanyID, &t.CreatorID,
		&t.AssigneeID, &t.TutorID, &t.ResponseDue, &t.ResolutionDue, &t.RespondedAt, &t.ResolvedAt,
		&t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}
