package tickets

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nexdesk/nexdesk/internal/authz"
	"github.com/nexdesk/nexdesk/internal/shared"
)

// Delegate hands the ticket from a senior support agent to a trainee while
// keeping the senior on the hook as tutor. Preconditions, checked in order:
// the actor is the ticket's current assignee, the actor holds the senior
// support role, and the target is an active trainee in the ticket's
// company. The ticket's state does not change; the trainee continues from
// wherever the ticket is. Any later delegation overwrites the tutor, so
// exactly one tutor is on record at a time.
func (s *Service) Delegate(ctx context.Context, actor shared.Identity, id, traineeID uuid.UUID) (Ticket, error) {
	ticket, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Ticket{}, err
	}

	set, err := s.resolver.Resolve(ctx, authz.SubjectFromIdentity(actor))
	if err != nil {
		return Ticket{}, err
	}
	if !set.Has(shared.PermTicketsDelegate) {
		return Ticket{}, fmt.Errorf("delegate ticket: %w", shared.ErrForbidden)
	}
	if ticket.AssigneeID == nil || *ticket.AssigneeID != actor.ID {
		return Ticket{}, fmt.Errorf("delegate ticket: only the currently assigned agent may delegate: %w", shared.ErrForbidden)
	}
	if actor.RoleSlug != authz.SupportRoleSlug {
		return Ticket{}, fmt.Errorf("delegate ticket: only senior support agents may delegate: %w", shared.ErrForbidden)
	}
	if ticket.State == StateClosed {
		return Ticket{}, fmt.Errorf("%w: ticket is closed", shared.ErrInvalidState)
	}

	trainee, err := s.directory.Agent(ctx, traineeID)
	if err != nil {
		return Ticket{}, fmt.Errorf("delegate ticket: %w", err)
	}
	if !trainee.Active {
		return Ticket{}, fmt.Errorf("delegate ticket: trainee is inactive: %w", shared.ErrInvalidState)
	}
	if trainee.CompanyID == nil || *trainee.CompanyID != ticket.CompanyID {
		return Ticket{}, fmt.Errorf("delegate ticket: trainee belongs to a different company: %w", shared.ErrForbidden)
	}
	if trainee.RoleSlug != authz.TraineeRoleSlug {
		return Ticket{}, fmt.Errorf("delegate ticket: target must hold the %s role: %w", authz.TraineeRoleSlug, shared.ErrForbidden)
	}

	tutor := actor.ID
	assignee := trainee.ID
	ticket.TutorID = &tutor
	ticket.AssigneeID = &assignee

	updated, err := s.repo.Update(ctx, ticket)
	if err != nil {
		return Ticket{}, err
	}
	s.recordAudit(ctx, actor, "ticket.delegate", updated.ID, map[string]any{
		"trainee_id": assignee.String(),
		"tutor_id":   tutor.String(),
	})
	s.notify(ctx, Event{
		Type:     "ticket.delegated",
		TicketID: updated.ID,
		ActorID:  actor.ID,
		Meta:     map[string]string{"trainee_id": assignee.String(), "trainee_name": trainee.Name},
	})
	return updated, nil
}
