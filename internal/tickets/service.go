package tickets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nexdesk/nexdesk/internal/authz"
	"github.com/nexdesk/nexdesk/internal/shared"
)

// Store is the persistence surface the service needs.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (Ticket, error)
	List(ctx context.Context, companyID *uuid.UUID, participant *uuid.UUID) ([]Ticket, error)
	Create(ctx context.Context, t Ticket) (Ticket, error)
	Update(ctx context.Context, t Ticket) (Ticket, error)
}

// Agent is the slice of a principal the ticket workflows need.
type Agent struct {
	ID        uuid.UUID
	Name      string
	RoleSlug  string
	CompanyID *uuid.UUID
	Active    bool
}

// AgentDirectory looks up principals for assignment and delegation checks.
// Implementations are expected to bound their own lookup latency and return
// shared.ErrLookupTimeout when the store does not answer in time.
type AgentDirectory interface {
	Agent(ctx context.Context, id uuid.UUID) (Agent, error)
}

// Event describes a ticket change worth notifying about.
type Event struct {
	Type     string            `json:"type"`
	TicketID uuid.UUID         `json:"ticket_id"`
	ActorID  uuid.UUID         `json:"actor_id"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// Notifier delivers ticket events out of band (email, queues). A nil
// Notifier disables notifications.
type Notifier interface {
	NotifyTicketEvent(ctx context.Context, event Event) error
}

// Roles that may hold ticket assignments.
var assignableRoles = map[string]struct{}{
	authz.SupportRoleSlug:      {},
	authz.TraineeRoleSlug:      {},
	authz.CompanyAdminRoleSlug: {},
}

// Service enforces who may see and move tickets. Every sensitive decision
// resolves the actor's permissions against the authoritative store; the
// cached session copy is never trusted here.
type Service struct {
	repo      Store
	resolver  *authz.Resolver
	directory AgentDirectory
	notifier  Notifier
	audit     *shared.AuditLogger
	logger    *slog.Logger
}

func NewService(repo Store, resolver *authz.Resolver, directory AgentDirectory, notifier Notifier, audit *shared.AuditLogger, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		resolver:  resolver,
		directory: directory,
		notifier:  notifier,
		audit:     audit,
		logger:    logger,
	}
}

// CreateInput is the payload for opening a ticket.
type CreateInput struct {
	Title       string
	Description string
	Priority    string
}

// Create opens a ticket in the actor's company with SLA deadlines derived
// from priority.
func (s *Service) Create(ctx context.Context, actor shared.Identity, in CreateInput) (Ticket, error) {
	set, err := s.resolver.Resolve(ctx, authz.SubjectFromIdentity(actor))
	if err != nil {
		return Ticket{}, err
	}
	if !set.Has(shared.PermTicketsCreate) {
		return Ticket{}, fmt.Errorf("create ticket: %w", shared.ErrForbidden)
	}
	if actor.CompanyID == nil {
		return Ticket{}, fmt.Errorf("create ticket: actor has no company: %w", shared.ErrForbidden)
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}

	now := time.Now()
	responseDue, resolutionDue := slaDeadlines(in.Priority, now)
	ticket := Ticket{
		ID:            uuid.New(),
		Title:         in.Title,
		Description:   in.Description,
		State:         StateOpen,
		Priority:      in.Priority,
		CompanyID:     *actor.CompanyID,
		CreatorID:     actor.ID,
		ResponseDue:   responseDue,
		ResolutionDue: resolutionDue,
	}
	created, err := s.repo.Create(ctx, ticket)
	if err != nil {
		return Ticket{}, err
	}
	s.recordAudit(ctx, actor, "ticket.create", created.ID, map[string]any{"priority": created.Priority})
	return created, nil
}

// Get fetches a ticket after checking visibility.
func (s *Service) Get(ctx context.Context, actor shared.Identity, id uuid.UUID) (Ticket, error) {
	ticket, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Ticket{}, err
	}
	if !s.CanView(ctx, actor, ticket) {
		return Ticket{}, fmt.Errorf("view ticket: %w", shared.ErrForbidden)
	}
	return ticket, nil
}

// List returns the tickets the actor may see. Principals with a company-wide
// view permission see their whole company; everyone else sees only tickets
// they participate in. Root may narrow to one company through the filter or
// list every company without it; for everyone else the filter is ignored and
// their own company applies.
func (s *Service) List(ctx context.Context, actor shared.Identity, companyFilter *uuid.UUID) ([]Ticket, error) {
	if actor.IsRoot {
		return s.repo.List(ctx, companyFilter, nil)
	}
	if actor.CompanyID == nil {
		return nil, fmt.Errorf("list tickets: actor has no company: %w", shared.ErrForbidden)
	}

	set, err := s.resolver.Resolve(ctx, authz.SubjectFromIdentity(actor))
	if err != nil && !errors.Is(err, shared.ErrRoleNotFound) {
		return nil, err
	}
	participant := &actor.ID
	if set.Has(shared.PermTicketsViewAll) || set.Has(shared.PermTicketsViewCompany) {
		participant = nil
	}
	return s.repo.List(ctx, actor.CompanyID, participant)
}

// CanView reports whether the actor may read the ticket. Root and principals
// whose resolved set is universal see everything. Within the ticket's
// company, a company-wide view permission or plain participation is enough.
// A principal whose role cannot be resolved falls back to participation
// only.
func (s *Service) CanView(ctx context.Context, actor shared.Identity, t Ticket) bool {
	if actor.IsRoot {
		return true
	}
	set, err := s.resolver.Resolve(ctx, authz.SubjectFromIdentity(actor))
	if err != nil {
		set = nil
	}
	if set.IsUniversal() {
		return true
	}
	if !actor.SameCompany(t.CompanyID) {
		return false
	}
	if t.IsParticipant(actor.ID) {
		return true
	}
	return set.Has(shared.PermTicketsViewAll) || set.Has(shared.PermTicketsViewCompany)
}

// ChangeState moves the ticket to the given state token. Unknown tokens and
// moves out of Closed fail with shared.ErrInvalidState. First entry into
// in_progress stamps RespondedAt; first entry into resolved stamps
// ResolvedAt. The write carries the version read here, so a concurrent
// change surfaces as shared.ErrConflict.
func (s *Service) ChangeState(ctx context.Context, actor shared.Identity, id uuid.UUID, stateToken string) (Ticket, error) {
	next, err := ParseState(stateToken)
	if err != nil {
		return Ticket{}, err
	}

	ticket, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Ticket{}, err
	}
	if !s.CanView(ctx, actor, ticket) {
		return Ticket{}, fmt.Errorf("change ticket state: %w", shared.ErrForbidden)
	}
	set, err := s.resolver.Resolve(ctx, authz.SubjectFromIdentity(actor))
	if err != nil {
		return Ticket{}, err
	}
	if !set.Has(shared.PermTicketsChangeStatus) {
		return Ticket{}, fmt.Errorf("change ticket state: %w", shared.ErrForbidden)
	}
	if ticket.State == StateClosed {
		return Ticket{}, fmt.Errorf("%w: ticket is closed", shared.ErrInvalidState)
	}

	now := time.Now()
	prev := ticket.State
	ticket.State = next
	if next == StateInProgress && ticket.RespondedAt == nil {
		ticket.RespondedAt = &now
	}
	if next == StateResolved && ticket.ResolvedAt == nil {
		ticket.ResolvedAt = &now
	}

	updated, err := s.repo.Update(ctx, ticket)
	if err != nil {
		return Ticket{}, err
	}
	s.recordAudit(ctx, actor, "ticket.change_state", updated.ID, map[string]any{"from": string(prev), "to": string(next)})
	s.notify(ctx, Event{
		Type:     "ticket.state_changed",
		TicketID: updated.ID,
		ActorID:  actor.ID,
		Meta:     map[string]string{"from": string(prev), "to": string(next)},
	})
	return updated, nil
}

// ChatAccess answers whether the actor may use the ticket's chat right now.
// Chat is open only while the ticket is in progress or on hold, and only to
// the ticket's participants. Root gets no exemption here: chat is a working
// channel for the people on the ticket, not an admin surface.
func (s *Service) ChatAccess(ctx context.Context, actor shared.Identity, id uuid.UUID) (ChatDecision, error) {
	ticket, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return ChatDecision{}, err
	}
	if ticket.State != StateInProgress && ticket.State != StateOnHold {
		return ChatDecision{
			Allowed: false,
			Reason:  fmt.Sprintf("chat is only available while the ticket is in progress or on hold; current state is %s", ticket.State),
		}, nil
	}
	if !ticket.IsParticipant(actor.ID) {
		return ChatDecision{
			Allowed: false,
			Reason:  "only the ticket's creator, assignee or tutor may use the chat",
		}, nil
	}
	return ChatDecision{Allowed: true}, nil
}

// Assign puts the ticket in the hands of an agent from the same company.
// Assigning an open ticket moves it to in_progress and stamps RespondedAt.
func (s *Service) Assign(ctx context.Context, actor shared.Identity, id, assigneeID uuid.UUID) (Ticket, error) {
	ticket, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Ticket{}, err
	}
	set, err := s.resolver.Resolve(ctx, authz.SubjectFromIdentity(actor))
	if err != nil {
		return Ticket{}, err
	}
	if !set.Has(shared.PermTicketsAssign) {
		return Ticket{}, fmt.Errorf("assign ticket: %w", shared.ErrForbidden)
	}
	if ticket.State == StateClosed {
		return Ticket{}, fmt.Errorf("%w: ticket is closed", shared.ErrInvalidState)
	}

	agent, err := s.directory.Agent(ctx, assigneeID)
	if err != nil {
		return Ticket{}, fmt.Errorf("assign ticket: %w", err)
	}
	if !agent.Active {
		return Ticket{}, fmt.Errorf("assign ticket: agent is inactive: %w", shared.ErrInvalidState)
	}
	if agent.CompanyID == nil || *agent.CompanyID != ticket.CompanyID {
		return Ticket{}, fmt.Errorf("assign ticket: agent belongs to a different company: %w", shared.ErrForbidden)
	}
	if _, ok := assignableRoles[agent.RoleSlug]; !ok {
		return Ticket{}, fmt.Errorf("assign ticket: role %s cannot hold assignments: %w", agent.RoleSlug, shared.ErrInvalidState)
	}

	assignee := agent.ID
	ticket.AssigneeID = &assignee
	if ticket.State == StateOpen {
		now := time.Now()
		ticket.State = StateInProgress
		if ticket.RespondedAt == nil {
			ticket.RespondedAt = &now
		}
	}

	updated, err := s.repo.Update(ctx, ticket)
	if err != nil {
		return Ticket{}, err
	}
	s.recordAudit(ctx, actor, "ticket.assign", updated.ID, map[string]any{"assignee_id": assignee.String()})
	s.notify(ctx, Event{
		Type:     "ticket.assigned",
		TicketID: updated.ID,
		ActorID:  actor.ID,
		Meta:     map[string]string{"assignee_id": assignee.String(), "assignee_name": agent.Name},
	})
	return updated, nil
}

func (s *Service) recordAudit(ctx context.Context, actor shared.Identity, action string, ticketID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "ticket",
		EntityID: ticketID.String(),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit record failed", "action", action, "ticket_id", ticketID, "error", err)
	}
}

func (s *Service) notify(ctx context.Context, event Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyTicketEvent(ctx, event); err != nil {
		s.logger.Warn("ticket notification failed", "type", event.Type, "ticket_id", event.TicketID, "error", err)
	}
}
