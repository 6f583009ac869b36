package tickets

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexdesk/nexdesk/internal/authz"
	"github.com/nexdesk/nexdesk/internal/shared"
)

type mockStore struct {
	tickets     map[uuid.UUID]Ticket
	updateError error
}

func newMockStore() *mockStore {
	return &mockStore{tickets: make(map[uuid.UUID]Ticket)}
}

func (m *mockStore) GetByID(ctx context.Context, id uuid.UUID) (Ticket, error) {
	t, ok := m.tickets[id]
	if !ok {
		return Ticket{}, shared.ErrNotFound
	}
	return t, nil
}

func (m *mockStore) List(ctx context.Context, companyID *uuid.UUID, participant *uuid.UUID) ([]Ticket, error) {
	var out []Ticket
	for _, t := range m.tickets {
		if companyID != nil && t.CompanyID != *companyID {
			continue
		}
		if participant != nil && !t.IsParticipant(*participant) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *mockStore) Create(ctx context.Context, t Ticket) (Ticket, error) {
	t.Version = 1
	m.tickets[t.ID] = t
	return t, nil
}

func (m *mockStore) Update(ctx context.Context, t Ticket) (Ticket, error) {
	if m.updateError != nil {
		return Ticket{}, m.updateError
	}
	stored, ok := m.tickets[t.ID]
	if !ok {
		return Ticket{}, shared.ErrNotFound
	}
	if stored.Version != t.Version {
		return Ticket{}, fmt.Errorf("ticket %s changed since it was read: %w", t.ID, shared.ErrConflict)
	}
	t.Version++
	m.tickets[t.ID] = t
	return t, nil
}

type stubRoleSource struct {
	grants map[string]authz.RoleGrant
}

func (s *stubRoleSource) FindRole(ctx context.Context, slug string, companyID *uuid.UUID) (authz.RoleGrant, error) {
	grant, ok := s.grants[slug]
	if !ok {
		return authz.RoleGrant{}, shared.ErrRoleNotFound
	}
	return grant, nil
}

type stubDirectory struct {
	agents map[uuid.UUID]Agent
	err    error
}

func (d *stubDirectory) Agent(ctx context.Context, id uuid.UUID) (Agent, error) {
	if d.err != nil {
		return Agent{}, d.err
	}
	agent, ok := d.agents[id]
	if !ok {
		return Agent{}, shared.ErrNotFound
	}
	return agent, nil
}

type recordingNotifier struct {
	events []Event
	err    error
}

func (n *recordingNotifier) NotifyTicketEvent(ctx context.Context, event Event) error {
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, event)
	return nil
}

type ticketFixture struct {
	store     *mockStore
	directory *stubDirectory
	notifier  *recordingNotifier
	service   *Service
	companyID uuid.UUID
}

func newTicketFixture(t *testing.T) *ticketFixture {
	t.Helper()
	store := newMockStore()
	directory := &stubDirectory{agents: make(map[uuid.UUID]Agent)}
	notifier := &recordingNotifier{}
	resolver := authz.NewResolver(&stubRoleSource{grants: map[string]authz.RoleGrant{
		authz.RootRoleSlug: {
			Slug:        authz.RootRoleSlug,
			Protection:  authz.ProtectionImmutable,
			Permissions: shared.RootGrants(),
		},
		authz.CompanyAdminRoleSlug: {
			Slug:        authz.CompanyAdminRoleSlug,
			Permissions: shared.CompanyAdminGrants(),
		},
		authz.SupportRoleSlug: {
			Slug:        authz.SupportRoleSlug,
			Permissions: shared.SupportGrants(),
		},
		authz.TraineeRoleSlug: {
			Slug:        authz.TraineeRoleSlug,
			Permissions: []string{shared.PermTicketsViewAssigned, shared.PermTicketsChangeStatus},
		},
		"usuario-final": {
			Slug:        "usuario-final",
			Permissions: shared.EndUserGrants(),
		},
	}})
	service := NewService(store, resolver, directory, notifier, nil, slog.Default())
	return &ticketFixture{
		store:     store,
		directory: directory,
		notifier:  notifier,
		service:   service,
		companyID: uuid.New(),
	}
}

func (f *ticketFixture) identity(roleSlug string) shared.Identity {
	id := shared.Identity{ID: uuid.New(), RoleSlug: roleSlug, CompanyID: &f.companyID}
	if roleSlug == authz.RootRoleSlug {
		id.CompanyID = nil
		id.IsRoot = true
	}
	return id
}

func (f *ticketFixture) seedTicket(t Ticket) Ticket {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CompanyID == uuid.Nil {
		t.CompanyID = f.companyID
	}
	if t.State == "" {
		t.State = StateOpen
	}
	if t.Version == 0 {
		t.Version = 1
	}
	f.store.tickets[t.ID] = t
	return t
}

func (f *ticketFixture) seedAgent(roleSlug string) Agent {
	agent := Agent{ID: uuid.New(), Name: "Agent", RoleSlug: roleSlug, CompanyID: &f.companyID, Active: true}
	f.directory.agents[agent.ID] = agent
	return agent
}

func TestChangeStateRejectsUnknownToken(t *testing.T) {
	f := newTicketFixture(t)
	ticket := f.seedTicket(Ticket{CreatorID: uuid.New()})
	actor := f.identity(authz.SupportRoleSlug)

	_, err := f.service.ChangeState(context.Background(), actor, ticket.ID, "escalated")
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestChangeStateClosedIsTerminal(t *testing.T) {
	f := newTicketFixture(t)
	actor := f.identity(authz.SupportRoleSlug)
	ticket := f.seedTicket(Ticket{CreatorID: actor.ID, State: StateClosed})

	_, err := f.service.ChangeState(context.Background(), actor, ticket.ID, string(StateOpen))
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestChangeStateStampsResponseAndResolution(t *testing.T) {
	f := newTicketFixture(t)
	actor := f.identity(authz.SupportRoleSlug)
	ticket := f.seedTicket(Ticket{CreatorID: actor.ID, State: StateOpen})

	moved, err := f.service.ChangeState(context.Background(), actor, ticket.ID, string(StateInProgress))
	require.NoError(t, err)
	require.NotNil(t, moved.RespondedAt)
	firstResponse := *moved.RespondedAt

	// A later re-entry into in_progress keeps the original stamp.
	held, err := f.service.ChangeState(context.Background(), actor, moved.ID, string(StateOnHold))
	require.NoError(t, err)
	resumed, err := f.service.ChangeState(context.Background(), actor, held.ID, string(StateInProgress))
	require.NoError(t, err)
	assert.Equal(t, firstResponse, *resumed.RespondedAt)

	resolved, err := f.service.ChangeState(context.Background(), actor, resumed.ID, string(StateResolved))
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedAt)
}

func TestChangeStateRequiresPermission(t *testing.T) {
	f := newTicketFixture(t)
	actor := f.identity("usuario-final")
	ticket := f.seedTicket(Ticket{CreatorID: actor.ID})

	_, err := f.service.ChangeState(context.Background(), actor, ticket.ID, string(StateInProgress))
	require.ErrorIs(t, err, shared.ErrForbidden)
}

func TestChangeStateSurfacesVersionConflict(t *testing.T) {
	f := newTicketFixture(t)
	actor := f.identity(authz.SupportRoleSlug)
	ticket := f.seedTicket(Ticket{CreatorID: actor.ID, State: StateOpen})
	f.store.updateError = fmt.Errorf("ticket %s changed since it was read: %w", ticket.ID, shared.ErrConflict)

	_, err := f.service.ChangeState(context.Background(), actor, ticket.ID, string(StateInProgress))
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestChatAccessOnlyWhileActive(t *testing.T) {
	f := newTicketFixture(t)
	creator := f.identity("usuario-final")

	for _, state := range []State{StateOpen, StateResolved, StateClosed} {
		ticket := f.seedTicket(Ticket{CreatorID: creator.ID, State: state})
		decision, err := f.service.ChatAccess(context.Background(), creator, ticket.ID)
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
		assert.Contains(t, decision.Reason, string(state))
	}

	for _, state := range []State{StateInProgress, StateOnHold} {
		ticket := f.seedTicket(Ticket{CreatorID: creator.ID, State: state})
		decision, err := f.service.ChatAccess(context.Background(), creator, ticket.ID)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Empty(t, decision.Reason)
	}
}

func TestChatAccessParticipantsOnlyRootIncluded(t *testing.T) {
	f := newTicketFixture(t)
	assignee := f.identity(authz.SupportRoleSlug)
	ticket := f.seedTicket(Ticket{
		CreatorID:  uuid.New(),
		AssigneeID: &assignee.ID,
		State:      StateInProgress,
	})

	decision, err := f.service.ChatAccess(context.Background(), assignee, ticket.ID)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	outsider := f.identity(authz.CompanyAdminRoleSlug)
	decision, err = f.service.ChatAccess(context.Background(), outsider, ticket.ID)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	// Root administers everything but does not sit in the conversation.
	root := f.identity(authz.RootRoleSlug)
	decision, err = f.service.ChatAccess(context.Background(), root, ticket.ID)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "creator")
}

func TestCanViewScoping(t *testing.T) {
	f := newTicketFixture(t)
	creator := f.identity("usuario-final")
	ticket := f.seedTicket(Ticket{CreatorID: creator.ID})

	assert.True(t, f.service.CanView(context.Background(), creator, f.store.tickets[ticket.ID]))
	assert.True(t, f.service.CanView(context.Background(), f.identity(authz.RootRoleSlug), f.store.tickets[ticket.ID]))
	assert.True(t, f.service.CanView(context.Background(), f.identity(authz.CompanyAdminRoleSlug), f.store.tickets[ticket.ID]))

	// Same-company end user who is not a participant.
	stranger := f.identity("usuario-final")
	assert.False(t, f.service.CanView(context.Background(), stranger, f.store.tickets[ticket.ID]))

	// Company admin from another tenant.
	otherCompany := uuid.New()
	foreignAdmin := shared.Identity{ID: uuid.New(), RoleSlug: authz.CompanyAdminRoleSlug, CompanyID: &otherCompany}
	assert.False(t, f.service.CanView(context.Background(), foreignAdmin, f.store.tickets[ticket.ID]))

	// Unknown role falls back to participation only.
	ghost := shared.Identity{ID: creator.ID, RoleSlug: "ghost", CompanyID: &f.companyID}
	assert.True(t, f.service.CanView(context.Background(), ghost, f.store.tickets[ticket.ID]))
}

func TestAssignValidatesAgent(t *testing.T) {
	f := newTicketFixture(t)
	actor := f.identity(authz.CompanyAdminRoleSlug)
	ticket := f.seedTicket(Ticket{CreatorID: uuid.New(), State: StateOpen})

	// End users cannot hold assignments.
	endUser := Agent{ID: uuid.New(), RoleSlug: "usuario-final", CompanyID: &f.companyID, Active: true}
	f.directory.agents[endUser.ID] = endUser
	_, err := f.service.Assign(context.Background(), actor, ticket.ID, endUser.ID)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	// Agents from another company are rejected.
	otherCompany := uuid.New()
	foreign := Agent{ID: uuid.New(), RoleSlug: authz.SupportRoleSlug, CompanyID: &otherCompany, Active: true}
	f.directory.agents[foreign.ID] = foreign
	_, err = f.service.Assign(context.Background(), actor, ticket.ID, foreign.ID)
	require.ErrorIs(t, err, shared.ErrForbidden)

	// A directory timeout propagates as a retryable error.
	f.directory.err = shared.ErrLookupTimeout
	_, err = f.service.Assign(context.Background(), actor, ticket.ID, endUser.ID)
	require.ErrorIs(t, err, shared.ErrLookupTimeout)
	f.directory.err = nil

	// A valid support agent takes the ticket and it moves to in_progress.
	agent := f.seedAgent(authz.SupportRoleSlug)
	updated, err := f.service.Assign(context.Background(), actor, ticket.ID, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.AssigneeID)
	assert.Equal(t, agent.ID, *updated.AssigneeID)
	assert.Equal(t, StateInProgress, updated.State)
	require.NotNil(t, updated.RespondedAt)

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, "ticket.assigned", f.notifier.events[0].Type)
}

func TestAssignRequiresPermission(t *testing.T) {
	f := newTicketFixture(t)
	actor := f.identity(authz.SupportRoleSlug) // support lacks tickets.assign
	ticket := f.seedTicket(Ticket{CreatorID: uuid.New(), State: StateOpen})
	agent := f.seedAgent(authz.SupportRoleSlug)

	_, err := f.service.Assign(context.Background(), actor, ticket.ID, agent.ID)
	require.ErrorIs(t, err, shared.ErrForbidden)
}

func TestListParticipantScopedWithoutCompanyWideView(t *testing.T) {
	f := newTicketFixture(t)
	creator := f.identity("usuario-final")
	f.seedTicket(Ticket{CreatorID: creator.ID})
	f.seedTicket(Ticket{CreatorID: uuid.New()})

	mine, err := f.service.List(context.Background(), creator, nil)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	admin := f.identity(authz.CompanyAdminRoleSlug)
	all, err := f.service.List(context.Background(), admin, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestListRootSpansCompaniesAndHonorsFilter(t *testing.T) {
	f := newTicketFixture(t)
	otherCompany := uuid.New()
	f.seedTicket(Ticket{CreatorID: uuid.New()})
	f.seedTicket(Ticket{CreatorID: uuid.New(), CompanyID: otherCompany})

	root := f.identity(authz.RootRoleSlug)

	everything, err := f.service.List(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Len(t, everything, 2)

	scoped, err := f.service.List(context.Background(), root, &otherCompany)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, otherCompany, scoped[0].CompanyID)

	// Tenant actors cannot widen their view through the filter.
	admin := f.identity(authz.CompanyAdminRoleSlug)
	own, err := f.service.List(context.Background(), admin, &otherCompany)
	require.NoError(t, err)
	assert.Len(t, own, 1)
	assert.Equal(t, f.companyID, own[0].CompanyID)
}

func TestCreateDerivesSLADeadlines(t *testing.T) {
	f := newTicketFixture(t)
	actor := f.identity("usuario-final")

	ticket, err := f.service.Create(context.Background(), actor, CreateInput{
		Title:       "Printer on fire",
		Description: "It is very much on fire.",
		Priority:    PriorityCritical,
	})
	require.NoError(t, err)

	assert.Equal(t, StateOpen, ticket.State)
	assert.Equal(t, f.companyID, ticket.CompanyID)
	require.NotNil(t, ticket.ResponseDue)
	require.NotNil(t, ticket.ResolutionDue)
	assert.True(t, ticket.ResponseDue.Before(*ticket.ResolutionDue))
}
