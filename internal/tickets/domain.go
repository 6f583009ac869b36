package tickets

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nexdesk/nexdesk/internal/shared"
)

// State is a ticket lifecycle state token. Tokens are string-valued and
// case-sensitive on the wire.
type State string

const (
	StateOpen       State = "open"
	StateInProgress State = "in_progress"
	StateOnHold     State = "on_hold"
	StateResolved   State = "resolved"
	StateClosed     State = "closed"
)

var knownStates = map[State]struct{}{
	StateOpen:       {},
	StateInProgress: {},
	StateOnHold:     {},
	StateResolved:   {},
	StateClosed:     {},
}

// ParseState validates a state token. Unknown tokens fail with
// shared.ErrInvalidState rather than crashing downstream.
func ParseState(token string) (State, error) {
	s := State(token)
	if _, ok := knownStates[s]; !ok {
		return "", fmt.Errorf("%w: %q is not one of open, in_progress, on_hold, resolved, closed", shared.ErrInvalidState, token)
	}
	return s, nil
}

// Ticket priorities.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Ticket is a unit of work with a lifecycle state and a bounded participant
// set (creator, assignee, tutor). Closed is terminal. Version guards
// concurrent read-modify-write cycles: stale writes are rejected with
// shared.ErrConflict instead of silently overwriting.
type Ticket struct {
	ID            uuid.UUID  `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	State         State      `json:"state"`
	Priority      string     `json:"priority"`
	CompanyID     uuid.UUID  `json:"company_id"`
	CreatorID     uuid.UUID  `json:"creator_id"`
	AssigneeID    *uuid.UUID `json:"assignee_id,omitempty"`
	TutorID       *uuid.UUID `json:"tutor_id,omitempty"`
	ResponseDue   *time.Time `json:"response_due,omitempty"`
	ResolutionDue *time.Time `json:"resolution_due,omitempty"`
	RespondedAt   *time.Time `json:"responded_at,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsParticipant reports whether the given principal is the ticket's creator,
// assignee or tutor.
func (t Ticket) IsParticipant(id uuid.UUID) bool {
	if t.CreatorID == id {
		return true
	}
	if t.AssigneeID != nil && *t.AssigneeID == id {
		return true
	}
	if t.TutorID != nil && *t.TutorID == id {
		return true
	}
	return false
}

// ChatDecision answers the chat-availability gate. Reason is set whenever
// Allowed is false.
type ChatDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// slaWindows maps priority to response/resolution windows used to derive
// deadlines at creation time.
var slaWindows = map[string]struct{ respond, resolve time.Duration }{
	PriorityLow:      {respond: 8 * time.Hour, resolve: 72 * time.Hour},
	PriorityMedium:   {respond: 4 * time.Hour, resolve: 48 * time.Hour},
	PriorityHigh:     {respond: 2 * time.Hour, resolve: 24 * time.Hour},
	PriorityCritical: {respond: 30 * time.Minute, resolve: 8 * time.Hour},
}

// slaDeadlines derives response and resolution deadlines from priority.
func slaDeadlines(priority string, now time.Time) (*time.Time, *time.Time) {
	window, ok := slaWindows[priority]
	if !ok {
		window = slaWindows[PriorityMedium]
	}
	respond := now.Add(window.respond)
	resolve := now.Add(window.resolve)
	return &respond, &resolve
}
