package roles

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"

	"github.com/nexdesk/nexdesk/internal/authz"
)

// Role is a named, scoped bundle of permission tokens assignable to
// principals. A nil CompanyID marks a global role visible to every company;
// otherwise the role is visible only within its company. The (slug, company)
// pair is unique.
type Role struct {
	ID          uuid.UUID
	Name        string
	Slug        string
	Description string
	CompanyID   *uuid.UUID
	Permissions []string
	Protection  authz.Protection
	Level       int
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsGlobal reports whether the role applies platform-wide.
func (r Role) IsGlobal() bool {
	return r.CompanyID == nil
}

// SyncReport summarizes a role-permission synchronization batch. The batch is
// best-effort: failures on individual principals are counted, not raised.
type SyncReport struct {
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Slugify derives the canonical slug from a role name: lowercase with spaces
// collapsed to hyphens.
func Slugify(name string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(name)))
	return strings.Join(fields, "-")
}

var foldCaser = cases.Fold()

// foldKey normalizes a name or slug for case-insensitive matching during
// synchronization. The slug is the canonical join key; folding the display
// name as well preserves records written before slugs were backfilled.
func foldKey(s string) string {
	return foldCaser.String(strings.TrimSpace(s))
}
