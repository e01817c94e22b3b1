package auth

import (
	"fmt"
	"strings"

	"civicflow/internal/domain"
)

// Actor is who performs an operation. Identity and role always travel
// together; nothing is read from ambient session state.
type Actor struct {
	ID   string      `json:"id"`
	Role domain.Role `json:"role"`
}

// ForbiddenError indicates the actor's role may not perform the event.
type ForbiddenError struct {
	Event   domain.Event
	Role    domain.Role
	Allowed []domain.Role
}

func (e ForbiddenError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, r := range e.Allowed {
		allowed[i] = string(r)
	}
	return fmt.Sprintf("role %s may not %s (requires %s)", roleName(e.Role), e.Event, strings.Join(allowed, " or "))
}

// NotAssigneeError indicates a field staff member acting on work assigned to someone else.
type NotAssigneeError struct {
	Event   domain.Event
	ActorID string
}

func (e NotAssigneeError) Error() string {
	return fmt.Sprintf("%s is restricted to the assigned field staff; %s is not assigned to this complaint", e.Event, e.ActorID)
}

// UnauthenticatedError indicates a missing or malformed actor.
type UnauthenticatedError struct {
	Reason string
}

func (e UnauthenticatedError) Error() string {
	return "actor required: " + e.Reason
}

var (
	adminOnly     = []domain.Role{domain.RoleAdmin}
	fieldStaff    = []domain.Role{domain.RoleFieldStaff}
	adminOrStaff  = []domain.Role{domain.RoleAdmin, domain.RoleFieldStaff}
	citizenOrAdm  = []domain.Role{domain.RoleCitizen, domain.RoleAdmin}
	anyRole       = []domain.Role{domain.RoleCitizen, domain.RoleAdmin, domain.RoleFieldStaff}
	eventPolicies = map[domain.Event][]domain.Role{
		domain.EventSubmit:          citizenOrAdm,
		domain.EventAssignToStaff:   adminOnly,
		domain.EventRejectComplaint: adminOnly,
		domain.EventStartWork:       fieldStaff,
		domain.EventUpdateProgress:  fieldStaff,
		domain.EventCompleteWork:    fieldStaff,
		domain.EventApproveWork:     adminOnly,
		domain.EventRejectWork:      adminOnly,
		domain.EventAddNote:         adminOrStaff,
		domain.EventClose:           adminOnly,
		domain.EventReprioritize:    adminOnly,
		domain.EventArchive:         adminOnly,
		domain.EventRestore:         adminOnly,
		domain.EventHardDelete:      adminOnly,
		domain.EventRegisterStaff:   adminOnly,
	}
)

// Validate checks the actor carries an id and a known role.
func (a Actor) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return UnauthenticatedError{Reason: "actor id is empty"}
	}
	if !a.Role.Valid() {
		return UnauthenticatedError{Reason: fmt.Sprintf("unknown role %q", a.Role)}
	}
	return nil
}

// Authorize checks the actor's role against the event policy.
func Authorize(a Actor, evt domain.Event) error {
	if err := a.Validate(); err != nil {
		return err
	}
	allowed := AllowedRoles(evt)
	for _, r := range allowed {
		if r == a.Role {
			return nil
		}
	}
	return ForbiddenError{Event: evt, Role: a.Role, Allowed: allowed}
}

// RequiresAssignee reports whether a field staff actor must be the assignee.
func RequiresAssignee(evt domain.Event) bool {
	switch evt {
	case domain.EventStartWork, domain.EventUpdateProgress, domain.EventCompleteWork, domain.EventAddNote:
		return true
	}
	return false
}

// RequireAssignee enforces that field staff only act on their own assignments.
// Admins pass through for events they are allowed to perform.
func RequireAssignee(a Actor, evt domain.Event, assignee *string) error {
	if !RequiresAssignee(evt) || a.Role != domain.RoleFieldStaff {
		return nil
	}
	if assignee == nil || *assignee != a.ID {
		return NotAssigneeError{Event: evt, ActorID: a.ID}
	}
	return nil
}

// AllowedRoles lists the roles that may perform evt.
func AllowedRoles(evt domain.Event) []domain.Role {
	allowed, ok := eventPolicies[evt]
	if !ok {
		allowed = anyRole
	}
	return append([]domain.Role(nil), allowed...)
}

func roleName(r domain.Role) string {
	if r == "" {
		return "(none)"
	}
	return string(r)
}
