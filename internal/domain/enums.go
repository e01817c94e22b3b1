package domain

import "fmt"

// Status is the lifecycle state of a complaint.
type Status string

const (
	StatusPending       Status = "pending"
	StatusAssigned      Status = "assigned"
	StatusInProgress    Status = "in_progress"
	StatusWorkCompleted Status = "work_completed"
	StatusResolved      Status = "resolved"
	StatusRejected      Status = "rejected"
	StatusClosed        Status = "closed"
)

var allStatuses = []Status{
	StatusPending, StatusAssigned, StatusInProgress, StatusWorkCompleted,
	StatusResolved, StatusRejected, StatusClosed,
}

// Statuses returns every lifecycle status in declaration order.
func Statuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further lifecycle work happens from s.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusRejected || s == StatusClosed
}

// HasAssignee reports whether a complaint in s must carry a field staff assignee.
func (s Status) HasAssignee() bool {
	return s == StatusAssigned || s == StatusInProgress || s == StatusWorkCompleted
}

// ParseStatus validates raw input from the CLI or API.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

func ParsePriority(raw string) (Priority, error) {
	p := Priority(raw)
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", raw)
	}
	return p, nil
}

type Category string

const (
	CategoryRoads        Category = "roads"
	CategoryWater        Category = "water"
	CategoryElectricity  Category = "electricity"
	CategorySanitation   Category = "sanitation"
	CategoryWaste        Category = "waste"
	CategoryStreetlights Category = "streetlights"
	CategoryDrainage     Category = "drainage"
	CategoryParks        Category = "parks"
	CategoryPublicSafety Category = "public_safety"
	CategoryNoise        Category = "noise"
	CategoryOther        Category = "other"
)

var allCategories = []Category{
	CategoryRoads, CategoryWater, CategoryElectricity, CategorySanitation, CategoryWaste,
	CategoryStreetlights, CategoryDrainage, CategoryParks, CategoryPublicSafety, CategoryNoise, CategoryOther,
}

func Categories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

func (c Category) Valid() bool {
	for _, v := range allCategories {
		if v == c {
			return true
		}
	}
	return false
}

func ParseCategory(raw string) (Category, error) {
	c := Category(raw)
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", raw)
	}
	return c, nil
}

// Role identifies what an actor is allowed to do.
type Role string

const (
	RoleCitizen    Role = "citizen"
	RoleAdmin      Role = "admin"
	RoleFieldStaff Role = "field_staff"
)

func (r Role) Valid() bool {
	return r == RoleCitizen || r == RoleAdmin || r == RoleFieldStaff
}

func ParseRole(raw string) (Role, error) {
	r := Role(raw)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", raw)
	}
	return r, nil
}

// Direction is the side of a vote.
type Direction string

const (
	Upvote   Direction = "upvote"
	Downvote Direction = "downvote"
)

func (d Direction) Valid() bool {
	return d == Upvote || d == Downvote
}

func ParseDirection(raw string) (Direction, error) {
	switch raw {
	case "up", "upvote":
		return Upvote, nil
	case "down", "downvote":
		return Downvote, nil
	}
	return "", fmt.Errorf("unknown vote direction %q", raw)
}

// Event names a lifecycle transition or administrative mutation.
type Event string

const (
	EventSubmit          Event = "submit"
	EventAssignToStaff   Event = "assign_to_staff"
	EventRejectComplaint Event = "reject_complaint"
	EventStartWork       Event = "start_work"
	EventUpdateProgress  Event = "update_progress"
	EventCompleteWork    Event = "complete_work"
	EventApproveWork     Event = "approve_work"
	EventRejectWork      Event = "reject_work"
	EventAddNote         Event = "add_note"
	EventClose           Event = "close"
	EventReprioritize    Event = "reprioritize"
	EventArchive         Event = "archive"
	EventRestore         Event = "restore"
	EventHardDelete      Event = "hard_delete"
	EventRegisterStaff   Event = "register_staff"
	EventVote            Event = "vote"
)

// ArchiveFilter selects how archived complaints appear in listings.
type ArchiveFilter string

const (
	ArchivedExclude ArchiveFilter = "exclude"
	ArchivedOnly    ArchiveFilter = "only"
	ArchivedInclude ArchiveFilter = "include"
)

func ParseArchiveFilter(raw string) (ArchiveFilter, error) {
	switch ArchiveFilter(raw) {
	case "":
		return ArchivedExclude, nil
	case ArchivedExclude, ArchivedOnly, ArchivedInclude:
		return ArchiveFilter(raw), nil
	}
	return "", fmt.Errorf("unknown archived filter %q", raw)
}
