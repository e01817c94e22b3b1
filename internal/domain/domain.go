package domain

import "time"

type Location struct {
	Address   string   `json:"address"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// ImageRef points at an image held by the external asset store.
type ImageRef struct {
	URL string `json:"url"`
}

type Complaint struct {
	ID          string     `json:"id"`
	CitizenID   string     `json:"citizen_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Location    Location   `json:"location"`
	ImageRefs   []ImageRef `json:"image_refs"`
	IsPublic    bool       `json:"is_public"`
	IsAnonymous bool       `json:"is_anonymous"`

	Status   Status   `json:"status" enum:"pending,assigned,in_progress,work_completed,resolved,rejected,closed"`
	Priority Priority `json:"priority" enum:"low,medium,high,urgent"`
	Category Category `json:"category"`

	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`

	AssignedFieldStaffID *string    `json:"assigned_field_staff_id,omitempty"`
	FieldStaffAssignedAt *time.Time `json:"field_staff_assigned_at,omitempty"`
	ResolvedByStaffID    *string    `json:"resolved_by_staff_id,omitempty"`

	WorkCompletionNotes string     `json:"work_completion_notes,omitempty"`
	WorkProofImageRefs  []ImageRef `json:"work_proof_image_refs"`
	WorkCompletedAt     *time.Time `json:"work_completed_at,omitempty"`
	WorkRejectedAt      *time.Time `json:"work_rejected_at,omitempty"`
	WorkRejectionReason string     `json:"work_rejection_reason,omitempty"`
	ResolvedAt          *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes     string     `json:"resolution_notes,omitempty"`
	RejectionReason     string     `json:"rejection_reason,omitempty"`
	ClosedAt            *time.Time `json:"closed_at,omitempty"`
	CloseReason         string     `json:"close_reason,omitempty"`

	AdminNotes AuditLog `json:"admin_notes"`

	Archived      bool       `json:"archived"`
	ArchivedAt    *time.Time `json:"archived_at,omitempty"`
	ArchiveReason string     `json:"archive_reason,omitempty"`

	Upvotes   int   `json:"upvotes"`
	Downvotes int   `json:"downvotes"`
	ViewCount int   `json:"view_count"`
	Version   int64 `json:"version"`
}

// Score is the net vote count.
func (c Complaint) Score() int {
	return c.Upvotes - c.Downvotes
}

// AssignedTo reports whether staffID is the current assignee.
func (c Complaint) AssignedTo(staffID string) bool {
	return c.AssignedFieldStaffID != nil && *c.AssignedFieldStaffID == staffID
}

// Listed reports whether the complaint belongs in the public feed.
func (c Complaint) Listed() bool {
	return c.IsPublic && !c.IsAnonymous && !c.Archived
}

// Vote is one voter's stance on one complaint.
type Vote struct {
	ComplaintID string    `json:"complaint_id"`
	VoterID     string    `json:"voter_id"`
	Direction   Direction `json:"direction" enum:"upvote,downvote"`
	CastAt      time.Time `json:"cast_at"`
}

type Staff struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Department  string    `json:"department"`
	Active      bool      `json:"active"`
	MaxWorkload int       `json:"max_workload"`
	CreatedAt   time.Time `json:"created_at"`
}

// OutboxEvent is one row of the append-only event log.
type OutboxEvent struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	ComplaintID string `json:"complaint_id,omitempty"`
	ActorID     string `json:"actor_id"`
	ActorRole   string `json:"actor_role,omitempty"`
	Payload     string `json:"payload_json"`
}

// Tombstone records a hard-deleted complaint.
type Tombstone struct {
	ComplaintID string    `json:"complaint_id"`
	DeletedAt   time.Time `json:"deleted_at"`
	DeletedBy   string    `json:"deleted_by"`
	Reason      string    `json:"reason,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      Role   `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
