package server

import (
	"encoding/json"
	"time"

	"civicflow/internal/domain"
	"civicflow/internal/engine"
)

// Request payloads

type SubmitComplaintRequest struct {
	ID          *string           `json:"id,omitempty"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Category    string            `json:"category" enum:"roads,water,electricity,sanitation,waste,streetlights,drainage,parks,public_safety,noise,other"`
	Priority    string            `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	Location    domain.Location   `json:"location"`
	Images      []domain.ImageRef `json:"images,omitempty"`
	IsPublic    bool              `json:"is_public,omitempty"`
	IsAnonymous bool              `json:"is_anonymous,omitempty"`
}

// TransitionBody documents every field a transition may read; each event
// uses its own subset.
type TransitionBody struct {
	StaffID         string            `json:"staff_id,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	Note            string            `json:"note,omitempty"`
	Notes           string            `json:"notes,omitempty"`
	ProofImages     []domain.ImageRef `json:"proof_images,omitempty"`
	Priority        string            `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	ExpectedVersion *int64            `json:"expected_version,omitempty"`
}

type ArchiveRequest struct {
	Reason string `json:"reason,omitempty"`
}

type VoteRequest struct {
	Direction string `json:"direction" enum:"upvote,downvote,up,down"`
}

type RegisterStaffRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Department  string `json:"department"`
	Active      *bool  `json:"active,omitempty"`
	MaxWorkload int    `json:"max_workload,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"citizen,admin,field_staff"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"citizen,admin,field_staff"`
}

// Responses

type ComplaintResponse struct {
	ID                   string             `json:"id"`
	CitizenID            string             `json:"citizen_id,omitempty"`
	Title                string             `json:"title"`
	Description          string             `json:"description"`
	Location             domain.Location    `json:"location"`
	ImageRefs            []domain.ImageRef  `json:"image_refs"`
	IsPublic             bool               `json:"is_public"`
	IsAnonymous          bool               `json:"is_anonymous"`
	Status               string             `json:"status" enum:"pending,assigned,in_progress,work_completed,resolved,rejected,closed"`
	Priority             string             `json:"priority" enum:"low,medium,high,urgent"`
	Category             string             `json:"category"`
	CreatedAt            time.Time          `json:"created_at"`
	LastUpdated          time.Time          `json:"last_updated"`
	AssignedFieldStaffID *string            `json:"assigned_field_staff_id,omitempty"`
	FieldStaffAssignedAt *time.Time         `json:"field_staff_assigned_at,omitempty"`
	ResolvedByStaffID    *string            `json:"resolved_by_staff_id,omitempty"`
	WorkCompletionNotes  string             `json:"work_completion_notes,omitempty"`
	WorkProofImageRefs   []domain.ImageRef  `json:"work_proof_image_refs"`
	WorkCompletedAt      *time.Time         `json:"work_completed_at,omitempty"`
	WorkRejectedAt       *time.Time         `json:"work_rejected_at,omitempty"`
	WorkRejectionReason  string             `json:"work_rejection_reason,omitempty"`
	ResolvedAt           *time.Time         `json:"resolved_at,omitempty"`
	ResolutionNotes      string             `json:"resolution_notes,omitempty"`
	RejectionReason      string             `json:"rejection_reason,omitempty"`
	ClosedAt             *time.Time         `json:"closed_at,omitempty"`
	CloseReason          string             `json:"close_reason,omitempty"`
	AdminNotes           []domain.AdminNote `json:"admin_notes"`
	Archived             bool               `json:"archived"`
	ArchivedAt           *time.Time         `json:"archived_at,omitempty"`
	ArchiveReason        string             `json:"archive_reason,omitempty"`
	Upvotes              int                `json:"upvotes"`
	Downvotes            int                `json:"downvotes"`
	Score                int                `json:"score"`
	ViewCount            int                `json:"view_count"`
	Version              int64              `json:"version"`
}

type TransitionResponse struct {
	Complaint ComplaintResponse `json:"complaint"`
	Event     string            `json:"event"`
	Warnings  []string          `json:"warnings,omitempty"`
}

type FeedEntryResponse struct {
	Complaint ComplaintResponse `json:"complaint"`
	Score     int               `json:"score"`
	Own       string            `json:"own,omitempty" enum:"upvote,downvote"`
}

type FeedResponse struct {
	Mode    string              `json:"mode" enum:"new,old,top,rising,hot"`
	Total   int                 `json:"total"`
	Offset  int                 `json:"offset"`
	Limit   int                 `json:"limit"`
	Entries []FeedEntryResponse `json:"entries"`
}

type VoteResponse struct {
	ComplaintID string `json:"complaint_id"`
	Upvotes     int    `json:"upvotes"`
	Downvotes   int    `json:"downvotes"`
	Score       int    `json:"score"`
	Own         string `json:"own,omitempty" enum:"upvote,downvote"`
	Outcome     string `json:"outcome" enum:"cast,retracted,switched"`
}

type StaffResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Department  string    `json:"department"`
	Active      bool      `json:"active"`
	MaxWorkload int       `json:"max_workload"`
	CreatedAt   time.Time `json:"created_at"`
}

type WorkloadResponse struct {
	StaffID  string `json:"staff_id"`
	Workload int    `json:"workload"`
}

type StatsResponse struct {
	ByStatus map[domain.Status]int `json:"by_status"`
	Total    int                   `json:"total"`
}

type RecommendationResponse struct {
	Staff           StaffResponse `json:"staff"`
	Workload        int           `json:"workload"`
	Capacity        int           `json:"capacity"`
	DepartmentMatch bool          `json:"department_match"`
	OverCapacity    bool          `json:"over_capacity"`
}

type EventResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	Type        string         `json:"type"`
	ComplaintID string         `json:"complaint_id,omitempty"`
	ActorID     string         `json:"actor_id"`
	ActorRole   string         `json:"actor_role,omitempty"`
	Payload     map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	Name    string `json:"name,omitempty"`
	// Key is only returned on creation.
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type MeResponse struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	Source  string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedComplaints struct {
	Items      []ComplaintResponse `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func complaintResponse(c domain.Complaint) ComplaintResponse {
	res := ComplaintResponse{
		ID:                   c.ID,
		CitizenID:            c.CitizenID,
		Title:                c.Title,
		Description:          c.Description,
		Location:             c.Location,
		ImageRefs:            nonNilSlice(c.ImageRefs),
		IsPublic:             c.IsPublic,
		IsAnonymous:          c.IsAnonymous,
		Status:               string(c.Status),
		Priority:             string(c.Priority),
		Category:             string(c.Category),
		CreatedAt:            c.CreatedAt,
		LastUpdated:          c.LastUpdated,
		AssignedFieldStaffID: c.AssignedFieldStaffID,
		FieldStaffAssignedAt: c.FieldStaffAssignedAt,
		ResolvedByStaffID:    c.ResolvedByStaffID,
		WorkCompletionNotes:  c.WorkCompletionNotes,
		WorkProofImageRefs:   nonNilSlice(c.WorkProofImageRefs),
		WorkCompletedAt:      c.WorkCompletedAt,
		WorkRejectedAt:       c.WorkRejectedAt,
		WorkRejectionReason:  c.WorkRejectionReason,
		ResolvedAt:           c.ResolvedAt,
		ResolutionNotes:      c.ResolutionNotes,
		RejectionReason:      c.RejectionReason,
		ClosedAt:             c.ClosedAt,
		CloseReason:          c.CloseReason,
		AdminNotes:           nonNilSlice(c.AdminNotes.Entries()),
		Archived:             c.Archived,
		ArchivedAt:           c.ArchivedAt,
		ArchiveReason:        c.ArchiveReason,
		Upvotes:              c.Upvotes,
		Downvotes:            c.Downvotes,
		Score:                c.Score(),
		ViewCount:            c.ViewCount,
		Version:              c.Version,
	}
	return res
}

// publicComplaintResponse strips what the public feed must not show.
func publicComplaintResponse(c domain.Complaint) ComplaintResponse {
	res := complaintResponse(c)
	res.AdminNotes = []domain.AdminNote{}
	if c.IsAnonymous {
		res.CitizenID = ""
	}
	return res
}

func mapComplaints(items []domain.Complaint) []ComplaintResponse {
	out := make([]ComplaintResponse, 0, len(items))
	for _, c := range items {
		out = append(out, complaintResponse(c))
	}
	return out
}

func feedResponse(p engine.FeedPage) FeedResponse {
	res := FeedResponse{Mode: string(p.Mode), Total: p.Total, Offset: p.Offset, Limit: p.Limit, Entries: []FeedEntryResponse{}}
	for _, e := range p.Entries {
		entry := FeedEntryResponse{Complaint: publicComplaintResponse(e.Complaint), Score: e.Score}
		if e.Own != nil {
			entry.Own = string(*e.Own)
		}
		res.Entries = append(res.Entries, entry)
	}
	return res
}

func voteResponse(t engine.VoteTally) VoteResponse {
	res := VoteResponse{
		ComplaintID: t.ComplaintID,
		Upvotes:     t.Upvotes,
		Downvotes:   t.Downvotes,
		Score:       t.Score,
		Outcome:     string(t.Outcome),
	}
	if t.Own != nil {
		res.Own = string(*t.Own)
	}
	return res
}

func staffResponse(s domain.Staff) StaffResponse {
	return StaffResponse(s)
}

func recommendationResponse(r engine.Recommendation) RecommendationResponse {
	return RecommendationResponse{
		Staff:           staffResponse(r.Staff),
		Workload:        r.Workload,
		Capacity:        r.Capacity,
		DepartmentMatch: r.DepartmentMatch,
		OverCapacity:    r.OverCapacity,
	}
}

func eventResponse(e domain.OutboxEvent) EventResponse {
	return EventResponse{
		ID:          e.ID,
		TS:          e.TS,
		Type:        e.Type,
		ComplaintID: e.ComplaintID,
		ActorID:     e.ActorID,
		ActorRole:   e.ActorRole,
		Payload:     decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
