package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"civicflow/internal/domain"
	"civicflow/internal/engine/auth"
	"civicflow/internal/events"
	"civicflow/internal/repo"
)

// TransitionRequest carries everything a transition needs; the engine reads
// no ambient session state.
type TransitionRequest struct {
	ComplaintID string
	Actor       Actor
	Payload     Payload
	// ExpectedVersion, when set, must equal the stored version.
	ExpectedVersion *int64
}

type TransitionResult struct {
	Complaint domain.Complaint `json:"complaint"`
	Event     domain.Event     `json:"event"`
	// Warnings are advisory, such as assigning staff beyond their capacity.
	Warnings []string `json:"warnings,omitempty"`
}

var nonTerminal = []domain.Status{
	domain.StatusPending, domain.StatusAssigned, domain.StatusInProgress, domain.StatusWorkCompleted,
}

// sources lists the statuses each lifecycle event may fire from.
var sources = map[domain.Event][]domain.Status{
	domain.EventAssignToStaff:   {domain.StatusPending},
	domain.EventRejectComplaint: {domain.StatusPending},
	domain.EventStartWork:       {domain.StatusAssigned},
	domain.EventUpdateProgress:  {domain.StatusInProgress},
	domain.EventCompleteWork:    {domain.StatusInProgress},
	domain.EventApproveWork:     {domain.StatusWorkCompleted},
	domain.EventRejectWork:      {domain.StatusWorkCompleted},
	domain.EventAddNote:         nonTerminal,
	domain.EventReprioritize:    nonTerminal,
	domain.EventClose: {
		domain.StatusPending, domain.StatusAssigned, domain.StatusInProgress, domain.StatusWorkCompleted,
		domain.StatusResolved, domain.StatusRejected,
	},
}

// allowedWhileArchived are the events that do not require restoring first.
var allowedWhileArchived = map[domain.Event]bool{
	domain.EventAddNote: true,
	domain.EventClose:   true,
}

// Transition applies one lifecycle event. Checks run in a fixed order: role,
// assignee identity, source status, payload. The first failure wins and
// nothing is written.
func (e Engine) Transition(ctx context.Context, req TransitionRequest) (res TransitionResult, err error) {
	payload := deref(req.Payload)
	if payload == nil {
		return TransitionResult{}, validationFailed("", "a transition payload is required")
	}
	evt := payload.Event()
	res.Event = evt
	defer func() { e.observe(ctx, evt, req.ComplaintID, req.Actor, err) }()

	if err := auth.Authorize(req.Actor, evt); err != nil {
		return res, unauthorized(evt, err)
	}

	// The staff directory is consulted before the write lock is taken; the
	// answer is only acted on once the earlier checks have passed.
	staffActive := false
	if p, ok := payload.(AssignToStaff); ok && !blank(p.StaffID) {
		if staffActive, err = e.Staff.IsActiveFieldStaff(ctx, p.StaffID); err != nil {
			return res, fmt.Errorf("lookup staff %s: %w", p.StaffID, err)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	c, err := e.loadForUpdate(ctx, tx, evt, req.ComplaintID)
	if err != nil {
		return res, err
	}
	if req.ExpectedVersion != nil && *req.ExpectedVersion != c.Version {
		return res, concurrentModification(evt, c.ID)
	}
	if err := auth.RequireAssignee(req.Actor, evt, c.AssignedFieldStaffID); err != nil {
		return res, unauthorized(evt, err)
	}
	if err := checkSource(evt, c); err != nil {
		return res, err
	}
	if err := payload.validate(); err != nil {
		return res, err
	}

	var warnings []string
	if p, ok := payload.(AssignToStaff); ok {
		warnings, err = e.checkAssignee(ctx, tx, evt, p.StaffID, staffActive)
		if err != nil {
			return res, err
		}
	}
	if p, ok := payload.(Reprioritize); ok && p.Priority == c.Priority {
		return res, validationFailed(evt, "complaint already has priority %s", p.Priority)
	}

	ts := e.stamp(c)
	next, note, evtType, data := apply(c, payload, req.Actor, ts)
	next.LastUpdated = ts
	next.Version = c.Version + 1
	next.AdminNotes = c.AdminNotes.Append(note)

	if err := e.Repo.UpdateComplaint(ctx, tx, next, c.Version); err != nil {
		if errors.Is(err, repo.ErrStale) {
			return res, concurrentModification(evt, c.ID)
		}
		return res, err
	}
	if err := e.Repo.AppendNote(ctx, tx, c.ID, note); err != nil {
		return res, err
	}
	data["from"] = c.Status
	data["to"] = next.Status
	if _, err := e.Events.Append(ctx, tx, events.Record{
		Type:        evtType,
		ComplaintID: c.ID,
		ActorID:     req.Actor.ID,
		ActorRole:   string(req.Actor.Role),
		Timestamp:   ts,
		Payload:     data,
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	e.invalidateFeed(ctx)
	res.Complaint = next
	res.Warnings = warnings
	return res, nil
}

func checkSource(evt domain.Event, c domain.Complaint) error {
	allowed, ok := sources[evt]
	if !ok {
		return invalidTransition(evt, "%s is not a lifecycle event", evt)
	}
	for _, s := range allowed {
		if s == c.Status {
			if c.Archived && !allowedWhileArchived[evt] {
				return invalidTransition(evt, "complaint is archived; restore it before %s", evt)
			}
			return nil
		}
	}
	if c.Status.Terminal() {
		return invalidTransition(evt, "cannot %s a complaint that is already %s", evt, c.Status)
	}
	names := make([]string, len(allowed))
	for i, s := range allowed {
		names[i] = string(s)
	}
	return invalidTransition(evt, "cannot %s a complaint in status %s (requires %s)", evt, c.Status, strings.Join(names, " or "))
}

// apply computes the post-transition complaint, its audit note, the outbox
// event type and the event payload. Inputs are already validated.
func apply(c domain.Complaint, p Payload, actor Actor, ts time.Time) (domain.Complaint, domain.AdminNote, string, events.EventPayload) {
	next := c
	next.WorkProofImageRefs = append([]domain.ImageRef{}, c.WorkProofImageRefs...)
	note := domain.AdminNote{AddedBy: actor.ID, AddedAt: ts, Event: p.Event()}
	data := events.EventPayload{}
	var evtType string

	switch p := p.(type) {
	case AssignToStaff:
		staff := p.StaffID
		next.Status = domain.StatusAssigned
		next.AssignedFieldStaffID = &staff
		next.FieldStaffAssignedAt = &ts
		note.Note = fmt.Sprintf("Assigned to field staff %s", staff)
		evtType = events.ComplaintAssigned
		data["staff_id"] = staff
	case RejectComplaint:
		next.Status = domain.StatusRejected
		next.RejectionReason = strings.TrimSpace(p.Reason)
		note.Note = "Complaint rejected: " + next.RejectionReason
		evtType = events.ComplaintRejected
		data["reason"] = next.RejectionReason
	case StartWork:
		next.Status = domain.StatusInProgress
		note.Note = strings.TrimSpace(p.Note)
		evtType = events.WorkStarted
	case UpdateProgress:
		note.Note = strings.TrimSpace(p.Note)
		evtType = events.ProgressUpdated
	case CompleteWork:
		next.Status = domain.StatusWorkCompleted
		next.WorkCompletionNotes = strings.TrimSpace(p.Notes)
		next.WorkProofImageRefs = append([]domain.ImageRef{}, p.ProofImages...)
		if next.WorkCompletedAt == nil {
			next.WorkCompletedAt = &ts
		}
		note.Note = fmt.Sprintf("Work completed with %d proof image(s): %s", len(p.ProofImages), next.WorkCompletionNotes)
		evtType = events.WorkCompleted
		data["proof_images"] = len(p.ProofImages)
	case ApproveWork:
		next.Status = domain.StatusResolved
		next.ResolutionNotes = strings.TrimSpace(p.Notes)
		if next.ResolvedAt == nil {
			next.ResolvedAt = &ts
		}
		next.ResolvedByStaffID = c.AssignedFieldStaffID
		next.AssignedFieldStaffID = nil
		note.Note = "Work approved"
		if next.ResolutionNotes != "" {
			note.Note += ": " + next.ResolutionNotes
		}
		evtType = events.WorkApproved
	case RejectWork:
		next.Status = domain.StatusInProgress
		next.WorkRejectionReason = strings.TrimSpace(p.Reason)
		next.WorkCompletionNotes = ""
		next.WorkProofImageRefs = []domain.ImageRef{}
		if next.WorkRejectedAt == nil {
			next.WorkRejectedAt = &ts
		}
		note.Note = "Work rejected: " + next.WorkRejectionReason
		evtType = events.WorkRejected
		data["reason"] = next.WorkRejectionReason
	case AddNote:
		note.Note = strings.TrimSpace(p.Note)
		evtType = events.NoteAdded
	case CloseComplaint:
		next.Status = domain.StatusClosed
		next.CloseReason = strings.TrimSpace(p.Reason)
		next.AssignedFieldStaffID = nil
		if next.ClosedAt == nil {
			next.ClosedAt = &ts
		}
		note.Note = "Complaint closed"
		if next.CloseReason != "" {
			note.Note += ": " + next.CloseReason
		}
		evtType = events.ComplaintClosed
	case Reprioritize:
		next.Priority = p.Priority
		note.Note = fmt.Sprintf("Priority changed from %s to %s", c.Priority, p.Priority)
		evtType = events.ComplaintReprioritized
		data["priority"] = p.Priority
	}
	return next, note, evtType, data
}

// deref accepts both value and pointer payloads.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *AssignToStaff:
		return derefOrNil(v)
	case *RejectComplaint:
		return derefOrNil(v)
	case *StartWork:
		return derefOrNil(v)
	case *UpdateProgress:
		return derefOrNil(v)
	case *CompleteWork:
		return derefOrNil(v)
	case *ApproveWork:
		return derefOrNil(v)
	case *RejectWork:
		return derefOrNil(v)
	case *AddNote:
		return derefOrNil(v)
	case *CloseComplaint:
		return derefOrNil(v)
	case *Reprioritize:
		return derefOrNil(v)
	}
	return p
}

func derefOrNil[T Payload](v *T) Payload {
	if v == nil {
		return nil
	}
	return *v
}

// Convenience wrappers, one per event.

func (e Engine) Assign(ctx context.Context, complaintID string, actor Actor, staffID string) (TransitionResult, error) {
	return e.Transition(ctx, TransitionRequest{ComplaintID: complaintID, Actor: actor, Payload: AssignToStaff{StaffID: staffID}})
}

func (e Engine) Reject(ctx context.Context, complaintID string, actor Actor, reason string) (TransitionResult, error) {
	return e.Transition(ctx, TransitionRequest{ComplaintID: complaintID, Actor: actor, Payload: RejectComplaint{Reason: reason}})
}

func (e Engine) StartWork(ctx context.Context, complaintID string, actor Actor, note string) (TransitionResult, error) {
	return e.Transition(ctx, TransitionRequest{ComplaintID: complaintID, Actor: actor, Payload: StartWork{Note: note}})
}

func (e Engine) UpdateProgress(ctx context.Context, complaintID string, actor Actor, note string) (TransitionResult, error) {
	return e.Transition(ctx, TransitionRequest{ComplaintID: complaintID, Actor: actor, Payload: UpdateProgress{Note: note}})
}

func (e Engine) CompleteWork(ctx context.Context, complaintID string, actor Actor, notes string, proof []domain.ImageRef) (TransitionResult, error) {
	return e.Transition(ctx, TransitionRequest{ComplaintID: complaintID, Actor: actor, Payload: CompleteWork{Notes: notes, ProofImages: proof}})
}

func (e Engine) ApproveWork(ctx context.Context, complaintID string, actor Actor, notes string) (TransitionResult, error) {
	return e.Transition(ctx, TransitionRequest{ComplaintID: complaintID, Actor: actor, Payload: ApproveWork{Notes: notes}})
}

func (e Engine) RejectWork(ctx context.Context, complaintID string, actor Actor, reason string) (TransitionResult, error) {
	return e.Transition(ctx, TransitionRequest{ComplaintID: complaintID, Actor: actor, Payload: RejectWork{Reason: reason}})
}

func (e Engine) AddNote(ctx context.Context, complaintID string, actor Actor, note string) (TransitionResult, error) {
	return e.Transition(ctx, TransitionRequest{ComplaintID: complaintID, Actor: actor, Payload: AddNote{Note: note}})
}

func (e Engine) Close(ctx context.Context, complaintID string, actor Actor, reason string) (TransitionResult, error) {
	return e.Transition(ctx, TransitionRequest{ComplaintID: complaintID, Actor: actor, Payload: CloseComplaint{Reason: reason}})
}

func (e Engine) Reprioritize(ctx context.Context, complaintID string, actor Actor, priority domain.Priority) (TransitionResult, error) {
	return e.Transition(ctx, TransitionRequest{ComplaintID: complaintID, Actor: actor, Payload: Reprioritize{Priority: priority}})
}
