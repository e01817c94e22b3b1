package engine

import (
	"strings"

	"civicflow/internal/domain"
)

// Payload is the event-specific input of a lifecycle transition. The set of
// implementations is closed: one type per event.
type Payload interface {
	Event() domain.Event
	validate() error
}

type AssignToStaff struct {
	StaffID string `json:"staff_id"`
}

type RejectComplaint struct {
	Reason string `json:"reason"`
}

type StartWork struct {
	Note string `json:"note"`
}

type UpdateProgress struct {
	Note string `json:"note"`
}

type CompleteWork struct {
	Notes       string            `json:"notes"`
	ProofImages []domain.ImageRef `json:"proof_images"`
}

type ApproveWork struct {
	Notes string `json:"notes,omitempty"`
}

type RejectWork struct {
	Reason string `json:"reason"`
}

type AddNote struct {
	Note string `json:"note"`
}

type CloseComplaint struct {
	Reason string `json:"reason,omitempty"`
}

type Reprioritize struct {
	Priority domain.Priority `json:"priority"`
}

func (AssignToStaff) Event() domain.Event   { return domain.EventAssignToStaff }
func (RejectComplaint) Event() domain.Event { return domain.EventRejectComplaint }
func (StartWork) Event() domain.Event       { return domain.EventStartWork }
func (UpdateProgress) Event() domain.Event  { return domain.EventUpdateProgress }
func (CompleteWork) Event() domain.Event    { return domain.EventCompleteWork }
func (ApproveWork) Event() domain.Event     { return domain.EventApproveWork }
func (RejectWork) Event() domain.Event      { return domain.EventRejectWork }
func (AddNote) Event() domain.Event         { return domain.EventAddNote }
func (CloseComplaint) Event() domain.Event  { return domain.EventClose }
func (Reprioritize) Event() domain.Event    { return domain.EventReprioritize }

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func (p AssignToStaff) validate() error {
	if blank(p.StaffID) {
		return validationFailed(p.Event(), "staffId is required")
	}
	return nil
}

func (p RejectComplaint) validate() error {
	if blank(p.Reason) {
		return validationFailed(p.Event(), "a rejection reason is required")
	}
	return nil
}

func (p StartWork) validate() error {
	if blank(p.Note) {
		return validationFailed(p.Event(), "a progress note is required to start work")
	}
	return nil
}

func (p UpdateProgress) validate() error {
	if blank(p.Note) {
		return validationFailed(p.Event(), "a progress note is required")
	}
	return nil
}

func (p CompleteWork) validate() error {
	if blank(p.Notes) {
		return validationFailed(p.Event(), "work completion notes are required")
	}
	if len(p.ProofImages) == 0 {
		return validationFailed(p.Event(), "proof images are mandatory for work completion")
	}
	for i, img := range p.ProofImages {
		if blank(img.URL) {
			return validationFailed(p.Event(), "proof image %d has an empty url", i+1)
		}
	}
	return nil
}

func (p ApproveWork) validate() error { return nil }

func (p RejectWork) validate() error {
	if blank(p.Reason) {
		return validationFailed(p.Event(), "a work rejection reason is required")
	}
	return nil
}

func (p AddNote) validate() error {
	if blank(p.Note) {
		return validationFailed(p.Event(), "note text is required")
	}
	return nil
}

func (p CloseComplaint) validate() error { return nil }

func (p Reprioritize) validate() error {
	if !p.Priority.Valid() {
		return validationFailed(p.Event(), "priority %q is not one of low, medium, high, urgent", p.Priority)
	}
	return nil
}

// PayloadFor builds an empty payload for an event name, for decoding requests.
func PayloadFor(evt domain.Event) (Payload, bool) {
	switch evt {
	case domain.EventAssignToStaff:
		return &AssignToStaff{}, true
	case domain.EventRejectComplaint:
		return &RejectComplaint{}, true
	case domain.EventStartWork:
		return &StartWork{}, true
	case domain.EventUpdateProgress:
		return &UpdateProgress{}, true
	case domain.EventCompleteWork:
		return &CompleteWork{}, true
	case domain.EventApproveWork:
		return &ApproveWork{}, true
	case domain.EventRejectWork:
		return &RejectWork{}, true
	case domain.EventAddNote:
		return &AddNote{}, true
	case domain.EventClose:
		return &CloseComplaint{}, true
	case domain.EventReprioritize:
		return &Reprioritize{}, true
	}
	return nil, false
}
