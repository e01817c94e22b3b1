package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written to the outbox.
const (
	ComplaintSubmitted     = "complaint.submitted"
	ComplaintAssigned      = "complaint.assigned"
	ComplaintRejected      = "complaint.rejected"
	WorkStarted            = "complaint.work_started"
	ProgressUpdated        = "complaint.progress_updated"
	WorkCompleted          = "complaint.work_completed"
	WorkApproved           = "complaint.work_approved"
	WorkRejected           = "complaint.work_rejected"
	NoteAdded              = "complaint.note_added"
	ComplaintClosed        = "complaint.closed"
	ComplaintReprioritized = "complaint.reprioritized"
	ComplaintArchived      = "complaint.archived"
	ComplaintRestored      = "complaint.restored"
	ComplaintDeleted       = "complaint.deleted"
	VoteCast               = "vote.cast"
	StaffRegistered        = "staff.registered"
)

// Writer appends domain events inside the caller's transaction, so an event
// exists exactly when its mutation committed.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Record is the minimal notification shape every event carries.
type Record struct {
	Type        string
	ComplaintID string
	ActorID     string
	ActorRole   string
	Timestamp   time.Time
	Payload     EventPayload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) (int64, error) {
	ts := rec.Timestamp
	if ts.IsZero() {
		if w.Now != nil {
			ts = w.Now()
		} else {
			ts = time.Now()
		}
	}
	payload := rec.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,complaint_id,actor_id,actor_role,payload_json) VALUES (?,?,?,?,?,?)`,
		ts.UTC().Format(time.RFC3339Nano), rec.Type, nullable(rec.ComplaintID), rec.ActorID, nullable(rec.ActorRole), string(data))
	if err != nil {
		return 0, fmt.Errorf("append event %s: %w", rec.Type, err)
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
