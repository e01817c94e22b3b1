package domain

import (
	"encoding/json"
	"time"
)

// AdminNote is one entry of a complaint's audit trail.
type AdminNote struct {
	Note    string    `json:"note"`
	AddedBy string    `json:"added_by"`
	AddedAt time.Time `json:"added_at"`
	Event   Event     `json:"event,omitempty"`
}

// AuditLog is an append-only sequence of notes. Append never mutates the
// receiver's backing array, so values handed out earlier stay stable.
type AuditLog struct {
	entries []AdminNote
}

func NewAuditLog(entries ...AdminNote) AuditLog {
	return AuditLog{entries: append([]AdminNote(nil), entries...)}
}

func (l AuditLog) Append(n AdminNote) AuditLog {
	next := make([]AdminNote, len(l.entries), len(l.entries)+1)
	copy(next, l.entries)
	return AuditLog{entries: append(next, n)}
}

func (l AuditLog) Len() int { return len(l.entries) }

// Entries returns a copy of the log in insertion order.
func (l AuditLog) Entries() []AdminNote {
	out := make([]AdminNote, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l AuditLog) Last() (AdminNote, bool) {
	if len(l.entries) == 0 {
		return AdminNote{}, false
	}
	return l.entries[len(l.entries)-1], true
}

func (l AuditLog) MarshalJSON() ([]byte, error) {
	if l.entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l.entries)
}

func (l *AuditLog) UnmarshalJSON(data []byte) error {
	var entries []AdminNote
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	l.entries = entries
	return nil
}
