// Package notify forwards outbox events to external sinks: webhooks, Kafka
// and the structured log. Delivery is at-least-once and best effort; the
// lifecycle engine never waits on it.
package notify

import (
	"context"
	"encoding/json"
	"strings"

	"civicflow/internal/domain"
)

// Sink delivers one event. A returned error stops the sink's cursor so the
// event is retried on the next pass.
type Sink interface {
	Name() string
	Accepts(eventType string) bool
	Deliver(ctx context.Context, evt domain.OutboxEvent) error
}

// Message is the wire shape shared by every sink.
type Message struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	ComplaintID string          `json:"complaint_id,omitempty"`
	ActorID     string          `json:"actor_id"`
	ActorRole   string          `json:"actor_role,omitempty"`
	TS          string          `json:"ts"`
	Payload     json.RawMessage `json:"payload"`
	PayloadRaw  string          `json:"payload_raw,omitempty"`
}

func NewMessage(evt domain.OutboxEvent) Message {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	return Message{
		ID:          evt.ID,
		Type:        evt.Type,
		ComplaintID: evt.ComplaintID,
		ActorID:     evt.ActorID,
		ActorRole:   evt.ActorRole,
		TS:          evt.TS,
		Payload:     payload,
		PayloadRaw:  raw,
	}
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
