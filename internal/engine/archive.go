package engine

import (
	"context"
	"errors"
	"strings"

	"civicflow/internal/domain"
	"civicflow/internal/engine/auth"
	"civicflow/internal/events"
	"civicflow/internal/repo"
)

// Archive hides a complaint from default listings and the public feed.
// Status and the audit log are untouched.
func (e Engine) Archive(ctx context.Context, complaintID string, actor Actor, reason string) (c domain.Complaint, err error) {
	evt := domain.EventArchive
	defer func() { e.observe(ctx, evt, complaintID, actor, err) }()
	return e.setArchived(ctx, evt, complaintID, actor, true, strings.TrimSpace(reason))
}

// Restore undoes Archive. The complaint comes back exactly as it was apart
// from lastUpdated and version.
func (e Engine) Restore(ctx context.Context, complaintID string, actor Actor) (c domain.Complaint, err error) {
	evt := domain.EventRestore
	defer func() { e.observe(ctx, evt, complaintID, actor, err) }()
	return e.setArchived(ctx, evt, complaintID, actor, false, "")
}

func (e Engine) setArchived(ctx context.Context, evt domain.Event, complaintID string, actor Actor, archived bool, reason string) (domain.Complaint, error) {
	if err := auth.Authorize(actor, evt); err != nil {
		return domain.Complaint{}, unauthorized(evt, err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Complaint{}, err
	}
	defer tx.Rollback()
	c, err := e.loadForUpdate(ctx, tx, evt, complaintID)
	if err != nil {
		return domain.Complaint{}, err
	}
	if c.Archived == archived {
		if archived {
			return c, invalidTransition(evt, "complaint %s is already archived", c.ID)
		}
		return c, invalidTransition(evt, "complaint %s is not archived", c.ID)
	}
	ts := e.stamp(c)
	next := c
	next.Archived = archived
	if archived {
		next.ArchivedAt = &ts
		next.ArchiveReason = reason
	} else {
		next.ArchivedAt = nil
		next.ArchiveReason = ""
	}
	next.LastUpdated = ts
	next.Version = c.Version + 1
	if err := e.Repo.UpdateComplaint(ctx, tx, next, c.Version); err != nil {
		if errors.Is(err, repo.ErrStale) {
			return c, concurrentModification(evt, c.ID)
		}
		return c, err
	}
	typ, data := events.ComplaintRestored, events.EventPayload{}
	if archived {
		typ = events.ComplaintArchived
		data["reason"] = reason
	}
	if _, err := e.Events.Append(ctx, tx, events.Record{
		Type:        typ,
		ComplaintID: c.ID,
		ActorID:     actor.ID,
		ActorRole:   string(actor.Role),
		Timestamp:   ts,
		Payload:     data,
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	e.invalidateFeed(ctx)
	return next, nil
}

// HardDelete permanently removes a complaint with its votes, images and
// notes. The id is tombstoned: later operations on it fail with
// AlreadyTerminal rather than NotFound.
func (e Engine) HardDelete(ctx context.Context, complaintID string, actor Actor, reason string) (err error) {
	evt := domain.EventHardDelete
	defer func() { e.observe(ctx, evt, complaintID, actor, err) }()
	if err := auth.Authorize(actor, evt); err != nil {
		return unauthorized(evt, err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	c, err := e.loadForUpdate(ctx, tx, evt, complaintID)
	if err != nil {
		return err
	}
	now := e.now()
	reason = strings.TrimSpace(reason)
	if _, err := e.Events.Append(ctx, tx, events.Record{
		Type:        events.ComplaintDeleted,
		ComplaintID: c.ID,
		ActorID:     actor.ID,
		ActorRole:   string(actor.Role),
		Timestamp:   now,
		Payload:     events.EventPayload{"status": c.Status, "reason": reason},
	}); err != nil {
		return err
	}
	if err := e.Repo.InsertTombstone(ctx, tx, domain.Tombstone{
		ComplaintID: c.ID,
		DeletedAt:   now,
		DeletedBy:   actor.ID,
		Reason:      reason,
	}); err != nil {
		return err
	}
	if err := e.Repo.DeleteComplaint(ctx, tx, c.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.invalidateFeed(ctx)
	return nil
}
