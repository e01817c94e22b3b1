package repo

import (
	"context"
	"database/sql"
	"strings"

	"civicflow/internal/domain"
)

type EventFilters struct {
	Type        string
	ComplaintID string
	ActorID     string
	Limit       int
	// BeforeID pages backwards from an event id; zero means from the newest.
	BeforeID int64
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.OutboxEvent, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.ComplaintID != "" {
		clauses = append(clauses, "complaint_id=?")
		args = append(args, f.ComplaintID)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.BeforeID > 0 {
		clauses = append(clauses, "id < ?")
		args = append(args, f.BeforeID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,ts,type,COALESCE(complaint_id,''),actor_id,COALESCE(actor_role,''),payload_json FROM events ` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns up to limit events with id > cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,COALESCE(complaint_id,''),actor_id,COALESCE(actor_role,''),payload_json
FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.OutboxEvent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ComplaintID, &e.ActorID, &e.ActorRole, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertTombstone(ctx context.Context, tx *sql.Tx, t domain.Tombstone) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tombstones(complaint_id,deleted_at,deleted_by,reason) VALUES (?,?,?,?)`,
		t.ComplaintID, FormatTime(t.DeletedAt), t.DeletedBy, nullable(t.Reason))
	return err
}

func (r Repo) GetTombstoneTx(ctx context.Context, tx *sql.Tx, complaintID string) (domain.Tombstone, error) {
	var t domain.Tombstone
	var deletedAt string
	var reason sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT complaint_id,deleted_at,deleted_by,reason FROM tombstones WHERE complaint_id=?`, complaintID).
		Scan(&t.ComplaintID, &deletedAt, &t.DeletedBy, &reason)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Reason = reason.String
	t.DeletedAt, err = ParseTime(deletedAt)
	return t, err
}
