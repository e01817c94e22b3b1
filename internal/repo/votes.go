package repo

import (
	"context"
	"database/sql"
	"fmt"

	"civicflow/internal/domain"
)

func (r Repo) GetVoteTx(ctx context.Context, tx *sql.Tx, complaintID, voterID string) (domain.Vote, error) {
	var v domain.Vote
	var castAt string
	err := tx.QueryRowContext(ctx, `SELECT complaint_id,voter_id,direction,cast_at FROM votes WHERE complaint_id=? AND voter_id=?`,
		complaintID, voterID).Scan(&v.ComplaintID, &v.VoterID, &v.Direction, &castAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.CastAt, err = ParseTime(castAt)
	return v, err
}

func (r Repo) UpsertVote(ctx context.Context, tx *sql.Tx, v domain.Vote) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO votes(complaint_id,voter_id,direction,cast_at) VALUES (?,?,?,?)
ON CONFLICT(complaint_id,voter_id) DO UPDATE SET direction=excluded.direction, cast_at=excluded.cast_at`,
		v.ComplaintID, v.VoterID, string(v.Direction), FormatTime(v.CastAt))
	if err != nil {
		return fmt.Errorf("upsert vote: %w", err)
	}
	return nil
}

func (r Repo) DeleteVote(ctx context.Context, tx *sql.Tx, complaintID, voterID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM votes WHERE complaint_id=? AND voter_id=?`, complaintID, voterID); err != nil {
		return fmt.Errorf("delete vote: %w", err)
	}
	return nil
}

// AdjustTally applies counter deltas and returns the resulting totals.
// It leaves last_updated and version alone: votes are not lifecycle mutations.
func (r Repo) AdjustTally(ctx context.Context, tx *sql.Tx, complaintID string, upDelta, downDelta int) (int, int, error) {
	var up, down int
	err := tx.QueryRowContext(ctx, `UPDATE complaints SET upvotes=upvotes+?, downvotes=downvotes+? WHERE id=? RETURNING upvotes, downvotes`,
		upDelta, downDelta, complaintID).Scan(&up, &down)
	if err == sql.ErrNoRows {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("adjust tally: %w", err)
	}
	return up, down, nil
}

// VoteDirections returns voterID's stance on each of the given complaints.
func (r Repo) VoteDirections(ctx context.Context, voterID string, complaintIDs []string) (map[string]domain.Direction, error) {
	out := make(map[string]domain.Direction)
	if voterID == "" || len(complaintIDs) == 0 {
		return out, nil
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT complaint_id,direction FROM votes WHERE voter_id=?`, voterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	want := make(map[string]struct{}, len(complaintIDs))
	for _, id := range complaintIDs {
		want[id] = struct{}{}
	}
	for rows.Next() {
		var id, dir string
		if err := rows.Scan(&id, &dir); err != nil {
			return nil, err
		}
		if _, ok := want[id]; ok {
			out[id] = domain.Direction(dir)
		}
	}
	return out, rows.Err()
}

// RecountVotes derives the tallies from the ledger rows.
func (r Repo) RecountVotes(ctx context.Context, complaintID string) (int, int, error) {
	var up, down int
	err := r.DB.QueryRowContext(ctx, `SELECT
COALESCE(SUM(CASE WHEN direction='upvote' THEN 1 ELSE 0 END),0),
COALESCE(SUM(CASE WHEN direction='downvote' THEN 1 ELSE 0 END),0)
FROM votes WHERE complaint_id=?`, complaintID).Scan(&up, &down)
	return up, down, err
}
