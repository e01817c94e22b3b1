package engine

import (
	"context"
	"errors"
	"log/slog"

	"civicflow/internal/domain"
	"civicflow/internal/engine/auth"
	"civicflow/internal/events"
	"civicflow/internal/metrics"
	"civicflow/internal/repo"
)

// VoteOutcome says what a vote request did to the voter's stance.
type VoteOutcome string

const (
	VoteCast      VoteOutcome = "cast"
	VoteRetracted VoteOutcome = "retracted"
	VoteSwitched  VoteOutcome = "switched"
)

// VoteTally is the complaint's counters after a vote, plus the caller's own
// stance (nil when they hold none).
type VoteTally struct {
	ComplaintID string            `json:"complaint_id"`
	Upvotes     int               `json:"upvotes"`
	Downvotes   int               `json:"downvotes"`
	Score       int               `json:"score"`
	Own         *domain.Direction `json:"own,omitempty"`
	Outcome     VoteOutcome       `json:"outcome"`
}

// CastVote toggles the voter's stance. Voting the same way twice retracts
// the vote; voting the other way switches it. The vote row and the counters
// change in one transaction, and lastUpdated is left alone.
func (e Engine) CastVote(ctx context.Context, complaintID string, voter Actor, dir domain.Direction) (tally VoteTally, err error) {
	evt := domain.EventVote
	defer func() {
		if err == nil {
			metrics.ObserveVote(string(tally.Outcome))
			e.Log.Debug(ctx, "vote_recorded", "vote recorded",
				slog.String("complaint_id", complaintID),
				slog.String("voter_id", voter.ID),
				slog.String("outcome", string(tally.Outcome)))
			return
		}
		metrics.ObserveVote(outcome(err))
	}()
	if err := auth.Authorize(voter, evt); err != nil {
		return VoteTally{}, unauthorized(evt, err)
	}
	if !dir.Valid() {
		return VoteTally{}, validationFailed(evt, "vote direction %q must be upvote or downvote", dir)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return VoteTally{}, err
	}
	defer tx.Rollback()
	c, err := e.loadForUpdate(ctx, tx, evt, complaintID)
	if err != nil {
		return VoteTally{}, err
	}
	if !c.Listed() {
		return VoteTally{}, invalidTransition(evt, "complaint %s is not open for public voting", c.ID)
	}

	prev, err := e.Repo.GetVoteTx(ctx, tx, c.ID, voter.ID)
	hasPrev := err == nil
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return VoteTally{}, err
	}
	var up, down int
	var own *domain.Direction
	tally.ComplaintID = c.ID
	switch {
	case !hasPrev:
		tally.Outcome = VoteCast
		up, down = delta(dir, 1)
		own = &dir
		err = e.Repo.UpsertVote(ctx, tx, domain.Vote{ComplaintID: c.ID, VoterID: voter.ID, Direction: dir, CastAt: e.now()})
	case prev.Direction == dir:
		tally.Outcome = VoteRetracted
		up, down = delta(dir, -1)
		err = e.Repo.DeleteVote(ctx, tx, c.ID, voter.ID)
	default:
		tally.Outcome = VoteSwitched
		u1, d1 := delta(prev.Direction, -1)
		u2, d2 := delta(dir, 1)
		up, down = u1+u2, d1+d2
		own = &dir
		err = e.Repo.UpsertVote(ctx, tx, domain.Vote{ComplaintID: c.ID, VoterID: voter.ID, Direction: dir, CastAt: e.now()})
	}
	if err != nil {
		return VoteTally{}, err
	}
	tally.Upvotes, tally.Downvotes, err = e.Repo.AdjustTally(ctx, tx, c.ID, up, down)
	if err != nil {
		return VoteTally{}, err
	}
	tally.Score = tally.Upvotes - tally.Downvotes
	tally.Own = own
	if _, err := e.Events.Append(ctx, tx, events.Record{
		Type:        events.VoteCast,
		ComplaintID: c.ID,
		ActorID:     voter.ID,
		ActorRole:   string(voter.Role),
		Timestamp:   e.now(),
		Payload:     events.EventPayload{"direction": dir, "outcome": tally.Outcome},
	}); err != nil {
		return VoteTally{}, err
	}
	if err := tx.Commit(); err != nil {
		return VoteTally{}, err
	}
	e.invalidateFeed(ctx)
	return tally, nil
}

func delta(dir domain.Direction, n int) (up, down int) {
	if dir == domain.Upvote {
		return n, 0
	}
	return 0, n
}
