package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"civicflow/internal/domain"
	"civicflow/internal/engine/auth"
	"civicflow/internal/events"
	"civicflow/internal/repo"
)

// checkAssignee verifies staffID can take work and returns advisory warnings.
// Capacity never blocks an assignment.
func (e Engine) checkAssignee(ctx context.Context, tx *sql.Tx, evt domain.Event, staffID string, active bool) ([]string, error) {
	if !active {
		_, err := e.Repo.GetStaffTx(ctx, tx, staffID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			return nil, notFound(evt, "staff", staffID)
		case err != nil:
			return nil, err
		}
		return nil, validationFailed(evt, "staff %s is not an active field staff member", staffID)
	}
	load, err := e.Repo.WorkloadTx(ctx, tx, staffID)
	if err != nil {
		return nil, err
	}
	limit := e.capacityOf(ctx, tx, staffID)
	if limit > 0 && load >= limit {
		return []string{fmt.Sprintf("staff %s already has %d active complaint(s), at or above capacity %d", staffID, load, limit)}, nil
	}
	return nil, nil
}

func (e Engine) capacityOf(ctx context.Context, tx *sql.Tx, staffID string) int {
	if st, err := e.Repo.GetStaffTx(ctx, tx, staffID); err == nil && st.MaxWorkload > 0 {
		return st.MaxWorkload
	}
	return e.defaultCapacity()
}

func (e Engine) defaultCapacity() int {
	if e.Config == nil {
		return 0
	}
	return e.Config.Assignment.DefaultMaxWorkload
}

// WorkloadOf counts the complaints assigned to or in progress with staffID.
func (e Engine) WorkloadOf(ctx context.Context, staffID string) (int, error) {
	return e.Repo.Workload(ctx, staffID)
}

// Recommendation is one candidate for a complaint assignment.
type Recommendation struct {
	Staff           domain.Staff `json:"staff"`
	Workload        int          `json:"workload"`
	Capacity        int          `json:"capacity"`
	DepartmentMatch bool         `json:"department_match"`
	OverCapacity    bool         `json:"over_capacity"`
}

// RecommendStaff ranks active staff for a complaint: staff of the category's
// department first, then lightest workload, then id.
func (e Engine) RecommendStaff(ctx context.Context, complaintID string, actor Actor) ([]Recommendation, error) {
	if err := auth.Authorize(actor, domain.EventAssignToStaff); err != nil {
		return nil, unauthorized(domain.EventAssignToStaff, err)
	}
	c, err := e.Get(ctx, complaintID)
	if err != nil {
		return nil, err
	}
	dept := e.Config.DepartmentFor(c.Category)
	staff, err := e.Staff.ActiveStaff(ctx)
	if err != nil {
		return nil, err
	}
	loads, err := e.Repo.Workloads(ctx)
	if err != nil {
		return nil, err
	}
	recs := make([]Recommendation, 0, len(staff))
	for _, st := range staff {
		limit := st.MaxWorkload
		if limit <= 0 {
			limit = e.defaultCapacity()
		}
		load := loads[st.ID]
		recs = append(recs, Recommendation{
			Staff:           st,
			Workload:        load,
			Capacity:        limit,
			DepartmentMatch: dept != "" && st.Department == dept,
			OverCapacity:    limit > 0 && load >= limit,
		})
	}
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.DepartmentMatch != b.DepartmentMatch {
			return a.DepartmentMatch
		}
		if a.Workload != b.Workload {
			return a.Workload < b.Workload
		}
		return a.Staff.ID < b.Staff.ID
	})
	return recs, nil
}

// RegisterStaff adds or updates a field staff member.
func (e Engine) RegisterStaff(ctx context.Context, actor Actor, st domain.Staff) (domain.Staff, error) {
	evt := domain.EventRegisterStaff
	if err := auth.Authorize(actor, evt); err != nil {
		return st, unauthorized(evt, err)
	}
	st.ID = strings.TrimSpace(st.ID)
	st.Department = strings.TrimSpace(st.Department)
	if st.ID == "" {
		return st, validationFailed(evt, "staff id is required")
	}
	if st.Department == "" {
		return st, validationFailed(evt, "staff department is required")
	}
	if st.MaxWorkload < 0 {
		return st, validationFailed(evt, "max workload cannot be negative")
	}
	existing, err := e.Repo.GetStaff(ctx, st.ID)
	switch {
	case err == nil:
		st.CreatedAt = existing.CreatedAt
	case errors.Is(err, repo.ErrNotFound):
		st.CreatedAt = e.now()
	default:
		return st, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return st, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertStaffTx(ctx, tx, st); err != nil {
		return st, err
	}
	if _, err := e.Events.Append(ctx, tx, events.Record{
		Type:      events.StaffRegistered,
		ActorID:   actor.ID,
		ActorRole: string(actor.Role),
		Timestamp: e.now(),
		Payload:   events.EventPayload{"staff_id": st.ID, "department": st.Department, "active": st.Active},
	}); err != nil {
		return st, err
	}
	if err := tx.Commit(); err != nil {
		return st, err
	}
	e.Log.Info(ctx, "staff_registered", "field staff registered", slog.String("staff_id", st.ID), slog.String("department", st.Department))
	return st, nil
}
