package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"civicflow/internal/domain"
)

func scanStaff(s scanner) (domain.Staff, error) {
	var st domain.Staff
	var active int
	var createdAt string
	err := s.Scan(&st.ID, &st.Name, &st.Department, &active, &st.MaxWorkload, &createdAt)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	if err != nil {
		return st, err
	}
	st.Active = active != 0
	st.CreatedAt, err = ParseTime(createdAt)
	return st, err
}

// UpsertStaff registers a field staff member or updates their record.
func (r Repo) UpsertStaff(ctx context.Context, st domain.Staff) error {
	return r.upsertStaff(ctx, r.DB, st)
}

func (r Repo) UpsertStaffTx(ctx context.Context, tx *sql.Tx, st domain.Staff) error {
	return r.upsertStaff(ctx, tx, st)
}

func (r Repo) upsertStaff(ctx context.Context, q queryer, st domain.Staff) error {
	if strings.TrimSpace(st.ID) == "" {
		return errors.New("staff id required")
	}
	if strings.TrimSpace(st.Department) == "" {
		return errors.New("staff department required")
	}
	_, err := q.ExecContext(ctx, `INSERT INTO staff(id,name,department,active,max_workload,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, department=excluded.department, active=excluded.active, max_workload=excluded.max_workload`,
		st.ID, st.Name, st.Department, boolInt(st.Active), st.MaxWorkload, FormatTime(st.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert staff: %w", err)
	}
	return nil
}

func (r Repo) GetStaff(ctx context.Context, id string) (domain.Staff, error) {
	return r.getStaff(ctx, r.DB, id)
}

func (r Repo) GetStaffTx(ctx context.Context, tx *sql.Tx, id string) (domain.Staff, error) {
	return r.getStaff(ctx, tx, id)
}

func (r Repo) getStaff(ctx context.Context, q queryer, id string) (domain.Staff, error) {
	return scanStaff(q.QueryRowContext(ctx, `SELECT id,name,department,active,max_workload,created_at FROM staff WHERE id=?`, id))
}

type StaffFilters struct {
	Department string
	ActiveOnly bool
}

func (r Repo) ListStaff(ctx context.Context, f StaffFilters) ([]domain.Staff, error) {
	var clauses []string
	var args []any
	if f.Department != "" {
		clauses = append(clauses, "department=?")
		args = append(args, f.Department)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "active=1")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,department,active,max_workload,created_at FROM staff `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Staff
	for rows.Next() {
		st, err := scanStaff(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// Workload counts complaints that keep a staff member busy: assigned or in progress.
func (r Repo) Workload(ctx context.Context, staffID string) (int, error) {
	return r.workload(ctx, r.DB, staffID)
}

func (r Repo) WorkloadTx(ctx context.Context, tx *sql.Tx, staffID string) (int, error) {
	return r.workload(ctx, tx, staffID)
}

func (r Repo) workload(ctx context.Context, q queryer, staffID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM complaints WHERE assigned_field_staff_id=? AND status IN ('assigned','in_progress')`, staffID).Scan(&n)
	return n, err
}

// Workloads returns the workload of every staff member with at least one active complaint.
func (r Repo) Workloads(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT assigned_field_staff_id, COUNT(*) FROM complaints
WHERE assigned_field_staff_id IS NOT NULL AND status IN ('assigned','in_progress') GROUP BY assigned_field_staff_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

// StaffDirectory answers staff lookups from the staff table.
type StaffDirectory struct {
	Repo Repo
}

func (d StaffDirectory) IsActiveFieldStaff(ctx context.Context, id string) (bool, error) {
	st, err := d.Repo.GetStaff(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return st.Active, nil
}

func (d StaffDirectory) DepartmentOf(ctx context.Context, id string) (string, error) {
	st, err := d.Repo.GetStaff(ctx, id)
	if err != nil {
		return "", err
	}
	return st.Department, nil
}

func (d StaffDirectory) ActiveStaff(ctx context.Context) ([]domain.Staff, error) {
	return d.Repo.ListStaff(ctx, StaffFilters{ActiveOnly: true})
}
