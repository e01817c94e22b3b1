package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"civicflow/internal/domain"
)

const complaintColumns = `id,citizen_id,title,description,address,latitude,longitude,is_public,is_anonymous,
status,priority,category,created_at,last_updated,assigned_field_staff_id,field_staff_assigned_at,resolved_by_staff_id,
work_completion_notes,work_completed_at,work_rejected_at,work_rejection_reason,resolved_at,resolution_notes,
rejection_reason,closed_at,close_reason,archived,archived_at,archive_reason,upvotes,downvotes,view_count,version`

const (
	imageEvidence = "evidence"
	imageProof    = "proof"
)

func scanComplaint(s scanner) (domain.Complaint, error) {
	var c domain.Complaint
	var (
		lat, lng                                                        sql.NullFloat64
		isPublic, isAnon, archived                                      int
		createdAt, lastUpdated                                          string
		assignee, assignedAt, resolvedBy, workNotes, workCompletedAt    sql.NullString
		workRejectedAt, workRejectionReason, resolvedAt, resolutionNote sql.NullString
		rejectionReason, closedAt, closeReason, archivedAt, archiveNote sql.NullString
	)
	err := s.Scan(&c.ID, &c.CitizenID, &c.Title, &c.Description, &c.Location.Address, &lat, &lng, &isPublic, &isAnon,
		&c.Status, &c.Priority, &c.Category, &createdAt, &lastUpdated, &assignee, &assignedAt, &resolvedBy,
		&workNotes, &workCompletedAt, &workRejectedAt, &workRejectionReason, &resolvedAt, &resolutionNote,
		&rejectionReason, &closedAt, &closeReason, &archived, &archivedAt, &archiveNote,
		&c.Upvotes, &c.Downvotes, &c.ViewCount, &c.Version)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if lat.Valid {
		v := lat.Float64
		c.Location.Latitude = &v
	}
	if lng.Valid {
		v := lng.Float64
		c.Location.Longitude = &v
	}
	c.IsPublic = isPublic != 0
	c.IsAnonymous = isAnon != 0
	c.Archived = archived != 0
	if c.CreatedAt, err = ParseTime(createdAt); err != nil {
		return c, fmt.Errorf("parse created_at: %w", err)
	}
	if c.LastUpdated, err = ParseTime(lastUpdated); err != nil {
		return c, fmt.Errorf("parse last_updated: %w", err)
	}
	c.AssignedFieldStaffID = stringPtr(assignee)
	c.ResolvedByStaffID = stringPtr(resolvedBy)
	c.WorkCompletionNotes = workNotes.String
	c.WorkRejectionReason = workRejectionReason.String
	c.ResolutionNotes = resolutionNote.String
	c.RejectionReason = rejectionReason.String
	c.CloseReason = closeReason.String
	c.ArchiveReason = archiveNote.String
	for _, tm := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{assignedAt, &c.FieldStaffAssignedAt},
		{workCompletedAt, &c.WorkCompletedAt},
		{workRejectedAt, &c.WorkRejectedAt},
		{resolvedAt, &c.ResolvedAt},
		{closedAt, &c.ClosedAt},
		{archivedAt, &c.ArchivedAt},
	} {
		if *tm.dst, err = timePtr(tm.src); err != nil {
			return c, err
		}
	}
	return c, nil
}

// InsertComplaint stores a new complaint together with its evidence images.
func (r Repo) InsertComplaint(ctx context.Context, tx *sql.Tx, c domain.Complaint) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO complaints(`+complaintColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		complaintArgs(c)...)
	if err != nil {
		return fmt.Errorf("insert complaint: %w", err)
	}
	if err := r.ReplaceImages(ctx, tx, c.ID, imageEvidence, c.ImageRefs); err != nil {
		return err
	}
	return r.ReplaceImages(ctx, tx, c.ID, imageProof, c.WorkProofImageRefs)
}

func complaintArgs(c domain.Complaint) []any {
	return []any{
		c.ID, c.CitizenID, c.Title, c.Description, c.Location.Address, nullableFloat(c.Location.Latitude), nullableFloat(c.Location.Longitude),
		boolInt(c.IsPublic), boolInt(c.IsAnonymous), string(c.Status), string(c.Priority), string(c.Category),
		FormatTime(c.CreatedAt), FormatTime(c.LastUpdated), nullableStringPtr(c.AssignedFieldStaffID), nullableTime(c.FieldStaffAssignedAt),
		nullableStringPtr(c.ResolvedByStaffID), nullable(c.WorkCompletionNotes), nullableTime(c.WorkCompletedAt), nullableTime(c.WorkRejectedAt),
		nullable(c.WorkRejectionReason), nullableTime(c.ResolvedAt), nullable(c.ResolutionNotes), nullable(c.RejectionReason),
		nullableTime(c.ClosedAt), nullable(c.CloseReason), boolInt(c.Archived), nullableTime(c.ArchivedAt), nullable(c.ArchiveReason),
		c.Upvotes, c.Downvotes, c.ViewCount, c.Version,
	}
}

// UpdateComplaint writes every mutable column, guarded by the version the
// caller read. It returns ErrStale when another writer got there first.
// Proof images are rewritten; the audit log is never touched here.
func (r Repo) UpdateComplaint(ctx context.Context, tx *sql.Tx, c domain.Complaint, readVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE complaints SET
status=?, priority=?, last_updated=?, assigned_field_staff_id=?, field_staff_assigned_at=?, resolved_by_staff_id=?,
work_completion_notes=?, work_completed_at=?, work_rejected_at=?, work_rejection_reason=?, resolved_at=?, resolution_notes=?,
rejection_reason=?, closed_at=?, close_reason=?, archived=?, archived_at=?, archive_reason=?, version=?
WHERE id=? AND version=?`,
		string(c.Status), string(c.Priority), FormatTime(c.LastUpdated), nullableStringPtr(c.AssignedFieldStaffID), nullableTime(c.FieldStaffAssignedAt),
		nullableStringPtr(c.ResolvedByStaffID), nullable(c.WorkCompletionNotes), nullableTime(c.WorkCompletedAt), nullableTime(c.WorkRejectedAt),
		nullable(c.WorkRejectionReason), nullableTime(c.ResolvedAt), nullable(c.ResolutionNotes), nullable(c.RejectionReason),
		nullableTime(c.ClosedAt), nullable(c.CloseReason), boolInt(c.Archived), nullableTime(c.ArchivedAt), nullable(c.ArchiveReason),
		c.Version, c.ID, readVersion)
	if err != nil {
		return fmt.Errorf("update complaint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return r.ReplaceImages(ctx, tx, c.ID, imageProof, c.WorkProofImageRefs)
}

func (r Repo) GetComplaint(ctx context.Context, id string) (domain.Complaint, error) {
	return r.getComplaint(ctx, r.DB, id)
}

func (r Repo) GetComplaintTx(ctx context.Context, tx *sql.Tx, id string) (domain.Complaint, error) {
	return r.getComplaint(ctx, tx, id)
}

func (r Repo) getComplaint(ctx context.Context, q queryer, id string) (domain.Complaint, error) {
	c, err := scanComplaint(q.QueryRowContext(ctx, `SELECT `+complaintColumns+` FROM complaints WHERE id=?`, id))
	if err != nil {
		return c, err
	}
	if err := r.loadDetails(ctx, q, &c); err != nil {
		return c, err
	}
	return c, nil
}

func (r Repo) loadDetails(ctx context.Context, q queryer, c *domain.Complaint) error {
	rows, err := q.QueryContext(ctx, `SELECT kind,url FROM complaint_images WHERE complaint_id=? ORDER BY kind, position`, c.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	c.ImageRefs = []domain.ImageRef{}
	c.WorkProofImageRefs = []domain.ImageRef{}
	for rows.Next() {
		var kind, url string
		if err := rows.Scan(&kind, &url); err != nil {
			return err
		}
		if kind == imageProof {
			c.WorkProofImageRefs = append(c.WorkProofImageRefs, domain.ImageRef{URL: url})
		} else {
			c.ImageRefs = append(c.ImageRefs, domain.ImageRef{URL: url})
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	notes, err := r.listNotes(ctx, q, c.ID)
	if err != nil {
		return err
	}
	c.AdminNotes = domain.NewAuditLog(notes...)
	return nil
}

// ReplaceImages swaps the image set of one kind for a complaint.
func (r Repo) ReplaceImages(ctx context.Context, tx *sql.Tx, complaintID, kind string, refs []domain.ImageRef) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM complaint_images WHERE complaint_id=? AND kind=?`, complaintID, kind); err != nil {
		return fmt.Errorf("clear %s images: %w", kind, err)
	}
	for i, ref := range refs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO complaint_images(complaint_id,kind,position,url) VALUES (?,?,?,?)`,
			complaintID, kind, i, ref.URL); err != nil {
			return fmt.Errorf("insert %s image: %w", kind, err)
		}
	}
	return nil
}

// AppendNote adds one audit entry at the end of the complaint's log.
func (r Repo) AppendNote(ctx context.Context, tx *sql.Tx, complaintID string, n domain.AdminNote) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO complaint_notes(complaint_id,seq,note,added_by,added_at,event)
VALUES (?, (SELECT COALESCE(MAX(seq),0)+1 FROM complaint_notes WHERE complaint_id=?), ?,?,?,?)`,
		complaintID, complaintID, n.Note, n.AddedBy, FormatTime(n.AddedAt), nullable(string(n.Event)))
	if err != nil {
		return fmt.Errorf("append note: %w", err)
	}
	return nil
}

func (r Repo) ListNotes(ctx context.Context, complaintID string) ([]domain.AdminNote, error) {
	return r.listNotes(ctx, r.DB, complaintID)
}

func (r Repo) listNotes(ctx context.Context, q queryer, complaintID string) ([]domain.AdminNote, error) {
	rows, err := q.QueryContext(ctx, `SELECT note,added_by,added_at,COALESCE(event,'') FROM complaint_notes WHERE complaint_id=? ORDER BY seq`, complaintID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var notes []domain.AdminNote
	for rows.Next() {
		var n domain.AdminNote
		var addedAt, evt string
		if err := rows.Scan(&n.Note, &n.AddedBy, &addedAt, &evt); err != nil {
			return nil, err
		}
		if n.AddedAt, err = ParseTime(addedAt); err != nil {
			return nil, err
		}
		n.Event = domain.Event(evt)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// DeleteComplaint removes the complaint; images, notes and votes cascade.
func (r Repo) DeleteComplaint(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM complaints WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete complaint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementViews bumps the view counter without touching last_updated.
func (r Repo) IncrementViews(ctx context.Context, id string) (int, error) {
	var views int
	err := r.DB.QueryRowContext(ctx, `UPDATE complaints SET view_count=view_count+1 WHERE id=? RETURNING view_count`, id).Scan(&views)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return views, err
}

type ComplaintFilters struct {
	Status          domain.Status
	Priority        domain.Priority
	Category        domain.Category
	AssignedStaffID string
	CitizenID       string
	Archived        domain.ArchiveFilter
	// Search matches title, description and address, case-insensitively.
	Search string
	// PublicOnly limits results to complaints that may appear in the public feed.
	PublicOnly      bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (f ComplaintFilters) where() (string, []any) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, string(f.Priority))
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, string(f.Category))
	}
	if f.AssignedStaffID != "" {
		clauses = append(clauses, "assigned_field_staff_id=?")
		args = append(args, f.AssignedStaffID)
	}
	if f.CitizenID != "" {
		clauses = append(clauses, "citizen_id=?")
		args = append(args, f.CitizenID)
	}
	switch f.Archived {
	case domain.ArchivedOnly:
		clauses = append(clauses, "archived=1")
	case domain.ArchivedInclude:
	default:
		clauses = append(clauses, "archived=0")
	}
	if strings.TrimSpace(f.Search) != "" {
		p := likePattern(f.Search)
		clauses = append(clauses, `(title LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\' OR address LIKE ? ESCAPE '\')`)
		args = append(args, p, p, p)
	}
	if f.PublicOnly {
		clauses = append(clauses, "is_public=1 AND is_anonymous=0")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// ListComplaints returns matching complaints newest first.
func (r Repo) ListComplaints(ctx context.Context, f ComplaintFilters) ([]domain.Complaint, error) {
	where, args := f.where()
	query := `SELECT ` + complaintColumns + ` FROM complaints ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Complaint
	for rows.Next() {
		c, err := scanComplaint(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		if err := r.loadDetails(ctx, r.DB, &res[i]); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// FeedSnapshot returns every public, non-archived complaint without its
// notes, optionally restricted to one category.
func (r Repo) FeedSnapshot(ctx context.Context, category domain.Category) ([]domain.Complaint, error) {
	f := ComplaintFilters{Category: category, PublicOnly: true, Archived: domain.ArchivedExclude}
	where, args := f.where()
	rows, err := r.DB.QueryContext(ctx, `SELECT `+complaintColumns+` FROM complaints `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Complaint
	for rows.Next() {
		c, err := scanComplaint(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CountByStatus returns complaint totals per status, excluding archived ones.
func (r Repo) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM complaints WHERE archived=0 GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[domain.Status]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[domain.Status(s)] = n
	}
	return out, rows.Err()
}
