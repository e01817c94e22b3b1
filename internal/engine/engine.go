package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"civicflow/internal/config"
	"civicflow/internal/domain"
	"civicflow/internal/engine/auth"
	"civicflow/internal/events"
	"civicflow/internal/logx"
	"civicflow/internal/metrics"
	"civicflow/internal/repo"
)

// StaffDirectory resolves field staff accounts.
type StaffDirectory interface {
	IsActiveFieldStaff(ctx context.Context, id string) (bool, error)
	DepartmentOf(ctx context.Context, id string) (string, error)
	ActiveStaff(ctx context.Context) ([]domain.Staff, error)
}

// FeedCache stores feed snapshots between requests.
type FeedCache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) error
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Staff  StaffDirectory
	Cache  FeedCache
	Log    logx.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{},
		Config: cfg,
		Staff:  repo.StaffDirectory{Repo: r},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// stamp returns the timestamp for a mutation of c: now, but strictly after
// the complaint's last update so lastUpdated never stands still or rewinds.
func (e Engine) stamp(c domain.Complaint) time.Time {
	ts := e.now()
	if !ts.After(c.LastUpdated) {
		ts = c.LastUpdated.Add(time.Microsecond)
	}
	return ts
}

// Actor is re-exported for callers that only import the engine.
type Actor = auth.Actor

// SubmitOptions are the citizen-provided fields of a new complaint.
type SubmitOptions struct {
	ID          string
	Actor       Actor
	Title       string
	Description string
	Category    domain.Category
	Priority    domain.Priority
	Location    domain.Location
	Images      []domain.ImageRef
	IsPublic    bool
	IsAnonymous bool
}

// Submit creates a complaint in pending. It does not write an audit entry.
func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (c domain.Complaint, err error) {
	evt := domain.EventSubmit
	defer func() { e.observe(ctx, evt, c.ID, opts.Actor, err) }()
	if err := auth.Authorize(opts.Actor, evt); err != nil {
		return domain.Complaint{}, unauthorized(evt, err)
	}
	if blank(opts.Title) {
		return domain.Complaint{}, validationFailed(evt, "title is required")
	}
	if blank(opts.Description) {
		return domain.Complaint{}, validationFailed(evt, "description is required")
	}
	if !opts.Category.Valid() {
		return domain.Complaint{}, validationFailed(evt, "category %q is not recognised", opts.Category)
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !opts.Priority.Valid() {
		return domain.Complaint{}, validationFailed(evt, "priority %q is not one of low, medium, high, urgent", opts.Priority)
	}
	for i, img := range opts.Images {
		if blank(img.URL) {
			return domain.Complaint{}, validationFailed(evt, "image %d has an empty url", i+1)
		}
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	c = domain.Complaint{
		ID:                 id,
		CitizenID:          opts.Actor.ID,
		Title:              strings.TrimSpace(opts.Title),
		Description:        strings.TrimSpace(opts.Description),
		Location:           opts.Location,
		ImageRefs:          append([]domain.ImageRef{}, opts.Images...),
		IsPublic:           opts.IsPublic,
		IsAnonymous:        opts.IsAnonymous,
		Status:             domain.StatusPending,
		Priority:           opts.Priority,
		Category:           opts.Category,
		CreatedAt:          now,
		LastUpdated:        now,
		WorkProofImageRefs: []domain.ImageRef{},
		Version:            1,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Complaint{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetTombstoneTx(ctx, tx, id); err == nil {
		return domain.Complaint{}, alreadyTerminal(evt, "complaint id %s belonged to a deleted complaint", id)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Complaint{}, err
	}
	if err := e.Repo.InsertComplaint(ctx, tx, c); err != nil {
		return domain.Complaint{}, err
	}
	if _, err := e.Events.Append(ctx, tx, events.Record{
		Type:        events.ComplaintSubmitted,
		ComplaintID: c.ID,
		ActorID:     opts.Actor.ID,
		ActorRole:   string(opts.Actor.Role),
		Timestamp:   now,
		Payload:     events.EventPayload{"category": c.Category, "priority": c.Priority, "public": c.IsPublic},
	}); err != nil {
		return domain.Complaint{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Complaint{}, err
	}
	e.invalidateFeed(ctx)
	return c, nil
}

// Get returns a complaint by id.
func (e Engine) Get(ctx context.Context, id string) (domain.Complaint, error) {
	c, err := e.Repo.GetComplaint(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return c, notFound("", "complaint", id)
	}
	return c, err
}

// RecordView counts one view of a public complaint for the rising feed.
func (e Engine) RecordView(ctx context.Context, id string) (int, error) {
	views, err := e.Repo.IncrementViews(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, notFound("", "complaint", id)
	}
	return views, err
}

// List returns complaints matching the filters, newest first.
func (e Engine) List(ctx context.Context, f repo.ComplaintFilters) ([]domain.Complaint, error) {
	if f.Archived == "" {
		f.Archived = domain.ArchivedExclude
	}
	return e.Repo.ListComplaints(ctx, f)
}

// StatusCounts returns how many non-archived complaints sit in each status.
// Every status is present, zero when empty.
func (e Engine) StatusCounts(ctx context.Context) (map[domain.Status]int, error) {
	counts, err := e.Repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range domain.Statuses() {
		if _, ok := counts[s]; !ok {
			counts[s] = 0
		}
	}
	return counts, nil
}

// loadForUpdate reads a complaint inside tx, translating absence into
// NotFound or, for hard-deleted ids, AlreadyTerminal.
func (e Engine) loadForUpdate(ctx context.Context, tx *sql.Tx, evt domain.Event, id string) (domain.Complaint, error) {
	c, err := e.Repo.GetComplaintTx(ctx, tx, id)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return c, fmt.Errorf("load complaint %s: %w", id, err)
	}
	if _, terr := e.Repo.GetTombstoneTx(ctx, tx, id); terr == nil {
		return c, alreadyTerminal(evt, "complaint %s has been permanently deleted", id)
	} else if !errors.Is(terr, repo.ErrNotFound) {
		return c, terr
	}
	return c, notFound(evt, "complaint", id)
}

func (e Engine) observe(ctx context.Context, evt domain.Event, complaintID string, actor Actor, err error) {
	metrics.ObserveTransition(string(evt), outcome(err))
	attrs := []slog.Attr{
		slog.String("complaint_id", complaintID),
		slog.String("transition", string(evt)),
		slog.String("actor_id", actor.ID),
		slog.String("actor_role", string(actor.Role)),
	}
	if err == nil {
		e.Log.Info(ctx, "complaint_transition_applied", "complaint mutation applied", attrs...)
		return
	}
	attrs = append(attrs, slog.String("error", err.Error()))
	if KindOf(err) != nil {
		e.Log.Warn(ctx, "complaint_transition_rejected", "complaint mutation rejected", attrs...)
		return
	}
	e.Log.Error(ctx, "complaint_transition_failed", "complaint mutation failed", attrs...)
}
