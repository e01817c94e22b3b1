package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"civicflow/internal/config"
	"civicflow/internal/db"
	"civicflow/internal/domain"
	"civicflow/internal/engine"
	"civicflow/internal/migrate"
	"civicflow/internal/repo"
)

var (
	admin   = engine.Actor{ID: "admin-1", Role: domain.RoleAdmin}
	citizen = engine.Actor{ID: "citizen-1", Role: domain.RoleCitizen}
	worker  = engine.Actor{ID: "staff-1", Role: domain.RoleFieldStaff}
	other   = engine.Actor{ID: "staff-2", Role: domain.RoleFieldStaff}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *clock
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clk := &clock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, config.Default())
	eng.Now = clk.Now
	ctx := context.Background()
	for _, st := range []domain.Staff{
		{ID: worker.ID, Name: "Ada", Department: "public_works", Active: true},
		{ID: other.ID, Name: "Bo", Department: "water_supply", Active: true},
	} {
		if _, err := eng.RegisterStaff(ctx, admin, st); err != nil {
			t.Fatalf("register staff %s: %v", st.ID, err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx, Clock: clk}
}

func (env testEnv) submit(t *testing.T, title string, public bool) domain.Complaint {
	t.Helper()
	c, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		Actor:       citizen,
		Title:       title,
		Description: "reported near the school",
		Category:    domain.CategoryRoads,
		Location:    domain.Location{Address: "12 Market Street"},
		Images:      []domain.ImageRef{{URL: "https://assets.example/evidence.jpg"}},
		IsPublic:    public,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.Clock.Advance(time.Minute)
	return c
}

func (env testEnv) mustTransition(t *testing.T, id string, actor engine.Actor, p engine.Payload) domain.Complaint {
	t.Helper()
	res, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{ComplaintID: id, Actor: actor, Payload: p})
	if err != nil {
		t.Fatalf("%s: %v", p.Event(), err)
	}
	env.Clock.Advance(time.Minute)
	return res.Complaint
}

func expectKind(t *testing.T, err, kind error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got nil", kind)
	}
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v, got %v", kind, err)
	}
}

func proof(n int) []domain.ImageRef {
	refs := make([]domain.ImageRef, n)
	for i := range refs {
		refs[i] = domain.ImageRef{URL: "https://assets.example/proof-" + string(rune('a'+i)) + ".jpg"}
	}
	return refs
}

func assertAssigneeInvariant(t *testing.T, env testEnv) {
	t.Helper()
	all, err := env.Engine.List(env.Ctx, repo.ComplaintFilters{Archived: domain.ArchivedInclude})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, c := range all {
		if (c.AssignedFieldStaffID != nil) != c.Status.HasAssignee() {
			t.Fatalf("complaint %s in %s has assignee %v", c.ID, c.Status, c.AssignedFieldStaffID)
		}
	}
}

func TestFullLifecycleWithReworkLoop(t *testing.T) {
	env := newTestEnv(t)
	c := env.submit(t, "Pothole on Main", true)
	if c.Status != domain.StatusPending || c.AdminNotes.Len() != 0 {
		t.Fatalf("unexpected new complaint: %+v", c)
	}

	c = env.mustTransition(t, c.ID, admin, engine.AssignToStaff{StaffID: worker.ID})
	if c.Status != domain.StatusAssigned || !c.AssignedTo(worker.ID) || c.FieldStaffAssignedAt == nil {
		t.Fatalf("after assign: %+v", c)
	}
	c = env.mustTransition(t, c.ID, worker, engine.StartWork{Note: "on site"})
	if c.Status != domain.StatusInProgress {
		t.Fatalf("after start: %s", c.Status)
	}
	c = env.mustTransition(t, c.ID, worker, engine.CompleteWork{Notes: "patched", ProofImages: proof(2)})
	if c.Status != domain.StatusWorkCompleted || len(c.WorkProofImageRefs) != 2 {
		t.Fatalf("after complete: %+v", c)
	}
	c = env.mustTransition(t, c.ID, admin, engine.RejectWork{Reason: "insufficient proof"})
	if c.Status != domain.StatusInProgress || len(c.WorkProofImageRefs) != 0 || c.WorkCompletionNotes != "" {
		t.Fatalf("after reject work: %+v", c)
	}
	if !c.AssignedTo(worker.ID) {
		t.Fatalf("reject work must keep the assignee")
	}
	c = env.mustTransition(t, c.ID, worker, engine.CompleteWork{Notes: "re-patched", ProofImages: proof(1)})
	if c.Status != domain.StatusWorkCompleted || len(c.WorkProofImageRefs) != 1 {
		t.Fatalf("after second complete: %+v", c)
	}
	c = env.mustTransition(t, c.ID, admin, engine.ApproveWork{})
	if c.Status != domain.StatusResolved || c.ResolvedAt == nil {
		t.Fatalf("after approve: %+v", c)
	}
	if c.AssignedFieldStaffID != nil || c.ResolvedByStaffID == nil || *c.ResolvedByStaffID != worker.ID {
		t.Fatalf("approve must release the assignee and record the resolver: %+v", c)
	}

	stored, err := env.Engine.Get(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := []domain.Event{
		domain.EventAssignToStaff,
		domain.EventStartWork,
		domain.EventCompleteWork,
		domain.EventRejectWork,
		domain.EventCompleteWork,
		domain.EventApproveWork,
	}
	notes := stored.AdminNotes.Entries()
	if len(notes) != len(want) {
		t.Fatalf("expected %d audit entries, got %d", len(want), len(notes))
	}
	for i, n := range notes {
		if n.Event != want[i] {
			t.Fatalf("entry %d: expected %s, got %s", i, want[i], n.Event)
		}
		if i > 0 && !n.AddedAt.After(notes[i-1].AddedAt) {
			t.Fatalf("entry %d not after entry %d", i, i-1)
		}
	}
	if stored.Version != 7 {
		t.Fatalf("expected version 7, got %d", stored.Version)
	}
	assertAssigneeInvariant(t, env)
}

func TestCompleteWorkRequiresProof(t *testing.T) {
	env := newTestEnv(t)
	c := env.submit(t, "Broken light", false)
	env.mustTransition(t, c.ID, admin, engine.AssignToStaff{StaffID: worker.ID})
	env.mustTransition(t, c.ID, worker, engine.StartWork{Note: "started"})

	_, err := env.Engine.CompleteWork(env.Ctx, c.ID, worker, "done", nil)
	expectKind(t, err, engine.ErrValidationFailed)
	if !strings.Contains(err.Error(), "proof images are mandatory for work completion") {
		t.Fatalf("message should name the missing proof: %v", err)
	}
	after, _ := env.Engine.Get(env.Ctx, c.ID)
	if after.Status != domain.StatusInProgress || after.AdminNotes.Len() != 2 {
		t.Fatalf("failed completion must not mutate: %+v", after)
	}

	res, err := env.Engine.CompleteWork(env.Ctx, c.ID, worker, "x", proof(1))
	if err != nil {
		t.Fatalf("one proof image should be enough: %v", err)
	}
	if res.Complaint.Status != domain.StatusWorkCompleted {
		t.Fatalf("expected work_completed, got %s", res.Complaint.Status)
	}
}

func TestRejectWorkDoesNotResurrectCompletion(t *testing.T) {
	env := newTestEnv(t)
	c := env.submit(t, "Overflowing drain", false)
	env.mustTransition(t, c.ID, admin, engine.AssignToStaff{StaffID: worker.ID})
	env.mustTransition(t, c.ID, worker, engine.StartWork{Note: "started"})
	first := env.mustTransition(t, c.ID, worker, engine.CompleteWork{Notes: "first attempt", ProofImages: proof(2)})
	completedAt := *first.WorkCompletedAt
	env.mustTransition(t, c.ID, admin, engine.RejectWork{Reason: "photos are blurry"})

	reloaded, _ := env.Engine.Get(env.Ctx, c.ID)
	if reloaded.WorkCompletionNotes != "" || len(reloaded.WorkProofImageRefs) != 0 {
		t.Fatalf("stale completion survived rejection: %+v", reloaded)
	}
	if reloaded.WorkRejectionReason != "photos are blurry" || reloaded.WorkRejectedAt == nil {
		t.Fatalf("rejection not recorded: %+v", reloaded)
	}

	second := env.mustTransition(t, c.ID, worker, engine.CompleteWork{Notes: "second attempt", ProofImages: proof(1)})
	if second.WorkCompletionNotes != "second attempt" {
		t.Fatalf("unexpected notes %q", second.WorkCompletionNotes)
	}
	stored, _ := env.Engine.Get(env.Ctx, c.ID)
	if len(stored.WorkProofImageRefs) != 1 || stored.WorkProofImageRefs[0].URL != proof(1)[0].URL {
		t.Fatalf("unexpected proof images %+v", stored.WorkProofImageRefs)
	}
	if !stored.WorkCompletedAt.Equal(completedAt) {
		t.Fatalf("first completion time should be kept: %v vs %v", stored.WorkCompletedAt, completedAt)
	}
}

func TestValidationOrder(t *testing.T) {
	env := newTestEnv(t)
	c := env.submit(t, "Noise at night", false)

	// role before everything
	_, err := env.Engine.StartWork(env.Ctx, c.ID, admin, "")
	expectKind(t, err, engine.ErrUnauthorized)
	// identity before status
	_, err = env.Engine.StartWork(env.Ctx, c.ID, worker, "")
	expectKind(t, err, engine.ErrUnauthorized)

	env.mustTransition(t, c.ID, admin, engine.AssignToStaff{StaffID: worker.ID})
	_, err = env.Engine.StartWork(env.Ctx, c.ID, other, "note")
	expectKind(t, err, engine.ErrUnauthorized)
	// status before payload
	_, err = env.Engine.CompleteWork(env.Ctx, c.ID, worker, "", nil)
	expectKind(t, err, engine.ErrInvalidTransition)
	// payload last
	_, err = env.Engine.StartWork(env.Ctx, c.ID, worker, "  ")
	expectKind(t, err, engine.ErrValidationFailed)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{ComplaintID: "missing", Actor: admin, Payload: engine.AddNote{Note: "x"}})
	expectKind(t, err, engine.ErrNotFound)
}

func TestAssignRejectsUnknownOrInactiveStaff(t *testing.T) {
	env := newTestEnv(t)
	c := env.submit(t, "Leaking hydrant", false)
	_, err := env.Engine.Assign(env.Ctx, c.ID, admin, "nobody")
	expectKind(t, err, engine.ErrNotFound)
	if !strings.Contains(err.Error(), "staff nobody not found") {
		t.Fatalf("message should name the missing staff: %v", err)
	}

	if _, err := env.Engine.RegisterStaff(env.Ctx, admin, domain.Staff{ID: "retired", Department: "water_supply"}); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Assign(env.Ctx, c.ID, admin, "retired")
	expectKind(t, err, engine.ErrValidationFailed)
	if errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("inactive staff is not a missing staff: %v", err)
	}
	after, _ := env.Engine.Get(env.Ctx, c.ID)
	if after.Status != domain.StatusPending || after.AssignedFieldStaffID != nil {
		t.Fatalf("failed assignment must not mutate: %+v", after)
	}
}

func TestAssignOverCapacityWarns(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RegisterStaff(env.Ctx, admin, domain.Staff{ID: "solo", Department: "public_works", Active: true, MaxWorkload: 1}); err != nil {
		t.Fatal(err)
	}
	a := env.submit(t, "first", false)
	b := env.submit(t, "second", false)
	res, err := env.Engine.Assign(env.Ctx, a.ID, admin, "solo")
	if err != nil || len(res.Warnings) != 0 {
		t.Fatalf("first assignment: %v %v", err, res.Warnings)
	}
	res, err = env.Engine.Assign(env.Ctx, b.ID, admin, "solo")
	if err != nil {
		t.Fatalf("capacity is advisory: %v", err)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected capacity warning, got %v", res.Warnings)
	}
	load, err := env.Engine.WorkloadOf(env.Ctx, "solo")
	if err != nil || load != 2 {
		t.Fatalf("expected workload 2, got %d (%v)", load, err)
	}
}

func TestTerminalStatuses(t *testing.T) {
	env := newTestEnv(t)
	c := env.submit(t, "Graffiti", false)
	env.mustTransition(t, c.ID, admin, engine.RejectComplaint{Reason: "duplicate"})
	_, err := env.Engine.AddNote(env.Ctx, c.ID, admin, "late note")
	expectKind(t, err, engine.ErrInvalidTransition)

	closed := env.mustTransition(t, c.ID, admin, engine.CloseComplaint{Reason: "housekeeping"})
	if closed.Status != domain.StatusClosed || closed.ClosedAt == nil {
		t.Fatalf("close from rejected: %+v", closed)
	}
	_, err = env.Engine.Close(env.Ctx, c.ID, admin, "")
	expectKind(t, err, engine.ErrInvalidTransition)

	d := env.submit(t, "Fallen tree", false)
	env.mustTransition(t, d.ID, admin, engine.AssignToStaff{StaffID: worker.ID})
	closedAssigned := env.mustTransition(t, d.ID, admin, engine.CloseComplaint{})
	if closedAssigned.AssignedFieldStaffID != nil {
		t.Fatalf("close must release the assignee")
	}
	assertAssigneeInvariant(t, env)
}

func TestStatePreservingEventsBumpLastUpdated(t *testing.T) {
	env := newTestEnv(t)
	c := env.submit(t, "Park bench", false)
	env.mustTransition(t, c.ID, admin, engine.AssignToStaff{StaffID: worker.ID})
	started := env.mustTransition(t, c.ID, worker, engine.StartWork{Note: "started"})

	progressed := env.mustTransition(t, c.ID, worker, engine.UpdateProgress{Note: "halfway"})
	if progressed.Status != domain.StatusInProgress || !progressed.LastUpdated.After(started.LastUpdated) {
		t.Fatalf("update_progress must bump lastUpdated: %+v", progressed)
	}
	noted := env.mustTransition(t, c.ID, admin, engine.AddNote{Note: "checked in"})
	if !noted.LastUpdated.After(progressed.LastUpdated) || noted.AdminNotes.Len() != 4 {
		t.Fatalf("add_note must bump lastUpdated and append: %+v", noted)
	}

	_, err := env.Engine.Reprioritize(env.Ctx, c.ID, admin, domain.PriorityMedium)
	expectKind(t, err, engine.ErrValidationFailed)
	res, err := env.Engine.Reprioritize(env.Ctx, c.ID, admin, domain.PriorityUrgent)
	if err != nil || res.Complaint.Priority != domain.PriorityUrgent {
		t.Fatalf("reprioritize: %v", err)
	}
}

func TestExpectedVersionMismatch(t *testing.T) {
	env := newTestEnv(t)
	c := env.submit(t, "Blocked culvert", false)
	stale := c.Version
	env.mustTransition(t, c.ID, admin, engine.AddNote{Note: "first"})
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		ComplaintID:     c.ID,
		Actor:           admin,
		Payload:         engine.AddNote{Note: "second"},
		ExpectedVersion: &stale,
	})
	expectKind(t, err, engine.ErrConcurrentModification)
}

func TestConcurrentAssignOnlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	c := env.submit(t, "Water main", false)
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, staff := range []string{worker.ID, other.ID} {
		wg.Add(1)
		go func(i int, staff string) {
			defer wg.Done()
			_, errs[i] = env.Engine.Assign(env.Ctx, c.ID, admin, staff)
		}(i, staff)
	}
	wg.Wait()
	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		if !errors.Is(err, engine.ErrInvalidTransition) && !errors.Is(err, engine.ErrConcurrentModification) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}
	stored, _ := env.Engine.Get(env.Ctx, c.ID)
	if stored.AdminNotes.Len() != 1 {
		t.Fatalf("expected one audit entry, got %d", stored.AdminNotes.Len())
	}
}

func TestArchiveRestoreRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	c := env.submit(t, "Abandoned car", true)
	env.mustTransition(t, c.ID, admin, engine.AssignToStaff{StaffID: worker.ID})
	before, err := env.Engine.Get(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}

	archived, err := env.Engine.Archive(env.Ctx, c.ID, admin, "duplicate report")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !archived.Archived || archived.ArchivedAt == nil || archived.Status != domain.StatusAssigned {
		t.Fatalf("archive must not change status: %+v", archived)
	}
	listed, _ := env.Engine.List(env.Ctx, repo.ComplaintFilters{})
	if len(listed) != 0 {
		t.Fatalf("archived complaint should be hidden by default")
	}
	onlyArchived, _ := env.Engine.List(env.Ctx, repo.ComplaintFilters{Archived: domain.ArchivedOnly})
	if len(onlyArchived) != 1 {
		t.Fatalf("archived complaint should be listed with the archived filter")
	}
	_, err = env.Engine.StartWork(env.Ctx, c.ID, worker, "go")
	expectKind(t, err, engine.ErrInvalidTransition)
	_, err = env.Engine.Archive(env.Ctx, c.ID, admin, "again")
	expectKind(t, err, engine.ErrInvalidTransition)

	env.Clock.Advance(time.Hour)
	if _, err := env.Engine.Restore(env.Ctx, c.ID, admin); err != nil {
		t.Fatalf("restore: %v", err)
	}
	after, _ := env.Engine.Get(env.Ctx, c.ID)
	if !after.LastUpdated.After(before.LastUpdated) {
		t.Fatalf("restore must advance lastUpdated")
	}
	after.LastUpdated = before.LastUpdated
	after.Version = before.Version
	a, _ := json.Marshal(before)
	b, _ := json.Marshal(after)
	if string(a) != string(b) {
		t.Fatalf("round trip changed the complaint:\n%s\n%s", a, b)
	}
}

func TestHardDeleteTombstones(t *testing.T) {
	env := newTestEnv(t)
	c := env.submit(t, "Spam", true)
	if _, err := env.Engine.CastVote(env.Ctx, c.ID, citizen, domain.Upvote); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.HardDelete(env.Ctx, c.ID, worker, ""); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("field staff cannot delete: %v", err)
	}
	if err := env.Engine.HardDelete(env.Ctx, c.ID, admin, "abusive"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err := env.Engine.Get(env.Ctx, c.ID)
	expectKind(t, err, engine.ErrNotFound)
	_, err = env.Engine.AddNote(env.Ctx, c.ID, admin, "hello?")
	expectKind(t, err, engine.ErrAlreadyTerminal)
	err = env.Engine.HardDelete(env.Ctx, c.ID, admin, "")
	expectKind(t, err, engine.ErrAlreadyTerminal)
	_, err = env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		ID: c.ID, Actor: citizen, Title: "again", Description: "again", Category: domain.CategoryOther,
	})
	expectKind(t, err, engine.ErrAlreadyTerminal)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{ComplaintID: c.ID, Limit: 1})
	if err != nil || len(evts) != 1 || evts[0].Type != "complaint.deleted" {
		t.Fatalf("expected deletion event, got %+v (%v)", evts, err)
	}
}

func TestVoteToggleAndSwitch(t *testing.T) {
	env := newTestEnv(t)
	c := env.submit(t, "Streetlight out", true)
	steps := []struct {
		dir      domain.Direction
		up, down int
		own      *domain.Direction
		outcome  engine.VoteOutcome
	}{
		{domain.Upvote, 1, 0, ptr(domain.Upvote), engine.VoteCast},
		{domain.Downvote, 0, 1, ptr(domain.Downvote), engine.VoteSwitched},
		{domain.Downvote, 0, 0, nil, engine.VoteRetracted},
	}
	for i, step := range steps {
		tally, err := env.Engine.CastVote(env.Ctx, c.ID, citizen, step.dir)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if tally.Upvotes != step.up || tally.Downvotes != step.down || tally.Outcome != step.outcome {
			t.Fatalf("step %d: got %+v", i, tally)
		}
		if (tally.Own == nil) != (step.own == nil) || (tally.Own != nil && *tally.Own != *step.own) {
			t.Fatalf("step %d: own vote %v", i, tally.Own)
		}
	}
	stored, _ := env.Engine.Get(env.Ctx, c.ID)
	if !stored.LastUpdated.Equal(c.LastUpdated) || stored.Version != c.Version {
		t.Fatalf("votes must not touch lastUpdated or version")
	}
	up, down, err := env.Engine.Repo.RecountVotes(env.Ctx, c.ID)
	if err != nil || up != 0 || down != 0 {
		t.Fatalf("ledger mismatch: %d %d %v", up, down, err)
	}
}

func TestConcurrentVotersDoNotLoseCounts(t *testing.T) {
	env := newTestEnv(t)
	c := env.submit(t, "Crowded bus stop", true)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			voter := engine.Actor{ID: "voter-" + string(rune('a'+i)), Role: domain.RoleCitizen}
			if _, err := env.Engine.CastVote(env.Ctx, c.ID, voter, domain.Upvote); err != nil {
				t.Errorf("vote %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	stored, _ := env.Engine.Get(env.Ctx, c.ID)
	if stored.Upvotes != 8 {
		t.Fatalf("expected 8 upvotes, got %d", stored.Upvotes)
	}
}

func TestVoteRequiresListedComplaint(t *testing.T) {
	env := newTestEnv(t)
	c := env.submit(t, "Private matter", false)
	_, err := env.Engine.CastVote(env.Ctx, c.ID, citizen, domain.Upvote)
	expectKind(t, err, engine.ErrInvalidTransition)
	_, err = env.Engine.CastVote(env.Ctx, c.ID, citizen, domain.Direction("sideways"))
	expectKind(t, err, engine.ErrValidationFailed)
}

func TestRecommendStaff(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RegisterStaff(env.Ctx, admin, domain.Staff{ID: "staff-0", Department: "public_works", Active: true}); err != nil {
		t.Fatal(err)
	}
	busy := env.submit(t, "busy", false)
	env.mustTransition(t, busy.ID, admin, engine.AssignToStaff{StaffID: "staff-0"})

	road := env.submit(t, "Crack in road", false)
	recs, err := env.Engine.RecommendStaff(env.Ctx, road.ID, admin)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, r := range recs {
		got = append(got, r.Staff.ID)
	}
	want := []string{worker.ID, "staff-0", other.ID}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if !recs[0].DepartmentMatch || recs[2].DepartmentMatch || recs[1].Workload != 1 {
		t.Fatalf("unexpected recommendation details: %+v", recs)
	}
	if _, err := env.Engine.RecommendStaff(env.Ctx, road.ID, citizen); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("citizens cannot see recommendations: %v", err)
	}
}

func TestListFiltersAndSearch(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, "Pothole near library", true)
	env.submit(t, "Loud music", true)
	env.mustTransition(t, a.ID, admin, engine.AssignToStaff{StaffID: worker.ID})

	got, err := env.Engine.List(env.Ctx, repo.ComplaintFilters{Search: "POTHOLE"})
	if err != nil || len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("search: %v %+v", err, got)
	}
	got, _ = env.Engine.List(env.Ctx, repo.ComplaintFilters{Status: domain.StatusPending})
	if len(got) != 1 || got[0].Title != "Loud music" {
		t.Fatalf("status filter: %+v", got)
	}
	got, _ = env.Engine.List(env.Ctx, repo.ComplaintFilters{AssignedStaffID: worker.ID})
	if len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("assignee filter: %+v", got)
	}
	got, _ = env.Engine.List(env.Ctx, repo.ComplaintFilters{Search: "market street"})
	if len(got) != 2 {
		t.Fatalf("address search: %+v", got)
	}
	if got[0].Title != "Loud music" {
		t.Fatalf("expected newest first, got %s", got[0].Title)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Actor: citizen, Description: "d", Category: domain.CategoryRoads})
	expectKind(t, err, engine.ErrValidationFailed)
	_, err = env.Engine.Submit(env.Ctx, engine.SubmitOptions{Actor: citizen, Title: "t", Description: "d", Category: "weather"})
	expectKind(t, err, engine.ErrValidationFailed)
	_, err = env.Engine.Submit(env.Ctx, engine.SubmitOptions{Actor: worker, Title: "t", Description: "d", Category: domain.CategoryRoads})
	expectKind(t, err, engine.ErrUnauthorized)
}

type fakeCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	hits    int
	deletes int
}

func (f *fakeCache) GetJSON(_ context.Context, key string, dest any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.data[key]
	if !ok {
		return false, nil
	}
	f.hits++
	return true, json.Unmarshal(raw, dest)
}

func (f *fakeCache) SetJSON(_ context.Context, key string, value any, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if f.data == nil {
		f.data = map[string][]byte{}
	}
	f.data[key] = raw
	return nil
}

func (f *fakeCache) DeletePrefix(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			delete(f.data, k)
		}
	}
	return nil
}

func TestFeedRanksListedComplaintsAndUsesCache(t *testing.T) {
	env := newTestEnv(t)
	cache := &fakeCache{}
	env.Engine.Cache = cache
	env.Engine.Config.Feed.CacheTTLSeconds = 60

	older := env.submit(t, "older", true)
	newer := env.submit(t, "newer", true)
	env.submit(t, "private", false)
	if _, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		Actor: citizen, Title: "anon", Description: "d", Category: domain.CategoryRoads, IsPublic: true, IsAnonymous: true,
	}); err != nil {
		t.Fatal(err)
	}

	page, err := env.Engine.Feed(env.Ctx, engine.FeedQuery{Mode: "new"})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 || page.Entries[0].Complaint.ID != newer.ID {
		t.Fatalf("unexpected feed: %+v", page)
	}
	if _, err := env.Engine.Feed(env.Ctx, engine.FeedQuery{Mode: "new"}); err != nil {
		t.Fatal(err)
	}
	if cache.hits != 1 {
		t.Fatalf("expected a cache hit, got %d", cache.hits)
	}

	if _, err := env.Engine.CastVote(env.Ctx, older.ID, citizen, domain.Upvote); err != nil {
		t.Fatal(err)
	}
	page, err = env.Engine.Feed(env.Ctx, engine.FeedQuery{Mode: "top", ViewerID: citizen.ID})
	if err != nil {
		t.Fatal(err)
	}
	top := page.Entries[0]
	if top.Complaint.ID != older.ID || top.Score != 1 || top.Own == nil || *top.Own != domain.Upvote {
		t.Fatalf("vote should invalidate the snapshot: %+v", top)
	}

	_, err = env.Engine.Feed(env.Ctx, engine.FeedQuery{Mode: "controversial"})
	expectKind(t, err, engine.ErrValidationFailed)
}

func TestTransitionRefreshesCachedFeed(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Cache = &fakeCache{}
	env.Engine.Config.Feed.CacheTTLSeconds = 60

	c := env.submit(t, "Flooded underpass", true)
	page, err := env.Engine.Feed(env.Ctx, engine.FeedQuery{Mode: "new"})
	if err != nil || len(page.Entries) != 1 || page.Entries[0].Complaint.Status != domain.StatusPending {
		t.Fatalf("unexpected feed: %+v (%v)", page, err)
	}

	env.mustTransition(t, c.ID, admin, engine.Reprioritize{Priority: domain.PriorityUrgent})
	env.mustTransition(t, c.ID, admin, engine.RejectComplaint{Reason: "handled by the county"})

	page, err = env.Engine.Feed(env.Ctx, engine.FeedQuery{Mode: "new"})
	if err != nil || len(page.Entries) != 1 {
		t.Fatalf("unexpected feed: %+v (%v)", page, err)
	}
	got := page.Entries[0].Complaint
	if got.Status != domain.StatusRejected || got.Priority != domain.PriorityUrgent {
		t.Fatalf("feed served a stale snapshot: status %s priority %s", got.Status, got.Priority)
	}
}

func TestStatusCountsSkipArchivedAndZeroFill(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t, "Pothole", false)
	env.submit(t, "Flooded lane", false)
	b := env.submit(t, "Graffiti", true)
	env.mustTransition(t, a.ID, admin, engine.AssignToStaff{StaffID: worker.ID})
	if _, err := env.Engine.Archive(env.Ctx, b.ID, admin, "duplicate"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	counts, err := env.Engine.StatusCounts(env.Ctx)
	if err != nil {
		t.Fatalf("status counts: %v", err)
	}
	if len(counts) != len(domain.Statuses()) {
		t.Fatalf("every status should be reported: %v", counts)
	}
	if counts[domain.StatusPending] != 1 || counts[domain.StatusAssigned] != 1 || counts[domain.StatusClosed] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

type lifecycleStep struct {
	name string
	run  func(env testEnv, id string) (domain.Complaint, error)
}

// invariantSteps mixes valid moves with ones that must be refused: wrong
// actor, wrong assignee, missing proof.
func invariantSteps() []lifecycleStep {
	transition := func(name string, actor engine.Actor, p engine.Payload) lifecycleStep {
		return lifecycleStep{name: name, run: func(env testEnv, id string) (domain.Complaint, error) {
			res, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{ComplaintID: id, Actor: actor, Payload: p})
			return res.Complaint, err
		}}
	}
	return []lifecycleStep{
		transition("assign", admin, engine.AssignToStaff{StaffID: worker.ID}),
		transition("assign-other", admin, engine.AssignToStaff{StaffID: other.ID}),
		transition("assign-by-citizen", citizen, engine.AssignToStaff{StaffID: worker.ID}),
		transition("reject", admin, engine.RejectComplaint{Reason: "out of area"}),
		transition("start", worker, engine.StartWork{Note: "on site"}),
		transition("start-by-other", other, engine.StartWork{Note: "on site"}),
		transition("progress", worker, engine.UpdateProgress{Note: "half done"}),
		transition("complete", worker, engine.CompleteWork{Notes: "patched", ProofImages: proof(1)}),
		transition("complete-without-proof", worker, engine.CompleteWork{Notes: "patched"}),
		transition("approve", admin, engine.ApproveWork{}),
		transition("reject-work", admin, engine.RejectWork{Reason: "still leaking"}),
		transition("note", admin, engine.AddNote{Note: "checked"}),
		transition("note-by-worker", worker, engine.AddNote{Note: "parts ordered"}),
		transition("reprioritize", admin, engine.Reprioritize{Priority: domain.PriorityUrgent}),
		transition("close", admin, engine.CloseComplaint{Reason: "withdrawn"}),
		{name: "archive", run: func(env testEnv, id string) (domain.Complaint, error) {
			return env.Engine.Archive(env.Ctx, id, admin, "duplicate")
		}},
		{name: "restore", run: func(env testEnv, id string) (domain.Complaint, error) {
			return env.Engine.Restore(env.Ctx, id, admin)
		}},
	}
}

// driveTo submits a complaint and walks it to status along the shortest
// path, archiving it at the end when asked.
func (env testEnv) driveTo(t *testing.T, status domain.Status, archived bool) domain.Complaint {
	t.Helper()
	c := env.submit(t, "Blocked drain", true)
	switch status {
	case domain.StatusRejected:
		c = env.mustTransition(t, c.ID, admin, engine.RejectComplaint{Reason: "duplicate"})
	case domain.StatusClosed:
		c = env.mustTransition(t, c.ID, admin, engine.CloseComplaint{Reason: "withdrawn"})
	default:
		forward := map[domain.Status]func() domain.Complaint{
			domain.StatusPending: func() domain.Complaint {
				return env.mustTransition(t, c.ID, admin, engine.AssignToStaff{StaffID: worker.ID})
			},
			domain.StatusAssigned: func() domain.Complaint {
				return env.mustTransition(t, c.ID, worker, engine.StartWork{Note: "on site"})
			},
			domain.StatusInProgress: func() domain.Complaint {
				return env.mustTransition(t, c.ID, worker, engine.CompleteWork{Notes: "patched", ProofImages: proof(1)})
			},
			domain.StatusWorkCompleted: func() domain.Complaint {
				return env.mustTransition(t, c.ID, admin, engine.ApproveWork{})
			},
		}
		for c.Status != status {
			c = forward[c.Status]()
		}
	}
	if archived {
		var err error
		if c, err = env.Engine.Archive(env.Ctx, c.ID, admin, "parked"); err != nil {
			t.Fatalf("archive: %v", err)
		}
	}
	return c
}

// verifyStep checks the assignee invariant after a step whether or not it
// was accepted, and that refused steps leave the complaint untouched.
func verifyStep(t *testing.T, env testEnv, label string, before, got domain.Complaint, err error) domain.Complaint {
	t.Helper()
	after, getErr := env.Engine.Get(env.Ctx, before.ID)
	if getErr != nil {
		t.Fatalf("%s: get: %v", label, getErr)
	}
	if err != nil {
		if engine.KindOf(err) == nil {
			t.Fatalf("%s: unexpected infrastructure error: %v", label, err)
		}
		if after.Version != before.Version || after.Status != before.Status {
			t.Fatalf("%s: refused step changed the complaint: %v", label, err)
		}
	} else {
		if after.Version != before.Version+1 {
			t.Fatalf("%s: accepted step should bump the version once, %d -> %d", label, before.Version, after.Version)
		}
		if (got.AssignedFieldStaffID != nil) != got.Status.HasAssignee() {
			t.Fatalf("%s: returned %s complaint has assignee %v", label, got.Status, got.AssignedFieldStaffID)
		}
	}
	if (after.AssignedFieldStaffID != nil) != after.Status.HasAssignee() {
		t.Fatalf("%s: stored %s complaint has assignee %v", label, after.Status, after.AssignedFieldStaffID)
	}
	assertAssigneeInvariant(t, env)
	return after
}

func TestAssigneeInvariantFromEveryStatus(t *testing.T) {
	accepted := map[string]int{}
	for _, status := range domain.Statuses() {
		for _, archived := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s/archived=%v", status, archived), func(t *testing.T) {
				env := newTestEnv(t)
				for _, step := range invariantSteps() {
					before := env.driveTo(t, status, archived)
					got, err := step.run(env, before.ID)
					env.Clock.Advance(time.Minute)
					verifyStep(t, env, step.name, before, got, err)
					if err == nil {
						accepted[step.name]++
					}
				}
			})
		}
	}

	nonClosed := len(domain.Statuses()) - 1
	if accepted["close"] != 2*nonClosed {
		t.Fatalf("close should be accepted from every other status, archived or not: %d", accepted["close"])
	}
	if accepted["archive"] != len(domain.Statuses()) || accepted["restore"] != len(domain.Statuses()) {
		t.Fatalf("archive and restore should work from every status: %v", accepted)
	}
	for _, name := range []string{"assign", "start", "progress", "complete", "approve", "reject-work", "reject"} {
		if accepted[name] == 0 {
			t.Fatalf("%s was never accepted: %v", name, accepted)
		}
	}
	for _, name := range []string{"assign-by-citizen", "start-by-other", "complete-without-proof"} {
		if accepted[name] != 0 {
			t.Fatalf("%s must always be refused: %v", name, accepted)
		}
	}
}

func TestAssigneeInvariantAlongRandomWalks(t *testing.T) {
	env := newTestEnv(t)
	steps := invariantSteps()
	rng := rand.New(rand.NewSource(20240101))
	ids := make([]string, 3)
	for i := range ids {
		ids[i] = env.submit(t, fmt.Sprintf("Walk %d", i), true).ID
	}
	for i := 0; i < 400; i++ {
		slot := rng.Intn(len(ids))
		step := steps[rng.Intn(len(steps))]
		before, err := env.Engine.Get(env.Ctx, ids[slot])
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		got, err := step.run(env, before.ID)
		env.Clock.Advance(time.Minute)
		after := verifyStep(t, env, fmt.Sprintf("step %d %s on %s", i, step.name, before.Status), before, got, err)
		if after.Status == domain.StatusClosed {
			ids[slot] = env.submit(t, fmt.Sprintf("Walk %d", i), true).ID
		}
	}
}

func ptr[T any](v T) *T { return &v }
