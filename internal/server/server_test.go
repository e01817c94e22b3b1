package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"civicflow/internal/config"
	"civicflow/internal/db"
	"civicflow/internal/domain"
	"civicflow/internal/engine"
	"civicflow/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	admin := engine.Actor{ID: "admin-1", Role: domain.RoleAdmin}
	if _, err := e.RegisterStaff(context.Background(), admin, domain.Staff{ID: "staff-1", Department: "water_supply", Active: true}); err != nil {
		t.Fatalf("register staff: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{
		JWTSecret:              testSecret,
		AllowLegacyActorHeader: true,
		AllowDevLogin:          true,
	}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(actorID string, role domain.Role) map[string]string {
	return map[string]string{"X-Actor-Id": actorID, "X-Actor-Role": string(role)}
}

var (
	citizen = as("citizen-1", domain.RoleCitizen)
	admin   = as("admin-1", domain.RoleAdmin)
	staff   = as("staff-1", domain.RoleFieldStaff)
)

func submitComplaint(t *testing.T, srv *testServer, public bool) ComplaintResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/complaints", map[string]any{
		"title":       "Burst main on Elm St",
		"description": "Water everywhere",
		"category":    "water",
		"location":    map[string]any{"address": "12 Elm St"},
		"is_public":   public,
	}, citizen)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var c ComplaintResponse
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal complaint: %v", err)
	}
	return c
}

func transition(t *testing.T, srv *testServer, id, event string, body any, headers map[string]string) (int, []byte) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/complaints/"+id+"/"+event, body, headers)
	return res.StatusCode, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestComplaintLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	c := submitComplaint(t, srv, false)
	if c.Status != "pending" || c.Version != 1 {
		t.Fatalf("unexpected new complaint %+v", c)
	}

	steps := []struct {
		event   string
		body    any
		headers map[string]string
		status  string
	}{
		{"assign", map[string]any{"staff_id": "staff-1"}, admin, "assigned"},
		{"start", map[string]any{"note": "on site"}, staff, "in_progress"},
		{"complete", map[string]any{"notes": "patched", "proof_images": []map[string]string{{"url": "https://img/after.jpg"}}}, staff, "work_completed"},
		{"approve", nil, admin, "resolved"},
	}
	for _, step := range steps {
		code, data := transition(t, srv, c.ID, step.event, step.body, step.headers)
		if code != http.StatusOK {
			t.Fatalf("%s status %d: %s", step.event, code, string(data))
		}
		var out TransitionResponse
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal transition: %v", err)
		}
		if out.Complaint.Status != step.status {
			t.Fatalf("%s: expected %s, got %s", step.event, step.status, out.Complaint.Status)
		}
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/complaints/"+c.ID, nil, citizen)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var got ComplaintResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal complaint: %v", err)
	}
	if got.AssignedFieldStaffID != nil || got.ResolvedByStaffID == nil || *got.ResolvedByStaffID != "staff-1" {
		t.Fatalf("resolved complaint should clear the assignee and keep the resolver: %+v", got)
	}
	if len(got.AdminNotes) != 4 || got.Version != 5 {
		t.Fatalf("expected 4 notes at version 5, got %d at %d", len(got.AdminNotes), got.Version)
	}
}

func TestTransitionErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := submitComplaint(t, srv, false)

	cases := []struct {
		name    string
		id      string
		event   string
		body    any
		headers map[string]string
		status  int
		code    string
	}{
		{"wrong role", c.ID, "assign", map[string]any{"staff_id": "staff-1"}, citizen, http.StatusForbidden, "forbidden"},
		{"wrong source", c.ID, "reject-work", map[string]any{"reason": "sloppy"}, admin, http.StatusConflict, "invalid_transition"},
		{"unknown staff", c.ID, "assign", map[string]any{"staff_id": "ghost"}, admin, http.StatusNotFound, "not_found"},
		{"missing complaint", "nope", "assign", map[string]any{"staff_id": "staff-1"}, admin, http.StatusNotFound, "not_found"},
		{"stale version", c.ID, "note", map[string]any{"note": "hi", "expected_version": 9}, admin, http.StatusConflict, "concurrent_modification"},
		{"unknown event", c.ID, "teleport", nil, admin, http.StatusNotFound, "unknown_event"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, data := transition(t, srv, tc.id, tc.event, tc.body, tc.headers)
			if code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, code, string(data))
			}
			if got := errorCode(t, data); got != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, got)
			}
		})
	}

	if code, data := transition(t, srv, c.ID, "close", map[string]any{"reason": "duplicate"}, admin); code != http.StatusOK {
		t.Fatalf("close status %d: %s", code, string(data))
	}
	code, data := transition(t, srv, c.ID, "note", map[string]any{"note": "late"}, admin)
	if code != http.StatusConflict || errorCode(t, data) != "invalid_transition" {
		t.Fatalf("expected 409 invalid_transition, got %d: %s", code, string(data))
	}
}

func TestRequestsRequireAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/complaints", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be public, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token should be 401, got %d", res.StatusCode)
	}
}

func TestFeedAndVotesOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	listed := submitComplaint(t, srv, true)
	submitComplaint(t, srv, false)

	voter := as("citizen-2", domain.RoleCitizen)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/complaints/"+listed.ID+"/votes", map[string]any{"direction": "up"}, voter)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("vote status %d: %s", res.StatusCode, string(data))
	}
	var tally VoteResponse
	if err := json.Unmarshal(data, &tally); err != nil {
		t.Fatalf("unmarshal vote: %v", err)
	}
	if tally.Outcome != "cast" || tally.Upvotes != 1 || tally.Own != "upvote" {
		t.Fatalf("unexpected tally %+v", tally)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/feed?mode=top", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("anonymous feed status %d: %s", res.StatusCode, string(data))
	}
	var feed FeedResponse
	if err := json.Unmarshal(data, &feed); err != nil {
		t.Fatalf("unmarshal feed: %v", err)
	}
	if feed.Total != 1 || len(feed.Entries) != 1 || feed.Entries[0].Complaint.ID != listed.ID {
		t.Fatalf("feed should only list the public complaint: %+v", feed)
	}
	if feed.Entries[0].Own != "" || len(feed.Entries[0].Complaint.AdminNotes) != 0 {
		t.Fatalf("anonymous feed must not carry a stance or notes: %+v", feed.Entries[0])
	}

	_, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/feed", nil, voter)
	feed = FeedResponse{}
	if err := json.Unmarshal(data, &feed); err != nil {
		t.Fatalf("unmarshal feed: %v", err)
	}
	if feed.Mode != "hot" || feed.Entries[0].Own != "upvote" || feed.Entries[0].Score != 1 {
		t.Fatalf("viewer feed should show own vote: %+v", feed)
	}

	_, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/complaints/"+listed.ID+"/votes", map[string]any{"direction": "upvote"}, voter)
	tally = VoteResponse{}
	if err := json.Unmarshal(data, &tally); err != nil {
		t.Fatalf("unmarshal vote: %v", err)
	}
	if tally.Outcome != "retracted" || tally.Upvotes != 0 || tally.Own != "" {
		t.Fatalf("second identical vote should retract: %+v", tally)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/feed?mode=sideways", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad mode should be 400, got %d: %s", res.StatusCode, string(data))
	}
}

func TestComplaintVisibility(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	private := submitComplaint(t, srv, false)

	other := as("citizen-2", domain.RoleCitizen)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/complaints/"+private.ID, nil, other)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("private complaint should be hidden from other citizens, got %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/complaints", nil, other)
	var page paginatedComplaints
	if err := json.Unmarshal(data, &page); err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %v", res.StatusCode, err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("citizens should only list their own complaints: %+v", page.Items)
	}
	_, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/complaints", nil, admin)
	page = paginatedComplaints{}
	if err := json.Unmarshal(data, &page); err != nil || len(page.Items) != 1 {
		t.Fatalf("admin should list everything: %v %+v", err, page)
	}
}

func TestArchiveAndDelete(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := submitComplaint(t, srv, true)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/complaints/"+c.ID+"/archive", map[string]any{"reason": "spam"}, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("archive status %d: %s", res.StatusCode, string(data))
	}
	code, data := transition(t, srv, c.ID, "assign", map[string]any{"staff_id": "staff-1"}, admin)
	if code != http.StatusConflict {
		t.Fatalf("archived complaint should refuse assignment, got %d: %s", code, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/complaints/"+c.ID+"/restore", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("restore status %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/complaints/"+c.ID+"/archive", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("archive without a body should succeed, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/complaints/"+c.ID+"/restore", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second restore status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/complaints/"+c.ID+"?reason=gdpr", nil, citizen)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("citizens cannot delete, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/complaints/"+c.ID+"?reason=gdpr", nil, admin)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d", res.StatusCode)
	}
	code, data = transition(t, srv, c.ID, "note", map[string]any{"note": "anyone?"}, admin)
	if code != http.StatusGone {
		t.Fatalf("deleted complaint should be gone, got %d: %s", code, string(data))
	}
}

func TestDevLoginIssuesUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"actor_id": "admin-9", "role": "admin"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("expected token: %v %s", err, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "admin-9" || me.Role != "admin" || me.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", me)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/api-keys", map[string]any{"actor_id": "staff-1", "role": "field_staff"}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil || key.Key == "" {
		t.Fatalf("expected key: %v %s", err, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": key.Key})
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key: %d %v", res.StatusCode, err)
	}
	if me.ActorID != "staff-1" || me.Role != "field_staff" || me.Source != "api_key" {
		t.Fatalf("unexpected principal %+v", me)
	}
}

func TestEventsAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := submitComplaint(t, srv, false)
	transition(t, srv, c.ID, "assign", map[string]any{"staff_id": "staff-1"}, admin)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?complaint_id="+c.ID+"&limit=1", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 1 || page.NextCursor == "" {
		t.Fatalf("expected one event and a cursor: %+v", page)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events", nil, citizen)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("events are admin only, got %d", res.StatusCode)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "transition-complaint") {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
}

func TestStatsCountsByStatus(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	a := submitComplaint(t, srv, false)
	submitComplaint(t, srv, false)
	archived := submitComplaint(t, srv, true)
	if code, data := transition(t, srv, a.ID, "assign", map[string]any{"staff_id": "staff-1"}, admin); code != http.StatusOK {
		t.Fatalf("assign status %d: %s", code, string(data))
	}
	if res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/complaints/"+archived.ID+"/archive", nil, admin); res.StatusCode != http.StatusOK {
		t.Fatalf("archive status %d: %s", res.StatusCode, string(data))
	}

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/stats", nil, citizen)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("citizens cannot read stats, got %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/stats", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d: %s", res.StatusCode, string(data))
	}
	var stats StatsResponse
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats.Total != 2 || stats.ByStatus[domain.StatusPending] != 1 || stats.ByStatus[domain.StatusAssigned] != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if n, ok := stats.ByStatus[domain.StatusClosed]; !ok || n != 0 {
		t.Fatalf("empty statuses should be reported as zero: %+v", stats.ByStatus)
	}
}
