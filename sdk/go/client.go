package civicflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Civicflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Location struct {
	Address   string   `json:"address"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

type ImageRef struct {
	URL string `json:"url"`
}

type AdminNote struct {
	Note    string `json:"note"`
	AddedBy string `json:"added_by"`
	AddedAt string `json:"added_at"`
	Event   string `json:"event,omitempty"`
}

// Complaint represents the API complaint model (partial).
type Complaint struct {
	ID                   string      `json:"id"`
	CitizenID            string      `json:"citizen_id,omitempty"`
	Title                string      `json:"title"`
	Description          string      `json:"description"`
	Location             Location    `json:"location"`
	Category             string      `json:"category"`
	Priority             string      `json:"priority"`
	Status               string      `json:"status"`
	IsPublic             bool        `json:"is_public"`
	IsAnonymous          bool        `json:"is_anonymous"`
	AssignedFieldStaffID *string     `json:"assigned_field_staff_id,omitempty"`
	ResolvedByStaffID    *string     `json:"resolved_by_staff_id,omitempty"`
	AdminNotes           []AdminNote `json:"admin_notes"`
	Archived             bool        `json:"archived"`
	Upvotes              int         `json:"upvotes"`
	Downvotes            int         `json:"downvotes"`
	Score                int         `json:"score"`
	ViewCount            int         `json:"view_count"`
	Version              int64       `json:"version"`
	CreatedAt            string      `json:"created_at"`
	LastUpdated          string      `json:"last_updated"`
}

// NewComplaint is the body of a submission.
type NewComplaint struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Category    string     `json:"category"`
	Priority    string     `json:"priority,omitempty"`
	Location    Location   `json:"location"`
	Images      []ImageRef `json:"images,omitempty"`
	IsPublic    bool       `json:"is_public,omitempty"`
	IsAnonymous bool       `json:"is_anonymous,omitempty"`
}

// Transition carries the fields a lifecycle event reads. Unused fields are
// ignored by the server.
type Transition struct {
	StaffID         string     `json:"staff_id,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	Note            string     `json:"note,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	ProofImages     []ImageRef `json:"proof_images,omitempty"`
	Priority        string     `json:"priority,omitempty"`
	ExpectedVersion *int64     `json:"expected_version,omitempty"`
}

type TransitionResult struct {
	Complaint Complaint `json:"complaint"`
	Event     string    `json:"event"`
	Warnings  []string  `json:"warnings,omitempty"`
}

type Vote struct {
	ComplaintID string `json:"complaint_id"`
	Upvotes     int    `json:"upvotes"`
	Downvotes   int    `json:"downvotes"`
	Score       int    `json:"score"`
	Own         string `json:"own,omitempty"`
	Outcome     string `json:"outcome"`
}

type FeedEntry struct {
	Complaint Complaint `json:"complaint"`
	Score     int       `json:"score"`
	Own       string    `json:"own,omitempty"`
}

type FeedPage struct {
	Mode    string      `json:"mode"`
	Total   int         `json:"total"`
	Offset  int         `json:"offset"`
	Limit   int         `json:"limit"`
	Entries []FeedEntry `json:"entries"`
}

// Event represents a log entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	ComplaintID string         `json:"complaint_id"`
	ActorID     string         `json:"actor_id"`
	ActorRole   string         `json:"actor_role"`
	Payload     map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Code extracts the error envelope's code, or "" when the body is not one.
func (e *APIError) Code() string {
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(e.Body), &env); err != nil {
		return ""
	}
	return env.Error.Code
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type PaginatedComplaints struct {
	Items      []Complaint `json:"items"`
	NextCursor string      `json:"next_cursor"`
}

// SubmitComplaint files a new complaint as the authenticated citizen.
func (c *Client) SubmitComplaint(ctx context.Context, in NewComplaint) (Complaint, error) {
	var resp Complaint
	err := c.do(ctx, http.MethodPost, c.path("complaints"), in, &resp)
	return resp, err
}

// GetComplaint fetches a complaint by id.
func (c *Client) GetComplaint(ctx context.Context, id string) (Complaint, error) {
	var resp Complaint
	err := c.do(ctx, http.MethodGet, c.path("complaints/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListComplaints returns one page of complaints matching the query, e.g.
// url.Values{"status": {"pending"}}.
func (c *Client) ListComplaints(ctx context.Context, query url.Values) (PaginatedComplaints, error) {
	endpoint := c.path("complaints")
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var resp PaginatedComplaints
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition applies a lifecycle event such as "assign", "start" or
// "approve" to a complaint.
func (c *Client) Transition(ctx context.Context, id, event string, body Transition) (TransitionResult, error) {
	var resp TransitionResult
	endpoint := c.path(fmt.Sprintf("complaints/%s/%s", url.PathEscape(id), url.PathEscape(event)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Vote casts, switches or retracts the caller's vote.
func (c *Client) Vote(ctx context.Context, id, direction string) (Vote, error) {
	var resp Vote
	endpoint := c.path(fmt.Sprintf("complaints/%s/votes", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"direction": direction}, &resp)
	return resp, err
}

// Feed returns a page of the ranked public feed.
func (c *Client) Feed(ctx context.Context, mode string, offset, limit int) (FeedPage, error) {
	q := url.Values{}
	if mode != "" {
		q.Set("mode", mode)
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := c.path("feed")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp FeedPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.path("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) path(p string) string {
	return strings.TrimRight(c.BasePath, "/") + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
