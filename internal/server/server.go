package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"civicflow/internal/domain"
	"civicflow/internal/engine"
	"civicflow/internal/engine/auth"
	"civicflow/internal/metrics"
	"civicflow/internal/ranking"
	"civicflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"complete_work requires in_progress, complaint is assigned"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"event\":\"complete_work\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusGone,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

// New returns an HTTP handler exposing the complaint API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request; 422 is
			// reserved for domain validation.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	metrics.Register()
	router := chi.NewRouter()
	router.Use(metrics.Instrument(routePattern))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Handle("/metrics", metrics.Handler())

	hcfg := huma.DefaultConfig("Civicflow API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerComplaints(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerVotes(group, cfg.Engine)
	registerFeed(group, cfg.Engine)
	registerStaff(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine error kinds onto HTTP statuses. Anything without
// a kind is an infrastructure failure.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var details map[string]any
	var ee *engine.Error
	if errors.As(err, &ee) {
		details = map[string]any{"reason": ee.Reason}
		if ee.Event != "" {
			details["event"] = string(ee.Event)
		}
	}
	switch engine.KindOf(err) {
	case engine.ErrInvalidTransition:
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), details)
	case engine.ErrUnauthorized:
		var fe auth.ForbiddenError
		if errors.As(err, &fe) {
			details["allowed_roles"] = fe.Allowed
		}
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), details)
	case engine.ErrValidationFailed:
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), details)
	case engine.ErrNotFound:
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), details)
	case engine.ErrConcurrentModification:
		return newAPIError(http.StatusConflict, "concurrent_modification", err.Error(), details)
	case engine.ErrAlreadyTerminal:
		return newAPIError(http.StatusGone, "already_terminal", err.Error(), details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requireRole(p Principal, roles ...domain.Role) huma.StatusError {
	for _, r := range roles {
		if p.Role == r {
			return nil
		}
	}
	return newAPIError(http.StatusForbidden, "forbidden", fmt.Sprintf("role %s may not perform this request", p.Role), nil)
}

// canView reports whether p may read c. Admins see everything; citizens see
// their own complaints and the public feed; field staff additionally see
// work assigned to them.
func canView(p Principal, c domain.Complaint) bool {
	switch p.Role {
	case domain.RoleAdmin:
		return true
	case domain.RoleFieldStaff:
		return c.AssignedTo(p.ActorID) || c.Listed()
	default:
		return c.CitizenID == p.ActorID || c.Listed()
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "feed"):           true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Civicflow API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerComplaints(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-complaint",
		Method:        http.MethodPost,
		Path:          "/complaints",
		Summary:       "Submit a complaint",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body SubmitComplaintRequest `json:"body"`
	}) (*struct {
		Body ComplaintResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.SubmitOptions{
			Actor:       principal.Actor(),
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Category:    domain.Category(input.Body.Category),
			Priority:    domain.Priority(input.Body.Priority),
			Location:    input.Body.Location,
			Images:      input.Body.Images,
			IsPublic:    input.Body.IsPublic,
			IsAnonymous: input.Body.IsAnonymous,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		c, err := e.Submit(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ComplaintResponse `json:"body"`
		}{Body: complaintResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-complaints",
		Method:      http.MethodGet,
		Path:        "/complaints",
		Summary:     "List complaints",
		Description: "Citizens only see their own complaints and field staff only see work assigned to them.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status          string `query:"status" enum:"pending,assigned,in_progress,work_completed,resolved,rejected,closed"`
		Priority        string `query:"priority" enum:"low,medium,high,urgent"`
		Category        string `query:"category"`
		AssignedStaffID string `query:"assigned_staff_id"`
		CitizenID       string `query:"citizen_id"`
		Archived        string `query:"archived" enum:"exclude,only,include"`
		Search          string `query:"q"`
		Limit           int    `query:"limit" default:"50"`
		Cursor          string `query:"cursor"`
	}) (*struct {
		Body paginatedComplaints `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		archived, err := domain.ParseArchiveFilter(input.Archived)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		f := repo.ComplaintFilters{
			Status:          domain.Status(input.Status),
			Priority:        domain.Priority(input.Priority),
			Category:        domain.Category(input.Category),
			AssignedStaffID: input.AssignedStaffID,
			CitizenID:       input.CitizenID,
			Archived:        archived,
			Search:          input.Search,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		}
		switch principal.Role {
		case domain.RoleCitizen:
			f.CitizenID = principal.ActorID
		case domain.RoleFieldStaff:
			f.AssignedStaffID = principal.ActorID
		}
		items, err := e.List(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedComplaints{Items: []ComplaintResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(repo.FormatTime(last.CreatedAt), last.ID)
			items = items[:limit]
		}
		resp.Items = mapComplaints(items)
		return &struct {
			Body paginatedComplaints `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-complaint",
		Method:      http.MethodGet,
		Path:        "/complaints/{complaint_id}",
		Summary:     "Get complaint",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ComplaintID string `path:"complaint_id"`
	}) (*struct {
		Body ComplaintResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Get(ctx, input.ComplaintID)
		if err != nil {
			return nil, handleError(err)
		}
		if !canView(principal, c) {
			return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("complaint %s not found", input.ComplaintID), nil)
		}
		return &struct {
			Body ComplaintResponse `json:"body"`
		}{Body: complaintResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-view",
		Method:      http.MethodPost,
		Path:        "/complaints/{complaint_id}/view",
		Summary:     "Record a view",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ComplaintID string `path:"complaint_id"`
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		views, err := e.RecordView(ctx, input.ComplaintID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"view_count": views}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-complaint",
		Method:      http.MethodPost,
		Path:        "/complaints/{complaint_id}/archive",
		Summary:     "Archive complaint",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ComplaintID string          `path:"complaint_id"`
		Body        *ArchiveRequest `json:"body,omitempty"`
	}) (*struct {
		Body ComplaintResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var reason string
		if input.Body != nil {
			reason = input.Body.Reason
		}
		c, err := e.Archive(ctx, input.ComplaintID, principal.Actor(), reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ComplaintResponse `json:"body"`
		}{Body: complaintResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-complaint",
		Method:      http.MethodPost,
		Path:        "/complaints/{complaint_id}/restore",
		Summary:     "Restore archived complaint",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ComplaintID string `path:"complaint_id"`
	}) (*struct {
		Body ComplaintResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Restore(ctx, input.ComplaintID, principal.Actor())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ComplaintResponse `json:"body"`
		}{Body: complaintResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-complaint",
		Method:        http.MethodDelete,
		Path:          "/complaints/{complaint_id}",
		Summary:       "Hard-delete complaint",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ComplaintID string `path:"complaint_id"`
		Reason      string `query:"reason"`
	}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.HardDelete(ctx, input.ComplaintID, principal.Actor(), input.Reason); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complaint-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Count non-archived complaints per status",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct{}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireRole(principal, domain.RoleAdmin); err != nil {
			return nil, err
		}
		counts, err := e.StatusCounts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: StatsResponse{ByStatus: counts, Total: total}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recommend-staff",
		Method:      http.MethodGet,
		Path:        "/complaints/{complaint_id}/recommendations",
		Summary:     "Recommend field staff for a complaint",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ComplaintID string `path:"complaint_id"`
	}) (*struct {
		Body []RecommendationResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		recs, err := e.RecommendStaff(ctx, input.ComplaintID, principal.Actor())
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]RecommendationResponse, 0, len(recs))
		for _, r := range recs {
			out = append(out, recommendationResponse(r))
		}
		return &struct {
			Body []RecommendationResponse `json:"body"`
		}{Body: out}, nil
	})
}

// pathEvents are the short transition names accepted in URLs alongside the
// canonical event names.
var pathEvents = map[string]domain.Event{
	"assign":       domain.EventAssignToStaff,
	"reject":       domain.EventRejectComplaint,
	"start":        domain.EventStartWork,
	"progress":     domain.EventUpdateProgress,
	"complete":     domain.EventCompleteWork,
	"approve":      domain.EventApproveWork,
	"reject-work":  domain.EventRejectWork,
	"note":         domain.EventAddNote,
	"close":        domain.EventClose,
	"reprioritize": domain.EventReprioritize,
}

func eventFromPath(raw string) (engine.Payload, bool) {
	evt, ok := pathEvents[raw]
	if !ok {
		evt = domain.Event(raw)
	}
	return engine.PayloadFor(evt)
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "transition-complaint",
		Method:      http.MethodPost,
		Path:        "/complaints/{complaint_id}/{event}",
		Summary:     "Apply a lifecycle event",
		Description: "Events: assign, reject, start, progress, complete, approve, reject-work, note, close, reprioritize. " +
			"Send expected_version to fail with 409 when the complaint changed since it was read.",
		Errors: mutationErrors,
	}, func(ctx context.Context, input *struct {
		ComplaintID string          `path:"complaint_id"`
		Event       string          `path:"event"`
		Body        *TransitionBody `json:"body,omitempty"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		payload, ok := eventFromPath(input.Event)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "unknown_event", fmt.Sprintf("unknown event %q", input.Event), nil)
		}
		if raw := bytes.TrimSpace(bodyBytes(ctx)); len(raw) > 0 {
			if err := json.Unmarshal(raw, payload); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid body: "+err.Error(), nil)
			}
		}
		req := engine.TransitionRequest{
			ComplaintID: input.ComplaintID,
			Actor:       principal.Actor(),
			Payload:     payload,
		}
		if input.Body != nil {
			req.ExpectedVersion = input.Body.ExpectedVersion
		}
		res, err := e.Transition(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: TransitionResponse{
			Complaint: complaintResponse(res.Complaint),
			Event:     string(res.Event),
			Warnings:  res.Warnings,
		}}, nil
	})
}

func registerVotes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "cast-vote",
		Method:      http.MethodPost,
		Path:        "/complaints/{complaint_id}/votes",
		Summary:     "Vote on a complaint",
		Description: "Voting the same direction again retracts the vote; voting the other direction switches it.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ComplaintID string      `path:"complaint_id"`
		Body        VoteRequest `json:"body"`
	}) (*struct {
		Body VoteResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		dir, err := domain.ParseDirection(input.Body.Direction)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		tally, err := e.CastVote(ctx, input.ComplaintID, principal.Actor(), dir)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VoteResponse `json:"body"`
		}{Body: voteResponse(tally)}, nil
	})
}

func registerFeed(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "feed",
		Method:      http.MethodGet,
		Path:        "/feed",
		Summary:     "Ranked public feed",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Mode     string `query:"mode" enum:"new,old,top,rising,hot" default:"hot"`
		Category string `query:"category"`
		Offset   int    `query:"offset" minimum:"0"`
		Limit    int    `query:"limit" minimum:"0" maximum:"200"`
	}) (*struct {
		Body FeedResponse `json:"body"`
	}, error) {
		q := engine.FeedQuery{
			Mode:     ranking.Mode(input.Mode),
			Category: domain.Category(input.Category),
			Offset:   input.Offset,
			Limit:    input.Limit,
		}
		if p, ok := principalFromContext(ctx); ok {
			q.ViewerID = p.ActorID
		}
		page, err := e.Feed(ctx, q)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FeedResponse `json:"body"`
		}{Body: feedResponse(page)}, nil
	})
}

func registerStaff(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "register-staff",
		Method:      http.MethodPost,
		Path:        "/staff",
		Summary:     "Register or update field staff",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body RegisterStaffRequest `json:"body"`
	}) (*struct {
		Body StaffResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		active := true
		if input.Body.Active != nil {
			active = *input.Body.Active
		}
		st, err := e.RegisterStaff(ctx, principal.Actor(), domain.Staff{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Department:  input.Body.Department,
			Active:      active,
			MaxWorkload: input.Body.MaxWorkload,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StaffResponse `json:"body"`
		}{Body: staffResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-staff",
		Method:      http.MethodGet,
		Path:        "/staff",
		Summary:     "List field staff",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Department string `query:"department"`
		ActiveOnly bool   `query:"active_only"`
	}) (*struct {
		Body []StaffResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireRole(principal, domain.RoleAdmin, domain.RoleFieldStaff); err != nil {
			return nil, err
		}
		items, err := e.Repo.ListStaff(ctx, repo.StaffFilters{Department: input.Department, ActiveOnly: input.ActiveOnly})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]StaffResponse, 0, len(items))
		for _, st := range items {
			out = append(out, staffResponse(st))
		}
		return &struct {
			Body []StaffResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "staff-workload",
		Method:      http.MethodGet,
		Path:        "/staff/{staff_id}/workload",
		Summary:     "Active complaints assigned to a staff member",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StaffID string `path:"staff_id"`
	}) (*struct {
		Body WorkloadResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireRole(principal, domain.RoleAdmin, domain.RoleFieldStaff); err != nil {
			return nil, err
		}
		if _, err := e.Repo.GetStaff(ctx, input.StaffID); err != nil {
			return nil, handleError(err)
		}
		n, err := e.WorkloadOf(ctx, input.StaffID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkloadResponse `json:"body"`
		}{Body: WorkloadResponse{StaffID: input.StaffID, Workload: n}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type        string `query:"type"`
		ComplaintID string `query:"complaint_id"`
		ActorID     string `query:"actor_id"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireRole(principal, domain.RoleAdmin); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:        input.Type,
			ComplaintID: input.ComplaintID,
			ActorID:     input.ActorID,
			Limit:       limit + 1,
			BeforeID:    cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireRole(principal, domain.RoleAdmin); err != nil {
			return nil, err
		}
		role, err := domain.ParseRole(input.Body.Role)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		secret := "cf_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   strings.TrimSpace(input.Body.ActorID),
			Role:      role,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(secret),
			CreatedAt: repo.FormatTime(time.Now()),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		e.Log.Info(ctx, "api_key_created", "api key created",
			slog.String("key_id", key.ID), slog.String("actor_id", key.ActorID), slog.String("created_by", principal.ActorID))
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Role:      string(key.Role),
			Name:      key.Name,
			Key:       secret,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireRole(principal, domain.RoleAdmin); err != nil {
			return nil, err
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Role: string(k.Role), Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{key_id}",
		Summary:       "Revoke API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireRole(principal, domain.RoleAdmin); err != nil {
			return nil, err
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{ActorID: principal.ActorID, Role: string(principal.Role), Source: principal.Source}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		role, err := domain.ParseRole(input.Body.Role)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, role)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
