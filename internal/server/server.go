package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"closedloop/internal/domain"
	"closedloop/internal/engine"
	"closedloop/internal/metrics"
	"closedloop/internal/repo"
)

// AgentLister yields the known agents.
type AgentLister interface {
	List(ctx context.Context) ([]domain.Agent, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Agents   AgentLister
	Metrics  *metrics.Metrics
	BasePath string
	Auth     AuthConfig
	Log      zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"Proposal not found or already processed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError is the error envelope shared by every route.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the closed-loop API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Store == nil {
		return nil, errors.New("server: engine store is required")
	}
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(accessLog(cfg.Log))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
	hcfg := huma.DefaultConfig("Closed Loop API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProposals(group, cfg)
	registerMissions(group, cfg)
	registerSteps(group, cfg)
	registerEvents(group, cfg.Engine)
	registerAffinity(group, cfg.Engine)
	registerAgents(group, cfg)
	registerQuota(group, cfg.Engine)
	registerMe(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func accessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
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

func notFound(msg string) huma.StatusError {
	return newAPIError(http.StatusNotFound, "not_found", msg, nil)
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

// registerOpenAPI serves the document under the base path so it sits behind
// auth. It is built on first request, after every route has been registered.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
		err  error
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, err = json.Marshal(oas)
		})
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "", "openapi document unavailable", nil))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8"/>
<title>Closed Loop API</title>
<link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
<div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
<script>
window.onload = () => SwaggerUIBundle({url: '%s', dom_id: '#swagger-ui', persistAuthorization: true});
</script>
</body>
</html>`, path.Join("/", basePath, "openapi.json"))
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

type idPath struct {
	ID string `path:"id"`
}

func registerProposals(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals, pending by default",
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status" enum:"pending,accepted,rejected,all" default:"pending"`
		AgentID string `query:"agent_id"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body ProposalsResponse `json:"body"`
	}, error) {
		f := repo.ProposalFilters{AgentID: input.AgentID, Limit: normalizeLimit(input.Limit)}
		if input.Status != "all" {
			f.Status = domain.ProposalStatus(input.Status)
		}
		items, err := e.ListProposals(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalsResponse `json:"body"`
		}{Body: ProposalsResponse{Proposals: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals",
		Summary:     "Submit a proposal through the gate",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SubmitProposalRequest `json:"body"`
	}) (*struct {
		Body engine.ProposalResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		res, err := e.SubmitProposal(ctx, input.Body.input())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ProposalResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{id}",
		Summary:     "Get a proposal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.Proposal `json:"body"`
	}, error) {
		p, ok, err := e.GetProposal(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, notFound("Proposal not found")
		}
		return &struct {
			Body domain.Proposal `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/approve",
		Summary:     "Approve a pending proposal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body engine.ApprovalResult `json:"body"`
	}, error) {
		res, err := approve(ctx, cfg, input.ID)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body engine.ApprovalResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/reject",
		Summary:     "Reject a pending proposal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body *RejectRequest `json:"body" required:"false"`
	}) (*struct {
		Body SuccessResponse `json:"body"`
	}, error) {
		var reason string
		if input.Body != nil {
			reason = input.Body.Reason
		}
		if err := reject(ctx, cfg, input.ID, reason); err != nil {
			return nil, err
		}
		return &struct {
			Body SuccessResponse `json:"body"`
		}{Body: SuccessResponse{Success: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-proposal",
		Method:      http.MethodPut,
		Path:        "/proposals/{id}",
		Summary:     "Approve or reject a pending proposal",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReviewRequest `json:"body"`
	}) (*struct {
		Body SuccessResponse `json:"body"`
	}, error) {
		var err error
		switch input.Body.Action {
		case "approve":
			_, err = approve(ctx, cfg, input.ID)
		case "reject":
			err = reject(ctx, cfg, input.ID, input.Body.Reason)
		default:
			err = newAPIError(http.StatusBadRequest, "bad_request", "action must be approve or reject", nil)
		}
		if err != nil {
			return nil, err
		}
		return &struct {
			Body SuccessResponse `json:"body"`
		}{Body: SuccessResponse{Success: true}}, nil
	})
}

func approve(ctx context.Context, cfg Config, id string) (engine.ApprovalResult, error) {
	res, ok, err := cfg.Engine.ApproveProposal(ctx, id)
	if err != nil {
		return engine.ApprovalResult{}, handleError(err)
	}
	if !ok {
		return engine.ApprovalResult{}, notFound("Proposal not found or already processed")
	}
	cfg.Log.Info().Str("proposal_id", id).Str("actor_id", actorIDFromContext(ctx)).Msg("proposal approved")
	return res, nil
}

func reject(ctx context.Context, cfg Config, id, reason string) error {
	ok, err := cfg.Engine.RejectProposal(ctx, id, reason)
	if err != nil {
		return handleError(err)
	}
	if !ok {
		return notFound("Proposal not found or already processed")
	}
	cfg.Log.Info().Str("proposal_id", id).Str("actor_id", actorIDFromContext(ctx)).Msg("proposal rejected")
	return nil
}

func registerMissions(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions, active by default",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"Comma separated statuses"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body MissionsResponse `json:"body"`
	}, error) {
		f := repo.MissionFilters{Limit: normalizeLimit(input.Limit)}
		for _, s := range strings.Split(input.Status, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Statuses = append(f.Statuses, domain.MissionStatus(s))
			}
		}
		if len(f.Statuses) == 0 {
			f.Statuses = []domain.MissionStatus{domain.MissionApproved, domain.MissionRunning}
		}
		items, err := e.ListMissions(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionsResponse `json:"body"`
		}{Body: MissionsResponse{Missions: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Create an approved mission directly",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*struct {
		Body engine.MissionDetail `json:"body"`
	}, error) {
		createdBy := input.Body.CreatedBy
		if strings.TrimSpace(createdBy) == "" {
			createdBy = actorIDFromContext(ctx)
		}
		res, err := e.CreateMission(ctx, engine.MissionInput{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			CreatedBy:   createdBy,
			Kind:        input.Body.Kind,
			Steps:       input.Body.Steps,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.MissionDetail `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{id}",
		Summary:     "Get a mission with its steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body engine.MissionDetail `json:"body"`
	}, error) {
		res, ok, err := e.GetMission(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, notFound("Mission not found")
		}
		return &struct {
			Body engine.MissionDetail `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-mission",
		Method:      http.MethodPatch,
		Path:        "/missions/{id}",
		Summary:     "Move a mission forward",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpdateMissionRequest `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		m, ok, err := e.SetMissionStatus(ctx, input.ID, domain.MissionStatus(input.Body.Status), input.Body.Outcome)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, notFound("Mission not found")
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-step",
		Method:      http.MethodPost,
		Path:        "/missions/complete-step",
		Summary:     "Mark a step succeeded",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CompleteStepRequest `json:"body"`
	}) (*struct {
		Body StepEventResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.StepID) == "" || strings.TrimSpace(input.Body.Result) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "step_id and result are required", nil)
		}
		ev, ok, err := e.CompleteStep(ctx, input.Body.StepID, input.Body.Result)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, notFound("Step not found")
		}
		return &struct {
			Body StepEventResponse `json:"body"`
		}{Body: StepEventResponse{Success: true, Event: ev}}, nil
	})
}

func registerSteps(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "start-step",
		Method:      http.MethodPost,
		Path:        "/steps/{id}/start",
		Summary:     "Start a queued step",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		s, ok, err := e.StartStep(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, notFound("Step not found or not queued")
		}
		return &struct {
			Body StepResponse `json:"body"`
		}{Body: StepResponse{Step: s}}, nil
	})

	resolve := []struct {
		id, action, summary string
		fn                  func(context.Context, string, string) (domain.Event, bool, error)
	}{
		{"resolve-step-complete", "complete", "Mark a step succeeded", e.CompleteStep},
		{"resolve-step-fail", "fail", "Mark a step failed", e.FailStep},
	}
	for _, r := range resolve {
		fn := r.fn
		huma.Register(api, huma.Operation{
			OperationID: r.id,
			Method:      http.MethodPost,
			Path:        "/steps/{id}/" + r.action,
			Summary:     r.summary,
			Errors:      []int{http.StatusNotFound},
		}, func(ctx context.Context, input *struct {
			ID   string             `path:"id"`
			Body *StepResultRequest `json:"body" required:"false"`
		}) (*struct {
			Body StepEventResponse `json:"body"`
		}, error) {
			var result string
			if input.Body != nil {
				result = input.Body.Result
			}
			ev, ok, err := fn(ctx, input.ID, result)
			if err != nil {
				return nil, handleError(err)
			}
			if !ok {
				return nil, notFound("Step not found")
			}
			return &struct {
				Body StepEventResponse `json:"body"`
			}{Body: StepEventResponse{Success: true, Event: ev}}, nil
		})
	}
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent events, or an agent's learnings",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit   int    `query:"limit" default:"50"`
		AgentID string `query:"agent_id"`
		Tag     string `query:"tag"`
		Days    int    `query:"days" default:"7"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		var resp EventsResponse
		switch {
		case input.AgentID != "":
			ls, err := e.GetAgentLearnings(ctx, input.AgentID, input.Days)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Learnings = nonNil(ls)
		case input.Tag != "":
			evts, err := e.GetEventsByTag(ctx, input.Tag, normalizeLimit(input.Limit))
			if err != nil {
				return nil, handleError(err)
			}
			resp.Events = nonNil(evts)
		default:
			evts, err := e.GetRecentEvents(ctx, normalizeLimit(input.Limit))
			if err != nil {
				return nil, handleError(err)
			}
			resp.Events = nonNil(evts)
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-events",
		Method:      http.MethodGet,
		Path:        "/agents/{id}/events",
		Summary:     "Events authored by or tagged with an agent",
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		evts, err := e.GetEventsByAgent(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: EventsResponse{Events: nonNil(evts)}}, nil
	})
}

func registerAffinity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-affinity",
		Method:      http.MethodGet,
		Path:        "/affinity",
		Summary:     "Affinity of a pair, or every partner of one agent",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AgentA  string `query:"agent_a"`
		AgentB  string `query:"agent_b"`
		AgentID string `query:"agent_id"`
	}) (*struct {
		Body AffinitiesResponse `json:"body"`
	}, error) {
		var items []domain.Affinity
		switch {
		case input.AgentA != "" && input.AgentB != "":
			a, err := e.GetAffinity(ctx, input.AgentA, input.AgentB)
			if err != nil {
				return nil, handleError(err)
			}
			items = []domain.Affinity{a}
		case input.AgentID != "":
			list, err := e.ListAffinities(ctx, input.AgentID)
			if err != nil {
				return nil, handleError(err)
			}
			items = list
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent_a and agent_b, or agent_id, are required", nil)
		}
		return &struct {
			Body AffinitiesResponse `json:"body"`
		}{Body: AffinitiesResponse{Affinities: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-affinity",
		Method:      http.MethodPost,
		Path:        "/affinity",
		Summary:     "Record a collaboration between two agents",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body AffinityUpdateRequest `json:"body"`
	}) (*struct {
		Body domain.Affinity `json:"body"`
	}, error) {
		a, err := e.UpdateCollaborationAffinity(ctx, input.Body.AgentA, input.Body.AgentB, input.Body.Positive)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Affinity `json:"body"`
		}{Body: a}, nil
	})
}

func registerAgents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List known agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AgentsResponse `json:"body"`
	}, error) {
		var (
			items []domain.Agent
			err   error
		)
		if cfg.Agents != nil {
			items, err = cfg.Agents.List(ctx)
		} else {
			items, err = cfg.Engine.Store.ListAgents(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentsResponse `json:"body"`
		}{Body: AgentsResponse{Agents: nonNil(items)}}, nil
	})
}

func registerQuota(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-quota",
		Method:      http.MethodGet,
		Path:        "/quota/{agent_id}",
		Summary:     "Today's proposal quota for an agent",
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body QuotaResponse `json:"body"`
	}, error) {
		l, err := e.GetQuota(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuotaResponse `json:"body"`
		}{Body: quotaResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-quota",
		Method:      http.MethodPut,
		Path:        "/quota/{agent_id}",
		Summary:     "Change an agent's daily proposal limit",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AgentID string          `path:"agent_id"`
		Body    SetLimitRequest `json:"body"`
	}) (*struct {
		Body QuotaResponse `json:"body"`
	}, error) {
		l, err := e.SetDailyLimit(ctx, input.AgentID, input.Body.DailyProposalLimit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuotaResponse `json:"body"`
		}{Body: quotaResponse(l)}, nil
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
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: p.ActorID, Source: p.Source}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	buf, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return buf
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
