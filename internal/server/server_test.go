package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"closedloop/internal/config"
	"closedloop/internal/domain"
	"closedloop/internal/engine"
	"closedloop/internal/events"
	"closedloop/internal/metrics"
	"closedloop/internal/repo"
	"closedloop/internal/roster"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	store   *repo.Memory
	engine  engine.Engine
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := repo.NewMemory()
	e, err := engine.New(store, nil)
	require.NoError(t, err)
	m := metrics.New()
	e.Metrics = m
	r, err := roster.New(store, 16)
	require.NoError(t, err)
	e.Roster = r
	_, err = r.Seed(context.Background(), []domain.Agent{{ID: "loki", Name: "Loki"}})
	require.NoError(t, err)

	handler, err := New(Config{
		Engine:  e,
		Agents:  r,
		Metrics: m,
		Auth:    AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true, Logger: zerolog.Nop()},
		Log:     zerolog.Nop(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: store, engine: e, metrics: m}
}

var actor = map[string]string{"X-Actor-Id": "vision"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, data).Error.Code)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	token, err := SignToken(testSecret, "wanda", time.Hour)
	require.NoError(t, err)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	me := decode[WhoAmIResponse](t, data)
	assert.Equal(t, "wanda", me.ActorID)
	assert.Equal(t, "jwt", me.Source)

	other, err := SignToken("other-secret", "wanda", time.Hour)
	require.NoError(t, err)
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + other})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "legacy_header", decode[WhoAmIResponse](t, data).Source)
}

func TestLegacyHeaderDisabled(t *testing.T) {
	e, err := engine.New(repo.NewMemory(), nil)
	require.NoError(t, err)
	handler, err := New(Config{
		Engine: e,
		Auth:   AuthConfig{JWTSecret: testSecret, Logger: zerolog.Nop()},
		Log:    zerolog.Nop(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/agents", nil, actor)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestSignTokenRequiresSecretAndActor(t *testing.T) {
	_, err := SignToken("", "wanda", 0)
	assert.Error(t, err)
	_, err = SignToken(testSecret, " ", 0)
	assert.Error(t, err)
}

func TestAutoApprovedProposalRunsToCompletion(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals", map[string]any{
		"agent_id":       "loki",
		"title":          "Scan the market",
		"description":    "collect signals",
		"proposed_steps": []string{"find X"},
		"kind":           "research",
	}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	submitted := decode[engine.ProposalResult](t, data)
	require.True(t, submitted.AutoApproved)
	require.NotNil(t, submitted.Mission)
	require.Len(t, submitted.Steps, 1)
	assert.Equal(t, "Loki", submitted.Proposal.AgentName)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/missions", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, decode[MissionsResponse](t, data).Missions, 1)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/missions/complete-step", map[string]any{
		"step_id": submitted.Steps[0].ID,
		"result":  "found it",
	}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	done := decode[StepEventResponse](t, data)
	assert.True(t, done.Success)
	assert.Equal(t, "Step completed: find X", done.Event.Title)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/missions/"+submitted.Mission.ID, nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode)
	detail := decode[engine.MissionDetail](t, data)
	assert.Equal(t, domain.MissionSucceeded, detail.Mission.Status)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/missions/complete-step", map[string]any{
		"step_id": submitted.Steps[0].ID,
		"result":  "again",
	}, actor)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "Step not found", decode[errorEnvelope](t, data).Error.Message)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?agent_id=loki", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotEmpty(t, decode[EventsResponse](t, data).Learnings)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), `closedloop_proposals_total{outcome="auto_approved"} 1`)
}

func TestCompleteStepValidation(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodPost, srv.URL+"/v1/missions/complete-step", map[string]any{"step_id": "x"}, actor)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/missions/complete-step", map[string]any{
		"step_id": "missing",
		"result":  "r",
	}, actor)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "Step not found", decode[errorEnvelope](t, data).Error.Message)
}

func TestSubmitProposalRequiresBody(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/proposals", nil, actor)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "bad_request", decode[errorEnvelope](t, data).Error.Code)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/proposals", map[string]any{
		"agent_id":    "loki",
		"title":       "Body survives buffering",
		"description": "read once by the middleware, again by the handler",
		"kind":        "deploy",
	}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "Body survives buffering", decode[engine.ProposalResult](t, data).Proposal.Title)
}

func TestHumanReview(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	submit := func(title string) string {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals", map[string]any{
			"agent_id":       "loki",
			"title":          title,
			"description":    "ship it",
			"proposed_steps": []string{"build", "push"},
			"kind":           "deploy",
		}, actor)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		out := decode[engine.ProposalResult](t, data)
		require.False(t, out.AutoApproved)
		return out.Proposal.ID
	}
	first, second, third := submit("one"), submit("two"), submit("three")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/proposals", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, decode[ProposalsResponse](t, data).Proposals, 3)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+first+"/approve", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	approved := decode[engine.ApprovalResult](t, data)
	assert.Equal(t, domain.MissionApproved, approved.Mission.Status)
	assert.Len(t, approved.Steps, 2)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+first+"/approve", nil, actor)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "Proposal not found or already processed", decode[errorEnvelope](t, data).Error.Message)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+second+"/reject", map[string]any{}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/proposals/"+second, nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode)
	rejected := decode[domain.Proposal](t, data)
	assert.Equal(t, domain.ProposalRejected, rejected.Status)
	assert.Equal(t, engine.DefaultRejectReason, *rejected.Reason)

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/proposals/"+third, map[string]any{
		"action": "reject",
		"reason": "not now",
	}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, _ = doJSON(t, client, http.MethodPut, srv.URL+"/v1/proposals/"+third, map[string]any{"action": "approve"}, actor)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/proposals", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, decode[ProposalsResponse](t, data).Proposals)
}

func TestMissionRoutes(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/missions", map[string]any{
		"title": "Weekly report",
		"steps": []string{"gather", "write"},
	}, actor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	created := decode[engine.MissionDetail](t, data)
	assert.Equal(t, "vision", created.Mission.CreatedBy)
	require.Len(t, created.Steps, 2)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/steps/"+created.Steps[0].ID+"/start", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.StepRunning, decode[StepResponse](t, data).Step.Status)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/steps/"+created.Steps[1].ID+"/fail", map[string]any{"result": "no data"}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "Step failed: write", decode[StepEventResponse](t, data).Event.Title)

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/missions/"+created.Mission.ID, map[string]any{
		"status":  "succeeded",
		"outcome": "manual close",
	}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.MissionSucceeded, decode[domain.Mission](t, data).Status)

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/missions/"+created.Mission.ID, map[string]any{"status": "running"}, actor)
	assert.Equal(t, http.StatusConflict, res.StatusCode, string(data))

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/missions/nope", nil, actor)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestAffinityAndQuotaRoutes(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/affinity", map[string]any{
		"agent_a":  "wanda",
		"agent_b":  "loki",
		"positive": true,
	}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	aff := decode[domain.Affinity](t, data)
	assert.Equal(t, "loki", aff.AgentA)
	assert.Equal(t, 5, aff.Score)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/affinity?agent_id=wanda", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, decode[AffinitiesResponse](t, data).Affinities, 1)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/affinity", nil, actor)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/quota/loki", map[string]any{"daily_proposal_limit": 3}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	q := decode[QuotaResponse](t, data)
	assert.Equal(t, 3, q.DailyProposalLimit)
	assert.Equal(t, 3, q.Remaining)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/agents", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode)
	agents := decode[AgentsResponse](t, data).Agents
	require.Len(t, agents, 1)
	assert.Equal(t, "Loki", agents[0].Name)
}

type receiver struct {
	mu      sync.Mutex
	kinds   []string
	secrets []string
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var evt domain.Event
	_ = json.NewDecoder(req.Body).Decode(&evt)
	r.mu.Lock()
	r.kinds = append(r.kinds, req.Header.Get("X-Closedloop-Event"))
	r.secrets = append(r.secrets, req.Header.Get("X-Closedloop-Secret"))
	r.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func TestWebhookDispatcherDeliversNewMatchingEvents(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	log := events.Log{Store: store}
	_, err := log.Append(ctx, domain.Event{AgentID: "loki", Kind: domain.EventDecision, Title: "before start"})
	require.NoError(t, err)

	rcv := &receiver{}
	hookSrv := httptest.NewServer(rcv)
	defer hookSrv.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	m := metrics.New()
	off := false
	d := NewWebhookDispatcher(store, []config.WebhookConfig{
		{URL: hookSrv.URL, Events: []string{"decision"}, Secret: "s3"},
		{URL: failing.URL},
		{URL: hookSrv.URL, Enabled: &off},
	}, m, zerolog.Nop())

	d.DispatchOnce(ctx)
	assert.Empty(t, rcv.kinds)

	for _, k := range []domain.EventKind{domain.EventProposalCreated, domain.EventDecision} {
		_, err := log.Append(ctx, domain.Event{AgentID: "loki", Kind: k, Title: string(k)})
		require.NoError(t, err)
	}
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	rcv.mu.Lock()
	defer rcv.mu.Unlock()
	assert.Equal(t, []string{"decision"}, rcv.kinds)
	assert.Equal(t, []string{"s3"}, rcv.secrets)

	res := httptest.NewRecorder()
	m.Handler().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, res.Body.String(), `closedloop_webhook_deliveries_total{result="ok"} 1`)
	assert.Contains(t, res.Body.String(), `closedloop_webhook_deliveries_total{result="error"} 2`)
}

// flakySource fails the first fails head lookups.
type flakySource struct {
	*repo.Memory
	fails int
}

func (f *flakySource) LatestEventID(ctx context.Context) (int64, error) {
	if f.fails > 0 {
		f.fails--
		return 0, errors.New("database is locked")
	}
	return f.Memory.LatestEventID(ctx)
}

func TestWebhookRetriesCursorInitInsteadOfReplaying(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	log := events.Log{Store: store}
	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, domain.Event{AgentID: "loki", Kind: domain.EventDecision, Title: "history"})
		require.NoError(t, err)
	}

	rcv := &receiver{}
	hookSrv := httptest.NewServer(rcv)
	defer hookSrv.Close()
	d := NewWebhookDispatcher(&flakySource{Memory: store, fails: 1}, []config.WebhookConfig{{URL: hookSrv.URL}}, nil, zerolog.Nop())

	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)
	rcv.mu.Lock()
	assert.Empty(t, rcv.kinds)
	rcv.mu.Unlock()

	_, err := log.Append(ctx, domain.Event{AgentID: "loki", Kind: domain.EventMilestone, Title: "new"})
	require.NoError(t, err)
	d.DispatchOnce(ctx)

	rcv.mu.Lock()
	defer rcv.mu.Unlock()
	assert.Equal(t, []string{"milestone"}, rcv.kinds)
}

func TestOpenAPIAndDocs(t *testing.T) {
	srv := newTestServer(t)

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
	type operation struct {
		Security  []map[string][]string `json:"security"`
		Responses map[string]any        `json:"responses"`
	}
	var doc struct {
		Paths map[string]struct {
			Get *operation `json:"get"`
		} `json:"paths"`
		Components struct {
			SecuritySchemes map[string]struct {
				Scheme string `json:"scheme"`
			} `json:"securitySchemes"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "bearer", doc.Components.SecuritySchemes["bearerAuth"].Scheme)
	list := doc.Paths["/v1/proposals"].Get
	require.NotNil(t, list)
	assert.Equal(t, []map[string][]string{{"bearerAuth": {}}}, list.Security)
	assert.Contains(t, list.Responses, "default")
	health := doc.Paths["/v1/health"].Get
	require.NotNil(t, health)
	assert.Empty(t, health.Security)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/docs", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/html", res.Header.Get("Content-Type"))
	assert.Contains(t, string(data), "url: '/v1/openapi.json'")
}

func TestWebhookRunStopsWithContext(t *testing.T) {
	d := NewWebhookDispatcher(repo.NewMemory(), nil, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestAffinityRejectsSelfPair(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/affinity", map[string]any{
		"agent_a":  "loki",
		"agent_b":  "loki",
		"positive": true,
	}, actor)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}
