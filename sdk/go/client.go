// Package closedloopsdk is a small client for the closed-loop HTTP API,
// meant for agents that submit proposals and report step results.
package closedloopsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal closed-loop HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	ActorID     string
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

type Proposal struct {
	ID            string   `json:"id"`
	AgentID       string   `json:"agent_id"`
	AgentName     string   `json:"agent_name"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	ProposedSteps []string `json:"proposed_steps"`
	Kind          string   `json:"kind"`
	Status        string   `json:"status"`
	AutoApproved  bool     `json:"auto_approved"`
	Reason        *string  `json:"reason,omitempty"`
	CreatedAt     string   `json:"created_at"`
}

type Mission struct {
	ID          string  `json:"id"`
	ProposalID  *string `json:"proposal_id,omitempty"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	CreatedBy   string  `json:"created_by"`
	Outcome     *string `json:"outcome,omitempty"`
}

type Step struct {
	ID          string  `json:"id"`
	MissionID   string  `json:"mission_id"`
	Position    int     `json:"position"`
	Kind        string  `json:"kind"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	Result      *string `json:"result,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID        int64    `json:"id"`
	AgentID   string   `json:"agent_id"`
	AgentName string   `json:"agent_name"`
	Kind      string   `json:"kind"`
	Title     string   `json:"title"`
	Summary   string   `json:"summary"`
	Tags      []string `json:"tags"`
	CreatedAt string   `json:"created_at"`
}

type Learning struct {
	What string   `json:"what"`
	When string   `json:"when"`
	Tags []string `json:"tags"`
}

type Affinity struct {
	AgentA       string `json:"agent_a"`
	AgentB       string `json:"agent_b"`
	Score        int    `json:"score"`
	Interactions int    `json:"interactions"`
}

// ProposalInput is a submission. A nil AutoApproveLowRisk lets the server
// auto-approve low-risk kinds.
type ProposalInput struct {
	AgentID            string   `json:"agent_id"`
	AgentName          string   `json:"agent_name,omitempty"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	ProposedSteps      []string `json:"proposed_steps,omitempty"`
	Kind               string   `json:"kind,omitempty"`
	AutoApproveLowRisk *bool    `json:"auto_approve_low_risk,omitempty"`
}

type ProposalResult struct {
	Proposal     *Proposal `json:"proposal"`
	Mission      *Mission  `json:"mission,omitempty"`
	Steps        []Step    `json:"steps"`
	AutoApproved bool      `json:"auto_approved"`
	Rejected     bool      `json:"rejected"`
	Reason       string    `json:"reason,omitempty"`
}

type MissionDetail struct {
	Mission Mission `json:"mission"`
	Steps   []Step  `json:"steps"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitProposal runs a proposal through the server's gate.
func (c *Client) SubmitProposal(ctx context.Context, in ProposalInput) (ProposalResult, error) {
	var resp ProposalResult
	err := c.do(ctx, http.MethodPost, "proposals", in, &resp)
	return resp, err
}

// PendingProposals lists proposals waiting for review.
func (c *Client) PendingProposals(ctx context.Context) ([]Proposal, error) {
	var resp struct {
		Proposals []Proposal `json:"proposals"`
	}
	err := c.do(ctx, http.MethodGet, "proposals", nil, &resp)
	return resp.Proposals, err
}

func (c *Client) ApproveProposal(ctx context.Context, id string) (MissionDetail, error) {
	var resp MissionDetail
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("proposals/%s/approve", url.PathEscape(id)), nil, &resp)
	return resp, err
}

func (c *Client) RejectProposal(ctx context.Context, id, reason string) error {
	body := map[string]any{"reason": reason}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("proposals/%s/reject", url.PathEscape(id)), body, nil)
}

// ActiveMissions lists approved and running missions.
func (c *Client) ActiveMissions(ctx context.Context) ([]Mission, error) {
	var resp struct {
		Missions []Mission `json:"missions"`
	}
	err := c.do(ctx, http.MethodGet, "missions", nil, &resp)
	return resp.Missions, err
}

func (c *Client) Mission(ctx context.Context, id string) (MissionDetail, error) {
	var resp MissionDetail
	err := c.do(ctx, http.MethodGet, "missions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CompleteStep reports a step as succeeded and returns the recorded event.
func (c *Client) CompleteStep(ctx context.Context, stepID, result string) (Event, error) {
	body := map[string]any{"step_id": stepID, "result": result}
	var resp struct {
		Event Event `json:"event"`
	}
	err := c.do(ctx, http.MethodPost, "missions/complete-step", body, &resp)
	return resp.Event, err
}

// FailStep reports a step as failed.
func (c *Client) FailStep(ctx context.Context, stepID, result string) (Event, error) {
	body := map[string]any{"result": result}
	var resp struct {
		Event Event `json:"event"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("steps/%s/fail", url.PathEscape(stepID)), body, &resp)
	return resp.Event, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

// Learnings returns an agent's step and milestone learnings from the last days.
func (c *Client) Learnings(ctx context.Context, agentID string, days int) ([]Learning, error) {
	q := url.Values{"agent_id": {agentID}}
	if days > 0 {
		q.Set("days", fmt.Sprintf("%d", days))
	}
	var resp struct {
		Learnings []Learning `json:"learnings"`
	}
	err := c.do(ctx, http.MethodGet, "events?"+q.Encode(), nil, &resp)
	return resp.Learnings, err
}

func (c *Client) Collaborated(ctx context.Context, a, b string, positive bool) (Affinity, error) {
	body := map[string]any{"agent_a": a, "agent_b": b, "positive": positive}
	var resp Affinity
	err := c.do(ctx, http.MethodPost, "affinity", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
