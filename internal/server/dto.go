package server

import (
	"closedloop/internal/domain"
	"closedloop/internal/engine"
)

// Request payloads

type SubmitProposalRequest struct {
	AgentID            string   `json:"agent_id,omitempty"`
	AgentName          string   `json:"agent_name,omitempty"`
	Title              string   `json:"title,omitempty"`
	Description        string   `json:"description,omitempty"`
	ProposedSteps      []string `json:"proposed_steps,omitempty"`
	Kind               string   `json:"kind,omitempty"`
	AutoApproveLowRisk *bool    `json:"auto_approve_low_risk,omitempty"`
}

func (r SubmitProposalRequest) input() engine.ProposalInput {
	return engine.ProposalInput{
		AgentID:            r.AgentID,
		AgentName:          r.AgentName,
		Title:              r.Title,
		Description:        r.Description,
		ProposedSteps:      r.ProposedSteps,
		Kind:               r.Kind,
		AutoApproveLowRisk: r.AutoApproveLowRisk,
	}
}

type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ReviewRequest is the combined approve/reject shape.
type ReviewRequest struct {
	Action string `json:"action" enum:"approve,reject"`
	Reason string `json:"reason,omitempty"`
}

type CreateMissionRequest struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	CreatedBy   string   `json:"created_by,omitempty"`
	Kind        string   `json:"kind,omitempty"`
	Steps       []string `json:"steps,omitempty"`
}

type UpdateMissionRequest struct {
	Status  string `json:"status" enum:"approved,running,succeeded,failed"`
	Outcome string `json:"outcome,omitempty"`
}

type CompleteStepRequest struct {
	StepID string `json:"step_id,omitempty"`
	Result string `json:"result,omitempty"`
}

type StepResultRequest struct {
	Result string `json:"result,omitempty"`
}

type AffinityUpdateRequest struct {
	AgentA   string `json:"agent_a"`
	AgentB   string `json:"agent_b"`
	Positive bool   `json:"positive"`
}

type SetLimitRequest struct {
	DailyProposalLimit int `json:"daily_proposal_limit" minimum:"0"`
}

// Response payloads

type ProposalsResponse struct {
	Proposals []domain.Proposal `json:"proposals"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type MissionsResponse struct {
	Missions []domain.Mission `json:"missions"`
}

type StepEventResponse struct {
	Success bool         `json:"success"`
	Event   domain.Event `json:"event"`
}

type StepResponse struct {
	Step domain.Step `json:"step"`
}

// EventsResponse carries events, or learnings when an agent was requested.
type EventsResponse struct {
	Events    []domain.Event    `json:"events,omitempty"`
	Learnings []domain.Learning `json:"learnings,omitempty"`
}

type AffinitiesResponse struct {
	Affinities []domain.Affinity `json:"affinities"`
}

type AgentsResponse struct {
	Agents []domain.Agent `json:"agents"`
}

type QuotaResponse struct {
	domain.Limit
	Remaining int `json:"remaining"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

func quotaResponse(l domain.Limit) QuotaResponse {
	remaining := l.DailyProposalLimit - l.ProposalsToday
	if remaining < 0 {
		remaining = 0
	}
	return QuotaResponse{Limit: l, Remaining: remaining}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
