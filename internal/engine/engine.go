package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"closedloop/internal/affinity"
	"closedloop/internal/config"
	"closedloop/internal/domain"
	"closedloop/internal/events"
	"closedloop/internal/metrics"
	"closedloop/internal/policy"
	"closedloop/internal/quota"
	"closedloop/internal/repo"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
)

const (
	ReasonDailyLimit    = "Daily proposal limit reached"
	ReasonHumanApproved = "Approved by human"
	DefaultRejectReason = "Rejected by human"
	OutcomeAllCompleted = "All steps completed"
	OutcomeStepsFailed  = "One or more steps failed"
	SystemAgentID       = "system"
	SystemAgentName     = "System"
	defaultStepKind     = string(policy.KindOther)
)

// NameResolver maps an agent id to its display name.
type NameResolver interface {
	Name(ctx context.Context, agentID string) (string, error)
}

type Engine struct {
	Store        repo.Store
	Policy       policy.Evaluator
	Roster       NameResolver
	Metrics      *metrics.Metrics
	Log          zerolog.Logger
	DefaultLimit int
	Location     *time.Location
	Now          func() time.Time
}

// New builds an engine over store using the quota and policy sections of cfg.
// A nil cfg uses the defaults.
func New(store repo.Store, cfg *config.Config) (Engine, error) {
	if store == nil {
		return Engine{}, errors.New("store is required")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	ev, err := policy.New(cfg.Policy.AutoApprove, cfg.Policy.RequireHuman)
	if err != nil {
		return Engine{}, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		Store:        store,
		Policy:       ev,
		Log:          zerolog.Nop(),
		DefaultLimit: cfg.Quota.DailyProposalLimit,
		Location:     loc,
		Now:          time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) quota(s repo.Store) quota.Tracker {
	return quota.Tracker{Store: s, DefaultLimit: e.DefaultLimit, Location: e.Location, Now: e.now}
}

func (e Engine) events(s repo.Store) events.Log {
	return events.Log{Store: s, Now: e.now}
}

func (e Engine) affinity(s repo.Store) affinity.Tracker {
	return affinity.Tracker{Store: s, Now: e.now}
}

func (e Engine) recordEvents(evts []domain.Event) {
	for _, ev := range evts {
		e.Metrics.RecordEvent(string(ev.Kind))
	}
}

// ProposalInput is a submission from any origin. A nil AutoApproveLowRisk
// means true.
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
	Proposal     *domain.Proposal `json:"proposal"`
	Mission      *domain.Mission  `json:"mission,omitempty"`
	Steps        []domain.Step    `json:"steps"`
	AutoApproved bool             `json:"auto_approved"`
	Rejected     bool             `json:"rejected"`
	Reason       string           `json:"reason,omitempty"`
}

type ApprovalResult struct {
	Mission domain.Mission `json:"mission"`
	Steps   []domain.Step  `json:"steps"`
}

func (in ProposalInput) validate() error {
	if strings.TrimSpace(in.AgentID) == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Description) == "" {
		return fmt.Errorf("%w: description is required", ErrInvalidInput)
	}
	return nil
}

func (e Engine) agentName(ctx context.Context, agentID, given string) (string, error) {
	if strings.TrimSpace(given) != "" {
		return given, nil
	}
	if e.Roster == nil {
		return "Unknown", nil
	}
	return e.Roster.Name(ctx, agentID)
}

// SubmitProposal runs a submission through the quota, then the risk policy,
// and materializes a mission when the policy approves it. A quota rejection
// creates no proposal.
func (e Engine) SubmitProposal(ctx context.Context, in ProposalInput) (ProposalResult, error) {
	if err := in.validate(); err != nil {
		return ProposalResult{}, err
	}
	// Resolve outside the unit of work; the roster reads through the outer store.
	name, err := e.agentName(ctx, in.AgentID, in.AgentName)
	if err != nil {
		return ProposalResult{}, fmt.Errorf("resolve agent name: %w", err)
	}
	kind := strings.TrimSpace(in.Kind)
	if kind == "" {
		kind = defaultStepKind
	}
	autoApprove := true
	if in.AutoApproveLowRisk != nil {
		autoApprove = *in.AutoApproveLowRisk
	}
	proposedSteps := make([]string, len(in.ProposedSteps))
	copy(proposedSteps, in.ProposedSteps)

	var (
		res     ProposalResult
		emitted []domain.Event
	)
	err = e.Store.InTx(ctx, func(tx repo.Store) error {
		q, err := e.quota(tx).CheckAndIncrement(ctx, in.AgentID)
		if err != nil {
			return fmt.Errorf("check quota: %w", err)
		}
		if !q.Allowed {
			res = ProposalResult{Steps: []domain.Step{}, Rejected: true, Reason: ReasonDailyLimit}
			return nil
		}

		now := e.now()
		p := domain.Proposal{
			ID:            uuid.NewString(),
			AgentID:       in.AgentID,
			AgentName:     name,
			Title:         in.Title,
			Description:   in.Description,
			ProposedSteps: proposedSteps,
			Kind:          kind,
			Status:        domain.ProposalPending,
			CreatedAt:     now,
		}
		if err := tx.InsertProposal(ctx, p); err != nil {
			return fmt.Errorf("insert proposal: %w", err)
		}

		decision := e.Policy.Evaluate(policy.Kind(kind), autoApprove, q.Remaining)
		if !decision.Approved {
			res = ProposalResult{Proposal: &p, Steps: []domain.Step{}, Reason: decision.Reason}
			return nil
		}

		reason := decision.Reason
		p.Status = domain.ProposalAccepted
		p.AutoApproved = true
		p.Reason = &reason
		p.ReviewedAt = &now
		if err := tx.UpdateProposal(ctx, p); err != nil {
			return fmt.Errorf("accept proposal: %w", err)
		}
		mission, steps, err := e.materialize(ctx, tx, p, kind)
		if err != nil {
			return err
		}
		ev, err := e.events(tx).Append(ctx, domain.Event{
			AgentID:   p.AgentID,
			AgentName: p.AgentName,
			Kind:      domain.EventMissionApproved,
			Title:     "Auto-approved: " + p.Title,
			Summary:   fmt.Sprintf("Mission created with %d steps", len(steps)),
			Tags:      []string{"auto-approved", p.AgentID, "mission"},
		})
		if err != nil {
			return err
		}
		emitted = append(emitted, ev)
		res = ProposalResult{Proposal: &p, Mission: &mission, Steps: steps, AutoApproved: true, Reason: reason}
		return nil
	})
	if err != nil {
		return ProposalResult{}, err
	}

	e.recordEvents(emitted)
	switch {
	case res.Rejected:
		e.Metrics.RecordProposal(metrics.OutcomeQuotaRejected)
		e.Log.Info().Str("agent_id", in.AgentID).Msg("proposal rejected by daily quota")
	case res.AutoApproved:
		e.Metrics.RecordProposal(metrics.OutcomeAutoApproved)
		e.Log.Info().Str("agent_id", in.AgentID).Str("proposal_id", res.Proposal.ID).
			Str("mission_id", res.Mission.ID).Int("steps", len(res.Steps)).Msg("proposal auto-approved")
	default:
		e.Metrics.RecordProposal(metrics.OutcomePending)
		e.Log.Debug().Str("agent_id", in.AgentID).Str("proposal_id", res.Proposal.ID).
			Str("reason", res.Reason).Msg("proposal awaiting review")
	}
	return res, nil
}

// materialize creates the mission for an accepted proposal and one queued
// step per proposed step, in order.
func (e Engine) materialize(ctx context.Context, tx repo.Store, p domain.Proposal, stepKind string) (domain.Mission, []domain.Step, error) {
	now := e.now()
	proposalID := p.ID
	m := domain.Mission{
		ID:          uuid.NewString(),
		ProposalID:  &proposalID,
		Title:       p.Title,
		Description: p.Description,
		Status:      domain.MissionApproved,
		CreatedBy:   p.AgentName,
		CreatedAt:   now,
	}
	if err := tx.InsertMission(ctx, m); err != nil {
		return domain.Mission{}, nil, fmt.Errorf("insert mission: %w", err)
	}
	steps, err := e.insertSteps(ctx, tx, m.ID, stepKind, p.ProposedSteps, now)
	if err != nil {
		return domain.Mission{}, nil, err
	}
	return m, steps, nil
}

func (e Engine) insertSteps(ctx context.Context, tx repo.Store, missionID, kind string, descriptions []string, now time.Time) ([]domain.Step, error) {
	steps := make([]domain.Step, 0, len(descriptions))
	for i, desc := range descriptions {
		s := domain.Step{
			ID:          uuid.NewString(),
			MissionID:   missionID,
			Position:    i,
			Kind:        kind,
			Description: desc,
			Status:      domain.StepQueued,
			CreatedAt:   now,
		}
		if err := tx.InsertStep(ctx, s); err != nil {
			return nil, fmt.Errorf("insert step %d: %w", i, err)
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// pendingProposal loads id and reports whether it is still awaiting review.
func pendingProposal(ctx context.Context, tx repo.Store, id string) (domain.Proposal, bool, error) {
	p, err := tx.GetProposal(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Proposal{}, false, nil
	}
	if err != nil {
		return domain.Proposal{}, false, err
	}
	return p, p.Status == domain.ProposalPending, nil
}

// ApproveProposal accepts a pending proposal on a human's behalf. ok is false
// when the proposal is missing or already reviewed.
func (e Engine) ApproveProposal(ctx context.Context, id string) (ApprovalResult, bool, error) {
	var (
		res     ApprovalResult
		ok      bool
		emitted []domain.Event
	)
	err := e.Store.InTx(ctx, func(tx repo.Store) error {
		p, pending, err := pendingProposal(ctx, tx, id)
		if err != nil || !pending {
			return err
		}
		now := e.now()
		reason := ReasonHumanApproved
		p.Status = domain.ProposalAccepted
		p.Reason = &reason
		p.ReviewedAt = &now
		if err := tx.UpdateProposal(ctx, p); err != nil {
			return fmt.Errorf("accept proposal: %w", err)
		}
		mission, steps, err := e.materialize(ctx, tx, p, defaultStepKind)
		if err != nil {
			return err
		}
		ev, err := e.events(tx).Append(ctx, domain.Event{
			AgentID:   p.AgentID,
			AgentName: p.AgentName,
			Kind:      domain.EventMissionApproved,
			Title:     "Approved: " + p.Title,
			Summary:   fmt.Sprintf("Human approved mission with %d steps", len(steps)),
			Tags:      []string{"approved", "human", p.AgentID},
		})
		if err != nil {
			return err
		}
		emitted = append(emitted, ev)
		res = ApprovalResult{Mission: mission, Steps: steps}
		ok = true
		return nil
	})
	if err != nil || !ok {
		return ApprovalResult{}, false, err
	}
	e.recordEvents(emitted)
	e.Metrics.RecordReview("approved")
	e.Log.Info().Str("proposal_id", id).Str("mission_id", res.Mission.ID).Msg("proposal approved")
	return res, true, nil
}

// RejectProposal closes a pending proposal. It reports false when the proposal
// is missing or already reviewed.
func (e Engine) RejectProposal(ctx context.Context, id, reason string) (bool, error) {
	if strings.TrimSpace(reason) == "" {
		reason = DefaultRejectReason
	}
	var (
		ok      bool
		emitted []domain.Event
	)
	err := e.Store.InTx(ctx, func(tx repo.Store) error {
		p, pending, err := pendingProposal(ctx, tx, id)
		if err != nil || !pending {
			return err
		}
		now := e.now()
		p.Status = domain.ProposalRejected
		p.Reason = &reason
		p.ReviewedAt = &now
		if err := tx.UpdateProposal(ctx, p); err != nil {
			return fmt.Errorf("reject proposal: %w", err)
		}
		ev, err := e.events(tx).Append(ctx, domain.Event{
			AgentID:   p.AgentID,
			AgentName: p.AgentName,
			Kind:      domain.EventDecision,
			Title:     "Rejected: " + p.Title,
			Summary:   reason,
			Tags:      []string{"rejected", p.AgentID},
		})
		if err != nil {
			return err
		}
		emitted = append(emitted, ev)
		ok = true
		return nil
	})
	if err != nil || !ok {
		return false, err
	}
	e.recordEvents(emitted)
	e.Metrics.RecordReview("rejected")
	e.Log.Info().Str("proposal_id", id).Str("reason", reason).Msg("proposal rejected")
	return true, nil
}

func (e Engine) GetProposal(ctx context.Context, id string) (domain.Proposal, bool, error) {
	p, err := e.Store.GetProposal(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Proposal{}, false, nil
	}
	return p, err == nil, err
}

func (e Engine) ListProposals(ctx context.Context, f repo.ProposalFilters) ([]domain.Proposal, error) {
	return e.Store.ListProposals(ctx, f)
}

// GetPendingProposals returns proposals awaiting a human decision.
func (e Engine) GetPendingProposals(ctx context.Context) ([]domain.Proposal, error) {
	return e.Store.ListProposals(ctx, repo.ProposalFilters{Status: domain.ProposalPending})
}

// GetRecentEvents returns the newest events; limit <= 0 means 20.
func (e Engine) GetRecentEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	return e.events(e.Store).Recent(ctx, limit)
}

func (e Engine) GetEventsByAgent(ctx context.Context, agentID string, limit int) ([]domain.Event, error) {
	return e.events(e.Store).ByAgent(ctx, agentID, limit)
}

func (e Engine) GetEventsByTag(ctx context.Context, tag string, limit int) ([]domain.Event, error) {
	return e.events(e.Store).ByTag(ctx, tag, limit)
}

// GetAgentLearnings projects the agent's recent step and milestone events.
// days <= 0 means 7.
func (e Engine) GetAgentLearnings(ctx context.Context, agentID string, days int) ([]domain.Learning, error) {
	evts, err := e.events(e.Store).LearningsSince(ctx, agentID, days)
	if err != nil {
		return nil, err
	}
	return events.Learnings(evts), nil
}

// UpdateCollaborationAffinity nudges the pair's score up or down by five.
func (e Engine) UpdateCollaborationAffinity(ctx context.Context, a, b string, positive bool) (domain.Affinity, error) {
	aff, err := e.affinity(e.Store).Collaborated(ctx, a, b, positive)
	if err != nil {
		return domain.Affinity{}, pairError(err)
	}
	e.Log.Debug().Str("agent_a", aff.AgentA).Str("agent_b", aff.AgentB).Int("score", aff.Score).Msg("affinity updated")
	return aff, nil
}

func (e Engine) GetAffinity(ctx context.Context, a, b string) (domain.Affinity, error) {
	aff, err := e.affinity(e.Store).GetScore(ctx, a, b)
	return aff, pairError(err)
}

func pairError(err error) error {
	if errors.Is(err, affinity.ErrInvalidPair) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return err
}

func (e Engine) ListAffinities(ctx context.Context, agentID string) ([]domain.Affinity, error) {
	return e.affinity(e.Store).Partners(ctx, agentID)
}

// GetQuota returns the agent's limit as the next submission would see it.
func (e Engine) GetQuota(ctx context.Context, agentID string) (domain.Limit, error) {
	return e.quota(e.Store).Peek(ctx, agentID)
}

func (e Engine) SetDailyLimit(ctx context.Context, agentID string, limit int) (domain.Limit, error) {
	if strings.TrimSpace(agentID) == "" {
		return domain.Limit{}, fmt.Errorf("%w: agent_id is required", ErrInvalidInput)
	}
	if limit < 0 {
		return domain.Limit{}, fmt.Errorf("%w: daily limit must be >= 0", ErrInvalidInput)
	}
	return e.quota(e.Store).SetDailyLimit(ctx, agentID, limit)
}
