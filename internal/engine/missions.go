package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"closedloop/internal/domain"
	"closedloop/internal/events"
	"closedloop/internal/repo"
)

// MissionInput creates a mission directly, without a proposal.
type MissionInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	CreatedBy   string   `json:"created_by"`
	Kind        string   `json:"kind,omitempty"`
	Steps       []string `json:"steps,omitempty"`
}

type MissionDetail struct {
	Mission domain.Mission `json:"mission"`
	Steps   []domain.Step  `json:"steps"`
}

// CompleteStep marks a step succeeded and resolves its mission once every step
// is resolved. ok is false when the step is missing or already resolved.
func (e Engine) CompleteStep(ctx context.Context, stepID, result string) (domain.Event, bool, error) {
	return e.resolveStep(ctx, stepID, domain.StepSucceeded, result)
}

// FailStep is the failure counterpart of CompleteStep. A mission with any
// failed step resolves as failed.
func (e Engine) FailStep(ctx context.Context, stepID, result string) (domain.Event, bool, error) {
	return e.resolveStep(ctx, stepID, domain.StepFailed, result)
}

func (e Engine) resolveStep(ctx context.Context, stepID string, status domain.StepStatus, result string) (domain.Event, bool, error) {
	var (
		stepEvent domain.Event
		ok        bool
		resolved  *domain.Mission
		emitted   []domain.Event
	)
	err := e.Store.InTx(ctx, func(tx repo.Store) error {
		step, err := tx.GetStep(ctx, stepID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if step.Status.Resolved() {
			return nil
		}

		now := e.now()
		step.Status = status
		step.Result = &result
		step.CompletedAt = &now
		if err := tx.UpdateStep(ctx, step); err != nil {
			return fmt.Errorf("update step: %w", err)
		}

		verb, title := "completed", "Step completed: "
		if status == domain.StepFailed {
			verb, title = "failed", "Step failed: "
		}
		stepEvent, err = e.events(tx).Append(ctx, domain.Event{
			AgentID:   SystemAgentID,
			AgentName: SystemAgentName,
			Kind:      domain.EventStepCompleted,
			Title:     title + step.Description,
			Summary:   events.Truncate(result, events.SummaryMaxRunes),
			Tags:      []string{"step", verb, step.MissionID},
		})
		if err != nil {
			return err
		}
		emitted = append(emitted, stepEvent)
		ok = true

		m, milestone, err := e.resolveMission(ctx, tx, step.MissionID)
		if err != nil {
			return err
		}
		if m != nil {
			resolved = m
			emitted = append(emitted, milestone)
		}
		return nil
	})
	if err != nil || !ok {
		return domain.Event{}, false, err
	}

	e.recordEvents(emitted)
	e.Metrics.RecordStep(string(status))
	e.Log.Debug().Str("step_id", stepID).Str("status", string(status)).Msg("step resolved")
	if resolved != nil {
		e.Metrics.RecordMissionResolved(string(resolved.Status))
		e.Log.Info().Str("mission_id", resolved.ID).Str("status", string(resolved.Status)).Msg("mission resolved")
	}
	return stepEvent, true, nil
}

// resolveMission closes the mission when all of its steps are resolved. It
// returns nil when the mission stays open or was already terminal.
func (e Engine) resolveMission(ctx context.Context, tx repo.Store, missionID string) (*domain.Mission, domain.Event, error) {
	steps, err := tx.ListSteps(ctx, repo.StepFilters{MissionID: missionID})
	if err != nil {
		return nil, domain.Event{}, err
	}
	failed := 0
	for _, s := range steps {
		if !s.Status.Resolved() {
			return nil, domain.Event{}, nil
		}
		if s.Status == domain.StepFailed {
			failed++
		}
	}
	m, err := tx.GetMission(ctx, missionID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, domain.Event{}, nil
	}
	if err != nil {
		return nil, domain.Event{}, err
	}
	if m.Status.Terminal() {
		return nil, domain.Event{}, nil
	}

	now := e.now()
	var (
		outcome string
		ev      domain.Event
	)
	if failed == 0 {
		m.Status = domain.MissionSucceeded
		outcome = OutcomeAllCompleted
		ev = domain.Event{
			Title:   "Mission complete: " + m.Title,
			Summary: fmt.Sprintf("All %d steps succeeded", len(steps)),
			Tags:    []string{"milestone", "mission-complete", m.ID},
		}
	} else {
		m.Status = domain.MissionFailed
		outcome = OutcomeStepsFailed
		ev = domain.Event{
			Title:   "Mission failed: " + m.Title,
			Summary: fmt.Sprintf("%d of %d steps failed", failed, len(steps)),
			Tags:    []string{"milestone", "mission-failed", m.ID},
		}
	}
	m.Outcome = &outcome
	m.CompletedAt = &now
	if err := tx.UpdateMission(ctx, m); err != nil {
		return nil, domain.Event{}, fmt.Errorf("resolve mission: %w", err)
	}
	ev.AgentID = m.CreatedBy
	ev.AgentName = m.CreatedBy
	ev.Kind = domain.EventMilestone
	ev, err = e.events(tx).Append(ctx, ev)
	if err != nil {
		return nil, domain.Event{}, err
	}
	return &m, ev, nil
}

// StartStep moves a queued step to running and an approved mission with it.
// ok is false when the step is missing or not queued.
func (e Engine) StartStep(ctx context.Context, stepID string) (domain.Step, bool, error) {
	var (
		step    domain.Step
		ok      bool
		started bool
	)
	err := e.Store.InTx(ctx, func(tx repo.Store) error {
		s, err := tx.GetStep(ctx, stepID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if s.Status != domain.StepQueued {
			return nil
		}
		now := e.now()
		s.Status = domain.StepRunning
		s.StartedAt = &now
		if err := tx.UpdateStep(ctx, s); err != nil {
			return fmt.Errorf("start step: %w", err)
		}
		m, err := tx.GetMission(ctx, s.MissionID)
		if err != nil {
			return err
		}
		if m.Status == domain.MissionApproved {
			m.Status = domain.MissionRunning
			if err := tx.UpdateMission(ctx, m); err != nil {
				return fmt.Errorf("start mission: %w", err)
			}
			started = true
		}
		step, ok = s, true
		return nil
	})
	if err != nil || !ok {
		return domain.Step{}, false, err
	}
	e.Metrics.RecordStep(string(domain.StepRunning))
	if started {
		e.Log.Info().Str("mission_id", step.MissionID).Msg("mission running")
	}
	return step, true, nil
}

func ensureMissionTransition(from, to domain.MissionStatus) error {
	switch from {
	case domain.MissionApproved:
		if to == domain.MissionRunning || to.Terminal() {
			return nil
		}
	case domain.MissionRunning:
		if to.Terminal() {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// SetMissionStatus applies a direct status update. Statuses only move forward;
// terminal statuses stamp completed_at. ok is false when the mission is missing.
func (e Engine) SetMissionStatus(ctx context.Context, missionID string, status domain.MissionStatus, outcome string) (domain.Mission, bool, error) {
	switch status {
	case domain.MissionApproved, domain.MissionRunning, domain.MissionSucceeded, domain.MissionFailed:
	default:
		return domain.Mission{}, false, fmt.Errorf("%w: unknown mission status %q", ErrInvalidInput, status)
	}
	var (
		m  domain.Mission
		ok bool
	)
	err := e.Store.InTx(ctx, func(tx repo.Store) error {
		cur, err := tx.GetMission(ctx, missionID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := ensureMissionTransition(cur.Status, status); err != nil {
			return err
		}
		cur.Status = status
		if strings.TrimSpace(outcome) != "" {
			cur.Outcome = &outcome
		}
		if status.Terminal() {
			now := e.now()
			cur.CompletedAt = &now
		}
		if err := tx.UpdateMission(ctx, cur); err != nil {
			return fmt.Errorf("update mission: %w", err)
		}
		m, ok = cur, true
		return nil
	})
	if err != nil || !ok {
		return domain.Mission{}, false, err
	}
	if status.Terminal() {
		e.Metrics.RecordMissionResolved(string(status))
	}
	e.Log.Info().Str("mission_id", missionID).Str("status", string(status)).Msg("mission status set")
	return m, true, nil
}

// CreateMission is the administrative path for work that skips the proposal gate.
func (e Engine) CreateMission(ctx context.Context, in MissionInput) (MissionDetail, error) {
	if strings.TrimSpace(in.Title) == "" {
		return MissionDetail{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.CreatedBy) == "" {
		return MissionDetail{}, fmt.Errorf("%w: created_by is required", ErrInvalidInput)
	}
	kind := strings.TrimSpace(in.Kind)
	if kind == "" {
		kind = defaultStepKind
	}
	var (
		res     MissionDetail
		emitted []domain.Event
	)
	err := e.Store.InTx(ctx, func(tx repo.Store) error {
		now := e.now()
		m := domain.Mission{
			ID:          uuid.NewString(),
			Title:       in.Title,
			Description: in.Description,
			Status:      domain.MissionApproved,
			CreatedBy:   in.CreatedBy,
			CreatedAt:   now,
		}
		if err := tx.InsertMission(ctx, m); err != nil {
			return fmt.Errorf("insert mission: %w", err)
		}
		steps, err := e.insertSteps(ctx, tx, m.ID, kind, in.Steps, now)
		if err != nil {
			return err
		}
		ev, err := e.events(tx).Append(ctx, domain.Event{
			AgentID:   in.CreatedBy,
			AgentName: in.CreatedBy,
			Kind:      domain.EventMissionApproved,
			Title:     "Mission created: " + m.Title,
			Summary:   fmt.Sprintf("Mission created directly with %d steps", len(steps)),
			Tags:      []string{"direct", in.CreatedBy, "mission"},
		})
		if err != nil {
			return err
		}
		emitted = append(emitted, ev)
		res = MissionDetail{Mission: m, Steps: steps}
		return nil
	})
	if err != nil {
		return MissionDetail{}, err
	}
	e.recordEvents(emitted)
	e.Log.Info().Str("mission_id", res.Mission.ID).Str("created_by", in.CreatedBy).Msg("mission created")
	return res, nil
}

// GetMission returns the mission with its steps in order.
func (e Engine) GetMission(ctx context.Context, id string) (MissionDetail, bool, error) {
	m, err := e.Store.GetMission(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return MissionDetail{}, false, nil
	}
	if err != nil {
		return MissionDetail{}, false, err
	}
	steps, err := e.Store.ListSteps(ctx, repo.StepFilters{MissionID: id})
	if err != nil {
		return MissionDetail{}, false, err
	}
	if steps == nil {
		steps = []domain.Step{}
	}
	return MissionDetail{Mission: m, Steps: steps}, true, nil
}

func (e Engine) ListMissions(ctx context.Context, f repo.MissionFilters) ([]domain.Mission, error) {
	return e.Store.ListMissions(ctx, f)
}

// GetActiveMissions returns missions that are approved or running.
func (e Engine) GetActiveMissions(ctx context.Context) ([]domain.Mission, error) {
	return e.Store.ListMissions(ctx, repo.MissionFilters{
		Statuses: []domain.MissionStatus{domain.MissionApproved, domain.MissionRunning},
	})
}
