package repo

import (
	"context"
	"errors"
	"time"

	"closedloop/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Store is the persistence contract consumed by the loop. Get methods return
// ErrNotFound for missing records. Events have no update or delete.
type Store interface {
	InsertProposal(ctx context.Context, p domain.Proposal) error
	GetProposal(ctx context.Context, id string) (domain.Proposal, error)
	ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error)
	UpdateProposal(ctx context.Context, p domain.Proposal) error
	DeleteProposal(ctx context.Context, id string) error

	InsertMission(ctx context.Context, m domain.Mission) error
	GetMission(ctx context.Context, id string) (domain.Mission, error)
	ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error)
	UpdateMission(ctx context.Context, m domain.Mission) error
	DeleteMission(ctx context.Context, id string) error

	InsertStep(ctx context.Context, s domain.Step) error
	GetStep(ctx context.Context, id string) (domain.Step, error)
	ListSteps(ctx context.Context, f StepFilters) ([]domain.Step, error)
	UpdateStep(ctx context.Context, s domain.Step) error
	DeleteStep(ctx context.Context, id string) error

	AppendEvent(ctx context.Context, e domain.Event) (domain.Event, error)
	ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error)
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)

	GetAffinity(ctx context.Context, a, b string) (domain.Affinity, error)
	ListAffinities(ctx context.Context, agentID string) ([]domain.Affinity, error)
	UpdateAffinity(ctx context.Context, a, b string, fn func(aff *domain.Affinity, exists bool) error) (domain.Affinity, error)

	GetLimit(ctx context.Context, agentID string) (domain.Limit, error)
	UpdateLimit(ctx context.Context, agentID string, fn func(l *domain.Limit, exists bool) error) (domain.Limit, error)

	EnsureAgent(ctx context.Context, a domain.Agent) (bool, error)
	GetAgent(ctx context.Context, id string) (domain.Agent, error)
	ListAgents(ctx context.Context) ([]domain.Agent, error)

	// InTx runs fn against a store whose writes become visible together or
	// not at all. Nested calls join the outer unit.
	InTx(ctx context.Context, fn func(Store) error) error
}

type ProposalFilters struct {
	AgentID string
	Status  domain.ProposalStatus
	Limit   int
}

type MissionFilters struct {
	Statuses   []domain.MissionStatus
	ProposalID string
	CreatedBy  string
	Limit      int
}

type StepFilters struct {
	MissionID string
	Status    domain.StepStatus
}

// EventFilters select events newest first. AgentID matches the author or a
// tag equal to the id.
type EventFilters struct {
	AgentID  string
	Tag      string
	Kinds    []domain.EventKind
	Since    time.Time
	BeforeID int64
	Limit    int
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
