package domain

import "time"

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
)

type MissionStatus string

const (
	MissionApproved  MissionStatus = "approved"
	MissionRunning   MissionStatus = "running"
	MissionSucceeded MissionStatus = "succeeded"
	MissionFailed    MissionStatus = "failed"
)

// Terminal reports whether the mission has been resolved.
func (s MissionStatus) Terminal() bool {
	return s == MissionSucceeded || s == MissionFailed
}

// Active reports whether the mission still has work outstanding.
func (s MissionStatus) Active() bool {
	return s == MissionApproved || s == MissionRunning
}

type StepStatus string

const (
	StepQueued    StepStatus = "queued"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// Resolved reports whether the step reached a terminal status.
func (s StepStatus) Resolved() bool {
	return s == StepSucceeded || s == StepFailed
}

type EventKind string

const (
	EventProposalCreated EventKind = "proposal_created"
	EventMissionApproved EventKind = "mission_approved"
	EventStepCompleted   EventKind = "step_completed"
	EventMilestone       EventKind = "milestone"
	EventDecision        EventKind = "decision"
	EventLearning        EventKind = "learning"
)

// Valid reports whether k is one of the known event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventProposalCreated, EventMissionApproved, EventStepCompleted, EventMilestone, EventDecision, EventLearning:
		return true
	}
	return false
}

type Proposal struct {
	ID            string         `json:"id"`
	AgentID       string         `json:"agent_id"`
	AgentName     string         `json:"agent_name"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	ProposedSteps []string       `json:"proposed_steps"`
	Kind          string         `json:"kind"`
	Status        ProposalStatus `json:"status" enum:"pending,accepted,rejected"`
	AutoApproved  bool           `json:"auto_approved"`
	Reason        *string        `json:"reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ReviewedAt    *time.Time     `json:"reviewed_at,omitempty"`
}

type Mission struct {
	ID          string        `json:"id"`
	ProposalID  *string       `json:"proposal_id,omitempty"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Status      MissionStatus `json:"status" enum:"approved,running,succeeded,failed"`
	CreatedBy   string        `json:"created_by"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Outcome     *string       `json:"outcome,omitempty"`
}

type Step struct {
	ID          string     `json:"id"`
	MissionID   string     `json:"mission_id"`
	Position    int        `json:"position"`
	Kind        string     `json:"kind"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status" enum:"queued,running,succeeded,failed"`
	Result      *string    `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Event is an append-only log entry. IDs are assigned by the store in
// insertion order and double as delivery cursors.
type Event struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	AgentName string    `json:"agent_name"`
	Kind      EventKind `json:"kind" enum:"proposal_created,mission_approved,step_completed,milestone,decision,learning"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

// HasTag reports whether tag is attached to the event.
func (e Event) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Concerns reports whether the event belongs to the agent, either as its
// author or through a tag carrying the agent id.
func (e Event) Concerns(agentID string) bool {
	return e.AgentID == agentID || e.HasTag(agentID)
}

type Affinity struct {
	AgentA       string    `json:"agent_a"`
	AgentB       string    `json:"agent_b"`
	Score        int       `json:"score"`
	Interactions int       `json:"interactions"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AffinityPair returns the two ids in canonical order so (a, b) and (b, a)
// address the same record.
func AffinityPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

type Limit struct {
	AgentID            string    `json:"agent_id"`
	DailyProposalLimit int       `json:"daily_proposal_limit"`
	ProposalsToday     int       `json:"proposals_today"`
	LastReset          time.Time `json:"last_reset"`
}

type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Emoji     string    `json:"emoji,omitempty"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Learning is the projection of a step or milestone event used as agent memory.
type Learning struct {
	What string    `json:"what"`
	When time.Time `json:"when"`
	Tags []string  `json:"tags"`
}
