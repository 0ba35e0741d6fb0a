package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"closedloop/internal/domain"
)

// Memory is an in-process Store for tests, demos and embedding. A unit of work
// run through InTx holds the store exclusively until it commits or rolls back:
// other callers wait, so a rollback never drops their writes and they never
// read its uncommitted rows. Inside an InTx callback use the Store it is given;
// calling the outer *Memory from there blocks.
type Memory struct {
	*memCore
	inTx bool
}

type memCore struct {
	tx sync.RWMutex // exclusive for InTx, shared for single calls
	mu sync.RWMutex
	st memState
}

type pairKey [2]string

type memState struct {
	proposals  map[string]domain.Proposal
	missions   map[string]domain.Mission
	steps      map[string]domain.Step
	order      map[string]int64
	events     []domain.Event
	affinities map[pairKey]domain.Affinity
	limits     map[string]domain.Limit
	agents     map[string]domain.Agent
	seq        int64
	eventSeq   int64
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{memCore: &memCore{st: newMemState()}}
}

func newMemState() memState {
	return memState{
		proposals:  make(map[string]domain.Proposal),
		missions:   make(map[string]domain.Mission),
		steps:      make(map[string]domain.Step),
		order:      make(map[string]int64),
		affinities: make(map[pairKey]domain.Affinity),
		limits:     make(map[string]domain.Limit),
		agents:     make(map[string]domain.Agent),
	}
}

func (s memState) clone() memState {
	c := newMemState()
	for k, v := range s.proposals {
		c.proposals[k] = v
	}
	for k, v := range s.missions {
		c.missions[k] = v
	}
	for k, v := range s.steps {
		c.steps[k] = v
	}
	for k, v := range s.order {
		c.order[k] = v
	}
	for k, v := range s.affinities {
		c.affinities[k] = v
	}
	for k, v := range s.limits {
		c.limits[k] = v
	}
	for k, v := range s.agents {
		c.agents[k] = v
	}
	c.events = append([]domain.Event(nil), s.events...)
	c.seq = s.seq
	c.eventSeq = s.eventSeq
	return c
}

func (m *Memory) InTx(ctx context.Context, fn func(Store) error) error {
	if m.inTx {
		return fn(m)
	}
	m.tx.Lock()
	defer m.tx.Unlock()
	snapshot := m.st.clone()
	if err := fn(&Memory{memCore: m.memCore, inTx: true}); err != nil {
		m.mu.Lock()
		m.st = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

// lock takes the write lock, waiting out any open unit of work first.
func (m *Memory) lock() func() {
	if !m.inTx {
		m.tx.RLock()
	}
	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		if !m.inTx {
			m.tx.RUnlock()
		}
	}
}

func (m *Memory) rlock() func() {
	if !m.inTx {
		m.tx.RLock()
	}
	m.mu.RLock()
	return func() {
		m.mu.RUnlock()
		if !m.inTx {
			m.tx.RUnlock()
		}
	}
}

// --- proposals ---

func (m *Memory) InsertProposal(ctx context.Context, p domain.Proposal) error {
	defer m.lock()()
	if _, ok := m.st.proposals[p.ID]; ok {
		return fmt.Errorf("proposal %s already exists", p.ID)
	}
	m.st.proposals[p.ID] = copyProposal(p)
	m.track(p.ID)
	return nil
}

func (m *Memory) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	defer m.rlock()()
	p, ok := m.st.proposals[id]
	if !ok {
		return domain.Proposal{}, ErrNotFound
	}
	return copyProposal(p), nil
}

func (m *Memory) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	defer m.rlock()()
	var res []domain.Proposal
	for _, p := range m.st.proposals {
		if f.AgentID != "" && p.AgentID != f.AgentID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		res = append(res, copyProposal(p))
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return m.st.order[res[i].ID] > m.st.order[res[j].ID]
	})
	return capList(res, f.Limit), nil
}

func (m *Memory) UpdateProposal(ctx context.Context, p domain.Proposal) error {
	defer m.lock()()
	cur, ok := m.st.proposals[p.ID]
	if !ok {
		return ErrNotFound
	}
	p.CreatedAt = cur.CreatedAt
	m.st.proposals[p.ID] = copyProposal(p)
	return nil
}

func (m *Memory) DeleteProposal(ctx context.Context, id string) error {
	defer m.lock()()
	if _, ok := m.st.proposals[id]; !ok {
		return ErrNotFound
	}
	delete(m.st.proposals, id)
	delete(m.st.order, id)
	for mid, mission := range m.st.missions {
		if mission.ProposalID != nil && *mission.ProposalID == id {
			mission.ProposalID = nil
			m.st.missions[mid] = mission
		}
	}
	return nil
}

// --- missions ---

func (m *Memory) InsertMission(ctx context.Context, mission domain.Mission) error {
	defer m.lock()()
	if _, ok := m.st.missions[mission.ID]; ok {
		return fmt.Errorf("mission %s already exists", mission.ID)
	}
	m.st.missions[mission.ID] = mission
	m.track(mission.ID)
	return nil
}

func (m *Memory) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	defer m.rlock()()
	mission, ok := m.st.missions[id]
	if !ok {
		return domain.Mission{}, ErrNotFound
	}
	return mission, nil
}

func (m *Memory) ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error) {
	defer m.rlock()()
	var res []domain.Mission
	for _, mission := range m.st.missions {
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, mission.Status) {
			continue
		}
		if f.ProposalID != "" && (mission.ProposalID == nil || *mission.ProposalID != f.ProposalID) {
			continue
		}
		if f.CreatedBy != "" && mission.CreatedBy != f.CreatedBy {
			continue
		}
		res = append(res, mission)
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return m.st.order[res[i].ID] > m.st.order[res[j].ID]
	})
	return capList(res, f.Limit), nil
}

func (m *Memory) UpdateMission(ctx context.Context, mission domain.Mission) error {
	defer m.lock()()
	cur, ok := m.st.missions[mission.ID]
	if !ok {
		return ErrNotFound
	}
	mission.CreatedAt = cur.CreatedAt
	m.st.missions[mission.ID] = mission
	return nil
}

func (m *Memory) DeleteMission(ctx context.Context, id string) error {
	defer m.lock()()
	if _, ok := m.st.missions[id]; !ok {
		return ErrNotFound
	}
	delete(m.st.missions, id)
	delete(m.st.order, id)
	for sid, s := range m.st.steps {
		if s.MissionID == id {
			delete(m.st.steps, sid)
			delete(m.st.order, sid)
		}
	}
	return nil
}

// --- steps ---

func (m *Memory) InsertStep(ctx context.Context, s domain.Step) error {
	defer m.lock()()
	if _, ok := m.st.steps[s.ID]; ok {
		return fmt.Errorf("step %s already exists", s.ID)
	}
	if _, ok := m.st.missions[s.MissionID]; !ok {
		return fmt.Errorf("step %s references unknown mission %s", s.ID, s.MissionID)
	}
	m.st.steps[s.ID] = s
	m.track(s.ID)
	return nil
}

func (m *Memory) GetStep(ctx context.Context, id string) (domain.Step, error) {
	defer m.rlock()()
	s, ok := m.st.steps[id]
	if !ok {
		return domain.Step{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListSteps(ctx context.Context, f StepFilters) ([]domain.Step, error) {
	defer m.rlock()()
	var res []domain.Step
	for _, s := range m.st.steps {
		if f.MissionID != "" && s.MissionID != f.MissionID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		res = append(res, s)
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.Before(res[j].CreatedAt)
		}
		if res[i].Position != res[j].Position {
			return res[i].Position < res[j].Position
		}
		return m.st.order[res[i].ID] < m.st.order[res[j].ID]
	})
	return res, nil
}

func (m *Memory) UpdateStep(ctx context.Context, s domain.Step) error {
	defer m.lock()()
	cur, ok := m.st.steps[s.ID]
	if !ok {
		return ErrNotFound
	}
	s.MissionID = cur.MissionID
	s.Position = cur.Position
	s.CreatedAt = cur.CreatedAt
	m.st.steps[s.ID] = s
	return nil
}

func (m *Memory) DeleteStep(ctx context.Context, id string) error {
	defer m.lock()()
	if _, ok := m.st.steps[id]; !ok {
		return ErrNotFound
	}
	delete(m.st.steps, id)
	delete(m.st.order, id)
	return nil
}

// --- events ---

func (m *Memory) AppendEvent(ctx context.Context, e domain.Event) (domain.Event, error) {
	defer m.lock()()
	m.st.eventSeq++
	e.ID = m.st.eventSeq
	e.Tags = dedupeTags(e.Tags)
	m.st.events = append(m.st.events, copyEvent(e))
	return copyEvent(e), nil
}

func (m *Memory) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	defer m.rlock()()
	var res []domain.Event
	for _, e := range m.st.events {
		if f.AgentID != "" && !e.Concerns(f.AgentID) {
			continue
		}
		if f.Tag != "" && !e.HasTag(f.Tag) {
			continue
		}
		if len(f.Kinds) > 0 && !containsKind(f.Kinds, e.Kind) {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		if f.BeforeID > 0 && e.ID >= f.BeforeID {
			continue
		}
		res = append(res, copyEvent(e))
	}
	sort.SliceStable(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].ID > res[j].ID
	})
	return capList(res, f.Limit), nil
}

func (m *Memory) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	defer m.rlock()()
	var res []domain.Event
	for _, e := range m.st.events {
		if e.ID <= cursor {
			continue
		}
		res = append(res, copyEvent(e))
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

func (m *Memory) LatestEventID(ctx context.Context) (int64, error) {
	defer m.rlock()()
	return m.st.eventSeq, nil
}

// --- affinity ---

func (m *Memory) GetAffinity(ctx context.Context, a, b string) (domain.Affinity, error) {
	defer m.rlock()()
	aff, ok := m.st.affinities[affinityKey(a, b)]
	if !ok {
		return domain.Affinity{}, ErrNotFound
	}
	return aff, nil
}

func (m *Memory) ListAffinities(ctx context.Context, agentID string) ([]domain.Affinity, error) {
	defer m.rlock()()
	var res []domain.Affinity
	for _, aff := range m.st.affinities {
		if agentID != "" && aff.AgentA != agentID && aff.AgentB != agentID {
			continue
		}
		res = append(res, aff)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Score != res[j].Score {
			return res[i].Score > res[j].Score
		}
		if res[i].AgentA != res[j].AgentA {
			return res[i].AgentA < res[j].AgentA
		}
		return res[i].AgentB < res[j].AgentB
	})
	return res, nil
}

func (m *Memory) UpdateAffinity(ctx context.Context, a, b string, fn func(aff *domain.Affinity, exists bool) error) (domain.Affinity, error) {
	x, y := domain.AffinityPair(a, b)
	key := pairKey{x, y}
	defer m.lock()()
	cur, exists := m.st.affinities[key]
	if !exists {
		cur = domain.Affinity{AgentA: x, AgentB: y}
	}
	if err := fn(&cur, exists); err != nil {
		return domain.Affinity{}, err
	}
	cur.AgentA, cur.AgentB = x, y
	m.st.affinities[key] = cur
	return cur, nil
}

// --- limits ---

func (m *Memory) GetLimit(ctx context.Context, agentID string) (domain.Limit, error) {
	defer m.rlock()()
	l, ok := m.st.limits[agentID]
	if !ok {
		return domain.Limit{}, ErrNotFound
	}
	return l, nil
}

func (m *Memory) UpdateLimit(ctx context.Context, agentID string, fn func(l *domain.Limit, exists bool) error) (domain.Limit, error) {
	defer m.lock()()
	cur, exists := m.st.limits[agentID]
	if !exists {
		cur = domain.Limit{AgentID: agentID}
	}
	if err := fn(&cur, exists); err != nil {
		return domain.Limit{}, err
	}
	cur.AgentID = agentID
	m.st.limits[agentID] = cur
	return cur, nil
}

// --- agents ---

func (m *Memory) EnsureAgent(ctx context.Context, a domain.Agent) (bool, error) {
	if a.ID == "" {
		return false, errors.New("agent id is required")
	}
	defer m.lock()()
	if _, ok := m.st.agents[a.ID]; ok {
		return false, nil
	}
	m.st.agents[a.ID] = a
	return true, nil
}

func (m *Memory) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	defer m.rlock()()
	a, ok := m.st.agents[id]
	if !ok {
		return domain.Agent{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	defer m.rlock()()
	res := make([]domain.Agent, 0, len(m.st.agents))
	for _, a := range m.st.agents {
		res = append(res, a)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// --- helpers ---

func affinityKey(a, b string) pairKey {
	x, y := domain.AffinityPair(a, b)
	return pairKey{x, y}
}

// track records insertion order; callers hold mu.
func (m *Memory) track(id string) {
	m.st.seq++
	m.st.order[id] = m.st.seq
}

func copyProposal(p domain.Proposal) domain.Proposal {
	p.ProposedSteps = append([]string{}, p.ProposedSteps...)
	return p
}

func copyEvent(e domain.Event) domain.Event {
	e.Tags = append([]string{}, e.Tags...)
	return e
}

func dedupeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func containsStatus(list []domain.MissionStatus, s domain.MissionStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsKind(list []domain.EventKind, k domain.EventKind) bool {
	for _, v := range list {
		if v == k {
			return true
		}
	}
	return false
}

func capList[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
