package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"closedloop/internal/domain"
)

// Repo is the SQLite-backed Store.
type Repo struct {
	DB *sql.DB
	tx *sql.Tx
}

var _ Store = Repo{}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r Repo) q() querier {
	if r.tx != nil {
		return r.tx
	}
	return r.DB
}

func (r Repo) InTx(ctx context.Context, fn func(Store) error) error {
	if r.tx != nil {
		return fn(r)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(Repo{DB: r.DB, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) inTx(ctx context.Context, fn func(Repo) error) error {
	return r.InTx(ctx, func(s Store) error { return fn(s.(Repo)) })
}

// --- proposals ---

const proposalColumns = `id,agent_id,agent_name,title,description,proposed_steps_json,kind,status,auto_approved,reason,created_at,reviewed_at`

func scanProposal(sc rowScanner) (domain.Proposal, error) {
	var p domain.Proposal
	var stepsJSON, status string
	var createdAt string
	var reason, reviewedAt sql.NullString
	var autoApproved int
	err := sc.Scan(&p.ID, &p.AgentID, &p.AgentName, &p.Title, &p.Description, &stepsJSON, &p.Kind, &status, &autoApproved, &reason, &createdAt, &reviewedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Status = domain.ProposalStatus(status)
	p.AutoApproved = autoApproved != 0
	if err := json.Unmarshal([]byte(stepsJSON), &p.ProposedSteps); err != nil {
		return p, fmt.Errorf("decode proposed steps for %s: %w", p.ID, err)
	}
	if p.ProposedSteps == nil {
		p.ProposedSteps = []string{}
	}
	p.Reason = nullStringPtr(reason)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, err
	}
	if p.ReviewedAt, err = nullTimePtr(reviewedAt); err != nil {
		return p, err
	}
	return p, nil
}

func (r Repo) InsertProposal(ctx context.Context, p domain.Proposal) error {
	stepsJSON, err := marshalStrings(p.ProposedSteps)
	if err != nil {
		return err
	}
	_, err = r.q().ExecContext(ctx, `INSERT INTO proposals(`+proposalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.AgentID, p.AgentName, p.Title, p.Description, stepsJSON, p.Kind, string(p.Status), boolInt(p.AutoApproved),
		nullableStringPtr(p.Reason), formatTime(p.CreatedAt), formatTimePtr(p.ReviewedAt))
	return err
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	return scanProposal(r.q().QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id))
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	query := fmt.Sprintf(`SELECT %s FROM proposals WHERE %s ORDER BY created_at DESC, rowid DESC`, proposalColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProposal(ctx context.Context, p domain.Proposal) error {
	stepsJSON, err := marshalStrings(p.ProposedSteps)
	if err != nil {
		return err
	}
	res, err := r.q().ExecContext(ctx, `UPDATE proposals SET agent_id=?,agent_name=?,title=?,description=?,proposed_steps_json=?,kind=?,status=?,auto_approved=?,reason=?,reviewed_at=? WHERE id=?`,
		p.AgentID, p.AgentName, p.Title, p.Description, stepsJSON, p.Kind, string(p.Status), boolInt(p.AutoApproved),
		nullableStringPtr(p.Reason), formatTimePtr(p.ReviewedAt), p.ID)
	return affectedOrNotFound(res, err)
}

func (r Repo) DeleteProposal(ctx context.Context, id string) error {
	res, err := r.q().ExecContext(ctx, `DELETE FROM proposals WHERE id=?`, id)
	return affectedOrNotFound(res, err)
}

// --- missions ---

const missionColumns = `id,proposal_id,title,description,status,created_by,created_at,completed_at,outcome`

func scanMission(sc rowScanner) (domain.Mission, error) {
	var m domain.Mission
	var status, createdAt string
	var proposalID, completedAt, outcome sql.NullString
	err := sc.Scan(&m.ID, &proposalID, &m.Title, &m.Description, &status, &m.CreatedBy, &createdAt, &completedAt, &outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Status = domain.MissionStatus(status)
	m.ProposalID = nullStringPtr(proposalID)
	m.Outcome = nullStringPtr(outcome)
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return m, err
	}
	if m.CompletedAt, err = nullTimePtr(completedAt); err != nil {
		return m, err
	}
	return m, nil
}

func (r Repo) InsertMission(ctx context.Context, m domain.Mission) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO missions(`+missionColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, nullableStringPtr(m.ProposalID), m.Title, m.Description, string(m.Status), m.CreatedBy,
		formatTime(m.CreatedAt), formatTimePtr(m.CompletedAt), nullableStringPtr(m.Outcome))
	return err
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return scanMission(r.q().QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
}

func (r Repo) ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error) {
	clauses := []string{"1=1"}
	var args []any
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	if f.ProposalID != "" {
		clauses = append(clauses, "proposal_id=?")
		args = append(args, f.ProposalID)
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	query := fmt.Sprintf(`SELECT %s FROM missions WHERE %s ORDER BY created_at DESC, rowid DESC`, missionColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) UpdateMission(ctx context.Context, m domain.Mission) error {
	res, err := r.q().ExecContext(ctx, `UPDATE missions SET proposal_id=?,title=?,description=?,status=?,created_by=?,completed_at=?,outcome=? WHERE id=?`,
		nullableStringPtr(m.ProposalID), m.Title, m.Description, string(m.Status), m.CreatedBy,
		formatTimePtr(m.CompletedAt), nullableStringPtr(m.Outcome), m.ID)
	return affectedOrNotFound(res, err)
}

func (r Repo) DeleteMission(ctx context.Context, id string) error {
	res, err := r.q().ExecContext(ctx, `DELETE FROM missions WHERE id=?`, id)
	return affectedOrNotFound(res, err)
}

// --- steps ---

const stepColumns = `id,mission_id,position,kind,description,status,result,created_at,started_at,completed_at`

func scanStep(sc rowScanner) (domain.Step, error) {
	var s domain.Step
	var status, createdAt string
	var result, startedAt, completedAt sql.NullString
	err := sc.Scan(&s.ID, &s.MissionID, &s.Position, &s.Kind, &s.Description, &status, &result, &createdAt, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Status = domain.StepStatus(status)
	s.Result = nullStringPtr(result)
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return s, err
	}
	if s.StartedAt, err = nullTimePtr(startedAt); err != nil {
		return s, err
	}
	if s.CompletedAt, err = nullTimePtr(completedAt); err != nil {
		return s, err
	}
	return s, nil
}

func (r Repo) InsertStep(ctx context.Context, s domain.Step) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO steps(`+stepColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.MissionID, s.Position, s.Kind, s.Description, string(s.Status), nullableStringPtr(s.Result),
		formatTime(s.CreatedAt), formatTimePtr(s.StartedAt), formatTimePtr(s.CompletedAt))
	return err
}

func (r Repo) GetStep(ctx context.Context, id string) (domain.Step, error) {
	return scanStep(r.q().QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id=?`, id))
}

func (r Repo) ListSteps(ctx context.Context, f StepFilters) ([]domain.Step, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.MissionID != "" {
		clauses = append(clauses, "mission_id=?")
		args = append(args, f.MissionID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	query := fmt.Sprintf(`SELECT %s FROM steps WHERE %s ORDER BY created_at ASC, position ASC, rowid ASC`, stepColumns, strings.Join(clauses, " AND "))
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateStep(ctx context.Context, s domain.Step) error {
	res, err := r.q().ExecContext(ctx, `UPDATE steps SET kind=?,description=?,status=?,result=?,started_at=?,completed_at=? WHERE id=?`,
		s.Kind, s.Description, string(s.Status), nullableStringPtr(s.Result), formatTimePtr(s.StartedAt), formatTimePtr(s.CompletedAt), s.ID)
	return affectedOrNotFound(res, err)
}

func (r Repo) DeleteStep(ctx context.Context, id string) error {
	res, err := r.q().ExecContext(ctx, `DELETE FROM steps WHERE id=?`, id)
	return affectedOrNotFound(res, err)
}

// --- events ---

const eventColumns = `id,agent_id,agent_name,kind,title,summary,tags_json,created_at`

func scanEvent(sc rowScanner) (domain.Event, error) {
	var e domain.Event
	var kind, tagsJSON, createdAt string
	if err := sc.Scan(&e.ID, &e.AgentID, &e.AgentName, &kind, &e.Title, &e.Summary, &tagsJSON, &createdAt); err != nil {
		return e, err
	}
	e.Kind = domain.EventKind(kind)
	if err := json.Unmarshal([]byte(tagsJSON), &e.Tags); err != nil {
		return e, fmt.Errorf("decode tags for event %d: %w", e.ID, err)
	}
	if e.Tags == nil {
		e.Tags = []string{}
	}
	var err error
	e.CreatedAt, err = parseTime(createdAt)
	return e, err
}

func (r Repo) AppendEvent(ctx context.Context, e domain.Event) (domain.Event, error) {
	e.Tags = dedupeTags(e.Tags)
	tagsJSON, err := marshalStrings(e.Tags)
	if err != nil {
		return domain.Event{}, err
	}
	err = r.inTx(ctx, func(tx Repo) error {
		res, err := tx.q().ExecContext(ctx, `INSERT INTO events(agent_id,agent_name,kind,title,summary,tags_json,created_at) VALUES (?,?,?,?,?,?,?)`,
			e.AgentID, e.AgentName, string(e.Kind), e.Title, e.Summary, tagsJSON, formatTime(e.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		e.ID = id
		for _, tag := range e.Tags {
			if _, err := tx.q().ExecContext(ctx, `INSERT OR IGNORE INTO event_tags(event_id,tag) VALUES (?,?)`, id, tag); err != nil {
				return fmt.Errorf("insert event tag: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.Event{}, err
	}
	return e, nil
}

func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.AgentID != "" {
		clauses = append(clauses, "(agent_id=? OR EXISTS (SELECT 1 FROM event_tags t WHERE t.event_id=events.id AND t.tag=?))")
		args = append(args, f.AgentID, f.AgentID)
	}
	if f.Tag != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM event_tags t WHERE t.event_id=events.id AND t.tag=?)")
		args = append(args, f.Tag)
	}
	if len(f.Kinds) > 0 {
		marks := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		clauses = append(clauses, "kind IN ("+strings.Join(marks, ",")+")")
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at>=?")
		args = append(args, formatTime(f.Since))
	}
	if f.BeforeID > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.BeforeID)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY created_at DESC, id DESC`, eventColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.q().QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- affinity ---

const affinityColumns = `agent_a,agent_b,score,interactions,updated_at`

func scanAffinity(sc rowScanner) (domain.Affinity, error) {
	var a domain.Affinity
	var updatedAt string
	err := sc.Scan(&a.AgentA, &a.AgentB, &a.Score, &a.Interactions, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.UpdatedAt, err = parseTime(updatedAt)
	return a, err
}

func (r Repo) GetAffinity(ctx context.Context, a, b string) (domain.Affinity, error) {
	x, y := domain.AffinityPair(a, b)
	return scanAffinity(r.q().QueryRowContext(ctx, `SELECT `+affinityColumns+` FROM affinities WHERE agent_a=? AND agent_b=?`, x, y))
}

func (r Repo) ListAffinities(ctx context.Context, agentID string) ([]domain.Affinity, error) {
	query := `SELECT ` + affinityColumns + ` FROM affinities`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_a=? OR agent_b=?`
		args = append(args, agentID, agentID)
	}
	query += ` ORDER BY score DESC, agent_a, agent_b`
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Affinity
	for rows.Next() {
		a, err := scanAffinity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateAffinity(ctx context.Context, a, b string, fn func(aff *domain.Affinity, exists bool) error) (domain.Affinity, error) {
	x, y := domain.AffinityPair(a, b)
	var out domain.Affinity
	err := r.inTx(ctx, func(tx Repo) error {
		cur, err := tx.GetAffinity(ctx, x, y)
		exists := true
		if errors.Is(err, ErrNotFound) {
			exists = false
			cur = domain.Affinity{AgentA: x, AgentB: y}
		} else if err != nil {
			return err
		}
		if err := fn(&cur, exists); err != nil {
			return err
		}
		cur.AgentA, cur.AgentB = x, y
		if _, err := tx.q().ExecContext(ctx, `INSERT INTO affinities(`+affinityColumns+`) VALUES (?,?,?,?,?)
ON CONFLICT(agent_a,agent_b) DO UPDATE SET score=excluded.score, interactions=excluded.interactions, updated_at=excluded.updated_at`,
			cur.AgentA, cur.AgentB, cur.Score, cur.Interactions, formatTime(cur.UpdatedAt)); err != nil {
			return fmt.Errorf("upsert affinity: %w", err)
		}
		out = cur
		return nil
	})
	return out, err
}

// --- limits ---

func (r Repo) GetLimit(ctx context.Context, agentID string) (domain.Limit, error) {
	var l domain.Limit
	var lastReset string
	err := r.q().QueryRowContext(ctx, `SELECT agent_id,daily_proposal_limit,proposals_today,last_reset FROM limits WHERE agent_id=?`, agentID).
		Scan(&l.AgentID, &l.DailyProposalLimit, &l.ProposalsToday, &lastReset)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.LastReset, err = parseTime(lastReset)
	return l, err
}

func (r Repo) UpdateLimit(ctx context.Context, agentID string, fn func(l *domain.Limit, exists bool) error) (domain.Limit, error) {
	var out domain.Limit
	err := r.inTx(ctx, func(tx Repo) error {
		cur, err := tx.GetLimit(ctx, agentID)
		exists := true
		if errors.Is(err, ErrNotFound) {
			exists = false
			cur = domain.Limit{AgentID: agentID}
		} else if err != nil {
			return err
		}
		if err := fn(&cur, exists); err != nil {
			return err
		}
		cur.AgentID = agentID
		if _, err := tx.q().ExecContext(ctx, `INSERT INTO limits(agent_id,daily_proposal_limit,proposals_today,last_reset) VALUES (?,?,?,?)
ON CONFLICT(agent_id) DO UPDATE SET daily_proposal_limit=excluded.daily_proposal_limit, proposals_today=excluded.proposals_today, last_reset=excluded.last_reset`,
			cur.AgentID, cur.DailyProposalLimit, cur.ProposalsToday, formatTime(cur.LastReset)); err != nil {
			return fmt.Errorf("upsert limit: %w", err)
		}
		out = cur
		return nil
	})
	return out, err
}

// --- agents ---

func scanAgent(sc rowScanner) (domain.Agent, error) {
	var a domain.Agent
	var emoji, role sql.NullString
	var createdAt string
	err := sc.Scan(&a.ID, &a.Name, &emoji, &role, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Emoji = emoji.String
	a.Role = role.String
	a.CreatedAt, err = parseTime(createdAt)
	return a, err
}

// EnsureAgent inserts the agent unless a record with the same id exists.
func (r Repo) EnsureAgent(ctx context.Context, a domain.Agent) (bool, error) {
	res, err := r.q().ExecContext(ctx, `INSERT OR IGNORE INTO agents(id,name,emoji,role,created_at) VALUES (?,?,?,?,?)`,
		a.ID, a.Name, nullable(a.Emoji), nullable(a.Role), formatTime(a.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return scanAgent(r.q().QueryRowContext(ctx, `SELECT id,name,emoji,role,created_at FROM agents WHERE id=?`, id))
}

func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT id,name,emoji,role,created_at FROM agents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- helpers ---

func affectedOrNotFound(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTimePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func marshalStrings(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
