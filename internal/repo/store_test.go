package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"closedloop/internal/db"
	"closedloop/internal/domain"
	"closedloop/internal/migrate"
	"closedloop/internal/repo"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func stores(t *testing.T) map[string]repo.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return map[string]repo.Store{
		"sqlite": repo.Repo{DB: conn},
		"memory": repo.NewMemory(),
	}
}

func eachStore(t *testing.T, fn func(t *testing.T, s repo.Store)) {
	for name, s := range stores(t) {
		s := s
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

func strPtr(s string) *string { return &s }

func TestProposalCRUD(t *testing.T) {
	eachStore(t, func(t *testing.T, s repo.Store) {
		ctx := context.Background()
		p := domain.Proposal{
			ID: "p1", AgentID: "loki", AgentName: "Loki", Title: "Scan", Description: "scan feeds",
			ProposedSteps: []string{"a", "b"}, Kind: "research", Status: domain.ProposalPending, CreatedAt: t0,
		}
		require.NoError(t, s.InsertProposal(ctx, p))

		got, err := s.GetProposal(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, got.ProposedSteps)
		assert.True(t, got.CreatedAt.Equal(t0))
		assert.Nil(t, got.ReviewedAt)

		reviewed := t0.Add(time.Minute)
		got.Status = domain.ProposalAccepted
		got.Reason = strPtr("ok")
		got.ReviewedAt = &reviewed
		require.NoError(t, s.UpdateProposal(ctx, got))

		again, err := s.GetProposal(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, domain.ProposalAccepted, again.Status)
		require.NotNil(t, again.ReviewedAt)
		assert.True(t, again.ReviewedAt.Equal(reviewed))

		pending, err := s.ListProposals(ctx, repo.ProposalFilters{Status: domain.ProposalPending})
		require.NoError(t, err)
		assert.Empty(t, pending)

		_, err = s.GetProposal(ctx, "missing")
		assert.True(t, errors.Is(err, repo.ErrNotFound))
		assert.ErrorIs(t, s.UpdateProposal(ctx, domain.Proposal{ID: "missing", Status: domain.ProposalPending}), repo.ErrNotFound)

		require.NoError(t, s.DeleteProposal(ctx, "p1"))
		assert.ErrorIs(t, s.DeleteProposal(ctx, "p1"), repo.ErrNotFound)
	})
}

func TestStepsKeepInsertionOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, s repo.Store) {
		ctx := context.Background()
		require.NoError(t, s.InsertMission(ctx, domain.Mission{ID: "m1", Title: "M", Status: domain.MissionApproved, CreatedBy: "Loki", CreatedAt: t0}))
		for i, d := range []string{"zeta", "alpha", "mid"} {
			require.NoError(t, s.InsertStep(ctx, domain.Step{
				ID: "s-" + d, MissionID: "m1", Position: i, Kind: "other", Description: d,
				Status: domain.StepQueued, CreatedAt: t0,
			}))
		}
		steps, err := s.ListSteps(ctx, repo.StepFilters{MissionID: "m1"})
		require.NoError(t, err)
		require.Len(t, steps, 3)
		assert.Equal(t, "zeta", steps[0].Description)
		assert.Equal(t, "alpha", steps[1].Description)
		assert.Equal(t, "mid", steps[2].Description)

		require.NoError(t, s.DeleteMission(ctx, "m1"))
		steps, err = s.ListSteps(ctx, repo.StepFilters{MissionID: "m1"})
		require.NoError(t, err)
		assert.Empty(t, steps)
	})
}

func TestMissionStatusFilter(t *testing.T) {
	eachStore(t, func(t *testing.T, s repo.Store) {
		ctx := context.Background()
		for i, st := range []domain.MissionStatus{domain.MissionApproved, domain.MissionRunning, domain.MissionSucceeded} {
			require.NoError(t, s.InsertMission(ctx, domain.Mission{
				ID: string(st), Title: "m", Status: st, CreatedBy: "x", CreatedAt: t0.Add(time.Duration(i) * time.Second),
			}))
		}
		active, err := s.ListMissions(ctx, repo.MissionFilters{Statuses: []domain.MissionStatus{domain.MissionApproved, domain.MissionRunning}})
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, "running", active[0].ID)
		assert.Equal(t, "approved", active[1].ID)
	})
}

func TestEventQueries(t *testing.T) {
	eachStore(t, func(t *testing.T, s repo.Store) {
		ctx := context.Background()
		mk := func(agent string, kind domain.EventKind, at time.Time, tags ...string) domain.Event {
			e, err := s.AppendEvent(ctx, domain.Event{AgentID: agent, AgentName: agent, Kind: kind, Title: string(kind), Tags: tags, CreatedAt: at})
			require.NoError(t, err)
			return e
		}
		e1 := mk("loki", domain.EventMilestone, t0, "milestone")
		e2 := mk("system", domain.EventStepCompleted, t0.Add(time.Hour), "step", "loki")
		mk("wanda", domain.EventDecision, t0.Add(2*time.Hour), "rejected", "wanda", "wanda")
		assert.Greater(t, e2.ID, e1.ID)

		recent, err := s.ListEvents(ctx, repo.EventFilters{Limit: 2})
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "wanda", recent[0].AgentID)
		assert.Equal(t, []string{"rejected", "wanda"}, recent[0].Tags)

		byAgent, err := s.ListEvents(ctx, repo.EventFilters{AgentID: "loki"})
		require.NoError(t, err)
		require.Len(t, byAgent, 2)
		assert.Equal(t, e2.ID, byAgent[0].ID)

		byTag, err := s.ListEvents(ctx, repo.EventFilters{Tag: "step"})
		require.NoError(t, err)
		require.Len(t, byTag, 1)

		since, err := s.ListEvents(ctx, repo.EventFilters{AgentID: "loki", Since: t0.Add(30 * time.Minute)})
		require.NoError(t, err)
		require.Len(t, since, 1)
		assert.Equal(t, domain.EventStepCompleted, since[0].Kind)

		kinds, err := s.ListEvents(ctx, repo.EventFilters{Kinds: []domain.EventKind{domain.EventMilestone, domain.EventDecision}})
		require.NoError(t, err)
		assert.Len(t, kinds, 2)

		after, err := s.EventsAfter(ctx, e1.ID, 10)
		require.NoError(t, err)
		require.Len(t, after, 2)
		assert.Equal(t, e2.ID, after[0].ID)

		latest, err := s.LatestEventID(ctx)
		require.NoError(t, err)
		assert.Equal(t, after[1].ID, latest)
	})
}

func TestUpdateLimitCreatesAndPersists(t *testing.T) {
	eachStore(t, func(t *testing.T, s repo.Store) {
		ctx := context.Background()
		_, err := s.GetLimit(ctx, "loki")
		require.ErrorIs(t, err, repo.ErrNotFound)

		l, err := s.UpdateLimit(ctx, "loki", func(l *domain.Limit, exists bool) error {
			assert.False(t, exists)
			l.DailyProposalLimit = 3
			l.ProposalsToday = 1
			l.LastReset = t0
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "loki", l.AgentID)

		_, err = s.UpdateLimit(ctx, "loki", func(l *domain.Limit, exists bool) error {
			assert.True(t, exists)
			l.ProposalsToday++
			return nil
		})
		require.NoError(t, err)

		got, err := s.GetLimit(ctx, "loki")
		require.NoError(t, err)
		assert.Equal(t, 2, got.ProposalsToday)
		assert.Equal(t, 3, got.DailyProposalLimit)
		assert.True(t, got.LastReset.Equal(t0))

		boom := errors.New("boom")
		_, err = s.UpdateLimit(ctx, "loki", func(l *domain.Limit, exists bool) error {
			l.ProposalsToday = 99
			return boom
		})
		require.ErrorIs(t, err, boom)
		got, err = s.GetLimit(ctx, "loki")
		require.NoError(t, err)
		assert.Equal(t, 2, got.ProposalsToday)
	})
}

func TestAffinityPairIsCanonical(t *testing.T) {
	eachStore(t, func(t *testing.T, s repo.Store) {
		ctx := context.Background()
		_, err := s.UpdateAffinity(ctx, "wanda", "loki", func(a *domain.Affinity, exists bool) error {
			a.Score += 5
			a.Interactions++
			a.UpdatedAt = t0
			return nil
		})
		require.NoError(t, err)
		got, err := s.GetAffinity(ctx, "loki", "wanda")
		require.NoError(t, err)
		assert.Equal(t, "loki", got.AgentA)
		assert.Equal(t, "wanda", got.AgentB)
		assert.Equal(t, 5, got.Score)

		list, err := s.ListAffinities(ctx, "wanda")
		require.NoError(t, err)
		assert.Len(t, list, 1)

		// ids may contain the separator a joined key would use
		_, err = s.UpdateAffinity(ctx, "a", "b:c", func(a *domain.Affinity, exists bool) error {
			a.Score += 5
			a.UpdatedAt = t0
			return nil
		})
		require.NoError(t, err)
		_, err = s.GetAffinity(ctx, "a:b", "c")
		require.ErrorIs(t, err, repo.ErrNotFound)
		got, err = s.GetAffinity(ctx, "b:c", "a")
		require.NoError(t, err)
		assert.Equal(t, 5, got.Score)
	})
}

func TestInTxRollsBack(t *testing.T) {
	eachStore(t, func(t *testing.T, s repo.Store) {
		ctx := context.Background()
		boom := errors.New("boom")
		err := s.InTx(ctx, func(tx repo.Store) error {
			if err := tx.InsertMission(ctx, domain.Mission{ID: "m1", Title: "M", Status: domain.MissionApproved, CreatedBy: "x", CreatedAt: t0}); err != nil {
				return err
			}
			return tx.InTx(ctx, func(inner repo.Store) error {
				if _, err := inner.AppendEvent(ctx, domain.Event{AgentID: "x", AgentName: "x", Kind: domain.EventDecision, CreatedAt: t0}); err != nil {
					return err
				}
				return boom
			})
		})
		require.ErrorIs(t, err, boom)
		_, err = s.GetMission(ctx, "m1")
		assert.ErrorIs(t, err, repo.ErrNotFound)
		latest, err := s.LatestEventID(ctx)
		require.NoError(t, err)
		assert.Zero(t, latest)
	})
}

func TestWriteDuringFailedTxSurvivesRollback(t *testing.T) {
	eachStore(t, func(t *testing.T, s repo.Store) {
		ctx := context.Background()
		boom := errors.New("boom")
		done := make(chan error, 1)
		err := s.InTx(ctx, func(tx repo.Store) error {
			if err := tx.InsertMission(ctx, domain.Mission{ID: "m1", Title: "M", Status: domain.MissionApproved, CreatedBy: "x", CreatedAt: t0}); err != nil {
				return err
			}
			go func() {
				_, err := s.UpdateLimit(ctx, "loki", func(l *domain.Limit, exists bool) error {
					l.DailyProposalLimit = 7
					return nil
				})
				done <- err
			}()
			select {
			case <-done:
				t.Error("write outside the unit of work ran while it was open")
			case <-time.After(50 * time.Millisecond):
			}
			return boom
		})
		require.ErrorIs(t, err, boom)
		require.NoError(t, <-done)

		l, err := s.GetLimit(ctx, "loki")
		require.NoError(t, err)
		assert.Equal(t, 7, l.DailyProposalLimit)
		_, err = s.GetMission(ctx, "m1")
		assert.ErrorIs(t, err, repo.ErrNotFound)
	})
}

func TestEnsureAgentIsIdempotent(t *testing.T) {
	eachStore(t, func(t *testing.T, s repo.Store) {
		ctx := context.Background()
		created, err := s.EnsureAgent(ctx, domain.Agent{ID: "loki", Name: "Loki", Emoji: "🦇", CreatedAt: t0})
		require.NoError(t, err)
		assert.True(t, created)
		created, err = s.EnsureAgent(ctx, domain.Agent{ID: "loki", Name: "Renamed", CreatedAt: t0})
		require.NoError(t, err)
		assert.False(t, created)
		a, err := s.GetAgent(ctx, "loki")
		require.NoError(t, err)
		assert.Equal(t, "Loki", a.Name)
	})
}
