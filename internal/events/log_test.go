package events

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"closedloop/internal/domain"
	"closedloop/internal/repo"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) add(d time.Duration) { c.t = c.t.Add(d) }

func newLog() (Log, *clock) {
	c := &clock{t: time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)}
	return Log{Store: repo.NewMemory(), Now: c.now}, c
}

func TestAppendStampsAndValidates(t *testing.T) {
	ctx := context.Background()
	log, c := newLog()

	e, err := log.Append(ctx, domain.Event{ID: 99, AgentID: "loki", Kind: domain.EventDecision, Title: "Rejected: x"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.ID)
	assert.True(t, e.CreatedAt.Equal(c.t))
	assert.NotNil(t, e.Tags)

	_, err = log.Append(ctx, domain.Event{Kind: "gossip", Title: "x"})
	require.Error(t, err)
	_, err = log.Append(ctx, domain.Event{Kind: domain.EventLearning, Title: "  "})
	require.Error(t, err)
}

func TestRecentIsNewestFirstAndCapped(t *testing.T) {
	ctx := context.Background()
	log, c := newLog()
	for i := 0; i < 25; i++ {
		_, err := log.Append(ctx, domain.Event{AgentID: "loki", Kind: domain.EventDecision, Title: "e"})
		require.NoError(t, err)
		c.add(time.Second)
	}

	got, err := log.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, got, DefaultRecentLimit)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].CreatedAt.After(got[i].CreatedAt))
	}

	got, err = log.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(25), got[0].ID)
}

func TestByAgentAndByTag(t *testing.T) {
	ctx := context.Background()
	log, _ := newLog()
	_, err := log.Append(ctx, domain.Event{AgentID: "loki", Kind: domain.EventDecision, Title: "own", Tags: []string{"rejected"}})
	require.NoError(t, err)
	_, err = log.Append(ctx, domain.Event{AgentID: "system", Kind: domain.EventStepCompleted, Title: "tagged", Tags: []string{"step", "loki"}})
	require.NoError(t, err)
	_, err = log.Append(ctx, domain.Event{AgentID: "wanda", Kind: domain.EventDecision, Title: "other", Tags: []string{"rejected"}})
	require.NoError(t, err)

	byAgent, err := log.ByAgent(ctx, "loki", 0)
	require.NoError(t, err)
	assert.Len(t, byAgent, 2)

	byTag, err := log.ByTag(ctx, "rejected", 0)
	require.NoError(t, err)
	require.Len(t, byTag, 2)
	assert.Equal(t, "other", byTag[0].Title)
}

func TestLearningsSinceWindow(t *testing.T) {
	ctx := context.Background()
	log, c := newLog()
	_, err := log.Append(ctx, domain.Event{AgentID: "loki", Kind: domain.EventMilestone, Title: "old"})
	require.NoError(t, err)
	c.add(8 * 24 * time.Hour)
	_, err = log.Append(ctx, domain.Event{AgentID: "system", Kind: domain.EventStepCompleted, Title: "Step completed: find X", Tags: []string{"step", "completed", "loki"}})
	require.NoError(t, err)
	_, err = log.Append(ctx, domain.Event{AgentID: "loki", Kind: domain.EventDecision, Title: "Rejected: y"})
	require.NoError(t, err)

	evts, err := log.LearningsSince(ctx, "loki", 7)
	require.NoError(t, err)
	assert.Len(t, evts, 2)

	learnings := Learnings(evts)
	require.Len(t, learnings, 1)
	assert.Equal(t, "Step completed: find X", learnings[0].What)
	assert.Equal(t, []string{"step", "completed", "loki"}, learnings[0].Tags)

	evts, err = log.LearningsSince(ctx, "loki", 30)
	require.NoError(t, err)
	assert.Len(t, Learnings(evts), 2)
}

func TestAfterCursor(t *testing.T) {
	ctx := context.Background()
	log, _ := newLog()
	for i := 0; i < 4; i++ {
		_, err := log.Append(ctx, domain.Event{AgentID: "loki", Kind: domain.EventLearning, Title: "l"})
		require.NoError(t, err)
	}
	got, err := log.After(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].ID)

	latest, err := log.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), latest)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 200))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "", Truncate("abc", 0))
	assert.Equal(t, "日本", Truncate("日本語", 2))
	long := strings.Repeat("x", 250)
	assert.Len(t, Truncate(long, SummaryMaxRunes), SummaryMaxRunes)
}
