// Package events is the append-only activity log that backs agent learnings.
package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"closedloop/internal/domain"
	"closedloop/internal/repo"
)

const (
	DefaultRecentLimit  = 20
	DefaultLearningDays = 7
	SummaryMaxRunes     = 200
)

// EventStore is the part of repo.Store the log reads and writes.
type EventStore interface {
	AppendEvent(ctx context.Context, e domain.Event) (domain.Event, error)
	ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error)
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

type Log struct {
	Store EventStore
	Now   func() time.Time
}

func (l Log) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// Append stamps created_at and persists e. Any id or timestamp on e is ignored.
func (l Log) Append(ctx context.Context, e domain.Event) (domain.Event, error) {
	if !e.Kind.Valid() {
		return domain.Event{}, fmt.Errorf("invalid event kind %q", e.Kind)
	}
	if strings.TrimSpace(e.Title) == "" {
		return domain.Event{}, fmt.Errorf("event title is required")
	}
	e.ID = 0
	e.CreatedAt = l.now()
	if e.Tags == nil {
		e.Tags = []string{}
	}
	return l.Store.AppendEvent(ctx, e)
}

// Recent returns at most limit events, newest first.
func (l Log) Recent(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return l.Store.ListEvents(ctx, repo.EventFilters{Limit: limit})
}

// ByAgent returns events written by or tagged with agentID, newest first.
// A limit of zero returns everything.
func (l Log) ByAgent(ctx context.Context, agentID string, limit int) ([]domain.Event, error) {
	return l.Store.ListEvents(ctx, repo.EventFilters{AgentID: agentID, Limit: limit})
}

func (l Log) ByTag(ctx context.Context, tag string, limit int) ([]domain.Event, error) {
	return l.Store.ListEvents(ctx, repo.EventFilters{Tag: tag, Limit: limit})
}

// Since returns the window start for a days-long lookback ending now.
func (l Log) Since(days int) time.Time {
	if days <= 0 {
		days = DefaultLearningDays
	}
	return l.now().Add(-time.Duration(days) * 24 * time.Hour)
}

// LearningsSince returns every event for agentID created within the last days.
func (l Log) LearningsSince(ctx context.Context, agentID string, days int) ([]domain.Event, error) {
	return l.Store.ListEvents(ctx, repo.EventFilters{AgentID: agentID, Since: l.Since(days)})
}

// Learnings projects step and milestone events into agent memory entries.
func Learnings(evts []domain.Event) []domain.Learning {
	out := make([]domain.Learning, 0, len(evts))
	for _, e := range evts {
		if e.Kind != domain.EventStepCompleted && e.Kind != domain.EventMilestone {
			continue
		}
		tags := make([]string, len(e.Tags))
		copy(tags, e.Tags)
		out = append(out, domain.Learning{What: e.Title, When: e.CreatedAt, Tags: tags})
	}
	return out
}

// After returns events with ids above cursor, oldest first.
func (l Log) After(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	return l.Store.EventsAfter(ctx, cursor, limit)
}

func (l Log) Latest(ctx context.Context) (int64, error) {
	return l.Store.LatestEventID(ctx)
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n < 0 {
		n = 0
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
