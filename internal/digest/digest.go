// Package digest condenses each agent's recent learnings into a periodic
// learning event.
package digest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"closedloop/internal/domain"
	"closedloop/internal/events"
	"closedloop/internal/metrics"
	"closedloop/internal/repo"
)

const maxSummaryItems = 5

// AgentLister yields the agents to digest.
type AgentLister interface {
	List(ctx context.Context) ([]domain.Agent, error)
}

type Digest struct {
	Store      repo.Store
	Agents     AgentLister
	WindowDays int
	Metrics    *metrics.Metrics
	Log        zerolog.Logger
	Now        func() time.Time
}

func (d Digest) log() events.Log {
	return events.Log{Store: d.Store, Now: d.Now}
}

// RunOnce appends one digest event per agent that has learnings inside the
// window and returns how many were written.
func (d Digest) RunOnce(ctx context.Context) (int, error) {
	agents, err := d.Agents.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list agents: %w", err)
	}
	window := d.WindowDays
	if window <= 0 {
		window = 1
	}
	written := 0
	for _, a := range agents {
		evts, err := d.agentEvents(ctx, a, window)
		if err != nil {
			return written, fmt.Errorf("learnings for %s: %w", a.ID, err)
		}
		learnings := events.Learnings(evts)
		if len(learnings) == 0 {
			continue
		}
		ev, err := d.log().Append(ctx, domain.Event{
			AgentID:   a.ID,
			AgentName: a.Name,
			Kind:      domain.EventLearning,
			Title:     fmt.Sprintf("Daily digest: %d learnings", len(learnings)),
			Summary:   events.Truncate(summarize(learnings), events.SummaryMaxRunes),
			Tags:      []string{"learning", "digest", a.ID},
		})
		if err != nil {
			return written, err
		}
		d.Metrics.RecordEvent(string(ev.Kind))
		written++
	}
	d.Log.Info().Int("agents", len(agents)).Int("digests", written).Msg("digest run finished")
	return written, nil
}

// agentEvents gathers events filed under the agent's id or its display name,
// newest first. Missions born from proposals are created by the name, so their
// milestones only match on it.
func (d Digest) agentEvents(ctx context.Context, a domain.Agent, days int) ([]domain.Event, error) {
	keys := []string{a.ID}
	if a.Name != "" && a.Name != a.ID {
		keys = append(keys, a.Name)
	}
	seen := make(map[int64]bool)
	var out []domain.Event
	for _, k := range keys {
		evts, err := d.log().LearningsSince(ctx, k, days)
		if err != nil {
			return nil, err
		}
		for _, e := range evts {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func summarize(learnings []domain.Learning) string {
	items := make([]string, 0, maxSummaryItems)
	for i, l := range learnings {
		if i == maxSummaryItems {
			items = append(items, fmt.Sprintf("and %d more", len(learnings)-maxSummaryItems))
			break
		}
		items = append(items, l.What)
	}
	return strings.Join(items, "; ")
}

// Scheduler runs a Digest on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	digest   Digest
	log      zerolog.Logger
	stopOnce sync.Once
}

// NewScheduler parses spec (standard five-field cron) in loc.
func NewScheduler(d Digest, spec string, loc *time.Location) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		digest: d,
		log:    d.Log,
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("digest schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) run() {
	if _, err := s.digest.RunOnce(context.Background()); err != nil {
		s.log.Error().Err(err).Msg("digest run failed")
	}
}

// Start begins scheduling and stops when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.log.Info().Msg("digest scheduler started")
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop waits for a running digest to finish. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
	})
}

// Next reports the next scheduled run.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
