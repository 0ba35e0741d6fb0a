// Package quota enforces the per-agent daily proposal cap.
package quota

import (
	"context"
	"errors"
	"time"

	"closedloop/internal/domain"
	"closedloop/internal/repo"
)

const DefaultDailyLimit = 10

// LimitStore is the slice of repo.Store the tracker needs.
type LimitStore interface {
	GetLimit(ctx context.Context, agentID string) (domain.Limit, error)
	UpdateLimit(ctx context.Context, agentID string, fn func(l *domain.Limit, exists bool) error) (domain.Limit, error)
}

type Tracker struct {
	Store        LimitStore
	DefaultLimit int
	// Location defines the calendar day used for resets. Nil means UTC.
	Location *time.Location
	Now      func() time.Time
}

type Result struct {
	Allowed   bool `json:"allowed"`
	Remaining int  `json:"remaining"`
}

func (t Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t Tracker) defaultLimit() int {
	if t.DefaultLimit > 0 {
		return t.DefaultLimit
	}
	return DefaultDailyLimit
}

func (t Tracker) loc() *time.Location {
	if t.Location != nil {
		return t.Location
	}
	return time.UTC
}

// SameDay reports whether a and b fall on the same calendar day in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// roll initializes a missing record and resets the counter on a new day.
func (t Tracker) roll(l *domain.Limit, exists bool, now time.Time) {
	if !exists {
		l.DailyProposalLimit = t.defaultLimit()
		l.ProposalsToday = 0
		l.LastReset = now
		return
	}
	if !SameDay(l.LastReset, now, t.loc()) {
		l.ProposalsToday = 0
		l.LastReset = now
	}
}

// CheckAndIncrement counts one submission for agentID if the daily cap allows
// it. The record is persisted on every call, including rejections.
func (t Tracker) CheckAndIncrement(ctx context.Context, agentID string) (Result, error) {
	now := t.now().UTC()
	var res Result
	_, err := t.Store.UpdateLimit(ctx, agentID, func(l *domain.Limit, exists bool) error {
		t.roll(l, exists, now)
		if l.ProposalsToday >= l.DailyProposalLimit {
			res = Result{Allowed: false, Remaining: 0}
			return nil
		}
		l.ProposalsToday++
		res = Result{Allowed: true, Remaining: l.DailyProposalLimit - l.ProposalsToday}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Peek returns the limit as the next check would see it, without persisting.
func (t Tracker) Peek(ctx context.Context, agentID string) (domain.Limit, error) {
	now := t.now().UTC()
	l, err := t.Store.GetLimit(ctx, agentID)
	exists := true
	if errors.Is(err, repo.ErrNotFound) {
		exists = false
		l = domain.Limit{AgentID: agentID}
	} else if err != nil {
		return domain.Limit{}, err
	}
	t.roll(&l, exists, now)
	return l, nil
}

// SetDailyLimit changes the cap for one agent.
func (t Tracker) SetDailyLimit(ctx context.Context, agentID string, limit int) (domain.Limit, error) {
	if limit < 0 {
		return domain.Limit{}, errors.New("daily limit must be >= 0")
	}
	now := t.now().UTC()
	return t.Store.UpdateLimit(ctx, agentID, func(l *domain.Limit, exists bool) error {
		t.roll(l, exists, now)
		l.DailyProposalLimit = limit
		return nil
	})
}
