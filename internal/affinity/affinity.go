// Package affinity keeps the symmetric collaboration score between agents.
package affinity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"closedloop/internal/domain"
	"closedloop/internal/repo"
)

const (
	MinScore = -100
	MaxScore = 100

	// CollaborationDelta is applied per positive or negative collaboration.
	CollaborationDelta = 5
)

var ErrInvalidPair = errors.New("invalid affinity pair")

type AffinityStore interface {
	GetAffinity(ctx context.Context, a, b string) (domain.Affinity, error)
	ListAffinities(ctx context.Context, agentID string) ([]domain.Affinity, error)
	UpdateAffinity(ctx context.Context, a, b string, fn func(aff *domain.Affinity, exists bool) error) (domain.Affinity, error)
}

type Tracker struct {
	Store AffinityStore
	Now   func() time.Time
}

func (t Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now().UTC()
	}
	return time.Now().UTC()
}

// Clamp bounds score to [MinScore, MaxScore].
func Clamp(score int) int {
	if score > MaxScore {
		return MaxScore
	}
	if score < MinScore {
		return MinScore
	}
	return score
}

func validatePair(a, b string) error {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return fmt.Errorf("%w: both agent ids are required", ErrInvalidPair)
	}
	if a == b {
		return fmt.Errorf("%w: %s given twice", ErrInvalidPair, a)
	}
	return nil
}

// UpdateScore adds delta to the pair's score, clamped, and counts one interaction.
func (t Tracker) UpdateScore(ctx context.Context, a, b string, delta int) (domain.Affinity, error) {
	if err := validatePair(a, b); err != nil {
		return domain.Affinity{}, err
	}
	now := t.now()
	return t.Store.UpdateAffinity(ctx, a, b, func(aff *domain.Affinity, exists bool) error {
		aff.Score = Clamp(aff.Score + delta)
		aff.Interactions++
		aff.UpdatedAt = now
		return nil
	})
}

// GetScore returns the pair's record; an unknown pair reads as a zero score.
func (t Tracker) GetScore(ctx context.Context, a, b string) (domain.Affinity, error) {
	if err := validatePair(a, b); err != nil {
		return domain.Affinity{}, err
	}
	aff, err := t.Store.GetAffinity(ctx, a, b)
	if errors.Is(err, repo.ErrNotFound) {
		x, y := domain.AffinityPair(a, b)
		return domain.Affinity{AgentA: x, AgentB: y}, nil
	}
	return aff, err
}

// Collaborated records the outcome of a joint piece of work.
func (t Tracker) Collaborated(ctx context.Context, a, b string, positive bool) (domain.Affinity, error) {
	delta := CollaborationDelta
	if !positive {
		delta = -delta
	}
	return t.UpdateScore(ctx, a, b, delta)
}

// Partners lists the pairs involving agentID, highest score first.
func (t Tracker) Partners(ctx context.Context, agentID string) ([]domain.Affinity, error) {
	return t.Store.ListAffinities(ctx, agentID)
}
