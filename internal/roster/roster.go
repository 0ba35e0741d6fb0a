// Package roster seeds the agent personas and serves cached lookups.
package roster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"closedloop/internal/config"
	"closedloop/internal/domain"
	"closedloop/internal/repo"
)

const (
	defaultCacheSize = 128
	UnknownName      = "Unknown"
)

type AgentStore interface {
	EnsureAgent(ctx context.Context, a domain.Agent) (bool, error)
	GetAgent(ctx context.Context, id string) (domain.Agent, error)
	ListAgents(ctx context.Context) ([]domain.Agent, error)
}

type Roster struct {
	store AgentStore
	cache *lru.Cache[string, domain.Agent]
	Now   func() time.Time
}

// New wraps store with an LRU of at most size agents. size <= 0 uses a default.
func New(store AgentStore, size int) (*Roster, error) {
	if store == nil {
		return nil, errors.New("roster store is required")
	}
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, domain.Agent](size)
	if err != nil {
		return nil, fmt.Errorf("roster cache: %w", err)
	}
	return &Roster{store: store, cache: cache}, nil
}

func (r *Roster) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// FromConfig converts configured personas into agent records.
func FromConfig(agents []config.AgentConfig) []domain.Agent {
	out := make([]domain.Agent, 0, len(agents))
	for _, a := range agents {
		id := strings.TrimSpace(a.ID)
		name := strings.TrimSpace(a.Name)
		if name == "" {
			name = id
		}
		out = append(out, domain.Agent{ID: id, Name: name, Emoji: a.Emoji, Role: a.Role})
	}
	return out
}

// Seed inserts agents that do not exist yet and leaves existing rows alone.
// It returns how many were created.
func (r *Roster) Seed(ctx context.Context, agents []domain.Agent) (int, error) {
	created := 0
	now := r.now()
	for _, a := range agents {
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		ok, err := r.store.EnsureAgent(ctx, a)
		if err != nil {
			return created, fmt.Errorf("seed agent %s: %w", a.ID, err)
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// Lookup returns the agent for id; ok is false when no such agent exists.
func (r *Roster) Lookup(ctx context.Context, id string) (domain.Agent, bool, error) {
	if a, ok := r.cache.Get(id); ok {
		return a, true, nil
	}
	a, err := r.store.GetAgent(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Agent{}, false, nil
	}
	if err != nil {
		return domain.Agent{}, false, err
	}
	r.cache.Add(id, a)
	return a, true, nil
}

// Name resolves a display name, falling back to UnknownName.
func (r *Roster) Name(ctx context.Context, id string) (string, error) {
	a, ok, err := r.Lookup(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok || a.Name == "" {
		return UnknownName, nil
	}
	return a.Name, nil
}

func (r *Roster) List(ctx context.Context) ([]domain.Agent, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		r.cache.Add(a.ID, a)
	}
	return agents, nil
}
