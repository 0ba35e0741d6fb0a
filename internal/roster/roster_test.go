package roster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"closedloop/internal/config"
	"closedloop/internal/domain"
	"closedloop/internal/repo"
)

type countingStore struct {
	*repo.Memory
	gets int
}

func (c *countingStore) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	c.gets++
	return c.Memory.GetAgent(ctx, id)
}

func TestSeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	r, err := New(store, 0)
	require.NoError(t, err)

	agents := FromConfig(config.Default().Agents)
	require.Len(t, agents, 10)

	n, err := r.Seed(ctx, agents)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	renamed := []domain.Agent{{ID: "loki", Name: "Trickster"}}
	n, err = r.Seed(ctx, renamed)
	require.NoError(t, err)
	assert.Zero(t, n)

	a, ok, err := r.Lookup(ctx, "loki")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Loki", a.Name)
	assert.Equal(t, "🦇", a.Emoji)
	assert.False(t, a.CreatedAt.IsZero())
}

func TestLookupIsCached(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Memory: repo.NewMemory()}
	r, err := New(store, 4)
	require.NoError(t, err)
	_, err = r.Seed(ctx, []domain.Agent{{ID: "wanda", Name: "Wanda"}})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		name, err := r.Name(ctx, "wanda")
		require.NoError(t, err)
		assert.Equal(t, "Wanda", name)
	}
	assert.Equal(t, 1, store.gets)
}

func TestUnknownAgentName(t *testing.T) {
	r, err := New(repo.NewMemory(), 0)
	require.NoError(t, err)
	name, err := r.Name(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, UnknownName, name)
}

func TestFromConfigDefaultsName(t *testing.T) {
	agents := FromConfig([]config.AgentConfig{{ID: " miles "}})
	assert.Equal(t, "miles", agents[0].ID)
	assert.Equal(t, "miles", agents[0].Name)
}
