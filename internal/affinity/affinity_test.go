package affinity

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"closedloop/internal/repo"
)

func TestScoreIsSymmetric(t *testing.T) {
	ctx := context.Background()
	tr := Tracker{Store: repo.NewMemory()}

	_, err := tr.UpdateScore(ctx, "wanda", "loki", 5)
	require.NoError(t, err)

	ab, err := tr.GetScore(ctx, "loki", "wanda")
	require.NoError(t, err)
	ba, err := tr.GetScore(ctx, "wanda", "loki")
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
	assert.Equal(t, 5, ab.Score)
	assert.Equal(t, "loki", ab.AgentA)
	assert.Equal(t, 1, ab.Interactions)
}

func TestScoreIsClamped(t *testing.T) {
	ctx := context.Background()
	tr := Tracker{Store: repo.NewMemory()}

	for i := 0; i < 5; i++ {
		aff, err := tr.UpdateScore(ctx, "loki", "wanda", 100)
		require.NoError(t, err)
		assert.LessOrEqual(t, aff.Score, MaxScore)
	}
	aff, err := tr.GetScore(ctx, "loki", "wanda")
	require.NoError(t, err)
	assert.Equal(t, MaxScore, aff.Score)
	assert.Equal(t, 5, aff.Interactions)

	for i := 0; i < 5; i++ {
		_, err := tr.UpdateScore(ctx, "wanda", "loki", -100)
		require.NoError(t, err)
	}
	aff, err = tr.GetScore(ctx, "loki", "wanda")
	require.NoError(t, err)
	assert.Equal(t, MinScore, aff.Score)
	assert.Equal(t, 10, aff.Interactions)
}

func TestUnknownPairReadsZero(t *testing.T) {
	tr := Tracker{Store: repo.NewMemory()}
	aff, err := tr.GetScore(context.Background(), "vision", "fury")
	require.NoError(t, err)
	assert.Equal(t, 0, aff.Score)
	assert.Equal(t, "fury", aff.AgentA)
}

func TestInvalidPairs(t *testing.T) {
	ctx := context.Background()
	tr := Tracker{Store: repo.NewMemory()}
	_, err := tr.UpdateScore(ctx, "loki", "loki", 5)
	require.ErrorIs(t, err, ErrInvalidPair)
	_, err = tr.UpdateScore(ctx, "", "loki", 5)
	require.ErrorIs(t, err, ErrInvalidPair)
}

func TestCollaboratedAndPartners(t *testing.T) {
	ctx := context.Background()
	tr := Tracker{Store: repo.NewMemory()}

	_, err := tr.Collaborated(ctx, "loki", "wanda", true)
	require.NoError(t, err)
	_, err = tr.Collaborated(ctx, "loki", "pulse", false)
	require.NoError(t, err)

	partners, err := tr.Partners(ctx, "loki")
	require.NoError(t, err)
	require.Len(t, partners, 2)
	assert.Equal(t, CollaborationDelta, partners[0].Score)
	assert.Equal(t, -CollaborationDelta, partners[1].Score)
}

func TestConcurrentUpdatesAccumulate(t *testing.T) {
	ctx := context.Background()
	tr := Tracker{Store: repo.NewMemory()}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.UpdateScore(ctx, "loki", "wanda", 1); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	aff, err := tr.GetScore(ctx, "loki", "wanda")
	require.NoError(t, err)
	assert.Equal(t, 10, aff.Score)
	assert.Equal(t, 10, aff.Interactions)
}
