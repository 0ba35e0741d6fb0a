package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Quota.DailyProposalLimit)
	assert.Len(t, cfg.Agents, 10)
	assert.Equal(t, "loki", cfg.Agents[0].ID)
	assert.Contains(t, cfg.Policy.RequireHuman, "deploy")

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("quota:\n  daily_proposal_limit: 3\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Quota.DailyProposalLimit)
	assert.Equal(t, "UTC", cfg.Quota.Timezone)
	assert.Len(t, cfg.Agents, 10)
}

func TestValidateRejectsOverlappingPolicy(t *testing.T) {
	_, err := FromYAML([]byte("policy:\n  auto_approve: [deploy]\n  require_human: [deploy]\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both")
}

func TestValidateRejectsBadTimezone(t *testing.T) {
	_, err := FromYAML([]byte("quota:\n  timezone: Mars/Olympus\n"))
	require.Error(t, err)
}

func TestValidateRejectsDuplicateAgents(t *testing.T) {
	_, err := FromYAML([]byte("agents:\n  - {id: a, name: A}\n  - {id: a, name: B}\n"))
	require.Error(t, err)
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOrDefault(dir)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Quota.DailyProposalLimit)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "closedloop.yml"), []byte("quota:\n  daily_proposal_limit: 2\n"), 0o644))
	cfg, err = LoadOrDefault(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Quota.DailyProposalLimit)

	_, err = Load(t.TempDir())
	require.Error(t, err)
}
