package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-ai/arbiter/pkg/models"
	"github.com/arbiter-ai/arbiter/pkg/registry"
	"github.com/arbiter-ai/arbiter/test/util"
)

func testProfile(id string) models.AgentProfile {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return models.AgentProfile{
		ID:          id,
		Name:        "builder-" + id,
		ModelFamily: "test-family",
		Endpoint:    "grpc://" + id + ":9000",
		Capabilities: models.AgentCapabilities{
			TaskTypes:       []string{"analysis", "generation"},
			Languages:       []string{"go"},
			Specializations: []string{"backend"},
		},
		Performance:  models.OptimisticPerformance(),
		Load:         models.CurrentLoad{},
		Metadata:     map[string]string{"region": "eu-west-1"},
		RegisteredAt: now,
		LastActiveAt: now,
	}
}

func TestAgentStore_SaveAndLoadAgents(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewAgentStore(db)
	ctx := context.Background()

	first := testProfile("agent-a")
	second := testProfile("agent-b")
	second.Metadata = nil

	require.NoError(t, s.SaveAgent(ctx, first))
	require.NoError(t, s.SaveAgent(ctx, second))

	loaded, err := s.LoadAgents(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	got := loaded[0]
	assert.Equal(t, "agent-a", got.ID)
	assert.Equal(t, first.Name, got.Name)
	assert.Equal(t, first.ModelFamily, got.ModelFamily)
	assert.Equal(t, first.Endpoint, got.Endpoint)
	assert.Equal(t, first.Capabilities.TaskTypes, got.Capabilities.TaskTypes)
	assert.Equal(t, first.Capabilities.Languages, got.Capabilities.Languages)
	assert.Equal(t, first.Capabilities.Specializations, got.Capabilities.Specializations)
	assert.Equal(t, first.Performance, got.Performance)
	assert.Equal(t, first.Metadata, got.Metadata)
	assert.True(t, got.RegisteredAt.Equal(first.RegisteredAt), "registered_at should round-trip")

	assert.Equal(t, "agent-b", loaded[1].ID)
	assert.Nil(t, loaded[1].Metadata)
}

func TestAgentStore_SaveAgentReplacesCapabilities(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewAgentStore(db)
	ctx := context.Background()

	profile := testProfile("agent-a")
	require.NoError(t, s.SaveAgent(ctx, profile))

	profile.Capabilities = models.AgentCapabilities{
		TaskTypes: []string{"review"},
		Languages: []string{"python", "rust"},
	}
	require.NoError(t, s.SaveAgent(ctx, profile))

	loaded, err := s.LoadAgents(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, []string{"review"}, loaded[0].Capabilities.TaskTypes)
	assert.Equal(t, []string{"python", "rust"}, loaded[0].Capabilities.Languages)
	assert.Empty(t, loaded[0].Capabilities.Specializations)
}

func TestAgentStore_UpdatePerformance(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewAgentStore(db)
	ctx := context.Background()

	require.NoError(t, s.SaveAgent(ctx, testProfile("agent-a")))

	history := models.PerformanceHistory{
		SuccessRate:      0.95,
		AverageQuality:   0.88,
		AverageLatencyMs: 1250,
		TaskCount:        40,
	}
	lastActive := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.UpdatePerformance(ctx, "agent-a", history, lastActive))

	loaded, err := s.LoadAgents(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, history, loaded[0].Performance)
	assert.True(t, loaded[0].LastActiveAt.Equal(lastActive))

	err = s.UpdatePerformance(ctx, "agent-missing", history, lastActive)
	assert.ErrorIs(t, err, registry.ErrAgentNotFound)
}

func TestAgentStore_UpdateLoad(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewAgentStore(db)
	ctx := context.Background()

	require.NoError(t, s.SaveAgent(ctx, testProfile("agent-a")))

	// +3 active of 10 → 30% utilization.
	require.NoError(t, s.UpdateLoad(ctx, "agent-a", 3, 2, 10))
	loaded, err := s.LoadAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.CurrentLoad{ActiveTasks: 3, QueuedTasks: 2, UtilizationPercent: 30}, loaded[0].Load)

	// Deltas saturate at zero rather than going negative.
	require.NoError(t, s.UpdateLoad(ctx, "agent-a", -5, -5, 10))
	loaded, err = s.LoadAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.CurrentLoad{ActiveTasks: 0, QueuedTasks: 0, UtilizationPercent: 0}, loaded[0].Load)

	// Utilization caps at 100 even when active exceeds the concurrency bound.
	require.NoError(t, s.UpdateLoad(ctx, "agent-a", 15, 0, 10))
	loaded, err = s.LoadAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 15, loaded[0].Load.ActiveTasks)
	assert.Equal(t, float64(100), loaded[0].Load.UtilizationPercent)

	// Unknown concurrency bound reports zero utilization.
	require.NoError(t, s.UpdateLoad(ctx, "agent-a", 0, 0, 0))
	loaded, err = s.LoadAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(0), loaded[0].Load.UtilizationPercent)

	err = s.UpdateLoad(ctx, "agent-missing", 1, 0, 10)
	assert.ErrorIs(t, err, registry.ErrAgentNotFound)
}

func TestAgentStore_DeleteAgent(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewAgentStore(db)
	ctx := context.Background()

	require.NoError(t, s.SaveAgent(ctx, testProfile("agent-a")))
	require.NoError(t, s.DeleteAgent(ctx, "agent-a"))

	loaded, err := s.LoadAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)

	// Capability rows cascade with the agent.
	var count int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_capabilities WHERE agent_id = $1`, "agent-a").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Deleting again is a no-op.
	assert.NoError(t, s.DeleteAgent(ctx, "agent-a"))
}
