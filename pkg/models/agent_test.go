package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdatePerformanceHistory_MatchesArithmeticMean(t *testing.T) {
	// Once real outcomes arrive, the optimistic prior washes out: the stored
	// rate must equal the plain mean of the observed indicators.
	outcomes := []bool{true, false, true, true, false, true, false, false, true, true}

	h := OptimisticPerformance()
	successes := 0
	for i, ok := range outcomes {
		h = UpdatePerformanceHistory(h, PerformanceMetrics{Success: ok, QualityScore: 0.5, LatencyMs: 100})
		if ok {
			successes++
		}
		expected := float64(successes) / float64(i+1)
		assert.InDelta(t, expected, h.SuccessRate, 1e-9, "after %d outcomes", i+1)
	}
	assert.Equal(t, int64(len(outcomes)), h.TaskCount)
}

func TestUpdatePerformanceHistory_OrderIndependentMean(t *testing.T) {
	a := OptimisticPerformance()
	b := OptimisticPerformance()

	seq := []bool{true, true, false, true, false}
	for _, ok := range seq {
		a = UpdatePerformanceHistory(a, PerformanceMetrics{Success: ok})
	}
	for i := len(seq) - 1; i >= 0; i-- {
		b = UpdatePerformanceHistory(b, PerformanceMetrics{Success: seq[i]})
	}

	assert.InDelta(t, a.SuccessRate, b.SuccessRate, 1e-9)
}

func TestUpdatePerformanceHistory_AveragesQualityAndLatency(t *testing.T) {
	h := PerformanceHistory{} // zero prior, so averages are exact means
	h = UpdatePerformanceHistory(h, PerformanceMetrics{Success: true, QualityScore: 1.0, LatencyMs: 100})
	h = UpdatePerformanceHistory(h, PerformanceMetrics{Success: true, QualityScore: 0.5, LatencyMs: 300})

	assert.InDelta(t, 0.75, h.AverageQuality, 1e-9)
	assert.InDelta(t, 200, h.AverageLatencyMs, 1e-9)
}

func TestUpdatePerformanceHistory_StaysInBounds(t *testing.T) {
	h := OptimisticPerformance()
	for i := 0; i < 1000; i++ {
		h = UpdatePerformanceHistory(h, PerformanceMetrics{Success: i%2 == 0, QualityScore: 1.0, LatencyMs: 50})
		require.GreaterOrEqual(t, h.SuccessRate, 0.0)
		require.LessOrEqual(t, h.SuccessRate, 1.0)
		require.GreaterOrEqual(t, h.AverageQuality, 0.0)
		require.LessOrEqual(t, h.AverageQuality, 1.0)
		require.GreaterOrEqual(t, h.AverageLatencyMs, 0.0)
	}
}

func TestApplyLoadDelta_SaturatesAtZero(t *testing.T) {
	load := CurrentLoad{ActiveTasks: 1, QueuedTasks: 0}

	load = ApplyLoadDelta(load, -5, -5, 10)

	assert.Equal(t, 0, load.ActiveTasks)
	assert.Equal(t, 0, load.QueuedTasks)
	assert.Equal(t, 0.0, load.UtilizationPercent)
}

func TestApplyLoadDelta_UtilizationCeiling(t *testing.T) {
	load := CurrentLoad{}

	load = ApplyLoadDelta(load, 25, 0, 10)

	assert.Equal(t, 25, load.ActiveTasks)
	assert.Equal(t, 100.0, load.UtilizationPercent)
}

func TestApplyLoadDelta_UtilizationScales(t *testing.T) {
	load := ApplyLoadDelta(CurrentLoad{}, 3, 2, 10)

	assert.Equal(t, 3, load.ActiveTasks)
	assert.Equal(t, 2, load.QueuedTasks)
	assert.InDelta(t, 30.0, load.UtilizationPercent, 1e-9)
}

func TestAgentProfileClone_IsIsolated(t *testing.T) {
	p := AgentProfile{
		ID:   "agent-1",
		Name: "Agent One",
		Capabilities: AgentCapabilities{
			TaskTypes: []string{"analysis"},
			Languages: []string{"go"},
		},
		Metadata: map[string]string{"tier": "gold"},
	}

	c := p.Clone()
	c.Capabilities.TaskTypes[0] = "mutated"
	c.Metadata["tier"] = "mutated"

	assert.Equal(t, "analysis", p.Capabilities.TaskTypes[0])
	assert.Equal(t, "gold", p.Metadata["tier"])
}
