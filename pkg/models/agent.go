// Package models defines the domain types shared across arbiter components.
package models

import (
	"math"
	"time"
)

// AgentCapabilities declares what kinds of work an agent accepts.
type AgentCapabilities struct {
	TaskTypes       []string `json:"task_types"`
	Languages       []string `json:"languages,omitempty"`
	Specializations []string `json:"specializations,omitempty"`
}

// PerformanceHistory holds the running statistics for one agent.
// All averages are maintained incrementally; the full outcome history is
// never replayed.
type PerformanceHistory struct {
	SuccessRate      float64 `json:"success_rate"`
	AverageQuality   float64 `json:"average_quality"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
	TaskCount        int64   `json:"task_count"`
}

// CurrentLoad tracks how much work an agent is carrying right now.
type CurrentLoad struct {
	ActiveTasks        int     `json:"active_tasks"`
	QueuedTasks        int     `json:"queued_tasks"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// AgentProfile is the registry's view of one worker agent.
type AgentProfile struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	ModelFamily  string             `json:"model_family"`
	Endpoint     string             `json:"endpoint,omitempty"`
	Capabilities AgentCapabilities  `json:"capabilities"`
	Performance  PerformanceHistory `json:"performance"`
	Load         CurrentLoad        `json:"load"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
	RegisteredAt time.Time          `json:"registered_at"`
	LastActiveAt time.Time          `json:"last_active_at"`
}

// PerformanceMetrics is the outcome record reported for one completed task.
type PerformanceMetrics struct {
	Success      bool    `json:"success"`
	QualityScore float64 `json:"quality_score"`
	LatencyMs    float64 `json:"latency_ms"`
	TokensUsed   int64   `json:"tokens_used,omitempty"`
	TaskType     string  `json:"task_type,omitempty"`
}

// OptimisticPerformance returns the starting statistics for a new agent.
// Values are biased high so the bandit explores fresh agents at least once.
func OptimisticPerformance() PerformanceHistory {
	return PerformanceHistory{
		SuccessRate:      0.8,
		AverageQuality:   0.7,
		AverageLatencyMs: 5000,
		TaskCount:        0,
	}
}

// UpdatePerformanceHistory folds one outcome into the running averages:
// new = old + (sample - old) / (count + 1). Returns the updated history;
// the input is not modified.
func UpdatePerformanceHistory(h PerformanceHistory, m PerformanceMetrics) PerformanceHistory {
	n := float64(h.TaskCount + 1)

	successSample := 0.0
	if m.Success {
		successSample = 1.0
	}

	updated := PerformanceHistory{
		SuccessRate:      h.SuccessRate + (successSample-h.SuccessRate)/n,
		AverageQuality:   h.AverageQuality + (m.QualityScore-h.AverageQuality)/n,
		AverageLatencyMs: h.AverageLatencyMs + (m.LatencyMs-h.AverageLatencyMs)/n,
		TaskCount:        h.TaskCount + 1,
	}

	// Guard against floating-point drift outside the documented bounds.
	updated.SuccessRate = clamp01(updated.SuccessRate)
	updated.AverageQuality = clamp01(updated.AverageQuality)
	updated.AverageLatencyMs = math.Max(0, updated.AverageLatencyMs)
	return updated
}

// ApplyLoadDelta adds the deltas to the load counters with saturation at
// zero, and recomputes utilization against maxConcurrent (ceiling 100).
func ApplyLoadDelta(load CurrentLoad, activeDelta, queuedDelta, maxConcurrent int) CurrentLoad {
	active := load.ActiveTasks + activeDelta
	if active < 0 {
		active = 0
	}
	queued := load.QueuedTasks + queuedDelta
	if queued < 0 {
		queued = 0
	}

	utilization := 0.0
	if maxConcurrent > 0 {
		utilization = math.Min(100, float64(active)/float64(maxConcurrent)*100)
	}

	return CurrentLoad{
		ActiveTasks:        active,
		QueuedTasks:        queued,
		UtilizationPercent: utilization,
	}
}

// Clone returns a deep copy of the profile. Registry operations hand out
// clones so callers can never mutate registry state in place.
func (p AgentProfile) Clone() AgentProfile {
	out := p
	out.Capabilities = AgentCapabilities{
		TaskTypes:       append([]string(nil), p.Capabilities.TaskTypes...),
		Languages:       append([]string(nil), p.Capabilities.Languages...),
		Specializations: append([]string(nil), p.Capabilities.Specializations...),
	}
	if p.Metadata != nil {
		out.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
