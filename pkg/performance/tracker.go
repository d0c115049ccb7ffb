// Package performance folds task outcomes into agent statistics and keeps a
// ring-buffered log of recent outcomes for the status surface.
package performance

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/arbiter-ai/arbiter/pkg/events"
	"github.com/arbiter-ai/arbiter/pkg/models"
)

// defaultRingSize bounds the in-memory outcome log.
const defaultRingSize = 256

// memStatsTTL limits how often the memory estimate is refreshed;
// runtime.ReadMemStats briefly stops the world.
const memStatsTTL = time.Second

// Registry is the slice of the agent registry the tracker needs.
type Registry interface {
	UpdatePerformance(ctx context.Context, agentID string, metrics models.PerformanceMetrics) (models.AgentProfile, error)
}

// Outcome is one recorded task result.
type Outcome struct {
	AgentID      string    `json:"agent_id"`
	TaskID       string    `json:"task_id,omitempty"`
	TaskType     string    `json:"task_type,omitempty"`
	Success      bool      `json:"success"`
	QualityScore float64   `json:"quality_score"`
	LatencyMs    float64   `json:"latency_ms"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// OutcomeStats aggregates the ring-buffer entries for one agent.
type OutcomeStats struct {
	Outcomes  int `json:"outcomes"`
	Successes int `json:"successes"`
}

// Tracker records task outcomes: it updates the registry's running averages
// and emits one performance sample per outcome.
type Tracker struct {
	registry Registry
	sink     events.Sink

	mu    sync.Mutex
	ring  []Outcome
	next  int
	count int

	memAt  time.Time
	memEst uint64
}

// NewTracker creates a tracker. ringSize <= 0 selects the default.
func NewTracker(registry Registry, sink events.Sink, ringSize int) *Tracker {
	if ringSize <= 0 {
		ringSize = defaultRingSize
	}
	return &Tracker{
		registry: registry,
		sink:     sink,
		ring:     make([]Outcome, ringSize),
	}
}

// Record folds one outcome into the agent's statistics and logs it. Returns
// the agent profile after the update.
func (t *Tracker) Record(ctx context.Context, agentID, taskID string, metrics models.PerformanceMetrics) (models.AgentProfile, error) {
	profile, err := t.registry.UpdatePerformance(ctx, agentID, metrics)
	if err != nil {
		return models.AgentProfile{}, err
	}

	outcome := Outcome{
		AgentID:      agentID,
		TaskID:       taskID,
		TaskType:     metrics.TaskType,
		Success:      metrics.Success,
		QualityScore: metrics.QualityScore,
		LatencyMs:    metrics.LatencyMs,
		RecordedAt:   time.Now().UTC(),
	}

	t.mu.Lock()
	t.ring[t.next] = outcome
	t.next = (t.next + 1) % len(t.ring)
	if t.count < len(t.ring) {
		t.count++
	}
	stats := t.statsLocked(agentID)
	memEst := t.memoryEstimateLocked()
	t.mu.Unlock()

	if t.sink != nil {
		t.sink.Publish(events.NewEvent(models.EventPerformanceSample, "performance", models.EventSeverityInfo,
			models.PerformanceSamplePayload{
				AgentID:             agentID,
				TaskID:              taskID,
				TaskType:            metrics.TaskType,
				Success:             metrics.Success,
				LatencyMs:           metrics.LatencyMs,
				LatencyBucket:       LatencyBucket(metrics.LatencyMs),
				RecentOutcomes:      stats.Outcomes,
				RecentSuccesses:     stats.Successes,
				MemoryEstimateBytes: memEst,
			}))
	}

	return profile, nil
}

// Recent returns up to limit outcomes, newest first. limit <= 0 returns all
// buffered outcomes.
func (t *Tracker) Recent(limit int) []Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > t.count {
		limit = t.count
	}
	out := make([]Outcome, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (t.next - i + len(t.ring)) % len(t.ring)
		out = append(out, t.ring[idx])
	}
	return out
}

// AgentStats returns the buffered outcome counts for one agent.
func (t *Tracker) AgentStats(agentID string) OutcomeStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statsLocked(agentID)
}

// Stats returns the buffered outcome counts for every agent seen.
func (t *Tracker) Stats() map[string]OutcomeStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]OutcomeStats)
	for i := 0; i < t.count; i++ {
		o := t.ring[i]
		s := out[o.AgentID]
		s.Outcomes++
		if o.Success {
			s.Successes++
		}
		out[o.AgentID] = s
	}
	return out
}

func (t *Tracker) statsLocked(agentID string) OutcomeStats {
	var s OutcomeStats
	for i := 0; i < t.count; i++ {
		if t.ring[i].AgentID != agentID {
			continue
		}
		s.Outcomes++
		if t.ring[i].Success {
			s.Successes++
		}
	}
	return s
}

func (t *Tracker) memoryEstimateLocked() uint64 {
	now := time.Now()
	if now.Sub(t.memAt) < memStatsTTL && t.memEst > 0 {
		return t.memEst
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	t.memAt = now
	t.memEst = ms.HeapAlloc
	return t.memEst
}

// LatencyBucket maps a latency to its histogram bucket label.
func LatencyBucket(latencyMs float64) string {
	switch {
	case latencyMs < 100:
		return "<100ms"
	case latencyMs < 500:
		return "100ms-500ms"
	case latencyMs < 1000:
		return "500ms-1s"
	case latencyMs < 5000:
		return "1s-5s"
	case latencyMs < 30000:
		return "5s-30s"
	default:
		return ">30s"
	}
}
