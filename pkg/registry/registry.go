package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/arbiter-ai/arbiter/pkg/events"
	"github.com/arbiter-ai/arbiter/pkg/models"
)

// agentEntry is the registry's internal record for one agent. The entry mutex
// linearizes writes to this agent; the registry-level lock only guards the
// map itself, so updates to different agents never contend.
type agentEntry struct {
	mu      sync.Mutex
	profile models.AgentProfile
}

// Registry is the in-memory agent registry with optional write-through
// persistence.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agentEntry

	config Config
	store  AgentStore  // may be nil (memory only)
	sink   events.Sink // may be nil (eventing disabled)

	now func() time.Time
}

// New creates a registry. store and sink may be nil.
func New(cfg Config, store AgentStore, sink events.Sink) *Registry {
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = DefaultConfig().MaxAgents
	}
	if cfg.MaxConcurrentPerAgent <= 0 {
		cfg.MaxConcurrentPerAgent = DefaultConfig().MaxConcurrentPerAgent
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultConfig().StaleThreshold
	}
	return &Registry{
		agents: make(map[string]*agentEntry),
		config: cfg,
		store:  store,
		sink:   sink,
		now:    time.Now,
	}
}

// Register validates and admits a new agent. Missing statistics are filled
// with optimistic defaults so the bandit explores the agent at least once.
// Returns a clone of the stored profile.
func (r *Registry) Register(ctx context.Context, profile models.AgentProfile) (models.AgentProfile, error) {
	if err := validateProfile(&profile); err != nil {
		return models.AgentProfile{}, err
	}

	now := r.now().UTC()
	if profile.RegisteredAt.IsZero() {
		profile.RegisteredAt = now
	}
	profile.LastActiveAt = now
	if profile.Performance == (models.PerformanceHistory{}) {
		profile.Performance = models.OptimisticPerformance()
	}
	profile.Load = models.ApplyLoadDelta(models.CurrentLoad{}, profile.Load.ActiveTasks, profile.Load.QueuedTasks, r.config.MaxConcurrentPerAgent)

	// Admission check first so a full registry never touches the store.
	r.mu.Lock()
	if _, exists := r.agents[profile.ID]; exists {
		r.mu.Unlock()
		return models.AgentProfile{}, fmt.Errorf("%w: %s", ErrAgentExists, profile.ID)
	}
	if len(r.agents) >= r.config.MaxAgents {
		r.mu.Unlock()
		return models.AgentProfile{}, fmt.Errorf("%w: limit %d", ErrRegistryFull, r.config.MaxAgents)
	}
	// Reserve the slot while the store write is in flight so a concurrent
	// Register of the same id fails fast instead of double-inserting.
	entry := &agentEntry{profile: profile.Clone()}
	r.agents[profile.ID] = entry
	r.mu.Unlock()

	// Registration is all-or-nothing: a failed store write rolls back the
	// in-memory reservation.
	if r.store != nil {
		if err := r.store.SaveAgent(ctx, profile); err != nil {
			r.mu.Lock()
			delete(r.agents, profile.ID)
			r.mu.Unlock()
			return models.AgentProfile{}, fmt.Errorf("failed to persist agent %s: %w", profile.ID, err)
		}
	}

	slog.Info("Agent registered",
		"agent_id", profile.ID,
		"model_family", profile.ModelFamily,
		"task_types", profile.Capabilities.TaskTypes)

	r.publish(events.NewEvent(models.EventAgentRegistered, "registry", models.EventSeverityInfo,
		models.AgentRegisteredPayload{
			AgentID:     profile.ID,
			Name:        profile.Name,
			ModelFamily: profile.ModelFamily,
			TaskTypes:   profile.Capabilities.TaskTypes,
		}))

	return profile.Clone(), nil
}

// Get returns a clone of the agent's profile.
func (r *Registry) Get(_ context.Context, agentID string) (models.AgentProfile, error) {
	entry, err := r.entry(agentID)
	if err != nil {
		return models.AgentProfile{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.profile.Clone(), nil
}

// UpdatePerformance folds one outcome into the agent's running statistics and
// bumps lastActiveAt. The update is atomic per agent; concurrent updates to
// the same agent are linearized by the entry lock, so no outcome ever reads a
// stale history.
func (r *Registry) UpdatePerformance(ctx context.Context, agentID string, metrics models.PerformanceMetrics) (models.AgentProfile, error) {
	entry, err := r.entry(agentID)
	if err != nil {
		return models.AgentProfile{}, err
	}

	now := r.now().UTC()
	entry.mu.Lock()
	entry.profile.Performance = models.UpdatePerformanceHistory(entry.profile.Performance, metrics)
	entry.profile.LastActiveAt = now
	updated := entry.profile.Clone()
	entry.mu.Unlock()

	// Mirror to the store outside the lock: no suspension while holding a
	// per-agent lock. In-memory state is authoritative; a failed mirror only
	// degrades the persisted view.
	if r.store != nil {
		if err := r.store.UpdatePerformance(ctx, agentID, updated.Performance, now); err != nil {
			slog.Warn("Failed to persist performance update", "agent_id", agentID, "error", err)
		}
	}

	r.publish(events.NewEvent(models.EventAgentPerformanceUpdate, "registry", models.EventSeverityInfo,
		models.PerformanceUpdatedPayload{
			AgentID:     agentID,
			Performance: updated.Performance,
			LatencyMs:   metrics.LatencyMs,
			Success:     metrics.Success,
		}))

	return updated, nil
}

// UpdateLoad applies saturating deltas to the agent's load counters and
// recomputes utilization.
func (r *Registry) UpdateLoad(ctx context.Context, agentID string, activeDelta, queuedDelta int) error {
	entry, err := r.entry(agentID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	entry.profile.Load = models.ApplyLoadDelta(entry.profile.Load, activeDelta, queuedDelta, r.config.MaxConcurrentPerAgent)
	entry.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpdateLoad(ctx, agentID, activeDelta, queuedDelta, r.config.MaxConcurrentPerAgent); err != nil {
			slog.Warn("Failed to persist load update", "agent_id", agentID, "error", err)
		}
	}
	return nil
}

// Touch bumps the agent's lastActiveAt without changing statistics. Used by
// the health prober to keep live agents out of the staleness sweep.
func (r *Registry) Touch(agentID string) error {
	entry, err := r.entry(agentID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	entry.profile.LastActiveAt = r.now().UTC()
	entry.mu.Unlock()
	return nil
}

// Unregister removes the agent. Reports whether it existed. Persisted
// capability and history rows are removed by cascading delete.
func (r *Registry) Unregister(ctx context.Context, agentID string) (bool, error) {
	r.mu.Lock()
	_, exists := r.agents[agentID]
	if exists {
		delete(r.agents, agentID)
	}
	r.mu.Unlock()

	if !exists {
		return false, nil
	}

	if r.store != nil {
		if err := r.store.DeleteAgent(ctx, agentID); err != nil {
			slog.Warn("Failed to delete persisted agent", "agent_id", agentID, "error", err)
		}
	}

	slog.Info("Agent unregistered", "agent_id", agentID)
	r.publish(events.NewEvent(models.EventAgentUnregistered, "registry", models.EventSeverityInfo,
		models.AgentUnregisteredPayload{AgentID: agentID}))
	return true, nil
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// List returns a snapshot of every registered profile, sorted by id.
func (r *Registry) List() []models.AgentProfile {
	r.mu.RLock()
	entries := make([]*agentEntry, 0, len(r.agents))
	for _, entry := range r.agents {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	profiles := make([]models.AgentProfile, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		profiles = append(profiles, entry.profile.Clone())
		entry.mu.Unlock()
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })
	return profiles
}

// Capacity returns the configured registration limit.
func (r *Registry) Capacity() int {
	return r.config.MaxAgents
}

// Restore loads persisted profiles into memory. Called once at startup,
// before the registry serves queries. Agents already in memory are kept.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	profiles, err := r.store.LoadAgents(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load persisted agents: %w", err)
	}

	restored := 0
	r.mu.Lock()
	for _, p := range profiles {
		if _, exists := r.agents[p.ID]; exists {
			continue
		}
		r.agents[p.ID] = &agentEntry{profile: p.Clone()}
		restored++
	}
	r.mu.Unlock()

	if restored > 0 {
		slog.Info("Restored agents from store", "count", restored)
	}
	return restored, nil
}

// SweepStale unregisters agents whose lastActiveAt is older than the
// configured staleness threshold. Returns how many were removed.
func (r *Registry) SweepStale(ctx context.Context) int {
	cutoff := r.now().UTC().Add(-r.config.StaleThreshold)

	r.mu.RLock()
	stale := make([]string, 0)
	for id, entry := range r.agents {
		entry.mu.Lock()
		lastActive := entry.profile.LastActiveAt
		entry.mu.Unlock()
		if lastActive.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	removed := 0
	for _, id := range stale {
		ok, err := r.Unregister(ctx, id)
		if err != nil {
			slog.Error("Failed to unregister stale agent", "agent_id", id, "error", err)
			continue
		}
		if ok {
			slog.Info("Stale agent removed", "agent_id", id, "threshold", r.config.StaleThreshold)
			removed++
		}
	}
	return removed
}

// entry looks up the agent's internal record.
func (r *Registry) entry(agentID string) (*agentEntry, error) {
	r.mu.RLock()
	entry, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return entry, nil
}

func (r *Registry) publish(evt models.Event) {
	if r.sink == nil {
		return
	}
	r.sink.Publish(evt)
}

// validateProfile checks the fields a caller must supply. Statistics are
// optional but must be within bounds when present.
func validateProfile(p *models.AgentProfile) error {
	if p.ID == "" {
		return models.NewValidationError("id", "agent id is required")
	}
	if p.Name == "" {
		return models.NewValidationError("name", "agent name is required")
	}
	if p.ModelFamily == "" {
		return models.NewValidationError("model_family", "model family is required")
	}
	if len(p.Capabilities.TaskTypes) == 0 {
		return models.NewValidationError("capabilities.task_types", "at least one task type capability is required")
	}
	if p.Performance.SuccessRate < 0 || p.Performance.SuccessRate > 1 {
		return models.NewValidationError("performance.success_rate", "must be between 0 and 1")
	}
	if p.Performance.AverageQuality < 0 || p.Performance.AverageQuality > 1 {
		return models.NewValidationError("performance.average_quality", "must be between 0 and 1")
	}
	if p.Performance.AverageLatencyMs < 0 {
		return models.NewValidationError("performance.average_latency_ms", "must be non-negative")
	}
	if p.Performance.TaskCount < 0 {
		return models.NewValidationError("performance.task_count", "must be non-negative")
	}
	if p.Load.ActiveTasks < 0 || p.Load.QueuedTasks < 0 {
		return models.NewValidationError("load", "task counters must be non-negative")
	}
	return nil
}
