// Package registry maintains the authoritative map of worker agents: their
// capabilities, running performance statistics, and current load. All
// mutations go through registry operations; returned profiles are clones so
// callers can never touch internal state.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/arbiter-ai/arbiter/pkg/models"
)

// Sentinel errors for registry operations.
var (
	// ErrAgentExists indicates an agent with the same id is already registered.
	ErrAgentExists = errors.New("agent already exists")

	// ErrAgentNotFound indicates the agent id is not registered.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrRegistryFull indicates the configured agent limit has been reached.
	ErrRegistryFull = errors.New("registry full")

	// ErrUnavailable indicates the registry could not answer within the
	// caller's deadline.
	ErrUnavailable = errors.New("registry unavailable")
)

// Config controls registry limits and the staleness sweep.
type Config struct {
	// MaxAgents is the registration ceiling. Register fails with
	// ErrRegistryFull once reached.
	MaxAgents int `yaml:"max_agents"`

	// MaxConcurrentPerAgent is the per-agent active-task count that maps to
	// 100% utilization.
	MaxConcurrentPerAgent int `yaml:"max_concurrent_per_agent"`

	// StaleThreshold is how long an agent may go without activity before the
	// staleness sweep unregisters it.
	StaleThreshold time.Duration `yaml:"stale_threshold"`

	// CleanupInterval is how often the staleness sweep runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultConfig returns the built-in registry defaults.
func DefaultConfig() Config {
	return Config{
		MaxAgents:             1000,
		MaxConcurrentPerAgent: 10,
		StaleThreshold:        24 * time.Hour,
		CleanupInterval:       1 * time.Hour,
	}
}

// AgentStore is the optional persistence adapter. Registration is
// transactional: the in-memory commit happens only after SaveAgent succeeds.
// Performance and load writes are best-effort mirrors of in-memory state.
type AgentStore interface {
	SaveAgent(ctx context.Context, profile models.AgentProfile) error
	UpdatePerformance(ctx context.Context, agentID string, history models.PerformanceHistory, lastActiveAt time.Time) error
	UpdateLoad(ctx context.Context, agentID string, activeDelta, queuedDelta, maxConcurrent int) error
	DeleteAgent(ctx context.Context, agentID string) error
	LoadAgents(ctx context.Context) ([]models.AgentProfile, error)
}

// CapabilityQuery filters agents by what a task needs.
type CapabilityQuery struct {
	// TaskType must be present in the agent's declared task types.
	TaskType string

	// Languages must all be present in the agent's declared languages.
	Languages []string

	// Specializations must all be present in the agent's declared
	// specializations.
	Specializations []string

	// MaxUtilization excludes agents whose utilization percent exceeds it.
	MaxUtilization *float64

	// MinSuccessRate excludes agents whose success rate is below it.
	MinSuccessRate *float64
}

// Candidate is one agent returned by Query, with its capability match score
// and a human-readable rationale.
type Candidate struct {
	Profile    models.AgentProfile `json:"profile"`
	MatchScore float64             `json:"match_score"`
	Rationale  string              `json:"rationale"`
}
