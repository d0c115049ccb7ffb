package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/arbiter-ai/arbiter/pkg/models"
	"github.com/arbiter-ai/arbiter/pkg/registry"
)

// Capability tags are namespaced per dimension so "go" the task type and
// "go" the language land in distinct rows.
const (
	tagTaskType       = "task:"
	tagLanguage       = "lang:"
	tagSpecialization = "spec:"
)

// AgentStore persists agent profiles across the agents and
// agent_capabilities tables. It backs the registry's write-through
// mirror and restart recovery.
type AgentStore struct {
	db *stdsql.DB
}

var _ registry.AgentStore = (*AgentStore)(nil)

// NewAgentStore returns a store on the shared pool.
func NewAgentStore(db *stdsql.DB) *AgentStore {
	return &AgentStore{db: db}
}

// SaveAgent upserts the full profile and replaces its capability tags in
// one transaction.
func (s *AgentStore) SaveAgent(ctx context.Context, profile models.AgentProfile) error {
	metadata, err := marshalNullable(profile.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (
			id, name, model_family, endpoint, metadata,
			success_rate, average_quality, average_latency_ms, task_count,
			active_tasks, queued_tasks, utilization_percent,
			registered_at, last_active_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			model_family = EXCLUDED.model_family,
			endpoint = EXCLUDED.endpoint,
			metadata = EXCLUDED.metadata,
			success_rate = EXCLUDED.success_rate,
			average_quality = EXCLUDED.average_quality,
			average_latency_ms = EXCLUDED.average_latency_ms,
			task_count = EXCLUDED.task_count,
			active_tasks = EXCLUDED.active_tasks,
			queued_tasks = EXCLUDED.queued_tasks,
			utilization_percent = EXCLUDED.utilization_percent,
			registered_at = EXCLUDED.registered_at,
			last_active_at = EXCLUDED.last_active_at`,
		profile.ID, profile.Name, profile.ModelFamily, profile.Endpoint, metadata,
		profile.Performance.SuccessRate, profile.Performance.AverageQuality,
		profile.Performance.AverageLatencyMs, profile.Performance.TaskCount,
		profile.Load.ActiveTasks, profile.Load.QueuedTasks, profile.Load.UtilizationPercent,
		profile.RegisteredAt, profile.LastActiveAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save agent %s: %w", profile.ID, err)
	}

	// Replace capability tags wholesale; the profile is the source of truth.
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_capabilities WHERE agent_id = $1`, profile.ID); err != nil {
		return fmt.Errorf("failed to clear capabilities for agent %s: %w", profile.ID, err)
	}
	for _, tag := range encodeCapabilities(profile.Capabilities) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_capabilities (agent_id, tag) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			profile.ID, tag); err != nil {
			return fmt.Errorf("failed to save capability %q for agent %s: %w", tag, profile.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit agent %s: %w", profile.ID, err)
	}
	return nil
}

// UpdatePerformance mirrors the registry's running statistics.
func (s *AgentStore) UpdatePerformance(ctx context.Context, agentID string, history models.PerformanceHistory, lastActiveAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET
			success_rate = $2,
			average_quality = $3,
			average_latency_ms = $4,
			task_count = $5,
			last_active_at = $6
		WHERE id = $1`,
		agentID, history.SuccessRate, history.AverageQuality,
		history.AverageLatencyMs, history.TaskCount, lastActiveAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update performance for agent %s: %w", agentID, err)
	}
	return requireRow(res, agentID)
}

// UpdateLoad applies the load deltas in SQL with the same saturation rules
// the registry applies in memory: counters floor at zero, utilization is
// capped at 100.
func (s *AgentStore) UpdateLoad(ctx context.Context, agentID string, activeDelta, queuedDelta, maxConcurrent int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET
			active_tasks = GREATEST(0, active_tasks + $2),
			queued_tasks = GREATEST(0, queued_tasks + $3),
			utilization_percent = CASE
				WHEN $4 > 0 THEN LEAST(100, GREATEST(0, active_tasks + $2)::double precision * 100 / $4)
				ELSE 0
			END
		WHERE id = $1`,
		agentID, activeDelta, queuedDelta, maxConcurrent,
	)
	if err != nil {
		return fmt.Errorf("failed to update load for agent %s: %w", agentID, err)
	}
	return requireRow(res, agentID)
}

// DeleteAgent removes the profile; capability rows cascade. Deleting an
// unknown agent is a no-op.
func (s *AgentStore) DeleteAgent(ctx context.Context, agentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, agentID); err != nil {
		return fmt.Errorf("failed to delete agent %s: %w", agentID, err)
	}
	return nil
}

// LoadAgents returns every persisted profile, capabilities reassembled,
// ordered by id.
func (s *AgentStore) LoadAgents(ctx context.Context) ([]models.AgentProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, model_family, endpoint, metadata,
			success_rate, average_quality, average_latency_ms, task_count,
			active_tasks, queued_tasks, utilization_percent,
			registered_at, last_active_at
		FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var profiles []models.AgentProfile
	index := make(map[string]int)
	for rows.Next() {
		var p models.AgentProfile
		var metadata []byte
		if err := rows.Scan(
			&p.ID, &p.Name, &p.ModelFamily, &p.Endpoint, &metadata,
			&p.Performance.SuccessRate, &p.Performance.AverageQuality,
			&p.Performance.AverageLatencyMs, &p.Performance.TaskCount,
			&p.Load.ActiveTasks, &p.Load.QueuedTasks, &p.Load.UtilizationPercent,
			&p.RegisteredAt, &p.LastActiveAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan agent row: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for agent %s: %w", p.ID, err)
			}
		}
		index[p.ID] = len(profiles)
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read agent rows: %w", err)
	}

	tagRows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, tag FROM agent_capabilities ORDER BY agent_id, tag`)
	if err != nil {
		return nil, fmt.Errorf("failed to query capabilities: %w", err)
	}
	defer tagRows.Close()

	for tagRows.Next() {
		var agentID, tag string
		if err := tagRows.Scan(&agentID, &tag); err != nil {
			return nil, fmt.Errorf("failed to scan capability row: %w", err)
		}
		i, ok := index[agentID]
		if !ok {
			continue
		}
		decodeCapabilityTag(&profiles[i].Capabilities, tag)
	}
	if err := tagRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read capability rows: %w", err)
	}

	return profiles, nil
}

func encodeCapabilities(c models.AgentCapabilities) []string {
	tags := make([]string, 0, len(c.TaskTypes)+len(c.Languages)+len(c.Specializations))
	for _, t := range c.TaskTypes {
		tags = append(tags, tagTaskType+t)
	}
	for _, l := range c.Languages {
		tags = append(tags, tagLanguage+l)
	}
	for _, sp := range c.Specializations {
		tags = append(tags, tagSpecialization+sp)
	}
	return tags
}

func decodeCapabilityTag(c *models.AgentCapabilities, tag string) {
	switch {
	case strings.HasPrefix(tag, tagTaskType):
		c.TaskTypes = append(c.TaskTypes, strings.TrimPrefix(tag, tagTaskType))
	case strings.HasPrefix(tag, tagLanguage):
		c.Languages = append(c.Languages, strings.TrimPrefix(tag, tagLanguage))
	case strings.HasPrefix(tag, tagSpecialization):
		c.Specializations = append(c.Specializations, strings.TrimPrefix(tag, tagSpecialization))
	}
}

// requireRow turns a zero-row UPDATE into a not-found error so callers can
// tell a missed mirror write from a successful one.
func requireRow(res stdsql.Result, agentID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", registry.ErrAgentNotFound, agentID)
	}
	return nil
}
