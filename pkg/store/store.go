// Package store implements the PostgreSQL persistence adapters behind the
// registry, task queue, assignment manager, waiver manager, and violation
// handler, plus a Redis-backed task journal for deployments that already
// run Redis. Adapters are plain SQL on the shared *sql.DB pool; all of them
// are optional — components run fully in-memory when handed nil.
package store

import (
	stdsql "database/sql"
	"encoding/json"
	"fmt"
)

// Stores bundles one adapter per persisted concern, all sharing the same
// connection pool.
type Stores struct {
	Agents      *AgentStore
	Tasks       *TaskStore
	Assignments *AssignmentStore
	Waivers     *WaiverStore
	Violations  *ViolationStore
}

// New wires every PostgreSQL store onto db.
func New(db *stdsql.DB) *Stores {
	return &Stores{
		Agents:      NewAgentStore(db),
		Tasks:       NewTaskStore(db),
		Assignments: NewAssignmentStore(db),
		Waivers:     NewWaiverStore(db),
		Violations:  NewViolationStore(db),
	}
}

// marshalNullable marshals v for a nullable jsonb column: the zero value
// maps to SQL NULL instead of a JSON literal.
func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch tv := v.(type) {
	case map[string]string:
		if len(tv) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(tv) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jsonb value: %w", err)
	}
	return data, nil
}
