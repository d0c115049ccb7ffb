package store

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"time"

	"github.com/arbiter-ai/arbiter/pkg/assignment"
	"github.com/arbiter-ai/arbiter/pkg/models"
)

// AssignmentStore keeps the durable audit trail of every dispatch. The
// assignment manager remains the authority for live state; this table is
// what survives restarts and feeds offline analysis.
type AssignmentStore struct {
	db *stdsql.DB
}

var _ assignment.Store = (*AssignmentStore)(nil)

// NewAssignmentStore returns a store on the shared pool.
func NewAssignmentStore(db *stdsql.DB) *AssignmentStore {
	return &AssignmentStore{db: db}
}

// SaveAssignment upserts the freshly created assignment record.
func (s *AssignmentStore) SaveAssignment(ctx context.Context, a models.Assignment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assignments (
			id, task_id, agent_id, decision_id, state, attempt,
			created_at, acknowledged_at, started_at, last_progress_at,
			completed_at, failure_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			attempt = EXCLUDED.attempt,
			acknowledged_at = EXCLUDED.acknowledged_at,
			started_at = EXCLUDED.started_at,
			last_progress_at = EXCLUDED.last_progress_at,
			completed_at = EXCLUDED.completed_at,
			failure_reason = EXCLUDED.failure_reason`,
		a.ID, a.TaskID, a.AgentID, a.DecisionID, string(a.State), a.Attempt,
		a.CreatedAt, a.AcknowledgedAt, a.StartedAt, a.LastProgressAt,
		a.CompletedAt, a.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("failed to save assignment %s: %w", a.ID, err)
	}
	return nil
}

// UpdateAssignment overwrites the mutable lifecycle fields from the
// in-memory record.
func (s *AssignmentStore) UpdateAssignment(ctx context.Context, a models.Assignment) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE assignments SET
			state = $2,
			attempt = $3,
			acknowledged_at = $4,
			started_at = $5,
			last_progress_at = $6,
			completed_at = $7,
			failure_reason = $8
		WHERE id = $1`,
		a.ID, string(a.State), a.Attempt,
		a.AcknowledgedAt, a.StartedAt, a.LastProgressAt, a.CompletedAt,
		a.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("failed to update assignment %s: %w", a.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("assignment %s not persisted", a.ID)
	}
	return nil
}

// PruneTerminal deletes finished assignment records older than age.
// Returns how many rows were removed.
func (s *AssignmentStore) PruneTerminal(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM assignments
		WHERE state IN ($1, $2, $3, $4) AND created_at < $5`,
		string(models.AssignmentCompleted), string(models.AssignmentFailed),
		string(models.AssignmentReassigned), string(models.AssignmentCancelled),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune terminal assignments: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned assignments: %w", err)
	}
	return n, nil
}
