package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arbiter-ai/arbiter/pkg/models"
	"github.com/arbiter-ai/arbiter/pkg/taskqueue"
)

// TaskStore is the PostgreSQL task journal. The spec column carries the
// full task document so restart recovery reproduces exactly what was
// submitted; the scalar columns exist for querying.
type TaskStore struct {
	db *stdsql.DB
}

var _ taskqueue.Journal = (*TaskStore)(nil)

// NewTaskStore returns a journal on the shared pool.
func NewTaskStore(db *stdsql.DB) *TaskStore {
	return &TaskStore{db: db}
}

// SaveTask upserts the task with its current state. Requeues overwrite the
// previous row, bumping attempt and spec together.
func (s *TaskStore) SaveTask(ctx context.Context, task models.Task, state models.TaskState) error {
	spec, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, task_type, priority, state, attempt, spec, submitted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			task_type = EXCLUDED.task_type,
			priority = EXCLUDED.priority,
			state = EXCLUDED.state,
			attempt = EXCLUDED.attempt,
			spec = EXCLUDED.spec,
			updated_at = NOW()`,
		task.ID, task.Type, task.Priority, string(state), task.Attempt, spec, task.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", task.ID, err)
	}
	return nil
}

// UpdateTaskState records a state transition for an already journaled task.
func (s *TaskStore) UpdateTaskState(ctx context.Context, taskID string, state models.TaskState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = $2, updated_at = NOW() WHERE id = $1`,
		taskID, string(state),
	)
	if err != nil {
		return fmt.Errorf("failed to update task %s state: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s not journaled", taskID)
	}
	return nil
}

// PendingTasks returns journaled tasks still queued or in flight, oldest
// submission first, for restart recovery.
func (s *TaskStore) PendingTasks(ctx context.Context) ([]taskqueue.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT spec, state FROM tasks
		WHERE state IN ($1, $2)
		ORDER BY submitted_at, id`,
		string(models.TaskStateQueued), string(models.TaskStateInFlight),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending tasks: %w", err)
	}
	defer rows.Close()

	var entries []taskqueue.JournalEntry
	for rows.Next() {
		var spec []byte
		var state string
		if err := rows.Scan(&spec, &state); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		var task models.Task
		if err := json.Unmarshal(spec, &task); err != nil {
			return nil, fmt.Errorf("failed to decode task spec: %w", err)
		}
		entries = append(entries, taskqueue.JournalEntry{Task: task, State: models.TaskState(state)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read task rows: %w", err)
	}
	return entries, nil
}

// PruneTerminal deletes completed and failed journal rows older than age.
// Returns how many rows were removed.
func (s *TaskStore) PruneTerminal(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE state IN ($1, $2) AND updated_at < $3`,
		string(models.TaskStateCompleted), string(models.TaskStateFailed), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune terminal tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned tasks: %w", err)
	}
	return n, nil
}
