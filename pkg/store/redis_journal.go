package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/arbiter-ai/arbiter/pkg/models"
	"github.com/arbiter-ai/arbiter/pkg/taskqueue"
)

// Default retention for terminal journal records in Redis. Pending records
// never expire; recovery depends on them.
const defaultTerminalTTL = 24 * time.Hour

// RedisJournal is a task journal on Redis, for deployments that already run
// Redis and do not want the task journal on PostgreSQL. Each task lives
// under <prefix>:task:<id>; ids of queued and in-flight tasks are tracked
// in the <prefix>:pending set so recovery never scans the keyspace.
type RedisJournal struct {
	client      *redis.Client
	prefix      string
	terminalTTL time.Duration
}

var _ taskqueue.Journal = (*RedisJournal)(nil)

// NewRedisJournal returns a journal with the given key prefix ("arbiter"
// when empty). Terminal records expire after 24h.
func NewRedisJournal(client *redis.Client, prefix string) *RedisJournal {
	if prefix == "" {
		prefix = "arbiter"
	}
	return &RedisJournal{
		client:      client,
		prefix:      prefix,
		terminalTTL: defaultTerminalTTL,
	}
}

type journalRecord struct {
	Task  models.Task      `json:"task"`
	State models.TaskState `json:"state"`
}

func (j *RedisJournal) taskKey(taskID string) string {
	return j.prefix + ":task:" + taskID
}

func (j *RedisJournal) pendingKey() string {
	return j.prefix + ":pending"
}

// SaveTask writes the record and keeps the pending set in step, atomically.
func (j *RedisJournal) SaveTask(ctx context.Context, task models.Task, state models.TaskState) error {
	data, err := json.Marshal(journalRecord{Task: task, State: state})
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}

	pipe := j.client.TxPipeline()
	pipe.Set(ctx, j.taskKey(task.ID), data, j.expiry(state))
	if isPendingState(state) {
		pipe.SAdd(ctx, j.pendingKey(), task.ID)
	} else {
		pipe.SRem(ctx, j.pendingKey(), task.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to journal task %s: %w", task.ID, err)
	}
	return nil
}

// UpdateTaskState rewrites the stored record with the new state.
func (j *RedisJournal) UpdateTaskState(ctx context.Context, taskID string, state models.TaskState) error {
	data, err := j.client.Get(ctx, j.taskKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("task %s not journaled", taskID)
	}
	if err != nil {
		return fmt.Errorf("failed to read task %s: %w", taskID, err)
	}

	var record journalRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return fmt.Errorf("failed to decode task %s: %w", taskID, err)
	}
	record.State = state

	updated, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", taskID, err)
	}

	pipe := j.client.TxPipeline()
	pipe.Set(ctx, j.taskKey(taskID), updated, j.expiry(state))
	if isPendingState(state) {
		pipe.SAdd(ctx, j.pendingKey(), taskID)
	} else {
		pipe.SRem(ctx, j.pendingKey(), taskID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to journal task %s state: %w", taskID, err)
	}
	return nil
}

// PendingTasks returns the journaled queued and in-flight tasks, ordered by
// task id. Stale pending ids whose records expired are skipped.
func (j *RedisJournal) PendingTasks(ctx context.Context) ([]taskqueue.JournalEntry, error) {
	ids, err := j.client.SMembers(ctx, j.pendingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pending set: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = j.taskKey(id)
	}
	values, err := j.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pending tasks: %w", err)
	}

	var entries []taskqueue.JournalEntry
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Record gone but id still in the set; drop the orphan.
			j.client.SRem(ctx, j.pendingKey(), ids[i])
			continue
		}
		var record journalRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("failed to decode task %s: %w", ids[i], err)
		}
		if !isPendingState(record.State) {
			continue
		}
		entries = append(entries, taskqueue.JournalEntry{Task: record.Task, State: record.State})
	}
	return entries, nil
}

// expiry returns 0 (no expiry) for pending states and the terminal TTL
// otherwise, so finished records age out on their own.
func (j *RedisJournal) expiry(state models.TaskState) time.Duration {
	if isPendingState(state) {
		return 0
	}
	return j.terminalTTL
}

func isPendingState(state models.TaskState) bool {
	return state == models.TaskStateQueued || state == models.TaskStateInFlight
}
