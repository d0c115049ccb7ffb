// Package taskqueue implements the bounded priority queue feeding the
// dispatch loop. Higher priority dequeues first; ties are FIFO.
package taskqueue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arbiter-ai/arbiter/pkg/events"
	"github.com/arbiter-ai/arbiter/pkg/models"
)

var (
	// ErrQueueFull is returned when the queue is at capacity.
	ErrQueueFull = errors.New("queue full")

	// ErrDuplicateTask is returned when a task id is already queued or
	// in flight.
	ErrDuplicateTask = errors.New("task already queued")
)

// Config holds the queue knobs.
type Config struct {
	// Capacity bounds how many tasks may wait in the queue.
	Capacity int `yaml:"capacity"`

	// TerminalBuffer bounds how many completed/failed states are retained
	// for status lookups.
	TerminalBuffer int `yaml:"terminal_buffer"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{Capacity: 1000, TerminalBuffer: 4096}
}

// Journal is the optional write-through persistence adapter. The queue does
// not assume the journal is crash-consistent; on restart, persisted queued
// and in-flight tasks are requeued with a bumped attempt number.
type Journal interface {
	SaveTask(ctx context.Context, task models.Task, state models.TaskState) error
	UpdateTaskState(ctx context.Context, taskID string, state models.TaskState) error
	PendingTasks(ctx context.Context) ([]JournalEntry, error)
}

// JournalEntry is one persisted task with its last known state.
type JournalEntry struct {
	Task  models.Task
	State models.TaskState
}

type queueItem struct {
	task       models.Task
	seq        uint64
	enqueuedAt time.Time
	index      int
}

// Queue is the in-memory bounded priority queue. All operations are
// non-blocking; the dispatch loop polls Dequeue.
type Queue struct {
	config  Config
	journal Journal
	sink    events.Sink

	mu     sync.Mutex
	items  taskHeap
	seq    uint64
	states map[string]models.TaskState

	// Ring of terminal task ids so the states map stays bounded.
	terminalOrder []string
	terminalNext  int

	now func() time.Time
}

// New creates a queue. journal and sink may be nil.
func New(cfg Config, journal Journal, sink events.Sink) *Queue {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.TerminalBuffer <= 0 {
		cfg.TerminalBuffer = def.TerminalBuffer
	}
	return &Queue{
		config:        cfg,
		journal:       journal,
		sink:          sink,
		items:         make(taskHeap, 0, cfg.Capacity),
		states:        make(map[string]models.TaskState),
		terminalOrder: make([]string, 0, cfg.TerminalBuffer),
		now:           time.Now,
	}
}

// Enqueue admits a task. Fails fast when at capacity; never blocks.
func (q *Queue) Enqueue(ctx context.Context, task models.Task) error {
	return q.admit(ctx, task, false)
}

// Requeue readmits a task whose dispatch fell through (expired assignment,
// recovery retry). Unlike Enqueue it accepts a task currently marked
// in-flight; a task still sitting in the queue is still a duplicate.
func (q *Queue) Requeue(ctx context.Context, task models.Task) error {
	return q.admit(ctx, task, true)
}

func (q *Queue) admit(ctx context.Context, task models.Task, requeue bool) error {
	if task.ID == "" {
		return models.NewValidationError("id", "task id is required")
	}

	q.mu.Lock()
	if len(q.items) >= q.config.Capacity {
		q.mu.Unlock()
		return fmt.Errorf("%w: capacity %d", ErrQueueFull, q.config.Capacity)
	}
	if state, ok := q.states[task.ID]; ok {
		if state == models.TaskStateQueued || (state == models.TaskStateInFlight && !requeue) {
			q.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
		}
	}

	q.seq++
	item := &queueItem{
		task:       task.Clone(),
		seq:        q.seq,
		enqueuedAt: q.now(),
	}
	heap.Push(&q.items, item)
	q.states[task.ID] = models.TaskStateQueued
	depth := len(q.items)
	q.mu.Unlock()

	q.journalSave(ctx, task, models.TaskStateQueued)

	q.publish(events.NewEvent(models.EventTaskEnqueued, "taskqueue", models.EventSeverityInfo,
		models.TaskEnqueuedPayload{
			TaskID:     task.ID,
			TaskType:   task.Type,
			Priority:   task.Priority,
			QueueDepth: depth,
		}))
	return nil
}

// Dequeue pops the highest-priority task, FIFO within a priority. Returns
// false when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (models.Task, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return models.Task{}, false
	}
	item := heap.Pop(&q.items).(*queueItem)
	q.states[item.task.ID] = models.TaskStateInFlight
	waitTime := q.now().Sub(item.enqueuedAt)
	q.mu.Unlock()

	q.journalUpdate(ctx, item.task.ID, models.TaskStateInFlight)

	q.publish(events.NewEvent(models.EventTaskDequeued, "taskqueue", models.EventSeverityInfo,
		models.TaskDequeuedPayload{
			TaskID:     item.task.ID,
			WaitTimeMs: waitTime.Milliseconds(),
		}))
	return item.task, true
}

// Remove pulls a still-queued task out of the queue, for cancellation.
// Returns false if the task is not currently queued.
func (q *Queue) Remove(ctx context.Context, taskID string) (models.Task, bool) {
	q.mu.Lock()
	idx := -1
	for i, item := range q.items {
		if item.task.ID == taskID {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return models.Task{}, false
	}
	item := heap.Remove(&q.items, idx).(*queueItem)
	q.markTerminalLocked(taskID, models.TaskStateFailed)
	q.mu.Unlock()

	q.journalUpdate(ctx, taskID, models.TaskStateFailed)
	return item.task, true
}

// Size returns how many tasks are waiting.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the configured queue bound.
func (q *Queue) Capacity() int {
	return q.config.Capacity
}

// TaskState reports the queue-level lifecycle state of a task.
func (q *Queue) TaskState(taskID string) models.TaskState {
	q.mu.Lock()
	defer q.mu.Unlock()
	if state, ok := q.states[taskID]; ok {
		return state
	}
	return models.TaskStateUnknown
}

// MarkCompleted records a terminal completed state for an in-flight task.
func (q *Queue) MarkCompleted(ctx context.Context, taskID string) {
	q.markTerminal(ctx, taskID, models.TaskStateCompleted)
}

// MarkFailed records a terminal failed state.
func (q *Queue) MarkFailed(ctx context.Context, taskID string) {
	q.markTerminal(ctx, taskID, models.TaskStateFailed)
}

// Restore requeues persisted queued and in-flight tasks after a restart,
// bumping each task's attempt number. Returns how many were requeued.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.journal == nil {
		return 0, nil
	}
	entries, err := q.journal.PendingTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load persisted tasks: %w", err)
	}

	restored := 0
	for _, entry := range entries {
		if entry.State != models.TaskStateQueued && entry.State != models.TaskStateInFlight {
			continue
		}
		task := entry.Task
		task.Attempt++
		if err := q.Enqueue(ctx, task); err != nil {
			slog.Warn("Failed to requeue persisted task", "task_id", task.ID, "error", err)
			continue
		}
		restored++
	}
	if restored > 0 {
		slog.Info("Restored tasks from journal", "count", restored)
	}
	return restored, nil
}

func (q *Queue) markTerminal(ctx context.Context, taskID string, state models.TaskState) {
	q.mu.Lock()
	q.markTerminalLocked(taskID, state)
	q.mu.Unlock()

	q.journalUpdate(ctx, taskID, state)
}

// markTerminalLocked records a terminal state and evicts the oldest terminal
// entry once the buffer is full.
func (q *Queue) markTerminalLocked(taskID string, state models.TaskState) {
	previous := q.states[taskID]
	q.states[taskID] = state
	if isTerminal(previous) {
		// Already in the ring; no second slot.
		return
	}

	if len(q.terminalOrder) < q.config.TerminalBuffer {
		q.terminalOrder = append(q.terminalOrder, taskID)
		return
	}
	// Evict only if the slot still holds a terminal state; the id may have
	// been requeued since.
	evict := q.terminalOrder[q.terminalNext]
	if isTerminal(q.states[evict]) {
		delete(q.states, evict)
	}
	q.terminalOrder[q.terminalNext] = taskID
	q.terminalNext = (q.terminalNext + 1) % q.config.TerminalBuffer
}

func isTerminal(state models.TaskState) bool {
	return state == models.TaskStateCompleted || state == models.TaskStateFailed
}

func (q *Queue) journalSave(ctx context.Context, task models.Task, state models.TaskState) {
	if q.journal == nil {
		return
	}
	if err := q.journal.SaveTask(ctx, task, state); err != nil {
		slog.Warn("Failed to journal task", "task_id", task.ID, "state", state, "error", err)
	}
}

func (q *Queue) journalUpdate(ctx context.Context, taskID string, state models.TaskState) {
	if q.journal == nil {
		return
	}
	if err := q.journal.UpdateTaskState(ctx, taskID, state); err != nil {
		slog.Warn("Failed to journal task state", "task_id", taskID, "state", state, "error", err)
	}
}

func (q *Queue) publish(evt models.Event) {
	if q.sink == nil {
		return
	}
	q.sink.Publish(evt)
}

// taskHeap orders by priority descending, then insertion order.
type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
