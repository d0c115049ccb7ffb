package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/arbiter-ai/arbiter/pkg/events"
	"github.com/arbiter-ai/arbiter/pkg/models"
	"github.com/arbiter-ai/arbiter/pkg/router"
)

var (
	errQueueEmpty = errors.New("queue empty")
	errAtCapacity = errors.New("at capacity")
)

// runDispatch is the dispatch loop: claim the next queued task whenever the
// in-flight bound allows, route it, and create an assignment.
func (o *Orchestrator) runDispatch(ctx context.Context) {
	defer o.wg.Done()

	log := slog.With("component", "dispatch")
	log.Info("Dispatch loop started")

	for {
		select {
		case <-o.stopCh:
			log.Info("Dispatch loop shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, dispatch loop shutting down")
			return
		default:
			if _, err := o.dispatchNext(ctx); err != nil {
				if errors.Is(err, errQueueEmpty) || errors.Is(err, errAtCapacity) {
					o.sleep(o.pollInterval())
					continue
				}
				log.Error("Error dispatching task", "error", err)
				o.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (o *Orchestrator) sleep(d time.Duration) {
	select {
	case <-o.stopCh:
	case <-time.After(d):
	}
}

// pollInterval returns the idle poll duration with jitter.
func (o *Orchestrator) pollInterval() time.Duration {
	base := o.config.DispatchInterval
	jitter := o.config.DispatchJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// dispatchNext claims and dispatches one queued task. Returns errAtCapacity
// or errQueueEmpty when there is nothing to do; the capacity check, dequeue,
// and assignment creation are serialized so the in-flight bound holds.
func (o *Orchestrator) dispatchNext(ctx context.Context) (models.Assignment, error) {
	o.dispatchMu.Lock()
	defer o.dispatchMu.Unlock()

	if o.assignments.ActiveCount() >= o.config.MaxConcurrentTasks {
		return models.Assignment{}, errAtCapacity
	}
	task, ok := o.queue.Dequeue(ctx)
	if !ok {
		return models.Assignment{}, errQueueEmpty
	}
	return o.dispatchTask(ctx, task)
}

// dispatchTask routes one dequeued task and creates its assignment. A panic
// anywhere in the pipeline fails this task only; the loop keeps running.
func (o *Orchestrator) dispatchTask(ctx context.Context, task models.Task) (a models.Assignment, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatch panicked", "task_id", task.ID, "panic", r)
			o.failTask(context.Background(), task, "", KindInternal,
				fmt.Sprintf("dispatch panic: %v", r), task.Attempt+1)
			a, err = models.Assignment{}, fmt.Errorf("dispatch panic on task %s: %v", task.ID, r)
		}
	}()

	if o.expired(task) {
		o.failTask(ctx, task, "", KindTaskTimeout,
			fmt.Sprintf("task exceeded %s end-to-end budget", o.config.TaskTimeout), task.Attempt)
		return models.Assignment{}, nil
	}

	// The routing decision is recorded and published before any assignment
	// exists for it.
	decision, err := o.router.Route(ctx, task)
	if err != nil {
		if errors.Is(err, router.ErrNoCapableAgent) {
			o.failTask(ctx, task, "", KindNoCapableAgent, err.Error(), task.Attempt)
			return models.Assignment{}, nil
		}
		o.failTask(ctx, task, "", KindRegistryUnavailable, err.Error(), task.Attempt)
		return models.Assignment{}, fmt.Errorf("failed to route task %s: %w", task.ID, err)
	}

	a, err = o.assignments.Create(ctx, task, decision, task.Attempt+1)
	if err != nil {
		o.failTask(ctx, task, decision.AgentID, KindInternal, err.Error(), task.Attempt+1)
		return models.Assignment{}, fmt.Errorf("failed to create assignment for task %s: %w", task.ID, err)
	}

	if err := o.registry.UpdateLoad(ctx, decision.AgentID, 1, 0); err != nil {
		slog.Warn("Failed to bump agent load", "agent_id", decision.AgentID, "error", err)
	}

	o.mu.Lock()
	o.inFlight[a.ID] = task.Clone()
	o.mu.Unlock()

	slog.Info("Task dispatched",
		"task_id", task.ID,
		"assignment_id", a.ID,
		"agent_id", a.AgentID,
		"strategy", decision.Strategy,
		"attempt", a.Attempt)
	return a, nil
}

// failTask records a terminal failure and publishes task.failed. Refused
// tasks are never silently dropped; this event is their trace.
func (o *Orchestrator) failTask(ctx context.Context, task models.Task, agentID string, kind ErrorKind, reason string, attempt int) {
	o.queue.MarkFailed(ctx, task.ID)

	slog.Error("Task failed",
		"task_id", task.ID,
		"kind", string(kind),
		"reason", reason,
		"attempt", attempt)

	o.publish(events.NewEvent(models.EventTaskFailed, "orchestrator", models.EventSeverityError,
		models.TaskFailedPayload{
			TaskID:  task.ID,
			AgentID: agentID,
			Kind:    string(kind),
			Reason:  reason,
			Attempt: attempt,
		}))
}
