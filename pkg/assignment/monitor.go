package assignment

import (
	"context"
	"log/slog"
	"time"

	"github.com/arbiter-ai/arbiter/pkg/models"
)

const (
	reasonAckTimeout       = "acknowledgement timeout"
	reasonDurationExceeded = "max assignment duration exceeded"
)

// Start launches the timeout monitor.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.runMonitor(ctx)

	slog.Info("Assignment monitor started",
		"ack_timeout", m.config.AckTimeout,
		"max_duration", m.config.MaxDuration,
		"monitor_interval", m.config.MonitorInterval)
}

// Stop terminates the monitor and waits for the sweep in flight.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
	slog.Info("Assignment monitor stopped")
}

func (m *Manager) runMonitor(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep expires assignments that missed their acknowledgement or duration
// deadline and hands them to the reassigner.
func (m *Manager) sweep(ctx context.Context) {
	now := m.now().UTC()

	m.mu.Lock()
	var expired []Reassignment
	for _, e := range m.assignments {
		switch e.assignment.State {
		case models.AssignmentPendingAck:
			if now.Sub(e.assignment.CreatedAt) > m.config.AckTimeout {
				expired = append(expired, m.expireLocked(e, reasonAckTimeout, now))
			}
		case models.AssignmentAcknowledged, models.AssignmentInProgress:
			if now.Sub(e.assignment.CreatedAt) > m.config.MaxDuration {
				expired = append(expired, m.expireLocked(e, reasonDurationExceeded, now))
				continue
			}
			m.warnOverdueHeartbeatLocked(e, now)
		}
	}
	reassigner := m.reassigner
	m.mu.Unlock()

	for _, r := range expired {
		m.storeUpdate(ctx, r.Assignment)

		if r.Exhausted {
			slog.Error("Assignment attempts exhausted",
				"assignment_id", r.Assignment.ID,
				"task_id", r.Task.ID,
				"agent_id", r.Assignment.AgentID,
				"attempt", r.Assignment.Attempt,
				"reason", r.Reason)
		} else {
			slog.Warn("Assignment expired, scheduling reassignment",
				"assignment_id", r.Assignment.ID,
				"task_id", r.Task.ID,
				"agent_id", r.Assignment.AgentID,
				"attempt", r.Assignment.Attempt,
				"reason", r.Reason)
		}

		if reassigner != nil {
			reassigner.HandleReassignment(ctx, r)
		} else if !r.Exhausted {
			slog.Error("No reassigner wired, task stays unrouted", "task_id", r.Task.ID)
		}
	}
}

// expireLocked moves the assignment to its timeout terminal state: reassigned
// while attempts remain, failed once the cap is reached.
func (m *Manager) expireLocked(e *entry, reason string, now time.Time) Reassignment {
	exhausted := e.assignment.Attempt >= m.config.MaxAttempts
	if exhausted {
		e.assignment.State = models.AssignmentFailed
	} else {
		e.assignment.State = models.AssignmentReassigned
	}
	e.assignment.FailureReason = reason
	completed := now
	e.assignment.CompletedAt = &completed
	m.markTerminalLocked(e.assignment.ID)

	return Reassignment{
		Assignment: e.assignment.Clone(),
		Task:       e.task.Clone(),
		Reason:     reason,
		Exhausted:  exhausted,
	}
}

// warnOverdueHeartbeatLocked logs once per silence window; missed heartbeats
// count toward the duration cap rather than failing the assignment early.
func (m *Manager) warnOverdueHeartbeatLocked(e *entry, now time.Time) {
	if e.assignment.State != models.AssignmentInProgress || e.heartbeatWarned {
		return
	}
	last := e.assignment.StartedAt
	if e.assignment.LastProgressAt != nil {
		last = e.assignment.LastProgressAt
	}
	if last == nil || now.Sub(*last) <= m.config.ProgressCheckInterval {
		return
	}
	e.heartbeatWarned = true
	slog.Warn("Assignment heartbeat overdue",
		"assignment_id", e.assignment.ID,
		"agent_id", e.assignment.AgentID,
		"task_id", e.assignment.TaskID,
		"last_progress", last.Format(time.RFC3339))
}
