package metrics

import (
	"context"

	"github.com/arbiter-ai/arbiter/pkg/events"
	"github.com/arbiter-ai/arbiter/pkg/models"
)

// Run drains a bus subscription into the collectors until the context is
// cancelled or the subscription closes. Subscribe with the "task." and
// "constitutional." prefixes to cover every metric this observer feeds.
func (m *Metrics) Run(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			m.observe(evt)
		}
	}
}

func (m *Metrics) observe(evt models.Event) {
	switch evt.Type {
	case models.EventTaskEnqueued:
		m.TasksSubmitted.Inc()

	case models.EventTaskCompleted:
		m.TasksCompleted.Inc()
		if p, ok := payloadAs[models.TaskCompletedPayload](evt.Payload); ok {
			m.TaskDuration.Observe(p.Metrics.LatencyMs / 1000)
		}

	case models.EventTaskFailed:
		kind := "unknown"
		if p, ok := payloadAs[models.TaskFailedPayload](evt.Payload); ok && p.Kind != "" {
			kind = p.Kind
		}
		m.TasksFailed.WithLabelValues(kind).Inc()

	case models.EventTaskAssigned:
		// Attempt 1 is the initial dispatch; anything later is a reassignment.
		if p, ok := payloadAs[models.TaskAssignedPayload](evt.Payload); ok && p.Attempt > 1 {
			m.Reassignments.Inc()
		}

	case models.EventTaskRoutingDecided:
		if p, ok := payloadAs[models.RoutingDecidedPayload](evt.Payload); ok {
			m.RoutingDuration.Observe(float64(p.DurationMs))
		}

	case models.EventOperationValidated:
		if p, ok := payloadAs[models.OperationValidatedPayload](evt.Payload); ok {
			m.PolicyEvalDuration.Observe(float64(p.DurationMs))
		}

	case models.EventViolationsDetected:
		if p, ok := payloadAs[models.ViolationsDetectedPayload](evt.Payload); ok && p.Count > 0 {
			m.Violations.WithLabelValues(string(p.MaxSeverity)).Add(float64(p.Count))
		}

	case models.EventWaiverApplied:
		m.WaiversApplied.Inc()
	}
}

// payloadAs unwraps an event payload published either by value or by pointer.
func payloadAs[T any](p any) (T, bool) {
	if v, ok := p.(T); ok {
		return v, true
	}
	if v, ok := p.(*T); ok && v != nil {
		return *v, true
	}
	var zero T
	return zero, false
}
