package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/arbiter-ai/arbiter/pkg/assignment"
	"github.com/arbiter-ai/arbiter/pkg/constitutional"
	"github.com/arbiter-ai/arbiter/pkg/models"
	"github.com/arbiter-ai/arbiter/pkg/registry"
	"github.com/arbiter-ai/arbiter/pkg/router"
	"github.com/arbiter-ai/arbiter/pkg/taskqueue"
	"github.com/arbiter-ai/arbiter/pkg/waiver"
)

// ErrorKind classifies orchestrator failures for callers. Components raise
// their own sentinel errors; only the orchestrator converts them to kinds.
type ErrorKind string

const (
	KindInvalidInput         ErrorKind = "invalid-input"
	KindNotFound             ErrorKind = "not-found"
	KindConflict             ErrorKind = "conflict"
	KindAuthenticationFailed ErrorKind = "authentication-failed"
	KindQueueFull            ErrorKind = "queue-full"
	KindRegistryFull         ErrorKind = "registry-full"
	KindRegistryUnavailable  ErrorKind = "registry-unavailable"
	KindNoCapableAgent       ErrorKind = "no-capable-agent"
	KindPolicyBlock          ErrorKind = "policy-block"
	KindTaskTimeout          ErrorKind = "task-timeout"
	KindMaxReassignments     ErrorKind = "max-reassignments-exceeded"
	KindCancelled            ErrorKind = "cancelled"
	KindAgentFailure         ErrorKind = "agent-failure"
	KindInternal             ErrorKind = "internal"
)

// Error is the structured failure surfaced by orchestrator operations. A
// policy block carries the violations that caused it.
type Error struct {
	Kind       ErrorKind
	Message    string
	Violations []models.ConstitutionalViolation

	err error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.err
}

// AsError extracts the orchestrator error from an error chain.
func AsError(err error) (*Error, bool) {
	var oe *Error
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

func newError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, err: err}
}

// classify maps component sentinel errors to user-visible kinds. Unrecognized
// errors are internal.
func classify(err error) *Error {
	if err == nil {
		return nil
	}
	if oe, ok := AsError(err); ok {
		return oe
	}

	kind := KindInternal
	switch {
	case models.IsValidationError(err):
		kind = KindInvalidInput
	case errors.Is(err, registry.ErrAgentNotFound),
		errors.Is(err, assignment.ErrAssignmentNotFound),
		errors.Is(err, waiver.ErrWaiverNotFound):
		kind = KindNotFound
	case errors.Is(err, registry.ErrAgentExists),
		errors.Is(err, taskqueue.ErrDuplicateTask),
		errors.Is(err, assignment.ErrInvalidTransition),
		errors.Is(err, assignment.ErrAgentMismatch),
		errors.Is(err, waiver.ErrInvalidWaiverState):
		kind = KindConflict
	case errors.Is(err, registry.ErrRegistryFull):
		kind = KindRegistryFull
	case errors.Is(err, taskqueue.ErrQueueFull):
		kind = KindQueueFull
	case errors.Is(err, router.ErrNoCapableAgent):
		kind = KindNoCapableAgent
	case errors.Is(err, constitutional.ErrOperationBlocked):
		kind = KindPolicyBlock
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTaskTimeout
	}
	return newError(kind, err.Error(), err)
}
