// Package policy evaluates constitutional policies against operations. The
// engine is a pure evaluator: it never mutates the operation or context and
// never executes actions; violations are handed to the violation handler.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-ai/arbiter/pkg/models"
)

var (
	// ErrPolicyExists is returned when registering a duplicate policy id.
	ErrPolicyExists = errors.New("policy already registered")

	// ErrPolicyNotFound is returned for unknown policy ids.
	ErrPolicyNotFound = errors.New("policy not found")
)

// defaultPolicyTimeout caps one policy's evaluation; past it the remaining
// rules are recorded as a rule failure.
const defaultPolicyTimeout = time.Second

// Engine holds the registered policy set. Policies are immutable during an
// evaluation; registration changes take the write lock.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]models.ConstitutionalPolicy
	order    []string
	timeout  time.Duration

	now func() time.Time
}

// NewEngine creates an engine. perPolicyTimeout <= 0 selects the default.
func NewEngine(perPolicyTimeout time.Duration) *Engine {
	if perPolicyTimeout <= 0 {
		perPolicyTimeout = defaultPolicyTimeout
	}
	return &Engine{
		policies: make(map[string]models.ConstitutionalPolicy),
		timeout:  perPolicyTimeout,
		now:      time.Now,
	}
}

// Register adds a policy. The id must be unused and the policy well-formed.
func (e *Engine) Register(p models.ConstitutionalPolicy) error {
	if err := validatePolicy(p); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.policies[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrPolicyExists, p.ID)
	}
	e.policies[p.ID] = p.Clone()
	e.order = append(e.order, p.ID)

	slog.Info("Policy registered",
		"policy_id", p.ID,
		"principle", string(p.Principle),
		"severity", string(p.Severity),
		"rules", len(p.Rules),
		"enabled", p.Enabled)
	return nil
}

// Unregister removes a policy, reporting whether it existed.
func (e *Engine) Unregister(policyID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.policies[policyID]; !ok {
		return false
	}
	delete(e.policies, policyID)
	for i, id := range e.order {
		if id == policyID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	slog.Info("Policy unregistered", "policy_id", policyID)
	return true
}

// SetEnabled flips a policy's enabled flag.
func (e *Engine) SetEnabled(policyID string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.policies[policyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, policyID)
	}
	p.Enabled = enabled
	e.policies[policyID] = p
	return nil
}

// Get returns a clone of one policy.
func (e *Engine) Get(policyID string) (models.ConstitutionalPolicy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.policies[policyID]
	if !ok {
		return models.ConstitutionalPolicy{}, false
	}
	return p.Clone(), true
}

// Policies returns clones of all policies in registration order.
func (e *Engine) Policies() []models.ConstitutionalPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]models.ConstitutionalPolicy, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.policies[id].Clone())
	}
	return out
}

// Count returns the number of registered policies.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.policies)
}

// EvaluateCompliance runs every enabled policy against the operation. The
// result is a pure function of (policies, operation, context); a cancelled
// context stops evaluation of the remaining policies.
func (e *Engine) EvaluateCompliance(ctx context.Context, op models.Operation, opCtx models.OperationContext) models.ComplianceResult {
	started := e.now()

	e.mu.RLock()
	snapshot := make([]models.ConstitutionalPolicy, 0, len(e.order))
	for _, id := range e.order {
		if p := e.policies[id]; p.Enabled {
			snapshot = append(snapshot, p)
		}
	}
	e.mu.RUnlock()

	root := evaluationRoot(op, opCtx)
	result := models.ComplianceResult{Compliant: true}

	for _, p := range snapshot {
		if ctx.Err() != nil {
			break
		}
		eval := e.evaluatePolicy(p, root, op, opCtx)
		if !eval.Compliant {
			result.Compliant = false
			result.Violations = append(result.Violations, eval.Violations...)
		}
		result.Evaluations = append(result.Evaluations, eval)
	}

	result.Duration = e.now().Sub(started)
	return result
}

func (e *Engine) evaluatePolicy(p models.ConstitutionalPolicy, root map[string]any, op models.Operation, opCtx models.OperationContext) models.PolicyEvaluation {
	started := e.now()
	eval := models.PolicyEvaluation{
		PolicyID:   p.ID,
		PolicyName: p.Name,
		Principle:  p.Principle,
		Compliant:  true,
	}

	for _, rule := range p.Rules {
		if e.now().Sub(started) > e.timeout {
			eval.Compliant = false
			eval.Violations = append(eval.Violations, newRuleFailure(p, rule, op, opCtx, e.now(),
				fmt.Sprintf("policy evaluation exceeded %s", e.timeout)))
			break
		}

		holds, actual, err := evaluateRule(rule, root)
		switch {
		case err != nil:
			eval.Compliant = false
			eval.Violations = append(eval.Violations, newRuleFailure(p, rule, op, opCtx, e.now(), err.Error()))
		case !holds:
			eval.Compliant = false
			eval.Violations = append(eval.Violations, newViolation(p, rule, actual, op, opCtx, e.now()))
		}
	}

	eval.Duration = e.now().Sub(started)
	return eval
}

// evaluateRule extracts the value and applies the operator, converting any
// panic from malformed rule data into an evaluation error.
func evaluateRule(rule models.PolicyRule, root map[string]any) (holds bool, actual any, err error) {
	defer func() {
		if r := recover(); r != nil {
			holds = false
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	actual, found := resolvePath(root, rule.Path)
	holds, err = evalOperator(rule.Operator, actual, found, rule.Value)
	return holds, actual, err
}

func newViolation(p models.ConstitutionalPolicy, rule models.PolicyRule, actual any, op models.Operation, opCtx models.OperationContext, ts time.Time) models.ConstitutionalViolation {
	return models.ConstitutionalViolation{
		ID:          "vio_" + uuid.NewString(),
		PolicyID:    p.ID,
		RuleID:      rule.ID,
		Principle:   p.Principle,
		Severity:    p.Severity,
		Message:     rule.Message,
		Actual:      actual,
		Expected:    rule.Value,
		OperationID: op.ID,
		Timestamp:   ts.UTC(),
		Context:     violationContext(op, opCtx),
		Remediation: p.Remediation,
	}
}

// newRuleFailure reports a rule that could not be evaluated. Always medium:
// a broken rule is a configuration defect, not evidence about the operation.
func newRuleFailure(p models.ConstitutionalPolicy, rule models.PolicyRule, op models.Operation, opCtx models.OperationContext, ts time.Time, detail string) models.ConstitutionalViolation {
	return models.ConstitutionalViolation{
		ID:          "vio_" + uuid.NewString(),
		PolicyID:    p.ID,
		RuleID:      rule.ID,
		Principle:   p.Principle,
		Severity:    models.SeverityMedium,
		Message:     "Rule evaluation failed: " + detail,
		Expected:    rule.Value,
		OperationID: op.ID,
		Timestamp:   ts.UTC(),
		Context:     violationContext(op, opCtx),
		Remediation: p.Remediation,
	}
}

func violationContext(op models.Operation, opCtx models.OperationContext) models.ViolationContext {
	return models.ViolationContext{
		OperationType: op.Type,
		AgentID:       op.AgentID,
		UserID:        op.UserID,
		SessionID:     op.SessionID,
		Environment:   opCtx.Environment,
		RequestID:     opCtx.RequestID,
	}
}

func validatePolicy(p models.ConstitutionalPolicy) error {
	if p.ID == "" {
		return models.NewValidationError("id", "policy id is required")
	}
	if p.Name == "" {
		return models.NewValidationError("name", "policy name is required")
	}
	if !p.Principle.Valid() {
		return models.NewValidationError("principle", fmt.Sprintf("unknown principle %q", p.Principle))
	}
	if !p.Severity.Valid() {
		return models.NewValidationError("severity", fmt.Sprintf("unknown severity %q", p.Severity))
	}
	for i, rule := range p.Rules {
		if rule.ID == "" {
			return models.NewValidationError(fmt.Sprintf("rules[%d].id", i), "rule id is required")
		}
		if rule.Path == "" {
			return models.NewValidationError(fmt.Sprintf("rules[%d].path", i), "rule path is required")
		}
		if !rule.Operator.Valid() {
			return models.NewValidationError(fmt.Sprintf("rules[%d].operator", i), fmt.Sprintf("unknown operator %q", rule.Operator))
		}
	}
	return nil
}
