package policy

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-ai/arbiter/pkg/models"
)

func safetyPolicy() models.ConstitutionalPolicy {
	return models.ConstitutionalPolicy{
		ID:        "pol-no-destructive-commands",
		Principle: models.PrincipleSafety,
		Name:      "No destructive commands",
		Severity:  models.SeverityCritical,
		Enabled:   true,
		Rules: []models.PolicyRule{
			{
				ID:       "rule-no-rm",
				Path:     "operation.payload.command",
				Operator: models.OpNotContains,
				Value:    "rm -rf",
				Message:  "Destructive filesystem commands are not permitted",
			},
		},
	}
}

func submitOperation(command string) models.Operation {
	return models.Operation{
		ID:      "op-1",
		Type:    "task_submit",
		AgentID: "agent-a",
		UserID:  "user-1",
		Payload: map[string]any{"command": command},
	}
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*models.ConstitutionalPolicy)
		wantField string
	}{
		{"missing id", func(p *models.ConstitutionalPolicy) { p.ID = "" }, "id"},
		{"missing name", func(p *models.ConstitutionalPolicy) { p.Name = "" }, "name"},
		{"unknown principle", func(p *models.ConstitutionalPolicy) { p.Principle = "vibes" }, "principle"},
		{"unknown severity", func(p *models.ConstitutionalPolicy) { p.Severity = "fatal" }, "severity"},
		{"rule without id", func(p *models.ConstitutionalPolicy) { p.Rules[0].ID = "" }, "rules[0].id"},
		{"rule without path", func(p *models.ConstitutionalPolicy) { p.Rules[0].Path = "" }, "rules[0].path"},
		{"rule bad operator", func(p *models.ConstitutionalPolicy) { p.Rules[0].Operator = "matches" }, "rules[0].operator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewEngine(0)
			p := safetyPolicy()
			tt.mutate(&p)

			err := engine.Register(p)
			require.Error(t, err)

			var verr *models.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	engine := NewEngine(0)
	require.NoError(t, engine.Register(safetyPolicy()))

	err := engine.Register(safetyPolicy())
	assert.ErrorIs(t, err, ErrPolicyExists)
	assert.Equal(t, 1, engine.Count())
}

func TestUnregister(t *testing.T) {
	engine := NewEngine(0)
	require.NoError(t, engine.Register(safetyPolicy()))

	assert.True(t, engine.Unregister("pol-no-destructive-commands"))
	assert.False(t, engine.Unregister("pol-no-destructive-commands"))
	assert.Equal(t, 0, engine.Count())
}

func TestSetEnabled(t *testing.T) {
	engine := NewEngine(0)
	require.NoError(t, engine.Register(safetyPolicy()))

	require.NoError(t, engine.SetEnabled("pol-no-destructive-commands", false))
	p, ok := engine.Get("pol-no-destructive-commands")
	require.True(t, ok)
	assert.False(t, p.Enabled)

	err := engine.SetEnabled("pol-missing", true)
	assert.ErrorIs(t, err, ErrPolicyNotFound)
}

func TestEvaluateCompliantOperation(t *testing.T) {
	engine := NewEngine(0)
	require.NoError(t, engine.Register(safetyPolicy()))

	result := engine.EvaluateCompliance(context.Background(), submitOperation("go test ./..."), models.OperationContext{})

	assert.True(t, result.Compliant)
	assert.Empty(t, result.Violations)
	require.Len(t, result.Evaluations, 1)
	assert.True(t, result.Evaluations[0].Compliant)
}

func TestEvaluateProducesViolation(t *testing.T) {
	engine := NewEngine(0)
	require.NoError(t, engine.Register(safetyPolicy()))

	op := submitOperation("rm -rf /")
	opCtx := models.OperationContext{Environment: "production", RequestID: "req-9"}
	result := engine.EvaluateCompliance(context.Background(), op, opCtx)

	assert.False(t, result.Compliant)
	require.Len(t, result.Violations, 1)

	v := result.Violations[0]
	assert.Equal(t, "pol-no-destructive-commands", v.PolicyID)
	assert.Equal(t, "rule-no-rm", v.RuleID)
	assert.Equal(t, models.PrincipleSafety, v.Principle)
	assert.Equal(t, models.SeverityCritical, v.Severity)
	assert.Equal(t, "Destructive filesystem commands are not permitted", v.Message)
	assert.Equal(t, "rm -rf /", v.Actual)
	assert.Equal(t, "rm -rf", v.Expected)
	assert.Equal(t, "op-1", v.OperationID)
	assert.True(t, strings.HasPrefix(v.ID, "vio_"))
	assert.Equal(t, "task_submit", v.Context.OperationType)
	assert.Equal(t, "agent-a", v.Context.AgentID)
	assert.Equal(t, "production", v.Context.Environment)
	assert.Equal(t, "req-9", v.Context.RequestID)
}

func TestDisabledPolicySkipped(t *testing.T) {
	engine := NewEngine(0)
	p := safetyPolicy()
	p.Enabled = false
	require.NoError(t, engine.Register(p))

	result := engine.EvaluateCompliance(context.Background(), submitOperation("rm -rf /"), models.OperationContext{})

	assert.True(t, result.Compliant)
	assert.Empty(t, result.Evaluations)
}

func TestBrokenRuleBecomesMediumViolation(t *testing.T) {
	engine := NewEngine(0)
	p := safetyPolicy()
	p.Rules = append(p.Rules, models.PolicyRule{
		ID:       "rule-broken-regex",
		Path:     "operation.payload.command",
		Operator: models.OpRegexMatch,
		Value:    "([unclosed",
		Message:  "never shown",
	})
	require.NoError(t, engine.Register(p))

	result := engine.EvaluateCompliance(context.Background(), submitOperation("ls"), models.OperationContext{})

	assert.False(t, result.Compliant)
	require.Len(t, result.Violations, 1)
	v := result.Violations[0]
	assert.Equal(t, "rule-broken-regex", v.RuleID)
	assert.Equal(t, models.SeverityMedium, v.Severity)
	assert.True(t, strings.HasPrefix(v.Message, "Rule evaluation failed: "))
}

func TestPolicyEvaluationTimeout(t *testing.T) {
	engine := NewEngine(0)
	p := safetyPolicy()
	p.Rules = append(p.Rules, models.PolicyRule{
		ID:       "rule-second",
		Path:     "operation.payload.command",
		Operator: models.OpExists,
		Message:  "command must be present",
	})
	require.NoError(t, engine.Register(p))

	// Each clock read advances 600ms: the second rule starts past the 1s
	// per-policy ceiling.
	current := time.Now()
	engine.now = func() time.Time {
		current = current.Add(600 * time.Millisecond)
		return current
	}

	result := engine.EvaluateCompliance(context.Background(), submitOperation("ls"), models.OperationContext{})

	assert.False(t, result.Compliant)
	require.Len(t, result.Violations, 1)
	assert.Contains(t, result.Violations[0].Message, "Rule evaluation failed: policy evaluation exceeded")
	assert.Equal(t, models.SeverityMedium, result.Violations[0].Severity)
}

func TestEvaluateAggregatesAcrossPolicies(t *testing.T) {
	engine := NewEngine(0)
	require.NoError(t, engine.Register(safetyPolicy()))
	require.NoError(t, engine.Register(models.ConstitutionalPolicy{
		ID:        "pol-require-user",
		Principle: models.PrincipleAccountability,
		Name:      "Operations carry a user",
		Severity:  models.SeverityMedium,
		Enabled:   true,
		Rules: []models.PolicyRule{
			{
				ID:       "rule-user-exists",
				Path:     "operation.user_id",
				Operator: models.OpExists,
				Message:  "Operation has no attributed user",
			},
		},
	}))

	op := submitOperation("rm -rf /")
	op.UserID = ""
	result := engine.EvaluateCompliance(context.Background(), op, models.OperationContext{})

	assert.False(t, result.Compliant)
	assert.Len(t, result.Violations, 2)
	require.Len(t, result.Evaluations, 2)
	assert.Equal(t, "pol-no-destructive-commands", result.Evaluations[0].PolicyID)
	assert.Equal(t, "pol-require-user", result.Evaluations[1].PolicyID)
}

func TestEvaluateDoesNotMutateOperation(t *testing.T) {
	engine := NewEngine(0)
	require.NoError(t, engine.Register(safetyPolicy()))

	op := submitOperation("rm -rf /")
	engine.EvaluateCompliance(context.Background(), op, models.OperationContext{})

	assert.Equal(t, map[string]any{"command": "rm -rf /"}, op.Payload)
}

func TestCancelledContextStopsEvaluation(t *testing.T) {
	engine := NewEngine(0)
	require.NoError(t, engine.Register(safetyPolicy()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := engine.EvaluateCompliance(ctx, submitOperation("rm -rf /"), models.OperationContext{})

	assert.Empty(t, result.Evaluations)
}

func TestPoliciesReturnsClones(t *testing.T) {
	engine := NewEngine(0)
	require.NoError(t, engine.Register(safetyPolicy()))

	out := engine.Policies()
	require.Len(t, out, 1)
	out[0].Rules[0].Value = "tampered"

	p, ok := engine.Get("pol-no-destructive-commands")
	require.True(t, ok)
	assert.Equal(t, "rm -rf", p.Rules[0].Value)
}
