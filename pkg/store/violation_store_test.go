package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-ai/arbiter/pkg/models"
	"github.com/arbiter-ai/arbiter/test/util"
)

func TestViolationStore_SaveIsIdempotent(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewViolationStore(db)
	ctx := context.Background()

	v := models.ConstitutionalViolation{
		ID:          "vio-1",
		PolicyID:    "pol-safety-1",
		RuleID:      "rule-1",
		Principle:   models.PrincipleSafety,
		Severity:    models.SeverityCritical,
		Message:     "operation type system_delete is forbidden",
		Actual:      "system_delete",
		Expected:    "anything else",
		OperationID: "op-1",
		Timestamp:   time.Now().UTC().Truncate(time.Millisecond),
		Context: models.ViolationContext{
			OperationType: "system_delete",
			AgentID:       "agent-a",
			Environment:   "production",
		},
		Remediation: "block",
	}
	require.NoError(t, s.SaveViolation(ctx, v))

	// The handler may retry after a timeout; the same id must not duplicate.
	require.NoError(t, s.SaveViolation(ctx, v))

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM violations`).Scan(&count))
	assert.Equal(t, 1, count)

	var severity, remediation string
	var contextJSON []byte
	var occurredAt time.Time
	err := db.QueryRowContext(ctx,
		`SELECT severity, remediation, context, occurred_at FROM violations WHERE id = $1`, "vio-1").
		Scan(&severity, &remediation, &contextJSON, &occurredAt)
	require.NoError(t, err)
	assert.Equal(t, "critical", severity)
	assert.Equal(t, "block", remediation)
	assert.True(t, occurredAt.Equal(v.Timestamp))

	var storedCtx models.ViolationContext
	require.NoError(t, json.Unmarshal(contextJSON, &storedCtx))
	assert.Equal(t, v.Context, storedCtx)
}

func TestViolationStore_PruneOlderThan(t *testing.T) {
	db := util.SetupTestDatabase(t)
	s := NewViolationStore(db)
	ctx := context.Background()

	save := func(id string, age time.Duration) {
		require.NoError(t, s.SaveViolation(ctx, models.ConstitutionalViolation{
			ID: id, PolicyID: "pol-1", RuleID: "rule-1",
			Principle: models.PrincipleSafety, Severity: models.SeverityLow,
			Message: "m", OperationID: "op-1",
			Timestamp: time.Now().UTC().Add(-age),
		}))
	}
	save("vio-old", 72*time.Hour)
	save("vio-new", time.Hour)

	// Zero retention disables pruning entirely.
	pruned, err := s.PruneOlderThan(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, pruned)

	pruned, err = s.PruneOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	var remaining string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT id FROM violations`).Scan(&remaining))
	assert.Equal(t, "vio-new", remaining)
}
