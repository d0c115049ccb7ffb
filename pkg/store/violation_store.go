package store

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"time"

	"github.com/arbiter-ai/arbiter/pkg/models"
	"github.com/arbiter-ai/arbiter/pkg/violation"
)

// ViolationStore appends constitutional violations to the compliance
// record. Violations are immutable once written.
type ViolationStore struct {
	db *stdsql.DB
}

var _ violation.Store = (*ViolationStore)(nil)

// NewViolationStore returns a store on the shared pool.
func NewViolationStore(db *stdsql.DB) *ViolationStore {
	return &ViolationStore{db: db}
}

// SaveViolation inserts one violation. Replaying the same id is a no-op so
// the handler's retry path cannot duplicate records.
func (s *ViolationStore) SaveViolation(ctx context.Context, v models.ConstitutionalViolation) error {
	actual, err := marshalNullable(v.Actual)
	if err != nil {
		return err
	}
	expected, err := marshalNullable(v.Expected)
	if err != nil {
		return err
	}
	vctx, err := marshalNullable(v.Context)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO violations (
			id, policy_id, rule_id, principle, severity, message,
			operation_id, remediation, actual, expected, context, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		v.ID, v.PolicyID, v.RuleID, string(v.Principle), string(v.Severity), v.Message,
		v.OperationID, v.Remediation, actual, expected, vctx, v.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save violation %s: %w", v.ID, err)
	}
	return nil
}

// PruneOlderThan deletes violation records older than age. Retention is an
// operator decision; pass zero to keep everything.
func (s *ViolationStore) PruneOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	if age <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-age)
	res, err := s.db.ExecContext(ctx, `DELETE FROM violations WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune violations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned violations: %w", err)
	}
	return n, nil
}
