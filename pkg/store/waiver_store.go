package store

import (
	"context"
	stdsql "database/sql"
	"fmt"

	"github.com/arbiter-ai/arbiter/pkg/models"
	"github.com/arbiter-ai/arbiter/pkg/waiver"
)

// WaiverStore persists the waiver ledger so approved exceptions survive
// restarts and expired ones stay reviewable until swept.
type WaiverStore struct {
	db *stdsql.DB
}

var _ waiver.Store = (*WaiverStore)(nil)

// NewWaiverStore returns a store on the shared pool.
func NewWaiverStore(db *stdsql.DB) *WaiverStore {
	return &WaiverStore{db: db}
}

// SaveWaiver upserts a waiver request.
func (s *WaiverStore) SaveWaiver(ctx context.Context, w models.WaiverRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO waivers (
			id, policy_id, operation_pattern, reason, justification,
			requester, approver, decision_reason, status,
			expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			approver = EXCLUDED.approver,
			decision_reason = EXCLUDED.decision_reason,
			status = EXCLUDED.status,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`,
		w.ID, w.PolicyID, w.OperationPattern, w.Reason, w.Justification,
		w.Requester, w.Approver, w.DecisionReason, string(w.Status),
		w.ExpiresAt, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save waiver %s: %w", w.ID, err)
	}
	return nil
}

// UpdateWaiver records a lifecycle transition (approve, reject, revoke,
// expire).
func (s *WaiverStore) UpdateWaiver(ctx context.Context, w models.WaiverRequest) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE waivers SET
			approver = $2,
			decision_reason = $3,
			status = $4,
			expires_at = $5,
			updated_at = $6
		WHERE id = $1`,
		w.ID, w.Approver, w.DecisionReason, string(w.Status), w.ExpiresAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update waiver %s: %w", w.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("waiver %s not persisted", w.ID)
	}
	return nil
}

// DeleteWaiver removes a swept waiver. Deleting an unknown id is a no-op.
func (s *WaiverStore) DeleteWaiver(ctx context.Context, waiverID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM waivers WHERE id = $1`, waiverID); err != nil {
		return fmt.Errorf("failed to delete waiver %s: %w", waiverID, err)
	}
	return nil
}

// LoadWaivers returns the full ledger, oldest first.
func (s *WaiverStore) LoadWaivers(ctx context.Context) ([]models.WaiverRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, policy_id, operation_pattern, reason, justification,
			requester, approver, decision_reason, status,
			expires_at, created_at, updated_at
		FROM waivers ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query waivers: %w", err)
	}
	defer rows.Close()

	var waivers []models.WaiverRequest
	for rows.Next() {
		var w models.WaiverRequest
		var status string
		if err := rows.Scan(
			&w.ID, &w.PolicyID, &w.OperationPattern, &w.Reason, &w.Justification,
			&w.Requester, &w.Approver, &w.DecisionReason, &status,
			&w.ExpiresAt, &w.CreatedAt, &w.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan waiver row: %w", err)
		}
		w.Status = models.WaiverStatus(status)
		waivers = append(waivers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read waiver rows: %w", err)
	}
	return waivers, nil
}
