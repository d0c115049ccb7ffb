// Package waiver manages time-bounded exceptions to constitutional policies:
// request/approve/reject/revoke lifecycle, expiry, and the operation match
// used by the constitutional runtime before policy evaluation.
package waiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-ai/arbiter/pkg/events"
	"github.com/arbiter-ai/arbiter/pkg/models"
)

var (
	// ErrWaiverNotFound is returned for unknown waiver ids.
	ErrWaiverNotFound = errors.New("waiver not found")

	// ErrInvalidWaiverState is returned when a lifecycle call does not apply
	// to the waiver's current status.
	ErrInvalidWaiverState = errors.New("invalid waiver state")
)

// defaultMaxAge is how long waiver records are kept before the cleanup sweep
// deletes them.
const defaultMaxAge = 90 * 24 * time.Hour

// Store is the optional persistence adapter. The in-memory set is
// authoritative; store failures are logged and never propagated.
type Store interface {
	SaveWaiver(ctx context.Context, w models.WaiverRequest) error
	UpdateWaiver(ctx context.Context, w models.WaiverRequest) error
	DeleteWaiver(ctx context.Context, waiverID string) error
	LoadWaivers(ctx context.Context) ([]models.WaiverRequest, error)
}

// Notifier tells approvers about new waiver requests. Best-effort.
type Notifier interface {
	NotifyApprovers(ctx context.Context, w models.WaiverRequest) error
}

// Auditor records waiver lifecycle decisions for compliance review.
type Auditor interface {
	RecordWaiverEvent(ctx context.Context, w models.WaiverRequest, action, actor string, severity models.Severity) error
}

// Manager owns the waiver set. Single writer per waiver id; Check iterates a
// snapshot.
type Manager struct {
	mu      sync.Mutex
	waivers map[string]models.WaiverRequest

	store    Store
	notifier Notifier
	auditor  Auditor
	sink     events.Sink
	maxAge   time.Duration

	now func() time.Time
}

// NewManager creates a manager. All adapters may be nil; maxAge <= 0 selects
// the 90-day default.
func NewManager(maxAge time.Duration, store Store, notifier Notifier, auditor Auditor, sink events.Sink) *Manager {
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	return &Manager{
		waivers:  make(map[string]models.WaiverRequest),
		store:    store,
		notifier: notifier,
		auditor:  auditor,
		sink:     sink,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// Request creates a pending waiver and notifies approvers.
func (m *Manager) Request(ctx context.Context, policyID, operationPattern, reason, justification, requester string, expiresAt time.Time) (models.WaiverRequest, error) {
	switch {
	case policyID == "":
		return models.WaiverRequest{}, models.NewValidationError("policy_id", "policy id is required")
	case operationPattern == "":
		return models.WaiverRequest{}, models.NewValidationError("operation_pattern", "operation pattern is required")
	case reason == "":
		return models.WaiverRequest{}, models.NewValidationError("reason", "reason is required")
	case requester == "":
		return models.WaiverRequest{}, models.NewValidationError("requester", "requester is required")
	}
	now := m.now().UTC()
	if !expiresAt.After(now) {
		return models.WaiverRequest{}, models.NewValidationError("expires_at", "expiry must be in the future")
	}

	w := models.WaiverRequest{
		ID:               "wvr_" + uuid.NewString(),
		PolicyID:         policyID,
		OperationPattern: operationPattern,
		Reason:           reason,
		Justification:    justification,
		Requester:        requester,
		Status:           models.WaiverPending,
		ExpiresAt:        expiresAt.UTC(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	m.mu.Lock()
	m.waivers[w.ID] = w
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveWaiver(ctx, w); err != nil {
			slog.Warn("Failed to persist waiver", "waiver_id", w.ID, "error", err)
		}
	}
	if m.notifier != nil {
		if err := m.notifier.NotifyApprovers(ctx, w); err != nil {
			slog.Warn("Failed to notify waiver approvers", "waiver_id", w.ID, "error", err)
		}
	}

	slog.Info("Waiver requested",
		"waiver_id", w.ID,
		"policy_id", policyID,
		"requester", requester,
		"expires_at", w.ExpiresAt.Format(time.RFC3339))

	m.publishLifecycle(models.EventWaiverCreated, w, requester, reason)
	return w, nil
}

// Approve moves a pending waiver to approved. Audited at severity high.
func (m *Manager) Approve(ctx context.Context, waiverID, approver string) (models.WaiverRequest, error) {
	w, err := m.transition(waiverID, models.WaiverPending, models.WaiverApproved, func(w *models.WaiverRequest) {
		w.Approver = approver
	})
	if err != nil {
		return models.WaiverRequest{}, err
	}

	m.persistUpdate(ctx, w)
	m.audit(ctx, w, "approved", approver, models.SeverityHigh)
	m.publishLifecycle(models.EventWaiverApproved, w, approver, "")
	return w, nil
}

// Reject moves a pending waiver to rejected, recording why.
func (m *Manager) Reject(ctx context.Context, waiverID, rejecter, reason string) (models.WaiverRequest, error) {
	w, err := m.transition(waiverID, models.WaiverPending, models.WaiverRejected, func(w *models.WaiverRequest) {
		w.Approver = rejecter
		w.DecisionReason = reason
	})
	if err != nil {
		return models.WaiverRequest{}, err
	}

	m.persistUpdate(ctx, w)
	m.audit(ctx, w, "rejected", rejecter, models.SeverityMedium)
	m.publishLifecycle(models.EventWaiverRejected, w, rejecter, reason)
	return w, nil
}

// Revoke withdraws an approved waiver. Audited at severity critical.
func (m *Manager) Revoke(ctx context.Context, waiverID, actor, reason string) (models.WaiverRequest, error) {
	w, err := m.transition(waiverID, models.WaiverApproved, models.WaiverRevoked, func(w *models.WaiverRequest) {
		w.DecisionReason = reason
	})
	if err != nil {
		return models.WaiverRequest{}, err
	}

	m.persistUpdate(ctx, w)
	m.audit(ctx, w, "revoked", actor, models.SeverityCritical)
	m.publishLifecycle(models.EventWaiverRevoked, w, actor, reason)
	return w, nil
}

// Check matches an operation against active waivers. Expiry runs first; of
// the matching waivers the earliest-created wins, deterministically.
func (m *Manager) Check(ctx context.Context, op models.Operation) models.WaiverCheck {
	m.ExpireWaivers(ctx)

	serialized := canonicalOperation(op)
	now := m.now().UTC()

	m.mu.Lock()
	var best *models.WaiverRequest
	for id := range m.waivers {
		w := m.waivers[id]
		if !w.Active(now) {
			continue
		}
		if !strings.Contains(serialized, strings.ToLower(w.OperationPattern)) {
			continue
		}
		if best == nil ||
			w.CreatedAt.Before(best.CreatedAt) ||
			(w.CreatedAt.Equal(best.CreatedAt) && w.ID < best.ID) {
			match := w
			best = &match
		}
	}
	m.mu.Unlock()

	if best == nil {
		return models.WaiverCheck{}
	}
	expires := best.ExpiresAt
	return models.WaiverCheck{
		HasActiveWaiver: true,
		Waiver:          best,
		ExpiresAt:       &expires,
		RemainingTimeMs: expires.Sub(now).Milliseconds(),
	}
}

// ExpireWaivers promotes approved waivers past their expiry to expired and
// returns how many changed.
func (m *Manager) ExpireWaivers(ctx context.Context) int {
	now := m.now().UTC()

	m.mu.Lock()
	var expired []models.WaiverRequest
	for id, w := range m.waivers {
		if w.Status == models.WaiverApproved && !now.Before(w.ExpiresAt) {
			w.Status = models.WaiverExpired
			w.UpdatedAt = now
			m.waivers[id] = w
			expired = append(expired, w)
		}
	}
	m.mu.Unlock()

	for _, w := range expired {
		m.persistUpdate(ctx, w)
		slog.Info("Waiver expired", "waiver_id", w.ID, "policy_id", w.PolicyID)
		m.publishLifecycle(models.EventWaiverExpired, w, "", "")
	}
	return len(expired)
}

// SweepOld deletes waivers created more than maxAge ago, whatever their
// status. Returns how many were removed.
func (m *Manager) SweepOld(ctx context.Context) int {
	cutoff := m.now().UTC().Add(-m.maxAge)

	m.mu.Lock()
	var removed []models.WaiverRequest
	for id, w := range m.waivers {
		if w.CreatedAt.Before(cutoff) {
			delete(m.waivers, id)
			removed = append(removed, w)
		}
	}
	m.mu.Unlock()

	for _, w := range removed {
		if m.store != nil {
			if err := m.store.DeleteWaiver(ctx, w.ID); err != nil {
				slog.Warn("Failed to delete old waiver", "waiver_id", w.ID, "error", err)
			}
		}
	}
	if len(removed) > 0 {
		slog.Info("Swept old waivers", "count", len(removed), "max_age", m.maxAge)
	}
	return len(removed)
}

// Restore loads persisted waivers into memory, typically at startup.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	stored, err := m.store.LoadWaivers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load waivers: %w", err)
	}

	m.mu.Lock()
	count := 0
	for _, w := range stored {
		if _, exists := m.waivers[w.ID]; exists {
			continue
		}
		m.waivers[w.ID] = w
		count++
	}
	m.mu.Unlock()

	if count > 0 {
		slog.Info("Restored waivers", "count", count)
	}
	return count, nil
}

// Get returns one waiver by id.
func (m *Manager) Get(waiverID string) (models.WaiverRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.waivers[waiverID]
	return w, ok
}

// List returns waivers filtered by status ("" for all), newest first.
func (m *Manager) List(status models.WaiverStatus) []models.WaiverRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.WaiverRequest
	for _, w := range m.waivers {
		if status == "" || w.Status == status {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Count returns the total number of waivers held.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waivers)
}

func (m *Manager) transition(waiverID string, from, to models.WaiverStatus, mutate func(*models.WaiverRequest)) (models.WaiverRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.waivers[waiverID]
	if !ok {
		return models.WaiverRequest{}, fmt.Errorf("%w: %s", ErrWaiverNotFound, waiverID)
	}
	if w.Status != from {
		return models.WaiverRequest{}, fmt.Errorf("%w: %s is %s, want %s", ErrInvalidWaiverState, waiverID, w.Status, from)
	}

	w.Status = to
	w.UpdatedAt = m.now().UTC()
	if mutate != nil {
		mutate(&w)
	}
	m.waivers[waiverID] = w
	return w, nil
}

func (m *Manager) persistUpdate(ctx context.Context, w models.WaiverRequest) {
	if m.store == nil {
		return
	}
	if err := m.store.UpdateWaiver(ctx, w); err != nil {
		slog.Warn("Failed to persist waiver update", "waiver_id", w.ID, "error", err)
	}
}

func (m *Manager) audit(ctx context.Context, w models.WaiverRequest, action, actor string, severity models.Severity) {
	if m.auditor == nil {
		return
	}
	if err := m.auditor.RecordWaiverEvent(ctx, w, action, actor, severity); err != nil {
		slog.Warn("Failed to audit waiver event",
			"waiver_id", w.ID,
			"action", action,
			"error", err)
	}
}

func (m *Manager) publishLifecycle(eventType string, w models.WaiverRequest, actor, reason string) {
	if m.sink == nil {
		return
	}
	m.sink.Publish(events.NewEvent(eventType, "waiver-manager", models.EventSeverityInfo,
		models.WaiverLifecyclePayload{
			WaiverID: w.ID,
			PolicyID: w.PolicyID,
			Status:   w.Status,
			Actor:    actor,
			Reason:   reason,
		}))
}

// canonicalOperation is the lowercase haystack waiver patterns match
// against: type, id, agent, user, session, then the JSON payload.
func canonicalOperation(op models.Operation) string {
	parts := []string{op.Type, op.ID, op.AgentID, op.UserID, op.SessionID}
	if len(op.Payload) > 0 {
		if raw, err := json.Marshal(op.Payload); err == nil {
			parts = append(parts, string(raw))
		} else {
			parts = append(parts, fmt.Sprint(op.Payload))
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}
