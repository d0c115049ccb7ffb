package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-ai/arbiter/pkg/models"
	"github.com/arbiter-ai/arbiter/pkg/orchestrator"
)

func waiverBody() RequestWaiverRequest {
	return RequestWaiverRequest{
		PolicyID:         "no-prod-wipe",
		OperationPattern: "wipe_production",
		Reason:           "scheduled migration window",
		Justification:    "change CAB-1042",
		ExpiresAt:        time.Now().Add(24 * time.Hour),
	}
}

func (h *harness) requestWaiver(t *testing.T, requester string) models.WaiverRequest {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/v1/waivers", waiverBody(),
		map[string]string{"X-Forwarded-User": requester})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	return decode[models.WaiverRequest](t, rec)
}

func TestRequestWaiverTakesRequesterFromHeaders(t *testing.T) {
	h := newHarness(t, nil)

	w := h.requestWaiver(t, "alice")

	assert.Equal(t, models.WaiverPending, w.Status)
	assert.Equal(t, "alice", w.Requester)
	assert.Equal(t, "no-prod-wipe", w.PolicyID)
	assert.NotEmpty(t, w.ID)
}

func TestRequestWaiverDefaultsRequester(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/api/v1/waivers", waiverBody(), nil)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "api-client", decode[models.WaiverRequest](t, rec).Requester)
}

func TestRequestWaiverValidatesExpiry(t *testing.T) {
	h := newHarness(t, nil)
	body := waiverBody()
	body.ExpiresAt = time.Now().Add(-time.Hour)

	rec := h.do(t, http.MethodPost, "/api/v1/waivers", body, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "expiry")
}

func TestApproveWaiverRecordsApprover(t *testing.T) {
	h := newHarness(t, nil)
	w := h.requestWaiver(t, "alice")

	rec := h.do(t, http.MethodPost, "/api/v1/waivers/"+w.ID+"/approve", nil,
		map[string]string{"X-Forwarded-User": "bob"})

	require.Equal(t, http.StatusOK, rec.Code)
	approved := decode[models.WaiverRequest](t, rec)
	assert.Equal(t, models.WaiverApproved, approved.Status)
	assert.Equal(t, "bob", approved.Approver)
}

func TestRejectWaiverRequiresBody(t *testing.T) {
	h := newHarness(t, nil)
	w := h.requestWaiver(t, "alice")

	rec := h.do(t, http.MethodPost, "/api/v1/waivers/"+w.ID+"/reject",
		WaiverDecisionRequest{Reason: "insufficient justification"},
		map[string]string{"X-Forwarded-User": "bob"})

	require.Equal(t, http.StatusOK, rec.Code)
	rejected := decode[models.WaiverRequest](t, rec)
	assert.Equal(t, models.WaiverRejected, rejected.Status)
	assert.Equal(t, "insufficient justification", rejected.DecisionReason)
}

func TestRevokeApprovedWaiver(t *testing.T) {
	h := newHarness(t, nil)
	w := h.requestWaiver(t, "alice")
	rec := h.do(t, http.MethodPost, "/api/v1/waivers/"+w.ID+"/approve", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/waivers/"+w.ID+"/revoke",
		WaiverDecisionRequest{Reason: "window closed"}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.WaiverRevoked, decode[models.WaiverRequest](t, rec).Status)
}

func TestApproveNonPendingWaiverConflicts(t *testing.T) {
	h := newHarness(t, nil)
	w := h.requestWaiver(t, "alice")
	rec := h.do(t, http.MethodPost, "/api/v1/waivers/"+w.ID+"/approve", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/waivers/"+w.ID+"/approve", nil, nil)

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(orchestrator.KindConflict), decode[ErrorResponse](t, rec).Kind)
}

func TestGetWaiver(t *testing.T) {
	h := newHarness(t, nil)
	w := h.requestWaiver(t, "alice")

	rec := h.do(t, http.MethodGet, "/api/v1/waivers/"+w.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, w.ID, decode[models.WaiverRequest](t, rec).ID)

	rec = h.do(t, http.MethodGet, "/api/v1/waivers/wv-missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListWaiversFiltersByStatus(t *testing.T) {
	h := newHarness(t, nil)
	first := h.requestWaiver(t, "alice")
	h.requestWaiver(t, "bob")
	rec := h.do(t, http.MethodPost, "/api/v1/waivers/"+first.ID+"/approve", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	all := decode[WaiverListResponse](t, h.do(t, http.MethodGet, "/api/v1/waivers", nil, nil))
	assert.Equal(t, 2, all.Count)

	pending := decode[WaiverListResponse](t, h.do(t, http.MethodGet, "/api/v1/waivers?status=pending", nil, nil))
	require.Equal(t, 1, pending.Count)
	assert.Equal(t, models.WaiverPending, pending.Waivers[0].Status)

	rec = h.do(t, http.MethodGet, "/api/v1/waivers?status=granted", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
