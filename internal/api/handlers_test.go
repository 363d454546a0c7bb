package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/backend/internal/decision"
	"github.com/aegisops/backend/internal/engine"
	"github.com/aegisops/backend/internal/guardian"
	"github.com/aegisops/backend/internal/ledger"
	"github.com/aegisops/backend/internal/webhooks"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	led := ledger.NewService(ledger.NewMemoryStore(), "memory", nil)
	monitor := guardian.NewMonitor(led)
	eng := engine.New(decision.NewMatrix(), monitor, led)
	return NewServer(eng, nil, nil, webhooks.NewRegistry(), nil, "guardian-default")
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func deploymentBody(confidence float64) map[string]interface{} {
	return map[string]interface{}{
		"decision_type": "deployment",
		"priority":      "low",
		"source":        "ci",
		"parameters": []map[string]interface{}{
			{"name": "test_pass_rate", "value": confidence, "weight": 1.0},
		},
	}
}

// ============================================================================
// DECISIONS
// ============================================================================

func TestSubmitDecisionEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/decisions", deploymentBody(0.95))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["approved"])
	assert.Equal(t, "deployment", body["decision_type"])
	assert.NotEmpty(t, body["decision_id"])
	assert.NotEmpty(t, body["reasoning"])
}

func TestSubmitDecisionRejectsInvalidContext(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/decisions", map[string]interface{}{
		"decision_type": "reboot",
		"priority":      "low",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "invalid decision context")
}

func TestSubmitDecisionRejectsMalformedJSON(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/decisions", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecisionHistoryAndMetrics(t *testing.T) {
	s := newTestServer(t)

	require.Equal(t, http.StatusOK, doJSON(t, s, http.MethodPost, "/api/v1/decisions", deploymentBody(0.95)).Code)
	require.Equal(t, http.StatusOK, doJSON(t, s, http.MethodPost, "/api/v1/decisions", deploymentBody(0.40)).Code)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/decisions/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decisions := decodeBody(t, rec)["decisions"].([]interface{})
	assert.Len(t, decisions, 2)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/decisions/history?type=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/decisions/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	metrics := decodeBody(t, rec)
	assert.Equal(t, 2.0, metrics["total_decisions"])
	assert.Equal(t, 0.5, metrics["approval_rate"])
}

// ============================================================================
// APPROVALS
// ============================================================================

func TestApprovalLifecycle(t *testing.T) {
	s := newTestServer(t)

	// Submit an escalated decision first.
	rec := doJSON(t, s, http.MethodPost, "/api/v1/decisions", deploymentBody(0.40))
	require.Equal(t, http.StatusOK, rec.Code)
	decisionID := decodeBody(t, rec)["decision_id"].(string)

	// Reject it, then approve it.
	rec = doJSON(t, s, http.MethodPost, "/api/v1/approvals", map[string]interface{}{
		"decision_id": decisionID,
		"action":      "reject",
		"guardian_id": "guardian-1",
		"reasoning":   "not confident",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/guardian/override", map[string]interface{}{
		"decision_id": decisionID,
		"action":      "approve",
		"reasoning":   "manually verified",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	approval := decodeBody(t, rec)
	assert.Equal(t, "guardian-default", approval["guardian_id"], "missing guardian_id falls back to the configured default")
	assert.Equal(t, "deployment", approval["decision_type"], "ledger entry keeps the decision's real type")

	// Latest entry wins.
	rec = doJSON(t, s, http.MethodGet, "/api/v1/approvals/"+decisionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["is_approved"])
	assert.Len(t, body["history"].([]interface{}), 2)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/approvals/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody(t, rec)
	assert.Equal(t, 2.0, stats["total"])
	assert.Equal(t, 0.5, stats["approval_rate"])
	byType := stats["by_type"].(map[string]interface{})
	assert.Equal(t, 2.0, byType["deployment"], "entries are attributed to the real decision type")

	rec = doJSON(t, s, http.MethodGet, "/api/v1/approvals?action=approve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, decodeBody(t, rec)["count"])
}

func TestApprovalRequestCarriesFullShape(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/approvals", map[string]interface{}{
		"decision_id":   "scaling_99",
		"decision_type": "scaling",
		"action":        "modify",
		"guardian_id":   "guardian-2",
		"reasoning":     "halved replica count",
		"priority":      "medium",
		"confidence":    0.7,
		"metadata":      map[string]interface{}{"replicas": 2},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "scaling", body["decision_type"])
	assert.Equal(t, "medium", body["priority"])
	assert.Equal(t, 0.7, body["confidence"])
	metadata := body["metadata"].(map[string]interface{})
	assert.Equal(t, 2.0, metadata["replicas"])
	assert.Equal(t, "guardian_override", metadata["origin"])
}

func TestApprovalValidationErrors(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/approvals", map[string]interface{}{
		"action": "approve",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/approvals", map[string]interface{}{
		"decision_id": "deployment_1",
		"action":      "defer",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetApprovalBeforeAnyRecord(t *testing.T) {
	s := newTestServer(t)

	// Polling before a guardian acts answers false, never an error.
	rec := doJSON(t, s, http.MethodGet, "/api/v1/approvals/never_seen", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["is_approved"])
	assert.Equal(t, "never_seen", body["decision_id"])
	assert.NotContains(t, body, "approval")
}

// ============================================================================
// GUARDIAN
// ============================================================================

func TestGuardianStatusEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/guardian/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "normal", body["monitoring_level"])
	assert.Len(t, body["safety_metrics"].(map[string]interface{}), 4)
}

func TestPinAndUnpinLevel(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/guardian/level/pin", map[string]interface{}{
		"level":  "critical",
		"reason": "scheduled maintenance freeze",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// While pinned critical, nothing but healing can auto-approve.
	rec = doJSON(t, s, http.MethodPost, "/api/v1/decisions", deploymentBody(0.99))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["approved"])

	rec = doJSON(t, s, http.MethodDelete, "/api/v1/guardian/level/pin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "false", decodeBody(t, rec)["pinned"])

	rec = doJSON(t, s, http.MethodPost, "/api/v1/guardian/level/pin", map[string]interface{}{
		"level": "panic",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ============================================================================
// WEBHOOKS
// ============================================================================

func TestWebhookEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/webhooks", map[string]interface{}{
		"url":    "https://hooks.example.com/aegis",
		"events": []string{"decision.escalated"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody(t, rec)["id"].(string)
	require.NotEmpty(t, id)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/webhooks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["webhooks"].([]interface{}), 1)

	rec = doJSON(t, s, http.MethodDelete, "/api/v1/webhooks/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/api/v1/webhooks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/webhooks", map[string]interface{}{
		"events": []string{"decision.escalated"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "URL is required")
}

// ============================================================================
// OPERATIONAL
// ============================================================================

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "normal", body["monitoring_level"])
}

func TestDisabledSubsystemsReportUnavailable(t *testing.T) {
	led := ledger.NewService(ledger.NewMemoryStore(), "memory", nil)
	eng := engine.New(decision.NewMatrix(), guardian.NewMonitor(led), led)
	s := NewServer(eng, nil, nil, nil, nil, "guardian-default")

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/api/v1/diagnostics"},
		{http.MethodPost, "/api/v1/diagnostics/run"},
		{http.MethodGet, "/api/v1/agents/status"},
		{http.MethodGet, "/api/v1/webhooks"},
	} {
		rec := doJSON(t, s, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, fmt.Sprintf("%s %s", tc.method, tc.path))
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/decisions", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
