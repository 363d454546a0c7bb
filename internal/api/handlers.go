package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/aegisops/backend/internal/core"
	"github.com/aegisops/backend/internal/decision"
	"github.com/aegisops/backend/internal/ledger"
	"github.com/aegisops/backend/internal/webhooks"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ============================================================================
// DECISIONS
// ============================================================================

func (s *Server) handleSubmitDecision(w http.ResponseWriter, r *http.Request) {
	var dc core.DecisionContext
	if err := json.NewDecoder(r.Body).Decode(&dc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	result, err := s.engine.Submit(r.Context(), dc)
	if err != nil {
		if errors.Is(err, decision.ErrInvalidContext) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDecisionHistory(w http.ResponseWriter, r *http.Request) {
	t := core.DecisionType(r.URL.Query().Get("type"))
	if t != "" && !t.Valid() {
		writeError(w, http.StatusBadRequest, "unknown decision type: "+string(t))
		return
	}
	limit := queryInt(r, "limit", 100)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decisions": s.engine.Matrix().History(t, limit),
	})
}

func (s *Server) handleDecisionMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Matrix().Metrics())
}

// ============================================================================
// APPROVALS
// ============================================================================

type approvalRequest struct {
	DecisionID   string                 `json:"decision_id"`
	DecisionType string                 `json:"decision_type"`
	Action       string                 `json:"action"`
	GuardianID   string                 `json:"guardian_id"`
	Reasoning    string                 `json:"reasoning"`
	Priority     string                 `json:"priority"`
	Confidence   float64                `json:"confidence"`
	Metadata     map[string]interface{} `json:"metadata"`
}

func (s *Server) handleRecordApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.DecisionID == "" {
		writeError(w, http.StatusBadRequest, "decision_id is required")
		return
	}
	guardianID := req.GuardianID
	if guardianID == "" {
		guardianID = s.guardian
	}

	rec, err := s.engine.Override(r.Context(), core.ApprovalRecord{
		DecisionID:   req.DecisionID,
		DecisionType: core.DecisionType(req.DecisionType),
		Action:       core.ApprovalAction(req.Action),
		GuardianID:   guardianID,
		Reasoning:    req.Reasoning,
		Priority:     core.Priority(req.Priority),
		Confidence:   req.Confidence,
		Metadata:     req.Metadata,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrPersistence) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleGetApproval is the gate external executors poll. A decision
// with no ledger entry answers is_approved false rather than an error.
func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	decisionID := mux.Vars(r)["decision_id"]

	rec, err := s.engine.Ledger().GetApproval(r.Context(), decisionID)
	if errors.Is(err, ledger.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"decision_id": decisionID,
			"is_approved": false,
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	history, err := s.engine.Ledger().History(r.Context(), decisionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decision_id": decisionID,
		"is_approved": s.engine.Ledger().IsApproved(r.Context(), decisionID),
		"approval":    rec,
		"history":     history,
	})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	f := ledger.Filter{
		DecisionType: core.DecisionType(r.URL.Query().Get("type")),
		Action:       core.ApprovalAction(r.URL.Query().Get("action")),
		GuardianID:   r.URL.Query().Get("guardian_id"),
		Limit:        queryInt(r, "limit", 100),
	}
	recs, err := s.engine.Ledger().GetAll(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": recs, "count": len(recs)})
}

func (s *Server) handleApprovalStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Ledger().GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ============================================================================
// GUARDIAN
// ============================================================================

func (s *Server) handleGuardianStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Monitor().Status())
}

type pinRequest struct {
	Level  string `json:"level"`
	Reason string `json:"reason"`
}

func (s *Server) handlePinLevel(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	level := core.MonitoringLevel(req.Level)
	switch level {
	case core.LevelNormal, core.LevelElevated, core.LevelHigh, core.LevelCritical:
	default:
		writeError(w, http.StatusBadRequest, "unknown monitoring level: "+req.Level)
		return
	}
	s.engine.Monitor().PinLevel(level, req.Reason)
	writeJSON(w, http.StatusOK, map[string]string{
		"monitoring_level": string(level),
		"pinned":           "true",
	})
}

func (s *Server) handleUnpinLevel(w http.ResponseWriter, r *http.Request) {
	s.engine.Monitor().Unpin()
	writeJSON(w, http.StatusOK, map[string]string{
		"monitoring_level": string(s.engine.Monitor().Level()),
		"pinned":           "false",
	})
}

// ============================================================================
// DIAGNOSTICS & AGENTS
// ============================================================================

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "diagnostics disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.runner.Report())
}

func (s *Server) handleRunDiagnostics(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "diagnostics disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.runner.RunAll())
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	if s.agentSys == nil {
		writeError(w, http.StatusServiceUnavailable, "monitoring agents disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.agentSys.Status())
}

// ============================================================================
// WEBHOOKS
// ============================================================================

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "webhooks disabled")
		return
	}
	var sub webhooks.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := s.registry.Register(&sub); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "webhooks disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": s.registry.ListAll()})
}

func (s *Server) handleUnregisterWebhook(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "webhooks disabled")
		return
	}
	if err := s.registry.Unregister(mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// HEALTH
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"monitoring_level": string(s.engine.Monitor().Level()),
		"uptime":           time.Since(s.startedAt).String(),
		"timestamp":        time.Now().UTC(),
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
