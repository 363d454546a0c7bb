// Package guardian implements the guardian monitor: safety metrics,
// the monitoring level ladder, decision validation, and human
// overrides. The monitor is the only writer of the monitoring level.
package guardian

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegisops/backend/internal/core"
	"github.com/aegisops/backend/internal/decision"
)

// deescalationCycles is how many consecutive clean evaluation cycles a
// lower level must hold before the monitor steps down. Escalation is
// immediate on a single breach.
const deescalationCycles = 2

// historyBound caps the retained validation and override rings.
const historyBound = 1000

// ValidationStatus is the outcome of a validation checklist run.
type ValidationStatus string

const (
	ValidationApproved ValidationStatus = "approved"
	ValidationPending  ValidationStatus = "pending"
	ValidationRejected ValidationStatus = "rejected"
)

// ValidationCheck is one entry in a validation checklist.
type ValidationCheck struct {
	Check   string      `json:"check"`
	Passed  bool        `json:"passed"`
	Value   interface{} `json:"value,omitempty"`
	Message string      `json:"message"`
}

// ValidationRecord annotates a decision with checklist results. It does
// not approve anything by itself.
type ValidationRecord struct {
	ValidationID string            `json:"validation_id"`
	Target       string            `json:"target"`
	Status       ValidationStatus  `json:"status"`
	ChecksPassed int               `json:"checks_passed"`
	ChecksFailed int               `json:"checks_failed"`
	Details      []ValidationCheck `json:"details"`
	Timestamp    time.Time         `json:"timestamp"`
}

// ApprovalRecorder is the slice of the approval ledger the monitor
// needs to persist overrides.
type ApprovalRecorder interface {
	Record(ctx context.Context, rec core.ApprovalRecord) (core.ApprovalRecord, error)
}

// IncidentSource reports whether a component currently has an open
// critical incident. Satisfied by the diagnostics runner.
type IncidentSource interface {
	HasActiveCritical(component string) bool
}

// LevelListener observes monitoring level transitions (metrics gauge,
// event emission). Called outside the monitor's lock.
type LevelListener func(old, new core.MonitoringLevel, reason string)

// Monitor owns the monitoring level and validates decisions against it.
type Monitor struct {
	mu sync.RWMutex

	store  *MetricStore
	ledger ApprovalRecorder

	level       core.MonitoringLevel
	cleanStreak int
	pinned      bool
	pinReason   string

	validations []ValidationRecord
	overrides   []core.ApprovalRecord

	incidents IncidentSource
	listeners []LevelListener

	logger *slog.Logger
}

// NewMonitor creates a monitor at the normal level with the default
// safety metric set registered.
func NewMonitor(ledger ApprovalRecorder) *Monitor {
	store := NewMetricStore()
	for _, m := range defaultMetrics() {
		store.Register(m.Name, m.Value, m.Threshold)
	}

	return &Monitor{
		store:  store,
		ledger: ledger,
		level:  core.LevelNormal,
		logger: slog.Default().With("component", "guardian_monitor"),
	}
}

// SetIncidentSource wires the diagnostics runner in after construction
// (the runner also needs the engine, so the dependency is broken here).
func (g *Monitor) SetIncidentSource(src IncidentSource) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.incidents = src
}

// OnLevelChange registers a listener for level transitions.
func (g *Monitor) OnLevelChange(fn LevelListener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

// Metrics exposes the safety metric store (read side for collectors).
func (g *Monitor) Metrics() *MetricStore {
	return g.store
}

// Level returns the current monitoring level.
func (g *Monitor) Level() core.MonitoringLevel {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.level
}

// UpdateMetric writes one safety metric and immediately recomputes the
// level from the full snapshot. This is the single mutation path for
// the monitoring level.
func (g *Monitor) UpdateMetric(name string, value float64) {
	if !g.store.Update(name, value) {
		return
	}
	g.Recompute()
}

// Recompute evaluates the full metric snapshot against the current
// level. Escalation applies on a single breach; de-escalation waits for
// deescalationCycles consecutive clean cycles so the ladder does not
// oscillate around a boundary.
func (g *Monitor) Recompute() {
	target := levelFor(g.store.Snapshot())

	g.mu.Lock()
	if g.pinned {
		g.mu.Unlock()
		return
	}

	var (
		old      = g.level
		changed  bool
		reason   string
	)

	switch {
	case target.Rank() > g.level.Rank():
		g.level = target
		g.cleanStreak = 0
		changed = true
		reason = "safety metric breach"
	case target.Rank() < g.level.Rank():
		g.cleanStreak++
		if g.cleanStreak >= deescalationCycles {
			g.level = target
			g.cleanStreak = 0
			changed = true
			reason = fmt.Sprintf("metrics clean for %d cycles", deescalationCycles)
		}
	default:
		g.cleanStreak = 0
	}

	listeners := g.listeners
	newLevel := g.level
	g.mu.Unlock()

	if changed {
		g.logger.Warn("monitoring level changed", "from", old, "to", newLevel, "reason", reason)
		for _, fn := range listeners {
			fn(old, newLevel, reason)
		}
	}
}

// PinLevel forces the monitoring level and suspends automatic
// recomputation until Unpin. This is the only sticky-level mechanism,
// reserved for guardians.
func (g *Monitor) PinLevel(level core.MonitoringLevel, reason string) {
	g.mu.Lock()
	old := g.level
	g.level = level
	g.pinned = true
	g.pinReason = reason
	g.cleanStreak = 0
	listeners := g.listeners
	g.mu.Unlock()

	g.logger.Warn("monitoring level pinned", "from", old, "to", level, "reason", reason)
	if old != level {
		for _, fn := range listeners {
			fn(old, level, "guardian pin: "+reason)
		}
	}
}

// Unpin resumes automatic level recomputation.
func (g *Monitor) Unpin() {
	g.mu.Lock()
	g.pinned = false
	g.pinReason = ""
	g.mu.Unlock()
	g.Recompute()
}

// ============================================================================
// VALIDATION
// ============================================================================

// ValidateDecision runs the fixed checklist against an evaluated
// decision and records the tally. Validation annotates; it never
// approves or blocks by itself.
func (g *Monitor) ValidateDecision(result core.DecisionResult) ValidationRecord {
	level := g.Level()

	checks := []ValidationCheck{
		g.checkConfidence(result),
		g.checkMonitoringCompliance(result, level),
		g.checkGuardianGate(result),
		g.checkIncidents(result),
	}

	passed, failed := 0, 0
	for _, c := range checks {
		if c.Passed {
			passed++
		} else {
			failed++
		}
	}

	var status ValidationStatus
	switch {
	case failed == 0:
		status = ValidationApproved
	case failed <= 1 && level == core.LevelNormal:
		status = ValidationPending
	default:
		status = ValidationRejected
	}

	record := ValidationRecord{
		ValidationID: "val_" + uuid.NewString(),
		Target:       result.DecisionID,
		Status:       status,
		ChecksPassed: passed,
		ChecksFailed: failed,
		Details:      checks,
		Timestamp:    time.Now(),
	}

	g.mu.Lock()
	g.validations = append(g.validations, record)
	if len(g.validations) > historyBound {
		g.validations = g.validations[len(g.validations)-historyBound:]
	}
	g.mu.Unlock()

	return record
}

func (g *Monitor) checkConfidence(result core.DecisionResult) ValidationCheck {
	rule, ok := decision.RuleFor(result.DecisionType)
	if !ok {
		return ValidationCheck{
			Check:   "confidence_threshold",
			Passed:  false,
			Value:   result.Confidence,
			Message: fmt.Sprintf("no rule for decision type %q", result.DecisionType),
		}
	}

	passed := result.Confidence >= rule.ConfidenceThreshold || result.RequiresGuardian
	verb := "meets"
	if result.Confidence < rule.ConfidenceThreshold {
		verb = "below"
	}
	return ValidationCheck{
		Check:   "confidence_threshold",
		Passed:  passed,
		Value:   result.Confidence,
		Message: fmt.Sprintf("confidence %.0f%% %s threshold %.0f%%", result.Confidence*100, verb, rule.ConfidenceThreshold*100),
	}
}

func (g *Monitor) checkMonitoringCompliance(result core.DecisionResult, level core.MonitoringLevel) ValidationCheck {
	// At high/critical posture an auto-approval without a guardian on a
	// non-healing decision is a restriction breach.
	if level.Rank() >= core.LevelHigh.Rank() &&
		result.Approved && !result.RequiresGuardian &&
		result.DecisionType != core.DecisionHealing {
		return ValidationCheck{
			Check:   "monitoring_compliance",
			Passed:  false,
			Value:   string(level),
			Message: fmt.Sprintf("monitoring level %s restricts auto-approvals", level),
		}
	}
	return ValidationCheck{
		Check:   "monitoring_compliance",
		Passed:  true,
		Value:   string(level),
		Message: "complies with monitoring level restrictions",
	}
}

func (g *Monitor) checkGuardianGate(result core.DecisionResult) ValidationCheck {
	if result.DecisionType == core.DecisionGuardianOverride && !result.RequiresGuardian {
		return ValidationCheck{
			Check:   "guardian_gate",
			Passed:  false,
			Value:   string(result.DecisionType),
			Message: "guardian_override must always require guardian review",
		}
	}
	return ValidationCheck{
		Check:   "guardian_gate",
		Passed:  true,
		Value:   string(result.DecisionType),
		Message: "guardian gating verified",
	}
}

func (g *Monitor) checkIncidents(result core.DecisionResult) ValidationCheck {
	component, _ := result.Metadata["source"].(string)

	g.mu.RLock()
	src := g.incidents
	g.mu.RUnlock()

	if component != "" && src != nil && src.HasActiveCritical(component) {
		return ValidationCheck{
			Check:   "active_incidents",
			Passed:  false,
			Value:   component,
			Message: fmt.Sprintf("component %q has an open critical incident", component),
		}
	}
	return ValidationCheck{
		Check:   "active_incidents",
		Passed:  true,
		Value:   component,
		Message: "no open critical incident for component",
	}
}

// ============================================================================
// OVERRIDES
// ============================================================================

// OverrideDecision records a human action on a decision, superseding
// the automated outcome. It is always permitted, regardless of the
// original approved flag, and writes straight through to the ledger.
// The request carries the decision's real type, priority, confidence,
// and metadata so ledger entries stay queryable by type; a missing
// type is recovered from the decision id prefix.
func (g *Monitor) OverrideDecision(ctx context.Context, req core.ApprovalRecord) (core.ApprovalRecord, error) {
	if !req.Action.Valid() {
		return core.ApprovalRecord{}, fmt.Errorf("invalid override action %q", req.Action)
	}
	if req.DecisionType == "" {
		if t, ok := core.DecisionTypeFromID(req.DecisionID); ok {
			req.DecisionType = t
		} else {
			req.DecisionType = core.DecisionGuardianOverride
		}
	}
	if req.Priority == "" {
		req.Priority = core.PriorityHigh
	}
	if req.Metadata == nil {
		req.Metadata = make(map[string]interface{})
	}
	req.Metadata["origin"] = "guardian_override"

	rec, err := g.ledger.Record(ctx, req)
	if err != nil {
		return core.ApprovalRecord{}, fmt.Errorf("record override: %w", err)
	}

	g.mu.Lock()
	g.overrides = append(g.overrides, rec)
	if len(g.overrides) > historyBound {
		g.overrides = g.overrides[len(g.overrides)-historyBound:]
	}
	g.mu.Unlock()

	g.logger.Info("guardian override recorded",
		"approval_id", rec.ApprovalID,
		"decision_id", rec.DecisionID,
		"decision_type", rec.DecisionType,
		"action", rec.Action,
		"guardian_id", rec.GuardianID)

	return rec, nil
}

// ============================================================================
// STATUS
// ============================================================================

// Status is the monitoring status query payload.
type Status struct {
	MonitoringLevel  core.MonitoringLevel    `json:"monitoring_level"`
	SafetyMetrics    map[string]SafetyMetric `json:"safety_metrics"`
	RecentValidation []ValidationRecord      `json:"recent_validations"`
	RecentOverrides  []core.ApprovalRecord   `json:"recent_overrides"`
	TotalValidations int                     `json:"total_validations"`
	TotalOverrides   int                     `json:"total_overrides"`
	Timestamp        time.Time               `json:"timestamp"`
}

// Status assembles the full monitoring status report.
func (g *Monitor) Status() Status {
	snapshot := g.store.Snapshot()
	metrics := make(map[string]SafetyMetric, len(snapshot))
	for _, m := range snapshot {
		metrics[m.Name] = m
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	return Status{
		MonitoringLevel:  g.level,
		SafetyMetrics:    metrics,
		RecentValidation: tail(g.validations, 10),
		RecentOverrides:  tail(g.overrides, 10),
		TotalValidations: len(g.validations),
		TotalOverrides:   len(g.overrides),
		Timestamp:        time.Now(),
	}
}

// Validations returns recent validation records, newest last.
func (g *Monitor) Validations(limit int) []ValidationRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return tail(g.validations, limit)
}

func tail[T any](s []T, n int) []T {
	if n <= 0 || n >= len(s) {
		out := make([]T, len(s))
		copy(out, s)
		return out
	}
	out := make([]T, n)
	copy(out, s[len(s)-n:])
	return out
}
