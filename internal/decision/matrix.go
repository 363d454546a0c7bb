// Package decision implements the decision matrix: the pure evaluation
// path that turns a DecisionContext into an auto-approved or
// guardian-escalated DecisionResult.
package decision

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aegisops/backend/internal/core"
)

// circuitBreakerWindow is how many consecutive rejected/escalated
// results of one type force the next one to a guardian, regardless of
// confidence. Guards against flapping auto-approvals.
const circuitBreakerWindow = 3

// defaultHistorySize bounds the in-memory decision history ring.
const defaultHistorySize = 1000

// ErrInvalidContext is returned when a context cannot be evaluated at
// all: unknown type or priority, no parameters, or a non-positive total
// weight. The caller must fix and resubmit; no DecisionResult is
// produced.
var ErrInvalidContext = errors.New("invalid decision context")

// invalidContext wraps ErrInvalidContext with the specific defect.
func invalidContext(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidContext, fmt.Sprintf(format, args...))
}

// Evaluate is the pure decision function. It never blocks and has no
// side effects; history is the caller's view of recent results used for
// the flapping circuit breaker. The only failure mode is
// ErrInvalidContext — every other condition resolves into a well-formed
// DecisionResult.
func Evaluate(ctx core.DecisionContext, level core.MonitoringLevel, history []core.DecisionResult) (core.DecisionResult, error) {
	if !ctx.DecisionType.Valid() {
		return core.DecisionResult{}, invalidContext("unknown decision type %q", ctx.DecisionType)
	}
	if !ctx.Priority.Valid() {
		return core.DecisionResult{}, invalidContext("unknown priority %q", ctx.Priority)
	}

	rule, _ := RuleFor(ctx.DecisionType)

	confidence, err := computeConfidence(ctx.Parameters)
	if err != nil {
		return core.DecisionResult{}, err
	}

	cap, autoApprovable := effectiveCap(ctx.DecisionType, rule, level)

	approved := autoApprovable &&
		confidence >= rule.ConfidenceThreshold &&
		ctx.Priority.Rank() <= cap.Rank()

	// Flapping breaker: a run of rejected/escalated results of the same
	// type forces the next one to a human even when confidence clears.
	tripped := breakerTripped(ctx.DecisionType, history)
	if tripped {
		approved = false
	}

	requiresGuardian := !approved || ctx.DecisionType == core.DecisionGuardianOverride

	result := core.DecisionResult{
		DecisionID:       core.NewDecisionID(ctx.DecisionType),
		DecisionType:     ctx.DecisionType,
		Approved:         approved,
		Confidence:       confidence,
		Reasoning:        buildReasoning(ctx, confidence, requiresGuardian, tripped, level),
		Actions:          buildActions(ctx, approved, requiresGuardian),
		RequiresGuardian: requiresGuardian,
		Timestamp:        time.Now(),
		Metadata: map[string]interface{}{
			"priority":         string(ctx.Priority),
			"source":           ctx.Source,
			"monitoring_level": string(level),
		},
	}

	return result, nil
}

// computeConfidence normalizes parameter weights to sum to 1 and folds
// each parameter into [0,1]:
//   - bool          → 1.0 / 0.0
//   - numeric + thr → min(1, value/threshold)
//   - numeric       → clamped to [0,1]
//   - anything else → 0.5 (no signal either way)
func computeConfidence(params []core.DecisionParameter) (float64, error) {
	if len(params) == 0 {
		return 0, invalidContext("no parameters")
	}

	totalWeight := 0.0
	for _, p := range params {
		if p.Weight < 0 {
			return 0, invalidContext("parameter %q has negative weight", p.Name)
		}
		totalWeight += p.Weight
	}
	if totalWeight <= 0 {
		return 0, invalidContext("parameter weights sum to zero")
	}

	weightedSum := 0.0
	for _, p := range params {
		weightedSum += normalizeValue(p) * p.Weight
	}

	confidence := weightedSum / totalWeight
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}
	return confidence, nil
}

func normalizeValue(p core.DecisionParameter) float64 {
	if b, ok := p.Value.(bool); ok {
		if b {
			return 1.0
		}
		return 0.0
	}

	v, numeric := asFloat(p.Value)
	if !numeric {
		return 0.5
	}

	if p.Threshold != nil {
		thr := *p.Threshold
		if thr == 0 {
			if v > 0 {
				return 1.0
			}
			return 0.0
		}
		n := v / thr
		if n > 1 {
			return 1.0
		}
		if n < 0 {
			return 0.0
		}
		return n
	}

	if v > 1 {
		return 1.0
	}
	if v < 0 {
		return 0.0
	}
	return v
}

// asFloat widens the numeric types JSON decoding and Go callers produce.
func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// breakerTripped reports whether the last circuitBreakerWindow results
// of the same type were all rejected or escalated.
func breakerTripped(t core.DecisionType, history []core.DecisionResult) bool {
	seen := 0
	for i := len(history) - 1; i >= 0 && seen < circuitBreakerWindow; i-- {
		if history[i].DecisionType != t {
			continue
		}
		if history[i].Approved && !history[i].RequiresGuardian {
			return false
		}
		seen++
	}
	return seen == circuitBreakerWindow
}

func buildReasoning(ctx core.DecisionContext, confidence float64, requiresGuardian, tripped bool, level core.MonitoringLevel) string {
	parts := []string{
		fmt.Sprintf("Decision type: %s, Priority: %s, Confidence: %.0f%%",
			ctx.DecisionType, ctx.Priority, confidence*100),
	}

	switch {
	case tripped:
		parts = append(parts, fmt.Sprintf("Guardian approval required: last %d %s decisions were rejected or escalated", circuitBreakerWindow, ctx.DecisionType))
	case requiresGuardian:
		parts = append(parts, "Guardian approval required due to high priority or low confidence")
	default:
		parts = append(parts, "Approved for autonomous execution")
	}

	if level != core.LevelNormal {
		parts = append(parts, fmt.Sprintf("Monitoring level: %s", level))
	}

	if len(ctx.Parameters) > 0 {
		summary := make([]string, 0, 3)
		for _, p := range ctx.Parameters {
			summary = append(summary, fmt.Sprintf("%s=%v", p.Name, p.Value))
			if len(summary) == 3 {
				break
			}
		}
		parts = append(parts, "Parameters: "+strings.Join(summary, ", "))
	}

	return strings.Join(parts, ". ")
}

func buildActions(ctx core.DecisionContext, approved, requiresGuardian bool) []string {
	switch {
	case requiresGuardian:
		return []string{
			"Request guardian approval",
			"Queue decision for manual review",
			"Log decision to monitoring system",
		}
	case approved:
		return []string{
			fmt.Sprintf("Execute %s autonomously", ctx.DecisionType),
			"Record metrics",
			"Update system state",
			"Notify monitoring agents",
		}
	default:
		return []string{
			"Decision rejected - insufficient confidence",
			"Request additional parameters",
			"Log to incident report",
		}
	}
}

// ============================================================================
// MATRIX — stateful wrapper: history ring + per-type metrics
// ============================================================================

// Matrix wraps Evaluate with a bounded decision history used for the
// flapping circuit breaker and for metrics queries. It is constructed
// explicitly and passed to callers; there is no package-level instance.
type Matrix struct {
	mu          sync.RWMutex
	history     []core.DecisionResult
	historySize int
	logger      *slog.Logger
}

// NewMatrix creates a decision matrix with the default history bound.
func NewMatrix() *Matrix {
	return &Matrix{
		historySize: defaultHistorySize,
		logger:      slog.Default().With("component", "decision_matrix"),
	}
}

// Decide evaluates a context against the current monitoring level and
// records the result in the history ring.
func (m *Matrix) Decide(ctx core.DecisionContext, level core.MonitoringLevel) (core.DecisionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result, err := Evaluate(ctx, level, m.history)
	if err != nil {
		return core.DecisionResult{}, err
	}

	m.history = append(m.history, result)
	if len(m.history) > m.historySize {
		m.history = m.history[len(m.history)-m.historySize:]
	}

	m.logger.Info("decision made",
		"decision_id", result.DecisionID,
		"type", result.DecisionType,
		"approved", result.Approved,
		"confidence", result.Confidence,
		"requires_guardian", result.RequiresGuardian)

	return result, nil
}

// Record appends an externally produced result (e.g. replayed from the
// ledger on restart) to the history ring.
func (m *Matrix) Record(result core.DecisionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, result)
	if len(m.history) > m.historySize {
		m.history = m.history[len(m.history)-m.historySize:]
	}
}

// History returns the most recent results, optionally filtered by type.
// A zero or negative limit returns everything retained.
func (m *Matrix) History(t core.DecisionType, limit int) []core.DecisionResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	filtered := make([]core.DecisionResult, 0, len(m.history))
	for _, r := range m.history {
		if t == "" || r.DecisionType == t {
			filtered = append(filtered, r)
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}

// TypeMetrics summarizes decisions of one type.
type TypeMetrics struct {
	Count         int     `json:"count"`
	ApprovalRate  float64 `json:"approval_rate"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// Metrics summarizes the retained decision history.
type Metrics struct {
	TotalDecisions       int                          `json:"total_decisions"`
	ApprovalRate         float64                      `json:"approval_rate"`
	AverageConfidence    float64                      `json:"average_confidence"`
	GuardianRequiredRate float64                      `json:"guardian_required_rate"`
	ByType               map[core.DecisionType]TypeMetrics `json:"by_type"`
}

// Metrics computes aggregate decision metrics from the history ring.
func (m *Matrix) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := Metrics{ByType: make(map[core.DecisionType]TypeMetrics)}
	if len(m.history) == 0 {
		return out
	}

	var approved, guardian int
	var confSum float64
	type acc struct {
		count    int
		approved int
		confSum  float64
	}
	byType := make(map[core.DecisionType]*acc)

	for _, r := range m.history {
		if r.Approved {
			approved++
		}
		if r.RequiresGuardian {
			guardian++
		}
		confSum += r.Confidence

		a := byType[r.DecisionType]
		if a == nil {
			a = &acc{}
			byType[r.DecisionType] = a
		}
		a.count++
		if r.Approved {
			a.approved++
		}
		a.confSum += r.Confidence
	}

	total := len(m.history)
	out.TotalDecisions = total
	out.ApprovalRate = float64(approved) / float64(total)
	out.AverageConfidence = confSum / float64(total)
	out.GuardianRequiredRate = float64(guardian) / float64(total)

	for t, a := range byType {
		out.ByType[t] = TypeMetrics{
			Count:         a.count,
			ApprovalRate:  float64(a.approved) / float64(a.count),
			AvgConfidence: a.confSum / float64(a.count),
		}
	}
	return out
}

// ApprovalStats is the compact view the decision monitoring agent reads.
func (m *Matrix) ApprovalStats() (total int, approvalRate, guardianRate float64) {
	mets := m.Metrics()
	return mets.TotalDecisions, mets.ApprovalRate, mets.GuardianRequiredRate
}
