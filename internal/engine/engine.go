// Package engine wires the decision matrix, guardian monitor, and
// approval ledger into the single submission path every decision flows
// through. The engine owns the fan-out: events, notifications, cache,
// and metrics all hang off it so the core packages stay side-effect
// free.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aegisops/backend/internal/core"
	"github.com/aegisops/backend/internal/decision"
	"github.com/aegisops/backend/internal/events"
	"github.com/aegisops/backend/internal/guardian"
	"github.com/aegisops/backend/internal/infra"
	"github.com/aegisops/backend/internal/ledger"
	"github.com/aegisops/backend/internal/metrics"
	"github.com/aegisops/backend/internal/webhooks"
)

const eventSource = "/api/v1/decisions"

// Engine is the dependency root for the decision path.
type Engine struct {
	matrix   *decision.Matrix
	monitor  *guardian.Monitor
	ledger   *ledger.Service
	emitter  events.EventEmitter
	notifier webhooks.Notifier
	cache    *infra.StateCache
	mets     *metrics.Metrics
	logger   *slog.Logger
}

// Option configures optional engine wiring.
type Option func(*Engine)

func WithEmitter(e events.EventEmitter) Option {
	return func(en *Engine) { en.emitter = e }
}

func WithNotifier(n webhooks.Notifier) Option {
	return func(en *Engine) { en.notifier = n }
}

func WithStateCache(c *infra.StateCache) Option {
	return func(en *Engine) { en.cache = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(en *Engine) { en.mets = m }
}

// New builds the engine around its three mandatory collaborators.
func New(matrix *decision.Matrix, monitor *guardian.Monitor, led *ledger.Service, opts ...Option) *Engine {
	en := &Engine{
		matrix:  matrix,
		monitor: monitor,
		ledger:  led,
		logger:  slog.Default().With("component", "engine"),
	}
	for _, opt := range opts {
		opt(en)
	}
	return en
}

// Submit evaluates a decision context, validates the result against
// the guardian checklist, and fans the outcome out. The returned result
// carries the validation status in its metadata.
func (en *Engine) Submit(ctx context.Context, dc core.DecisionContext) (core.DecisionResult, error) {
	result, err := en.matrix.Decide(dc, en.monitor.Level())
	if err != nil {
		return core.DecisionResult{}, err
	}

	validation := en.monitor.ValidateDecision(result)
	if result.Metadata == nil {
		result.Metadata = make(map[string]interface{})
	}
	result.Metadata["validation_id"] = validation.ValidationID
	result.Metadata["validation_status"] = string(validation.Status)

	en.mets.RecordDecision(string(result.DecisionType), result.Approved, result.Confidence)

	if en.cache != nil {
		en.cache.PutDecision(ctx, result.DecisionID, result)
	}

	data := map[string]interface{}{
		"decision_id":       result.DecisionID,
		"decision_type":     string(result.DecisionType),
		"approved":          result.Approved,
		"confidence":        result.Confidence,
		"requires_guardian": result.RequiresGuardian,
		"priority":          string(dc.Priority),
		"source":            dc.Source,
		"validation_status": string(validation.Status),
	}

	if result.Approved {
		en.emit(events.TypeDecisionApproved, result.DecisionID, data)
		en.notify(webhooks.EventDecisionApproved, result.DecisionID, data)
	} else {
		reason := escalationReason(result)
		en.mets.RecordEscalation(string(result.DecisionType), reason)
		data["reason"] = reason
		en.emit(events.TypeDecisionEscalated, result.DecisionID, data)

		notifyData := make(map[string]interface{}, len(data)+1)
		for k, v := range data {
			notifyData[k] = v
		}
		notifyData["alert"] = escalationAlert(result, dc, reason)
		en.notify(webhooks.EventDecisionEscalated, result.DecisionID, notifyData)
	}

	return result, nil
}

func escalationReason(result core.DecisionResult) string {
	if result.DecisionType == core.DecisionGuardianOverride {
		return "guardian_gate"
	}
	return "guardian_review"
}

// escalationAlert builds the issue-style summary guardians see in their
// notification channels.
func escalationAlert(result core.DecisionResult, dc core.DecisionContext, reason string) map[string]interface{} {
	title := fmt.Sprintf("[%s] %s decision %s requires guardian review",
		dc.Priority, result.DecisionType, result.DecisionID)
	body := fmt.Sprintf(
		"Decision %s (%s, priority %s) from %s was not auto-approved.\nConfidence: %.2f\nReason: %s\n\n%s",
		result.DecisionID, result.DecisionType, dc.Priority, dc.Source,
		result.Confidence, reason, result.Reasoning)
	return map[string]interface{}{
		"title":  title,
		"body":   body,
		"labels": []string{"escalation", string(result.DecisionType), string(dc.Priority)},
	}
}

// Override records a human action on a decision and fans it out. The
// request carries the decision's type, priority, confidence, and
// metadata so the ledger entry stays attributable.
func (en *Engine) Override(ctx context.Context, req core.ApprovalRecord) (core.ApprovalRecord, error) {
	rec, err := en.monitor.OverrideDecision(ctx, req)
	if err != nil {
		return core.ApprovalRecord{}, err
	}

	en.mets.RecordOverride(string(rec.Action))

	data := map[string]interface{}{
		"approval_id":   rec.ApprovalID,
		"decision_id":   rec.DecisionID,
		"decision_type": string(rec.DecisionType),
		"action":        string(rec.Action),
		"guardian_id":   rec.GuardianID,
		"reasoning":     rec.Reasoning,
	}
	en.emit(events.TypeGuardianOverride, rec.DecisionID, data)
	en.notify(webhooks.EventGuardianOverride, rec.DecisionID, data)
	return rec, nil
}

// HandleLevelChange is registered with the monitor and fans out level
// transitions.
func (en *Engine) HandleLevelChange(old, new core.MonitoringLevel, reason string) {
	levels := make([]string, 0, 4)
	for _, l := range []core.MonitoringLevel{core.LevelNormal, core.LevelElevated, core.LevelHigh, core.LevelCritical} {
		levels = append(levels, string(l))
	}
	en.mets.SetMonitoringLevel(string(new), levels)

	data := map[string]interface{}{
		"from":   string(old),
		"to":     string(new),
		"reason": reason,
	}
	en.emit(events.TypeLevelChanged, string(new), data)
	en.notify(webhooks.EventLevelChanged, string(new), data)

	if en.cache != nil {
		en.cache.PutMonitoringLevel(context.Background(), string(new), reason)
		en.cache.PutSafetyMetrics(context.Background(), en.monitor.Metrics().Snapshot())
	}
}

// Matrix exposes the decision matrix for read queries.
func (en *Engine) Matrix() *decision.Matrix { return en.matrix }

// Monitor exposes the guardian monitor for read queries.
func (en *Engine) Monitor() *guardian.Monitor { return en.monitor }

// Ledger exposes the approval ledger for read queries.
func (en *Engine) Ledger() *ledger.Service { return en.ledger }

func (en *Engine) emit(eventType, subject string, data map[string]interface{}) {
	if en.emitter != nil {
		en.emitter.Emit(eventType, eventSource, subject, data)
	}
}

func (en *Engine) notify(eventType webhooks.EventType, subject string, data map[string]interface{}) {
	if en.notifier != nil {
		en.notifier.Emit(eventType, subject, data)
	}
}
