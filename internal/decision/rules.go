package decision

import "github.com/aegisops/backend/internal/core"

// Rule holds the fixed evaluation constants for one decision type.
// MaxAutoApprove is the highest priority that may still auto-approve;
// AutoApprovable is false for types that always require a guardian.
type Rule struct {
	ConfidenceThreshold float64
	MaxAutoApprove      core.Priority
	AutoApprovable      bool
}

// rules is the per-type decision table. It is intentionally not
// configurable per call: callers get uniform behavior and the table is
// the single place a new decision type must be registered.
var rules = map[core.DecisionType]Rule{
	core.DecisionDeployment: {
		ConfidenceThreshold: 0.80,
		MaxAutoApprove:      core.PriorityMedium,
		AutoApprovable:      true,
	},
	core.DecisionScaling: {
		ConfidenceThreshold: 0.70,
		MaxAutoApprove:      core.PriorityHigh,
		AutoApprovable:      true,
	},
	core.DecisionRollback: {
		ConfidenceThreshold: 0.90,
		MaxAutoApprove:      core.PriorityCritical,
		AutoApprovable:      true,
	},
	core.DecisionHealing: {
		ConfidenceThreshold: 0.85,
		MaxAutoApprove:      core.PriorityHigh,
		AutoApprovable:      true,
	},
	core.DecisionMonitoring: {
		ConfidenceThreshold: 0.60,
		MaxAutoApprove:      core.PriorityMedium,
		AutoApprovable:      true,
	},
	core.DecisionGuardianOverride: {
		ConfidenceThreshold: 0.95,
		AutoApprovable:      false, // always requires a guardian
	},
}

// RuleFor returns the rule for a decision type.
func RuleFor(t core.DecisionType) (Rule, bool) {
	r, ok := rules[t]
	return r, ok
}

// effectiveCap applies monitoring-level gating to a rule's auto-approve
// ceiling. At high level everything except healing is capped at low; at
// critical only healing keeps its cap, everything else loses
// auto-approval entirely.
func effectiveCap(t core.DecisionType, r Rule, level core.MonitoringLevel) (core.Priority, bool) {
	if !r.AutoApprovable {
		return "", false
	}

	switch level {
	case core.LevelCritical:
		if t != core.DecisionHealing {
			return "", false
		}
	case core.LevelHigh:
		if t != core.DecisionHealing {
			return core.PriorityLow, true
		}
	}

	return r.MaxAutoApprove, true
}
