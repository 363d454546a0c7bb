package core

import (
	"fmt"
	"strings"
	"time"
)

// DecisionType is the closed set of decisions the engine evaluates.
// Each type carries its own threshold and auto-approve cap in the
// decision rules table, so adding a type is a compile-time change.
type DecisionType string

const (
	DecisionDeployment       DecisionType = "deployment"
	DecisionScaling          DecisionType = "scaling"
	DecisionRollback         DecisionType = "rollback"
	DecisionHealing          DecisionType = "healing"
	DecisionMonitoring       DecisionType = "monitoring"
	DecisionGuardianOverride DecisionType = "guardian_override"
)

// DecisionTypes lists every valid decision type.
var DecisionTypes = []DecisionType{
	DecisionDeployment,
	DecisionScaling,
	DecisionRollback,
	DecisionHealing,
	DecisionMonitoring,
	DecisionGuardianOverride,
}

// Valid reports whether t is a known decision type.
func (t DecisionType) Valid() bool {
	switch t {
	case DecisionDeployment, DecisionScaling, DecisionRollback,
		DecisionHealing, DecisionMonitoring, DecisionGuardianOverride:
		return true
	}
	return false
}

// Priority orders decisions from least to most consequential.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityRank = map[Priority]int{
	PriorityLow:      0,
	PriorityMedium:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// Rank returns the ordinal position of the priority (low=0 .. critical=3).
// Unknown priorities rank below low so they never auto-approve.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return -1
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// MonitoringLevel is the system-wide escalation posture. It is owned by
// the guardian monitor; no other component writes it.
type MonitoringLevel string

const (
	LevelNormal   MonitoringLevel = "normal"
	LevelElevated MonitoringLevel = "elevated"
	LevelHigh     MonitoringLevel = "high"
	LevelCritical MonitoringLevel = "critical"
)

var levelRank = map[MonitoringLevel]int{
	LevelNormal:   0,
	LevelElevated: 1,
	LevelHigh:     2,
	LevelCritical: 3,
}

// Rank returns the ordinal severity of the level (normal=0 .. critical=3).
func (l MonitoringLevel) Rank() int {
	return levelRank[l]
}

// ApprovalAction is the action a guardian takes on a decision.
type ApprovalAction string

const (
	ActionApprove ApprovalAction = "approve"
	ActionReject  ApprovalAction = "reject"
	ActionModify  ApprovalAction = "modify"
)

// Valid reports whether a is a known approval action.
func (a ApprovalAction) Valid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionModify:
		return true
	}
	return false
}

// DecisionParameter is a single weighted input to confidence scoring.
// Value may be a bool or a number; a numeric value with a Threshold is
// normalized as min(1, value/threshold).
type DecisionParameter struct {
	Name      string      `json:"name"`
	Value     interface{} `json:"value"`
	Threshold *float64    `json:"threshold,omitempty"`
	Weight    float64     `json:"weight"`
}

// DecisionContext is a proposed action submitted for evaluation.
type DecisionContext struct {
	DecisionType DecisionType        `json:"decision_type"`
	Priority     Priority            `json:"priority"`
	Parameters   []DecisionParameter `json:"parameters"`
	Source       string              `json:"source"`
}

// DecisionResult is the immutable outcome of one evaluation. Corrections
// happen via a new ApprovalRecord, never by mutating the result.
type DecisionResult struct {
	DecisionID       string                 `json:"decision_id"`
	DecisionType     DecisionType           `json:"decision_type"`
	Approved         bool                   `json:"approved"`
	Confidence       float64                `json:"confidence"`
	Reasoning        string                 `json:"reasoning"`
	Actions          []string               `json:"actions"`
	RequiresGuardian bool                   `json:"requires_guardian"`
	Timestamp        time.Time              `json:"timestamp"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// ApprovalRecord is one append-only guardian action on a decision.
// Multiple records may reference the same decision id; the latest wins.
type ApprovalRecord struct {
	ApprovalID   string                 `json:"approval_id"`
	DecisionID   string                 `json:"decision_id"`
	DecisionType DecisionType           `json:"decision_type"`
	GuardianID   string                 `json:"guardian_id"`
	Action       ApprovalAction         `json:"action"`
	Reasoning    string                 `json:"reasoning"`
	Priority     Priority               `json:"priority"`
	Confidence   float64                `json:"confidence"`
	Timestamp    time.Time              `json:"timestamp"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// NewDecisionID builds a decision id as type+timestamp, matching the
// wire format external executors key on.
func NewDecisionID(t DecisionType) string {
	return fmt.Sprintf("%s_%d", t, time.Now().UnixMilli())
}

// DecisionTypeFromID recovers the type prefix from an id produced by
// NewDecisionID.
func DecisionTypeFromID(id string) (DecisionType, bool) {
	i := strings.LastIndex(id, "_")
	if i <= 0 {
		return "", false
	}
	t := DecisionType(id[:i])
	return t, t.Valid()
}
