package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/aegisops/backend/internal/core"
	"github.com/aegisops/backend/internal/metrics"
)

// HealingAction names a remediation step.
type HealingAction string

const (
	ActionProcessRestart  HealingAction = "process_restart"
	ActionServiceRestart  HealingAction = "service_restart"
	ActionCacheClear      HealingAction = "cache_clear"
	ActionConnectionReset HealingAction = "connection_reset"
	ActionMemoryCleanup   HealingAction = "memory_cleanup"
)

// healingOrder is the fixed attempt sequence, cheapest blast radius last.
var healingOrder = []HealingAction{
	ActionProcessRestart,
	ActionServiceRestart,
	ActionCacheClear,
	ActionConnectionReset,
	ActionMemoryCleanup,
}

const (
	healingCooldown    = 5 * time.Minute
	maxHealingAttempts = 3
)

// Executor performs a healing action against a component. Returning an
// error marks the attempt failed and moves the healer down the ladder.
type Executor interface {
	Execute(ctx context.Context, component string, action HealingAction) error
}

// DecisionSubmitter routes an escalated healing request into the
// decision engine once local remediation is exhausted.
type DecisionSubmitter interface {
	Submit(ctx context.Context, dc core.DecisionContext) (core.DecisionResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, component string, action HealingAction) error

func (f ExecutorFunc) Execute(ctx context.Context, component string, action HealingAction) error {
	return f(ctx, component, action)
}

// LocalExecutor performs the remediations available inside the process.
// Restart actions require an external supervisor and always fail here;
// deployments with systemd or a reconciler plug in their own Executor.
type LocalExecutor struct{}

func (LocalExecutor) Execute(ctx context.Context, component string, action HealingAction) error {
	switch action {
	case ActionMemoryCleanup:
		runtime.GC()
		debug.FreeOSMemory()
		return nil
	case ActionCacheClear, ActionConnectionReset:
		// In-process caches and pools register resetters with the
		// healer; without one there is nothing to clear.
		return fmt.Errorf("no %s hook registered for %s", action, component)
	default:
		return fmt.Errorf("%s requires an external supervisor", action)
	}
}

// HealingAttempt records one remediation try.
type HealingAttempt struct {
	Component string        `json:"component"`
	Action    HealingAction `json:"action"`
	Attempt   int           `json:"attempt"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

type componentState struct {
	attempts    int
	lastAttempt time.Time
	escalated   bool
}

// Healer drives self-healing for unhealthy components. Each component
// gets at most maxHealingAttempts tries, one per cooldown window,
// walking the action ladder in order. Exhausting the ladder escalates
// a healing decision to the engine instead of retrying forever.
type Healer struct {
	executor  Executor
	submitter DecisionSubmitter
	mets      *metrics.Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	state   map[string]*componentState
	history []HealingAttempt
}

func NewHealer(executor Executor, submitter DecisionSubmitter, mets *metrics.Metrics, logger *slog.Logger) *Healer {
	if executor == nil {
		executor = LocalExecutor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Healer{
		executor:  executor,
		submitter: submitter,
		mets:      mets,
		logger:    logger.With("component", "healer"),
		state:     make(map[string]*componentState),
	}
}

// Heal runs one remediation attempt for the incident's component. It
// returns true if the attempt succeeded. Calls inside the cooldown
// window or after escalation are no-ops.
func (h *Healer) Heal(ctx context.Context, inc Incident) bool {
	h.mu.Lock()
	st, ok := h.state[inc.Component]
	if !ok {
		st = &componentState{}
		h.state[inc.Component] = st
	}
	if st.escalated {
		h.mu.Unlock()
		return false
	}
	if !st.lastAttempt.IsZero() && time.Since(st.lastAttempt) < healingCooldown {
		h.mu.Unlock()
		return false
	}
	if st.attempts >= maxHealingAttempts {
		st.escalated = true
		h.mu.Unlock()
		h.escalate(ctx, inc)
		return false
	}
	st.attempts++
	st.lastAttempt = time.Now()
	attempt := st.attempts
	h.mu.Unlock()

	action := healingOrder[(attempt-1)%len(healingOrder)]
	err := h.executor.Execute(ctx, inc.Component, action)
	h.mets.RecordHealing(inc.Component, string(action), err == nil)

	rec := HealingAttempt{
		Component: inc.Component,
		Action:    action,
		Attempt:   attempt,
		Success:   err == nil,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
		h.logger.Warn("healing attempt failed",
			"check", inc.Component, "action", action, "attempt", attempt, "error", err)
	} else {
		h.logger.Info("healing attempt succeeded",
			"check", inc.Component, "action", action, "attempt", attempt)
	}

	h.mu.Lock()
	h.history = append(h.history, rec)
	if len(h.history) > 1000 {
		h.history = h.history[len(h.history)-1000:]
	}
	h.mu.Unlock()

	return err == nil
}

// escalate submits a high-priority healing decision. The engine and its
// guardian gating decide whether a human must act.
func (h *Healer) escalate(ctx context.Context, inc Incident) {
	h.logger.Error("healing exhausted, escalating",
		"check", inc.Component, "incident_id", inc.IncidentID)
	if h.submitter == nil {
		return
	}
	thr := 1.0
	dc := core.DecisionContext{
		DecisionType: core.DecisionHealing,
		Priority:     core.PriorityHigh,
		Source:       "self_healing",
		Parameters: []core.DecisionParameter{
			{Name: "local_remediation_exhausted", Value: true, Weight: 0.5},
			{Name: "failed_attempts", Value: float64(maxHealingAttempts), Threshold: &thr, Weight: 0.3},
			{Name: "component", Value: inc.Component, Weight: 0.2},
		},
	}
	if _, err := h.submitter.Submit(ctx, dc); err != nil {
		h.logger.Error("healing escalation failed", "incident_id", inc.IncidentID, "error", err)
	}
}

// Attempts returns how many remediation tries the component has used.
func (h *Healer) Attempts(component string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.state[component]; ok {
		return st.attempts
	}
	return 0
}

// Reset clears attempt state after a component recovers, re-arming the
// ladder for the next incident.
func (h *Healer) Reset(component string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.state, component)
}

// History returns up to limit recent attempts, newest last.
func (h *Healer) History(limit int) []HealingAttempt {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.history
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	cp := make([]HealingAttempt, len(out))
	copy(cp, out)
	return cp
}
