package diagnostics

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/backend/internal/core"
)

// fakeCheck returns whatever status it is told to.
type fakeCheck struct {
	mu     sync.Mutex
	name   string
	status CheckStatus
	err    error
}

func (c *fakeCheck) Name() string { return c.name }

func (c *fakeCheck) Run(context.Context) (CheckResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return CheckResult{}, c.err
	}
	return CheckResult{Check: c.name, Status: c.status, Detail: "probe"}, nil
}

func (c *fakeCheck) set(status CheckStatus, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	c.err = err
}

// ============================================================================
// INCIDENT LIFECYCLE
// ============================================================================

func TestIncidentOpensAfterThreeBadResults(t *testing.T) {
	check := &fakeCheck{name: "database", status: StatusUnhealthy}
	r := NewRunner([]Check{check}, nil, time.Minute, nil, nil)

	var events []Incident
	r.OnIncident(func(inc Incident) { events = append(events, inc) })

	r.RunAll()
	r.RunAll()
	assert.Empty(t, r.Incidents(), "two bad results are not yet an incident")

	r.RunAll()
	incidents := r.Incidents()
	require.Len(t, incidents, 1)
	assert.Equal(t, "database", incidents[0].Component)
	assert.Equal(t, "high", incidents[0].Severity)
	assert.Equal(t, "open", incidents[0].Status)
	assert.Contains(t, incidents[0].IncidentID, "incident_")

	require.Len(t, events, 1)
	assert.Equal(t, "open", events[0].Status)
}

func TestHealthyResultResetsStreak(t *testing.T) {
	check := &fakeCheck{name: "database", status: StatusUnhealthy}
	r := NewRunner([]Check{check}, nil, time.Minute, nil, nil)

	r.RunAll()
	r.RunAll()
	check.set(StatusHealthy, nil)
	r.RunAll()
	check.set(StatusUnhealthy, nil)
	r.RunAll()
	r.RunAll()

	assert.Empty(t, r.Incidents(), "streak restarts after a healthy result")
}

func TestIncidentResolvesOnHealthy(t *testing.T) {
	check := &fakeCheck{name: "database", status: StatusCritical}
	r := NewRunner([]Check{check}, nil, time.Minute, nil, nil)

	var events []Incident
	r.OnIncident(func(inc Incident) { events = append(events, inc) })

	r.RunAll()
	r.RunAll()
	r.RunAll()
	require.True(t, r.HasActiveCritical("database"))
	require.True(t, r.HasActiveCritical(""), "empty component matches any open critical")

	check.set(StatusHealthy, nil)
	r.RunAll()

	assert.False(t, r.HasActiveCritical("database"))
	require.Len(t, events, 2)
	assert.Equal(t, "resolved", events[1].Status)
	assert.NotNil(t, events[1].ResolvedAt)

	// The resolved incident stays queryable.
	incidents := r.Incidents()
	require.Len(t, incidents, 1)
	assert.Equal(t, "resolved", incidents[0].Status)
}

func TestSeverityUpgradesToCritical(t *testing.T) {
	check := &fakeCheck{name: "memory", status: StatusUnhealthy}
	r := NewRunner([]Check{check}, nil, time.Minute, nil, nil)

	r.RunAll()
	r.RunAll()
	r.RunAll()
	require.False(t, r.HasActiveCritical("memory"))

	check.set(StatusCritical, nil)
	r.RunAll()
	assert.True(t, r.HasActiveCritical("memory"))
}

func TestCheckErrorCountsAsUnhealthy(t *testing.T) {
	check := &fakeCheck{name: "disk", err: fmt.Errorf("statfs failed")}
	r := NewRunner([]Check{check}, nil, time.Minute, nil, nil)

	report := r.RunAll()
	res, ok := report.Checks["disk"]
	require.True(t, ok)
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "statfs failed", res.Detail)
}

func TestReportAggregation(t *testing.T) {
	healthy := &fakeCheck{name: "cpu", status: StatusHealthy}
	degraded := &fakeCheck{name: "memory", status: StatusDegraded}
	r := NewRunner([]Check{healthy, degraded}, nil, time.Minute, nil, nil)

	report := r.RunAll()
	assert.Equal(t, StatusDegraded, report.Status, "worst check wins")
	assert.Equal(t, 1, report.ChecksPassed)
	assert.Equal(t, 2, report.ChecksTotal)
	assert.Empty(t, report.Incidents)
}

// ============================================================================
// SELF-HEALING
// ============================================================================

// scriptedExecutor records actions and fails them all.
type scriptedExecutor struct {
	mu      sync.Mutex
	actions []HealingAction
}

func (e *scriptedExecutor) Execute(_ context.Context, _ string, action HealingAction) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions = append(e.actions, action)
	return fmt.Errorf("remediation unavailable")
}

type capturingSubmitter struct {
	mu       sync.Mutex
	contexts []core.DecisionContext
}

func (s *capturingSubmitter) Submit(_ context.Context, dc core.DecisionContext) (core.DecisionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts = append(s.contexts, dc)
	return core.DecisionResult{RequiresGuardian: true}, nil
}

// expireCooldown backdates the component's last attempt so the next
// Heal call is not suppressed by the cooldown window.
func expireCooldown(h *Healer, component string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.state[component]; ok {
		st.lastAttempt = time.Now().Add(-2 * healingCooldown)
	}
}

func testIncident(component string) Incident {
	return Incident{
		IncidentID: "incident_test",
		Component:  component,
		Severity:   "high",
		Status:     "open",
	}
}

func TestHealerWalksLadderInOrder(t *testing.T) {
	exec := &scriptedExecutor{}
	h := NewHealer(exec, nil, nil, nil)
	inc := testIncident("database")

	for i := 0; i < maxHealingAttempts; i++ {
		h.Heal(context.Background(), inc)
		expireCooldown(h, "database")
	}

	assert.Equal(t, []HealingAction{
		ActionProcessRestart,
		ActionServiceRestart,
		ActionCacheClear,
	}, exec.actions)

	history := h.History(0)
	require.Len(t, history, 3)
	assert.Equal(t, 1, history[0].Attempt)
	assert.False(t, history[0].Success)
	assert.NotEmpty(t, history[0].Error)
}

func TestHealerCooldownSuppressesRetry(t *testing.T) {
	exec := &scriptedExecutor{}
	h := NewHealer(exec, nil, nil, nil)
	inc := testIncident("database")

	assert.False(t, h.Heal(context.Background(), inc))
	assert.False(t, h.Heal(context.Background(), inc), "second call inside cooldown is a no-op")
	assert.Len(t, exec.actions, 1)
}

func TestHealerEscalatesAfterExhaustion(t *testing.T) {
	exec := &scriptedExecutor{}
	sub := &capturingSubmitter{}
	h := NewHealer(exec, sub, nil, nil)
	inc := testIncident("database")

	for i := 0; i < maxHealingAttempts; i++ {
		h.Heal(context.Background(), inc)
		expireCooldown(h, "database")
	}
	require.Empty(t, sub.contexts)

	// The attempt after exhaustion escalates instead of executing.
	h.Heal(context.Background(), inc)
	require.Len(t, sub.contexts, 1)
	assert.Len(t, exec.actions, maxHealingAttempts)

	dc := sub.contexts[0]
	assert.Equal(t, core.DecisionHealing, dc.DecisionType)
	assert.Equal(t, core.PriorityHigh, dc.Priority)
	assert.Equal(t, "self_healing", dc.Source)

	// Once escalated, further incidents for the component are ignored.
	expireCooldown(h, "database")
	h.Heal(context.Background(), inc)
	assert.Len(t, sub.contexts, 1)
}

func TestHealerResetRearmsLadder(t *testing.T) {
	exec := &scriptedExecutor{}
	h := NewHealer(exec, nil, nil, nil)
	inc := testIncident("database")

	h.Heal(context.Background(), inc)
	h.Reset("database")
	h.Heal(context.Background(), inc)

	assert.Equal(t, []HealingAction{ActionProcessRestart, ActionProcessRestart}, exec.actions)
}

// succeedingExecutor records actions and reports them all healed.
type succeedingExecutor struct {
	mu      sync.Mutex
	actions []HealingAction
}

func (e *succeedingExecutor) Execute(_ context.Context, _ string, action HealingAction) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions = append(e.actions, action)
	return nil
}

func TestRunnerRetriesHealingWhileIncidentOpen(t *testing.T) {
	check := &fakeCheck{name: "memory", status: StatusUnhealthy}
	exec := &scriptedExecutor{}
	sub := &capturingSubmitter{}
	healer := NewHealer(exec, sub, nil, nil)
	r := NewRunner([]Check{check}, healer, time.Minute, nil, nil)

	// Three bad cycles open the incident and run the first attempt.
	r.RunAll()
	r.RunAll()
	r.RunAll()
	require.Len(t, exec.actions, 1)

	// Bad cycles inside the cooldown window do not retry.
	r.RunAll()
	assert.Len(t, exec.actions, 1)

	// Once the cooldown expires each bad cycle advances the ladder.
	expireCooldown(healer, "memory")
	r.RunAll()
	expireCooldown(healer, "memory")
	r.RunAll()
	require.Equal(t, []HealingAction{
		ActionProcessRestart,
		ActionServiceRestart,
		ActionCacheClear,
	}, exec.actions)

	incidents := r.Incidents()
	require.Len(t, incidents, 1)
	assert.Equal(t, maxHealingAttempts, incidents[0].HealingAttempts)
	assert.False(t, incidents[0].AutoHealed)

	// With the ladder exhausted the next eligible cycle escalates into
	// the decision engine instead of executing another action.
	expireCooldown(healer, "memory")
	r.RunAll()
	assert.Len(t, exec.actions, maxHealingAttempts)
	require.Len(t, sub.contexts, 1)
	assert.Equal(t, core.DecisionHealing, sub.contexts[0].DecisionType)
	assert.Equal(t, core.PriorityHigh, sub.contexts[0].Priority)
	assert.Equal(t, "self_healing", sub.contexts[0].Source)
}

func TestReportTracksIncidentAndHealingCounters(t *testing.T) {
	check := &fakeCheck{name: "cache", status: StatusUnhealthy}
	exec := &succeedingExecutor{}
	healer := NewHealer(exec, nil, nil, nil)
	r := NewRunner([]Check{check}, healer, time.Minute, nil, nil)

	r.RunAll()
	r.RunAll()
	report := r.RunAll()
	assert.Equal(t, 1, report.TotalIncidents)
	assert.Equal(t, 1, report.AutoHealedCount)

	incidents := r.Incidents()
	require.Len(t, incidents, 1)
	assert.True(t, incidents[0].AutoHealed)
	assert.Equal(t, 1, incidents[0].HealingAttempts)

	// Resolving the incident keeps the lifetime counters.
	check.set(StatusHealthy, nil)
	report = r.RunAll()
	assert.Equal(t, 1, report.TotalIncidents)
	assert.Equal(t, 1, report.AutoHealedCount)

	// A fresh incident for the same component counts again.
	check.set(StatusUnhealthy, nil)
	r.RunAll()
	r.RunAll()
	report = r.RunAll()
	assert.Equal(t, 2, report.TotalIncidents)
	assert.Equal(t, 2, report.AutoHealedCount)
}

func TestLocalExecutorMemoryCleanup(t *testing.T) {
	exec := LocalExecutor{}
	assert.NoError(t, exec.Execute(context.Background(), "process", ActionMemoryCleanup))
	assert.Error(t, exec.Execute(context.Background(), "process", ActionProcessRestart))
}

// ============================================================================
// THRESHOLD LADDERS
// ============================================================================

func TestThresholdClassify(t *testing.T) {
	thr := Thresholds{Degraded: 60, Unhealthy: 80, Critical: 90}
	assert.Equal(t, StatusHealthy, thr.classify(45))
	assert.Equal(t, StatusDegraded, thr.classify(65))
	assert.Equal(t, StatusUnhealthy, thr.classify(85))
	assert.Equal(t, StatusCritical, thr.classify(95))
}
