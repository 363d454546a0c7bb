// Package diagnostics runs periodic system probes, opens incidents
// after sustained failures, and drives self-healing with escalation
// into the decision engine when remediation is exhausted.
package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegisops/backend/internal/metrics"
)

const (
	defaultCheckInterval = 30 * time.Second
	checkTimeout         = 10 * time.Second

	// incidentStreak is the consecutive bad results that open an incident.
	incidentStreak = 3
)

// Incident is a sustained failure of one check.
type Incident struct {
	IncidentID      string      `json:"incident_id"`
	Component       string      `json:"component"`
	Severity        string      `json:"severity"` // high or critical
	Status          string      `json:"status"`   // open or resolved
	Detail          string      `json:"detail"`
	OpenedAt        time.Time   `json:"opened_at"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty"`
	LastResult      CheckResult `json:"last_result"`
	HealingAttempts int         `json:"healing_attempts"`
	AutoHealed      bool        `json:"auto_healed"`
}

// Report is the aggregate diagnostics view served over the API.
type Report struct {
	Status          CheckStatus            `json:"status"`
	Checks          map[string]CheckResult `json:"checks"`
	Incidents       []Incident             `json:"incidents"`
	Healing         []HealingAttempt       `json:"healing_attempts"`
	GeneratedAt     time.Time              `json:"generated_at"`
	ChecksPassed    int                    `json:"checks_passed"`
	ChecksTotal     int                    `json:"checks_total"`
	TotalIncidents  int                    `json:"total_incidents"`
	AutoHealedCount int                    `json:"auto_healed_count"`
}

// IncidentListener is notified when an incident opens or resolves.
type IncidentListener func(inc Incident)

// Runner schedules checks and maintains incident state.
type Runner struct {
	interval time.Duration
	checks   []Check
	healer   *Healer
	mets     *metrics.Metrics
	logger   *slog.Logger

	mu             sync.RWMutex
	latest         map[string]CheckResult
	streaks        map[string]int
	incidents      map[string]*Incident // open incident per check
	resolved       []Incident
	listeners      []IncidentListener
	totalIncidents int
	autoHealed     int

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewRunner builds a runner over the given checks. A nil healer
// disables self-healing but incidents still open and resolve.
func NewRunner(checks []Check, healer *Healer, interval time.Duration, mets *metrics.Metrics, logger *slog.Logger) *Runner {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		interval:  interval,
		checks:    checks,
		healer:    healer,
		mets:      mets,
		logger:    logger.With("component", "diagnostics"),
		latest:    make(map[string]CheckResult),
		streaks:   make(map[string]int),
		incidents: make(map[string]*Incident),
		stopCh:    make(chan struct{}),
	}
}

// DefaultChecks returns the standard probe set.
func DefaultChecks(diskPath string) []Check {
	return []Check{
		NewCPUCheck(DefaultCPUThresholds),
		NewMemoryCheck(DefaultMemoryThresholds),
		NewDiskCheck(diskPath, DefaultDiskThresholds),
		NewProcessCheck(0, 0),
	}
}

// OnIncident registers a listener for incident transitions. Must be
// called before Start.
func (r *Runner) OnIncident(fn IncidentListener) {
	r.listeners = append(r.listeners, fn)
}

// Start launches one loop per check. Each check runs immediately and
// then on its interval until Stop.
func (r *Runner) Start() {
	for _, c := range r.checks {
		r.wg.Add(1)
		go r.loop(c)
	}
	r.logger.Info("diagnostics started", "checks", len(r.checks), "interval", r.interval)
}

// Stop halts all check loops and waits for them to exit.
func (r *Runner) Stop() {
	r.stopped.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Runner) loop(c Check) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.runCheck(c)
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runCheck(c)
		}
	}
}

// RunAll executes every check once, synchronously. Used by the CLI
// probe and tests.
func (r *Runner) RunAll() Report {
	for _, c := range r.checks {
		r.runCheck(c)
	}
	return r.Report()
}

func (r *Runner) runCheck(c Check) {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	start := time.Now()
	res, err := runWithTimeout(ctx, c)
	res.Duration = time.Since(start)
	res.Timestamp = time.Now().UTC()
	res.Check = c.Name()
	if err != nil {
		// A probe that cannot run is indistinguishable from a sick
		// host, so it counts against the streak.
		res.Status = StatusUnhealthy
		res.Detail = err.Error()
	}
	r.mets.ObserveCheck(c.Name(), res.Duration)

	r.record(res)
}

// runWithTimeout guards against checks that block past their context.
func runWithTimeout(ctx context.Context, c Check) (CheckResult, error) {
	type outcome struct {
		res CheckResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.Run(ctx)
		done <- outcome{res, err}
	}()
	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return CheckResult{}, fmt.Errorf("check %s timed out after %s", c.Name(), checkTimeout)
	}
}

func (r *Runner) record(res CheckResult) {
	var opened, closed *Incident
	var toHeal *Incident

	r.mu.Lock()
	r.latest[res.Check] = res

	bad := res.Status == StatusUnhealthy || res.Status == StatusCritical
	if bad {
		r.streaks[res.Check]++
		if r.streaks[res.Check] >= incidentStreak {
			if inc, open := r.incidents[res.Check]; open {
				inc.LastResult = res
				if res.Status == StatusCritical {
					inc.Severity = "critical"
				}
				snapshot := *inc
				toHeal = &snapshot
			} else {
				inc := &Incident{
					IncidentID: "incident_" + uuid.New().String(),
					Component:  res.Check,
					Severity:   severityFor(res.Status),
					Status:     "open",
					Detail:     res.Detail,
					OpenedAt:   time.Now().UTC(),
					LastResult: res,
				}
				r.incidents[res.Check] = inc
				r.totalIncidents++
				opened = inc
				snapshot := *inc
				toHeal = &snapshot
			}
		}
	} else {
		r.streaks[res.Check] = 0
		if inc, open := r.incidents[res.Check]; open && res.Status == StatusHealthy {
			now := time.Now().UTC()
			inc.Status = "resolved"
			inc.ResolvedAt = &now
			inc.LastResult = res
			delete(r.incidents, res.Check)
			r.resolved = append(r.resolved, *inc)
			if len(r.resolved) > 100 {
				r.resolved = r.resolved[len(r.resolved)-100:]
			}
			closed = inc
		}
	}
	openCount := len(r.incidents)
	r.mu.Unlock()

	r.mets.SetOpenIncidents(openCount)

	if opened != nil {
		r.logger.Error("incident opened",
			"incident_id", opened.IncidentID, "check", opened.Component,
			"severity", opened.Severity, "detail", opened.Detail)
		r.notify(*opened)
	}
	if closed != nil {
		r.logger.Info("incident resolved",
			"incident_id", closed.IncidentID, "check", closed.Component)
		r.notify(*closed)
		if r.healer != nil {
			r.healer.Reset(closed.Component)
		}
	}

	// Healing is retried on every bad cycle while the incident stays
	// open; the healer's cooldown window paces the actual attempts.
	if toHeal != nil && r.healer != nil {
		r.heal(*toHeal)
	}
}

// heal runs one paced healing attempt and folds the outcome back into
// the open incident.
func (r *Runner) heal(inc Incident) {
	healed := r.healer.Heal(context.Background(), inc)
	attempts := r.healer.Attempts(inc.Component)

	r.mu.Lock()
	if cur, open := r.incidents[inc.Component]; open {
		cur.HealingAttempts = attempts
		if healed && !cur.AutoHealed {
			cur.AutoHealed = true
			r.autoHealed++
		}
	}
	r.mu.Unlock()
}

func (r *Runner) notify(inc Incident) {
	for _, fn := range r.listeners {
		fn(inc)
	}
}

func severityFor(s CheckStatus) string {
	if s == StatusCritical {
		return "critical"
	}
	return "high"
}

// HasActiveCritical reports whether the component has an open incident
// at critical severity. An empty component matches any check.
func (r *Runner) HasActiveCritical(component string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, inc := range r.incidents {
		if inc.Severity != "critical" {
			continue
		}
		if component == "" || component == name {
			return true
		}
	}
	return false
}

// Incidents returns open incidents followed by recently resolved ones.
func (r *Runner) Incidents() []Incident {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Incident, 0, len(r.incidents)+len(r.resolved))
	for _, inc := range r.incidents {
		out = append(out, *inc)
	}
	out = append(out, r.resolved...)
	return out
}

// Report assembles the current diagnostics view.
func (r *Runner) Report() Report {
	r.mu.RLock()
	checks := make(map[string]CheckResult, len(r.latest))
	worst := StatusHealthy
	passed := 0
	for name, res := range r.latest {
		checks[name] = res
		if res.Status.Rank() > worst.Rank() {
			worst = res.Status
		}
		if res.Status == StatusHealthy {
			passed++
		}
	}
	open := make([]Incident, 0, len(r.incidents))
	for _, inc := range r.incidents {
		open = append(open, *inc)
	}
	total := r.totalIncidents
	autoHealed := r.autoHealed
	r.mu.RUnlock()

	var healing []HealingAttempt
	if r.healer != nil {
		healing = r.healer.History(20)
	}
	return Report{
		Status:          worst,
		Checks:          checks,
		Incidents:       open,
		Healing:         healing,
		GeneratedAt:     time.Now().UTC(),
		ChecksPassed:    passed,
		ChecksTotal:     len(checks),
		TotalIncidents:  total,
		AutoHealedCount: autoHealed,
	}
}
