// Package agents runs the background monitoring agents that feed the
// guardian's safety metrics. Each agent samples one concern on its own
// interval and pushes a rolling average into the metric store, so a
// single noisy sample cannot flip the monitoring level.
package agents

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status is the lifecycle state of a monitoring agent.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusDegraded Status = "degraded"
	StatusError    Status = "error"
)

const (
	sampleHistory = 100
	rollingWindow = 5

	// errorThreshold is the consecutive collection failures that flip
	// an agent to error status.
	errorThreshold = 3

	// staleFactor marks an agent degraded when its last good sample is
	// older than staleFactor times its interval.
	staleFactor = 3
)

// Sample is one collected data point, normalized to [0,1] where 1 is
// fully safe.
type Sample struct {
	Value     float64            `json:"value"`
	Detail    map[string]float64 `json:"detail,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Collector produces samples for one safety concern.
type Collector interface {
	// ID uniquely names the agent.
	ID() string

	// Metric is the guardian safety metric this agent feeds.
	Metric() string

	Collect(ctx context.Context) (Sample, error)
}

// MetricSink receives the rolling averages. Satisfied by the guardian
// monitor.
type MetricSink interface {
	UpdateMetric(name string, value float64)
}

// Agent wraps a Collector with scheduling, sample retention, and
// failure accounting.
type Agent struct {
	collector Collector
	interval  time.Duration
	sink      MetricSink
	logger    *slog.Logger

	mu       sync.RWMutex
	status   Status
	samples  []Sample
	failures int
	lastGood time.Time

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewAgent builds an agent around a collector.
func NewAgent(c Collector, interval time.Duration, sink MetricSink, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		collector: c,
		interval:  interval,
		sink:      sink,
		logger:    logger.With("agent", c.ID()),
		status:    StatusInactive,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the collection loop. The first collection happens
// immediately.
func (a *Agent) Start() {
	a.mu.Lock()
	a.status = StatusActive
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()

		a.collect()
		for {
			select {
			case <-a.stopCh:
				return
			case <-ticker.C:
				a.collect()
			}
		}
	}()
	a.logger.Info("monitoring agent started", "interval", a.interval)
}

// Stop halts the loop and waits for it to exit.
func (a *Agent) Stop() {
	a.stopped.Do(func() { close(a.stopCh) })
	a.wg.Wait()
	a.mu.Lock()
	a.status = StatusInactive
	a.mu.Unlock()
}

func (a *Agent) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sample, err := a.collector.Collect(ctx)
	if err != nil {
		a.mu.Lock()
		a.failures++
		if a.failures >= errorThreshold {
			a.status = StatusError
		}
		a.mu.Unlock()
		a.logger.Error("collection failed", "error", err)
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}

	a.mu.Lock()
	a.failures = 0
	a.status = StatusActive
	a.lastGood = sample.Timestamp
	a.samples = append(a.samples, sample)
	if len(a.samples) > sampleHistory {
		a.samples = a.samples[len(a.samples)-sampleHistory:]
	}
	avg := rollingAverage(a.samples, rollingWindow)
	a.mu.Unlock()

	if a.sink != nil {
		a.sink.UpdateMetric(a.collector.Metric(), avg)
	}
}

func rollingAverage(samples []Sample, window int) float64 {
	if len(samples) == 0 {
		return 0
	}
	start := len(samples) - window
	if start < 0 {
		start = 0
	}
	var sum float64
	for _, s := range samples[start:] {
		sum += s.Value
	}
	return sum / float64(len(samples)-start)
}

// Status reports the agent's current status, downgrading to degraded
// when the last good sample is stale.
func (a *Agent) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.status == StatusActive && !a.lastGood.IsZero() &&
		time.Since(a.lastGood) > time.Duration(staleFactor)*a.interval {
		return StatusDegraded
	}
	return a.status
}

// Latest returns up to limit recent samples, newest last.
func (a *Agent) Latest(limit int) []Sample {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := a.samples
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	cp := make([]Sample, len(out))
	copy(cp, out)
	return cp
}

// ============================================================================
// AGENT SYSTEM
// ============================================================================

// AgentInfo is the status view of one agent.
type AgentInfo struct {
	Status     Status    `json:"status"`
	Metric     string    `json:"metric"`
	Interval   string    `json:"interval"`
	DataPoints int       `json:"data_points"`
	LastSample time.Time `json:"last_sample,omitempty"`
}

// SystemStatus is the aggregate agents view served over the API.
type SystemStatus struct {
	Agents       map[string]AgentInfo `json:"agents"`
	TotalAgents  int                  `json:"total_agents"`
	ActiveAgents int                  `json:"active_agents"`
	Timestamp    time.Time            `json:"timestamp"`
}

// System manages the agent fleet.
type System struct {
	agents map[string]*Agent
	order  []string
	logger *slog.Logger
}

// NewSystem registers agents keyed by collector ID.
func NewSystem(logger *slog.Logger, agents ...*Agent) *System {
	if logger == nil {
		logger = slog.Default()
	}
	s := &System{agents: make(map[string]*Agent), logger: logger}
	for _, a := range agents {
		id := a.collector.ID()
		s.agents[id] = a
		s.order = append(s.order, id)
	}
	return s
}

// StartAll starts every agent.
func (s *System) StartAll() {
	for _, id := range s.order {
		s.agents[id].Start()
	}
	s.logger.Info("monitoring agents started", "count", len(s.agents))
}

// StopAll stops every agent and waits for their loops.
func (s *System) StopAll() {
	for _, id := range s.order {
		s.agents[id].Stop()
	}
	s.logger.Info("monitoring agents stopped")
}

// Get returns the named agent.
func (s *System) Get(id string) (*Agent, bool) {
	a, ok := s.agents[id]
	return a, ok
}

// Status assembles the fleet view.
func (s *System) Status() SystemStatus {
	out := SystemStatus{
		Agents:      make(map[string]AgentInfo, len(s.agents)),
		TotalAgents: len(s.agents),
		Timestamp:   time.Now().UTC(),
	}
	for id, a := range s.agents {
		a.mu.RLock()
		info := AgentInfo{
			Metric:     a.collector.Metric(),
			Interval:   a.interval.String(),
			DataPoints: len(a.samples),
			LastSample: a.lastGood,
		}
		a.mu.RUnlock()
		info.Status = a.Status()
		out.Agents[id] = info
		if info.Status == StatusActive {
			out.ActiveAgents++
		}
	}
	return out
}
