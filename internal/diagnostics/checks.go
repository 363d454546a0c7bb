package diagnostics

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// CheckStatus is the health classification of a single probe run.
type CheckStatus string

const (
	StatusHealthy   CheckStatus = "healthy"
	StatusDegraded  CheckStatus = "degraded"
	StatusUnhealthy CheckStatus = "unhealthy"
	StatusCritical  CheckStatus = "critical"
)

var statusRank = map[CheckStatus]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnhealthy: 2,
	StatusCritical:  3,
}

// Rank returns the ordinal severity of the status.
func (s CheckStatus) Rank() int { return statusRank[s] }

// CheckResult is one probe outcome.
type CheckResult struct {
	Check     string             `json:"check"`
	Status    CheckStatus        `json:"status"`
	Value     float64            `json:"value"`
	Detail    string             `json:"detail,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Duration  time.Duration      `json:"duration_ns"`
	Timestamp time.Time          `json:"timestamp"`
}

// Check is a single system probe. Run must respect ctx cancellation.
type Check interface {
	Name() string
	Run(ctx context.Context) (CheckResult, error)
}

// Thresholds map a utilization percentage onto a status ladder.
type Thresholds struct {
	Degraded  float64
	Unhealthy float64
	Critical  float64
}

func (t Thresholds) classify(pct float64) CheckStatus {
	switch {
	case pct >= t.Critical:
		return StatusCritical
	case pct >= t.Unhealthy:
		return StatusUnhealthy
	case pct >= t.Degraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Default threshold ladders per resource.
var (
	DefaultCPUThresholds    = Thresholds{Degraded: 60, Unhealthy: 80, Critical: 90}
	DefaultMemoryThresholds = Thresholds{Degraded: 70, Unhealthy: 85, Critical: 95}
	DefaultDiskThresholds   = Thresholds{Degraded: 80, Unhealthy: 90, Critical: 95}
)

// ============================================================================
// CPU CHECK
// ============================================================================

// CPUCheck measures CPU utilization from /proc/stat deltas between
// runs. The first run has no baseline and reports healthy at 0%.
type CPUCheck struct {
	thresholds Thresholds

	prevIdle  uint64
	prevTotal uint64
}

func NewCPUCheck(t Thresholds) *CPUCheck { return &CPUCheck{thresholds: t} }

func (c *CPUCheck) Name() string { return "cpu" }

func (c *CPUCheck) Run(ctx context.Context) (CheckResult, error) {
	idle, total, err := readCPUSample()
	if err != nil {
		return CheckResult{}, fmt.Errorf("reading cpu sample: %w", err)
	}

	var pct float64
	if c.prevTotal > 0 && total > c.prevTotal {
		dTotal := float64(total - c.prevTotal)
		dIdle := float64(idle - c.prevIdle)
		pct = (1 - dIdle/dTotal) * 100
	}
	c.prevIdle, c.prevTotal = idle, total

	return CheckResult{
		Check:  c.Name(),
		Status: c.thresholds.classify(pct),
		Value:  pct,
		Detail: fmt.Sprintf("cpu utilization %.1f%%", pct),
		Metrics: map[string]float64{
			"utilization_pct": pct,
			"num_cpu":         float64(runtime.NumCPU()),
		},
	}, nil
}

func readCPUSample() (idle, total uint64, err error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		for i, field := range fields[1:] {
			v, perr := strconv.ParseUint(field, 10, 64)
			if perr != nil {
				return 0, 0, fmt.Errorf("parsing /proc/stat field %d: %w", i, perr)
			}
			total += v
			// field 4 is idle, field 5 is iowait
			if i == 3 || i == 4 {
				idle += v
			}
		}
		return idle, total, nil
	}
	return 0, 0, fmt.Errorf("no cpu line in /proc/stat")
}

// ============================================================================
// MEMORY CHECK
// ============================================================================

// MemoryCheck measures system memory pressure from /proc/meminfo.
type MemoryCheck struct {
	thresholds Thresholds
}

func NewMemoryCheck(t Thresholds) *MemoryCheck { return &MemoryCheck{thresholds: t} }

func (c *MemoryCheck) Name() string { return "memory" }

func (c *MemoryCheck) Run(ctx context.Context) (CheckResult, error) {
	info, err := readMeminfo()
	if err != nil {
		return CheckResult{}, fmt.Errorf("reading meminfo: %w", err)
	}
	total := info["MemTotal"]
	avail := info["MemAvailable"]
	if total == 0 {
		return CheckResult{}, fmt.Errorf("meminfo reports zero total memory")
	}
	pct := (1 - float64(avail)/float64(total)) * 100

	return CheckResult{
		Check:  c.Name(),
		Status: c.thresholds.classify(pct),
		Value:  pct,
		Detail: fmt.Sprintf("memory used %.1f%%", pct),
		Metrics: map[string]float64{
			"used_pct":     pct,
			"total_kb":     float64(total),
			"available_kb": float64(avail),
		},
	}, nil
}

func readMeminfo() (map[string]uint64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]uint64)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		v, perr := strconv.ParseUint(fields[1], 10, 64)
		if perr != nil {
			continue
		}
		out[key] = v
	}
	return out, scanner.Err()
}

// ============================================================================
// DISK CHECK
// ============================================================================

// DiskCheck measures filesystem utilization at a mount path.
type DiskCheck struct {
	path       string
	thresholds Thresholds
}

func NewDiskCheck(path string, t Thresholds) *DiskCheck {
	if path == "" {
		path = "/"
	}
	return &DiskCheck{path: path, thresholds: t}
}

func (c *DiskCheck) Name() string { return "disk" }

func (c *DiskCheck) Run(ctx context.Context) (CheckResult, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(c.path, &st); err != nil {
		return CheckResult{}, fmt.Errorf("statfs %s: %w", c.path, err)
	}
	total := st.Blocks * uint64(st.Bsize)
	free := st.Bavail * uint64(st.Bsize)
	if total == 0 {
		return CheckResult{}, fmt.Errorf("statfs %s reports zero blocks", c.path)
	}
	pct := (1 - float64(free)/float64(total)) * 100

	return CheckResult{
		Check:  c.Name(),
		Status: c.thresholds.classify(pct),
		Value:  pct,
		Detail: fmt.Sprintf("disk used %.1f%% at %s", pct, c.path),
		Metrics: map[string]float64{
			"used_pct":    pct,
			"total_bytes": float64(total),
			"free_bytes":  float64(free),
		},
	}, nil
}

// ============================================================================
// PROCESS CHECK
// ============================================================================

// ProcessCheck watches the service's own runtime health: goroutine
// count and heap usage relative to the configured ceiling.
type ProcessCheck struct {
	maxGoroutines int
	maxHeapBytes  uint64
}

func NewProcessCheck(maxGoroutines int, maxHeapBytes uint64) *ProcessCheck {
	if maxGoroutines <= 0 {
		maxGoroutines = 10000
	}
	if maxHeapBytes == 0 {
		maxHeapBytes = 1 << 30
	}
	return &ProcessCheck{maxGoroutines: maxGoroutines, maxHeapBytes: maxHeapBytes}
}

func (c *ProcessCheck) Name() string { return "process" }

func (c *ProcessCheck) Run(ctx context.Context) (CheckResult, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	goroutines := runtime.NumGoroutine()

	goroutinePct := float64(goroutines) / float64(c.maxGoroutines) * 100
	heapPct := float64(ms.HeapAlloc) / float64(c.maxHeapBytes) * 100
	pct := goroutinePct
	if heapPct > pct {
		pct = heapPct
	}

	// Process pressure uses the memory ladder.
	return CheckResult{
		Check:  c.Name(),
		Status: DefaultMemoryThresholds.classify(pct),
		Value:  pct,
		Detail: fmt.Sprintf("%d goroutines, %.1f MiB heap", goroutines, float64(ms.HeapAlloc)/(1<<20)),
		Metrics: map[string]float64{
			"goroutines": float64(goroutines),
			"heap_bytes": float64(ms.HeapAlloc),
			"gc_cycles":  float64(ms.NumGC),
		},
	}, nil
}
