// Package lifecycle tracks server state transitions and aggregate dispatch
// statistics, and composes the health snapshot served by the HTTP adapter.
package lifecycle

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// State is the process-wide server state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// validTransitions encodes the monotonic state machine:
// stopped -> starting -> running -> stopping -> stopped, with any fault
// during starting/stopping landing in error, recoverable only via restart.
var validTransitions = map[State][]State{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateError},
	StateRunning:  {StateStopping, StateError},
	StateStopping: {StateStopped, StateError},
	StateError:    {StateStarting},
}

// Memory and latency thresholds for health checks. These are policy
// boundaries for reporting, not enforced limits.
const (
	memPassMB = 500
	memWarnMB = 1000

	latencyPass = 100 * time.Millisecond
	latencyWarn = 500 * time.Millisecond
)

// Tracker maintains server state and running counters. Counters use atomic
// increments; lastError is a plain overwrite where last-writer-wins is the
// intended semantics.
type Tracker struct {
	state atomic.Int32

	totalRequests   atomic.Int64
	totalErrors     atomic.Int64
	totalDurationMs atomic.Int64
	lastError       atomic.Value // string

	mu        sync.Mutex
	perTool   map[string]int64
	startedAt time.Time
}

// NewTracker creates a tracker in the stopped state.
func NewTracker() *Tracker {
	t := &Tracker{perTool: make(map[string]int64)}
	t.state.Store(int32(StateStopped))
	return t
}

// State returns the current server state.
func (t *Tracker) State() State {
	return State(t.state.Load())
}

// Transition moves the server to the given state, rejecting moves the state
// machine does not allow.
func (t *Tracker) Transition(to State) error {
	for {
		from := State(t.state.Load())
		allowed := false
		for _, next := range validTransitions[from] {
			if next == to {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("invalid state transition: %s -> %s", from, to)
		}
		if t.state.CompareAndSwap(int32(from), int32(to)) {
			if to == StateRunning {
				t.mu.Lock()
				t.startedAt = time.Now()
				t.mu.Unlock()
			}
			return nil
		}
	}
}

// Fail records err as the last error and moves the server to the error
// state if the current state allows it.
func (t *Tracker) Fail(err error) {
	if err != nil {
		t.lastError.Store(err.Error())
	}
	_ = t.Transition(StateError)
}

// Record counts one dispatch outcome.
func (t *Tracker) Record(tool string, d time.Duration, failed bool, errMsg string) {
	t.totalRequests.Add(1)
	t.totalDurationMs.Add(d.Milliseconds())
	if failed {
		t.totalErrors.Add(1)
		if errMsg != "" {
			t.lastError.Store(errMsg)
		}
	}
	t.mu.Lock()
	t.perTool[tool]++
	t.mu.Unlock()
}

// Stats is a point-in-time snapshot of the running counters.
type Stats struct {
	State         string           `json:"state"`
	TotalRequests int64            `json:"totalRequests"`
	TotalErrors   int64            `json:"totalErrors"`
	PerTool       map[string]int64 `json:"perTool"`
	AvgResponseMs int64            `json:"avgResponseMs"`
	LastError     string           `json:"lastError,omitempty"`
	UptimeSeconds int64            `json:"uptimeSeconds"`
}

// Snapshot returns the current counters.
func (t *Tracker) Snapshot() Stats {
	s := Stats{
		State:         t.State().String(),
		TotalRequests: t.totalRequests.Load(),
		TotalErrors:   t.totalErrors.Load(),
		PerTool:       make(map[string]int64),
	}
	if s.TotalRequests > 0 {
		s.AvgResponseMs = t.totalDurationMs.Load() / s.TotalRequests
	}
	if v, ok := t.lastError.Load().(string); ok {
		s.LastError = v
	}
	t.mu.Lock()
	for k, v := range t.perTool {
		s.PerTool[k] = v
	}
	started := t.startedAt
	t.mu.Unlock()
	if !started.IsZero() {
		s.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	return s
}

// Check is a single named health check result.
type Check struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Health is the composed liveness/readiness snapshot.
type Health struct {
	Status    string           `json:"status"`
	State     string           `json:"state"`
	Checks    map[string]Check `json:"checks"`
	ToolCount int              `json:"toolCount"`
	Timestamp time.Time        `json:"timestamp"`
}

// GetHealth composes a health snapshot from the server state, process memory
// against thresholds, registered tool count, and average response time.
// Overall status is healthy when every check passes, unhealthy when any
// fails, degraded otherwise.
func (t *Tracker) GetHealth(toolCount int) Health {
	checks := make(map[string]Check)

	state := t.State()
	if state == StateRunning {
		checks["state"] = Check{Status: "pass", Detail: state.String()}
	} else {
		checks["state"] = Check{Status: "fail", Detail: state.String()}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	allocMB := mem.Alloc / (1 << 20)
	memCheck := Check{Detail: fmt.Sprintf("%dMB", allocMB)}
	switch {
	case allocMB < memPassMB:
		memCheck.Status = "pass"
	case allocMB < memWarnMB:
		memCheck.Status = "warn"
	default:
		memCheck.Status = "fail"
	}
	checks["memory"] = memCheck

	avg := time.Duration(t.Snapshot().AvgResponseMs) * time.Millisecond
	latCheck := Check{Detail: avg.String()}
	switch {
	case avg < latencyPass:
		latCheck.Status = "pass"
	case avg < latencyWarn:
		latCheck.Status = "warn"
	default:
		latCheck.Status = "fail"
	}
	checks["responseTime"] = latCheck

	status := "healthy"
	for _, c := range checks {
		if c.Status == "fail" {
			status = "unhealthy"
			break
		}
		if c.Status == "warn" {
			status = "degraded"
		}
	}

	return Health{
		Status:    status,
		State:     state.String(),
		Checks:    checks,
		ToolCount: toolCount,
		Timestamp: time.Now(),
	}
}
