package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Operations with default latency objectives.
const (
	OpAdmit    = "admit"
	OpDispatch = "dispatch"
	OpComplete = "complete"
)

// Objective is a latency and success target for one kernel operation over a
// rolling window.
type Objective struct {
	Name        string        `json:"name"`
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"` // target, 0 to 1
	Window      time.Duration `json:"window"`
}

// ObjectiveStatus reports current compliance for one operation.
type ObjectiveStatus struct {
	Operation        string  `json:"operation"`
	LatencyP99Ms     float64 `json:"latency_p99_ms"`
	TargetP99Ms      float64 `json:"target_p99_ms"`
	SuccessRate      float64 `json:"success_rate"`
	TargetSuccess    float64 `json:"target_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"`         // >1 means burning faster than the budget allows
	ErrorBudgetLeft  float64 `json:"error_budget_left"` // percentage remaining
	ObservationCount int     `json:"observation_count"`
}

// DefaultObjectives covers the kernel hot paths. High tier work is answered
// synchronously, so admission carries the tightest latency target. Completion
// latency runs from claim to result report and is bounded by the execution
// lease rather than by kernel code.
func DefaultObjectives() []Objective {
	return []Objective{
		{Name: "synchronous admission", Operation: OpAdmit, LatencyP99: 250 * time.Millisecond, SuccessRate: 0.999, Window: time.Hour},
		{Name: "task dispatch", Operation: OpDispatch, LatencyP99: 100 * time.Millisecond, SuccessRate: 0.999, Window: time.Hour},
		{Name: "task completion", Operation: OpComplete, LatencyP99: 5 * time.Minute, SuccessRate: 0.95, Window: 24 * time.Hour},
	}
}

type observation struct {
	latency time.Duration
	success bool
	at      time.Time
}

// ObjectiveTracker monitors latency objectives across kernel operations.
// Observations older than an objective's window are pruned on record, so
// memory stays proportional to recent traffic.
type ObjectiveTracker struct {
	mu           sync.Mutex
	objectives   map[string]Objective
	observations map[string][]observation
	clock        func() time.Time
}

// NewObjectiveTracker creates a tracker. With no arguments it starts from
// DefaultObjectives.
func NewObjectiveTracker(objectives ...Objective) *ObjectiveTracker {
	if len(objectives) == 0 {
		objectives = DefaultObjectives()
	}
	t := &ObjectiveTracker{
		objectives:   make(map[string]Objective, len(objectives)),
		observations: make(map[string][]observation),
		clock:        time.Now,
	}
	for _, o := range objectives {
		t.objectives[o.Operation] = o
	}
	return t
}

// WithClock overrides the clock for testing.
func (t *ObjectiveTracker) WithClock(clock func() time.Time) *ObjectiveTracker {
	t.clock = clock
	return t
}

// SetObjective installs or replaces the objective for an operation.
func (t *ObjectiveTracker) SetObjective(o Objective) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.objectives[o.Operation] = o
}

// Record adds one observation for an operation. Observations for operations
// without an objective are dropped.
func (t *ObjectiveTracker) Record(operation string, latency time.Duration, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	obj, ok := t.objectives[operation]
	if !ok {
		return
	}

	now := t.clock()
	obs := append(t.observations[operation], observation{latency: latency, success: success, at: now})

	// Observations arrive in clock order, so expired ones sit at the front.
	cutoff := now.Add(-obj.Window)
	start := 0
	for start < len(obs) && !obs[start].at.After(cutoff) {
		start++
	}
	t.observations[operation] = obs[start:]
}

// Status computes current compliance for an operation.
func (t *ObjectiveTracker) Status(operation string) (*ObjectiveStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	obj, ok := t.objectives[operation]
	if !ok {
		return nil, fmt.Errorf("no objective for operation %q", operation)
	}
	return t.statusLocked(obj), nil
}

// StatusAll reports every tracked operation, ordered by operation name.
func (t *ObjectiveTracker) StatusAll() []*ObjectiveStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	ops := make([]string, 0, len(t.objectives))
	for op := range t.objectives {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	statuses := make([]*ObjectiveStatus, 0, len(ops))
	for _, op := range ops {
		statuses = append(statuses, t.statusLocked(t.objectives[op]))
	}
	return statuses
}

func (t *ObjectiveTracker) statusLocked(obj Objective) *ObjectiveStatus {
	windowStart := t.clock().Add(-obj.Window)
	var windowed []observation
	for _, obs := range t.observations[obj.Operation] {
		if obs.at.After(windowStart) {
			windowed = append(windowed, obs)
		}
	}

	status := &ObjectiveStatus{
		Operation:     obj.Operation,
		TargetP99Ms:   float64(obj.LatencyP99.Milliseconds()),
		TargetSuccess: obj.SuccessRate,
	}

	if len(windowed) == 0 {
		status.InCompliance = true
		status.ErrorBudgetLeft = 100.0
		return status
	}

	successCount := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.success {
			successCount++
		}
		latencies[i] = float64(obs.latency.Milliseconds())
	}
	successRate := float64(successCount) / float64(len(windowed))

	// Nearest-rank p99.
	sort.Float64s(latencies)
	p99Index := int(float64(len(latencies)) * 0.99)
	if p99Index >= len(latencies) {
		p99Index = len(latencies) - 1
	}
	p99 := latencies[p99Index]

	errorBudget := 1.0 - obj.SuccessRate
	errorRate := 1.0 - successRate
	var burnRate, budgetLeft float64
	switch {
	case errorBudget > 0:
		burnRate = errorRate / errorBudget
		budgetLeft = 100.0 * (1.0 - burnRate)
		if budgetLeft < 0 {
			budgetLeft = 0
		}
	case errorRate > 0:
		// A 100% target leaves no budget to burn against.
		burnRate = 1.0
		budgetLeft = 0
	default:
		budgetLeft = 100.0
	}

	status.LatencyP99Ms = p99
	status.SuccessRate = successRate
	status.InCompliance = p99 <= status.TargetP99Ms && successRate >= obj.SuccessRate
	status.BurnRate = burnRate
	status.ErrorBudgetLeft = budgetLeft
	status.ObservationCount = len(windowed)
	return status
}
