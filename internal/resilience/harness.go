// Package resilience is the fault-injection harness: it drives controlled
// failure scenarios against a running core and verifies the system heals
// within the recovery window.
package resilience

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bsvalues/BCBSWebhub/internal/breaker"
	"github.com/bsvalues/BCBSWebhub/internal/lifecycle"
	"github.com/bsvalues/BCBSWebhub/internal/orchestrator"
	"github.com/bsvalues/BCBSWebhub/internal/protocol"
)

// FaultType identifies an injectable failure mode.
type FaultType string

const (
	// TimeoutStorm drives tasks whose execution delay exceeds the task
	// wait deadline; each stalled task is cancelled and counted as a
	// failure.
	TimeoutStorm FaultType = "timeout_storm"

	// ErrorStorm drives tasks that deterministically fail.
	ErrorStorm FaultType = "error_storm"

	// AgentCrash forces the target agent into the error state so the
	// lifecycle manager must restart it.
	AgentCrash FaultType = "agent_crash"

	// HighLoad floods the queue with valid tasks at the configured rate.
	HighLoad FaultType = "high_load"

	// MemoryLeak drives tasks carrying large parameter ballast.
	MemoryLeak FaultType = "memory_leak"

	// NetworkPartition detaches the target agent from the bus for the
	// fault duration, then reattaches it.
	NetworkPartition FaultType = "network_partition"
)

var validFaults = map[FaultType]bool{
	TimeoutStorm:     true,
	ErrorStorm:       true,
	AgentCrash:       true,
	HighLoad:         true,
	MemoryLeak:       true,
	NetworkPartition: true,
}

// Options configures one fault-injection run.
type Options struct {
	Fault FaultType

	// TargetAgent is the managed agent name (crash, partition) or the
	// task destination (storms). Defaults to "echo-1" / task type "echo".
	TargetAgent string

	// TaskType routes storm traffic (default "echo").
	TaskType string

	// Duration is how long the fault is driven (default 10s).
	Duration time.Duration

	// Rate is storm submissions per second (default 5).
	Rate float64

	// Concurrency is the number of storm workers (default 2).
	Concurrency int

	// TaskWait is how long each driven task may take before it is
	// cancelled and counted as a failure (default 5s). The timeout storm
	// stalls its tasks past this deadline.
	TaskWait time.Duration

	// RecoveryWindow bounds post-fault healing (default 30s).
	RecoveryWindow time.Duration
}

func (o Options) withDefaults() Options {
	if o.TargetAgent == "" {
		o.TargetAgent = "echo-1"
	}
	if o.TaskType == "" {
		o.TaskType = "echo"
	}
	if o.Duration <= 0 {
		o.Duration = 10 * time.Second
	}
	if o.Rate <= 0 {
		o.Rate = 5
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
	if o.TaskWait <= 0 {
		o.TaskWait = 5 * time.Second
	}
	if o.RecoveryWindow <= 0 {
		o.RecoveryWindow = 30 * time.Second
	}
	return o
}

func (o Options) validate() error {
	if !validFaults[o.Fault] {
		return fmt.Errorf("unknown fault type %q", o.Fault)
	}
	return nil
}

// Result records one run's outcome.
type Result struct {
	TestID string    `json:"testId"`
	Fault  FaultType `json:"fault"`
	Target string    `json:"target"`

	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`

	Iterations int `json:"iterations"`
	Successes  int `json:"successes"`
	Failures   int `json:"failures"`

	Recovered       bool          `json:"recovered"`
	RecoveryTime    time.Duration `json:"recoveryTime"`
	RestartObserved bool          `json:"restartObserved"`
	BreakerTripped  bool          `json:"breakerTripped"`

	Notes []string `json:"notes,omitempty"`
}

// Harness drives faults against a live core.
type Harness struct {
	orch     *orchestrator.Orchestrator
	manager  *lifecycle.Manager
	breakers *breaker.Registry

	mu      sync.Mutex
	results map[string]*Result
	running map[string]context.CancelFunc
}

// NewHarness wires the harness to the running core.
func NewHarness(orch *orchestrator.Orchestrator, manager *lifecycle.Manager, breakers *breaker.Registry) *Harness {
	return &Harness{
		orch:     orch,
		manager:  manager,
		breakers: breakers,
		results:  make(map[string]*Result),
		running:  make(map[string]context.CancelFunc),
	}
}

// RunTest injects the fault, waits out the duration, then verifies
// recovery. It blocks until the run settles.
func (h *Harness) RunTest(ctx context.Context, opts Options) (*Result, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	res := &Result{
		TestID:    uuid.New().String(),
		Fault:     opts.Fault,
		Target:    opts.TargetAgent,
		StartedAt: time.Now().UTC(),
	}

	faultCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.results[res.TestID] = res
	h.running[res.TestID] = cancel
	h.mu.Unlock()
	defer func() {
		cancel()
		h.mu.Lock()
		delete(h.running, res.TestID)
		h.mu.Unlock()
	}()

	restartsBefore := h.restartCount(opts.TargetAgent)
	log.Printf("[HARNESS] test %s: injecting %s against %s for %s", res.TestID, opts.Fault, opts.TargetAgent, opts.Duration)

	var err error
	switch opts.Fault {
	case AgentCrash:
		err = h.injectCrash(opts, res)
	case NetworkPartition:
		err = h.injectPartition(faultCtx, opts, res)
	default:
		err = h.injectStorm(faultCtx, opts, res)
	}
	if err != nil {
		res.EndedAt = time.Now().UTC()
		res.Notes = append(res.Notes, "injection failed: "+err.Error())
		return res, err
	}

	h.verifyRecovery(ctx, opts, res, restartsBefore)
	res.EndedAt = time.Now().UTC()
	log.Printf("[HARNESS] test %s: recovered=%v in %s (iterations=%d ok=%d failed=%d)",
		res.TestID, res.Recovered, res.RecoveryTime.Round(time.Millisecond), res.Iterations, res.Successes, res.Failures)
	return res, nil
}

// injectStorm drives rate-limited task traffic shaped by the fault type.
func (h *Harness) injectStorm(ctx context.Context, opts Options, res *Result) error {
	deadline := time.Now().Add(opts.Duration)
	limiter := rate.NewLimiter(rate.Limit(opts.Rate), opts.Concurrency)

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.Concurrency; w++ {
		g.Go(func() error {
			for time.Now().Before(deadline) {
				if err := limiter.Wait(ctx); err != nil {
					return nil // cancelled; not a harness failure
				}
				ok := h.driveOne(ctx, opts)
				mu.Lock()
				res.Iterations++
				if ok {
					res.Successes++
				} else {
					res.Failures++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	return g.Wait()
}

// driveOne submits one shaped task and waits up to TaskWait for its terminal
// status. A task that misses the deadline is cancelled so the backlog cannot
// snowball. It reports whether the task completed successfully.
func (h *Harness) driveOne(ctx context.Context, opts Options) bool {
	params := map[string]any{}
	switch opts.Fault {
	case TimeoutStorm:
		params["delay_ms"] = (2 * opts.TaskWait).Milliseconds()
	case ErrorStorm:
		params["fail"] = true
	case MemoryLeak:
		params["ballast"] = make([]int, 1<<12)
	case HighLoad:
	}

	receipt, err := h.orch.SubmitTask(ctx, orchestrator.SubmitRequest{
		TaskType:   opts.TaskType,
		Parameters: params,
		Priority:   protocol.PriorityLow,
	})
	if err != nil {
		return false
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.TaskWait)
	defer cancel()
	for {
		task, err := h.orch.GetTaskStatus(receipt.TaskID)
		if err != nil {
			return false
		}
		if task.Status.Terminal() {
			return task.Status == protocol.TaskCompleted
		}
		select {
		case <-waitCtx.Done():
			// Reclaim the stalled task; a late completion loses to the
			// cancel and no longer counts.
			_ = h.orch.CancelTask(receipt.TaskID)
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// injectCrash forces the target agent into the error state.
func (h *Harness) injectCrash(opts Options, res *Result) error {
	handle, ok := h.manager.Agent(opts.TargetAgent)
	if !ok {
		return fmt.Errorf("agent %q not managed or not running", opts.TargetAgent)
	}
	f, ok := handle.(interface{ Fail(reason string) })
	if !ok {
		return fmt.Errorf("agent %q does not support crash injection", opts.TargetAgent)
	}
	f.Fail("injected crash")
	res.Iterations = 1
	res.Failures = 1
	return nil
}

// injectPartition detaches the agent from the bus for the duration.
func (h *Harness) injectPartition(ctx context.Context, opts Options, res *Result) error {
	handle, ok := h.manager.Agent(opts.TargetAgent)
	if !ok {
		return fmt.Errorf("agent %q not managed or not running", opts.TargetAgent)
	}
	p, ok := handle.(interface {
		Pause()
		Resume()
	})
	if !ok {
		return fmt.Errorf("agent %q does not support partition injection", opts.TargetAgent)
	}

	p.Pause()
	res.Iterations = 1
	select {
	case <-ctx.Done():
	case <-time.After(opts.Duration):
	}
	p.Resume()
	res.Successes = 1
	return nil
}

// verifyRecovery polls until the target agent is healthy, its breaker is
// closed, and (for crashes) a restart was observed, or until the recovery
// window closes.
func (h *Harness) verifyRecovery(ctx context.Context, opts Options, res *Result, restartsBefore int) {
	start := time.Now()
	deadline := start.Add(opts.RecoveryWindow)

	for {
		healthy := h.targetHealthy(opts.TargetAgent)
		bState := h.targetBreakerState(opts.TargetAgent)
		if bState == breaker.Open {
			res.BreakerTripped = true
		}
		res.RestartObserved = h.restartCount(opts.TargetAgent) > restartsBefore

		recovered := healthy && bState == breaker.Closed
		if opts.Fault == AgentCrash {
			recovered = recovered && res.RestartObserved
		}
		if recovered {
			res.Recovered = true
			res.RecoveryTime = time.Since(start)
			return
		}
		if time.Now().After(deadline) {
			res.Recovered = false
			res.RecoveryTime = time.Since(start)
			res.Notes = append(res.Notes, fmt.Sprintf("not recovered within %s (healthy=%v breaker=%s)", opts.RecoveryWindow, healthy, bState))
			return
		}
		select {
		case <-ctx.Done():
			res.Notes = append(res.Notes, "recovery wait cancelled")
			return
		case <-time.After(1 * time.Second):
		}
	}
}

func (h *Harness) targetHealthy(name string) bool {
	if rec, ok := h.manager.HealthOf(name); ok {
		return rec.Healthy && rec.State.Active()
	}
	// Not lifecycle-managed; fall back to the live handle.
	if handle, ok := h.manager.Agent(name); ok {
		return handle.State().Active()
	}
	return false
}

func (h *Harness) targetBreakerState(name string) breaker.State {
	if handle, ok := h.manager.Agent(name); ok {
		return h.breakers.Get(handle.ID()).State()
	}
	return h.breakers.Get(name).State()
}

func (h *Harness) restartCount(name string) int {
	if rec, ok := h.manager.HealthOf(name); ok {
		return rec.RestartAttempts
	}
	return 0
}

// StopTest cancels a running test. The result reflects progress up to the
// cancellation.
func (h *Harness) StopTest(testID string) error {
	h.mu.Lock()
	cancel, ok := h.running[testID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("no running test %q", testID)
	}
	cancel()
	return nil
}

// GetResult returns a finished or in-flight result by id.
func (h *Harness) GetResult(testID string) (*Result, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	res, ok := h.results[testID]
	return res, ok
}

// Results returns all recorded results.
func (h *Harness) Results() []*Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Result, 0, len(h.results))
	for _, r := range h.results {
		out = append(out, r)
	}
	return out
}
