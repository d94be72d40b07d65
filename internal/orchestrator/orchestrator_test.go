package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsvalues/BCBSWebhub/internal/agent"
	"github.com/bsvalues/BCBSWebhub/internal/breaker"
	"github.com/bsvalues/BCBSWebhub/internal/bus"
	"github.com/bsvalues/BCBSWebhub/internal/protocol"

	_ "github.com/bsvalues/BCBSWebhub/internal/agents"
)

func newCore(t *testing.T, breakerCfg breaker.Config) (*bus.Bus, *breaker.Registry, *Orchestrator) {
	t.Helper()
	b := bus.New(100)
	breakers := breaker.NewRegistry(breakerCfg)
	orch := New(b, breakers, Options{DispatchYield: 5 * time.Millisecond})
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(func() {
		_ = orch.Stop(context.Background())
		breakers.Close()
	})
	return b, breakers, orch
}

type recordingExec struct {
	mu    sync.Mutex
	order []string
	gate  chan struct{} // when non-nil, execution blocks until closed
}

func (r *recordingExec) ExecuteTask(ctx context.Context, task *protocol.Task) (map[string]any, error) {
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.mu.Lock()
	r.order = append(r.order, task.Type)
	r.mu.Unlock()
	return map[string]any{"task": task.Type}, nil
}

func (r *recordingExec) executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func startEcho(t *testing.T, b *bus.Bus, orch *Orchestrator, name string) agent.Agent {
	t.Helper()
	a, err := agent.Create(agent.Def{Name: name, Type: "echo", Capabilities: []string{"echo"}}, b)
	require.NoError(t, err)
	require.NoError(t, a.Initialize(context.Background()))
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	orch.RegisterAgent(a)
	return a
}

func waitTerminal(t *testing.T, orch *Orchestrator, taskID string) *protocol.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		task, err := orch.GetTaskStatus(taskID)
		require.NoError(t, err)
		if task.Status.Terminal() {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s still %s", taskID, task.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmitEchoTaskCompletes(t *testing.T) {
	b, _, orch := newCore(t, breaker.Config{})
	startEcho(t, b, orch, "echo-1")

	receipt, err := orch.SubmitTask(context.Background(), SubmitRequest{
		TaskType:   "echo",
		Parameters: map[string]any{"x": 1},
		Priority:   protocol.PriorityMedium,
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskPending, receipt.Status)

	task := waitTerminal(t, orch, receipt.TaskID)
	assert.Equal(t, protocol.TaskCompleted, task.Status)
	assert.Equal(t, float64(1), task.Result["x"], "parameters round-trip through JSON")

	// Terminal outcome lands in the archive.
	rec, err := orch.History().Get(context.Background(), receipt.TaskID)
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskCompleted, rec.Status)
	assert.Equal(t, "echo", rec.AgentType)
}

func TestSubmitUnknownTaskType(t *testing.T) {
	_, _, orch := newCore(t, breaker.Config{})

	_, err := orch.SubmitTask(context.Background(), SubmitRequest{TaskType: "mystery"})
	assert.ErrorIs(t, err, protocol.ErrNoRoute)
	assert.Empty(t, orch.ListTasks(""), "rejected submission must not create a task")
}

func TestSubmitRoutedTypeWithoutRegisteredAgent(t *testing.T) {
	_, _, orch := newCore(t, breaker.Config{})

	// "echo" is in the routing table but nothing is registered for it.
	_, err := orch.SubmitTask(context.Background(), SubmitRequest{TaskType: "echo"})
	assert.ErrorIs(t, err, protocol.ErrNoRoute)
	assert.Empty(t, orch.ListTasks(""))
}

func TestSubmitCapabilityMismatch(t *testing.T) {
	b, _, orch := newCore(t, breaker.Config{})
	startEcho(t, b, orch, "echo-1")

	_, err := orch.SubmitTask(context.Background(), SubmitRequest{
		TaskType:             "echo",
		RequiredCapabilities: []string{"gis_lookup"},
	})
	assert.ErrorIs(t, err, protocol.ErrMissingAbility)
}

func TestExecutionOrderFollowsPriority(t *testing.T) {
	b, _, orch := newCore(t, breaker.Config{})

	gate := make(chan struct{})
	exec := &recordingExec{gate: gate}
	a := agent.NewBase(agent.Def{Name: "rec-1", Type: "rec"}, b, exec)
	require.NoError(t, a.Initialize(context.Background()))
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	orch.RegisterAgent(a)

	// First task occupies the agent at the gate; the rest queue behind it.
	_, err := orch.SubmitTask(context.Background(), SubmitRequest{
		TaskType: "first", Destination: "rec", Priority: protocol.PriorityMedium,
	})
	require.NoError(t, err)
	waitAgentBusy(t, a)

	ids := make(map[string]string)
	for _, p := range []struct {
		name string
		prio protocol.Priority
	}{
		{"low", protocol.PriorityLow},
		{"medium", protocol.PriorityMedium},
		{"critical", protocol.PriorityCritical},
	} {
		r, err := orch.SubmitTask(context.Background(), SubmitRequest{
			TaskType: p.name, Destination: "rec", Priority: p.prio,
		})
		require.NoError(t, err)
		ids[p.name] = r.TaskID
	}
	close(gate)

	for _, id := range ids {
		waitTerminal(t, orch, id)
	}

	order := exec.executed()
	require.Len(t, order, 4)
	assert.Equal(t, []string{"first", "critical", "medium", "low"}, order,
		"queued tasks must drain critical before medium before low")
}

func TestEqualPriorityCompletesInSubmissionOrder(t *testing.T) {
	b, _, orch := newCore(t, breaker.Config{})

	gate := make(chan struct{})
	exec := &recordingExec{gate: gate}
	a := agent.NewBase(agent.Def{Name: "rec-1", Type: "rec"}, b, exec)
	require.NoError(t, a.Initialize(context.Background()))
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	orch.RegisterAgent(a)

	_, err := orch.SubmitTask(context.Background(), SubmitRequest{
		TaskType: "warmup", Destination: "rec", Priority: protocol.PriorityHigh,
	})
	require.NoError(t, err)
	waitAgentBusy(t, a)

	var queued []string
	for _, name := range []string{"a", "b", "c"} {
		r, err := orch.SubmitTask(context.Background(), SubmitRequest{
			TaskType: name, Destination: "rec", Priority: protocol.PriorityHigh,
		})
		require.NoError(t, err)
		queued = append(queued, r.TaskID)
	}
	close(gate)
	for _, id := range queued {
		waitTerminal(t, orch, id)
	}

	assert.Equal(t, []string{"warmup", "a", "b", "c"}, exec.executed())
}

func TestDispatchSkipsBlockedTarget(t *testing.T) {
	b, _, orch := newCore(t, breaker.Config{})
	startEcho(t, b, orch, "echo-1")

	// An agent that is registered but never initialized stays offline, so
	// its tasks are undispatchable.
	offline := agent.NewBase(agent.Def{Name: "stuck-1", Type: "stuck"}, b, &recordingExec{})
	orch.RegisterAgent(offline)

	blocked, err := orch.SubmitTask(context.Background(), SubmitRequest{
		TaskType: "blocked", Destination: "stuck", Priority: protocol.PriorityCritical,
	})
	require.NoError(t, err)

	runnable, err := orch.SubmitTask(context.Background(), SubmitRequest{
		TaskType:   "echo",
		Parameters: map[string]any{"n": 7},
		Priority:   protocol.PriorityLow,
	})
	require.NoError(t, err)

	// The low-priority task behind the blocked critical head still runs.
	task := waitTerminal(t, orch, runnable.TaskID)
	assert.Equal(t, protocol.TaskCompleted, task.Status)

	stillQueued, err := orch.GetTaskStatus(blocked.TaskID)
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskPending, stillQueued.Status)
}

func TestCancelPendingTask(t *testing.T) {
	b, _, orch := newCore(t, breaker.Config{})

	offline := agent.NewBase(agent.Def{Name: "stuck-1", Type: "stuck"}, b, &recordingExec{})
	orch.RegisterAgent(offline)

	receipt, err := orch.SubmitTask(context.Background(), SubmitRequest{
		TaskType: "audit", Destination: "stuck",
	})
	require.NoError(t, err)

	require.NoError(t, orch.CancelTask(receipt.TaskID))

	task, err := orch.GetTaskStatus(receipt.TaskID)
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskCancelled, task.Status)

	rec, err := orch.History().Get(context.Background(), receipt.TaskID)
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskCancelled, rec.Status)
}

func TestCancelCompletedTaskIsInvalid(t *testing.T) {
	b, _, orch := newCore(t, breaker.Config{})
	startEcho(t, b, orch, "echo-1")

	receipt, err := orch.SubmitTask(context.Background(), SubmitRequest{TaskType: "echo"})
	require.NoError(t, err)
	waitTerminal(t, orch, receipt.TaskID)

	err = orch.CancelTask(receipt.TaskID)
	assert.ErrorIs(t, err, protocol.ErrInvalidState)

	task, _ := orch.GetTaskStatus(receipt.TaskID)
	assert.Equal(t, protocol.TaskCompleted, task.Status, "failed cancel must not disturb the terminal status")
}

func TestCancelConfirmationIsNotReprocessed(t *testing.T) {
	b, _, orch := newCore(t, breaker.Config{})
	startEcho(t, b, orch, "echo-1")

	receipt, err := orch.SubmitTask(context.Background(), SubmitRequest{TaskType: "echo"})
	require.NoError(t, err)
	waitTerminal(t, orch, receipt.TaskID)

	inbox := make(chan *protocol.Envelope, 4)
	b.Subscribe("worker-9", func(msg *protocol.Envelope) { inbox <- msg })

	// A correlated TASK_CANCEL is an agent confirming a cancel notice;
	// the orchestrator must not read it as a fresh request.
	conf := protocol.NewEnvelope(protocol.TypeTaskCancel, "worker-9", protocol.OrchestratorID, protocol.TaskCancelPayload{
		TaskID: receipt.TaskID,
		Reason: "cancelled by mcp",
	})
	conf.CorrelationID = "prior-cancel-notice"
	require.NoError(t, b.Publish(conf))

	select {
	case msg := <-inbox:
		t.Fatalf("confirmation drew a %s reply", msg.Type)
	case <-time.After(150 * time.Millisecond):
	}

	// An uncorrelated cancel for the same terminal task is a real request
	// and still earns the invalid-state error.
	req := protocol.NewEnvelope(protocol.TypeTaskCancel, "worker-9", protocol.OrchestratorID, protocol.TaskCancelPayload{TaskID: receipt.TaskID})
	require.NoError(t, b.Publish(req))
	select {
	case msg := <-inbox:
		assert.Equal(t, protocol.TypeError, msg.Type)
		assert.Equal(t, req.ID, msg.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("real cancel request drew no reply")
	}
}

func TestCancelUnknownTask(t *testing.T) {
	_, _, orch := newCore(t, breaker.Config{})
	assert.ErrorIs(t, orch.CancelTask("no-such-task"), protocol.ErrNotFound)
}

func TestBreakerIsolatesUnreachableAgent(t *testing.T) {
	cfg := breaker.Config{FailureThreshold: 2, ResetTimeout: time.Minute, HalfOpenSuccessThreshold: 1}
	b, breakers, orch := newCore(t, cfg)
	a := startEcho(t, b, orch, "echo-1").(interface {
		Pause()
		Resume()
	})

	// Detached from the bus but still READY: every dispatch attempt fails
	// delivery and feeds the breaker.
	a.Pause()

	var failed []string
	for i := 0; i < cfg.FailureThreshold; i++ {
		r, err := orch.SubmitTask(context.Background(), SubmitRequest{TaskType: "echo"})
		require.NoError(t, err)
		failed = append(failed, r.TaskID)
	}
	for _, id := range failed {
		task := waitTerminal(t, orch, id)
		assert.Equal(t, protocol.TaskFailed, task.Status)
	}
	assert.Equal(t, breaker.Open, breakers.Get("echo-1").State())

	// With the breaker open, further work queues instead of failing.
	held, err := orch.SubmitTask(context.Background(), SubmitRequest{TaskType: "echo"})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	task, err := orch.GetTaskStatus(held.TaskID)
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskPending, task.Status, "open breaker must hold work, not burn it")
}

func TestAgentStatusCircuitOpenOverlay(t *testing.T) {
	cfg := breaker.Config{FailureThreshold: 1, ResetTimeout: time.Minute}
	b, breakers, orch := newCore(t, cfg)
	a := startEcho(t, b, orch, "echo-1")

	status, err := orch.GetAgentStatus("echo")
	require.NoError(t, err)
	assert.Equal(t, agent.StateReady, status.State)

	// Trip the agent's breaker directly.
	_ = breakers.Get("echo-1").Execute(context.Background(), func(context.Context) error {
		return errors.New("down")
	})
	require.Equal(t, breaker.Open, breakers.Get("echo-1").State())

	status, err = orch.GetAgentStatus("echo")
	require.NoError(t, err)
	assert.Equal(t, agent.StateCircuitOpen, status.State)
	assert.Equal(t, agent.StateReady, status.Report.State, "the agent's own state is untouched")
	assert.Equal(t, agent.StateReady, a.State())
}

func TestSystemStatusSnapshot(t *testing.T) {
	b, _, orch := newCore(t, breaker.Config{})
	startEcho(t, b, orch, "echo-1")

	receipt, err := orch.SubmitTask(context.Background(), SubmitRequest{TaskType: "echo"})
	require.NoError(t, err)
	waitTerminal(t, orch, receipt.TaskID)

	st := orch.GetSystemStatus()
	assert.Contains(t, st.Agents, "echo")
	assert.Equal(t, 1, st.TaskCounts[protocol.TaskCompleted])
	assert.Zero(t, st.QueueDepth)
	assert.Contains(t, st.Breakers, "echo-1")
}

func TestBusSubmissionRoundTrip(t *testing.T) {
	b, _, orch := newCore(t, breaker.Config{})
	startEcho(t, b, orch, "echo-1")

	inbox := make(chan *protocol.Envelope, 8)
	b.Subscribe("auditor-ui", func(msg *protocol.Envelope) { inbox <- msg })

	req := protocol.NewEnvelope(protocol.TypeTaskRequest, "auditor-ui", protocol.OrchestratorID, map[string]any{
		"type":       "echo",
		"parameters": map[string]any{"parcel": "12-3456"},
	})
	req.RequiresResponse = true
	require.NoError(t, b.Publish(req))

	var receipt SubmitReceipt
	var taskResp protocol.TaskResponsePayload
	gotReceipt, gotResult := false, false
	deadline := time.After(3 * time.Second)
	for !gotReceipt || !gotResult {
		select {
		case msg := <-inbox:
			switch {
			case msg.Type == protocol.TypeTaskRequest && msg.CorrelationID == req.ID:
				require.NoError(t, msg.UnmarshalPayload(&receipt))
				gotReceipt = true
			case msg.Type == protocol.TypeTaskResponse && msg.CorrelationID == req.ID:
				require.NoError(t, msg.UnmarshalPayload(&taskResp))
				gotResult = true
			}
		case <-deadline:
			t.Fatalf("missing reply: receipt=%v result=%v", gotReceipt, gotResult)
		}
	}

	assert.NotEmpty(t, receipt.TaskID)
	assert.Equal(t, receipt.TaskID, taskResp.TaskID)
	assert.True(t, taskResp.Success)
	assert.Equal(t, "12-3456", taskResp.Result["parcel"])
}

func TestRegisterReplacesAgentForType(t *testing.T) {
	b, _, orch := newCore(t, breaker.Config{})
	startEcho(t, b, orch, "echo-1")
	replacement := startEcho(t, b, orch, "echo-2")

	receipt, err := orch.SubmitTask(context.Background(), SubmitRequest{TaskType: "echo"})
	require.NoError(t, err)
	waitTerminal(t, orch, receipt.TaskID)

	rec, err := orch.History().Get(context.Background(), receipt.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "echo", rec.AgentType)
	assert.Equal(t, "echo-2", replacement.ID())
}

// waitAgentBusy blocks until the agent picked up its current task.
func waitAgentBusy(t *testing.T, a agent.Agent) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for a.State() != agent.StateBusy {
		if time.Now().After(deadline) {
			t.Fatalf("agent %s never went busy, state=%s", a.ID(), a.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
