package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bsvalues/BCBSWebhub/internal/bus"
	"github.com/bsvalues/BCBSWebhub/internal/protocol"
)

const (
	defaultStatusInterval = 10 * time.Second
	inboxBuffer           = 64
)

// Base provides agent lifecycle, bus wiring, and message dispatch. Concrete
// agents embed it and supply an Executor; everything else is shared.
//
// Each Base runs one worker goroutine that drains its inbox, so task
// execution and message handling are serialized per agent.
type Base struct {
	def      Def
	bus      *bus.Bus
	executor Executor

	mu        sync.RWMutex
	state     State
	startedAt time.Time
	tasks     map[string]*protocol.Task
	tokens    []bus.Token
	paused    bool

	inbox  chan *protocol.Envelope
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBase creates an offline agent around the given executor.
func NewBase(def Def, b *bus.Bus, exec Executor) *Base {
	if def.StatusInterval <= 0 {
		def.StatusInterval = defaultStatusInterval
	}
	return &Base{
		def:      def,
		bus:      b,
		executor: exec,
		state:    StateOffline,
		tasks:    make(map[string]*protocol.Task),
	}
}

func (a *Base) ID() string   { return a.def.Name }
func (a *Base) Type() string { return a.def.Type }

func (a *Base) Capabilities() []string {
	out := make([]string, len(a.def.Capabilities))
	copy(out, a.def.Capabilities)
	return out
}

func (a *Base) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Initialize subscribes under the agent's own id and under broadcast,
// announces the agent to the orchestrator, and starts the worker and the
// periodic status broadcast.
func (a *Base) Initialize(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateOffline {
		a.mu.Unlock()
		return fmt.Errorf("agent %s: initialize in state %s", a.def.Name, a.state)
	}
	a.state = StateInitializing
	a.inbox = make(chan *protocol.Envelope, inboxBuffer)
	a.subscribeLocked()

	ctx, a.cancel = context.WithCancel(ctx)
	a.startedAt = time.Now()
	a.state = StateReady
	a.mu.Unlock()

	a.wg.Add(2)
	go a.run(ctx)
	go a.statusLoop(ctx)

	reg := protocol.NewEnvelope(protocol.TypeRegistration, a.def.Name, protocol.OrchestratorID, protocol.RegistrationPayload{
		AgentID:      a.def.Name,
		AgentType:    a.def.Type,
		Capabilities: a.def.Capabilities,
	})
	if err := a.bus.Publish(reg); err != nil {
		// Orchestrator may subscribe later; its periodic status sweep
		// will pick this agent up.
		log.Printf("[AGENT:%s] registration not delivered: %v", a.def.Name, err)
	}

	log.Printf("[AGENT:%s] ready (type=%s)", a.def.Name, a.def.Type)
	return nil
}

// subscribeLocked registers the bus handlers. Caller holds a.mu.
func (a *Base) subscribeLocked() {
	a.tokens = []bus.Token{
		a.bus.Subscribe(a.def.Name, a.enqueue),
		a.bus.Subscribe(protocol.Broadcast, a.enqueue),
	}
}

// enqueue is the bus handler: it hands envelopes to the worker without
// blocking the publisher.
func (a *Base) enqueue(msg *protocol.Envelope) {
	if msg.Source == a.def.Name {
		return
	}
	if msg.Expired(time.Now()) {
		log.Printf("[AGENT:%s] dropping expired %s", a.def.Name, msg)
		return
	}
	select {
	case a.inbox <- msg:
	default:
		log.Printf("[AGENT:%s] inbox full, dropping %s", a.def.Name, msg)
	}
}

// Shutdown unsubscribes, cancels owned non-terminal tasks, and goes offline.
// The wait for the worker is bounded by ctx; an executor that ignores
// cancellation leaves its goroutine behind and Shutdown returns the ctx error.
func (a *Base) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateOffline || a.state == StateShuttingDown {
		a.mu.Unlock()
		return nil
	}
	a.state = StateShuttingDown
	for _, tok := range a.tokens {
		a.bus.Unsubscribe(tok)
	}
	a.tokens = nil
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("agent %s: worker still running at shutdown deadline: %w", a.def.Name, ctx.Err())
		log.Printf("[AGENT:%s] %v", a.def.Name, waitErr)
	}

	a.mu.Lock()
	for _, t := range a.tasks {
		if !t.Status.Terminal() {
			_ = t.Transition(protocol.TaskCancelled)
		}
	}
	a.state = StateOffline
	a.mu.Unlock()

	log.Printf("[AGENT:%s] offline", a.def.Name)
	return waitErr
}

// Fail forces the agent into the error state. The lifecycle manager's
// health checks observe it and schedule a restart; the resilience harness
// uses it to simulate a crash.
func (a *Base) Fail(reason string) {
	a.mu.Lock()
	a.state = StateError
	a.mu.Unlock()
	log.Printf("[AGENT:%s] entered error state: %s", a.def.Name, reason)
}

// Pause detaches the agent from the bus without changing its state,
// simulating a network partition. Resume reattaches it.
func (a *Base) Pause() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.paused || !a.state.Active() {
		return
	}
	for _, tok := range a.tokens {
		a.bus.Unsubscribe(tok)
	}
	a.tokens = nil
	a.paused = true
}

// Resume reattaches a paused agent to the bus.
func (a *Base) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.paused {
		return
	}
	a.subscribeLocked()
	a.paused = false
}

// Status aggregates owned task counts by status plus uptime.
func (a *Base) Status() StatusReport {
	a.mu.RLock()
	defer a.mu.RUnlock()

	counts := make(map[protocol.TaskStatus]int)
	for _, t := range a.tasks {
		counts[t.Status]++
	}
	var uptime time.Duration
	if !a.startedAt.IsZero() {
		uptime = time.Since(a.startedAt)
	}
	return StatusReport{
		AgentID:      a.def.Name,
		AgentType:    a.def.Type,
		State:        a.state,
		Capabilities: a.def.Capabilities,
		TaskCounts:   counts,
		Uptime:       uptime,
		Timestamp:    time.Now().UTC(),
	}
}

// run is the worker loop: it serializes all message handling for the agent.
func (a *Base) run(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.inbox:
			a.dispatch(ctx, msg)
		}
	}
}

// statusLoop periodically broadcasts the agent's own status.
func (a *Base) statusLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.def.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env := protocol.NewEnvelope(protocol.TypeStatusUpdate, a.def.Name, protocol.OrchestratorID, a.Status())
			if err := a.bus.Publish(env); err != nil {
				log.Printf("[AGENT:%s] status broadcast failed: %v", a.def.Name, err)
			}
		}
	}
}

// dispatch routes one envelope by its type. The protocol type set is closed;
// anything outside it goes to the executor's optional MessageHandler hook.
func (a *Base) dispatch(ctx context.Context, msg *protocol.Envelope) {
	switch msg.Type {
	case protocol.TypeTaskRequest:
		a.handleTaskRequest(ctx, msg)
	case protocol.TypeTaskCancel:
		a.handleTaskCancel(msg)
	case protocol.TypeStatusUpdate, protocol.TypeHeartbeat:
		// Reply in kind with the current status.
		resp := protocol.NewResponse(msg, msg.Type, a.def.Name, a.Status())
		a.reply(resp)
	case protocol.TypeShutdown:
		ack := protocol.NewResponse(msg, protocol.TypeStatusUpdate, a.def.Name, map[string]any{"shuttingDown": true})
		a.reply(ack)
		// Shutdown waits for this worker, so it must run elsewhere.
		go func() { _ = a.Shutdown(context.Background()) }()
	case protocol.TypeTaskResponse, protocol.TypeRegistration, protocol.TypeError:
		// Orchestrator-bound traffic; only seen here via broadcast.
	default:
		if h, ok := a.executor.(MessageHandler); ok {
			if err := h.HandleMessage(ctx, msg); err != nil {
				a.reply(protocol.NewErrorResponse(msg, a.def.Name, err))
			}
			return
		}
		log.Printf("[AGENT:%s] unrecognized message type %q from %s", a.def.Name, msg.Type, msg.Source)
	}
}

func (a *Base) handleTaskRequest(ctx context.Context, msg *protocol.Envelope) {
	var req protocol.TaskRequestPayload
	if err := msg.UnmarshalPayload(&req); err != nil {
		a.reply(protocol.NewErrorResponse(msg, a.def.Name, fmt.Errorf("malformed task request: %w", err)))
		return
	}
	if req.Task == nil {
		a.reply(protocol.NewErrorResponse(msg, a.def.Name, errors.New("malformed task request: missing task")))
		return
	}
	task := req.Task

	a.mu.Lock()
	a.tasks[task.ID] = task
	_ = task.Transition(protocol.TaskProcessing)
	if a.state == StateReady {
		a.state = StateBusy
	}
	a.mu.Unlock()

	result, err := a.safeExecute(ctx, task)

	a.mu.Lock()
	if a.state == StateBusy {
		a.state = StateReady
	}
	// A cancel may have landed while the task was mid-flight; cooperative
	// cancellation means the terminal state wins and no response is sent.
	if task.Status.Terminal() {
		a.mu.Unlock()
		return
	}
	resp := protocol.TaskResponsePayload{TaskID: task.ID}
	if err != nil {
		_ = task.Transition(protocol.TaskFailed)
		task.Error = err.Error()
		resp.Error = err.Error()
	} else {
		_ = task.Transition(protocol.TaskCompleted)
		task.Result = result
		resp.Success = true
		resp.Result = result
	}
	a.mu.Unlock()

	a.reply(protocol.NewResponse(msg, protocol.TypeTaskResponse, a.def.Name, resp))
}

// safeExecute runs the executor hook and converts any error or panic into
// an AgentExecutionError. A failing task never crashes the agent.
func (a *Base) safeExecute(ctx context.Context, task *protocol.Task) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &protocol.AgentExecutionError{
				AgentID: a.def.Name,
				TaskID:  task.ID,
				Err:     fmt.Errorf("panic: %v", r),
			}
			log.Printf("[AGENT:%s] recovered executor panic on task %s: %v", a.def.Name, task.ID, r)
		}
	}()

	result, err = a.executor.ExecuteTask(ctx, task)
	if err != nil {
		err = &protocol.AgentExecutionError{AgentID: a.def.Name, TaskID: task.ID, Err: err}
	}
	return result, err
}

func (a *Base) handleTaskCancel(msg *protocol.Envelope) {
	if msg.CorrelationID != "" {
		// A confirmation of a cancel this agent requested, not a new
		// request.
		return
	}
	var req protocol.TaskCancelPayload
	if err := msg.UnmarshalPayload(&req); err != nil {
		a.reply(protocol.NewErrorResponse(msg, a.def.Name, fmt.Errorf("malformed cancel request: %w", err)))
		return
	}

	a.mu.Lock()
	task, ok := a.tasks[req.TaskID]
	if !ok {
		a.mu.Unlock()
		a.reply(protocol.NewErrorResponse(msg, a.def.Name, &protocol.NotFoundError{Kind: "task", ID: req.TaskID}))
		return
	}
	if task.Status.Terminal() {
		status := task.Status
		a.mu.Unlock()
		a.reply(protocol.NewErrorResponse(msg, a.def.Name, &protocol.InvalidStateError{TaskID: req.TaskID, Status: status, Op: "cancel"}))
		return
	}
	_ = task.Transition(protocol.TaskCancelled)
	a.mu.Unlock()

	a.reply(protocol.NewResponse(msg, protocol.TypeTaskCancel, a.def.Name, protocol.TaskCancelPayload{
		TaskID: req.TaskID,
		Reason: "cancelled by " + msg.Source,
	}))
}

func (a *Base) reply(env *protocol.Envelope) {
	if err := a.bus.Publish(env); err != nil {
		log.Printf("[AGENT:%s] reply not delivered: %v", a.def.Name, err)
	}
}

// Tasks returns copies of the agent's owned tasks, for tests and status
// queries.
func (a *Base) Tasks() []*protocol.Task {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]*protocol.Task, 0, len(a.tasks))
	for _, t := range a.tasks {
		out = append(out, t.Clone())
	}
	return out
}
