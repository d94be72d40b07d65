// Package orchestrator implements the Master Control Program: the agent
// registry, the task registry, the priority dispatch loop, and the query
// surface the HTTP layer calls into.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bsvalues/BCBSWebhub/internal/agent"
	"github.com/bsvalues/BCBSWebhub/internal/breaker"
	"github.com/bsvalues/BCBSWebhub/internal/bus"
	"github.com/bsvalues/BCBSWebhub/internal/history"
	"github.com/bsvalues/BCBSWebhub/internal/protocol"
	"github.com/bsvalues/BCBSWebhub/internal/queue"
	"github.com/bsvalues/BCBSWebhub/pkg/observability"
)

// TaskInfo wraps a task with routing bookkeeping. It is exclusively owned
// by the orchestrator's task registry.
type TaskInfo struct {
	Task             *protocol.Task
	DestinationAgent string // agent type
	Requester        string // bus address to forward the result to
	RequestID        string // inbound message id the forward correlates to
	ResponseRequired bool
}

// Options tunes the orchestrator.
type Options struct {
	// Routing maps task types to agent types. Merged over DefaultRouting.
	Routing map[string]string

	// StatusSweepSchedule is the cron spec for the periodic status-check
	// broadcast (default "@every 30s").
	StatusSweepSchedule string

	// DispatchYield is how long the dispatch loop sleeps when nothing is
	// dispatchable (default 25ms). The loop never busy-spins.
	DispatchYield time.Duration

	// Store archives terminal tasks. Defaults to an in-memory store.
	Store history.Store
}

// DefaultRouting is the static task-type to agent-type table used when a
// submission names no explicit destination.
var DefaultRouting = map[string]string{
	"echo":              "echo",
	"validate_property": "validation",
	"value_property":    "valuation",
}

// Orchestrator routes tasks to agents and tracks outcomes.
// All exported methods are safe for concurrent use.
type Orchestrator struct {
	bus      *bus.Bus
	breakers *breaker.Registry
	store    history.Store

	mu       sync.RWMutex
	agents   map[string]agent.Agent // by agent type; re-registering replaces
	lastSeen map[string]time.Time   // by agent id
	tasks    map[string]*TaskInfo
	queue    *queue.Queue
	routing  map[string]string
	started  bool

	token  bus.Token
	wake   chan struct{}
	sched  *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
	yield  time.Duration
	sweep  string
}

// New creates an orchestrator. Registries are constructed here and owned by
// this instance; collaborators receive the orchestrator by reference rather
// than through package-level singletons.
func New(b *bus.Bus, breakers *breaker.Registry, opts Options) *Orchestrator {
	routing := make(map[string]string, len(DefaultRouting)+len(opts.Routing))
	for k, v := range DefaultRouting {
		routing[k] = v
	}
	for k, v := range opts.Routing {
		routing[k] = v
	}
	if opts.DispatchYield <= 0 {
		opts.DispatchYield = 25 * time.Millisecond
	}
	if opts.StatusSweepSchedule == "" {
		opts.StatusSweepSchedule = "@every 30s"
	}
	store := opts.Store
	if store == nil {
		store = history.NewMemoryStore()
	}

	return &Orchestrator{
		bus:      b,
		breakers: breakers,
		store:    store,
		agents:   make(map[string]agent.Agent),
		lastSeen: make(map[string]time.Time),
		tasks:    make(map[string]*TaskInfo),
		queue:    queue.New(),
		routing:  routing,
		wake:     make(chan struct{}, 1),
		yield:    opts.DispatchYield,
		sweep:    opts.StatusSweepSchedule,
	}
}

// Start subscribes the orchestrator on the bus and starts the dispatch loop
// and the periodic status sweep.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true
	o.token = o.bus.Subscribe(protocol.OrchestratorID, o.handleMessage)
	ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	o.wg.Add(1)
	go o.dispatchLoop(ctx)

	o.sched = cron.New()
	if _, err := o.sched.AddFunc(o.sweep, o.statusSweep); err != nil {
		return fmt.Errorf("schedule status sweep: %w", err)
	}
	o.sched.Start()

	log.Printf("[MCP] started (sweep %s)", o.sweep)
	return nil
}

// Stop halts the dispatch loop and the status sweep and detaches from the
// bus. Queued tasks stay queued; in-memory state survives until the process
// exits.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	o.bus.Unsubscribe(o.token)
	cancel := o.cancel
	o.mu.Unlock()

	if o.sched != nil {
		scheduleCtx := o.sched.Stop()
		select {
		case <-scheduleCtx.Done():
		case <-ctx.Done():
		}
	}
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()

	log.Printf("[MCP] stopped")
	return nil
}

// RegisterAgent adds the agent under its type. Re-registering a type
// replaces the mapping.
func (o *Orchestrator) RegisterAgent(a agent.Agent) {
	o.mu.Lock()
	if prev, ok := o.agents[a.Type()]; ok && prev.ID() != a.ID() {
		log.Printf("[MCP] replacing agent for type %q: %s -> %s", a.Type(), prev.ID(), a.ID())
	}
	o.agents[a.Type()] = a
	o.lastSeen[a.ID()] = time.Now()
	o.mu.Unlock()

	o.signalWake()
	log.Printf("[MCP] registered agent %s (type=%s)", a.ID(), a.Type())
}

// UnregisterAgent removes the agent registered under the type.
func (o *Orchestrator) UnregisterAgent(agentType string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.agents[agentType]; !ok {
		return &protocol.NotFoundError{Kind: "agent", ID: agentType}
	}
	delete(o.agents, agentType)
	log.Printf("[MCP] unregistered agent type %q", agentType)
	return nil
}

// handleMessage is the orchestrator's bus inbox.
func (o *Orchestrator) handleMessage(msg *protocol.Envelope) {
	o.touch(msg.Source)

	switch msg.Type {
	case protocol.TypeRegistration:
		var reg protocol.RegistrationPayload
		if err := msg.UnmarshalPayload(&reg); err != nil {
			log.Printf("[MCP] malformed registration from %s: %v", msg.Source, err)
			return
		}
		log.Printf("[MCP] agent %s announced (type=%s)", reg.AgentID, reg.AgentType)
		o.signalWake()

	case protocol.TypeStatusUpdate, protocol.TypeHeartbeat:
		// lastSeen already refreshed; readiness is read live off the
		// agent handle at dispatch time.
		o.signalWake()

	case protocol.TypeTaskResponse:
		o.handleTaskResponse(msg)

	case protocol.TypeTaskRequest:
		o.handleBusSubmission(msg)

	case protocol.TypeTaskCancel:
		if msg.CorrelationID != "" {
			// An agent confirming a cancel notice we sent, not a new
			// request.
			return
		}
		var req protocol.TaskCancelPayload
		if err := msg.UnmarshalPayload(&req); err != nil {
			o.replyErr(msg, fmt.Errorf("malformed cancel request: %w", err))
			return
		}
		if err := o.CancelTask(req.TaskID); err != nil {
			o.replyErr(msg, err)
			return
		}
		o.reply(protocol.NewResponse(msg, protocol.TypeTaskCancel, protocol.OrchestratorID, req))

	case protocol.TypeError:
		log.Printf("[MCP] error report from %s: %s", msg.Source, msg.Payload)
	}
}

// handleBusSubmission accepts a TASK_REQUEST addressed to the orchestrator
// as a submission on behalf of the sending agent.
func (o *Orchestrator) handleBusSubmission(msg *protocol.Envelope) {
	var body struct {
		Type        string         `json:"type"`
		Parameters  map[string]any `json:"parameters"`
		Destination string         `json:"destination,omitempty"`
	}
	if err := msg.UnmarshalPayload(&body); err != nil {
		o.replyErr(msg, fmt.Errorf("malformed submission: %w", err))
		return
	}

	receipt, err := o.SubmitTask(context.Background(), SubmitRequest{
		TaskType:         body.Type,
		Parameters:       body.Parameters,
		Destination:      body.Destination,
		Priority:         msg.Priority,
		ResponseRequired: msg.RequiresResponse,
		Requester:        msg.Source,
		RequestID:        msg.ID,
	})
	if err != nil {
		o.replyErr(msg, err)
		return
	}
	o.reply(protocol.NewResponse(msg, protocol.TypeTaskRequest, protocol.OrchestratorID, receipt))
}

func (o *Orchestrator) touch(agentID string) {
	o.mu.Lock()
	o.lastSeen[agentID] = time.Now()
	o.mu.Unlock()
}

func (o *Orchestrator) reply(env *protocol.Envelope) {
	if err := o.bus.Publish(env); err != nil {
		log.Printf("[MCP] reply not delivered: %v", err)
	}
}

func (o *Orchestrator) replyErr(msg *protocol.Envelope, err error) {
	o.reply(protocol.NewErrorResponse(msg, protocol.OrchestratorID, err))
}

func (o *Orchestrator) signalWake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// statusSweep broadcasts a status-check request so agent lastSeen and
// readiness stay current, and refreshes the queue depth gauge.
func (o *Orchestrator) statusSweep() {
	env := protocol.NewEnvelope(protocol.TypeStatusUpdate, protocol.OrchestratorID, protocol.Broadcast, map[string]any{
		"requestedAt": time.Now().UTC(),
	})
	env.RequiresResponse = true
	_ = o.bus.Publish(env)

	o.mu.RLock()
	depth := o.queue.Len()
	o.mu.RUnlock()
	observability.SetQueueDepth(depth)
}

// Healthy is the orchestrator's own health probe.
func (o *Orchestrator) Healthy(ctx context.Context) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.started {
		return fmt.Errorf("orchestrator not started")
	}
	return nil
}
