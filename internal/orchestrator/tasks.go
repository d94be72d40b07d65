package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bsvalues/BCBSWebhub/internal/agent"
	"github.com/bsvalues/BCBSWebhub/internal/breaker"
	"github.com/bsvalues/BCBSWebhub/internal/history"
	"github.com/bsvalues/BCBSWebhub/internal/protocol"
	"github.com/bsvalues/BCBSWebhub/pkg/observability"
)

// SubmitRequest describes a task submission.
type SubmitRequest struct {
	TaskType   string
	Parameters map[string]any

	// Destination overrides the routing table with an explicit agent type.
	Destination string

	Priority protocol.Priority

	// RequiredCapabilities must all be declared by the target agent.
	RequiredCapabilities []string

	// ResponseRequired asks the orchestrator to forward the terminal
	// TASK_RESPONSE to Requester, correlated to RequestID.
	ResponseRequired bool
	Requester        string
	RequestID        string
}

// SubmitReceipt acknowledges a queued task.
type SubmitReceipt struct {
	TaskID string              `json:"taskId"`
	Status protocol.TaskStatus `json:"status"`
}

// SubmitTask validates routing and capabilities, creates a pending task,
// queues it, and returns immediately. Results surface later via the task
// registry and, when requested, a forwarded TASK_RESPONSE.
func (o *Orchestrator) SubmitTask(ctx context.Context, req SubmitRequest) (*SubmitReceipt, error) {
	_, span := observability.StartSpan(ctx, "mcp.submit",
		attribute.String("task.type", req.TaskType),
		attribute.String("task.priority", req.Priority.String()),
	)
	defer span.End()

	destType := req.Destination
	if destType == "" {
		destType = o.routing[req.TaskType]
	}
	if destType == "" {
		return nil, &protocol.RoutingError{TaskType: req.TaskType}
	}

	o.mu.Lock()
	handle, ok := o.agents[destType]
	if !ok {
		o.mu.Unlock()
		return nil, &protocol.RoutingError{TaskType: req.TaskType}
	}
	for _, c := range req.RequiredCapabilities {
		if !hasCapability(handle, c) {
			o.mu.Unlock()
			return nil, &protocol.CapabilityError{AgentID: handle.ID(), Capability: c}
		}
	}

	task := protocol.NewTask(req.TaskType, req.Parameters, req.Priority)
	o.tasks[task.ID] = &TaskInfo{
		Task:             task,
		DestinationAgent: destType,
		Requester:        req.Requester,
		RequestID:        req.RequestID,
		ResponseRequired: req.ResponseRequired,
	}
	o.queue.Enqueue(task)
	depth := o.queue.Len()
	o.mu.Unlock()

	observability.RecordTaskSubmitted(req.TaskType, req.Priority.String())
	observability.SetQueueDepth(depth)
	span.SetAttributes(attribute.String("task.id", task.ID))
	o.signalWake()

	log.Printf("[MCP] queued task %s (type=%s priority=%s dest=%s)", task.ID, task.Type, task.Priority, destType)
	return &SubmitReceipt{TaskID: task.ID, Status: protocol.TaskPending}, nil
}

func hasCapability(a agent.Agent, want string) bool {
	for _, c := range a.Capabilities() {
		if c == want {
			return true
		}
	}
	return false
}

// dispatchLoop drains the queue whenever woken or on the yield tick. It
// never busy-spins: with nothing dispatchable it parks until the next
// wake-up or tick.
func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.yield)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		case <-ticker.C:
		}
		o.dispatchReady(ctx)
	}
}

// dispatchReady repeatedly takes the highest-priority task whose target
// agent is registered, READY, and not behind an open breaker. A blocked
// head does not stall tasks behind it bound for other agents.
func (o *Orchestrator) dispatchReady(ctx context.Context) {
	for {
		o.mu.Lock()
		task := o.queue.DequeueMatch(func(t *protocol.Task) bool {
			info, ok := o.tasks[t.ID]
			if !ok {
				return true // orphaned entry, drain it
			}
			handle, ok := o.agents[info.DestinationAgent]
			if !ok || handle.State() != agent.StateReady {
				return false
			}
			return o.breakers.Get(handle.ID()).State() != breaker.Open
		})
		if task == nil {
			depth := o.queue.Len()
			o.mu.Unlock()
			observability.SetQueueDepth(depth)
			return
		}

		info, ok := o.tasks[task.ID]
		if !ok {
			o.mu.Unlock()
			continue
		}
		handle := o.agents[info.DestinationAgent]
		if err := task.Transition(protocol.TaskAssigned); err != nil {
			// Cancelled while queued; nothing to send.
			o.mu.Unlock()
			continue
		}
		env := protocol.NewEnvelope(protocol.TypeTaskRequest, protocol.OrchestratorID, handle.ID(), protocol.TaskRequestPayload{Task: task.Clone()})
		env.Priority = task.Priority
		env.RequiresResponse = true
		o.mu.Unlock()

		err := o.breakers.Get(handle.ID()).Execute(ctx, func(context.Context) error {
			return o.bus.Publish(env)
		})
		if err != nil {
			o.failUndelivered(task.ID, handle.ID(), err)
			continue
		}
		log.Printf("[MCP] dispatched task %s to %s", task.ID, handle.ID())
	}
}

// failUndelivered finalizes a task whose TASK_REQUEST could not be
// delivered. The failure already fed the destination's breaker.
func (o *Orchestrator) failUndelivered(taskID, agentID string, cause error) {
	log.Printf("[MCP] task %s undeliverable to %s: %v", taskID, agentID, cause)

	o.mu.Lock()
	info, ok := o.tasks[taskID]
	if !ok {
		o.mu.Unlock()
		return
	}
	task := info.Task
	if task.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	task.Error = fmt.Sprintf("dispatch to %s failed: %v", agentID, cause)
	_ = task.Transition(protocol.TaskFailed)
	rec := history.NewRecord(task, info.DestinationAgent)
	o.mu.Unlock()

	observability.RecordTaskFinished(task.Type, string(protocol.TaskFailed), time.Since(task.SubmittedAt))
	o.archive(rec)
	o.forwardResult(info, task)
}

// handleTaskResponse settles a task from an agent's TASK_RESPONSE.
func (o *Orchestrator) handleTaskResponse(msg *protocol.Envelope) {
	var body protocol.TaskResponsePayload
	if err := msg.UnmarshalPayload(&body); err != nil {
		log.Printf("[MCP] malformed task response from %s: %v", msg.Source, err)
		return
	}

	o.mu.Lock()
	info, ok := o.tasks[body.TaskID]
	if !ok {
		o.mu.Unlock()
		log.Printf("[MCP] response for unknown task %s from %s", body.TaskID, msg.Source)
		return
	}
	task := info.Task
	if task.Status.Terminal() {
		// Late response after a cancel; the terminal status stands.
		o.mu.Unlock()
		return
	}
	to := protocol.TaskFailed
	if body.Success {
		to = protocol.TaskCompleted
		task.Result = body.Result
	} else {
		task.Error = body.Error
	}
	if err := task.Transition(to); err != nil {
		o.mu.Unlock()
		log.Printf("[MCP] task %s: %v", task.ID, err)
		return
	}
	rec := history.NewRecord(task, info.DestinationAgent)
	o.mu.Unlock()

	observability.RecordTaskFinished(task.Type, string(to), task.CompletedAt.Sub(task.SubmittedAt))
	log.Printf("[MCP] task %s %s (agent=%s)", task.ID, to, msg.Source)

	o.archive(rec)
	o.forwardResult(info, task)
	o.signalWake()
}

// forwardResult sends the terminal outcome to the original requester when
// the submission asked for a response.
func (o *Orchestrator) forwardResult(info *TaskInfo, task *protocol.Task) {
	if !info.ResponseRequired || info.Requester == "" {
		return
	}
	env := protocol.NewEnvelope(protocol.TypeTaskResponse, protocol.OrchestratorID, info.Requester, protocol.TaskResponsePayload{
		TaskID:  task.ID,
		Success: task.Status == protocol.TaskCompleted,
		Result:  task.Result,
		Error:   task.Error,
	})
	env.CorrelationID = info.RequestID
	if err := o.bus.Publish(env); err != nil {
		log.Printf("[MCP] result for task %s not delivered to %s: %v", task.ID, info.Requester, err)
	}
}

// archive writes the record to the history store off the caller's lock.
func (o *Orchestrator) archive(rec *history.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.Archive(ctx, rec); err != nil && !errors.Is(err, history.ErrStoreClosed) {
		log.Printf("[MCP] archive task %s: %v", rec.TaskID, err)
	}
}

// CancelTask cancels a PENDING or ASSIGNED task. PROCESSING and terminal
// tasks cannot be cancelled.
func (o *Orchestrator) CancelTask(taskID string) error {
	o.mu.Lock()
	info, ok := o.tasks[taskID]
	if !ok {
		o.mu.Unlock()
		return &protocol.NotFoundError{Kind: "task", ID: taskID}
	}
	task := info.Task

	var notifyAgent string
	switch task.Status {
	case protocol.TaskPending:
		o.queue.Remove(taskID)
	case protocol.TaskAssigned:
		if handle, ok := o.agents[info.DestinationAgent]; ok {
			notifyAgent = handle.ID()
		}
	default:
		st := task.Status
		o.mu.Unlock()
		return &protocol.InvalidStateError{TaskID: taskID, Status: st, Op: "cancel"}
	}
	if err := task.Transition(protocol.TaskCancelled); err != nil {
		o.mu.Unlock()
		return err
	}
	rec := history.NewRecord(task, info.DestinationAgent)
	depth := o.queue.Len()
	o.mu.Unlock()

	observability.RecordTaskFinished(task.Type, string(protocol.TaskCancelled), time.Since(task.SubmittedAt))
	observability.SetQueueDepth(depth)
	log.Printf("[MCP] cancelled task %s", taskID)

	if notifyAgent != "" {
		env := protocol.NewEnvelope(protocol.TypeTaskCancel, protocol.OrchestratorID, notifyAgent, protocol.TaskCancelPayload{
			TaskID: taskID,
			Reason: "cancelled by requester",
		})
		err := o.breakers.Get(notifyAgent).Execute(context.Background(), func(context.Context) error {
			return o.bus.Publish(env)
		})
		if err != nil {
			log.Printf("[MCP] cancel notice for %s not delivered to %s: %v", taskID, notifyAgent, err)
		}
	}

	o.archive(rec)
	o.forwardResult(info, task)
	return nil
}
