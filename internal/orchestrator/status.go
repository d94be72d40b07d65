package orchestrator

import (
	"time"

	"github.com/bsvalues/BCBSWebhub/internal/agent"
	"github.com/bsvalues/BCBSWebhub/internal/breaker"
	"github.com/bsvalues/BCBSWebhub/internal/history"
	"github.com/bsvalues/BCBSWebhub/internal/protocol"
)

// AgentStatus is the orchestrator's external view of one agent. State is the
// effective state: CIRCUIT_OPEN overlays the agent's own state while the
// agent's breaker is open.
type AgentStatus struct {
	Report   agent.StatusReport `json:"report"`
	State    agent.State        `json:"state"`
	LastSeen time.Time          `json:"lastSeen"`
}

// SystemStatus aggregates the whole core for the status endpoint.
type SystemStatus struct {
	Agents     map[string]AgentStatus      `json:"agents"`
	TaskCounts map[protocol.TaskStatus]int `json:"taskCounts"`
	QueueDepth int                         `json:"queueDepth"`
	Breakers   map[string]breaker.Stats    `json:"breakers"`
	Timestamp  time.Time                   `json:"timestamp"`
}

// GetTaskStatus returns a copy of the task.
func (o *Orchestrator) GetTaskStatus(taskID string) (*protocol.Task, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	info, ok := o.tasks[taskID]
	if !ok {
		return nil, &protocol.NotFoundError{Kind: "task", ID: taskID}
	}
	return info.Task.Clone(), nil
}

// GetAgentStatus returns the status of the agent registered under the type.
func (o *Orchestrator) GetAgentStatus(agentType string) (*AgentStatus, error) {
	o.mu.RLock()
	handle, ok := o.agents[agentType]
	var lastSeen time.Time
	if ok {
		lastSeen = o.lastSeen[handle.ID()]
	}
	o.mu.RUnlock()
	if !ok {
		return nil, &protocol.NotFoundError{Kind: "agent", ID: agentType}
	}
	return o.agentStatus(handle, lastSeen), nil
}

func (o *Orchestrator) agentStatus(handle agent.Agent, lastSeen time.Time) *AgentStatus {
	report := handle.Status()
	effective := report.State
	if o.breakers.Get(handle.ID()).State() == breaker.Open {
		effective = agent.StateCircuitOpen
	}
	return &AgentStatus{Report: report, State: effective, LastSeen: lastSeen}
}

// GetSystemStatus returns a point-in-time snapshot of agents, tasks, queue
// depth, and breakers.
func (o *Orchestrator) GetSystemStatus() *SystemStatus {
	o.mu.RLock()
	handles := make(map[string]agent.Agent, len(o.agents))
	for t, a := range o.agents {
		handles[t] = a
	}
	seen := make(map[string]time.Time, len(o.lastSeen))
	for id, at := range o.lastSeen {
		seen[id] = at
	}
	counts := make(map[protocol.TaskStatus]int)
	for _, info := range o.tasks {
		counts[info.Task.Status]++
	}
	depth := o.queue.Len()
	o.mu.RUnlock()

	agents := make(map[string]AgentStatus, len(handles))
	for t, h := range handles {
		agents[t] = *o.agentStatus(h, seen[h.ID()])
	}
	return &SystemStatus{
		Agents:     agents,
		TaskCounts: counts,
		QueueDepth: depth,
		Breakers:   o.breakers.Stats(),
		Timestamp:  time.Now().UTC(),
	}
}

// ListTasks returns copies of all tracked tasks, optionally filtered by
// status.
func (o *Orchestrator) ListTasks(status protocol.TaskStatus) []*protocol.Task {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]*protocol.Task, 0, len(o.tasks))
	for _, info := range o.tasks {
		if status != "" && info.Task.Status != status {
			continue
		}
		out = append(out, info.Task.Clone())
	}
	return out
}

// History exposes the task archive for the HTTP layer.
func (o *Orchestrator) History() history.Store {
	return o.store
}
