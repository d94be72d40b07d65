// Package agent defines the agent abstraction: lifecycle, message dispatch,
// and the task execution hook concrete agents implement.
package agent

import (
	"context"
	"time"

	"github.com/bsvalues/BCBSWebhub/internal/protocol"
)

// State is an agent lifecycle state.
type State string

const (
	StateOffline      State = "offline"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateBusy         State = "busy"
	StateDegraded     State = "degraded"
	StateError        State = "error"
	StateShuttingDown State = "shutting_down"

	// StateCircuitOpen is an externally observed overlay: the orchestrator
	// reports it when the agent's breaker is open. Agents never set it.
	StateCircuitOpen State = "circuit_open"
)

// Active reports whether the agent can be asked to do work.
func (s State) Active() bool {
	return s == StateReady || s == StateBusy || s == StateDegraded
}

// Agent is the contract between the orchestration core and a concrete agent.
type Agent interface {
	// ID returns the unique bus address of this agent instance.
	ID() string

	// Type returns the agent type used for task routing (e.g. "validation").
	Type() string

	// Capabilities returns the agent's declared capability set.
	Capabilities() []string

	// Initialize subscribes the agent on the bus, announces it to the
	// orchestrator, and moves it to the ready state.
	Initialize(ctx context.Context) error

	// Shutdown unsubscribes the agent, cancels its non-terminal tasks,
	// and moves it offline.
	Shutdown(ctx context.Context) error

	// State returns the current lifecycle state.
	State() State

	// Status aggregates task counts by status plus uptime. It backs both
	// local health checks and the STATUS_UPDATE payload.
	Status() StatusReport
}

// Executor is the sole extension point for concrete agents: it performs one
// task and returns a serializable result or an error. A returned error (or
// panic) becomes a FAILURE response; it never crashes the agent.
type Executor interface {
	ExecuteTask(ctx context.Context, task *protocol.Task) (map[string]any, error)
}

// MessageHandler is an optional Executor extension. When implemented, the
// base agent delegates envelope types outside the closed protocol set to it.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *protocol.Envelope) error
}

// StatusReport is an agent's self-reported status snapshot.
type StatusReport struct {
	AgentID      string                        `json:"agentId"`
	AgentType    string                        `json:"agentType"`
	State        State                         `json:"state"`
	Capabilities []string                      `json:"capabilities,omitempty"`
	TaskCounts   map[protocol.TaskStatus]int   `json:"taskCounts"`
	Uptime       time.Duration                 `json:"uptime"`
	Timestamp    time.Time                     `json:"timestamp"`
}

// Descriptor is the orchestrator's view of a registered agent.
type Descriptor struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Capabilities []string  `json:"capabilities,omitempty"`
	State        State     `json:"state"`
	LastSeen     time.Time `json:"lastSeen"`
}

// Def describes an agent instance to construct from configuration.
type Def struct {
	Name           string            `yaml:"name"`
	Type           string            `yaml:"type"`
	Capabilities   []string          `yaml:"capabilities,omitempty"`
	StatusInterval time.Duration     `yaml:"status_interval,omitempty"`
	Settings       map[string]any    `yaml:"settings,omitempty"`
}
