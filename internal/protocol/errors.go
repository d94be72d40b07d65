package protocol

import (
	"errors"
	"fmt"
)

// Base errors for errors.Is matching across packages.
var (
	ErrNoRoute        = errors.New("no agent for task type")
	ErrNotFound       = errors.New("not found")
	ErrInvalidState   = errors.New("invalid state")
	ErrMissingAbility = errors.New("missing capability")
	ErrExecution      = errors.New("task execution failed")
)

// RoutingError indicates no registered agent can handle a task type.
type RoutingError struct {
	TaskType string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("no agent registered for task type %q", e.TaskType)
}

func (e *RoutingError) Unwrap() error { return ErrNoRoute }

// NotFoundError indicates an unknown task or agent id.
type NotFoundError struct {
	Kind string // "task" or "agent"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidStateError indicates an operation illegal in the current status,
// such as cancelling a terminal task.
type InvalidStateError struct {
	TaskID string
	Status TaskStatus
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("task %s: cannot %s in status %s", e.TaskID, e.Op, e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// CapabilityError indicates the resolved agent lacks a required capability.
type CapabilityError struct {
	AgentID    string
	Capability string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("agent %s lacks capability %q", e.AgentID, e.Capability)
}

func (e *CapabilityError) Unwrap() error { return ErrMissingAbility }

// AgentExecutionError wraps whatever an agent's task executor returned or
// panicked with. The agent itself never crashes on one of these.
type AgentExecutionError struct {
	AgentID string
	TaskID  string
	Err     error
}

func (e *AgentExecutionError) Error() string {
	return fmt.Sprintf("agent %s: task %s: %v", e.AgentID, e.TaskID, e.Err)
}

func (e *AgentExecutionError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrExecution) match regardless of the wrapped cause.
func (e *AgentExecutionError) Is(target error) bool { return target == ErrExecution }
