package protocol

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal tasks never
// transition again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// rank orders statuses along the allowed forward progression.
func (s TaskStatus) rank() int {
	switch s {
	case TaskPending:
		return 0
	case TaskAssigned:
		return 1
	case TaskProcessing:
		return 2
	default:
		return 3
	}
}

// Task is a unit of work routed through the orchestrator to an agent.
type Task struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Priority    Priority       `json:"priority"`
	Status      TaskStatus     `json:"status"`
	SubmittedAt time.Time      `json:"submittedAt"`
	AssignedAt  time.Time      `json:"assignedAt,omitempty"`
	CompletedAt time.Time      `json:"completedAt,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// NewTask creates a pending task with a fresh id.
func NewTask(taskType string, params map[string]any, priority Priority) *Task {
	return &Task{
		ID:          uuid.New().String(),
		Type:        taskType,
		Parameters:  params,
		Priority:    priority,
		Status:      TaskPending,
		SubmittedAt: time.Now().UTC(),
	}
}

// Transition moves the task to the given status, enforcing the monotonic
// progression pending -> assigned -> processing -> terminal. A terminal
// task never re-transitions; backwards moves are rejected.
func (t *Task) Transition(to TaskStatus) error {
	if t.Status == to {
		return nil
	}
	if t.Status.Terminal() {
		return &InvalidStateError{TaskID: t.ID, Status: t.Status, Op: "transition to " + string(to)}
	}
	if !to.Terminal() && to.rank() <= t.Status.rank() {
		return &InvalidStateError{TaskID: t.ID, Status: t.Status, Op: "transition to " + string(to)}
	}
	t.Status = to
	now := time.Now().UTC()
	switch to {
	case TaskAssigned:
		t.AssignedAt = now
	case TaskCompleted, TaskFailed, TaskCancelled:
		t.CompletedAt = now
	}
	return nil
}

// Clone returns a copy of the task safe to hand to callers.
// Parameter and result maps are shallow-copied.
func (t *Task) Clone() *Task {
	c := *t
	if t.Parameters != nil {
		c.Parameters = make(map[string]any, len(t.Parameters))
		for k, v := range t.Parameters {
			c.Parameters[k] = v
		}
	}
	if t.Result != nil {
		c.Result = make(map[string]any, len(t.Result))
		for k, v := range t.Result {
			c.Result[k] = v
		}
	}
	return &c
}

// TaskRequestPayload is the TASK_REQUEST envelope body.
type TaskRequestPayload struct {
	Task *Task `json:"task"`
}

// TaskResponsePayload is the TASK_RESPONSE envelope body.
type TaskResponsePayload struct {
	TaskID  string         `json:"taskId"`
	Success bool           `json:"success"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// TaskCancelPayload is the TASK_CANCEL envelope body.
type TaskCancelPayload struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

// RegistrationPayload announces an agent to the orchestrator.
type RegistrationPayload struct {
	AgentID      string   `json:"agentId"`
	AgentType    string   `json:"agentType"`
	Capabilities []string `json:"capabilities,omitempty"`
}
