// Package history archives tasks that reached a terminal status. The
// in-memory registries remain authoritative; the archive exists so audit
// staff can look up past work after the core restarts or evicts state.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/bsvalues/BCBSWebhub/internal/protocol"
)

// Common errors for archive operations.
var (
	// ErrRecordNotFound is returned when a task record doesn't exist.
	ErrRecordNotFound = errors.New("task record not found")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("history store is closed")
)

// Record is the archived form of a terminal task.
type Record struct {
	TaskID      string              `json:"taskId"`
	TaskType    string              `json:"taskType"`
	AgentType   string              `json:"agentType,omitempty"`
	Priority    string              `json:"priority"`
	Status      protocol.TaskStatus `json:"status"`
	SubmittedAt time.Time           `json:"submittedAt"`
	CompletedAt time.Time           `json:"completedAt"`
	Result      map[string]any      `json:"result,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// ListOptions filters archive listings.
type ListOptions struct {
	// Status filters by terminal status; empty matches all.
	Status protocol.TaskStatus
	// Limit caps the number of results (0 = no cap).
	Limit int
}

// Store abstracts task archival.
// Implementations must be safe for concurrent use.
type Store interface {
	// Archive saves a terminal task record.
	Archive(ctx context.Context, rec *Record) error

	// Get retrieves a record by task id.
	// Returns ErrRecordNotFound if the record doesn't exist.
	Get(ctx context.Context, taskID string) (*Record, error)

	// List returns records matching the options, most recent first.
	List(ctx context.Context, opts ListOptions) ([]*Record, error)

	// Close releases resources held by the store.
	Close() error
}

// NewRecord builds an archive record from a terminal task.
func NewRecord(task *protocol.Task, agentType string) *Record {
	return &Record{
		TaskID:      task.ID,
		TaskType:    task.Type,
		AgentType:   agentType,
		Priority:    task.Priority.String(),
		Status:      task.Status,
		SubmittedAt: task.SubmittedAt,
		CompletedAt: task.CompletedAt,
		Result:      task.Result,
		Error:       task.Error,
	}
}
