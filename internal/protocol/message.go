package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of envelope on the bus.
// The set is closed: agents dispatch on it with an exhaustive switch.
type MessageType string

const (
	TypeTaskRequest  MessageType = "TASK_REQUEST"
	TypeTaskResponse MessageType = "TASK_RESPONSE"
	TypeTaskCancel   MessageType = "TASK_CANCEL"
	TypeStatusUpdate MessageType = "STATUS_UPDATE"
	TypeHeartbeat    MessageType = "HEARTBEAT"
	TypeRegistration MessageType = "REGISTRATION"
	TypeShutdown     MessageType = "SHUTDOWN"
	TypeError        MessageType = "ERROR"
)

// Broadcast is the reserved destination that fans out to every subscriber
// except the source.
const Broadcast = "broadcast"

// OrchestratorID is the well-known bus address of the MCP.
const OrchestratorID = "mcp"

// Priority orders tasks and messages. Lower rank dispatches first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a config/API string to a Priority.
// Unknown values default to medium.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Envelope is the standard message format for agent communication.
// Every message on the bus is an Envelope.
type Envelope struct {
	// ID is a unique identifier for this message, automatically generated.
	ID string

	// Timestamp is when the envelope was created (UTC).
	Timestamp time.Time

	// Source is the bus address of the sender.
	Source string

	// Destination is the bus address of the receiver, or Broadcast.
	Destination string

	// Type identifies the message kind.
	Type MessageType

	// Priority carries the sender's urgency; the bus itself does not reorder.
	Priority Priority

	// Payload contains the message data as a JSON string.
	// Use UnmarshalPayload to deserialize into a specific type.
	Payload string

	// CorrelationID references the ID of the message this one answers.
	CorrelationID string

	// RequiresResponse signals that the sender expects a correlated reply.
	RequiresResponse bool

	// ExpiresAt, when non-zero, marks the envelope stale after this instant.
	ExpiresAt time.Time
}

// NewMessageID returns a globally unique message identifier.
func NewMessageID() string {
	return uuid.New().String()
}

// NewEnvelope creates an envelope with a fresh ID and timestamp.
// The payload is serialized to JSON.
func NewEnvelope(msgType MessageType, source, destination string, payload any) *Envelope {
	data, _ := json.Marshal(payload)
	return &Envelope{
		ID:          NewMessageID(),
		Timestamp:   time.Now().UTC(),
		Source:      source,
		Destination: destination,
		Type:        msgType,
		Priority:    PriorityMedium,
		Payload:     string(data),
	}
}

// NewResponse creates a reply addressed to the original sender,
// correlated to the original message id.
func NewResponse(original *Envelope, msgType MessageType, source string, payload any) *Envelope {
	resp := NewEnvelope(msgType, source, original.Source, payload)
	resp.CorrelationID = original.ID
	resp.Priority = original.Priority
	return resp
}

// NewErrorResponse builds an ERROR reply for a message that could not be
// handled. Destination is the original source; CorrelationID is the
// original id.
func NewErrorResponse(original *Envelope, source string, err error) *Envelope {
	return NewResponse(original, TypeError, source, map[string]any{
		"error":      err.Error(),
		"originalId": original.ID,
		"type":       string(original.Type),
	})
}

// WithPriority sets the priority and returns the envelope for chaining.
func (e *Envelope) WithPriority(p Priority) *Envelope {
	e.Priority = p
	return e
}

// WithExpiry sets the expiry instant and returns the envelope for chaining.
func (e *Envelope) WithExpiry(at time.Time) *Envelope {
	e.ExpiresAt = at
	return e
}

// Expired reports whether the envelope is stale at the given instant.
func (e *Envelope) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// UnmarshalPayload deserializes the payload into the provided value.
func (e *Envelope) UnmarshalPayload(v any) error {
	if e.Payload == "" {
		return fmt.Errorf("message %s payload is empty", e.ID)
	}
	return json.Unmarshal([]byte(e.Payload), v)
}

// String returns a short human-readable form for logging.
func (e *Envelope) String() string {
	return fmt.Sprintf("Envelope{ID:%s, Type:%s, %s->%s}", e.ID, e.Type, e.Source, e.Destination)
}
