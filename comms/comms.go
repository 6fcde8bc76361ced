// Package comms provides the inter-agent communication bus: typed message
// envelopes, channel registry, priority inboxes, and delivery bookkeeping.
package comms

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of inter-agent message.
type MessageType string

const (
	TypeUserChat       MessageType = "user_chat"       // chat message surfaced to a human-facing channel
	TypeTaskRequest    MessageType = "task_request"    // request requiring a correlated task_result
	TypeTaskResult     MessageType = "task_result"     // response to a task_request
	TypeBroadcast      MessageType = "broadcast"       // sent to every registered agent
	TypePresenceUpdate MessageType = "presence_update" // agent status change notification
)

// knownTypes is the set of valid message types.
var knownTypes = map[MessageType]bool{
	TypeUserChat:       true,
	TypeTaskRequest:    true,
	TypeTaskResult:     true,
	TypeBroadcast:      true,
	TypePresenceUpdate: true,
}

// Priority determines dequeue order within a subscriber's inbox.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

const numPriorities = 4

// priorityNames maps priorities to their wire/CLI names.
var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority converts a name like "high" to a Priority.
func ParsePriority(name string) (Priority, error) {
	for p, n := range priorityNames {
		if n == name {
			return p, nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", name)
}

// Envelope is the immutable unit of communication between agents.
// Payload carries the type-specific content as raw JSON; use the typed
// payload accessors (Chat, TaskRequest, ...) to decode it.
type Envelope struct {
	ID            string          `json:"id"`
	Type          MessageType     `json:"type"`
	From          string          `json:"from"`
	To            string          `json:"to"` // agent ID or channel name
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      Priority        `json:"priority"`
	CorrelationID string          `json:"correlation_id,omitempty"` // ID of the envelope being replied to
	CreatedAt     time.Time       `json:"created_at"`
}

// ChatPayload is the payload of a user_chat envelope.
type ChatPayload struct {
	Text    string `json:"text"`
	Channel string `json:"channel,omitempty"` // originating chat surface, if any
}

// TaskRequestPayload is the payload of a task_request envelope.
type TaskRequestPayload struct {
	Task string         `json:"task"`
	Args map[string]any `json:"args,omitempty"`
}

// TaskResultPayload is the payload of a task_result envelope.
type TaskResultPayload struct {
	Status string `json:"status"` // "ok" or "error"
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// BroadcastPayload is the payload of a broadcast envelope.
type BroadcastPayload struct {
	Subject string `json:"subject"`
	Body    string `json:"body,omitempty"`
}

// PresencePayload is the payload of a presence_update envelope.
type PresencePayload struct {
	Status string `json:"status"`
}

// NewEnvelope constructs an envelope with a fresh unique ID and the given
// typed payload. Priority defaults to normal; set Priority and
// CorrelationID before submitting, never after.
func NewEnvelope(typ MessageType, from, to string, payload any) (*Envelope, error) {
	env := &Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		From:      from,
		To:        to,
		Priority:  PriorityNormal,
		CreatedAt: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Validate checks the envelope's structural invariants. It returns a
// *ValidationError describing the first violation found.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return &ValidationError{Reason: "missing id"}
	}
	if e.From == "" {
		return &ValidationError{Reason: "missing from"}
	}
	if e.To == "" {
		return &ValidationError{Reason: "missing to"}
	}
	if !knownTypes[e.Type] {
		return &ValidationError{Reason: fmt.Sprintf("unknown message type %q", e.Type)}
	}
	if e.Priority < PriorityLow || e.Priority > PriorityUrgent {
		return &ValidationError{Reason: fmt.Sprintf("priority %d out of range", e.Priority)}
	}
	if err := e.checkPayload(); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}

// checkPayload verifies the payload decodes as the struct for e.Type.
func (e *Envelope) checkPayload() error {
	if len(e.Payload) == 0 {
		return nil
	}
	var dst any
	switch e.Type {
	case TypeUserChat:
		dst = &ChatPayload{}
	case TypeTaskRequest:
		dst = &TaskRequestPayload{}
	case TypeTaskResult:
		dst = &TaskResultPayload{}
	case TypeBroadcast:
		dst = &BroadcastPayload{}
	case TypePresenceUpdate:
		dst = &PresencePayload{}
	default:
		return nil
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("payload does not match %s schema: %w", e.Type, err)
	}
	return nil
}

// Chat decodes the payload of a user_chat envelope.
func (e *Envelope) Chat() (*ChatPayload, error) {
	var p ChatPayload
	return &p, e.decodeAs(TypeUserChat, &p)
}

// TaskRequest decodes the payload of a task_request envelope.
func (e *Envelope) TaskRequest() (*TaskRequestPayload, error) {
	var p TaskRequestPayload
	return &p, e.decodeAs(TypeTaskRequest, &p)
}

// TaskResult decodes the payload of a task_result envelope.
func (e *Envelope) TaskResult() (*TaskResultPayload, error) {
	var p TaskResultPayload
	return &p, e.decodeAs(TypeTaskResult, &p)
}

// Broadcast decodes the payload of a broadcast envelope.
func (e *Envelope) Broadcast() (*BroadcastPayload, error) {
	var p BroadcastPayload
	return &p, e.decodeAs(TypeBroadcast, &p)
}

// PresenceUpdate decodes the payload of a presence_update envelope.
func (e *Envelope) PresenceUpdate() (*PresencePayload, error) {
	var p PresencePayload
	return &p, e.decodeAs(TypePresenceUpdate, &p)
}

func (e *Envelope) decodeAs(want MessageType, dst any) error {
	if e.Type != want {
		return fmt.Errorf("envelope %s is %s, not %s", e.ID, e.Type, want)
	}
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", want, err)
	}
	return nil
}
