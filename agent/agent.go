// Package agent runs worker loops on top of a commbus session and the
// orchestrator that launches, tasks, and retires them.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/openhive/commbus/comms"
	"github.com/openhive/commbus/presence"
)

// Status represents the current state of a runtime.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusStopped Status = "stopped"
)

// TaskFunc handles one task_request payload and produces the result to
// send back. A returned error becomes a task_result with status
// "error"; the loop itself keeps running.
type TaskFunc func(ctx context.Context, req *comms.TaskRequestPayload) (*comms.TaskResultPayload, error)

// Spec describes an agent to launch.
type Spec struct {
	ID       string
	Handle   string
	Channels []string
	Handler  TaskFunc
}

// Validate reports why a spec cannot be launched.
func (s Spec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if s.Handler == nil {
		return fmt.Errorf("agent %s: task handler is required", s.ID)
	}
	return nil
}

// Info provides read-only metadata about a running agent.
type Info struct {
	ID          string    `json:"id"`
	Status      Status    `json:"status"`
	CurrentTask string    `json:"current_task,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// LaunchError reports a failed agent launch.
type LaunchError struct {
	AgentID string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch agent %q: %v", e.AgentID, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Session is the slice of the daemon client a runtime uses. Satisfied
// by *client.Session.
type Session interface {
	AgentID() string
	Submit(ctx context.Context, env *comms.Envelope) (*comms.Ticket, error)
	Receive(ctx context.Context, timeout time.Duration) (*comms.Envelope, bool, error)
	AwaitCorrelated(ctx context.Context, correlationID string, timeout time.Duration) (*comms.Envelope, bool, error)
	Subscribe(ctx context.Context, channel string) error
	SetStatus(ctx context.Context, status presence.Status) error
	Close() error
}
