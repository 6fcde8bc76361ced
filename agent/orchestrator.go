package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openhive/commbus/client"
	"github.com/openhive/commbus/comms"
)

// DialFunc opens a session to the daemon as agentID. The default uses
// client.Dial; tests substitute an in-memory session.
type DialFunc func(ctx context.Context, agentID string) (Session, error)

// Orchestrator launches agent runtimes and dispatches tasks to them
// over its own daemon session.
type Orchestrator struct {
	id     string
	dial   DialFunc
	sess   Session
	logger *slog.Logger

	mu     sync.Mutex
	agents map[string]*Runtime
}

// OrchestratorOptions configure NewOrchestrator.
type OrchestratorOptions struct {
	// ID is the orchestrator's own agent identity. Defaults to
	// "orchestrator".
	ID string
	// BaseURL and Key locate the daemon when Dial is nil.
	BaseURL string
	Key     string
	// Dial overrides how sessions are opened.
	Dial   DialFunc
	Logger *slog.Logger
}

// NewOrchestrator dials the orchestrator's own session and returns a
// ready dispatcher.
func NewOrchestrator(ctx context.Context, opts OrchestratorOptions) (*Orchestrator, error) {
	id := opts.ID
	if id == "" {
		id = "orchestrator"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dial := opts.Dial
	if dial == nil {
		baseURL, key := opts.BaseURL, opts.Key
		dial = func(ctx context.Context, agentID string) (Session, error) {
			return client.Dial(ctx, baseURL, agentID, client.Options{Key: key, Logger: logger})
		}
	}

	sess, err := dial(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("orchestrator session: %w", err)
	}
	return &Orchestrator{
		id:     id,
		dial:   dial,
		sess:   sess,
		logger: logger.With(slog.String("component", "orchestrator")),
		agents: make(map[string]*Runtime),
	}, nil
}

// Launch starts a runtime for the spec and returns its agent id.
func (o *Orchestrator) Launch(ctx context.Context, spec Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", &LaunchError{AgentID: spec.ID, Err: err}
	}

	o.mu.Lock()
	if _, exists := o.agents[spec.ID]; exists {
		o.mu.Unlock()
		return "", &LaunchError{AgentID: spec.ID, Err: fmt.Errorf("already launched")}
	}
	o.mu.Unlock()

	sess, err := o.dial(ctx, spec.ID)
	if err != nil {
		return "", &LaunchError{AgentID: spec.ID, Err: err}
	}
	rt := NewRuntime(spec, sess, o.logger)
	if err := rt.Start(ctx); err != nil {
		sess.Close() //nolint:errcheck
		return "", err
	}

	o.mu.Lock()
	o.agents[spec.ID] = rt
	o.mu.Unlock()

	o.logger.Info("agent launched", slog.String("agent", spec.ID))
	return spec.ID, nil
}

// SendTask submits a task_request to the agent and returns the
// correlation id its task_result will carry: the request envelope's id.
func (o *Orchestrator) SendTask(ctx context.Context, agentID string, payload comms.TaskRequestPayload, priority comms.Priority) (string, error) {
	env, err := comms.NewEnvelope(comms.TypeTaskRequest, o.id, agentID, payload)
	if err != nil {
		return "", err
	}
	env.Priority = priority

	ticket, err := o.sess.Submit(ctx, env)
	if err != nil {
		return "", err
	}
	return ticket.EnvelopeID, nil
}

// AwaitResult blocks for the task_result correlated to a SendTask call.
// A false second return means the timeout elapsed.
func (o *Orchestrator) AwaitResult(ctx context.Context, correlationID string, timeout time.Duration) (*comms.TaskResultPayload, bool, error) {
	env, ok, err := o.sess.AwaitCorrelated(ctx, correlationID, timeout)
	if err != nil || !ok {
		return nil, false, err
	}
	result, err := env.TaskResult()
	if err != nil {
		return nil, false, err
	}
	return result, true, nil
}

// Shutdown stops the agent, waiting up to grace for in-flight work.
func (o *Orchestrator) Shutdown(ctx context.Context, agentID string, grace time.Duration) error {
	o.mu.Lock()
	rt, ok := o.agents[agentID]
	delete(o.agents, agentID)
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %q not launched", agentID)
	}

	err := rt.Stop(ctx, grace)
	o.logger.Info("agent shut down", slog.String("agent", agentID))
	return err
}

// Agents lists the launched runtimes.
func (o *Orchestrator) Agents() []Info {
	o.mu.Lock()
	defer o.mu.Unlock()
	infos := make([]Info, 0, len(o.agents))
	for _, rt := range o.agents {
		infos = append(infos, rt.Info())
	}
	return infos
}

// Close shuts every agent down and closes the orchestrator's session.
func (o *Orchestrator) Close(ctx context.Context, grace time.Duration) error {
	o.mu.Lock()
	agents := make([]*Runtime, 0, len(o.agents))
	for id, rt := range o.agents {
		agents = append(agents, rt)
		delete(o.agents, id)
	}
	o.mu.Unlock()

	var firstErr error
	for _, rt := range agents {
		if err := rt.Stop(ctx, grace); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := o.sess.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
