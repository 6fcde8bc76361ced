package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openhive/commbus/comms"
	"github.com/openhive/commbus/presence"
)

// receivePoll is how long each blocking Receive waits before the loop
// re-checks its context.
const receivePoll = 5 * time.Second

// Runtime is one agent's drain loop: it pulls envelopes off the bus,
// dispatches task_request payloads to the handler, and replies with
// task_result envelopes correlated to the request.
type Runtime struct {
	spec   Spec
	sess   Session
	logger *slog.Logger

	mu        sync.RWMutex
	status    Status
	curTask   string
	startedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRuntime wires a runtime to an already-dialed session.
func NewRuntime(spec Spec, sess Session, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		spec:   spec,
		sess:   sess,
		logger: logger.With(slog.String("agent", spec.ID)),
		status: StatusIdle,
	}
}

// Info returns the runtime's current metadata.
func (r *Runtime) Info() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Info{
		ID:          r.spec.ID,
		Status:      r.status,
		CurrentTask: r.curTask,
		StartedAt:   r.startedAt,
	}
}

// Start subscribes the configured channels and begins the drain loop.
func (r *Runtime) Start(ctx context.Context) error {
	for _, ch := range r.spec.Channels {
		if err := r.sess.Subscribe(ctx, ch); err != nil {
			return &LaunchError{AgentID: r.spec.ID, Err: err}
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.done = make(chan struct{})
	r.startedAt = time.Now()
	r.status = StatusIdle
	r.mu.Unlock()

	go r.loop(ctx)
	return nil
}

// Stop cancels the loop and waits up to grace for the in-flight task to
// finish before closing the session.
func (r *Runtime) Stop(ctx context.Context, grace time.Duration) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		r.logger.Warn("grace period elapsed, forcing stop")
	case <-ctx.Done():
	}

	r.mu.Lock()
	r.status = StatusStopped
	r.mu.Unlock()
	return r.sess.Close()
}

func (r *Runtime) loop(ctx context.Context) {
	defer close(r.done)
	for {
		if ctx.Err() != nil {
			return
		}
		env, ok, err := r.sess.Receive(ctx, receivePoll)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("receive failed", slog.Any("err", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if !ok {
			continue
		}
		r.handle(ctx, env)
	}
}

func (r *Runtime) handle(ctx context.Context, env *comms.Envelope) {
	switch env.Type {
	case comms.TypeTaskRequest:
		r.runTask(ctx, env)
	case comms.TypeUserChat, comms.TypeBroadcast:
		r.logger.Debug("message received",
			slog.String("type", string(env.Type)),
			slog.String("from", env.From),
		)
	default:
		r.logger.Debug("ignoring envelope", slog.String("type", string(env.Type)))
	}
}

// runTask executes the handler and replies with a task_result whose
// CorrelationID is the request envelope's id.
func (r *Runtime) runTask(ctx context.Context, env *comms.Envelope) {
	req, err := env.TaskRequest()
	if err != nil {
		r.logger.Warn("malformed task request",
			slog.String("envelope", env.ID), slog.Any("err", err))
		return
	}

	r.mu.Lock()
	r.status = StatusWorking
	r.curTask = env.ID
	r.mu.Unlock()
	r.sess.SetStatus(ctx, presence.StatusBusy) //nolint:errcheck

	defer func() {
		r.mu.Lock()
		r.status = StatusIdle
		r.curTask = ""
		r.mu.Unlock()
		r.sess.SetStatus(ctx, presence.StatusOnline) //nolint:errcheck
	}()

	result, err := r.spec.Handler(ctx, req)
	if err != nil {
		result = &comms.TaskResultPayload{Status: "error", Error: err.Error()}
	} else if result == nil {
		result = &comms.TaskResultPayload{Status: "ok"}
	}

	reply, err := comms.NewEnvelope(comms.TypeTaskResult, r.spec.ID, env.From, result)
	if err != nil {
		r.logger.Error("build result envelope", slog.Any("err", err))
		return
	}
	reply.CorrelationID = env.ID
	reply.Priority = env.Priority

	if _, err := r.sess.Submit(ctx, reply); err != nil {
		r.logger.Warn("send task result",
			slog.String("task", env.ID), slog.Any("err", err))
	}
}
