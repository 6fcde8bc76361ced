package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openhive/commbus/comms"
	"github.com/openhive/commbus/presence"
)

// nopLog satisfies comms.Log without persistence.
type nopLog struct{}

func (nopLog) Append(context.Context, *comms.Envelope, []string) error    { return nil }
func (nopLog) MarkDelivered(context.Context, string, string, time.Time) error { return nil }

// busSession runs the session contract directly against an in-process
// bus, standing in for a dialed daemon connection.
type busSession struct {
	id  string
	bus *comms.Bus

	mu       sync.Mutex
	statuses []presence.Status
	closed   bool
}

func (s *busSession) AgentID() string { return s.id }

func (s *busSession) Submit(ctx context.Context, env *comms.Envelope) (*comms.Ticket, error) {
	return s.bus.Submit(ctx, env)
}

func (s *busSession) Receive(ctx context.Context, timeout time.Duration) (*comms.Envelope, bool, error) {
	return s.bus.Receive(ctx, s.id, timeout)
}

func (s *busSession) AwaitCorrelated(ctx context.Context, correlationID string, timeout time.Duration) (*comms.Envelope, bool, error) {
	return s.bus.AwaitCorrelated(ctx, s.id, correlationID, timeout)
}

func (s *busSession) Subscribe(ctx context.Context, channel string) error {
	return s.bus.Subscribe(s.id, channel)
}

func (s *busSession) SetStatus(_ context.Context, status presence.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *busSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.bus.CloseInbox(s.id)
	}
	return nil
}

func newTestOrchestrator(t *testing.T, bus *comms.Bus) *Orchestrator {
	t.Helper()
	dial := func(_ context.Context, agentID string) (Session, error) {
		bus.Registry().RegisterAgent(agentID)
		return &busSession{id: agentID, bus: bus}, nil
	}
	orch, err := NewOrchestrator(context.Background(), OrchestratorOptions{Dial: dial})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return orch
}

func TestOrchestratorTaskRoundTrip(t *testing.T) {
	bus := comms.NewBus(comms.NewRegistry(), comms.Options{Log: nopLog{}})
	orch := newTestOrchestrator(t, bus)
	defer orch.Close(context.Background(), time.Second)

	ctx := context.Background()
	id, err := orch.Launch(ctx, Spec{
		ID: "echo-1",
		Handler: func(_ context.Context, req *comms.TaskRequestPayload) (*comms.TaskResultPayload, error) {
			return &comms.TaskResultPayload{Status: "ok", Output: "did " + req.Task}, nil
		},
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if id != "echo-1" {
		t.Fatalf("Launch returned id %q", id)
	}

	corrID, err := orch.SendTask(ctx, id, comms.TaskRequestPayload{Task: "summarize"}, comms.PriorityHigh)
	if err != nil {
		t.Fatalf("SendTask: %v", err)
	}
	if corrID == "" {
		t.Fatal("SendTask returned empty correlation id")
	}

	result, ok, err := orch.AwaitResult(ctx, corrID, 2*time.Second)
	if err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}
	if !ok {
		t.Fatal("AwaitResult timed out")
	}
	if result.Status != "ok" || result.Output != "did summarize" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestHandlerErrorBecomesErrorResult(t *testing.T) {
	bus := comms.NewBus(comms.NewRegistry(), comms.Options{Log: nopLog{}})
	orch := newTestOrchestrator(t, bus)
	defer orch.Close(context.Background(), time.Second)

	ctx := context.Background()
	id, err := orch.Launch(ctx, Spec{
		ID: "flaky-1",
		Handler: func(context.Context, *comms.TaskRequestPayload) (*comms.TaskResultPayload, error) {
			return nil, fmt.Errorf("upstream unavailable")
		},
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	corrID, err := orch.SendTask(ctx, id, comms.TaskRequestPayload{Task: "fetch"}, comms.PriorityNormal)
	if err != nil {
		t.Fatalf("SendTask: %v", err)
	}
	result, ok, err := orch.AwaitResult(ctx, corrID, 2*time.Second)
	if err != nil || !ok {
		t.Fatalf("AwaitResult: ok=%v err=%v", ok, err)
	}
	if result.Status != "error" || result.Error != "upstream unavailable" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestLaunchInvalidSpec(t *testing.T) {
	bus := comms.NewBus(comms.NewRegistry(), comms.Options{Log: nopLog{}})
	orch := newTestOrchestrator(t, bus)
	defer orch.Close(context.Background(), time.Second)

	cases := []struct {
		name string
		spec Spec
	}{
		{"missing id", Spec{Handler: func(context.Context, *comms.TaskRequestPayload) (*comms.TaskResultPayload, error) { return nil, nil }}},
		{"missing handler", Spec{ID: "ghost"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := orch.Launch(context.Background(), tc.spec)
			var lerr *LaunchError
			if !errors.As(err, &lerr) {
				t.Fatalf("want LaunchError, got %v", err)
			}
		})
	}
}

func TestLaunchDuplicateRejected(t *testing.T) {
	bus := comms.NewBus(comms.NewRegistry(), comms.Options{Log: nopLog{}})
	orch := newTestOrchestrator(t, bus)
	defer orch.Close(context.Background(), time.Second)

	spec := Spec{
		ID: "solo",
		Handler: func(context.Context, *comms.TaskRequestPayload) (*comms.TaskResultPayload, error) {
			return &comms.TaskResultPayload{Status: "ok"}, nil
		},
	}
	if _, err := orch.Launch(context.Background(), spec); err != nil {
		t.Fatalf("first Launch: %v", err)
	}
	_, err := orch.Launch(context.Background(), spec)
	var lerr *LaunchError
	if !errors.As(err, &lerr) {
		t.Fatalf("want LaunchError for duplicate, got %v", err)
	}
}

func TestShutdownStopsAgent(t *testing.T) {
	bus := comms.NewBus(comms.NewRegistry(), comms.Options{Log: nopLog{}})
	orch := newTestOrchestrator(t, bus)
	defer orch.Close(context.Background(), time.Second)

	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	id, err := orch.Launch(ctx, Spec{
		ID: "slow-1",
		Handler: func(ctx context.Context, _ *comms.TaskRequestPayload) (*comms.TaskResultPayload, error) {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return &comms.TaskResultPayload{Status: "ok"}, nil
		},
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	if _, err := orch.SendTask(ctx, id, comms.TaskRequestPayload{Task: "long"}, comms.PriorityNormal); err != nil {
		t.Fatalf("SendTask: %v", err)
	}
	<-started

	if got := orch.Agents(); len(got) != 1 || got[0].Status != StatusWorking {
		t.Fatalf("want one working agent, got %+v", got)
	}

	close(release)
	if err := orch.Shutdown(ctx, id, time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := orch.Shutdown(ctx, id, time.Second); err == nil {
		t.Fatal("second Shutdown should fail for unknown agent")
	}
	if got := orch.Agents(); len(got) != 0 {
		t.Fatalf("agents remain after shutdown: %+v", got)
	}
}

func TestRuntimeSetsBusyDuringTask(t *testing.T) {
	bus := comms.NewBus(comms.NewRegistry(), comms.Options{Log: nopLog{}})
	bus.Registry().RegisterAgent("observer")
	bus.Registry().RegisterAgent("worker")

	sess := &busSession{id: "worker", bus: bus}
	rt := NewRuntime(Spec{
		ID: "worker",
		Handler: func(context.Context, *comms.TaskRequestPayload) (*comms.TaskResultPayload, error) {
			return &comms.TaskResultPayload{Status: "ok"}, nil
		},
	}, sess, nil)
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rt.Stop(context.Background(), time.Second)

	env, err := comms.NewEnvelope(comms.TypeTaskRequest, "observer", "worker", comms.TaskRequestPayload{Task: "ping"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if _, err := bus.Submit(context.Background(), env); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// The reply proves the task ran to completion.
	reply, ok, err := bus.AwaitCorrelated(context.Background(), "observer", env.ID, 2*time.Second)
	if err != nil || !ok {
		t.Fatalf("await reply: ok=%v err=%v", ok, err)
	}
	if reply.From != "worker" || reply.Type != comms.TypeTaskResult {
		t.Fatalf("unexpected reply %+v", reply)
	}

	// The "online" transition lands just after the reply is sent.
	want := []presence.Status{presence.StatusBusy, presence.StatusOnline}
	deadline := time.Now().Add(2 * time.Second)
	for {
		sess.mu.Lock()
		statuses := append([]presence.Status(nil), sess.statuses...)
		sess.mu.Unlock()
		if len(statuses) == len(want) {
			for i := range want {
				if statuses[i] != want[i] {
					t.Fatalf("status transitions %v, want %v", statuses, want)
				}
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("status transitions %v, want %v", statuses, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
