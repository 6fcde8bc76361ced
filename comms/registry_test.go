package comms

import (
	"sync"
	"testing"
)

func TestRegistry_ResolveAgent(t *testing.T) {
	r := NewRegistry()
	r.RegisterAgent("ruth")

	got, ok := r.Resolve("ruth")
	if !ok || len(got) != 1 || got[0] != "ruth" {
		t.Errorf("Resolve(ruth) = %v, %v", got, ok)
	}
	if _, ok := r.Resolve("nobody"); ok {
		t.Error("Resolve(nobody) succeeded, want failure")
	}
}

func TestRegistry_IdempotentJoin(t *testing.T) {
	r := NewRegistry()
	r.RegisterAgent("ruth")

	if err := r.Join("ruth", "harvest"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := r.Join("ruth", "harvest"); err != nil {
		t.Fatalf("re-Join: %v", err)
	}

	members, ok := r.Members("harvest")
	if !ok {
		t.Fatal("channel harvest not created on first reference")
	}
	if len(members) != 1 || members[0] != "ruth" {
		t.Errorf("members = %v, want exactly one entry for ruth", members)
	}
}

func TestRegistry_DirectChannel(t *testing.T) {
	r := NewRegistry()

	if err := r.CreateDirect("ruth-boaz", "ruth", "boaz"); err != nil {
		t.Fatalf("CreateDirect: %v", err)
	}
	members, _ := r.Members("ruth-boaz")
	if len(members) != 2 {
		t.Errorf("direct channel has %d members, want 2", len(members))
	}
	if err := r.Join("naomi", "ruth-boaz"); err == nil {
		t.Error("Join on a direct channel succeeded, want error")
	}
	if err := r.CreateDirect("solo", "ruth", "ruth"); err == nil {
		t.Error("CreateDirect with identical members succeeded, want error")
	}
}

func TestRegistry_BroadcastResolvesAllAgents(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		r.RegisterAgent(id)
	}
	got, ok := r.Resolve("all")
	if !ok || len(got) != 3 {
		t.Errorf("Resolve(all) = %v, %v, want all 3 agents", got, ok)
	}

	// Agents registered later are included on the next resolution.
	r.RegisterAgent("d")
	got, _ = r.Resolve("all")
	if len(got) != 4 {
		t.Errorf("Resolve(all) after new registration = %v, want 4", got)
	}
}

func TestRegistry_Leave(t *testing.T) {
	r := NewRegistry()
	r.Join("a", "ops")
	r.Join("b", "ops")
	r.Leave("a", "ops")

	members, _ := r.Members("ops")
	if len(members) != 1 || members[0] != "b" {
		t.Errorf("members after leave = %v, want [b]", members)
	}
	// Leaving an unknown channel is ignored.
	r.Leave("a", "nowhere")
}

func TestRegistry_CreateChannelKindConflict(t *testing.T) {
	r := NewRegistry()
	if err := r.CreateChannel("eng", KindDepartment); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := r.CreateChannel("eng", KindDepartment); err != nil {
		t.Errorf("re-create same kind: %v, want no-op", err)
	}
	if err := r.CreateChannel("eng", KindTopic); err == nil {
		t.Error("re-create with different kind succeeded, want error")
	}
}

func TestRegistry_ConcurrentMutation(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.RegisterAgent("worker")
			_ = r.Join("worker", "pool")
		}()
		go func() {
			defer wg.Done()
			r.Resolve("pool")
			r.Channels()
		}()
	}
	wg.Wait()

	members, _ := r.Members("pool")
	if len(members) != 1 {
		t.Errorf("members = %v, want single worker entry", members)
	}
}
