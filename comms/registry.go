package comms

import (
	"fmt"
	"sort"
	"sync"
)

// ChannelKind classifies a channel's membership semantics.
type ChannelKind string

const (
	KindDirect     ChannelKind = "direct"     // exactly two members
	KindDepartment ChannelKind = "department" // explicit membership
	KindTopic      ChannelKind = "topic"      // open join/leave
	KindBroadcast  ChannelKind = "broadcast"  // implicitly all registered agents
)

// ChannelInfo is a read-only snapshot of a channel for stats and the API.
type ChannelInfo struct {
	Name    string      `json:"name"`
	Kind    ChannelKind `json:"kind"`
	Members []string    `json:"members"`
}

// channel holds a channel's membership. Guarded by the registry mutex.
type channel struct {
	name    string
	kind    ChannelKind
	members map[string]struct{}
}

// Registry maps agent IDs and channel names to subscriber sets. All
// membership mutations are serialized through its lock; safe for
// concurrent use by many sessions.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]struct{}
	channels map[string]*channel
}

// NewRegistry creates an empty registry with the implicit broadcast
// channel "all" predeclared.
func NewRegistry() *Registry {
	r := &Registry{
		agents:   make(map[string]struct{}),
		channels: make(map[string]*channel),
	}
	r.channels["all"] = &channel{name: "all", kind: KindBroadcast, members: make(map[string]struct{})}
	return r
}

// RegisterAgent makes the agent resolvable as a direct recipient.
// Idempotent.
func (r *Registry) RegisterAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentID] = struct{}{}
}

// KnownAgent reports whether the agent has ever registered.
func (r *Registry) KnownAgent(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// Agents returns the sorted list of registered agent IDs.
func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CreateChannel declares a department or topic channel. Re-creating an
// existing channel with the same kind is a no-op.
func (r *Registry) CreateChannel(name string, kind ChannelKind) error {
	if kind == KindDirect {
		return fmt.Errorf("direct channels are created with CreateDirect")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.channels[name]; ok {
		if existing.kind != kind {
			return fmt.Errorf("channel %q already exists with kind %s", name, existing.kind)
		}
		return nil
	}
	r.channels[name] = &channel{name: name, kind: kind, members: make(map[string]struct{})}
	return nil
}

// CreateDirect declares a two-party direct channel. The member pair is
// fixed at creation.
func (r *Registry) CreateDirect(name, a, b string) error {
	if a == "" || b == "" || a == b {
		return fmt.Errorf("direct channel %q needs two distinct members", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[name]; ok {
		return fmt.Errorf("channel %q already exists", name)
	}
	r.channels[name] = &channel{
		name:    name,
		kind:    KindDirect,
		members: map[string]struct{}{a: {}, b: {}},
	}
	return nil
}

// Join adds the agent to a channel's membership. Joining a channel the
// agent already belongs to is a no-op, not an error. Unknown topic
// channels are created on first reference; direct channels reject joins.
func (r *Registry) Join(agentID, channelName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[channelName]
	if !ok {
		ch = &channel{name: channelName, kind: KindTopic, members: make(map[string]struct{})}
		r.channels[channelName] = ch
	}
	switch ch.kind {
	case KindDirect:
		return fmt.Errorf("channel %q is direct; membership is fixed", channelName)
	case KindBroadcast:
		// Broadcast membership is implicit; joining is a no-op.
		return nil
	}
	ch.members[agentID] = struct{}{}
	return nil
}

// Leave removes the agent from a channel's membership. Unknown channels
// and non-members are ignored.
func (r *Registry) Leave(agentID, channelName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[channelName]; ok && ch.kind != KindDirect && ch.kind != KindBroadcast {
		delete(ch.members, agentID)
	}
}

// Members returns the sorted member list of a channel. Broadcast channels
// resolve to all registered agents.
func (r *Registry) Members(channelName string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channelName]
	if !ok {
		return nil, false
	}
	return r.membersLocked(ch), true
}

func (r *Registry) membersLocked(ch *channel) []string {
	var out []string
	if ch.kind == KindBroadcast {
		for id := range r.agents {
			out = append(out, id)
		}
	} else {
		for id := range ch.members {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Resolve maps a To field to the set of subscriber agent IDs. A known
// agent ID resolves to itself; a channel name resolves to its current
// membership. The second return is false when the recipient names
// neither.
func (r *Registry) Resolve(to string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.agents[to]; ok {
		return []string{to}, true
	}
	if ch, ok := r.channels[to]; ok {
		return r.membersLocked(ch), true
	}
	return nil, false
}

// Channels returns a snapshot of every channel, sorted by name.
func (r *Registry) Channels() []ChannelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ChannelInfo, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ChannelInfo{Name: ch.name, Kind: ch.kind, Members: r.membersLocked(ch)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
