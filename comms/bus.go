package comms

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Log is the write-through persistence contract the bus requires. Append
// must atomically record the envelope together with one pending delivery
// row per recipient; a failed Append leaves no trace of the envelope.
type Log interface {
	Append(ctx context.Context, env *Envelope, recipients []string) error
	MarkDelivered(ctx context.Context, envelopeID, subscriberID string, at time.Time) error
}

// Presence is the read-only presence view the bus consults when the
// fail-fast offline policy is active.
type Presence interface {
	Offline(agentID string) bool
}

// OfflinePolicy decides what Submit does when the direct recipient is
// offline.
type OfflinePolicy string

const (
	// OfflineQueue enqueues the envelope for pickup when the agent returns.
	OfflineQueue OfflinePolicy = "queue"
	// OfflineFail rejects the submission with RecipientOfflineError.
	OfflineFail OfflinePolicy = "fail"
)

// Ticket is returned by Submit so the producer can track the delivery.
type Ticket struct {
	EnvelopeID  string    `json:"envelope_id"`
	Recipients  []string  `json:"recipients"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Options configures a Bus. Zero values fall back to documented defaults.
type Options struct {
	Log           Log           // required
	Presence      Presence      // optional; needed only for OfflineFail
	OfflinePolicy OfflinePolicy // default OfflineQueue
	PersistTries  int           // total Append attempts, default 3
	PersistWait   time.Duration // base backoff between attempts, default 50ms
	Logger        *slog.Logger
}

// Bus is the shared delivery engine. A single Bus instance lives in the
// commbusd daemon; agents reach it through the server transport, never by
// constructing their own. Safe for concurrent Submit and Receive calls.
type Bus struct {
	registry *Registry
	log      Log
	presence Presence
	policy   OfflinePolicy
	tries    int
	wait     time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	inboxes map[string]*inbox
}

// NewBus creates a Bus over the given registry.
func NewBus(registry *Registry, opts Options) *Bus {
	if opts.PersistTries <= 0 {
		opts.PersistTries = 3
	}
	if opts.PersistWait <= 0 {
		opts.PersistWait = 50 * time.Millisecond
	}
	if opts.OfflinePolicy == "" {
		opts.OfflinePolicy = OfflineQueue
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bus{
		registry: registry,
		log:      opts.Log,
		presence: opts.Presence,
		policy:   opts.OfflinePolicy,
		tries:    opts.PersistTries,
		wait:     opts.PersistWait,
		logger:   opts.Logger,
		inboxes:  make(map[string]*inbox),
	}
}

// Registry returns the channel registry backing this bus.
func (b *Bus) Registry() *Registry { return b.registry }

// Submit validates, persists, and fans out an envelope. It returns once
// the envelope is durable and enqueued for every resolved subscriber; it
// never waits for consumers to drain their inboxes.
func (b *Bus) Submit(ctx context.Context, env *Envelope) (*Ticket, error) {
	if env == nil {
		return nil, &ValidationError{Reason: "nil envelope"}
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}

	recipients, ok := b.registry.Resolve(env.To)
	if !ok {
		return nil, &UnresolvedRecipientError{Recipient: env.To}
	}

	if b.policy == OfflineFail && b.presence != nil && b.registry.KnownAgent(env.To) {
		if b.presence.Offline(env.To) {
			return nil, &RecipientOfflineError{AgentID: env.To}
		}
	}

	if err := b.persist(ctx, env, recipients); err != nil {
		return nil, err
	}

	for _, id := range recipients {
		b.inboxFor(id).push(env)
	}

	b.logger.Debug("envelope accepted",
		slog.String("id", env.ID),
		slog.String("type", string(env.Type)),
		slog.String("from", env.From),
		slog.String("to", env.To),
		slog.Int("recipients", len(recipients)),
	)

	return &Ticket{
		EnvelopeID:  env.ID,
		Recipients:  recipients,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// persist writes through to the log with bounded retries and exponential
// backoff. Exhausting the retries surfaces a PersistenceError; the
// submission is then fatal and the caller must resubmit.
func (b *Bus) persist(ctx context.Context, env *Envelope, recipients []string) error {
	var err error
	wait := b.wait
	for attempt := 1; attempt <= b.tries; attempt++ {
		if err = b.log.Append(ctx, env, recipients); err == nil {
			return nil
		}
		b.logger.Warn("persist attempt failed",
			slog.String("envelope", env.ID),
			slog.Int("attempt", attempt),
			slog.Any("err", err),
		)
		if attempt == b.tries {
			break
		}
		select {
		case <-ctx.Done():
			return &PersistenceError{Attempts: attempt, Err: ctx.Err()}
		case <-time.After(wait):
		}
		wait *= 2
	}
	return &PersistenceError{Attempts: b.tries, Err: err}
}

// Subscribe adds the agent to a channel's membership. Re-subscribing is a
// no-op.
func (b *Bus) Subscribe(agentID, channelName string) error {
	return b.registry.Join(agentID, channelName)
}

// Receive blocks up to timeout for the next envelope in the agent's
// inbox, ordered urgent first, FIFO within each priority band. A false
// second return is the Empty sentinel: the timeout elapsed or the wait
// was cancelled, which is normal polling behavior, not an error. An agent
// swept offline mid-wait gets a RecipientOfflineError instead of hanging.
func (b *Bus) Receive(ctx context.Context, agentID string, timeout time.Duration) (*Envelope, bool, error) {
	return b.receive(ctx, agentID, timeout, "")
}

// AwaitCorrelated behaves like Receive but returns only the envelope
// whose CorrelationID matches. Envelopes that do not match stay queued
// for normal processing.
func (b *Bus) AwaitCorrelated(ctx context.Context, agentID, correlationID string, timeout time.Duration) (*Envelope, bool, error) {
	return b.receive(ctx, agentID, timeout, correlationID)
}

func (b *Bus) receive(ctx context.Context, agentID string, timeout time.Duration, correlationID string) (*Envelope, bool, error) {
	in := b.inboxFor(agentID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		env, wake, state := in.take(correlationID)
		switch {
		case env != nil:
			if err := b.log.MarkDelivered(ctx, env.ID, agentID, time.Now().UTC()); err != nil {
				b.logger.Warn("mark delivered",
					slog.String("envelope", env.ID),
					slog.String("subscriber", agentID),
					slog.Any("err", err),
				)
			}
			return env, true, nil
		case state == inboxOffline:
			return nil, false, &RecipientOfflineError{AgentID: agentID}
		case state == inboxClosed:
			return nil, false, nil
		}

		select {
		case <-ctx.Done():
			return nil, false, nil
		case <-timer.C:
			return nil, false, nil
		case <-wake:
		}
	}
}

// MarkOnline clears the offline flag for an agent that reconnected.
func (b *Bus) MarkOnline(agentID string) {
	b.inboxFor(agentID).setOffline(false)
}

// MarkOffline flags the agents as offline and wakes any of their pending
// Receive calls so they fail with RecipientOfflineError instead of
// hanging. Queued envelopes are kept for later pickup.
func (b *Bus) MarkOffline(agentIDs ...string) {
	for _, id := range agentIDs {
		b.inboxFor(id).setOffline(true)
	}
}

// CloseInbox releases an agent's inbox after a confirmed shutdown.
// Pending Receive calls return Empty and queued envelopes are dropped.
func (b *Bus) CloseInbox(agentID string) {
	b.mu.Lock()
	in, ok := b.inboxes[agentID]
	if ok {
		delete(b.inboxes, agentID)
	}
	b.mu.Unlock()
	if ok {
		in.close()
	}
}

// Pending returns the number of queued envelopes per agent.
func (b *Bus) Pending() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.inboxes))
	for id, in := range b.inboxes {
		out[id] = in.size()
	}
	return out
}

func (b *Bus) inboxFor(agentID string) *inbox {
	b.mu.Lock()
	defer b.mu.Unlock()
	in, ok := b.inboxes[agentID]
	if !ok {
		in = newInbox()
		b.inboxes[agentID] = in
	}
	return in
}

// inboxState reports why take returned no envelope.
type inboxState int

const (
	inboxEmpty inboxState = iota
	inboxOffline
	inboxClosed
)

// inbox is one subscriber's priority queue. Waiters are woken by closing
// the current notify channel and replacing it, so a single push or state
// change releases every blocked Receive.
type inbox struct {
	mu      sync.Mutex
	bands   [numPriorities][]*Envelope
	notify  chan struct{}
	offline bool
	closed  bool
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{})}
}

func (in *inbox) push(env *Envelope) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.bands[env.Priority] = append(in.bands[env.Priority], env)
	in.signalLocked()
}

// take pops the next envelope (highest priority first), or the first
// envelope matching correlationID when one is given. The returned channel
// is the wake signal valid for the emptiness observed under the lock.
func (in *inbox) take(correlationID string) (*Envelope, <-chan struct{}, inboxState) {
	in.mu.Lock()
	defer in.mu.Unlock()

	for p := numPriorities - 1; p >= 0; p-- {
		band := in.bands[p]
		if len(band) == 0 {
			continue
		}
		if correlationID == "" {
			env := band[0]
			in.bands[p] = band[1:]
			return env, nil, inboxEmpty
		}
		for i, env := range band {
			if env.CorrelationID == correlationID {
				in.bands[p] = append(band[:i:i], band[i+1:]...)
				return env, nil, inboxEmpty
			}
		}
	}

	switch {
	case in.closed:
		return nil, nil, inboxClosed
	case in.offline:
		return nil, nil, inboxOffline
	}
	return nil, in.notify, inboxEmpty
}

func (in *inbox) setOffline(offline bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.offline == offline {
		return
	}
	in.offline = offline
	in.signalLocked()
}

func (in *inbox) close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	in.bands = [numPriorities][]*Envelope{}
	in.signalLocked()
}

func (in *inbox) size() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	n := 0
	for _, band := range in.bands {
		n += len(band)
	}
	return n
}

func (in *inbox) signalLocked() {
	close(in.notify)
	in.notify = make(chan struct{})
}

// Stats is the read-only snapshot exposed to health checks.
type Stats struct {
	ActiveAgents []string       `json:"active_agents"`
	Pending      map[string]int `json:"pending_messages_per_agent"`
	Channels     []ChannelInfo  `json:"channels"`
}

// Snapshot assembles bus-level stats. Active agents are those with a
// live inbox not flagged offline.
func (b *Bus) Snapshot() Stats {
	b.mu.Lock()
	active := make([]string, 0, len(b.inboxes))
	pending := make(map[string]int, len(b.inboxes))
	for id, in := range b.inboxes {
		pending[id] = in.size()
		in.mu.Lock()
		if !in.offline && !in.closed {
			active = append(active, id)
		}
		in.mu.Unlock()
	}
	b.mu.Unlock()
	sort.Strings(active)
	return Stats{
		ActiveAgents: active,
		Pending:      pending,
		Channels:     b.registry.Channels(),
	}
}
