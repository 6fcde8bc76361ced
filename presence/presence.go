// Package presence tracks per-agent status and last-seen timestamps.
// The bus consults it to decide between immediate delivery and
// queue-for-later; the orchestrator uses it for health reporting.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Status is an agent's availability state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// activeStatuses are the states reachable through SetStatus.
var activeStatuses = map[Status]bool{
	StatusOnline: true,
	StatusBusy:   true,
	StatusAway:   true,
}

// Record is one agent's presence entry.
type Record struct {
	AgentID  string    `json:"agent_id"`
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
	Handle   string    `json:"handle,omitempty"` // opaque session/process reference
}

// Tracker maintains presence records for all agents. All mutations are
// serialized through its lock. An optional change callback feeds the SSE
// hub and the Redis mirror; it is invoked outside the lock.
type Tracker struct {
	mu           sync.Mutex
	records      map[string]*Record
	offlineAfter time.Duration
	logger       *slog.Logger
	onChange     func(Record)
	now          func() time.Time // swappable for tests
}

// NewTracker creates a Tracker that marks agents offline after the given
// inactivity window elapses without a heartbeat.
func NewTracker(offlineAfter time.Duration, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		records:      make(map[string]*Record),
		offlineAfter: offlineAfter,
		logger:       logger,
		now:          time.Now,
	}
}

// OnChange registers a callback fired after every status transition.
// Call before the tracker is shared across goroutines.
func (t *Tracker) OnChange(fn func(Record)) { t.onChange = fn }

// Announce registers or re-registers an agent as online and resets its
// last-seen timestamp.
func (t *Tracker) Announce(agentID, handle string) {
	t.mu.Lock()
	rec, ok := t.records[agentID]
	if !ok {
		rec = &Record{AgentID: agentID}
		t.records[agentID] = rec
	}
	changed := rec.Status != StatusOnline
	rec.Status = StatusOnline
	rec.Handle = handle
	t.touchLocked(rec)
	snapshot := *rec
	t.mu.Unlock()

	if changed {
		t.notify(snapshot)
	}
}

// Heartbeat updates last-seen without changing status, except that an
// agent previously swept offline transitions back to online.
func (t *Tracker) Heartbeat(agentID string) {
	t.mu.Lock()
	rec, ok := t.records[agentID]
	if !ok {
		t.mu.Unlock()
		t.Announce(agentID, "")
		return
	}
	changed := false
	if rec.Status == StatusOffline {
		rec.Status = StatusOnline
		changed = true
	}
	t.touchLocked(rec)
	snapshot := *rec
	t.mu.Unlock()

	if changed {
		t.notify(snapshot)
	}
}

// SetStatus records an explicit transition between the active states
// (online, busy, away). Offline agents must Announce or Heartbeat first.
func (t *Tracker) SetStatus(agentID string, status Status) error {
	if !activeStatuses[status] {
		return fmt.Errorf("status %q is not an explicit transition target", status)
	}
	t.mu.Lock()
	rec, ok := t.records[agentID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("unknown agent %q", agentID)
	}
	if rec.Status == StatusOffline {
		t.mu.Unlock()
		return fmt.Errorf("agent %q is offline; announce before setting status", agentID)
	}
	changed := rec.Status != status
	rec.Status = status
	t.touchLocked(rec)
	snapshot := *rec
	t.mu.Unlock()

	if changed {
		t.notify(snapshot)
	}
	return nil
}

// Disconnect marks an agent offline on explicit shutdown or transport
// close.
func (t *Tracker) Disconnect(agentID string) {
	t.mu.Lock()
	rec, ok := t.records[agentID]
	if !ok || rec.Status == StatusOffline {
		t.mu.Unlock()
		return
	}
	rec.Status = StatusOffline
	rec.Handle = ""
	snapshot := *rec
	t.mu.Unlock()

	t.notify(snapshot)
}

// Sweep transitions every agent whose inactivity exceeds the configured
// window to offline and returns the IDs that changed state in this call.
func (t *Tracker) Sweep(now time.Time) []string {
	var flipped []string
	var snapshots []Record

	t.mu.Lock()
	for id, rec := range t.records {
		if rec.Status == StatusOffline {
			continue
		}
		if now.Sub(rec.LastSeen) > t.offlineAfter {
			rec.Status = StatusOffline
			rec.Handle = ""
			flipped = append(flipped, id)
			snapshots = append(snapshots, *rec)
		}
	}
	t.mu.Unlock()

	sort.Strings(flipped)
	for _, rec := range snapshots {
		t.notify(rec)
	}
	if len(flipped) > 0 {
		t.logger.Info("presence sweep", slog.Any("offline", flipped))
	}
	return flipped
}

// RunSweeper runs Sweep on a fixed interval until ctx is done,
// independent of message traffic. Newly offline agents are passed to
// onOffline (may be nil).
func (t *Tracker) RunSweeper(ctx context.Context, interval time.Duration, onOffline func([]string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if offline := t.Sweep(now); len(offline) > 0 && onOffline != nil {
				onOffline(offline)
			}
		}
	}
}

// Offline reports whether the agent is currently offline. Agents that
// never announced count as offline.
func (t *Tracker) Offline(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[agentID]
	return !ok || rec.Status == StatusOffline
}

// Get returns a copy of one agent's record.
func (t *Tracker) Get(agentID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[agentID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot returns copies of all records, sorted by agent ID.
func (t *Tracker) Snapshot() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// touchLocked advances LastSeen, never backwards.
func (t *Tracker) touchLocked(rec *Record) {
	if now := t.now().UTC(); now.After(rec.LastSeen) {
		rec.LastSeen = now
	}
}

func (t *Tracker) notify(rec Record) {
	if t.onChange != nil {
		t.onChange(rec)
	}
}
