// Package client is the agent-side session for the commbus daemon.
// A Session holds one WebSocket connection; connecting announces the
// agent online and closing it marks the agent offline.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openhive/commbus/comms"
	"github.com/openhive/commbus/presence"
	"github.com/openhive/commbus/wire"
)

// heartbeatInterval keeps the session well inside the server's read
// deadline.
const heartbeatInterval = 15 * time.Second

// ErrSessionClosed is returned by calls made after Close, or after the
// connection dropped.
var ErrSessionClosed = fmt.Errorf("commbus: session closed")

// Options tune a Session. The zero value is usable.
type Options struct {
	// Key is the shared agent key, when the daemon requires one.
	Key string
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// HeartbeatInterval overrides the default liveness cadence.
	HeartbeatInterval time.Duration
}

// Session is a live connection to the daemon on behalf of one agent.
// All methods are safe for concurrent use.
type Session struct {
	agentID string
	conn    *websocket.Conn
	logger  *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan wire.Frame
	nextReq uint64
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the daemon at baseURL (http://, https://, ws:// or
// wss://) as agentID. The agent is online from the moment Dial returns.
func Dial(ctx context.Context, baseURL, agentID string, opts Options) (*Session, error) {
	if agentID == "" {
		return nil, fmt.Errorf("commbus: agent id is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("commbus: parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("agent", agentID)
	if opts.Key != "" {
		q.Set("key", opts.Key)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("commbus: dial %s: %s: %w", u.Host, resp.Status, err)
		}
		return nil, fmt.Errorf("commbus: dial %s: %w", u.Host, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		agentID: agentID,
		conn:    conn,
		logger:  logger.With(slog.String("agent", agentID)),
		pending: make(map[string]chan wire.Frame),
		done:    make(chan struct{}),
	}

	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = heartbeatInterval
	}
	go s.readLoop()
	go s.heartbeatLoop(interval)
	return s, nil
}

// AgentID reports the identity this session was dialed with.
func (s *Session) AgentID() string { return s.agentID }

// Submit sends an envelope and returns the delivery ticket. From must
// match the session agent; the daemon rejects spoofed senders.
func (s *Session) Submit(ctx context.Context, env *comms.Envelope) (*comms.Ticket, error) {
	reply, err := s.call(ctx, wire.Frame{Op: wire.OpSubmit, Envelope: env})
	if err != nil {
		return nil, err
	}
	if reply.Op == wire.OpError {
		return nil, wire.DecodeError(reply.Code, reply.Error, env.To)
	}
	if reply.Ticket == nil {
		return nil, fmt.Errorf("commbus: submit reply missing ticket")
	}
	return reply.Ticket, nil
}

// Receive blocks for the next envelope addressed to this agent. A false
// second return means the timeout elapsed with an empty inbox; it is
// not an error.
func (s *Session) Receive(ctx context.Context, timeout time.Duration) (*comms.Envelope, bool, error) {
	return s.receive(ctx, wire.Frame{Op: wire.OpReceive, TimeoutMS: toMillis(timeout)})
}

// AwaitCorrelated blocks for the next envelope whose correlation id
// matches, leaving unrelated envelopes queued.
func (s *Session) AwaitCorrelated(ctx context.Context, correlationID string, timeout time.Duration) (*comms.Envelope, bool, error) {
	return s.receive(ctx, wire.Frame{
		Op:            wire.OpAwait,
		CorrelationID: correlationID,
		TimeoutMS:     toMillis(timeout),
	})
}

func (s *Session) receive(ctx context.Context, f wire.Frame) (*comms.Envelope, bool, error) {
	reply, err := s.call(ctx, f)
	if err != nil {
		return nil, false, err
	}
	switch reply.Op {
	case wire.OpEnvelope:
		return reply.Envelope, true, nil
	case wire.OpEmpty:
		return nil, false, nil
	case wire.OpError:
		return nil, false, wire.DecodeError(reply.Code, reply.Error, s.agentID)
	}
	return nil, false, fmt.Errorf("commbus: unexpected reply op %q", reply.Op)
}

// Subscribe joins a topic channel, creating it if needed.
func (s *Session) Subscribe(ctx context.Context, channel string) error {
	reply, err := s.call(ctx, wire.Frame{Op: wire.OpSubscribe, Channel: channel})
	if err != nil {
		return err
	}
	if reply.Op == wire.OpError {
		return wire.DecodeError(reply.Code, reply.Error, channel)
	}
	return nil
}

// Leave removes this agent from a channel's membership. Leaving a
// channel the agent is not in is a no-op.
func (s *Session) Leave(ctx context.Context, channel string) error {
	reply, err := s.call(ctx, wire.Frame{Op: wire.OpLeave, Channel: channel})
	if err != nil {
		return err
	}
	if reply.Op == wire.OpError {
		return wire.DecodeError(reply.Code, reply.Error, channel)
	}
	return nil
}

// SetStatus publishes an active presence status (online, busy, away).
func (s *Session) SetStatus(ctx context.Context, status presence.Status) error {
	reply, err := s.call(ctx, wire.Frame{Op: wire.OpSetStatus, Status: string(status)})
	if err != nil {
		return err
	}
	if reply.Op == wire.OpError {
		return wire.DecodeError(reply.Code, reply.Error, s.agentID)
	}
	return nil
}

// Close tears the session down. The daemon marks the agent offline.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
		s.failPending()
	})
	return err
}

// call sends a frame with a fresh req id and waits for the matching
// reply.
func (s *Session) call(ctx context.Context, f wire.Frame) (wire.Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return wire.Frame{}, ErrSessionClosed
	}
	s.nextReq++
	f.Req = strconv.FormatUint(s.nextReq, 10)
	ch := make(chan wire.Frame, 1)
	s.pending[f.Req] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, f.Req)
		s.mu.Unlock()
	}()

	if err := s.writeFrame(f); err != nil {
		return wire.Frame{}, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return wire.Frame{}, ErrSessionClosed
		}
		return reply, nil
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	case <-s.done:
		return wire.Frame{}, ErrSessionClosed
	}
}

// writeFrame serializes writes. gorilla/websocket does NOT support
// concurrent writers.
func (s *Session) writeFrame(f wire.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(f)
}

func (s *Session) readLoop() {
	defer s.failPending()
	for {
		var f wire.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Warn("session read", slog.Any("err", err))
				s.Close() //nolint:errcheck
			}
			return
		}
		if f.Req == "" {
			continue
		}
		// Deliver under the lock so failPending cannot close the
		// channel mid-send. The channel is buffered, one reply per
		// request, so this never blocks.
		s.mu.Lock()
		if ch, ok := s.pending[f.Req]; ok {
			ch <- f
			delete(s.pending, f.Req)
		}
		s.mu.Unlock()
	}
}

func (s *Session) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.writeFrame(wire.Frame{Op: wire.OpHeartbeat}); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// failPending wakes every in-flight call after the connection is gone.
func (s *Session) failPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for req, ch := range s.pending {
		close(ch)
		delete(s.pending, req)
	}
}

func toMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d / time.Millisecond)
}
