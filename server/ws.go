package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openhive/commbus/cache"
	"github.com/openhive/commbus/comms"
	"github.com/openhive/commbus/presence"
	"github.com/openhive/commbus/server/events"
	"github.com/openhive/commbus/wire"
)

// readDeadline is how long a session may stay silent before the server
// drops it. Clients send heartbeats well inside this window.
const readDeadline = 60 * time.Second

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn wraps a websocket.Conn with a write mutex.
// gorilla/websocket does NOT support concurrent writes.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) WriteFrame(f wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteJSON(f)
}

// handleWS is the agent session endpoint. Connecting announces the agent
// as online; dropping the connection marks it offline. Every frame
// received counts as liveness.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent")
	if agentID == "" {
		http.Error(w, "agent query parameter is required", http.StatusBadRequest)
		return
	}
	if s.cfg.Auth.AgentKey != "" && r.URL.Query().Get("key") != s.cfg.Auth.AgentKey {
		s.logger.Warn("ws key mismatch", slog.String("peer", r.RemoteAddr))
		http.Error(w, "invalid agent key", http.StatusForbidden)
		return
	}

	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", slog.Any("err", err))
		return
	}
	conn := &wsConn{Conn: raw}

	s.bus.Registry().RegisterAgent(agentID)
	s.tracker.Announce(agentID, r.RemoteAddr)
	s.logger.Info("agent connected",
		slog.String("agent", agentID),
		slog.String("peer", r.RemoteAddr),
	)

	defer func() {
		raw.Close()
		s.tracker.Disconnect(agentID)
		s.logger.Info("agent disconnected", slog.String("agent", agentID))
	}()

	raw.SetReadDeadline(time.Now().Add(readDeadline)) //nolint:errcheck
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(readDeadline))
	})

	// Blocking ops (receive/await) run in their own goroutine so the
	// read loop keeps consuming heartbeats. sessionCtx tears them down
	// when the connection drops.
	sessionCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		var f wire.Frame
		if err := raw.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("ws read", slog.String("agent", agentID), slog.Any("err", err))
			}
			return
		}
		raw.SetReadDeadline(time.Now().Add(readDeadline)) //nolint:errcheck
		s.tracker.Heartbeat(agentID)

		switch f.Op {
		case wire.OpHeartbeat:
			// Liveness already recorded above.

		case wire.OpSubmit:
			s.handleSubmit(sessionCtx, conn, agentID, f)

		case wire.OpReceive:
			go s.handleReceive(sessionCtx, conn, agentID, f, "")

		case wire.OpAwait:
			if f.CorrelationID == "" {
				s.reply(conn, wire.Frame{Op: wire.OpError, Req: f.Req, Code: wire.CodeBadRequest, Error: "await requires correlation_id"})
				continue
			}
			go s.handleReceive(sessionCtx, conn, agentID, f, f.CorrelationID)

		case wire.OpSubscribe:
			if err := s.bus.Subscribe(agentID, f.Channel); err != nil {
				s.reply(conn, wire.Frame{Op: wire.OpError, Req: f.Req, Code: wire.CodeBadRequest, Error: err.Error()})
				continue
			}
			s.reply(conn, wire.Frame{Op: wire.OpOK, Req: f.Req})

		case wire.OpLeave:
			if f.Channel == "" {
				s.reply(conn, wire.Frame{Op: wire.OpError, Req: f.Req, Code: wire.CodeBadRequest, Error: "leave requires channel"})
				continue
			}
			s.bus.Registry().Leave(agentID, f.Channel)
			s.reply(conn, wire.Frame{Op: wire.OpOK, Req: f.Req})

		case wire.OpSetStatus:
			if err := s.tracker.SetStatus(agentID, presence.Status(f.Status)); err != nil {
				s.reply(conn, wire.Frame{Op: wire.OpError, Req: f.Req, Code: wire.CodeBadRequest, Error: err.Error()})
				continue
			}
			s.reply(conn, wire.Frame{Op: wire.OpOK, Req: f.Req})

		default:
			s.reply(conn, wire.Frame{Op: wire.OpError, Req: f.Req, Code: wire.CodeBadRequest, Error: "unknown op " + f.Op})
		}
	}
}

func (s *Server) handleSubmit(ctx context.Context, conn *wsConn, agentID string, f wire.Frame) {
	if f.Envelope == nil {
		s.reply(conn, wire.Frame{Op: wire.OpError, Req: f.Req, Code: wire.CodeBadRequest, Error: "submit requires envelope"})
		return
	}
	// The session owns the sender identity; a client cannot spoof From.
	if f.Envelope.From != agentID {
		s.reply(conn, wire.Frame{Op: wire.OpError, Req: f.Req, Code: wire.CodeValidation, Error: "envelope from must match session agent"})
		return
	}

	ticket, err := s.bus.Submit(ctx, f.Envelope)
	if err != nil {
		s.reply(conn, wire.Frame{Op: wire.OpError, Req: f.Req, Code: wire.ErrorCode(err), Error: err.Error()})
		return
	}

	s.hub.Broadcast(events.Event{Type: events.TypeEnvelopeAccepted, Payload: ticket})
	mirrorCtx, cancelMirror := context.WithTimeout(context.Background(), 3*time.Second)
	s.mirror.SetJSON(mirrorCtx, cache.KeyStats, s.bus.Snapshot())
	cancelMirror()

	s.reply(conn, wire.Frame{Op: wire.OpTicket, Req: f.Req, Ticket: ticket})
}

func (s *Server) handleReceive(ctx context.Context, conn *wsConn, agentID string, f wire.Frame, correlationID string) {
	timeout := time.Duration(f.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var (
		env *comms.Envelope
		ok  bool
		err error
	)
	if correlationID == "" {
		env, ok, err = s.bus.Receive(ctx, agentID, timeout)
	} else {
		env, ok, err = s.bus.AwaitCorrelated(ctx, agentID, correlationID, timeout)
	}

	switch {
	case err != nil:
		s.reply(conn, wire.Frame{Op: wire.OpError, Req: f.Req, Code: wire.ErrorCode(err), Error: err.Error()})
	case !ok:
		s.reply(conn, wire.Frame{Op: wire.OpEmpty, Req: f.Req})
	default:
		s.reply(conn, wire.Frame{Op: wire.OpEnvelope, Req: f.Req, Envelope: env})
	}
}

func (s *Server) reply(conn *wsConn, f wire.Frame) {
	if err := conn.WriteFrame(f); err != nil {
		s.logger.Warn("ws write", slog.Any("err", err))
	}
}
