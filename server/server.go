// Package server implements the commbus daemon's HTTP surface: the
// WebSocket agent transport, the REST API, auth, and SSE real-time events.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/openhive/commbus/cache"
	"github.com/openhive/commbus/comms"
	"github.com/openhive/commbus/config"
	"github.com/openhive/commbus/presence"
	"github.com/openhive/commbus/server/events"
	"github.com/openhive/commbus/store"
)

// Server is the commbus HTTP server. It owns the single shared Bus that
// every agent session talks to; agents never hold a bus of their own.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	bus     *comms.Bus
	tracker *presence.Tracker
	log     store.Store
	mirror  *cache.Mirror
	hub     *events.Hub

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New creates a Server and wires presence transitions into the bus, the
// SSE hub, and the Redis mirror.
func New(cfg config.Config, ver string, logger *slog.Logger, bus *comms.Bus, tracker *presence.Tracker, log store.Store, mirror *cache.Mirror) *Server {
	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		bus:       bus,
		tracker:   tracker,
		log:       log,
		mirror:    mirror,
		hub:       events.NewHub(logger),
		startTime: time.Now(),
		version:   ver,
	}
	tracker.OnChange(s.onPresenceChange)
	s.registerRoutes()
	return s
}

// onPresenceChange is the single path through which every presence
// transition reaches the bus, the dashboards, and the mirror.
func (s *Server) onPresenceChange(rec presence.Record) {
	if rec.Status == presence.StatusOffline {
		s.bus.MarkOffline(rec.AgentID)
	} else {
		s.bus.MarkOnline(rec.AgentID)
	}
	s.hub.Broadcast(events.Event{Type: events.TypePresenceChanged, Payload: rec})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.mirror.SetJSON(ctx, cache.PresenceKey(rec.AgentID), rec)
}

// Hub returns the SSE event hub.
func (s *Server) Hub() *events.Hub { return s.hub }

// Handler returns the root handler, for embedding in tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start begins listening. It blocks until the listener fails or Stop is
// called.
func (s *Server) Start() error {
	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9070"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	// Public routes (no auth required)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	// Agent transport — authenticated by the shared agent key
	s.mux.HandleFunc("GET /ws", s.handleWS)

	// SSE — auth handled inline because EventSource can't set headers
	s.mux.HandleFunc("GET /events", s.handleSSE)

	// Protected API — wrapped in auth middleware
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/agents", s.handleAgents)
	apiMux.HandleFunc("GET /api/channels", s.handleChannels)
	apiMux.HandleFunc("POST /api/channels", s.handleCreateChannel)
	apiMux.HandleFunc("GET /api/history", s.handleHistory)
	apiMux.HandleFunc("GET /api/deliveries/{id}", s.handleDeliveries)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  int(time.Since(s.startTime).Seconds()),
	})
}

// handleStatus is the read-only snapshot consumed by dashboards and
// health checks: active agents, pending messages per agent, channels.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats := s.bus.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":                    s.version,
		"uptime":                     int(time.Since(s.startTime).Seconds()),
		"active_agents":              stats.ActiveAgents,
		"pending_messages_per_agent": stats.Pending,
		"channels":                   stats.Channels,
		"presence":                   s.tracker.Snapshot(),
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Snapshot())
}

func (s *Server) handleChannels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bus.Registry().Channels())
}

// createChannelRequest is the body accepted by POST /api/channels.
type createChannelRequest struct {
	Name    string   `json:"name"`
	Kind    string   `json:"kind"`
	Members []string `json:"members,omitempty"`
}

// handleCreateChannel provisions department, topic, and direct channels.
// Topic channels also spring up on first subscribe; department and
// direct channels only exist through this endpoint.
func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	reg := s.bus.Registry()
	kind := comms.ChannelKind(req.Kind)
	switch kind {
	case comms.KindDirect:
		if len(req.Members) != 2 {
			writeJSONError(w, http.StatusBadRequest, "direct channels need exactly two members")
			return
		}
		if err := reg.CreateDirect(req.Name, req.Members[0], req.Members[1]); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	case comms.KindDepartment, comms.KindTopic:
		if err := reg.CreateChannel(req.Name, kind); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		for _, member := range req.Members {
			if err := reg.Join(member, req.Name); err != nil {
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
	default:
		writeJSONError(w, http.StatusBadRequest, "kind must be department, topic, or direct")
		return
	}

	members, _ := reg.Members(req.Name)
	s.logger.Info("channel created",
		slog.String("channel", req.Name),
		slog.String("kind", string(kind)),
	)
	writeJSON(w, http.StatusCreated, comms.ChannelInfo{
		Name:    req.Name,
		Kind:    kind,
		Members: members,
	})
}

// handleHistory replays the persisted log for a channel or agent target.
// Query params: target (required), since (RFC 3339, optional).
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		writeJSONError(w, http.StatusBadRequest, "target query parameter is required")
		return
	}
	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "since must be RFC 3339: "+err.Error())
			return
		}
		since = parsed
	}

	envs, err := s.log.ReadSince(r.Context(), target, since)
	if err != nil {
		s.logger.Error("history read", slog.String("target", target), slog.Any("err", err))
		writeJSONError(w, http.StatusInternalServerError, "history read failed")
		return
	}
	if envs == nil {
		envs = []*comms.Envelope{}
	}
	writeJSON(w, http.StatusOK, envs)
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ds, err := s.log.Deliveries(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "delivery read failed")
		return
	}
	if ds == nil {
		ds = []store.Delivery{}
	}
	writeJSON(w, http.StatusOK, ds)
}

// handleSSE streams real-time events. Auth via optional token query
// param because EventSource cannot set headers.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("token"); token != "" {
		if _, err := s.verifyToken(token); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.hub.ServeSSE(w, r)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
