package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/openhive/commbus/client"
	"github.com/openhive/commbus/comms"
	"github.com/openhive/commbus/config"
	"github.com/openhive/commbus/presence"
	"github.com/openhive/commbus/store"
)

const testAdminPass = "hunter2"

// newTestServer wires a full daemon stack onto an httptest listener:
// sqlite store, shared bus, presence tracker, and the HTTP surface.
func newTestServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "commbus.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tracker := presence.NewTracker(90*time.Second, logger)
	bus := comms.NewBus(comms.NewRegistry(), comms.Options{
		Log:      st,
		Presence: tracker,
		Logger:   logger,
	})

	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminPass), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	cfg := *config.DefaultConfig()
	cfg.Auth.AdminUser = "admin"
	cfg.Auth.AdminPass = string(hash)

	srv := New(cfg, "test", logger, bus, tracker, st, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, srv
}

func dialAgent(t *testing.T, ts *httptest.Server, agentID string) *client.Session {
	t.Helper()
	sess, err := client.Dial(context.Background(), ts.URL, agentID, client.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("dial %s: %v", agentID, err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

func getJSON(t *testing.T, url, token string, out any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func login(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": "admin", "password": testAdminPass})
	resp, err := http.Post(ts.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return out.Token
}

func TestHealthAndStatusPublic(t *testing.T) {
	ts, _ := newTestServer(t)

	var health map[string]any
	if resp := getJSON(t, ts.URL+"/health", "", &health); resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}
	if health["status"] != "ok" {
		t.Fatalf("health body %v", health)
	}

	var status map[string]any
	if resp := getJSON(t, ts.URL+"/api/status", "", &status); resp.StatusCode != http.StatusOK {
		t.Fatalf("status status %d", resp.StatusCode)
	}
	if _, ok := status["active_agents"]; !ok {
		t.Fatalf("status body missing active_agents: %v", status)
	}
}

func TestProtectedAPIRequiresToken(t *testing.T) {
	ts, _ := newTestServer(t)

	if resp := getJSON(t, ts.URL+"/api/agents", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated /api/agents status %d", resp.StatusCode)
	}
	if resp := getJSON(t, ts.URL+"/api/agents", "not-a-jwt", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token /api/agents status %d", resp.StatusCode)
	}

	token := login(t, ts)
	if resp := getJSON(t, ts.URL+"/api/agents", token, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated /api/agents status %d", resp.StatusCode)
	}

	var me map[string]string
	if resp := getJSON(t, ts.URL+"/api/auth/me", token, &me); resp.StatusCode != http.StatusOK {
		t.Fatalf("me status %d", resp.StatusCode)
	}
	if me["username"] != "admin" {
		t.Fatalf("me body %v", me)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	ts, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]string{"username": "admin", "password": "wrong"})
	resp, err := http.Post(ts.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password status %d", resp.StatusCode)
	}
}

// TestCrossSessionDelivery is the regression the daemon architecture
// exists for: two independent connections share one bus, so a message
// submitted on one session is received on the other.
func TestCrossSessionDelivery(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()

	solomon := dialAgent(t, ts, "solomon")
	david := dialAgent(t, ts, "david")

	env, err := comms.NewEnvelope(comms.TypeUserChat, "solomon", "david",
		comms.ChatPayload{Text: "build the temple"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	ticket, err := solomon.Submit(ctx, env)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ticket.EnvelopeID != env.ID {
		t.Fatalf("ticket envelope id %q, want %q", ticket.EnvelopeID, env.ID)
	}

	got, ok, err := david.Receive(ctx, 3*time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !ok {
		t.Fatal("Receive returned empty; message did not cross sessions")
	}
	if got.ID != env.ID || got.From != "solomon" {
		t.Fatalf("received %+v, want envelope %s from solomon", got, env.ID)
	}
	chat, err := got.Chat()
	if err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	if chat.Text != "build the temple" {
		t.Fatalf("chat text %q", chat.Text)
	}
}

func TestAwaitCorrelatedOverWire(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()

	requester := dialAgent(t, ts, "requester")
	worker := dialAgent(t, ts, "worker")

	req, err := comms.NewEnvelope(comms.TypeTaskRequest, "requester", "worker",
		comms.TaskRequestPayload{Task: "translate"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if _, err := requester.Submit(ctx, req); err != nil {
		t.Fatalf("submit request: %v", err)
	}

	got, ok, err := worker.Receive(ctx, 3*time.Second)
	if err != nil || !ok {
		t.Fatalf("worker receive: ok=%v err=%v", ok, err)
	}

	reply, err := comms.NewEnvelope(comms.TypeTaskResult, "worker", "requester",
		comms.TaskResultPayload{Status: "ok", Output: "done"})
	if err != nil {
		t.Fatalf("NewEnvelope reply: %v", err)
	}
	reply.CorrelationID = got.ID
	if _, err := worker.Submit(ctx, reply); err != nil {
		t.Fatalf("submit reply: %v", err)
	}

	result, ok, err := requester.AwaitCorrelated(ctx, req.ID, 3*time.Second)
	if err != nil || !ok {
		t.Fatalf("AwaitCorrelated: ok=%v err=%v", ok, err)
	}
	if result.CorrelationID != req.ID {
		t.Fatalf("correlation id %q, want %q", result.CorrelationID, req.ID)
	}
}

func TestSubmitSpoofedSenderRejected(t *testing.T) {
	ts, _ := newTestServer(t)

	mallory := dialAgent(t, ts, "mallory")
	dialAgent(t, ts, "victim")

	env, err := comms.NewEnvelope(comms.TypeUserChat, "victim", "mallory",
		comms.ChatPayload{Text: "pretending"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	_, err = mallory.Submit(context.Background(), env)
	var verr *comms.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
}

func TestUnresolvedRecipientOverWire(t *testing.T) {
	ts, _ := newTestServer(t)

	sess := dialAgent(t, ts, "lonely")
	env, err := comms.NewEnvelope(comms.TypeUserChat, "lonely", "nobody",
		comms.ChatPayload{Text: "hello?"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	_, err = sess.Submit(context.Background(), env)
	var uerr *comms.UnresolvedRecipientError
	if !errors.As(err, &uerr) {
		t.Fatalf("want UnresolvedRecipientError, got %v", err)
	}
	if uerr.Recipient != "nobody" {
		t.Fatalf("unresolved recipient %q", uerr.Recipient)
	}
}

func TestReceiveTimeoutIsEmptyNotError(t *testing.T) {
	ts, _ := newTestServer(t)

	sess := dialAgent(t, ts, "patient")
	env, ok, err := sess.Receive(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if ok || env != nil {
		t.Fatalf("want empty, got %+v", env)
	}
}

func TestSubscribeAndTopicFanout(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()

	alice := dialAgent(t, ts, "alice")
	bob := dialAgent(t, ts, "bob")

	if err := alice.Subscribe(ctx, "engineering"); err != nil {
		t.Fatalf("alice subscribe: %v", err)
	}
	if err := bob.Subscribe(ctx, "engineering"); err != nil {
		t.Fatalf("bob subscribe: %v", err)
	}

	env, err := comms.NewEnvelope(comms.TypeUserChat, "alice", "engineering",
		comms.ChatPayload{Text: "standup in 5"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	ticket, err := alice.Submit(ctx, env)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(ticket.Recipients) != 2 {
		t.Fatalf("recipients %v, want both members", ticket.Recipients)
	}

	got, ok, err := bob.Receive(ctx, 3*time.Second)
	if err != nil || !ok {
		t.Fatalf("bob receive: ok=%v err=%v", ok, err)
	}
	if got.To != "engineering" {
		t.Fatalf("received target %q", got.To)
	}
}

func TestHistoryReplaysPersistedMessages(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()

	sender := dialAgent(t, ts, "sender")
	dialAgent(t, ts, "receiver")

	env, err := comms.NewEnvelope(comms.TypeUserChat, "sender", "receiver",
		comms.ChatPayload{Text: "for the record"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if _, err := sender.Submit(ctx, env); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	token := login(t, ts)
	var envs []*comms.Envelope
	if resp := getJSON(t, ts.URL+"/api/history?target=receiver", token, &envs); resp.StatusCode != http.StatusOK {
		t.Fatalf("history status %d", resp.StatusCode)
	}
	if len(envs) != 1 || envs[0].ID != env.ID {
		t.Fatalf("history %v, want the submitted envelope", envs)
	}

	if resp := getJSON(t, ts.URL+"/api/history", token, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("history without target status %d", resp.StatusCode)
	}
}

func postJSON(t *testing.T, url, token string, body, out any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestCreateDepartmentChannelEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()
	token := login(t, ts)

	lead := dialAgent(t, ts, "lead")
	dialAgent(t, ts, "analyst")

	var info comms.ChannelInfo
	resp := postJSON(t, ts.URL+"/api/channels", token, createChannelRequest{
		Name:    "research",
		Kind:    "department",
		Members: []string{"lead", "analyst"},
	}, &info)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create department status %d", resp.StatusCode)
	}
	if info.Kind != comms.KindDepartment || len(info.Members) != 2 {
		t.Fatalf("created channel %+v", info)
	}

	env, err := comms.NewEnvelope(comms.TypeUserChat, "lead", "research",
		comms.ChatPayload{Text: "weekly readout"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	ticket, err := lead.Submit(ctx, env)
	if err != nil {
		t.Fatalf("Submit to department: %v", err)
	}
	if len(ticket.Recipients) != 2 {
		t.Fatalf("recipients %v, want both department members", ticket.Recipients)
	}
}

func TestCreateDirectChannelEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	token := login(t, ts)

	dialAgent(t, ts, "pat")
	dialAgent(t, ts, "sam")

	var info comms.ChannelInfo
	resp := postJSON(t, ts.URL+"/api/channels", token, createChannelRequest{
		Name:    "pat-sam",
		Kind:    "direct",
		Members: []string{"pat", "sam"},
	}, &info)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create direct status %d", resp.StatusCode)
	}
	if info.Kind != comms.KindDirect {
		t.Fatalf("created channel %+v", info)
	}

	if resp := postJSON(t, ts.URL+"/api/channels", token, createChannelRequest{
		Name: "lonely", Kind: "direct", Members: []string{"pat"},
	}, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("one-member direct status %d", resp.StatusCode)
	}
	if resp := postJSON(t, ts.URL+"/api/channels", token, createChannelRequest{
		Name: "odd", Kind: "carrier-pigeon",
	}, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown kind status %d", resp.StatusCode)
	}
	if resp := postJSON(t, ts.URL+"/api/channels", "", createChannelRequest{
		Name: "sneaky", Kind: "topic",
	}, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated create status %d", resp.StatusCode)
	}
}

func TestLeaveChannelOverWire(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()

	alice := dialAgent(t, ts, "alice")
	bob := dialAgent(t, ts, "bob")

	for _, sess := range []*client.Session{alice, bob} {
		if err := sess.Subscribe(ctx, "standup"); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if err := bob.Leave(ctx, "standup"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	env, err := comms.NewEnvelope(comms.TypeUserChat, "alice", "standup",
		comms.ChatPayload{Text: "anyone?"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	ticket, err := alice.Submit(ctx, env)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(ticket.Recipients) != 1 || ticket.Recipients[0] != "alice" {
		t.Fatalf("recipients %v, want only alice after bob left", ticket.Recipients)
	}

	if _, ok, err := bob.Receive(ctx, 150*time.Millisecond); err != nil || ok {
		t.Fatalf("bob received after leaving: ok=%v err=%v", ok, err)
	}
}

func TestWSRequiresAgentParam(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/ws")
	if err != nil {
		t.Fatalf("GET /ws: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

func TestWSRejectsWrongAgentKey(t *testing.T) {
	ts, srv := newTestServer(t)
	srv.cfg.Auth.AgentKey = "sekrit"

	_, err := client.Dial(context.Background(), ts.URL, "intruder", client.Options{
		Key:    "wrong",
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err == nil {
		t.Fatal("dial with wrong key should fail")
	}

	sess, err := client.Dial(context.Background(), ts.URL, "trusted", client.Options{
		Key:    "sekrit",
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("dial with right key: %v", err)
	}
	sess.Close()
}

func TestDisconnectMarksOffline(t *testing.T) {
	ts, srv := newTestServer(t)

	sess := dialAgent(t, ts, "ephemeral")
	waitFor(t, func() bool {
		rec, ok := srv.tracker.Get("ephemeral")
		return ok && rec.Status == presence.StatusOnline
	})

	sess.Close()
	waitFor(t, func() bool {
		rec, ok := srv.tracker.Get("ephemeral")
		return ok && rec.Status == presence.StatusOffline
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
