package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/presence-relay/internal/fallback"
	"github.com/mossy-p/presence-relay/internal/middleware"
	"github.com/mossy-p/presence-relay/internal/models"
	"github.com/mossy-p/presence-relay/internal/presence"
	"github.com/mossy-p/presence-relay/internal/queue"
	"github.com/mossy-p/presence-relay/internal/reaper"
	"github.com/mossy-p/presence-relay/internal/registry"
	"github.com/mossy-p/presence-relay/internal/relay"
	"github.com/redis/go-redis/v9"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	*httptest.Server
	mr  *miniredis.Miniredis
	hub *fallback.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := presence.NewRedisStore(client, presence.Options{PeerTTL: time.Hour, RoomTTL: time.Hour}, nil)
	q := queue.New(client, 5*time.Minute, nil)
	rel := relay.New(store, q, registry.New(), relay.Options{GracePeriod: time.Minute, HeartbeatInterval: time.Minute}, nil)
	t.Cleanup(rel.Shutdown)
	hub := fallback.NewHub(rel, fallback.Options{MailboxSize: 16, IdleTimeout: time.Minute}, nil)
	rp := reaper.New(q, store, reaper.Options{
		Interval:       time.Minute,
		StaleThreshold: 5 * time.Minute,
		Notifier:       rel,
		IdleCloser:     hub,
	}, nil)

	h := New(Deps{Relay: rel, Fallback: hub, Store: store, Pending: q, Reaper: rp})
	router := NewRouter(h, RouterConfig{AllowedOrigins: []string{"http://allowed.test"}, JWTSecret: testSecret})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, mr: mr, hub: hub}
}

func (s *testServer) do(t *testing.T, method, path string, body any, header http.Header) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want models.EventType) models.Outbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg models.Outbound
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if msg.Type == want {
			return msg
		}
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodGet, "/health", nil, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "reachable") {
		t.Fatalf("health = %d %s", resp.StatusCode, body)
	}

	s.mr.Close()
	resp, _ = s.do(t, http.MethodGet, "/health", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("health with store down = %d, want 503", resp.StatusCode)
	}
}

func TestOriginFilter(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, http.MethodGet, "/health", nil, http.Header{"Origin": {"http://evil.test"}})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign origin = %d, want 403", resp.StatusCode)
	}
	resp, _ = s.do(t, http.MethodGet, "/health", nil, http.Header{"Origin": {"http://allowed.test"}})
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != "http://allowed.test" {
		t.Fatalf("allowed origin = %d, headers %v", resp.StatusCode, resp.Header)
	}
}

func TestWebSocketSignaling(t *testing.T) {
	s := newTestServer(t)
	a := s.dial(t)
	b := s.dial(t)

	if err := a.WriteJSON(map[string]any{"type": "join", "room": "jungle", "peerId": "a", "name": "Ann"}); err != nil {
		t.Fatal(err)
	}
	snap := readUntil(t, a, models.EventRoomSnapshot)
	if len(snap.Peers) != 1 || snap.Peers[0].ID != "a" {
		t.Fatalf("first snapshot = %+v", snap.Peers)
	}

	if err := b.WriteJSON(map[string]any{"type": "join", "room": "jungle", "peerId": "b"}); err != nil {
		t.Fatal(err)
	}
	snap = readUntil(t, b, models.EventRoomSnapshot)
	if len(snap.Peers) != 2 {
		t.Fatalf("second snapshot = %+v", snap.Peers)
	}
	joined := readUntil(t, a, models.EventPeerJoined)
	if joined.Peer == nil || joined.Peer.ID != "b" {
		t.Fatalf("peer-joined = %+v", joined)
	}

	if err := b.WriteJSON(map[string]any{"type": "signal", "to": "a", "envelope": map[string]string{"sdp": "offer"}}); err != nil {
		t.Fatal(err)
	}
	sig := readUntil(t, a, models.EventSignal)
	if sig.From != "b" || !strings.Contains(string(sig.Envelope), "offer") {
		t.Fatalf("signal = %+v", sig)
	}

	b.Close()
	left := readUntil(t, a, models.EventPeerLeft)
	if left.PeerID != "b" {
		t.Fatalf("peer-left = %+v", left)
	}
}

func TestWebSocketMalformedEvent(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"join","room":"jungle"}`)); err != nil {
		t.Fatal(err)
	}
	msg := readUntil(t, conn, models.EventError)
	if msg.Error == "" {
		t.Fatal("error event should carry a message")
	}
}

func TestFallbackFlow(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodPost, "/probe", map[string]any{"sessionId": "f1", "clientTimestamp": 42}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("probe = %d %s", resp.StatusCode, body)
	}
	var probe ProbeResponse
	_ = json.Unmarshal(body, &probe)
	if probe.ClientTimestamp != 42 || probe.ServerTimestamp == 0 {
		t.Fatalf("probe response = %+v", probe)
	}
	s.do(t, http.MethodPost, "/probe", map[string]any{"sessionId": "f2"}, nil)

	resp, body = s.do(t, http.MethodPost, "/submit", map[string]any{
		"sessionId": "f1",
		"messages": []any{
			map[string]any{"type": "join", "room": "savanna", "peerId": "x"},
			map[string]any{"type": "nonsense"},
		},
	}, nil)
	var submit SubmitResponse
	_ = json.Unmarshal(body, &submit)
	if resp.StatusCode != http.StatusOK || submit.AcceptedCount != 1 {
		t.Fatalf("submit = %d %s", resp.StatusCode, body)
	}

	s.do(t, http.MethodPost, "/submit", map[string]any{
		"sessionId": "f2",
		"messages": []any{
			map[string]any{"type": "join", "room": "savanna", "peerId": "y"},
			map[string]any{"type": "signal", "to": "x", "envelope": map[string]string{"ice": "c1"}},
		},
	}, nil)

	resp, body = s.do(t, http.MethodGet, "/poll?sessionId=f1", nil, nil)
	var poll PollResponse
	_ = json.Unmarshal(body, &poll)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll = %d %s", resp.StatusCode, body)
	}
	types := make([]models.EventType, 0, len(poll.Messages))
	for _, m := range poll.Messages {
		types = append(types, m.Type)
	}
	want := []models.EventType{models.EventRoomSnapshot, models.EventPeerJoined, models.EventSignal}
	if len(types) != len(want) {
		t.Fatalf("poll types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("poll types = %v, want %v", types, want)
		}
	}

	last := poll.Messages[len(poll.Messages)-1].ID
	_, body = s.do(t, http.MethodGet, "/poll?sessionId=f1&ack="+last, nil, nil)
	poll = PollResponse{}
	_ = json.Unmarshal(body, &poll)
	if len(poll.Messages) != 0 {
		t.Fatalf("acknowledged messages redelivered: %+v", poll.Messages)
	}

	resp, _ = s.do(t, http.MethodGet, "/poll?sessionId=ghost", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session poll = %d, want 404", resp.StatusCode)
	}
	resp, _ = s.do(t, http.MethodPost, "/submit", map[string]any{"sessionId": "ghost", "messages": []any{}}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session submit = %d, want 404", resp.StatusCode)
	}
	resp, _ = s.do(t, http.MethodGet, "/fallback/poll?sessionId=f1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll under /fallback alias = %d, want 200", resp.StatusCode)
	}
	resp, _ = s.do(t, http.MethodPost, "/probe", map[string]any{}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("probe without session = %d, want 400", resp.StatusCode)
	}
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, http.MethodGet, "/admin/rooms/jungle/peers", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("admin without token = %d, want 401", resp.StatusCode)
	}

	token, err := middleware.IssueToken(testSecret, "ops", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	auth := http.Header{"Authorization": {"Bearer " + token}}

	s.do(t, http.MethodPost, "/probe", map[string]any{"sessionId": "f1"}, nil)
	s.do(t, http.MethodPost, "/submit", map[string]any{
		"sessionId": "f1",
		"messages":  []any{map[string]any{"type": "join", "room": "jungle", "peerId": "a"}},
	}, nil)

	resp, body := s.do(t, http.MethodGet, "/admin/rooms/jungle/peers", nil, auth)
	var room RoomPeersResponse
	_ = json.Unmarshal(body, &room)
	if resp.StatusCode != http.StatusOK || room.Size != 1 || len(room.Peers) != 1 || room.Peers[0].ID != "a" {
		t.Fatalf("room peers = %d %s", resp.StatusCode, body)
	}

	resp, body = s.do(t, http.MethodGet, "/admin/peers/a", nil, auth)
	var peer PeerResponse
	_ = json.Unmarshal(body, &peer)
	if resp.StatusCode != http.StatusOK || !peer.Online || peer.SessionID != "f1" {
		t.Fatalf("peer = %d %s", resp.StatusCode, body)
	}

	resp, _ = s.do(t, http.MethodGet, "/admin/peers/nobody", nil, auth)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing peer = %d, want 404", resp.StatusCode)
	}

	resp, body = s.do(t, http.MethodPost, "/admin/reaper/sweep", nil, auth)
	var report reaper.Report
	_ = json.Unmarshal(body, &report)
	if resp.StatusCode != http.StatusOK || len(report.Errors) != 0 {
		t.Fatalf("sweep = %d %s", resp.StatusCode, body)
	}
}

func TestProbeCannotTakeOverSocketSession(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t)
	if err := conn.WriteJSON(map[string]any{"type": "join", "room": "jungle", "peerId": "a"}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, models.EventRoomSnapshot)

	token, _ := middleware.IssueToken(testSecret, "ops", time.Hour)
	_, body := s.do(t, http.MethodGet, "/admin/peers/a", nil, http.Header{"Authorization": {"Bearer " + token}})
	var peer PeerResponse
	if err := json.Unmarshal(body, &peer); err != nil || peer.SessionID == "" {
		t.Fatalf("peer = %s", body)
	}

	resp, _ := s.do(t, http.MethodPost, "/probe", map[string]any{"sessionId": peer.SessionID}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("probe of a socket session = %d, want 409", resp.StatusCode)
	}

	// The socket still receives its traffic.
	b := s.dial(t)
	if err := b.WriteJSON(map[string]any{"type": "join", "room": "jungle", "peerId": "b"}); err != nil {
		t.Fatal(err)
	}
	if joined := readUntil(t, conn, models.EventPeerJoined); joined.Peer == nil || joined.Peer.ID != "b" {
		t.Fatalf("peer-joined = %+v", joined)
	}
}
