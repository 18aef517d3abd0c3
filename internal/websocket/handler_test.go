package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tahcohcat/dengue-tracker/internal/auth"
	"github.com/tahcohcat/dengue-tracker/internal/models"
	"github.com/tahcohcat/dengue-tracker/internal/ratelimit"
	"github.com/tahcohcat/dengue-tracker/internal/rooms"
	"github.com/tahcohcat/dengue-tracker/internal/services"
	"github.com/tahcohcat/dengue-tracker/internal/store/memory"
)

type testServer struct {
	url       string
	hub       *Hub
	validator *auth.Validator
	users     map[string]*models.User
}

func newTestServer(t *testing.T, connCapacity int) *testServer {
	t.Helper()
	st := memory.New()
	users := map[string]*models.User{}
	for _, u := range []*models.User{
		{ID: "citizen", Name: "Clara", Email: "clara@example.com", Role: models.RoleUser},
		{ID: "other", Name: "Otto", Email: "otto@example.com", Role: models.RoleUser},
		{ID: "agent", Name: "Ana", Email: "ana@example.com", Role: models.RoleAgent},
	} {
		if err := st.CreateUser(context.Background(), u); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		users[u.ID] = u
	}

	validator := auth.NewValidator("ws-secret", "dengue-test", time.Hour, auth.NewMemoryRevocations())
	authHandler := auth.NewHandler(st, validator, nil, ratelimit.NewRegistry(5, time.Minute), time.Hour)

	hub := NewHub(rooms.Router{}, 8)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	ledger := services.NewLedger(st)
	achievements := services.NewAchievementService(st, ledger, services.Catalogue)
	reports := services.NewReportService(st, st, ledger, achievements, hub)

	handler := NewHandler(hub, authHandler, reports, ratelimit.NewRegistry(100, time.Millisecond), Options{
		SendBuffer:      64,
		WriteWait:       time.Second,
		PongWait:        10 * time.Second,
		MaxMessageBytes: 4096,
		ConnCapacity:    connCapacity,
		ConnRefill:      time.Hour,
	})
	r := mux.NewRouter()
	handler.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})

	return &testServer{
		url:       "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		hub:       hub,
		validator: validator,
		users:     users,
	}
}

func (s *testServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn, _ := s.dialToken(t, userID)
	return conn
}

// dialToken also returns the credential the connection was opened with.
func (s *testServer) dialToken(t *testing.T, userID string) (*websocket.Conn, string) {
	t.Helper()
	token, _, err := s.validator.Issue(s.users[userID])
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(s.url, header)
	if err != nil {
		t.Fatalf("Dial(%s): %v", userID, err)
	}
	t.Cleanup(func() { conn.Close() })
	waitFor(t, conn, models.EventConnectionReady)
	return conn, token
}

type received struct {
	Type    models.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

func read(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg received
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

// waitFor reads until a message of type want arrives.
func waitFor(t *testing.T, conn *websocket.Conn, want models.EventType) received {
	t.Helper()
	for {
		if msg := read(t, conn); msg.Type == want {
			return msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": typ, "payload": payload}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestHandshakeRejectsBadCredential(t *testing.T) {
	s := newTestServer(t, 5)

	for name, header := range map[string]http.Header{
		"missing": nil,
		"garbage": {"Authorization": []string{"Bearer nope"}},
	} {
		_, resp, err := websocket.DefaultDialer.Dial(s.url, header)
		if err == nil {
			t.Fatalf("%s: handshake accepted", name)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: response = %v, want 401", name, resp)
		}
	}
	if st := s.hub.Stats(); st.Connections != 0 || st.Rooms != 0 {
		t.Fatalf("stats = %+v, want empty hub", st)
	}
}

func TestCreateReportFansOut(t *testing.T) {
	s := newTestServer(t, 5)
	agent := s.dial(t, "agent")
	citizen := s.dial(t, "citizen")

	send(t, citizen, InReportCreate, map[string]any{
		"location":    map[string]float64{"lat": -23.5505, "lng": -46.6333},
		"siteType":    "pneu",
		"description": strings.Repeat("d", 120),
	})

	ack := waitFor(t, citizen, models.EventReportCreatedAck)
	var a createdAck
	json.Unmarshal(ack.Payload, &a)
	if a.PointsAwarded != 25 || a.TotalPoints != 35 {
		t.Fatalf("ack = %+v, want 25 awarded, 35 total with primeiro-passo", a)
	}

	msg := waitFor(t, agent, models.EventReportCreated)
	var p models.ReportCreatedPayload
	json.Unmarshal(msg.Payload, &p)
	if p.ReporterName != "Clara" || p.Report.ID != a.Report.ID {
		t.Fatalf("payload = %+v", p)
	}

	send(t, agent, InReportTransition, map[string]string{"reportId": a.Report.ID, "targetStatus": "eliminated"})
	waitFor(t, agent, models.EventReportTransitionAck)

	elim := waitFor(t, citizen, models.EventReportEliminated)
	var e models.ReportEliminatedPayload
	json.Unmarshal(elim.Payload, &e)
	if e.ReportID != a.Report.ID || e.PointsAwarded != 20 {
		t.Fatalf("eliminated = %+v", e)
	}
}

func TestCitizenCannotTransition(t *testing.T) {
	s := newTestServer(t, 5)
	citizen := s.dial(t, "citizen")

	send(t, citizen, InReportTransition, map[string]string{"reportId": "x", "targetStatus": "confirmed"})
	msg := waitFor(t, citizen, models.ErrorEvent("unauthorized"))
	var p models.ErrorPayload
	json.Unmarshal(msg.Payload, &p)
	if p.Code != "unauthorized" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestRateLimitedOnlyOrigin(t *testing.T) {
	s := newTestServer(t, 5)
	noisy := s.dial(t, "citizen")
	quiet := s.dial(t, "other")

	for i := 0; i < 6; i++ {
		send(t, noisy, InHeartbeat, nil)
	}
	acks := 0
	for i := 0; i < 6; i++ {
		switch msg := read(t, noisy); msg.Type {
		case models.EventHeartbeatAck:
			acks++
		case models.EventRateLimited:
			if acks != 5 {
				t.Fatalf("rate limited after %d acks, want 5", acks)
			}
		default:
			i-- // presence traffic
		}
	}
	if acks != 5 {
		t.Fatalf("acks = %d, want 5", acks)
	}

	send(t, quiet, InHeartbeat, nil)
	for {
		msg := read(t, quiet)
		if msg.Type == models.EventRateLimited {
			t.Fatalf("rate.limited leaked to another connection")
		}
		if msg.Type == models.EventHeartbeatAck {
			break
		}
	}
}

func TestSubscribeArea(t *testing.T) {
	s := newTestServer(t, 10)
	watcher := s.dial(t, "other")
	citizen := s.dial(t, "citizen")

	send(t, watcher, InSubscribeArea, map[string]float64{"lat": -23.5505, "lng": -46.6333})
	sub := waitFor(t, watcher, models.EventSubscribed)
	var p subscribedPayload
	json.Unmarshal(sub.Payload, &p)
	if p.Room != "area:-23.55:-46.63" || !p.Joined {
		t.Fatalf("subscribed = %+v", p)
	}
	if n := s.hub.RoomSize("area:-23.55:-46.63"); n != 1 {
		t.Fatalf("area room size = %d, want 1", n)
	}

	send(t, watcher, InUnsubscribeArea, map[string]float64{"lat": -23.5505, "lng": -46.6333})
	waitFor(t, watcher, models.EventSubscribed)
	if n := s.hub.RoomSize("area:-23.55:-46.63"); n != 0 {
		t.Fatalf("area room size = %d, want 0", n)
	}

	send(t, citizen, InSubscribeArea, map[string]float64{"lat": 95, "lng": 0})
	waitFor(t, citizen, models.ErrorEvent("invalid_input"))
}

func TestDisconnectBroadcastsOffline(t *testing.T) {
	s := newTestServer(t, 5)
	observer := s.dial(t, "other")
	citizen := s.dial(t, "citizen")
	waitFor(t, observer, models.EventUserOnline)

	citizen.Close()
	msg := waitFor(t, observer, models.EventUserOffline)
	var p models.PresencePayload
	json.Unmarshal(msg.Payload, &p)
	if p.UserID != "citizen" || p.Name != "Clara" {
		t.Fatalf("offline = %+v", p)
	}
}

func TestCreateRequiresLocation(t *testing.T) {
	s := newTestServer(t, 10)
	citizen := s.dial(t, "citizen")

	for _, payload := range []map[string]any{
		{"siteType": "pneu", "description": "no location given"},
		{"location": map[string]float64{"lat": -23.55}, "siteType": "pneu"},
	} {
		send(t, citizen, InReportCreate, payload)
		msg := waitFor(t, citizen, models.ErrorEvent("invalid_input"))
		var p models.ErrorPayload
		json.Unmarshal(msg.Payload, &p)
		if !strings.Contains(p.Message, "location") {
			t.Fatalf("message = %q, want it to name the location", p.Message)
		}
	}
	if n := s.hub.RoomSize("area:0.00:0.00"); n != 0 {
		t.Fatalf("null island room size = %d", n)
	}
}

func TestMalformedFramesConsumeTokens(t *testing.T) {
	s := newTestServer(t, 5)
	citizen := s.dial(t, "citizen")

	for i := 0; i < 6; i++ {
		if err := citizen.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	invalid := 0
	for i := 0; i < 6; i++ {
		switch msg := read(t, citizen); msg.Type {
		case models.ErrorEvent("invalid_input"):
			invalid++
		case models.EventRateLimited:
			if invalid != 5 {
				t.Fatalf("rate limited after %d malformed replies, want 5", invalid)
			}
		default:
			i--
		}
	}
	if invalid != 5 {
		t.Fatalf("invalid_input replies = %d, want 5", invalid)
	}
}

func TestRevokedCredentialDropsConnection(t *testing.T) {
	s := newTestServer(t, 10)
	citizen, token := s.dialToken(t, "citizen")

	send(t, citizen, InHeartbeat, nil)
	waitFor(t, citizen, models.EventHeartbeatAck)

	if err := s.validator.Revoke(context.Background(), token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	send(t, citizen, InHeartbeat, nil)
	waitFor(t, citizen, models.ErrorEvent("token_revoked"))

	citizen.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg received
		if err := citizen.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Type == models.EventHeartbeatAck {
			t.Fatalf("revoked connection still served a heartbeat")
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.hub.Stats().Connections != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection still attached after revocation")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
