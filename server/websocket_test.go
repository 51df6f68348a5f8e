package server

import (
	"context"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/iot-sensors/dashboard"
	"github.com/mjasion/balena-home/iot-sensors/notify"
)

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	u, _ := url.Parse(srv.URL)
	u.Scheme = "ws"
	u.Path = "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return env
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", n, hub.Clients())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocket_InitialViewAndBroadcast(t *testing.T) {
	hub := NewHub(zap.NewNop())
	d := &stubDashboard{view: dashboard.View{State: dashboard.StateOnline}, loaded: true}
	s := New(Deps{Dashboard: d, Hub: hub}, Options{}, zap.NewNop())

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn := dialWS(t, srv)
	if env := readEnvelope(t, conn); env.Type != "dashboard" {
		t.Fatalf("Expected initial dashboard frame, got %q", env.Type)
	}
	waitClients(t, hub, 1)

	hub.PublishView(dashboard.View{State: dashboard.StateOffline})
	env := readEnvelope(t, conn)
	data, _ := env.Data.(map[string]any)
	if env.Type != "dashboard" || data["state"] != "offline" {
		t.Errorf("Expected offline dashboard frame, got %+v", env)
	}

	if err := hub.Notify(context.Background(), notify.New(notify.LevelError, "Impossible de se connecter à l'API")); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	env = readEnvelope(t, conn)
	data, _ = env.Data.(map[string]any)
	if env.Type != "notification" || data["level"] != "error" {
		t.Errorf("Expected error notification frame, got %+v", env)
	}
}

func TestWebSocket_LifecycleFrames(t *testing.T) {
	hub := NewHub(zap.NewNop())
	l := &stubLifecycle{}
	s := New(Deps{Dashboard: &stubDashboard{}, Lifecycle: l, Hub: hub}, Options{}, zap.NewNop())

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn := dialWS(t, srv)
	waitClients(t, hub, 1)

	for _, event := range []string{"hidden", "bogus", "visible"} {
		if err := conn.WriteJSON(Envelope{Type: "lifecycle", Event: event}); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(l.Events()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected 2 lifecycle events, got %v", l.Events())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := l.Events(); got[0] != "hidden" || got[1] != "visible" {
		t.Errorf("Unexpected events: %v", got)
	}
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	hub := NewHub(zap.NewNop())
	s := New(Deps{Dashboard: &stubDashboard{}, Hub: hub}, Options{}, zap.NewNop())

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn := dialWS(t, srv)
	waitClients(t, hub, 1)

	hub.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("Expected going away close, got %v", err)
	}
	if hub.Clients() != 0 {
		t.Errorf("Expected no clients, got %d", hub.Clients())
	}
}
