package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/iot-sensors/dashboard"
	"github.com/mjasion/balena-home/iot-sensors/notify"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 12
	sendBuffer = 16
)

// Envelope is the frame exchanged over the live update socket
type Envelope struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Event string `json:"event,omitempty"`
	Error string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsClient struct {
	conn *websocket.Conn
	send chan Envelope
}

// Hub fans dashboard views and notifications out to every connected socket
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
	logger  *zap.Logger
}

// NewHub creates an empty hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{clients: make(map[*wsClient]struct{}), logger: logger.Named("ws")}
}

// PublishView broadcasts a dashboard view; register it with Dashboard.OnUpdate
func (h *Hub) PublishView(v dashboard.View) {
	h.broadcast(Envelope{Type: "dashboard", Data: v})
}

// Notify implements notify.Notifier
func (h *Hub) Notify(_ context.Context, n notify.Notification) error {
	h.broadcast(Envelope{Type: "notification", Data: n})
	return nil
}

// Clients returns the number of connected sockets
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every socket
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) broadcast(env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- env:
		default:
			h.logger.Warn("dropping message for slow client", zap.String("type", env.Type))
		}
	}
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeWS upgrades the request, sends the current view and then streams
// updates. Clients may send {"type":"lifecycle","event":"hidden"} frames to
// drive the poller the way the page lifecycle endpoints do.
func (h *Hub) ServeWS(d Dashboard, lifecycle Lifecycle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("ws upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		conn.SetReadLimit(maxMsgSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		c := &wsClient{conn: conn, send: make(chan Envelope, sendBuffer)}
		if view, loaded := d.Snapshot(); loaded {
			c.send <- Envelope{Type: "dashboard", Data: view}
		}
		if !h.register(c) {
			return
		}

		done := make(chan struct{})
		go h.read(c, lifecycle, done)
		h.write(r.Context(), c, done)
		h.unregister(c)
	}
}

// read handles inbound frames until the peer goes away
func (h *Hub) read(c *wsClient, lifecycle Lifecycle, done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			h.logger.Debug("ws read closed", zap.Error(err))
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type != "lifecycle" {
			continue
		}
		if lifecycle == nil || !applyLifecycle(lifecycle, env.Event) {
			h.logger.Debug("ignoring lifecycle frame", zap.String("event", env.Event))
		}
	}
}

func (h *Hub) write(ctx context.Context, c *wsClient, done <-chan struct{}) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case env, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				h.logger.Debug("ws write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debug("ws ping failed", zap.Error(err))
				return
			}
		}
	}
}
