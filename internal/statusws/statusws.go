// Package statusws exposes a local, read-only websocket event stream of
// discovery, connection, and routing activity (SPEC_FULL.md §11
// "internal/statusws"). It is grounded directly on
// `server/internal/ws/handler.go`: the same upgrade-once,
// per-client-send-channel, background-writer-goroutine shape, trimmed
// down from a full duplex chat protocol to a one-way event tap — this
// package never reads anything meaningful from the client beyond
// detecting disconnect.
package statusws

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeTimeout  = 5 * time.Second
	clientBacklog = 64
)

// Event is one item on the introspection feed.
type Event struct {
	Type string `json:"type"`
	At   int64  `json:"at"`
	Data any    `json:"data,omitempty"`
}

func newEvent(eventType string, data any) Event {
	return Event{Type: eventType, At: time.Now().Unix(), Data: data}
}

// PeerDiscoveredEvent reports a newly discovered mesh peer.
func PeerDiscoveredEvent(nodeID, hostname string) Event {
	return newEvent("peer_discovered", map[string]string{"node_id": nodeID, "hostname": hostname})
}

// PeerRemovedEvent reports a peer that timed out or was explicitly removed.
func PeerRemovedEvent(nodeID string) Event {
	return newEvent("peer_removed", map[string]string{"node_id": nodeID})
}

// ConnectionStateEvent reports a mesh connection's state transition.
func ConnectionStateEvent(nodeID, oldState, newState string) Event {
	return newEvent("connection_state", map[string]string{
		"node_id": nodeID, "old_state": oldState, "new_state": newState,
	})
}

// RouteChangedEvent reports a route CRUD operation.
func RouteChangedEvent(action, ruleID string) Event {
	return newEvent("route_changed", map[string]string{"action": action, "rule_id": ruleID})
}

// client is one subscribed websocket connection's outbound queue.
type client struct {
	send chan Event
}

// Hub fans Broadcast events out to every subscribed client. Grounded on
// the teacher's per-session `session.Send` channel plus `ChannelState`'s
// broadcast-to-all-but-sender loop, simplified here since every
// subscriber receives every event (there is no per-user filtering for a
// read-only admin feed).
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Broadcast delivers an event to every currently subscribed client.
// Slow or dead clients are dropped rather than allowed to block the hub.
func (h *Hub) Broadcast(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- e:
		default:
			slog.Debug("statusws: dropping event for a backlogged client", "type", e.Type)
		}
	}
}

func (h *Hub) subscribe() *client {
	c := &client{send: make(chan Event, clientBacklog)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unsubscribe(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)
}

// ClientCount reports how many subscribers currently hold the feed open.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Handler upgrades HTTP requests to websocket connections on the event feed.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewHandler binds a websocket handler to hub.
func NewHandler(hub *Hub) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the event-feed route on an Echo router, mirroring
// `ws.Handler.Register`.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/events", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and streams events until the
// client disconnects.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("statusws upgrade failed", "remote", c.RealIP(), "err", err)
		return err
	}
	h.serveConn(conn)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn) {
	defer conn.Close()
	sub := h.hub.subscribe()
	defer h.hub.unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e, ok := <-sub.send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(e); err != nil {
				slog.Debug("statusws write error", "err", err)
				return
			}
		case <-done:
			return
		}
	}
}
