// Package hub re-publishes fleet observer callbacks to websocket clients as
// JSON events.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/amr-fleet/internal/logging"
	"github.com/signalsfoundry/amr-fleet/model"
)

// Event types.
const (
	EventSnapshot = "snapshot"
	EventUnit     = "unit"
	EventLink     = "link"
	EventOutcome  = "outcome"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// Event is one websocket message.
type Event struct {
	Type    string            `json:"type"`
	Units   []model.UnitState `json:"units,omitempty"`
	Unit    *model.UnitState  `json:"unit,omitempty"`
	Link    *LinkEvent        `json:"link,omitempty"`
	Outcome *model.Outcome    `json:"outcome,omitempty"`
}

// LinkEvent reports the current link; UnitID is empty after a detach.
type LinkEvent struct {
	UnitID string `json:"unit_id,omitempty"`
	Linked bool   `json:"linked"`
}

// Metrics receives the connected client count.
type Metrics interface {
	SetWebsocketClients(n int)
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to every connected client. Publishing never blocks: a
// client whose buffer is full is disconnected.
type Hub struct {
	log      logging.Logger
	snapshot func() []model.UnitState
	metrics  Metrics
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// New creates a hub. snapshot, if set, provides the units sent to each new
// client before any live event. It runs with the hub locked and must not
// publish.
func New(log logging.Logger, snapshot func() []model.UnitState, metrics Metrics) *Hub {
	if log == nil {
		log = logging.Noop()
	}
	return &Hub{
		log:      log,
		snapshot: snapshot,
		metrics:  metrics,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:  make(map[*client]struct{}),
	}
}

// PublishUnit matches the registry's onUnitChanged callback.
func (h *Hub) PublishUnit(u model.UnitState) {
	h.broadcast(Event{Type: EventUnit, Unit: &u})
}

// PublishLink matches the link manager's onLinkChanged callback.
func (h *Hub) PublishLink(unitID string, linked bool) {
	h.broadcast(Event{Type: EventLink, Link: &LinkEvent{UnitID: unitID, Linked: linked}})
}

// PublishOutcome matches the dispatcher's outcome callback.
func (h *Hub) PublishOutcome(o model.Outcome) {
	h.broadcast(Event{Type: EventOutcome, Outcome: &o})
}

func (h *Hub) broadcast(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.log.Error(context.Background(), "hub event encode failed", logging.Err(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn(context.Background(), "dropping slow websocket client",
				logging.String("remote", c.conn.RemoteAddr().String()),
			)
			h.removeLocked(c)
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client goes
// away or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	// The snapshot is queued while registration holds mu, so every update
	// published after it was taken follows it on the same connection.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	if h.snapshot != nil {
		msg, err := json.Marshal(Event{Type: EventSnapshot, Units: h.snapshot()})
		if err != nil {
			h.log.Error(r.Context(), "hub snapshot encode failed", logging.Err(err))
		} else {
			c.send <- msg
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.setClients(n)
	h.log.Debug(r.Context(), "websocket client connected", logging.String("remote", conn.RemoteAddr().String()))

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.remove(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// readLoop discards inbound messages and detects disconnects.
func (h *Hub) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.setClients(len(h.clients))
}

func (h *Hub) setClients(n int) {
	if h.metrics != nil {
		h.metrics.SetWebsocketClients(n)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}
