package realtime

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket timeout constants following Gorilla best practices
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 4096

	// Outbound buffer per connection; slow consumers past this are dropped
	sendBuffer = 64
)

// Envelope is the wire frame pushed to subscriber connections.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Room identifies the connection group of one subscriber in one environment.
func Room(environmentID, subscriberID string) string {
	return environmentID + ":" + subscriberID
}

// Hub is the connection registry: it tracks live subscriber sockets per room
// and delivers events to every connection in a room.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[*connection]struct{}
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect cross-origin from embedded inboxes.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
		rooms:  make(map[string]map[*connection]struct{}),
	}
}

// IsConnected reports whether the room has at least one live socket.
func (h *Hub) IsConnected(room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room]) > 0
}

// Send delivers one event to every connection in the room. Connections whose
// outbound buffer is full are skipped; the badge state self-corrects on the
// next event.
func (h *Hub) Send(room, event string, payload interface{}) error {
	h.mu.RLock()
	conns := make([]*connection, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return fmt.Errorf("no live connection for room %s", room)
	}

	envelope := &Envelope{Event: event, Data: payload}
	for _, c := range conns {
		select {
		case c.send <- envelope:
		default:
			h.logger.Warn("Dropping event for slow connection",
				slog.String("room", room),
				slog.String("event", event),
			)
		}
	}

	return nil
}

// Serve upgrades an HTTP request into a room connection and pumps it until
// the peer goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, room string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	c := &connection{
		hub:  h,
		conn: conn,
		room: room,
		send: make(chan *Envelope, sendBuffer),
	}

	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*connection]struct{})
	}
	h.rooms[room][c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("Subscriber connected",
		slog.String("room", room),
	)

	go c.writePump()
	go c.readPump()

	return nil
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	if conns, ok := h.rooms[c.room]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, c.room)
		}
	}
	h.mu.Unlock()

	h.logger.Debug("Subscriber disconnected",
		slog.String("room", c.room),
	)
}

// connection is one subscriber websocket.
type connection struct {
	hub       *Hub
	conn      *websocket.Conn
	room      string
	send      chan *Envelope
	closeOnce sync.Once
}

// readPump consumes inbound frames. Clients only ever send pings; the pump
// exists to notice disconnects and keep the read deadline fresh.
func (c *connection) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.hub.logger.Warn("WebSocket read error",
					slog.String("room", c.room),
					slog.Any("error", err),
				)
			}
			return
		}
	}
}

// writePump writes queued envelopes and keepalive pings to the socket.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case envelope, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(envelope); err != nil {
				c.hub.logger.Warn("WebSocket write error",
					slog.String("room", c.room),
					slog.Any("error", err),
				)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.hub.unregister(c)
		c.conn.Close()
	})
}
