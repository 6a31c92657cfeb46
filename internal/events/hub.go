package events

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fleet-plex/internal/executor"
	"fleet-plex/internal/logging"
	"fleet-plex/internal/model"
)

const (
	maxWSConnections = 200
	sendBuffer       = 256
	writeWait        = 5 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	conn        *websocket.Conn
	send        chan []byte
	executionID string
}

// Hub streams execution events to websocket clients. Clients may narrow the
// stream to one execution with ?execution=<id>. Slow clients are dropped.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  *logging.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Hub{clients: make(map[*client]struct{}), logger: logger}
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	full := len(h.clients) >= maxWSConnections
	h.mu.RUnlock()
	if full {
		http.Error(w, "too many websocket clients", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		executionID: r.URL.Query().Get("execution"),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("websocket client registered", "clients", count, "execution_id", c.executionID)

	go h.writePump(c)
	go h.readPump(c)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) readPump(c *client) {
	defer h.unregister(c)
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", "error", err.Error())
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) broadcast(e Event) {
	msg, err := e.encode()
	if err != nil {
		h.logger.Error("failed to encode event", "error", err.Error())
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.executionID != "" && c.executionID != e.ExecutionID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("websocket client too slow, disconnected")
		}
	}
}

// OnHostStart implements executor.StartListener
func (h *Hub) OnHostStart(executionID string, conn model.ServerConnection) {
	h.broadcast(hostStartEvent(executionID, conn))
}

// OnProgress implements executor.Listener
func (h *Hub) OnProgress(executionID, connectionID string, result model.CommandResult) {
	h.broadcast(progressEvent(executionID, connectionID, result))
}

// OnComplete implements executor.Listener
func (h *Hub) OnComplete(executionID string, summary executor.Summary) {
	h.broadcast(completeEvent(executionID, summary))
}
