package operator

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// The upgrader validates origins only when QIKI_ALLOWED_ORIGINS is set; the
// platform normally serves one console on a trusted link.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 64 * 1024
	sendBuffer = 256
)

func buildCheckOrigin() func(r *http.Request) bool {
	allowedRaw := os.Getenv("QIKI_ALLOWED_ORIGINS")
	if allowedRaw == "" {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]bool)
	for _, origin := range strings.Split(allowedRaw, ",") {
		allowed[strings.TrimSpace(origin)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if allowed[origin] {
			return true
		}
		slog.Warn("[OperatorFeed] rejected origin", "origin", origin)
		return false
	}
}

// feedAction is the inbound WS message shape: the console acknowledges and
// clears incidents over the same socket it watches them on.
type feedAction struct {
	Op         string `json:"op"`
	IncidentID string `json:"incident_id"`
}

// ActionSink receives console actions read off feed sockets.
type ActionSink interface {
	ConsoleAction(op, incidentID string) error
}

// Hub fans incident lifecycle events out to connected feed clients. All
// writes to a socket go through its client's writePump; the hub only ever
// touches Send channels.
type Hub struct {
	log     *slog.Logger
	sink    ActionSink
	metrics *Metrics

	mu      sync.Mutex
	clients map[*feedClient]struct{}
}

func NewHub(log *slog.Logger, sink ActionSink, metrics *Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		sink:    sink,
		metrics: metrics,
		clients: make(map[*feedClient]struct{}),
	}
}

// Broadcast enqueues data to every client, shedding to keep pace with the
// slowest screen rather than stalling the incident pipeline.
func (h *Hub) Broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.Send <- data:
		default:
			h.metrics.RecordFeedDrop()
		}
	}
}

// Clients reports the number of connected feed sockets.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll disconnects every client, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*feedClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) register(c *feedClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.RecordFeedClients(n)
}

func (h *Hub) unregister(c *feedClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.RecordFeedClients(n)
}

// HandleWebSocket upgrades the request and starts the client pumps. The
// returned client lets callers attach extra producers to Send; it is nil
// when the upgrade failed.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) *feedClient {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("[OperatorFeed] upgrade failed", "error", err)
		return nil
	}

	c := &feedClient{
		hub:  h,
		conn: conn,
		Send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	h.register(c)
	h.log.Info("[OperatorFeed] client connected", "remote", r.RemoteAddr)

	// writePump owns all writes (data, pings, close frame); readPump owns
	// all reads. Nothing else touches conn.
	go c.writePump()
	go c.readPump()
	return c
}

type feedClient struct {
	hub  *Hub
	conn *websocket.Conn
	Send chan []byte
	done chan struct{}
	once sync.Once
}

// Done closes when the client disconnects.
func (c *feedClient) Done() <-chan struct{} { return c.done }

func (c *feedClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.unregister(c)
		c.conn.Close()
		c.hub.log.Info("[OperatorFeed] client disconnected")
	})
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			// Drain whatever queued while we were writing.
			n := len(c.Send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.Send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *feedClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("[OperatorFeed] read failed", "error", err)
			}
			return
		}

		var action feedAction
		if err := json.Unmarshal(payload, &action); err != nil {
			c.hub.log.Info("[OperatorFeed] dropping malformed action", "error", err)
			continue
		}
		if c.hub.sink == nil {
			continue
		}
		if err := c.hub.sink.ConsoleAction(action.Op, action.IncidentID); err != nil {
			reply, _ := json.Marshal(map[string]any{
				"kind":        "action_rejected",
				"op":          action.Op,
				"incident_id": action.IncidentID,
				"error":       err.Error(),
			})
			select {
			case c.Send <- reply:
			default:
			}
		}
	}
}
