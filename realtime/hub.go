package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"paychat/observability"
	"paychat/storage"
)

// Hub tracks connected clients and fans events out to them.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	logger  *slog.Logger
	metrics *observability.ChatMetrics
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger, metrics *observability.ChatMetrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger.With("component", "realtime"),
		metrics: metrics,
	}
}

// Broadcast sends a message event to every client. Enqueueing happens under the hub
// lock, so all clients observe broadcasts in the same order.
func (h *Hub) Broadcast(msg storage.Message) {
	data, err := encode(EventMessage, "", msg)
	if err != nil {
		h.logger.Error("encode broadcast", "message_id", msg.ID, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.enqueueLocked(c, data)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetClients(n)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetClients(n)
}

// send delivers data to one client.
func (h *Hub) send(c *client, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		h.enqueueLocked(c, data)
	}
}

// enqueueLocked never blocks. A client whose queue is full is disconnected.
func (h *Hub) enqueueLocked(c *client, data []byte) {
	select {
	case c.queue <- data:
		h.metrics.RecordDelivery(false)
	default:
		h.metrics.RecordDelivery(true)
		h.logger.Warn("dropping slow realtime client", "client", c.id)
		delete(h.clients, c)
		go c.close(websocket.StatusPolicyViolation, "client too slow")
	}
}

type client struct {
	id      uuid.UUID
	conn    *websocket.Conn
	queue   chan []byte
	limiter *rate.Limiter
	done    chan struct{}
	once    sync.Once
}

func newClient(conn *websocket.Conn, buffer int, limiter *rate.Limiter) *client {
	return &client{
		id:      uuid.New(),
		conn:    conn,
		queue:   make(chan []byte, buffer),
		limiter: limiter,
		done:    make(chan struct{}),
	}
}

// writeLoop is the only writer on the connection.
func (c *client) writeLoop(timeout time.Duration) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.queue:
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close(code, reason)
	})
}
