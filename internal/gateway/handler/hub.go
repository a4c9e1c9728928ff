package handler

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hayes/lecturesync/pkg/metrics"
)

const writeWait = 10 * time.Second

// Conn is one capture-client connection. Writes are serialised because
// gorilla/websocket allows a single concurrent writer.
type Conn struct {
	ID     string
	Remote string
	ws     *websocket.Conn
	mu     sync.Mutex
}

// WriteJSON sends v as one text frame.
func (c *Conn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *Conn) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.ws.Close()
}

// Hub owns the set of open connections.
type Hub struct {
	mu      sync.RWMutex
	conns   map[string]*Conn
	metrics *metrics.Metrics
}

// NewHub creates an empty hub. m may be nil.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		conns:   make(map[string]*Conn),
		metrics: m,
	}
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID] = c
	n := len(h.conns)
	h.mu.Unlock()
	h.setGauge(n)
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.ID)
	n := len(h.conns)
	h.mu.Unlock()
	h.setGauge(n)
}

func (h *Hub) setGauge(n int) {
	if h.metrics != nil {
		h.metrics.WSConnectionsActive.Set(float64(n))
	}
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll sends a going-away close frame to every connection. Their read
// loops then exit and remove them from the hub.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}
