// Package live streams session events to connected agent dashboards over
// WebSocket.
package live

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ashureev/handoffd/internal/domain"
)

// clientBuffer is how many frames may queue for one dashboard before new
// events are dropped for it.
const clientBuffer = 32

// Frame is one JSON message sent to a dashboard.
type Frame struct {
	Type    string               `json:"type"`
	AgentID string               `json:"agent_id,omitempty"`
	Session string               `json:"session,omitempty"`
	Event   *domain.SessionEvent `json:"event,omitempty"`
}

// Client is one dashboard connection.
type Client struct {
	AgentID string
	send    chan Frame

	mu     sync.Mutex
	filter string
}

// NewClient creates a client following one session, or all when session is
// empty.
func NewClient(agentID, session string) *Client {
	return &Client{AgentID: agentID, send: make(chan Frame, clientBuffer), filter: session}
}

// SetFilter restricts the client to one session; empty follows all.
func (c *Client) SetFilter(session string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter = session
}

// Filter returns the followed session, empty for all.
func (c *Client) Filter() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter
}

func (c *Client) wants(ev domain.SessionEvent) bool {
	f := c.Filter()
	return f == "" || (ev.Session != nil && ev.Session.Name == f)
}

// enqueue queues f without blocking and reports whether it fit.
func (c *Client) enqueue(f Frame) bool {
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// Frames is the client's outbound queue.
func (c *Client) Frames() <-chan Frame {
	return c.send
}

// Hub tracks dashboard connections per agent.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[*Client]struct{}
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{active: make(map[string]map[*Client]struct{}), logger: logger}
}

// Register adds a dashboard connection.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.active[c.AgentID]; !ok {
		h.active[c.AgentID] = make(map[*Client]struct{})
	}
	h.active[c.AgentID][c] = struct{}{}
	h.logger.Info("dashboard connected", "agent_id", c.AgentID, "session", c.Filter())
}

// Unregister removes a dashboard connection.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.active[c.AgentID]; ok {
		if _, exists := clients[c]; exists {
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.active, c.AgentID)
			}
			h.logger.Info("dashboard disconnected", "agent_id", c.AgentID)
		}
	}
}

// Count returns the number of connected dashboards.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.active {
		n += len(clients)
	}
	return n
}

// Broadcast queues ev for every interested dashboard.
func (h *Hub) Broadcast(ev domain.SessionEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for agentID, clients := range h.active {
		for c := range clients {
			if !c.wants(ev) {
				continue
			}
			e := ev
			if !c.enqueue(Frame{Type: "event", Event: &e}) {
				h.logger.Warn("dashboard behind, dropping event", "agent_id", agentID, "kind", ev.Kind)
			}
		}
	}
}

// Run broadcasts events until the channel closes or ctx is cancelled.
func (h *Hub) Run(ctx context.Context, events <-chan domain.SessionEvent) error {
	h.logger.Info("live hub started")
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("live hub shutting down", "reason", ctx.Err())
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			h.Broadcast(ev)
		}
	}
}
