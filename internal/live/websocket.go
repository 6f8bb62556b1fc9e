package live

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/handoffd/internal/identity"
	"github.com/ashureev/handoffd/internal/shared"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const writeTimeout = 10 * time.Second

// inbound is a control message from a dashboard.
type inbound struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
}

// Handler upgrades agent dashboards to the live event feed.
type Handler struct {
	hub            *Hub
	allowedOrigins []string
	isDev          bool
}

// NewHandler creates the feed handler.
func NewHandler(hub *Hub, allowedOrigins []string, isDev bool) *Handler {
	return &Handler{hub: hub, allowedOrigins: allowedOrigins, isDev: isDev}
}

// ServeHTTP implements http.Handler for WebSocket upgrade. An optional
// ?session= query follows a single session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agent := identity.AgentFromContext(r.Context())
	if agent == nil {
		shared.WriteJSONError(w, http.StatusForbidden, "forbidden", "agent identity required")
		return
	}
	if !h.checkOrigin(r) {
		shared.WriteJSONError(w, http.StatusForbidden, "forbidden", "origin not allowed")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "agent_id", agent.ID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "agent_id", agent.ID)
		}
	}()

	c := NewClient(agent.ID, r.URL.Query().Get("session"))
	h.hub.Register(c)
	defer h.hub.Unregister(c)
	slog.Info("Dashboard connected", "agent_id", agent.ID, "session", c.Filter(), "remote_ip", identity.IPFromRequest(r))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c.enqueue(Frame{Type: "hello", AgentID: agent.ID, Session: c.Filter()})

	go func() {
		defer cancel()
		h.readLoop(ctx, ws, c)
	}()
	h.writeLoop(ctx, ws, c)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins, "remote_ip", identity.IPFromRequest(r))
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, c *Client) {
	for {
		var msg inbound
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed by client", "agent_id", c.AgentID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "agent_id", c.AgentID)
			}
			return
		}

		switch msg.Type {
		case "ping":
			c.enqueue(Frame{Type: "pong"})
		case "subscribe":
			c.SetFilter(msg.Session)
			c.enqueue(Frame{Type: "subscribed", Session: msg.Session})
		default:
			slog.Debug("Ignoring unknown dashboard message", "type", msg.Type, "agent_id", c.AgentID)
		}
	}
}

func (h *Handler) writeLoop(ctx context.Context, ws *websocket.Conn, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.Frames():
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, ws, f)
			cancel()
			if err != nil {
				slog.Debug("WebSocket write error", "error", err, "agent_id", c.AgentID)
				return
			}
		}
	}
}
