package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/handoffd/internal/clock"
	"github.com/ashureev/handoffd/internal/domain"
	"github.com/ashureev/handoffd/internal/handoff"
	"github.com/ashureev/handoffd/internal/identity"
	"github.com/ashureev/handoffd/internal/query"
	"github.com/go-chi/chi/v5"
)

// Coordinator is the write side the session routes drive.
type Coordinator interface {
	Takeover(ctx context.Context, name string, agent *domain.Agent) (*domain.Session, error)
	Release(ctx context.Context, name string, agent *domain.Agent, reason string) (*domain.Session, error)
	PostManualMessage(ctx context.Context, name string, in handoff.Inbound) (*domain.Message, error)
	Escalate(ctx context.Context, name, reason, details string, severity domain.Severity) (*domain.Session, error)
	Close(ctx context.Context, name string, actor domain.Actor, reason string) (*domain.Session, error)
}

// Querier is the read side the session routes serve.
type Querier interface {
	List(ctx context.Context, f query.Filter, limit, offset int) (*query.Page, error)
	Detail(ctx context.Context, name string) (*query.Detail, error)
}

// apiActor is recorded when a session is closed without agent identity.
var apiActor = domain.Actor{Type: domain.ActorSystem, ID: "api"}

// SessionHandler serves the session endpoints.
type SessionHandler struct {
	coord Coordinator
	query Querier
	clock clock.Clock
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(coord Coordinator, q Querier, clk clock.Clock) *SessionHandler {
	if clk == nil {
		clk = clock.Real()
	}
	return &SessionHandler{coord: coord, query: q, clock: clk}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", h.List)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", h.Detail)
			r.Post("/messages", h.PostMessage)
			r.Post("/takeover", h.Takeover)
			r.Post("/release", h.Release)
			r.Post("/escalate", h.Escalate)
			r.Post("/close", h.Close)
		})
	})
}

func sessionName(r *http.Request) string {
	return chi.URLParam(r, "name")
}

func requireAgent(w http.ResponseWriter, r *http.Request) *domain.Agent {
	agent := identity.AgentFromContext(r.Context())
	if agent == nil {
		Error(w, http.StatusForbidden, "forbidden", "agent identity required")
	}
	return agent
}

// List returns a page of session summaries.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f query.Filter
	for _, raw := range q["status"] {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				f.Statuses = append(f.Statuses, domain.Status(st))
			}
		}
	}
	f.AgentID = q.Get("agent_id")

	limit, ok := intParam(w, q.Get("limit"), "limit")
	if !ok {
		return
	}
	offset, ok := intParam(w, q.Get("offset"), "offset")
	if !ok {
		return
	}

	page, err := h.query.List(r.Context(), f, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, page)
}

func intParam(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid_argument", name+" must be an integer")
		return 0, false
	}
	return n, true
}

// Detail returns a session with its messages and audit trail.
func (h *SessionHandler) Detail(w http.ResponseWriter, r *http.Request) {
	d, err := h.query.Detail(r.Context(), sessionName(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, d)
}

type postMessageRequest struct {
	Role            string              `json:"role"`
	Content         string              `json:"content"`
	User            *domain.UserProfile `json:"user,omitempty"`
	ConversationRef string              `json:"conversation_ref,omitempty"`
}

type postMessageResponse struct {
	ID        string    `json:"id"`
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// PostMessage appends a message. Agent messages need agent identity.
func (h *SessionHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if !decode(w, r, &req) {
		return
	}
	in := handoff.Inbound{
		Role:            domain.Role(req.Role),
		Content:         req.Content,
		User:            req.User,
		ConversationRef: req.ConversationRef,
	}
	if in.Role == domain.RoleAgent {
		if in.Agent = requireAgent(w, r); in.Agent == nil {
			return
		}
	}

	msg, err := h.coord.PostManualMessage(r.Context(), sessionName(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, postMessageResponse{ID: msg.ID, Seq: msg.Seq, Timestamp: msg.Timestamp})
}

type sessionResponse struct {
	Session query.Summary `json:"session"`
}

func (h *SessionHandler) respond(w http.ResponseWriter, sess *domain.Session) {
	JSON(w, http.StatusOK, sessionResponse{Session: query.Summarize(sess, h.clock.Now())})
}

// Takeover assigns the calling agent to a pending session.
func (h *SessionHandler) Takeover(w http.ResponseWriter, r *http.Request) {
	agent := requireAgent(w, r)
	if agent == nil {
		return
	}
	sess, err := h.coord.Takeover(r.Context(), sessionName(r), agent)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.respond(w, sess)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// Release hands the calling agent's session back or closes it.
func (h *SessionHandler) Release(w http.ResponseWriter, r *http.Request) {
	agent := requireAgent(w, r)
	if agent == nil {
		return
	}
	var req reasonRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := h.coord.Release(r.Context(), sessionName(r), agent, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.respond(w, sess)
}

type escalateRequest struct {
	Reason   string `json:"reason"`
	Details  string `json:"details"`
	Severity string `json:"severity"`
}

// Escalate requests a human for the session.
func (h *SessionHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	var req escalateRequest
	if !decode(w, r, &req) {
		return
	}
	sev, err := domain.ParseSeverity(req.Severity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := h.coord.Escalate(r.Context(), sessionName(r), req.Reason, req.Details, sev)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.respond(w, sess)
}

// Close ends the session.
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decode(w, r, &req) {
		return
	}
	actor := apiActor
	if agent := identity.AgentFromContext(r.Context()); agent != nil {
		actor = domain.AgentActor(agent)
	}
	sess, err := h.coord.Close(r.Context(), sessionName(r), actor, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.respond(w, sess)
}
