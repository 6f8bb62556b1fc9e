// Package identity carries the agent identity asserted by the upstream auth
// proxy through request contexts.
package identity

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/handoffd/internal/domain"
	"github.com/ashureev/handoffd/internal/shared"
)

const (
	AgentIDHeader   = "X-Agent-ID"
	AgentNameHeader = "X-Agent-Name"
	maxAgentName    = 128
)

type contextKey int

const agentKey contextKey = iota

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)

// AgentFromContext returns the acting agent, or nil for anonymous callers.
func AgentFromContext(ctx context.Context) *domain.Agent {
	if v, ok := ctx.Value(agentKey).(*domain.Agent); ok {
		return v
	}
	return nil
}

// WithAgent returns a context carrying agent.
func WithAgent(ctx context.Context, agent *domain.Agent) context.Context {
	return context.WithValue(ctx, agentKey, agent)
}

// AgentFromRequest reads the identity headers. No X-Agent-ID means an
// anonymous caller and returns nil without error.
func AgentFromRequest(r *http.Request) (*domain.Agent, error) {
	id := strings.TrimSpace(r.Header.Get(AgentIDHeader))
	if id == "" {
		return nil, nil
	}
	if !agentIDPattern.MatchString(id) {
		return nil, fmt.Errorf("%w: malformed %s header", domain.ErrInvalidArgument, AgentIDHeader)
	}
	name := strings.TrimSpace(r.Header.Get(AgentNameHeader))
	if !utf8.ValidString(name) || utf8.RuneCountInString(name) > maxAgentName {
		return nil, fmt.Errorf("%w: malformed %s header", domain.ErrInvalidArgument, AgentNameHeader)
	}
	if name == "" {
		name = id
	}
	return &domain.Agent{ID: id, Name: name}, nil
}

// Middleware injects the asserted agent identity. Requests with malformed
// identity headers are rejected.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent, err := AgentFromRequest(r)
		if err != nil {
			shared.WriteJSONError(w, http.StatusBadRequest, "invalid_argument", "malformed agent identity")
			return
		}
		if agent != nil {
			r = r.WithContext(WithAgent(r.Context(), agent))
		}
		next.ServeHTTP(w, r)
	})
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
