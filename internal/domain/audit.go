package domain

import (
	"fmt"
	"time"
)

// AuditVersion is the schema version stamped on every audit entry.
const AuditVersion = 1

// AuditKind tags an audit entry. The set is closed; consumers can switch
// over it exhaustively.
type AuditKind string

const (
	AuditSessionCreated     AuditKind = "session_created"
	AuditEscalationRaised   AuditKind = "escalation_raised"
	AuditEscalationUpdated  AuditKind = "escalation_updated"
	AuditEscalationExpired  AuditKind = "escalation_expired"
	AuditAfterHoursDeferred AuditKind = "after_hours_deferred"
	AuditAgentTakeover      AuditKind = "agent_takeover"
	AuditAgentRelease       AuditKind = "agent_release"
	AuditAgentMessage       AuditKind = "agent_message"
	AuditSessionClosed      AuditKind = "session_closed"
)

// AuditKinds lists every known kind.
var AuditKinds = []AuditKind{
	AuditSessionCreated,
	AuditEscalationRaised,
	AuditEscalationUpdated,
	AuditEscalationExpired,
	AuditAfterHoursDeferred,
	AuditAgentTakeover,
	AuditAgentRelease,
	AuditAgentMessage,
	AuditSessionClosed,
}

// Valid reports whether k is a known kind.
func (k AuditKind) Valid() bool {
	for _, known := range AuditKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ActorType says what kind of principal caused an audited change.
type ActorType string

const (
	ActorSystem ActorType = "system"
	ActorUser   ActorType = "user"
	ActorBot    ActorType = "bot"
	ActorAgent  ActorType = "agent"
)

// Actor identifies who caused an audited change.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id,omitempty"`
	Name string    `json:"name,omitempty"`
}

// SystemActor is the actor for timers, sweeps and detector decisions.
var SystemActor = Actor{Type: ActorSystem, ID: "handoffd"}

// AgentActor converts an agent reference into an audit actor.
func AgentActor(a *Agent) Actor {
	if a == nil {
		return SystemActor
	}
	return Actor{Type: ActorAgent, ID: a.ID, Name: a.Name}
}

// AuditEntry is an immutable record of one transition or agent action.
type AuditEntry struct {
	ID       string    `json:"id"`
	Version  int       `json:"version"`
	Session  string    `json:"session_name"`
	Kind     AuditKind `json:"kind"`
	Actor    Actor     `json:"actor"`
	At       time.Time `json:"at"`
	From     Status    `json:"from"`
	To       Status    `json:"to"`
	Reason   string    `json:"reason,omitempty"`
	Severity Severity  `json:"severity,omitempty"`
}

// Validate checks the entry before it is written.
func (e *AuditEntry) Validate() error {
	if e.Session == "" {
		return fmt.Errorf("%w: audit entry has no session", ErrInvalidArgument)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown audit kind %q", ErrInvalidArgument, e.Kind)
	}
	if !e.From.Valid() || !e.To.Valid() {
		return fmt.Errorf("%w: audit entry has invalid status %q -> %q", ErrInvalidArgument, e.From, e.To)
	}
	return nil
}
