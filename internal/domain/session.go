// Package domain contains core domain types for the handoff service.
package domain

import (
	"time"
)

// Status is the lifecycle state of a support session.
type Status string

const (
	StatusBotActive       Status = "bot_active"
	StatusPendingManual   Status = "pending_manual"
	StatusManualLive      Status = "manual_live"
	StatusAfterHoursEmail Status = "after_hours_email"
	StatusClosed          Status = "closed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusBotActive,
	StatusPendingManual,
	StatusManualLive,
	StatusAfterHoursEmail,
	StatusClosed,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusClosed
}

// Escalated reports whether the status carries an escalation record.
func (s Status) Escalated() bool {
	return s == StatusPendingManual || s == StatusAfterHoursEmail
}

// Agent identifies a human support agent. The session only holds a
// back-reference; agent lifecycle is owned by the identity provider.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Same reports whether a and b refer to the same agent identity.
func (a *Agent) Same(b *Agent) bool {
	if a == nil || b == nil {
		return false
	}
	return a.ID == b.ID
}

// UserProfile describes the customer behind a session.
type UserProfile struct {
	Nickname string `json:"nickname,omitempty"`
	VIP      bool   `json:"vip"`
}

// Session is one customer conversation with its handoff state.
type Session struct {
	Name            string       `json:"session_name"`
	Status          Status       `json:"status"`
	User            *UserProfile `json:"user,omitempty"`
	AssignedAgent   *Agent       `json:"assigned_agent"`
	ConversationRef string       `json:"conversation_ref,omitempty"`
	Escalation      *Escalation  `json:"escalation,omitempty"`
	MessageCount    int          `json:"message_count"`
	LastMessageAt   time.Time    `json:"last_message_at"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	Version         int64        `json:"version"`
}

// NewSession returns a bot-controlled session created at now.
func NewSession(name string, now time.Time) *Session {
	return &Session{
		Name:      name,
		Status:    StatusBotActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.User != nil {
		u := *s.User
		c.User = &u
	}
	if s.AssignedAgent != nil {
		a := *s.AssignedAgent
		c.AssignedAgent = &a
	}
	if s.Escalation != nil {
		e := *s.Escalation
		c.Escalation = &e
	}
	return &c
}

// CheckInvariants verifies the assignment and escalation invariants.
func (s *Session) CheckInvariants() error {
	if (s.AssignedAgent != nil) != (s.Status == StatusManualLive) {
		return &InvariantError{Session: s.Name, Status: s.Status, Rule: "assigned agent present iff manual_live"}
	}
	if (s.Escalation != nil) != s.Status.Escalated() {
		return &InvariantError{Session: s.Name, Status: s.Status, Rule: "escalation present iff pending_manual or after_hours_email"}
	}
	return nil
}
