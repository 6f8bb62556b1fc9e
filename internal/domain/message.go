package domain

import (
	"fmt"
	"time"
)

// Role tags who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleAgent     Role = "agent"
	RoleSystem    Role = "system"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleUser, RoleAssistant, RoleAgent, RoleSystem:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, s)
	}
}

// Message is one entry in a session's append-only message log.
// Agent is set exactly when Role is RoleAgent.
type Message struct {
	ID        string    `json:"id"`
	Session   string    `json:"-"`
	Seq       int       `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Agent     *Agent    `json:"agent,omitempty"`
}

// Validate checks the role/agent pairing.
func (m *Message) Validate() error {
	if _, err := ParseRole(string(m.Role)); err != nil {
		return err
	}
	if m.Content == "" {
		return fmt.Errorf("%w: message content is empty", ErrInvalidArgument)
	}
	if (m.Role == RoleAgent) != (m.Agent != nil) {
		return fmt.Errorf("%w: agent identity must be set exactly for agent messages", ErrInvalidArgument)
	}
	return nil
}
