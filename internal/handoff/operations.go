package handoff

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/handoffd/internal/domain"
	"github.com/ashureev/handoffd/internal/escalation"
)

// ReasonResolved closes the session on release; any other reason hands it
// back to the bot.
const ReasonResolved = "resolved"

// Reasons the service writes on its own behalf.
const (
	ReasonTimeout = "takeover_timeout"
	ReasonIdle    = "idle_timeout"
)

// Inbound is a message posted to a session.
type Inbound struct {
	Role    domain.Role
	Content string

	// Agent is the acting agent; required for RoleAgent.
	Agent *domain.Agent

	// User and ConversationRef update the session record when set.
	User            *domain.UserProfile
	ConversationRef string
}

func validAgent(a *domain.Agent) error {
	if a == nil || strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: agent identity is required", domain.ErrInvalidArgument)
	}
	return nil
}

// Takeover assigns agent to a session waiting for a human. Exactly one of
// several concurrent callers wins; the rest get ErrConflict.
func (c *Coordinator) Takeover(ctx context.Context, name string, agent *domain.Agent) (*domain.Session, error) {
	if err := validAgent(agent); err != nil {
		return nil, err
	}
	ch, err := c.apply(ctx, name, false, func(ch *change) error {
		s := ch.sess
		if s.AssignedAgent != nil {
			return fmt.Errorf("%w: session %q already taken by another agent", domain.ErrConflict, name)
		}
		if s.Status != domain.StatusPendingManual {
			return fmt.Errorf("%w: session %q is %s, not waiting for an agent", domain.ErrConflict, name, s.Status)
		}
		esc := s.Escalation
		a := *agent
		s.Status = domain.StatusManualLive
		s.AssignedAgent = &a
		s.Escalation = nil
		ch.record(domain.AuditAgentTakeover, domain.AgentActor(agent), esc.Reason, esc.Severity)
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("agent took over session", "session", name, "agent_id", agent.ID)
	return ch.sess.Clone(), nil
}

// Release hands a live session back. A "resolved" reason closes it.
func (c *Coordinator) Release(ctx context.Context, name string, agent *domain.Agent, reason string) (*domain.Session, error) {
	if err := validAgent(agent); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	ch, err := c.apply(ctx, name, false, func(ch *change) error {
		s := ch.sess
		if s.Status != domain.StatusManualLive {
			return fmt.Errorf("%w: session %q is %s, not live", domain.ErrInvalidState, name, s.Status)
		}
		if !s.AssignedAgent.Same(agent) {
			return fmt.Errorf("%w: session %q is assigned to another agent", domain.ErrForbidden, name)
		}
		if reason == "" {
			return fmt.Errorf("%w: release reason is required", domain.ErrInvalidArgument)
		}
		actor := domain.AgentActor(s.AssignedAgent)
		s.AssignedAgent = nil
		s.Status = domain.StatusBotActive
		if reason == ReasonResolved {
			s.Status = domain.StatusClosed
		}
		ch.record(domain.AuditAgentRelease, actor, reason, "")
		if s.Status == domain.StatusClosed {
			ch.record(domain.AuditSessionClosed, actor, reason, "")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("agent released session", "session", name, "agent_id", agent.ID, "reason", reason, "status", ch.sess.Status)
	return ch.sess.Clone(), nil
}

// PostManualMessage appends a message to the session log. A first user
// message creates the session, and user messages on a bot-handled session
// run through the escalation detector.
func (c *Coordinator) PostManualMessage(ctx context.Context, name string, in Inbound) (*domain.Message, error) {
	role, err := domain.ParseRole(string(in.Role))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, fmt.Errorf("%w: message content is empty", domain.ErrInvalidArgument)
	}
	if role == domain.RoleAgent {
		if err := validAgent(in.Agent); err != nil {
			return nil, err
		}
	}

	var msg *domain.Message
	ch, err := c.apply(ctx, name, role == domain.RoleUser, func(ch *change) error {
		s := ch.sess
		if s.Status.Terminal() {
			return fmt.Errorf("%w: session %q is closed", domain.ErrInvalidState, name)
		}

		var agent *domain.Agent
		switch role {
		case domain.RoleAgent:
			if s.Status != domain.StatusManualLive {
				return fmt.Errorf("%w: session %q is %s, agents may only post while live", domain.ErrInvalidState, name, s.Status)
			}
			if !s.AssignedAgent.Same(in.Agent) {
				return fmt.Errorf("%w: agent %q is not assigned to session %q", domain.ErrInvalidState, in.Agent.ID, name)
			}
			agent = s.AssignedAgent
		case domain.RoleAssistant:
			if s.Status == domain.StatusManualLive {
				return fmt.Errorf("%w: session %q is under manual control", domain.ErrInvalidState, name)
			}
		}

		if in.ConversationRef != "" && role != domain.RoleAgent {
			s.ConversationRef = in.ConversationRef
		}
		if in.User != nil && role == domain.RoleUser {
			u := *in.User
			s.User = &u
		}
		if ch.created {
			ch.record(domain.AuditSessionCreated, domain.Actor{Type: domain.ActorUser, Name: userNickname(s)}, "", "")
		}

		m, err := ch.appendMessage(role, in.Content, agent)
		if err != nil {
			return err
		}
		msg = m

		switch role {
		case domain.RoleAgent:
			ch.record(domain.AuditAgentMessage, domain.AgentActor(agent), "", "")
		case domain.RoleUser:
			if s.Status != domain.StatusBotActive {
				return nil
			}
			det := c.rules.Current()
			dec := det.Evaluate(escalation.Signal{Content: in.Content, VIP: s.User != nil && s.User.VIP, At: ch.now})
			if dec.Escalate() {
				return c.raise(ch, det, dec.Reason, dec.Details, dec.Severity, domain.SystemActor)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ch.sess.Status != ch.from {
		c.logger.Info("message triggered escalation", "session", name, "status", ch.sess.Status)
	}
	return msg, nil
}

func userNickname(s *domain.Session) string {
	if s.User == nil {
		return ""
	}
	return s.User.Nickname
}

// Escalate asks for a human. Outside business hours the session is parked
// for email follow-up instead. Repeating an escalation merges into the
// pending record.
func (c *Coordinator) Escalate(ctx context.Context, name, reason, details string, severity domain.Severity) (*domain.Session, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: escalation reason is required", domain.ErrInvalidArgument)
	}
	if severity.Rank() == 0 {
		return nil, fmt.Errorf("%w: unknown severity %q", domain.ErrInvalidArgument, severity)
	}
	ch, err := c.apply(ctx, name, false, func(ch *change) error {
		return c.raise(ch, c.rules.Current(), reason, details, severity, domain.SystemActor)
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("session escalated", "session", name, "reason", reason, "severity", severity, "status", ch.sess.Status)
	return ch.sess.Clone(), nil
}

// raise applies an escalation trigger to the session in ch.
func (c *Coordinator) raise(ch *change, det *escalation.Detector, reason, details string, severity domain.Severity, actor domain.Actor) error {
	s := ch.sess
	switch s.Status {
	case domain.StatusBotActive:
		s.Escalation = &domain.Escalation{
			Reason:      reason,
			Details:     details,
			Severity:    severity,
			TriggeredAt: ch.now,
			UpdatedAt:   ch.now,
		}
		if det.Route(reason, severity, ch.now).Action == escalation.ActionEscalateLive {
			s.Status = domain.StatusPendingManual
			ch.record(domain.AuditEscalationRaised, actor, reason, severity)
		} else {
			s.Status = domain.StatusAfterHoursEmail
			ch.record(domain.AuditAfterHoursDeferred, actor, reason, severity)
		}
		return nil

	case domain.StatusPendingManual:
		s.Escalation.Merge(reason, details, severity, ch.now)
		ch.record(domain.AuditEscalationUpdated, actor, reason, s.Escalation.Severity)
		return nil

	case domain.StatusAfterHoursEmail:
		s.Escalation.Merge(reason, details, severity, ch.now)
		if det.Open(ch.now) {
			// The takeover window starts when agents can first see it.
			s.Escalation.TriggeredAt = ch.now
			s.Status = domain.StatusPendingManual
			ch.record(domain.AuditEscalationRaised, actor, reason, s.Escalation.Severity)
		} else {
			ch.record(domain.AuditEscalationUpdated, actor, reason, s.Escalation.Severity)
		}
		return nil

	default:
		return fmt.Errorf("%w: session %q is %s and cannot be escalated", domain.ErrInvalidState, s.Name, s.Status)
	}
}

// Close ends a session from any non-terminal status.
func (c *Coordinator) Close(ctx context.Context, name string, actor domain.Actor, reason string) (*domain.Session, error) {
	ch, err := c.apply(ctx, name, false, func(ch *change) error {
		return closeSession(ch, actor, reason)
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("session closed", "session", name, "actor", actor.Type, "reason", reason)
	return ch.sess.Clone(), nil
}

func closeSession(ch *change, actor domain.Actor, reason string) error {
	s := ch.sess
	if s.Status.Terminal() {
		return fmt.Errorf("%w: session %q is already closed", domain.ErrInvalidState, s.Name)
	}
	s.Status = domain.StatusClosed
	s.AssignedAgent = nil
	s.Escalation = nil
	ch.record(domain.AuditSessionClosed, actor, reason, "")
	return nil
}

// ExpireEscalation returns a pending session to the bot if the escalation
// triggered at triggeredAt is still waiting. Anything else is a no-op and
// reports false.
func (c *Coordinator) ExpireEscalation(ctx context.Context, name string, triggeredAt time.Time) (bool, error) {
	ch, err := c.apply(ctx, name, false, func(ch *change) error {
		s := ch.sess
		if s.Status != domain.StatusPendingManual || s.Escalation == nil || !s.Escalation.TriggeredAt.Equal(triggeredAt) {
			return nil
		}
		sev := s.Escalation.Severity
		s.Status = domain.StatusBotActive
		s.Escalation = nil
		ch.record(domain.AuditEscalationExpired, domain.SystemActor, ReasonTimeout, sev)
		return nil
	})
	if err != nil {
		return false, err
	}
	if ch.dirty {
		c.logger.Info("escalation expired without takeover", "session", name, "triggered_at", triggeredAt)
	}
	return ch.dirty, nil
}

// CloseIfIdle closes a bot-handled session that has not changed since
// before cutoff. It reports whether the session was closed.
func (c *Coordinator) CloseIfIdle(ctx context.Context, name string, cutoff time.Time) (bool, error) {
	ch, err := c.apply(ctx, name, false, func(ch *change) error {
		s := ch.sess
		if s.Status != domain.StatusBotActive || !s.UpdatedAt.Before(cutoff) {
			return nil
		}
		return closeSession(ch, domain.SystemActor, ReasonIdle)
	})
	if err != nil {
		return false, err
	}
	return ch.dirty, nil
}

// RecoverTimers re-arms escalation timers for every pending session, for
// use at startup. Overdue escalations expire immediately. It returns the
// number of sessions examined.
func (c *Coordinator) RecoverTimers(ctx context.Context) (int, error) {
	pending, err := c.repo.ListByStatus(ctx, domain.StatusPendingManual)
	if err != nil {
		return 0, fmt.Errorf("recover escalation timers: %w", err)
	}
	if c.timeout < 0 {
		return len(pending), nil
	}

	now := c.clock.Now()
	for _, s := range pending {
		if s.Escalation == nil {
			continue
		}
		deadline := s.Escalation.TriggeredAt.Add(c.timeout)
		if !now.Before(deadline) {
			if _, err := c.ExpireEscalation(ctx, s.Name, s.Escalation.TriggeredAt); err != nil {
				c.logger.Error("failed to expire overdue escalation", "session", s.Name, "error", err)
			}
			continue
		}
		unlock := c.locks.Lock(s.Name)
		c.syncTimer(s)
		unlock()
	}
	c.logger.Info("escalation timers recovered", "pending", len(pending), "armed", c.timers.len())
	return len(pending), nil
}
