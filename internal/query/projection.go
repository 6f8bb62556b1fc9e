package query

import (
	"time"

	"github.com/ashureev/handoffd/internal/domain"
	"github.com/ashureev/handoffd/internal/store"
)

// Summary is the list projection of a session.
type Summary struct {
	Name            string              `json:"session_name"`
	Status          domain.Status       `json:"status"`
	User            *domain.UserProfile `json:"user,omitempty"`
	AssignedAgent   *domain.Agent       `json:"assigned_agent"`
	ConversationRef string              `json:"conversation_ref,omitempty"`
	Escalation      *EscalationSummary  `json:"escalation,omitempty"`
	MessageCount    int                 `json:"message_count"`
	LastMessageAt   *time.Time          `json:"last_message_at,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// EscalationSummary adds the time spent waiting for a human.
type EscalationSummary struct {
	Reason         string          `json:"reason"`
	Details        string          `json:"details,omitempty"`
	Severity       domain.Severity `json:"severity"`
	TriggeredAt    time.Time       `json:"triggered_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	WaitingSeconds int64           `json:"waiting_seconds"`
}

// Page is one page of List results.
type Page struct {
	Sessions []Summary `json:"sessions"`
	Total    int       `json:"total"`
	Limit    int       `json:"limit"`
	Offset   int       `json:"offset"`
	HasMore  bool      `json:"has_more"`
}

// Detail is a session with its full history.
type Detail struct {
	Session    DetailSession        `json:"session"`
	AuditTrail []*domain.AuditEntry `json:"audit_trail"`
}

// DetailSession is a summary plus the ordered message log.
type DetailSession struct {
	Summary
	Messages []*domain.Message `json:"messages"`
}

// Summarize projects s as seen at now.
func Summarize(s *domain.Session, now time.Time) Summary {
	sum := Summary{
		Name:            s.Name,
		Status:          s.Status,
		User:            s.User,
		AssignedAgent:   s.AssignedAgent,
		ConversationRef: s.ConversationRef,
		MessageCount:    s.MessageCount,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
	if !s.LastMessageAt.IsZero() {
		t := s.LastMessageAt
		sum.LastMessageAt = &t
	}
	if e := s.Escalation; e != nil {
		sum.Escalation = &EscalationSummary{
			Reason:         e.Reason,
			Details:        e.Details,
			Severity:       e.Severity,
			TriggeredAt:    e.TriggeredAt,
			UpdatedAt:      e.UpdatedAt,
			WaitingSeconds: e.WaitingSeconds(now),
		}
	}
	return sum
}

func detailFrom(snap *store.Snapshot, now time.Time) *Detail {
	d := &Detail{
		Session: DetailSession{
			Summary:  Summarize(snap.Session, now),
			Messages: snap.Messages,
		},
		AuditTrail: snap.Audit,
	}
	if d.Session.Messages == nil {
		d.Session.Messages = []*domain.Message{}
	}
	if d.AuditTrail == nil {
		d.AuditTrail = []*domain.AuditEntry{}
	}
	return d
}
