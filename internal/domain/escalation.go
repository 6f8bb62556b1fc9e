package domain

import (
	"fmt"
	"math"
	"time"
)

// Severity ranks how urgently an escalation needs a human.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// ParseSeverity validates a severity string. Empty maps to medium.
func ParseSeverity(s string) (Severity, error) {
	if s == "" {
		return SeverityMedium, nil
	}
	sev := Severity(s)
	if _, ok := severityRank[sev]; !ok {
		return "", fmt.Errorf("%w: unknown severity %q", ErrInvalidArgument, s)
	}
	return sev, nil
}

// Rank returns the ordinal of the severity; unknown values rank 0.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Max returns the more severe of s and other.
func (s Severity) Max(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// Escalation records why a session was moved out of bot-only handling.
type Escalation struct {
	Reason      string    `json:"reason"`
	Details     string    `json:"details,omitempty"`
	Severity    Severity  `json:"severity"`
	TriggeredAt time.Time `json:"triggered_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WaitingSeconds returns whole seconds elapsed since the trigger, never negative.
func (e *Escalation) WaitingSeconds(now time.Time) int64 {
	if e == nil {
		return 0
	}
	d := now.Sub(e.TriggeredAt)
	if d < 0 {
		return 0
	}
	return int64(math.Floor(d.Seconds()))
}

// Merge folds a repeated trigger into the existing record. The trigger
// time is kept so waiting time keeps growing.
func (e *Escalation) Merge(reason, details string, severity Severity, now time.Time) {
	if reason != "" {
		e.Reason = reason
	}
	if details != "" {
		e.Details = details
	}
	e.Severity = e.Severity.Max(severity)
	e.UpdatedAt = now
}
