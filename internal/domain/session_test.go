package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionInvariants(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	s := NewSession("s1", now)
	require.NoError(t, s.CheckInvariants())

	s.Status = StatusManualLive
	var inv *InvariantError
	require.ErrorAs(t, s.CheckInvariants(), &inv)

	s.AssignedAgent = &Agent{ID: "a1", Name: "Ada"}
	require.NoError(t, s.CheckInvariants())

	s.Status = StatusPendingManual
	require.Error(t, s.CheckInvariants(), "agent assigned while pending")

	s.AssignedAgent = nil
	require.Error(t, s.CheckInvariants(), "pending without escalation record")

	s.Escalation = &Escalation{Reason: "angry_customer", Severity: SeverityHigh, TriggeredAt: now}
	require.NoError(t, s.CheckInvariants())
}

func TestSessionCloneIsDeep(t *testing.T) {
	s := &Session{
		Name:          "s1",
		Status:        StatusManualLive,
		User:          &UserProfile{Nickname: "kim"},
		AssignedAgent: &Agent{ID: "a1"},
	}
	c := s.Clone()
	c.User.Nickname = "changed"
	c.AssignedAgent.ID = "a2"

	assert.Equal(t, "kim", s.User.Nickname)
	assert.Equal(t, "a1", s.AssignedAgent.ID)
}

func TestEscalationMergeKeepsTrigger(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	e := &Escalation{Reason: "refund", Severity: SeverityHigh, TriggeredAt: t0, UpdatedAt: t0}

	e.Merge("angry_customer", "second complaint", SeverityLow, t0.Add(time.Minute))

	assert.Equal(t, "angry_customer", e.Reason)
	assert.Equal(t, SeverityHigh, e.Severity, "severity never decreases")
	assert.Equal(t, t0, e.TriggeredAt)
	assert.Equal(t, int64(90), e.WaitingSeconds(t0.Add(90*time.Second+500*time.Millisecond)))
	assert.Equal(t, int64(0), e.WaitingSeconds(t0.Add(-time.Second)))
}

func TestParseSeverityAndRole(t *testing.T) {
	sev, err := ParseSeverity("")
	require.NoError(t, err)
	assert.Equal(t, SeverityMedium, sev)

	_, err = ParseSeverity("urgent")
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = ParseRole("bot")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestMessageValidate(t *testing.T) {
	m := &Message{Role: RoleAgent, Content: "hi"}
	require.ErrorIs(t, m.Validate(), ErrInvalidArgument)

	m.Agent = &Agent{ID: "a1"}
	require.NoError(t, m.Validate())

	m = &Message{Role: RoleUser, Content: "hi", Agent: &Agent{ID: "a1"}}
	require.ErrorIs(t, m.Validate(), ErrInvalidArgument)
}

func TestUnavailableWrapsBoth(t *testing.T) {
	base := errors.New("disk I/O error")
	err := Unavailable("put session", base)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, base)
	assert.NoError(t, Unavailable("noop", nil))
}
