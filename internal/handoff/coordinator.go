// Package handoff owns the session state machine: escalation, agent
// takeover and release, manual messages, close and SLA timeouts.
package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/handoffd/internal/audit"
	"github.com/ashureev/handoffd/internal/clock"
	"github.com/ashureev/handoffd/internal/domain"
	"github.com/ashureev/handoffd/internal/escalation"
	"github.com/ashureev/handoffd/internal/store"
	"github.com/google/uuid"
)

// DefaultEscalationTimeout is how long a pending escalation waits for a
// takeover before the session returns to the bot.
const DefaultEscalationTimeout = 5 * time.Minute

// Observer is notified after every committed change, in commit order per
// session. Implementations must not call back into the Coordinator.
type Observer interface {
	SessionChanged(ctx context.Context, ev domain.SessionEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev domain.SessionEvent)

// SessionChanged calls f.
func (f ObserverFunc) SessionChanged(ctx context.Context, ev domain.SessionEvent) { f(ctx, ev) }

// Options configures a Coordinator. Zero values pick defaults.
type Options struct {
	Clock  clock.Clock
	Rules  escalation.Source
	Logger *slog.Logger

	// EscalationTimeout is the takeover window. Negative disables timers.
	EscalationTimeout time.Duration
}

// Coordinator applies events to sessions. All mutations of one session are
// serialized; different sessions proceed in parallel.
type Coordinator struct {
	repo    store.Repository
	audit   *audit.Recorder
	clock   clock.Clock
	rules   escalation.Source
	logger  *slog.Logger
	timeout time.Duration

	locks  *sessionLocks
	timers *escalationTimers

	obsMu     sync.RWMutex
	observers []Observer
}

// New creates a Coordinator over repo.
func New(repo store.Repository, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Rules == nil {
		opts.Rules = escalation.Static(escalation.Default())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.EscalationTimeout == 0 {
		opts.EscalationTimeout = DefaultEscalationTimeout
	}
	return &Coordinator{
		repo:    repo,
		audit:   audit.NewRecorder(repo, opts.Clock),
		clock:   opts.Clock,
		rules:   opts.Rules,
		logger:  opts.Logger,
		timeout: opts.EscalationTimeout,
		locks:   newSessionLocks(),
		timers:  newEscalationTimers(opts.Clock),
	}
}

// Subscribe registers an observer for committed changes.
func (c *Coordinator) Subscribe(o Observer) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, o)
}

// EscalationTimeout returns the configured takeover window.
func (c *Coordinator) EscalationTimeout() time.Duration {
	return c.timeout
}

// Stop cancels every pending escalation timer.
func (c *Coordinator) Stop() {
	c.timers.stopAll()
}

// change is the working state of one transition. Operations mutate sess and
// queue a message and audit entries; nothing is written until the operation
// returns without error. Every entry records the status the operation started
// from and the status at the time it was queued.
type change struct {
	sess    *domain.Session
	from    domain.Status
	now     time.Time
	created bool
	dirty   bool
	message *domain.Message
	entries []domain.AuditEntry
}

func (ch *change) record(kind domain.AuditKind, actor domain.Actor, reason string, severity domain.Severity) {
	ch.entries = append(ch.entries, domain.AuditEntry{
		Session:  ch.sess.Name,
		Kind:     kind,
		Actor:    actor,
		At:       ch.now,
		From:     ch.from,
		To:       ch.sess.Status,
		Reason:   reason,
		Severity: severity,
	})
	ch.dirty = true
}

// appendMessage assigns the next sequence number and a timestamp that never
// runs behind the previous message.
func (ch *change) appendMessage(role domain.Role, content string, agent *domain.Agent) (*domain.Message, error) {
	ts := ch.now
	if ts.Before(ch.sess.LastMessageAt) {
		ts = ch.sess.LastMessageAt
	}
	m := &domain.Message{
		ID:        uuid.NewString(),
		Session:   ch.sess.Name,
		Seq:       ch.sess.MessageCount + 1,
		Role:      role,
		Content:   content,
		Timestamp: ts,
	}
	if agent != nil {
		a := *agent
		m.Agent = &a
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	ch.sess.MessageCount = m.Seq
	ch.sess.LastMessageAt = ts
	ch.message = m
	ch.dirty = true
	return m, nil
}

// apply runs fn against the current record of name under the session lock
// and commits the result atomically. With create set a missing session is
// started in bot_active; otherwise it is ErrNotFound.
func (c *Coordinator) apply(ctx context.Context, name string, create bool, fn func(ch *change) error) (*change, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: session name is required", domain.ErrInvalidArgument)
	}

	unlock := c.locks.Lock(name)
	defer unlock()

	now := c.clock.Now()
	var ch *change
	err := c.repo.InTx(ctx, func(tx store.Tx) error {
		sess, err := tx.GetSession(ctx, name)
		if err != nil {
			return err
		}
		ch = &change{now: now}
		if sess == nil {
			if !create {
				return fmt.Errorf("%w: session %q", domain.ErrNotFound, name)
			}
			sess = domain.NewSession(name, now)
			ch.created = true
		}
		ch.sess = sess
		ch.from = sess.Status

		if err := fn(ch); err != nil {
			return err
		}
		if !ch.dirty {
			return nil
		}
		if err := ch.sess.CheckInvariants(); err != nil {
			return err
		}

		ch.sess.UpdatedAt = now
		if err := tx.PutSession(ctx, ch.sess); err != nil {
			return err
		}
		if ch.message != nil {
			if err := tx.AppendMessage(ctx, ch.message); err != nil {
				return err
			}
		}
		for _, e := range ch.entries {
			if _, err := c.audit.Append(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.syncTimer(ch.sess)
	if ch.dirty {
		c.notify(ctx, ch)
	}
	return ch, nil
}

// syncTimer makes the timer registry agree with a committed session.
func (c *Coordinator) syncTimer(sess *domain.Session) {
	if sess.Status != domain.StatusPendingManual || sess.Escalation == nil || c.timeout < 0 {
		c.timers.cancel(sess.Name)
		return
	}
	name := sess.Name
	triggeredAt := sess.Escalation.TriggeredAt
	wait := triggeredAt.Add(c.timeout).Sub(c.clock.Now())
	c.timers.arm(name, triggeredAt, wait, func() {
		c.timers.forget(name, triggeredAt)
		if _, err := c.ExpireEscalation(context.Background(), name, triggeredAt); err != nil {
			c.logger.Error("escalation timeout failed", "session", name, "error", err)
		}
	})
}

func (c *Coordinator) notify(ctx context.Context, ch *change) {
	kind := domain.EventMessageAppended
	if n := len(ch.entries); n > 0 {
		kind = domain.EventFor(ch.entries[n-1].Kind)
	}
	ev := domain.SessionEvent{Kind: kind, Session: ch.sess.Clone(), At: ch.now}
	if ch.message != nil {
		m := *ch.message
		ev.Message = &m
	}

	c.obsMu.RLock()
	observers := c.observers
	c.obsMu.RUnlock()
	for _, o := range observers {
		o.SessionChanged(ctx, ev)
	}
}
