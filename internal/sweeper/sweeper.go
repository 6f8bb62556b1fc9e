// Package sweeper periodically repairs escalations whose timers were lost
// and closes bot sessions that have gone idle.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/handoffd/internal/clock"
	"github.com/ashureev/handoffd/internal/domain"
	"github.com/ashureev/handoffd/internal/shared"
)

// Lister is the read side the sweeper scans.
type Lister interface {
	ListByStatus(ctx context.Context, status domain.Status) ([]*domain.Session, error)
	ListIdle(ctx context.Context, status domain.Status, before time.Time) ([]*domain.Session, error)
}

// Coordinator applies the sweeper's transitions under the session lock.
type Coordinator interface {
	ExpireEscalation(ctx context.Context, name string, triggeredAt time.Time) (bool, error)
	CloseIfIdle(ctx context.Context, name string, cutoff time.Time) (bool, error)
	EscalationTimeout() time.Duration
}

// Config controls the sweep cadence. IdleTTL of zero disables idle closing.
type Config struct {
	Interval time.Duration
	IdleTTL  time.Duration
}

// Result counts what one sweep changed.
type Result struct {
	Expired int
	Closed  int
}

// Sweeper runs periodic maintenance sweeps.
type Sweeper struct {
	repo   Lister
	coord  Coordinator
	clock  clock.Clock
	cfg    Config
	logger *slog.Logger
}

// New creates a Sweeper.
func New(repo Lister, coord Coordinator, clk clock.Clock, cfg Config, logger *slog.Logger) *Sweeper {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{repo: repo, coord: coord, clock: clk, cfg: cfg, logger: logger}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.logger.Info("sweeper started", "interval", s.cfg.Interval, "idle_ttl", s.cfg.IdleTTL)

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			s.logger.Info("sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep runs one pass. Failures on individual sessions are logged and do
// not stop the pass.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	var res Result
	now := s.clock.Now()

	pending, err := s.repo.ListByStatus(ctx, domain.StatusPendingManual)
	if err != nil {
		s.logger.Error("sweeper failed to list pending sessions", "error", err)
	}
	timeout := s.coord.EscalationTimeout()
	for _, sess := range pending {
		if sess.Escalation == nil || timeout <= 0 {
			continue
		}
		if now.Before(sess.Escalation.TriggeredAt.Add(timeout)) {
			continue
		}
		triggeredAt := sess.Escalation.TriggeredAt
		var expired bool
		err := retryBusy(ctx, s.logger, sess.Name, func() error {
			var err error
			expired, err = s.coord.ExpireEscalation(ctx, sess.Name, triggeredAt)
			return err
		})
		if err != nil {
			s.logger.Error("sweeper failed to expire escalation", "session", sess.Name, "error", err)
			continue
		}
		if expired {
			res.Expired++
		}
	}

	if s.cfg.IdleTTL > 0 {
		cutoff := now.Add(-s.cfg.IdleTTL)
		idle, err := s.repo.ListIdle(ctx, domain.StatusBotActive, cutoff)
		if err != nil {
			s.logger.Error("sweeper failed to list idle sessions", "error", err)
		}
		for _, sess := range idle {
			var closed bool
			err := retryBusy(ctx, s.logger, sess.Name, func() error {
				var err error
				closed, err = s.coord.CloseIfIdle(ctx, sess.Name, cutoff)
				return err
			})
			if err != nil {
				s.logger.Error("sweeper failed to close idle session", "session", sess.Name, "error", err)
				continue
			}
			if closed {
				res.Closed++
			}
		}
	}

	if res.Expired > 0 || res.Closed > 0 {
		s.logger.Info("sweep completed", "expired", res.Expired, "closed", res.Closed)
	}
	return res
}

// retryBusy retries op with exponential backoff while SQLite reports lock
// contention.
func retryBusy(ctx context.Context, logger *slog.Logger, session string, op func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		if err = op(); err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms
		logger.Debug("sweeper hit a locked database, retrying", "session", session, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("sweep %q: %w", session, err)
}
