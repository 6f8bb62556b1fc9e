// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/handoffd/internal/domain"
)

// Repository persists sessions, their message logs and audit trails.
// Lookups of unknown keys return nil, nil.
type Repository interface {
	// InTx runs fn inside one atomic write transaction. If fn returns an
	// error nothing it staged is persisted.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// GetSession retrieves a session by name.
	GetSession(ctx context.Context, name string) (*domain.Session, error)

	// ListSessions returns one page of sessions ordered by updated_at
	// descending then name ascending, plus the total match count.
	ListSessions(ctx context.Context, q SessionQuery) ([]*domain.Session, int, error)

	// Snapshot reads a session with its messages and audit trail as of a
	// single point in time.
	Snapshot(ctx context.Context, name string) (*Snapshot, error)

	// ListAudit returns a session's audit entries in write order.
	ListAudit(ctx context.Context, name string) ([]*domain.AuditEntry, error)

	// ListByStatus returns every session currently in status.
	ListByStatus(ctx context.Context, status domain.Status) ([]*domain.Session, error)

	// ListIdle returns sessions in status not updated since before.
	ListIdle(ctx context.Context, status domain.Status, before time.Time) ([]*domain.Session, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing store.
	Close() error
}

// Tx is the write side of one transaction.
type Tx interface {
	// GetSession reads a session, seeing writes staged in this transaction.
	GetSession(ctx context.Context, name string) (*domain.Session, error)

	// PutSession inserts (Version == 0) or updates the session. Updates
	// only apply if the stored version still equals s.Version; otherwise
	// the error matches domain.ErrConflict. On success s.Version is bumped.
	PutSession(ctx context.Context, s *domain.Session) error

	// AppendMessage adds a message to the session's log.
	AppendMessage(ctx context.Context, m *domain.Message) error

	// AppendAudit adds an entry to the session's audit trail.
	AppendAudit(ctx context.Context, e *domain.AuditEntry) error
}

// SessionQuery filters and paginates ListSessions.
type SessionQuery struct {
	Statuses []domain.Status
	AgentID  string
	Limit    int
	Offset   int
}

// Snapshot is a consistent read of one session.
type Snapshot struct {
	Session  *domain.Session
	Messages []*domain.Message
	Audit    []*domain.AuditEntry
}
