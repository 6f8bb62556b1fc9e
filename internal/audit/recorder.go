// Package audit records immutable, versioned audit entries for session
// transitions and agent actions.
package audit

import (
	"context"
	"fmt"

	"github.com/ashureev/handoffd/internal/clock"
	"github.com/ashureev/handoffd/internal/domain"
	"github.com/ashureev/handoffd/internal/store"
	"github.com/google/uuid"
)

// Reader is the read side of the audit trail.
type Reader interface {
	ListAudit(ctx context.Context, name string) ([]*domain.AuditEntry, error)
}

// Recorder appends audit entries inside the caller's store transaction so
// they commit or roll back together with the transition they describe.
type Recorder struct {
	reader Reader
	clock  clock.Clock
}

// NewRecorder creates a Recorder reading back through reader.
func NewRecorder(reader Reader, clk clock.Clock) *Recorder {
	return &Recorder{reader: reader, clock: clk}
}

// Append stamps the entry with an id, schema version and (if unset) time,
// validates it and writes it through tx. Storage errors are returned as is.
func (r *Recorder) Append(ctx context.Context, tx store.Tx, entry domain.AuditEntry) (*domain.AuditEntry, error) {
	entry.ID = uuid.NewString()
	entry.Version = domain.AuditVersion
	if entry.At.IsZero() {
		entry.At = r.clock.Now()
	}
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	if err := tx.AppendAudit(ctx, &entry); err != nil {
		return nil, fmt.Errorf("append audit %s for %q: %w", entry.Kind, entry.Session, err)
	}
	return &entry, nil
}

// List returns a session's entries in write order.
func (r *Recorder) List(ctx context.Context, name string) ([]*domain.AuditEntry, error) {
	entries, err := r.reader.ListAudit(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("list audit for %q: %w", name, err)
	}
	return entries, nil
}
