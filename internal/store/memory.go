package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/handoffd/internal/domain"
)

// MemoryStore implements Repository in process memory. Every value crosses
// the API boundary as a copy. Transactions stage their writes and apply
// them under the write lock on commit.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	messages map[string][]*domain.Message
	audit    map[string][]*domain.AuditEntry

	// failWith, when set, is returned by every operation. Tests use it to
	// simulate an unreachable backend.
	failWith error
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*domain.Session),
		messages: make(map[string][]*domain.Message),
		audit:    make(map[string][]*domain.AuditEntry),
	}
}

// SetUnavailable makes every subsequent call fail with err wrapped as
// domain.ErrUnavailable. Pass nil to recover.
func (s *MemoryStore) SetUnavailable(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func (s *MemoryStore) failure(op string) error {
	if s.failWith == nil {
		return nil
	}
	return domain.Unavailable(op, s.failWith)
}

// Ping reports the simulated availability.
func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure("ping")
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// InTx stages fn's writes and applies them atomically.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.RLock()
	err := s.failure("begin transaction")
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	tx := &memoryTx{
		store:    s,
		sessions: make(map[string]*domain.Session),
		expected: make(map[string]int64),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failure("commit transaction"); err != nil {
		return err
	}
	for name, expected := range tx.expected {
		current, exists := s.sessions[name]
		switch {
		case expected == 0 && exists:
			return fmt.Errorf("%w: session %q already exists", domain.ErrConflict, name)
		case expected > 0 && (!exists || current.Version != expected):
			return fmt.Errorf("%w: session %q changed concurrently (expected version %d)", domain.ErrConflict, name, expected)
		}
	}
	for name, sess := range tx.sessions {
		s.sessions[name] = sess.Clone()
	}
	for _, m := range tx.messages {
		c := *m
		s.messages[m.Session] = append(s.messages[m.Session], &c)
	}
	for _, e := range tx.audit {
		c := *e
		s.audit[e.Session] = append(s.audit[e.Session], &c)
	}
	return nil
}

// GetSession retrieves a session by name.
func (s *MemoryStore) GetSession(_ context.Context, name string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("get session"); err != nil {
		return nil, err
	}
	return s.sessions[name].Clone(), nil
}

// ListSessions returns one page of sessions plus the total match count.
func (s *MemoryStore) ListSessions(_ context.Context, q SessionQuery) ([]*domain.Session, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("list sessions"); err != nil {
		return nil, 0, err
	}

	matched := make([]*domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if matchesQuery(sess, q) {
			matched = append(matched, sess)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.Name < b.Name
	})

	total := len(matched)
	page := []*domain.Session{}
	if q.Offset < total {
		end := total
		if q.Limit >= 0 && q.Offset+q.Limit < end {
			end = q.Offset + q.Limit
		}
		for _, sess := range matched[q.Offset:end] {
			page = append(page, sess.Clone())
		}
	}
	return page, total, nil
}

// Snapshot reads a session with its log and audit trail under one read lock.
func (s *MemoryStore) Snapshot(_ context.Context, name string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("snapshot session"); err != nil {
		return nil, err
	}

	sess, ok := s.sessions[name]
	if !ok {
		return nil, nil
	}
	snap := &Snapshot{
		Session:  sess.Clone(),
		Messages: make([]*domain.Message, 0, len(s.messages[name])),
		Audit:    make([]*domain.AuditEntry, 0, len(s.audit[name])),
	}
	for _, m := range s.messages[name] {
		c := *m
		snap.Messages = append(snap.Messages, &c)
	}
	for _, e := range s.audit[name] {
		c := *e
		snap.Audit = append(snap.Audit, &c)
	}
	return snap, nil
}

// ListAudit returns a session's audit entries in write order.
func (s *MemoryStore) ListAudit(_ context.Context, name string) ([]*domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("list audit entries"); err != nil {
		return nil, err
	}
	entries := make([]*domain.AuditEntry, 0, len(s.audit[name]))
	for _, e := range s.audit[name] {
		c := *e
		entries = append(entries, &c)
	}
	return entries, nil
}

// ListByStatus returns every session currently in status, by name.
func (s *MemoryStore) ListByStatus(_ context.Context, status domain.Status) ([]*domain.Session, error) {
	return s.filter("list sessions by status", func(sess *domain.Session) bool {
		return sess.Status == status
	})
}

// ListIdle returns sessions in status not updated since before.
func (s *MemoryStore) ListIdle(_ context.Context, status domain.Status, before time.Time) ([]*domain.Session, error) {
	return s.filter("list idle sessions", func(sess *domain.Session) bool {
		return sess.Status == status && sess.UpdatedAt.Before(before)
	})
}

func (s *MemoryStore) filter(op string, keep func(*domain.Session) bool) ([]*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure(op); err != nil {
		return nil, err
	}
	out := []*domain.Session{}
	for _, sess := range s.sessions {
		if keep(sess) {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func matchesQuery(sess *domain.Session, q SessionQuery) bool {
	if len(q.Statuses) > 0 {
		found := false
		for _, st := range q.Statuses {
			if sess.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.AgentID != "" && (sess.AssignedAgent == nil || sess.AssignedAgent.ID != q.AgentID) {
		return false
	}
	return true
}

type memoryTx struct {
	store    *MemoryStore
	sessions map[string]*domain.Session
	expected map[string]int64
	messages []*domain.Message
	audit    []*domain.AuditEntry
}

func (t *memoryTx) GetSession(ctx context.Context, name string) (*domain.Session, error) {
	if staged, ok := t.sessions[name]; ok {
		return staged.Clone(), nil
	}
	return t.store.GetSession(ctx, name)
}

func (t *memoryTx) PutSession(_ context.Context, sess *domain.Session) error {
	if _, seen := t.expected[sess.Name]; !seen {
		t.expected[sess.Name] = sess.Version
	}
	sess.Version++
	t.sessions[sess.Name] = sess.Clone()
	return nil
}

func (t *memoryTx) AppendMessage(_ context.Context, m *domain.Message) error {
	c := *m
	t.messages = append(t.messages, &c)
	return nil
}

func (t *memoryTx) AppendAudit(_ context.Context, e *domain.AuditEntry) error {
	c := *e
	t.audit = append(t.audit, &c)
	return nil
}
