// Package query serves read projections of sessions: paginated lists and
// full detail views.
package query

import (
	"context"
	"fmt"
	"sync"

	"github.com/ashureev/handoffd/internal/clock"
	"github.com/ashureev/handoffd/internal/domain"
	"github.com/ashureev/handoffd/internal/store"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultLimit     = 20
	MaxLimit         = 100
	DefaultCacheSize = 256
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Statuses []domain.Status
	AgentID  string
}

// Service answers read queries. Detail snapshots are cached and must be
// invalidated through SessionChanged after every committed write.
type Service struct {
	repo  store.Repository
	clock clock.Clock
	cache *lru.Cache[string, *store.Snapshot]

	// gen is bumped by every invalidation. A fill that started before the
	// latest bump is not cached.
	mu  sync.Mutex
	gen uint64
}

// NewService creates a Service. cacheSize <= 0 disables the detail cache.
func NewService(repo store.Repository, clk clock.Clock, cacheSize int) (*Service, error) {
	if clk == nil {
		clk = clock.Real()
	}
	s := &Service{repo: repo, clock: clk}
	if cacheSize > 0 {
		cache, err := lru.New[string, *store.Snapshot](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create detail cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// List returns one page of session summaries ordered by most recent update.
func (s *Service) List(ctx context.Context, f Filter, limit, offset int) (*Page, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", domain.ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, st)
		}
	}

	sessions, total, err := s.repo.ListSessions(ctx, store.SessionQuery{
		Statuses: f.Statuses,
		AgentID:  f.AgentID,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	page := &Page{
		Sessions: make([]Summary, 0, len(sessions)),
		Total:    total,
		Limit:    limit,
		Offset:   offset,
		HasMore:  offset+limit < total,
	}
	for _, sess := range sessions {
		page.Sessions = append(page.Sessions, Summarize(sess, now))
	}
	return page, nil
}

// Detail returns the session, its messages and audit trail from one
// consistent snapshot. A cached snapshot is served only while its version
// matches the stored session, so writes from other processes are seen.
// The returned value shares cached data and must not be modified.
func (s *Service) Detail(ctx context.Context, name string) (*Detail, error) {
	if s.cache != nil {
		if snap, ok := s.cache.Get(name); ok {
			cur, err := s.repo.GetSession(ctx, name)
			if err != nil {
				return nil, err
			}
			if cur != nil && cur.Version == snap.Session.Version {
				return detailFrom(snap, s.clock.Now()), nil
			}
			s.Invalidate(name)
		}
	}

	gen := s.generation()
	snap, err := s.repo.Snapshot(ctx, name)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: session %q", domain.ErrNotFound, name)
	}

	if s.cache != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.cache.Add(name, snap)
		}
		s.mu.Unlock()
	}
	return detailFrom(snap, s.clock.Now()), nil
}

func (s *Service) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Invalidate drops the cached snapshot for name.
func (s *Service) Invalidate(name string) {
	if s.cache == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.cache.Remove(name)
}

// SessionChanged invalidates the changed session's cached detail.
func (s *Service) SessionChanged(_ context.Context, ev domain.SessionEvent) {
	if ev.Session != nil {
		s.Invalidate(ev.Session.Name)
	}
}

// CacheLen reports the number of cached snapshots.
func (s *Service) CacheLen() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.Len()
}
