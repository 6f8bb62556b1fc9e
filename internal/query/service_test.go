package query

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/handoffd/internal/clock"
	"github.com/ashureev/handoffd/internal/domain"
	"github.com/ashureev/handoffd/internal/handoff"
	"github.com/ashureev/handoffd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	repo  *store.MemoryStore
	clock *clock.FakeClock
	coord *handoff.Coordinator
	svc   *Service
}

func newFixture(t *testing.T, cacheSize int) *fixture {
	t.Helper()
	f := &fixture{repo: store.NewMemory(), clock: clock.Fake(t0)}
	f.coord = handoff.New(f.repo, handoff.Options{Clock: f.clock, EscalationTimeout: time.Hour})
	t.Cleanup(f.coord.Stop)
	svc, err := NewService(f.repo, f.clock, cacheSize)
	require.NoError(t, err)
	f.svc = svc
	f.coord.Subscribe(svc)
	return f
}

func (f *fixture) post(t *testing.T, name, content string) {
	t.Helper()
	_, err := f.coord.PostManualMessage(context.Background(), name, handoff.Inbound{Role: domain.RoleUser, Content: content})
	require.NoError(t, err)
}

func TestListPagination(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	for i := 0; i < 25; i++ {
		f.post(t, fmt.Sprintf("s%02d", i), "hi")
		f.clock.Advance(time.Second)
	}

	page, err := f.svc.List(ctx, Filter{}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, page.Limit)
	assert.Equal(t, 25, page.Total)
	assert.Len(t, page.Sessions, 20)
	assert.True(t, page.HasMore)
	assert.Equal(t, "s24", page.Sessions[0].Name, "most recently updated first")

	page, err = f.svc.List(ctx, Filter{}, 20, 20)
	require.NoError(t, err)
	assert.Len(t, page.Sessions, 5)
	assert.False(t, page.HasMore)
	assert.Equal(t, "s00", page.Sessions[4].Name)

	page, err = f.svc.List(ctx, Filter{}, 10, 30)
	require.NoError(t, err)
	assert.Empty(t, page.Sessions)
	assert.NotNil(t, page.Sessions)
	assert.False(t, page.HasMore)
	assert.Equal(t, 25, page.Total)

	page, err = f.svc.List(ctx, Filter{}, 500, 0)
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, page.Limit)

	_, err = f.svc.List(ctx, Filter{}, 10, -1)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = f.svc.List(ctx, Filter{Statuses: []domain.Status{"asleep"}}, 10, 0)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestListFiltersAndWaitingSeconds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.post(t, "quiet", "hi")
	f.post(t, "loud", "hi")
	f.post(t, "live", "hi")
	for _, name := range []string{"loud", "live"} {
		_, err := f.coord.Escalate(ctx, name, "refund", "", domain.SeverityHigh)
		require.NoError(t, err)
	}
	_, err := f.coord.Takeover(ctx, "live", &domain.Agent{ID: "a1", Name: "Ada"})
	require.NoError(t, err)

	f.clock.Advance(90*time.Second + 500*time.Millisecond)

	page, err := f.svc.List(ctx, Filter{Statuses: []domain.Status{domain.StatusPendingManual}}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	sum := page.Sessions[0]
	assert.Equal(t, "loud", sum.Name)
	require.NotNil(t, sum.Escalation)
	assert.Equal(t, int64(90), sum.Escalation.WaitingSeconds)

	page, err = f.svc.List(ctx, Filter{AgentID: "a1"}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "live", page.Sessions[0].Name)
	assert.Equal(t, "Ada", page.Sessions[0].AssignedAgent.Name)

	page, err = f.svc.List(ctx, Filter{Statuses: []domain.Status{domain.StatusBotActive, domain.StatusManualLive}}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
}

func TestDetail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8)

	_, err := f.svc.Detail(ctx, "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)

	f.post(t, "s1", "first")
	f.clock.Advance(time.Second)
	f.post(t, "s1", "second")

	d, err := f.svc.Detail(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, d.Session.Messages, 2)
	assert.Equal(t, "first", d.Session.Messages[0].Content)
	assert.Equal(t, "second", d.Session.Messages[1].Content)
	require.Len(t, d.AuditTrail, 1)
	assert.Equal(t, domain.AuditSessionCreated, d.AuditTrail[0].Kind)
	assert.Equal(t, 1, f.svc.CacheLen())

	// Committed writes invalidate the cached snapshot.
	f.post(t, "s1", "third")
	assert.Equal(t, 0, f.svc.CacheLen())
	d, err = f.svc.Detail(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, d.Session.Messages, 3)
	assert.Equal(t, 3, d.Session.MessageCount)

	raw, err := json.Marshal(d)
	require.NoError(t, err)
	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	session := generic["session"].(map[string]any)
	assert.Equal(t, "s1", session["session_name"])
	assert.Len(t, session["messages"], 3)
	assert.Contains(t, generic, "audit_trail")
}

func TestDetailWaitingSecondsIsNotCached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8)
	f.post(t, "s1", "hi")
	_, err := f.coord.Escalate(ctx, "s1", "refund", "", domain.SeverityLow)
	require.NoError(t, err)

	d, err := f.svc.Detail(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), d.Session.Escalation.WaitingSeconds)

	f.clock.Advance(42 * time.Second)
	d, err = f.svc.Detail(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), d.Session.Escalation.WaitingSeconds)
}

// racingRepo invalidates the service in the middle of a snapshot read, as
// a concurrent commit would.
type racingRepo struct {
	*store.MemoryStore
	svc *Service
}

func (r *racingRepo) Snapshot(ctx context.Context, name string) (*store.Snapshot, error) {
	snap, err := r.MemoryStore.Snapshot(ctx, name)
	r.svc.Invalidate(name)
	return snap, err
}

func TestDetailFillRacingInvalidationIsDiscarded(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.InTx(ctx, func(tx store.Tx) error {
		return tx.PutSession(ctx, domain.NewSession("s1", t0))
	}))

	repo := &racingRepo{MemoryStore: mem}
	svc, err := NewService(repo, clock.Fake(t0), 8)
	require.NoError(t, err)
	repo.svc = svc

	_, err = svc.Detail(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, svc.CacheLen())
}

func TestDetailSeesWritesFromAnotherProcess(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "handoff.db")
	clk := clock.Fake(t0)

	open := func() (*store.SQLiteStore, *handoff.Coordinator) {
		repo, err := store.NewSQLite(path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = repo.Close() })
		coord := handoff.New(repo, handoff.Options{Clock: clk, EscalationTimeout: time.Hour})
		t.Cleanup(coord.Stop)
		return repo, coord
	}
	repoA, coordA := open()
	_, coordB := open()

	svc, err := NewService(repoA, clk, 8)
	require.NoError(t, err)
	coordA.Subscribe(svc)

	_, err = coordA.PostManualMessage(ctx, "s1", handoff.Inbound{Role: domain.RoleUser, Content: "hi"})
	require.NoError(t, err)
	_, err = coordA.Escalate(ctx, "s1", "refund", "", domain.SeverityHigh)
	require.NoError(t, err)

	d, err := svc.Detail(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingManual, d.Session.Status)
	assert.Equal(t, 1, svc.CacheLen())

	_, err = coordB.Takeover(ctx, "s1", &domain.Agent{ID: "a2", Name: "Grace"})
	require.NoError(t, err)

	d, err = svc.Detail(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusManualLive, d.Session.Status)
	require.NotNil(t, d.Session.AssignedAgent)
	assert.Equal(t, "a2", d.Session.AssignedAgent.ID)
	assert.Equal(t, domain.AuditAgentTakeover, d.AuditTrail[len(d.AuditTrail)-1].Kind)
}

func TestDetailCacheHitChecksStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8)
	f.post(t, "s1", "hi")

	_, err := f.svc.Detail(ctx, "s1")
	require.NoError(t, err)

	f.repo.SetUnavailable(fmt.Errorf("partition"))
	_, err = f.svc.Detail(ctx, "s1")
	require.ErrorIs(t, err, domain.ErrUnavailable)
}
