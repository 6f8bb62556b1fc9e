package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/handoffd/internal/clock"
	"github.com/ashureev/handoffd/internal/domain"
	"github.com/ashureev/handoffd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T, repo *store.MemoryStore) {
	t.Helper()
	require.NoError(t, repo.InTx(context.Background(), func(tx store.Tx) error {
		return tx.PutSession(context.Background(), domain.NewSession("s1", t0))
	}))
}

func TestRecorderAppendsInWriteOrder(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	seed(t, repo)
	clk := clock.Fake(t0)
	rec := NewRecorder(repo, clk)

	kinds := []domain.AuditKind{domain.AuditEscalationRaised, domain.AuditAgentTakeover, domain.AuditAgentRelease}
	err := repo.InTx(ctx, func(tx store.Tx) error {
		for _, k := range kinds {
			if _, err := rec.Append(ctx, tx, domain.AuditEntry{
				Session: "s1", Kind: k, Actor: domain.SystemActor,
				From: domain.StatusBotActive, To: domain.StatusPendingManual,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	entries, err := rec.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	seen := map[string]bool{}
	for i, e := range entries {
		assert.Equal(t, kinds[i], e.Kind)
		assert.Equal(t, domain.AuditVersion, e.Version)
		assert.True(t, e.At.Equal(t0))
		assert.NotEmpty(t, e.ID)
		assert.False(t, seen[e.ID], "ids are unique")
		seen[e.ID] = true
	}
}

func TestRecorderRejectsUnknownKind(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	seed(t, repo)
	rec := NewRecorder(repo, clock.Fake(t0))

	err := repo.InTx(ctx, func(tx store.Tx) error {
		_, err := rec.Append(ctx, tx, domain.AuditEntry{
			Session: "s1", Kind: "teleported",
			From: domain.StatusBotActive, To: domain.StatusClosed,
		})
		return err
	})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	entries, err := rec.List(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecorderPropagatesStorageFailure(t *testing.T) {
	repo := store.NewMemory()
	repo.SetUnavailable(errors.New("disk gone"))
	rec := NewRecorder(repo, clock.Fake(t0))

	_, err := rec.List(context.Background(), "s1")
	require.ErrorIs(t, err, domain.ErrUnavailable)
}
