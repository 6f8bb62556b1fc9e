package escalation

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRules(t *testing.T, path, doc string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
}

func TestReloaderInitialLoadFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	_, err := NewReloader(path, nil)
	require.Error(t, err)

	writeRules(t, path, "rules: [")
	_, err = NewReloader(path, nil)
	require.Error(t, err)
}

func TestReloaderManualReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, `rules: [{name: a, patterns: ["*a*"]}]`)

	r, err := NewReloader(path, nil)
	require.NoError(t, err)
	before := r.Current()
	assert.Equal(t, []string{"a"}, before.Rules())

	writeRules(t, path, "rules: [")
	require.Error(t, r.Reload())
	assert.Same(t, before, r.Current())
	assert.Equal(t, int64(0), r.Reloads())
}

func TestReloaderWatchesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, `rules: [{name: a, patterns: ["*a*"]}]`)

	r, err := NewReloader(path, nil)
	require.NoError(t, err)
	r.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give the watcher time to register before writing.
	require.Eventually(t, func() bool {
		writeRules(t, path, `rules: [{name: b, patterns: ["*b*"]}]`)
		return r.Reloads() > 0
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, []string{"b"}, r.Current().Rules())
}

func TestStaticSource(t *testing.T) {
	d := Default()
	assert.Same(t, d, Static(d).Current())
}
