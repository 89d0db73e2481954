package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/necessary-nu/tracey/internal/logging"
)

func newTestWatcher(t *testing.T, root string, include, exclude []string) *Watcher {
	t.Helper()
	w, err := New(root, include, exclude, logging.NewDiscard().For(logging.CategoryWatch))
	require.NoError(t, err)
	w.window = 30 * time.Millisecond
	w.maxWait = 200 * time.Millisecond
	t.Cleanup(func() { w.Stop() })
	return w
}

func TestWatcherFiresOnMatchingChange(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root, []string{"**/*.rs"}, nil)
	require.NoError(t, w.Start(context.Background()))

	path := filepath.Join(root, "a.rs")
	require.NoError(t, os.WriteFile(path, []byte("fn x(){}"), 0o644))

	select {
	case <-w.Changes:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change signal")
	}
}

func TestWatcherIgnoresExcludedFile(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root, []string{"**/*.rs"}, []string{"**/*.gen.rs"})
	require.NoError(t, w.Start(context.Background()))

	path := filepath.Join(root, "a.gen.rs")
	require.NoError(t, os.WriteFile(path, []byte("fn x(){}"), 0o644))

	select {
	case <-w.Changes:
		t.Fatal("excluded file should not trigger a change")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherCoalescesBurst(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root, []string{"**/*.rs"}, nil)
	require.NoError(t, w.Start(context.Background()))

	path := filepath.Join(root, "a.rs")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("fn x(){}"), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-w.Changes:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a coalesced change signal")
	}

	select {
	case <-w.Changes:
		t.Fatal("burst should have coalesced into a single signal")
	case <-time.After(300 * time.Millisecond):
	}
}
