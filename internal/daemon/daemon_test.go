package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/necessary-nu/tracey/internal/logging"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func newTestDaemon(t *testing.T, root string) *Daemon {
	t.Helper()
	d, err := New(root, logging.NewDiscard())
	require.NoError(t, err)
	return d
}

func TestDaemonBuildsEmptyConfig(t *testing.T) {
	root := t.TempDir()
	d := newTestDaemon(t, root)

	ws, err := d.RequestBuild(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), ws.Version)
	require.Empty(t, ws.Specs)
}

func TestDaemonRebuildSeesNewFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".config/tracey/config.styx", "specs:\n  - name: auth\n    prefix: auth\n    include: [\"docs/**/*.md\"]\n    impls:\n      - name: rust\n        include: [\"src/**/*.rs\"]\n")
	writeFile(t, root, "docs/auth.md", "# Auth\n\nauth[login]\nUse a password.\n")

	d := newTestDaemon(t, root)
	ws, err := d.RequestBuild(context.Background())
	require.NoError(t, err)
	require.Contains(t, ws.Specs, "auth")
	require.Equal(t, uint64(1), ws.Version)

	writeFile(t, root, "src/login.rs", "// auth[impl login]\nfn login() {}\n")
	ws2, err := d.RequestBuild(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), ws2.Version)
	require.Greater(t, ws2.Version, ws.Version, "version must be monotonic")
}

func TestDaemonConcurrentRequestsCoalesce(t *testing.T) {
	root := t.TempDir()
	d := newTestDaemon(t, root)

	var wg sync.WaitGroup
	results := make([]uint64, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			ws, err := d.RequestBuild(context.Background())
			require.NoError(t, err)
			results[idx] = ws.Version
		}(i)
	}
	wg.Wait()

	for _, v := range results {
		require.GreaterOrEqual(t, v, uint64(1))
	}
}

func TestDaemonSubscribeNotifiedOnRebuild(t *testing.T) {
	root := t.TempDir()
	d := newTestDaemon(t, root)
	ch := d.Subscribe()
	defer d.Unsubscribe(ch)

	_, err := d.RequestBuild(context.Background())
	require.NoError(t, err)

	select {
	case v := <-ch:
		require.Equal(t, uint64(1), v)
	case <-time.After(time.Second):
		t.Fatal("expected a version notification")
	}
}

func TestDaemonIdleForReflectsActivity(t *testing.T) {
	root := t.TempDir()
	d := newTestDaemon(t, root)

	d.EnterConn()
	_, ok := d.IdleFor()
	require.False(t, ok, "active connection means never idle")
	d.LeaveConn()

	idle, ok := d.IdleFor()
	require.True(t, ok)
	require.GreaterOrEqual(t, idle, time.Duration(0))
}

func TestWritePidFileRoundTrip(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, WritePidFile(root))

	pid, wire, err := ReadPidFile(root)
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), pid)
	require.Equal(t, WireProtocolVersion, wire)
	require.True(t, IsOwnerAlive(root))
}
