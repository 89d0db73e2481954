package rpc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/necessary-nu/tracey/internal/daemon"
	"github.com/necessary-nu/tracey/internal/logging"
	"github.com/necessary-nu/tracey/internal/query"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func startTestServer(t *testing.T) (string, *daemon.Daemon, func()) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, ".config/tracey/config.styx", "specs:\n  - name: auth\n    prefix: auth\n    include: [\"docs/**/*.md\"]\n    impls:\n      - name: rust\n        include: [\"src/**/*.rs\"]\n")
	writeFile(t, root, "docs/auth.md", "# Auth\n\nauth[login]\nUse a password.\n")
	writeFile(t, root, "src/login.rs", "// auth[impl login]\nfn login() {}\n")

	d, err := daemon.New(root, logging.NewDiscard())
	require.NoError(t, err)
	_, err = d.RequestBuild(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Dir(daemon.SocketPath(root)), 0o755))
	ln, err := net.Listen("unix", daemon.SocketPath(root))
	require.NoError(t, err)

	srv := NewServer(query.New(d), logging.NewDiscard().For(logging.CategoryDaemon))
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln)

	return root, d, func() { cancel(); ln.Close() }
}

func TestClientStatusRoundTrip(t *testing.T) {
	root, _, stop := startTestServer(t)
	defer stop()

	c, err := Dial(root)
	require.NoError(t, err)
	defer c.Close()

	status := c.Status()
	require.Len(t, status, 1)
	require.Equal(t, "auth", status[0].Spec)
	require.Equal(t, 1, status[0].CoveredImpl)
}

func TestClientRuleRoundTripAndUnknownBaseErrors(t *testing.T) {
	root, _, stop := startTestServer(t)
	defer stop()

	c, err := Dial(root)
	require.NoError(t, err)
	defer c.Close()

	detail, err := c.Rule("auth", "login")
	require.NoError(t, err)
	require.Equal(t, "login", detail.Definition.ID.Base)

	_, err = c.Rule("auth", "nonexistent")
	require.Error(t, err)
}

func TestClientVFSChangeTriggersRebuildVisibleOverRPC(t *testing.T) {
	root, d, stop := startTestServer(t)
	defer stop()

	c, err := Dial(root)
	require.NoError(t, err)
	defer c.Close()

	path := filepath.Join(root, "src", "login.rs")
	ws, err := c.VFSChange(context.Background(), path, []byte("// auth[impl login]\n// auth[verify login]\nfn login() {}\n"))
	require.NoError(t, err)
	st := ws.Specs["auth"].Impls["rust"].States["login"]
	require.Equal(t, "coveredVerify", string(st.Verify))
	require.Equal(t, ws.Version, d.Snapshot().Version)
}

func TestClientConcurrentCallsDoNotCrossTalk(t *testing.T) {
	root, _, stop := startTestServer(t)
	defer stop()

	c, err := Dial(root)
	require.NoError(t, err)
	defer c.Close()

	done := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			status := c.Status()
			require.Len(t, status, 1)
		}()
	}
	for i := 0; i < 10; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("concurrent call did not complete")
		}
	}
}
