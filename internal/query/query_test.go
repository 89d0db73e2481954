package query

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/necessary-nu/tracey/internal/daemon"
	"github.com/necessary-nu/tracey/internal/logging"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func newTestSurface(t *testing.T, root string) *Surface {
	t.Helper()
	d, err := daemon.New(root, logging.NewDiscard())
	require.NoError(t, err)
	_, err = d.RequestBuild(context.Background())
	require.NoError(t, err)
	return New(d)
}

func setupWorkspace(t *testing.T) string {
	root := t.TempDir()
	writeFile(t, root, ".config/tracey/config.styx", "specs:\n  - name: auth\n    prefix: auth\n    include: [\"docs/**/*.md\"]\n    impls:\n      - name: rust\n        include: [\"src/**/*.rs\"]\n")
	writeFile(t, root, "docs/auth.md", "# Auth\n\nauth[login]\nUse a password.\n\nauth[logout]\nClear the session.\n")
	writeFile(t, root, "src/login.rs", "// auth[impl login]\nfn login() {}\n")
	writeFile(t, root, "src/other.rs", "fn helper() {}\n")
	return root
}

func TestStatusReportsTotals(t *testing.T) {
	s := newTestSurface(t, setupWorkspace(t))
	status := s.Status()
	require.Len(t, status, 1)
	require.Equal(t, "auth", status[0].Spec)
	require.Equal(t, 2, status[0].Total)
	require.Equal(t, 1, status[0].CoveredImpl)
	require.Equal(t, 1, status[0].Uncovered)
}

func TestUncoveredListsOnlyUncovered(t *testing.T) {
	s := newTestSurface(t, setupWorkspace(t))
	entries := s.Uncovered(Filter{})
	require.Len(t, entries, 1)
	require.Equal(t, "logout", entries[0].Base)
}

func TestRuleReturnsDefinitionAndRefs(t *testing.T) {
	s := newTestSurface(t, setupWorkspace(t))
	detail, err := s.Rule("auth", "login")
	require.NoError(t, err)
	require.Equal(t, "login", detail.Definition.ID.Base)
	require.Len(t, detail.References["rust"], 1)
}

func TestRuleUnknownBaseErrors(t *testing.T) {
	s := newTestSurface(t, setupWorkspace(t))
	_, err := s.Rule("auth", "nonexistent")
	require.Error(t, err)
}

func TestUnmappedTreeIncludesZeroRefFile(t *testing.T) {
	s := newTestSurface(t, setupWorkspace(t))
	node, err := s.Unmapped(Filter{Spec: "auth", Impl: "rust"}, "")
	require.NoError(t, err)
	require.True(t, node.IsDir)

	var found bool
	var walk func(n *UnmappedNode)
	walk = func(n *UnmappedNode) {
		if n.Path == "src/other.rs" {
			found = true
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(node)
	require.True(t, found)
}

func TestValidateMinCoverageFailsBelowThreshold(t *testing.T) {
	s := newTestSurface(t, setupWorkspace(t))
	require.Error(t, s.ValidateMinCoverage(0.9))
	require.NoError(t, s.ValidateMinCoverage(0.1))
}

func TestVFSChangeTriggersRebuildVisibleInOverlay(t *testing.T) {
	root := setupWorkspace(t)
	d, err := daemon.New(root, logging.NewDiscard())
	require.NoError(t, err)
	_, err = d.RequestBuild(context.Background())
	require.NoError(t, err)
	s := New(d)

	path := filepath.Join(root, "src", "login.rs")
	ws, err := s.VFSChange(context.Background(), path, []byte("// auth[impl login]\n// auth[verify login]\nfn login() {}\n"))
	require.NoError(t, err)
	st := ws.Specs["auth"].Impls["rust"].States["login"]
	require.Equal(t, "coveredVerify", string(st.Verify))
}
