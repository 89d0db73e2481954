package assemble

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/necessary-nu/tracey/internal/model"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func basicConfig() model.WorkspaceConfig {
	return model.WorkspaceConfig{
		Specs: []model.SpecConfig{
			{
				Name:   "auth",
				Prefix: "auth",
				Include: []string{"docs/**/*.md"},
				Impls: []model.ImplConfig{
					{
						Name:        "rust",
						Include:     []string{"src/**/*.rs"},
						TestInclude: []string{"tests/**"},
					},
				},
			},
		},
	}
}

func TestBuildCoveredRequirement(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "docs/auth.md", "# Auth\n\nauth[login]\nUse a password.\n")
	writeFile(t, root, "src/login.rs", "// auth[impl login]\nfn login() {}\n")

	ws, err := Build(context.Background(), root, basicConfig(), DiskReader{}, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), ws.Version)

	spec := ws.Specs["auth"]
	require.NotNil(t, spec)
	require.Contains(t, spec.Definitions, "login")

	impl := spec.Impls["rust"]
	require.NotNil(t, impl)
	require.Equal(t, model.StateCoveredImpl, impl.States["login"].Impl)
	require.Equal(t, 1, impl.Summary.CoveredImpl)
	require.Equal(t, 0, impl.Summary.Uncovered)
}

func TestBuildStaleAfterVersionBump(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "docs/auth.md", "# Auth\n\nauth[login+2]\nUse tokens.\n")
	writeFile(t, root, "src/login.rs", "// auth[impl login]\nfn login() {}\n")

	ws, err := Build(context.Background(), root, basicConfig(), DiskReader{}, 0)
	require.NoError(t, err)

	impl := ws.Specs["auth"].Impls["rust"]
	require.Equal(t, model.StateStale, impl.States["login"].Impl)
	require.Equal(t, 0, impl.Summary.CoveredImpl)
	require.Equal(t, 1, impl.Summary.Stale)
}

func TestBuildUncoveredRequirement(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "docs/auth.md", "# Auth\n\nauth[login]\nUse a password.\n")

	ws, err := Build(context.Background(), root, basicConfig(), DiskReader{}, 0)
	require.NoError(t, err)

	impl := ws.Specs["auth"].Impls["rust"]
	require.Equal(t, model.StateUncovered, impl.States["login"].Impl)
	require.Equal(t, 1, impl.Summary.Uncovered)
}

func TestBuildImplInTestFileIsHardError(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "docs/auth.md", "# Auth\n\nauth[login]\nUse a password.\n")
	writeFile(t, root, "tests/login_test.rs", "// auth[impl login]\nfn test_login() {}\n")

	ws, err := Build(context.Background(), root, basicConfig(), DiskReader{}, 0)
	require.NoError(t, err)

	impl := ws.Specs["auth"].Impls["rust"]
	require.Equal(t, model.StateUncovered, impl.States["login"].Impl)

	found := false
	for _, e := range ws.Validation {
		if e.Code == "impl_in_test_file" {
			found = true
		}
	}
	require.True(t, found)
}

func TestBuildUnknownRequirementSuggestsClosestBase(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "docs/auth.md", "# Auth\n\nauth[login]\nUse a password.\n")
	writeFile(t, root, "src/login.rs", "// auth[impl logn]\nfn login() {}\n")

	ws, err := Build(context.Background(), root, basicConfig(), DiskReader{}, 0)
	require.NoError(t, err)

	found := false
	for _, e := range ws.Validation {
		if e.Code == "unknown_requirement" {
			found = true
			require.Contains(t, e.Message, "login")
		}
	}
	require.True(t, found)
}

func TestBuildDuplicateDefinitionAcrossFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "docs/a.md", "# A\n\nauth[login]\nFirst.\n")
	writeFile(t, root, "docs/b.md", "# B\n\nauth[login]\nSecond.\n")

	ws, err := Build(context.Background(), root, basicConfig(), DiskReader{}, 0)
	require.NoError(t, err)

	found := false
	for _, e := range ws.Validation {
		if e.Code == "duplicate_requirement" {
			found = true
		}
	}
	require.True(t, found)
}

func TestBuildUnmappedFileHasNoReferences(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "docs/auth.md", "# Auth\n\nauth[login]\nUse a password.\n")
	writeFile(t, root, "src/login.rs", "// auth[impl login]\nfn login() {}\n")
	writeFile(t, root, "src/util.rs", "fn helper() {}\n")

	ws, err := Build(context.Background(), root, basicConfig(), DiskReader{}, 0)
	require.NoError(t, err)

	impl := ws.Specs["auth"].Impls["rust"]
	require.Contains(t, impl.Unmapped, "src/util.rs")
}
