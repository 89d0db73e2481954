package walker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestMatchIncludeExclude(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.rs", "fn a(){}")
	writeFile(t, root, "src/b.rs", "fn b(){}")
	writeFile(t, root, "tests/t.rs", "fn t(){}")
	writeFile(t, root, "docs/s.md", "# s")

	w := New(root)
	got, err := w.Match([]string{"src/**/*.rs", "tests/**/*.rs"}, []string{"tests/**"})
	require.NoError(t, err)
	require.Equal(t, []string{"src/a.rs", "src/b.rs"}, got)
}

func TestMatchSkipsVCSDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".git/HEAD", "ref: refs/heads/main")
	writeFile(t, root, "src/a.rs", "fn a(){}")

	w := New(root)
	got, err := w.Match([]string{"**/*"}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"src/a.rs"}, got)
}

func TestMatchHonorsGitignore(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".gitignore", "vendor/\n")
	writeFile(t, root, "vendor/dep.rs", "fn dep(){}")
	writeFile(t, root, "src/a.rs", "fn a(){}")

	w := New(root)
	got, err := w.Match([]string{"**/*.rs"}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"src/a.rs"}, got)
}
