// Package walker enumerates workspace files matching configured
// include/exclude glob patterns, honoring repository-ignore rules
// (spec.md §4, "Glob + VCS walker"). All returned paths are
// slash-separated and relative to the workspace root.
package walker

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/monochromegane/go-gitignore"
)

// Walker enumerates files under Root matching glob patterns.
type Walker struct {
	Root string

	ignore gitignore.IgnoreMatcher
}

// New constructs a Walker rooted at root. It loads root/.gitignore if
// present; absence is not an error.
func New(root string) *Walker {
	w := &Walker{Root: root}
	if m, err := gitignore.NewGitIgnore(filepath.Join(root, ".gitignore")); err == nil {
		w.ignore = m
	}
	return w
}

// Match enumerates every regular file under w.Root whose workspace-root
// relative, slash-separated path matches at least one of include and none
// of exclude, skipping anything matched by repository-ignore rules.
// Patterns use doublestar syntax (`**` for recursive wildcards).
func (w *Walker) Match(include, exclude []string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(w.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return nil // spec.md §7: permission denied excludes the file, doesn't abort the walk
			}
			return err
		}
		rel, relErr := filepath.Rel(w.Root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if isVCSDir(d.Name()) {
				return filepath.SkipDir
			}
			if w.ignore != nil && w.ignore.Match(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}

		if w.ignore != nil && w.ignore.Match(rel, false) {
			return nil
		}
		if !matchesAny(include, rel) {
			return nil
		}
		if matchesAny(exclude, rel) {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func isVCSDir(name string) bool {
	switch name {
	case ".git", ".hg", ".svn", ".tracey":
		return true
	default:
		return false
	}
}

func matchesAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		// Also allow a bare directory prefix pattern like "tests/**" to
		// match the directory's own files when a caller passes
		// "tests" rather than "tests/**".
		if strings.HasPrefix(rel, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}
