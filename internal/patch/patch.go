// Package patch implements Tracey's file-range read/write surface
// (spec.md §4.6), used by editor refactors and AI-tool edits that
// operate on byte ranges rather than whole-file rewrites.
package patch

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/necessary-nu/tracey/internal/terr"
)

// Range is a half-open byte interval, as returned by Patch for the
// interval actually written (which may differ in length from the
// request when replacement's length differs from end-start).
type Range struct {
	Start, End int
}

// Hash is a file's content digest (spec.md §4.6: "256-bit cryptographic
// digest").
type Hash [sha256.Size]byte

func (h Hash) String() string { return fmt.Sprintf("%x", [sha256.Size]byte(h)) }

func hashOf(content []byte) Hash { return sha256.Sum256(content) }

// Fetch returns the bytes in [start, end) of path and the current file's
// hash. It rejects a range that would split a UTF-8 code point.
func Fetch(path string, start, end int) ([]byte, Hash, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, Hash{}, terr.New(terr.Filesystem, terr.CodeMissingInclude, path, 0, "reading %s: %v", path, err)
	}
	if start < 0 || end > len(content) || start >= end {
		return nil, Hash{}, terr.New(terr.Internal, terr.CodeBadMarker, path, 0,
			"invalid range [%d, %d) for file of length %d", start, end, len(content))
	}
	if splitsRune(content, start) || splitsRune(content, end) {
		return nil, Hash{}, terr.New(terr.Internal, terr.CodeBadMarker, path, 0,
			"range [%d, %d) splits a UTF-8 code point", start, end)
	}
	out := make([]byte, end-start)
	copy(out, content[start:end])
	return out, hashOf(content), nil
}

// Patch replaces [start, end) in path with replacement, iff the file's
// current hash equals expected, atomically (write-temp, fsync, rename).
// It returns the post-write interval occupied by replacement and the new
// file hash.
func Patch(path string, start, end int, replacement []byte, expected Hash) (Range, Hash, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Range{}, Hash{}, terr.New(terr.Filesystem, terr.CodeMissingInclude, path, 0, "reading %s: %v", path, err)
	}
	if start < 0 || end > len(content) || start > end {
		return Range{}, Hash{}, terr.New(terr.Internal, terr.CodeBadMarker, path, 0,
			"invalid range [%d, %d) for file of length %d", start, end, len(content))
	}
	if hashOf(content) != expected {
		return Range{}, Hash{}, terr.New(terr.Versioning, terr.CodeHashConflict, path, 0,
			"file %s was modified since the expected hash was read", path)
	}
	if splitsRune(content, start) || splitsRune(content, end) {
		return Range{}, Hash{}, terr.New(terr.Internal, terr.CodeBadMarker, path, 0,
			"range [%d, %d) splits a UTF-8 code point", start, end)
	}

	newContent := make([]byte, 0, len(content)-(end-start)+len(replacement))
	newContent = append(newContent, content[:start]...)
	newContent = append(newContent, replacement...)
	newContent = append(newContent, content[end:]...)

	if err := writeAtomic(path, newContent); err != nil {
		return Range{}, Hash{}, terr.New(terr.Filesystem, terr.CodeMissingInclude, path, 0, "writing %s: %v", path, err)
	}

	return Range{Start: start, End: start + len(replacement)}, hashOf(newContent), nil
}

// splitsRune reports whether byte offset i falls inside a multi-byte
// UTF-8 code point of content (i == len(content) is always a valid
// boundary).
func splitsRune(content []byte, i int) bool {
	if i <= 0 || i >= len(content) {
		return false
	}
	return !utf8.RuneStart(content[i])
}

// writeAtomic writes content to path via a temp file in the same
// directory, fsync, then rename — the durable-write idiom spec.md §4.6
// requires. config.Save uses the same temp-file-and-rename step, without
// the fsync.
func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tracey-patch-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if info, err := os.Stat(path); err == nil {
		os.Chmod(tmpName, info.Mode())
	}
	return os.Rename(tmpName, path)
}
