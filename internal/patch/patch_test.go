package patch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchReturnsRangeAndHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	content, hash, err := Fetch(path, 6, 11)
	require.NoError(t, err)
	require.Equal(t, "world", string(content))
	require.NotEqual(t, Hash{}, hash)
}

func TestFetchRejectsRuneSplit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("café"), 0o644))

	_, _, err := Fetch(path, 0, 4) // splits the 2-byte é
	require.Error(t, err)
}

func TestPatchSucceedsAndUpdatesHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	_, hash, err := Fetch(path, 0, 11)
	require.NoError(t, err)

	newRange, newHash, err := Patch(path, 6, 11, []byte("tracey"), hash)
	require.NoError(t, err)
	require.Equal(t, Range{Start: 6, End: 12}, newRange)
	require.NotEqual(t, hash, newHash)

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello tracey", string(out))
}

func TestPatchRejectsStaleHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	_, staleHash, err := Fetch(path, 0, 11)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("hello mars!!"), 0o644))

	_, _, err = Patch(path, 6, 11, []byte("tracey"), staleHash)
	require.Error(t, err)
}

func TestPatchIsAtomicOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("one two three"), 0o644))

	_, hash, err := Fetch(path, 0, 13)
	require.NoError(t, err)
	_, _, err = Patch(path, 4, 7, []byte("TWO"), hash)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no leftover temp file after a successful patch")
}
