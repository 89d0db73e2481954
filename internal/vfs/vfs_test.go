package vfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOverlayShadowsDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(path, []byte("on disk"), 0o644))

	o := New()
	content, err := o.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "on disk", string(content))

	o.Open(path, []byte("in buffer"))
	content, err = o.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "in buffer", string(content))

	o.Close(path)
	content, err = o.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "on disk", string(content))
}

func TestOverlayChangeUpdatesBuffer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.go")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	o := New()
	o.Open(path, []byte("v1"))
	o.Change(path, []byte("v2"))
	content, err := o.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "v2", string(content))
	require.True(t, o.IsOpen(path))
}

func TestOverlayReadReturnsCopy(t *testing.T) {
	o := New()
	o.Open("/virtual/a.go", []byte("hello"))
	content, err := o.ReadFile("/virtual/a.go")
	require.NoError(t, err)
	content[0] = 'H'
	second, err := o.ReadFile("/virtual/a.go")
	require.NoError(t, err)
	require.Equal(t, "hello", string(second))
}
