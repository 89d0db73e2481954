// Package vfs implements Tracey's editor-buffer overlay (spec.md §4.5):
// in-memory content that shadows disk for unsaved changes. It satisfies
// assemble.FileReader so the build pipeline transparently reads through
// the overlay.
package vfs

import (
	"os"
	"sync"
)

// Overlay is a process-local, single-writer/many-reader mapping from
// absolute path to buffer content.
type Overlay struct {
	mu      sync.RWMutex
	buffers map[string][]byte
}

// New constructs an empty Overlay.
func New() *Overlay {
	return &Overlay{buffers: make(map[string][]byte)}
}

// Open installs content for path, shadowing disk for subsequent reads.
func (o *Overlay) Open(path string, content []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buffers[path] = content
}

// Change replaces the buffered content for an already-open path. It is
// equivalent to Open and exists separately to mirror the editor
// protocol's distinct didOpen/didChange notifications.
func (o *Overlay) Change(path string, content []byte) {
	o.Open(path, content)
}

// Close removes path from the overlay; subsequent reads fall through to
// disk.
func (o *Overlay) Close(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.buffers, path)
}

// ReadFile returns the overlay's buffer for path if one is open,
// otherwise reads from disk. This satisfies assemble.FileReader.
func (o *Overlay) ReadFile(path string) ([]byte, error) {
	o.mu.RLock()
	buf, ok := o.buffers[path]
	o.mu.RUnlock()
	if ok {
		out := make([]byte, len(buf))
		copy(out, buf)
		return out, nil
	}
	return os.ReadFile(path)
}

// IsOpen reports whether path currently has an overlay buffer.
func (o *Overlay) IsOpen(path string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.buffers[path]
	return ok
}
