// Package watch watches a workspace for filesystem changes and debounces
// them into build triggers (spec.md §4.7). It is grounded on the
// teacher's fsnotify-based MangleWatcher, generalized from a single
// fixed directory to the full set of directories implied by a
// workspace's configured include/exclude globs.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	gitignore "github.com/monochromegane/go-gitignore"

	"github.com/necessary-nu/tracey/internal/logging"
)

const (
	// DefaultWindow is the coalescing window's initial duration, restarted
	// on each additional event (spec.md §4.7).
	DefaultWindow = 200 * time.Millisecond
	// MaxWindow bounds worst-case latency under continuous activity.
	MaxWindow = 2 * time.Second
)

// Watcher watches root for changes to files matching include, excluding
// exclude and repository-ignore rules, and delivers one coalesced signal
// per batch on Changes.
type Watcher struct {
	root    string
	include []string
	exclude []string
	ignore  gitignore.IgnoreMatcher
	window  time.Duration
	maxWait time.Duration
	log     *logging.Logger

	fsw     *fsnotify.Watcher
	Changes chan struct{}

	mu       sync.Mutex
	pending  bool
	timer    *time.Timer
	deadline *time.Timer
}

// New constructs a Watcher. include/exclude use doublestar glob syntax,
// relative to root, matching walker.Walker's conventions.
func New(root string, include, exclude []string, log *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:    root,
		include: include,
		exclude: exclude,
		window:  DefaultWindow,
		maxWait: MaxWindow,
		log:     log,
		fsw:     fsw,
		Changes: make(chan struct{}, 1),
	}
	if m, err := gitignore.NewGitIgnore(filepath.Join(root, ".gitignore")); err == nil {
		w.ignore = m
	}
	return w, nil
}

// Start adds every directory under root (skipping VCS and ignored
// directories) to the watch list and begins the event loop. Non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addDirs(); err != nil {
		return err
	}
	go w.run(ctx)
	return nil
}

// Stop releases the underlying OS watch handles.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	if w.deadline != nil {
		w.deadline.Stop()
	}
	w.mu.Unlock()
	return w.fsw.Close()
}

func (w *Watcher) addDirs() error {
	return filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(w.root, path)
		rel = filepath.ToSlash(rel)
		if rel != "." && isVCSDir(d.Name()) {
			return filepath.SkipDir
		}
		if w.ignore != nil && rel != "." && w.ignore.Match(rel, true) {
			return filepath.SkipDir
		}
		if addErr := w.fsw.Add(path); addErr != nil {
			w.log.Warn("watch: failed to add %s: %v", path, addErr)
		}
		return nil
	})
}

func isVCSDir(name string) bool {
	switch name {
	case ".git", ".hg", ".svn", ".tracey":
		return true
	default:
		return false
	}
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("watch: %v", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	if w.ignore != nil && w.ignore.Match(rel, false) {
		return
	}
	if matchesAny(w.exclude, rel) {
		return
	}
	if len(w.include) > 0 && !matchesAny(w.include, rel) {
		// A newly created directory never matches a file glob but must
		// still be watched so files created under it are seen.
		if ev.Op&fsnotify.Create != 0 {
			if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
				w.fsw.Add(ev.Name)
			}
		}
		return
	}

	w.debounce()
}

// debounce restarts the coalescing window on every call, up to maxWait
// since the first event in the batch, per spec.md §4.7.
func (w *Watcher) debounce() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.pending {
		w.pending = true
		w.deadline = time.AfterFunc(w.maxWait, w.fire)
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.window, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	if !w.pending {
		w.mu.Unlock()
		return
	}
	w.pending = false
	if w.timer != nil {
		w.timer.Stop()
	}
	if w.deadline != nil {
		w.deadline.Stop()
	}
	w.mu.Unlock()

	select {
	case w.Changes <- struct{}{}:
	default:
	}
}

func matchesAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}
