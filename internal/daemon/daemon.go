// Package daemon implements Tracey's single long-lived process per
// workspace: it owns the published model snapshot, drives the build
// pipeline, and manages the socket/pid/log files the bridges and CLI use
// to find and talk to it (spec.md §4.8, §6 "Workspace layout").
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/necessary-nu/tracey/internal/assemble"
	"github.com/necessary-nu/tracey/internal/config"
	"github.com/necessary-nu/tracey/internal/logging"
	"github.com/necessary-nu/tracey/internal/model"
	"github.com/necessary-nu/tracey/internal/vfs"
	"github.com/necessary-nu/tracey/internal/watch"
)

// WireProtocolVersion is recorded in daemon.pid alongside the owning
// PID, so a client can detect a daemon speaking an incompatible
// protocol before dialing its socket.
const WireProtocolVersion = 1

const (
	SocketRelPath = ".tracey/daemon.sock"
	PidRelPath    = ".tracey/daemon.pid"
	LogRelPath    = ".tracey/daemon.log"
)

// State is the daemon's build state machine (spec.md §4.8).
type State int

const (
	StateIdle State = iota
	StateBuilding
)

// DefaultIdleTimeout is how long the daemon waits with no active
// connections and no in-flight build before releasing its socket and
// exiting.
const DefaultIdleTimeout = 30 * time.Minute

// Daemon owns the published model for one workspace root.
type Daemon struct {
	Root string
	Log  *logging.Sink

	cfgMu sync.RWMutex
	cfg   *model.WorkspaceConfig

	overlay *vfs.Overlay

	published atomic.Pointer[model.Workspace]
	version   atomic.Uint64

	buildMu  sync.Mutex
	building bool
	queued   bool
	buildCh  chan struct{}

	connMu      sync.Mutex
	activeConns int
	lastActive  time.Time

	IdleTimeout time.Duration

	subsMu sync.Mutex
	subs   map[chan uint64]struct{}
}

// New constructs a Daemon for root, loading its configuration (empty
// config on absence, per spec.md §4.8).
func New(root string, sink *logging.Sink) (*Daemon, error) {
	cfg, err := config.Load(root, sink.For(logging.CategoryDaemon))
	if err != nil {
		return nil, err
	}
	d := &Daemon{
		Root:        root,
		Log:         sink,
		cfg:         cfg,
		overlay:     vfs.New(),
		IdleTimeout: DefaultIdleTimeout,
		subs:        make(map[chan uint64]struct{}),
	}
	d.lastActive = time.Now()
	d.published.Store(&model.Workspace{Version: 0, Specs: map[string]*model.SpecModel{}})
	return d, nil
}

// Config returns the current workspace configuration.
func (d *Daemon) Config() *model.WorkspaceConfig {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// SetConfig replaces the in-memory configuration (used by config_*
// mutating operations after Save); it does not itself trigger a rebuild.
func (d *Daemon) SetConfig(cfg *model.WorkspaceConfig) {
	d.cfgMu.Lock()
	d.cfg = cfg
	d.cfgMu.Unlock()
}

// Overlay returns the daemon's VFS overlay (spec.md §4.5).
func (d *Daemon) Overlay() *vfs.Overlay { return d.overlay }

// Snapshot returns the latest published model. It does not block on an
// in-flight build; callers that need the result of a specific trigger
// should use RequestBuild.
func (d *Daemon) Snapshot() *model.Workspace { return d.published.Load() }

// Subscribe registers a channel that receives the new version number
// after every successful build (spec.md §4.9 HTTP bridge push channel).
func (d *Daemon) Subscribe() chan uint64 {
	ch := make(chan uint64, 1)
	d.subsMu.Lock()
	d.subs[ch] = struct{}{}
	d.subsMu.Unlock()
	return ch
}

// Unsubscribe removes a channel registered with Subscribe.
func (d *Daemon) Unsubscribe(ch chan uint64) {
	d.subsMu.Lock()
	delete(d.subs, ch)
	d.subsMu.Unlock()
}

func (d *Daemon) notifySubscribers(version uint64) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	for ch := range d.subs {
		select {
		case ch <- version:
		default:
		}
	}
}

// Touch marks recent client activity, resetting the idle-exit clock.
func (d *Daemon) Touch() {
	d.connMu.Lock()
	d.lastActive = time.Now()
	d.connMu.Unlock()
}

// EnterConn/LeaveConn bracket an active bridge connection so idle-exit
// never fires while a client is connected.
func (d *Daemon) EnterConn() {
	d.connMu.Lock()
	d.activeConns++
	d.lastActive = time.Now()
	d.connMu.Unlock()
}

func (d *Daemon) LeaveConn() {
	d.connMu.Lock()
	d.activeConns--
	d.lastActive = time.Now()
	d.connMu.Unlock()
}

// IdleFor reports how long the daemon has had no active connections. It
// returns false while a connection is open or a build is running.
func (d *Daemon) IdleFor() (time.Duration, bool) {
	d.buildMu.Lock()
	building := d.building
	d.buildMu.Unlock()
	if building {
		return 0, false
	}
	d.connMu.Lock()
	defer d.connMu.Unlock()
	if d.activeConns > 0 {
		return 0, false
	}
	return time.Since(d.lastActive), true
}

// RequestBuild asks for a rebuild and blocks until a build that started
// at-or-after this call completes, returning the newly published
// workspace. Concurrent callers during an in-flight build coalesce into
// at most one extra build (spec.md §4.8 state machine).
func (d *Daemon) RequestBuild(ctx context.Context) (*model.Workspace, error) {
	d.buildMu.Lock()
	if d.building {
		d.queued = true
		ch := d.buildCh
		d.buildMu.Unlock()
		select {
		case <-ch:
			return d.Snapshot(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.building = true
	d.buildCh = make(chan struct{})
	myCh := d.buildCh
	d.buildMu.Unlock()

	d.runBuildLoop(ctx)

	select {
	case <-myCh:
	default:
	}
	return d.Snapshot(), nil
}

func (d *Daemon) runBuildLoop(ctx context.Context) {
	log := d.Log.For(logging.CategoryDaemon)
	for {
		d.doOneBuild(ctx, log)

		d.buildMu.Lock()
		if d.queued {
			d.queued = false
			d.buildMu.Unlock()
			continue
		}
		d.building = false
		ch := d.buildCh
		d.buildMu.Unlock()
		close(ch)
		return
	}
}

func (d *Daemon) doOneBuild(ctx context.Context, log *logging.Logger) {
	prev := d.version.Load()
	cfg := d.Config()

	ws, err := assemble.Build(ctx, d.Root, *cfg, d.overlay, prev)
	if err != nil {
		log.Error("build failed: %v", err)
		return
	}

	d.published.Store(ws)
	d.version.Store(ws.Version)
	log.Info("build complete: version=%d specs=%d errors=%d", ws.Version, len(ws.Specs), len(ws.Validation))
	d.notifySubscribers(ws.Version)
}

// WatchAndBuild starts a filesystem watcher over every spec's includes
// and the config file, rebuilding on each coalesced change signal, until
// ctx is cancelled.
func (d *Daemon) WatchAndBuild(ctx context.Context) error {
	if _, err := d.RequestBuild(ctx); err != nil {
		return err
	}

	cfg := d.Config()
	include := []string{config.RelPath}
	var exclude []string
	for _, sc := range cfg.Specs {
		include = append(include, sc.Include...)
		for _, ic := range sc.Impls {
			if len(ic.Include) > 0 {
				include = append(include, ic.Include...)
			} else {
				include = append(include, model.DefaultImplInclude...)
			}
			exclude = append(exclude, ic.Exclude...)
		}
	}

	w, err := watch.New(d.Root, include, exclude, d.Log.For(logging.CategoryWatch))
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	idleTicker := time.NewTicker(time.Minute)
	defer idleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.Changes:
			if _, err := d.RequestBuild(ctx); err != nil {
				log := d.Log.For(logging.CategoryDaemon)
				log.Warn("rebuild on change failed: %v", err)
			}
		case <-idleTicker.C:
			if idle, ok := d.IdleFor(); ok && idle >= d.IdleTimeout {
				d.Log.For(logging.CategoryDaemon).Info("idle for %s, exiting", idle)
				return nil
			}
		}
	}
}

// SocketPath, PidPath, LogPath return the per-workspace daemon file
// paths (spec.md §6).
func SocketPath(root string) string { return filepath.Join(root, SocketRelPath) }
func PidPath(root string) string    { return filepath.Join(root, PidRelPath) }
func LogPath(root string) string    { return filepath.Join(root, LogRelPath) }

// pidFile is daemon.pid's on-disk shape: owner PID, wire-protocol
// version, and start time, so a would-be second daemon can tell a stale
// file (process gone) from a live one without guessing at field order
// (spec.md §6; SPEC_FULL.md §12 item 10).
type pidFile struct {
	PID         int       `json:"pid"`
	WireVersion int       `json:"wireVersion"`
	StartedAt   time.Time `json:"startedAt"`
}

// WritePidFile records this process's PID, wire-protocol version, and
// start time, per spec.md §6 ("<root>/.tracey/daemon.pid — owner PID +
// wire-protocol version").
func WritePidFile(root string) error {
	path := PidPath(root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	content, err := json.Marshal(pidFile{
		PID:         os.Getpid(),
		WireVersion: WireProtocolVersion,
		StartedAt:   time.Now(),
	})
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadPidFile parses a daemon.pid file's (pid, wireProtocolVersion).
func ReadPidFile(root string) (pid int, wireVersion int, err error) {
	data, err := os.ReadFile(PidPath(root))
	if err != nil {
		return 0, 0, err
	}
	var pf pidFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return 0, 0, fmt.Errorf("parsing %s: %w", PidPath(root), err)
	}
	return pf.PID, pf.WireVersion, nil
}

// IsOwnerAlive reports whether the process recorded in daemon.pid is
// still running (spec.md §4.8: "a stale socket (no live owner) must be
// removed before binding").
func IsOwnerAlive(root string) bool {
	pid, _, err := ReadPidFile(root)
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// RemoveStaleSocket removes the socket and pid files for a workspace
// whose recorded owner is no longer alive. It is a no-op, not an error,
// if the owner is alive or no files exist.
func RemoveStaleSocket(root string) error {
	if IsOwnerAlive(root) {
		return nil
	}
	os.Remove(SocketPath(root))
	os.Remove(PidPath(root))
	return nil
}
