// Package query implements the read/validation surface shared by all
// three bridges (spec.md §4.10): status, uncovered/untested/stale lists,
// the unmapped-file tree, single-rule lookup, and the full validation
// report. Every bridge's protocol-specific handler is a thin adapter
// over this package.
package query

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/necessary-nu/tracey/internal/config"
	"github.com/necessary-nu/tracey/internal/daemon"
	"github.com/necessary-nu/tracey/internal/model"
	"github.com/necessary-nu/tracey/internal/terr"
)

// Surface answers queries against a Daemon's latest published snapshot.
// Concurrent identical unmapped() calls against the same version are
// coalesced with singleflight, since building the unmapped-file tree is the
// most expensive query and bridges routinely issue it redundantly right
// after a push notification.
type Surface struct {
	d  *daemon.Daemon
	sf singleflight.Group
}

// New constructs a Surface over d.
func New(d *daemon.Daemon) *Surface { return &Surface{d: d} }

// Filter scopes a list query to a spec/impl pair and/or a base-ID prefix.
type Filter struct {
	Spec       string
	Impl       string
	BasePrefix string
}

// ImplStatus is one (spec, impl) pair's totals, as returned by Status.
type ImplStatus struct {
	Spec          string  `json:"spec"`
	Impl          string  `json:"impl"`
	Total         int     `json:"total"`
	CoveredImpl   int     `json:"coveredImpl"`
	CoveredVerify int     `json:"coveredVerify"`
	Stale         int     `json:"stale"`
	Uncovered     int     `json:"uncovered"`
	ImplPercent   float64 `json:"implPercent"`
	VerifyPercent float64 `json:"verifyPercent"`
}

// Status returns per-(spec,impl) totals and percentages.
func (s *Surface) Status() []ImplStatus {
	ws := s.d.Snapshot()
	var out []ImplStatus
	for _, prefix := range sortedKeys(ws.Specs) {
		spec := ws.Specs[prefix]
		for _, implName := range sortedImplKeys(spec.Impls) {
			im := spec.Impls[implName]
			out = append(out, ImplStatus{
				Spec:          spec.Name,
				Impl:          im.Name,
				Total:         im.Summary.TotalRequirements,
				CoveredImpl:   im.Summary.CoveredImpl,
				CoveredVerify: im.Summary.CoveredVerify,
				Stale:         im.Summary.Stale,
				Uncovered:     im.Summary.Uncovered,
				ImplPercent:   im.Summary.ImplPercent(),
				VerifyPercent: im.Summary.VerifyPercent(),
			})
		}
	}
	return out
}

// RequirementEntry is one requirement's appearance in a list query.
type RequirementEntry struct {
	Spec string `json:"spec"`
	Impl string `json:"impl"`
	Base string `json:"base"`
}

// Uncovered lists requirements whose impl state is uncovered (neither
// covered at the current version nor stale), grouped by (spec, impl).
func (s *Surface) Uncovered(f Filter) []RequirementEntry {
	return s.listByImplState(f, func(st *model.RequirementState) bool {
		return st.Impl == model.StateUncovered
	})
}

// Untested lists requirements with no verify reference at the current
// version.
func (s *Surface) Untested(f Filter) []RequirementEntry {
	return s.listByImplState(f, func(st *model.RequirementState) bool {
		return st.Verify == model.StateUncovered
	})
}

// Stale lists requirements whose impl references all pin an older
// version than the requirement's current version.
func (s *Surface) Stale(f Filter) []RequirementEntry {
	return s.listByImplState(f, func(st *model.RequirementState) bool {
		return st.Impl == model.StateStale
	})
}

func (s *Surface) listByImplState(f Filter, match func(*model.RequirementState) bool) []RequirementEntry {
	ws := s.d.Snapshot()
	var out []RequirementEntry
	for _, prefix := range sortedKeys(ws.Specs) {
		if f.Spec != "" && f.Spec != prefix {
			continue
		}
		spec := ws.Specs[prefix]
		for _, implName := range sortedImplKeys(spec.Impls) {
			if f.Impl != "" && f.Impl != implName {
				continue
			}
			im := spec.Impls[implName]
			bases := make([]string, 0, len(im.States))
			for b := range im.States {
				bases = append(bases, b)
			}
			sort.Strings(bases)
			for _, base := range bases {
				if f.BasePrefix != "" && !strings.HasPrefix(base, f.BasePrefix) {
					continue
				}
				if match(im.States[base]) {
					out = append(out, RequirementEntry{Spec: spec.Name, Impl: im.Name, Base: base})
				}
			}
		}
	}
	return out
}

// UnmappedNode is one file or directory in the unmapped-file tree.
type UnmappedNode struct {
	Path     string  `json:"path"`
	IsDir    bool    `json:"isDir"`
	Percent  float64 `json:"coveragePercent"`
	Children []*UnmappedNode `json:"children,omitempty"`
	Units    []string        `json:"unreferencedUnits,omitempty"`
}

// Unmapped returns the unmapped-file tree for an impl, or — when path
// names a specific file — the list of that file's code units with no
// references (spec.md §4.10).
func (s *Surface) Unmapped(f Filter, path string) (*UnmappedNode, error) {
	ws := s.d.Snapshot()
	spec, ok := ws.Specs[f.Spec]
	if !ok {
		return nil, terr.New(terr.Internal, terr.CodeUnknownPrefix, "", 0, "unknown spec %q", f.Spec)
	}
	im, ok := spec.Impls[f.Impl]
	if !ok {
		return nil, terr.New(terr.Internal, terr.CodeUnknownPrefix, "", 0, "unknown impl %q", f.Impl)
	}

	key := strconv.FormatUint(ws.Version, 10) + "/" + f.Spec + "/" + f.Impl + "/" + path
	v, _, _ := s.sf.Do(key, func() (any, error) {
		if path != "" {
			return unmappedUnitsForFile(im, path), nil
		}
		return buildUnmappedTree(im), nil
	})
	return v.(*UnmappedNode), nil
}

func unmappedUnitsForFile(im *model.ImplModel, path string) *UnmappedNode {
	node := &UnmappedNode{Path: path}
	for _, u := range im.Units[path] {
		collectUnreferenced(u, node)
	}
	return node
}

func collectUnreferenced(u *model.CodeUnit, node *UnmappedNode) {
	if len(u.Refs) == 0 && u.Name != "" {
		node.Units = append(node.Units, u.Name)
	}
	for _, c := range u.Children {
		collectUnreferenced(c, node)
	}
}

func buildUnmappedTree(im *model.ImplModel) *UnmappedNode {
	unmapped := make(map[string]bool, len(im.Unmapped))
	for _, f := range im.Unmapped {
		unmapped[f] = true
	}
	root := &UnmappedNode{Path: ".", IsDir: true}
	dirs := map[string]*UnmappedNode{".": root}

	files := make([]string, 0, len(im.Units))
	for f := range im.Units {
		files = append(files, f)
	}
	sort.Strings(files)

	for _, f := range files {
		dir := ensureDir(dirs, root, parentOf(f))
		dir.Children = append(dir.Children, &UnmappedNode{Path: f, Percent: percentCovered(im, f, unmapped)})
	}
	return root
}

func parentOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

func ensureDir(dirs map[string]*UnmappedNode, root *UnmappedNode, dir string) *UnmappedNode {
	if d, ok := dirs[dir]; ok {
		return d
	}
	node := &UnmappedNode{Path: dir, IsDir: true}
	dirs[dir] = node
	parent := ensureDir(dirs, root, parentOf(dir))
	parent.Children = append(parent.Children, node)
	return node
}

func percentCovered(im *model.ImplModel, file string, unmapped map[string]bool) float64 {
	if unmapped[file] {
		return 0
	}
	units := im.Units[file]
	total, covered := 0, 0
	var walk func(u *model.CodeUnit)
	walk = func(u *model.CodeUnit) {
		if u.Name != "" {
			total++
			if len(u.Refs) > 0 {
				covered++
			}
		}
		for _, c := range u.Children {
			walk(c)
		}
	}
	for _, u := range units {
		walk(u)
	}
	if total == 0 {
		return 1
	}
	return float64(covered) / float64(total)
}

// RuleDetail is rule()'s response: a requirement's markdown plus every
// reference to it across implementations.
type RuleDetail struct {
	Definition model.Definition              `json:"definition"`
	References map[string][]model.Reference `json:"referencesByImpl"`
}

// Rule returns full requirement markdown and all references across
// implementations for a requirement in spec.
func (s *Surface) Rule(specPrefix, base string) (*RuleDetail, error) {
	ws := s.d.Snapshot()
	spec, ok := ws.Specs[specPrefix]
	if !ok {
		return nil, terr.New(terr.Internal, terr.CodeUnknownPrefix, "", 0, "unknown spec %q", specPrefix)
	}
	def, ok := spec.Definitions[base]
	if !ok {
		return nil, terr.New(terr.Internal, terr.CodeUnknownRequirement, "", 0, "unknown requirement %q", base)
	}
	refs := make(map[string][]model.Reference, len(spec.Impls))
	for _, implName := range sortedImplKeys(spec.Impls) {
		im := spec.Impls[implName]
		st, ok := im.States[base]
		if !ok {
			continue
		}
		all := append([]model.Reference{}, st.ImplRefs...)
		all = append(all, st.VerifyRefs...)
		all = append(all, st.DependsRefs...)
		all = append(all, st.RelatedRefs...)
		refs[implName] = all
	}
	return &RuleDetail{Definition: def, References: refs}, nil
}

// ForwardEntry is one requirement's full state in a forward (rule to
// references) mapping, as returned by Forward for the HTTP bridge's
// `/api/forward` (spec.md §6).
type ForwardEntry struct {
	Base          string            `json:"base"`
	Definition    model.Definition  `json:"definition"`
	Impl          CoverageCounts    `json:"impl"`
	Verify        CoverageCounts    `json:"verify"`
}

// CoverageCounts is one requirement's verb-state plus the references that
// produced it.
type CoverageCounts struct {
	State model.CoverageState `json:"state"`
	Refs  []model.Reference   `json:"refs"`
}

// Forward returns every requirement in spec, with its coverage state and
// backing references against impl.
func (s *Surface) Forward(specPrefix, impl string) ([]ForwardEntry, error) {
	ws := s.d.Snapshot()
	spec, ok := ws.Specs[specPrefix]
	if !ok {
		return nil, terr.New(terr.Internal, terr.CodeUnknownPrefix, "", 0, "unknown spec %q", specPrefix)
	}
	im, ok := spec.Impls[impl]
	if !ok {
		return nil, terr.New(terr.Internal, terr.CodeUnknownPrefix, "", 0, "unknown impl %q", impl)
	}

	bases := make([]string, 0, len(spec.Definitions))
	for b := range spec.Definitions {
		bases = append(bases, b)
	}
	sort.Strings(bases)

	out := make([]ForwardEntry, 0, len(bases))
	for _, base := range bases {
		entry := ForwardEntry{Base: base, Definition: spec.Definitions[base]}
		if st, ok := im.States[base]; ok {
			entry.Impl = CoverageCounts{State: st.Impl, Refs: st.ImplRefs}
			entry.Verify = CoverageCounts{State: st.Verify, Refs: st.VerifyRefs}
		} else {
			entry.Impl = CoverageCounts{State: model.StateUncovered}
			entry.Verify = CoverageCounts{State: model.StateUncovered}
		}
		out = append(out, entry)
	}
	return out, nil
}

// Validate returns the full validation report for the current snapshot.
func (s *Surface) Validate() []*terr.Error {
	return s.d.Snapshot().Validation
}

// ValidateMinCoverage returns an error if any (spec,impl)'s impl
// coverage percentage falls below min, for the `validate --min-coverage`
// CLI flag and `pre-commit`'s exit-code-2 threshold (spec.md §6).
func (s *Surface) ValidateMinCoverage(min float64) error {
	for _, st := range s.Status() {
		if st.ImplPercent < min {
			return terr.New(terr.Merging, terr.CodeBuildAborted, "", 0,
				"%s/%s impl coverage %.1f%% is below the required %.1f%%", st.Spec, st.Impl, st.ImplPercent*100, min*100)
		}
	}
	return nil
}

// VFSOpen/VFSChange/VFSClose route document-lifecycle events to the
// overlay and trigger an immediate rebuild (spec.md §4.5, §4.8 "a
// vfs_* call triggers an immediate rebuild request").
func (s *Surface) VFSOpen(ctx context.Context, path string, content []byte) (*model.Workspace, error) {
	s.d.Overlay().Open(path, content)
	return s.d.RequestBuild(ctx)
}

func (s *Surface) VFSChange(ctx context.Context, path string, content []byte) (*model.Workspace, error) {
	s.d.Overlay().Change(path, content)
	return s.d.RequestBuild(ctx)
}

func (s *Surface) VFSClose(ctx context.Context, path string) (*model.Workspace, error) {
	s.d.Overlay().Close(path)
	return s.d.RequestBuild(ctx)
}

// ConfigGet returns the current workspace configuration.
func (s *Surface) ConfigGet() *model.WorkspaceConfig { return s.d.Config() }

// ConfigSet replaces the configuration, persists it to disk, and
// triggers a rebuild (spec.md §4.10 "config_* — mutating operations
// that re-serialize the configuration file").
func (s *Surface) ConfigSet(ctx context.Context, cfg *model.WorkspaceConfig) (*model.Workspace, error) {
	if err := configValidateAndSave(s.d.Root, cfg); err != nil {
		return nil, err
	}
	s.d.SetConfig(cfg)
	return s.d.RequestBuild(ctx)
}

// Root returns the workspace root this Surface answers queries for.
func (s *Surface) Root() string { return s.d.Root }

// Snapshot returns the latest published model without blocking on an
// in-flight build (spec.md §4.8 "Snapshot").
func (s *Surface) Snapshot() *model.Workspace { return s.d.Snapshot() }

// ReadFile reads path through the daemon's VFS overlay, falling back to
// disk (spec.md §4.5), for bridges that need raw file content (e.g. the
// HTTP bridge's /api/file).
func (s *Surface) ReadFile(path string) ([]byte, error) { return s.d.Overlay().ReadFile(path) }

// Subscribe/Unsubscribe register a channel for version-change
// notifications (spec.md §4.9 HTTP bridge push channel).
func (s *Surface) Subscribe() chan uint64        { return s.d.Subscribe() }
func (s *Surface) Unsubscribe(ch chan uint64)    { s.d.Unsubscribe(ch) }

// EnterConn/LeaveConn bracket an active bridge connection so the
// daemon's idle-exit clock never fires mid-session (spec.md §4.8).
func (s *Surface) EnterConn() { s.d.EnterConn() }
func (s *Surface) LeaveConn() { s.d.LeaveConn() }

// API is the query/validation surface every bridge depends on (spec.md
// §4.9 "three cooperating adapters share a single RPC client to the
// daemon core"). *Surface satisfies it for bridges running in the same
// process as the daemon; *rpc.Client satisfies it for bridges running as
// a separate `tracey web`/`lsp`/`mcp` process talking over the daemon
// socket.
type API interface {
	Status() []ImplStatus
	Uncovered(f Filter) []RequirementEntry
	Untested(f Filter) []RequirementEntry
	Stale(f Filter) []RequirementEntry
	Unmapped(f Filter, path string) (*UnmappedNode, error)
	Rule(specPrefix, base string) (*RuleDetail, error)
	Forward(specPrefix, impl string) ([]ForwardEntry, error)
	Validate() []*terr.Error
	ValidateMinCoverage(min float64) error
	VFSOpen(ctx context.Context, path string, content []byte) (*model.Workspace, error)
	VFSChange(ctx context.Context, path string, content []byte) (*model.Workspace, error)
	VFSClose(ctx context.Context, path string) (*model.Workspace, error)
	ConfigGet() *model.WorkspaceConfig
	ConfigSet(ctx context.Context, cfg *model.WorkspaceConfig) (*model.Workspace, error)
	Root() string
	Snapshot() *model.Workspace
	ReadFile(path string) ([]byte, error)
	Subscribe() chan uint64
	Unsubscribe(ch chan uint64)
	EnterConn()
	LeaveConn()
}

var _ API = (*Surface)(nil)

func sortedKeys(m map[string]*model.SpecModel) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedImplKeys(m map[string]*model.ImplModel) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// configValidateAndSave validates cfg's structural invariants before
// persisting it, so a bad config_* mutation never reaches disk.
func configValidateAndSave(root string, cfg *model.WorkspaceConfig) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	return config.Save(root, cfg)
}
