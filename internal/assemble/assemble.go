// Package assemble merges per-file parser/extractor artifacts into an
// immutable workspace snapshot (spec.md §4.4). It is the serial step at
// the end of the build pipeline: per-file parsing happens in parallel via
// golang.org/x/sync/errgroup, merging itself runs single-threaded.
package assemble

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/agext/levenshtein"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/necessary-nu/tracey/internal/codeunit"
	"github.com/necessary-nu/tracey/internal/markdown"
	"github.com/necessary-nu/tracey/internal/model"
	"github.com/necessary-nu/tracey/internal/srcscan"
	"github.com/necessary-nu/tracey/internal/terr"
	"github.com/necessary-nu/tracey/internal/walker"
)

// DiskReader is the default FileReader: plain disk reads, no overlay.
type DiskReader struct{}

func (DiskReader) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

// maxSuggestionDistance bounds the edit-distance search for
// unknown_requirement suggestions (spec.md §9 Open Question b).
const maxSuggestionDistance = 3

// FileReader abstracts the source of file content so callers can route
// through the VFS overlay (spec.md §4.5) before falling back to disk.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

type fileArtifact struct {
	refs   []model.Reference
	units  []*model.CodeUnit
	errs   []*terr.Error
}

// Build walks the workspace per cfg, parses every matched file in
// parallel, and merges the results into a new immutable Workspace at
// version = prevVersion+1 (spec.md §3 "Lifecycle").
func Build(ctx context.Context, root string, cfg model.WorkspaceConfig, reader FileReader, prevVersion uint64) (*model.Workspace, error) {
	ws := &model.Workspace{
		Version: prevVersion + 1,
		Specs:   make(map[string]*model.SpecModel),
	}

	globalPrefixes := make(map[string]bool, len(cfg.Specs))
	for _, sc := range cfg.Specs {
		globalPrefixes[sc.Prefix] = true
	}

	w := walker.New(root)

	var mu sync.Mutex
	scanned := make(map[string]fileArtifact)

	for _, sc := range cfg.Specs {
		specModel := &model.SpecModel{
			Name:        sc.Name,
			Prefix:      sc.Prefix,
			Definitions: make(map[string]model.Definition),
			Impls:       make(map[string]*model.ImplModel),
		}
		ws.Specs[sc.Prefix] = specModel

		mdFiles, err := w.Match(sc.Include, nil)
		if err != nil {
			return nil, fmt.Errorf("tracey: walking spec %q includes: %w", sc.Name, err)
		}

		defsByFile, outlineErr := parseMarkdownFiles(ctx, root, mdFiles, globalPrefixes, reader)
		ws.Validation = append(ws.Validation, outlineErr.errs...)
		mergeDefinitions(specModel, defsByFile, &ws.Validation)
		depth := sc.EffectiveOutlineDepth()
		for _, h := range outlineErr.outline {
			if h.Level <= depth {
				specModel.Outline = append(specModel.Outline, h)
			}
		}

		for _, ic := range sc.Impls {
			include := ic.Include
			if len(include) == 0 {
				include = model.DefaultImplInclude
			}
			implFiles, err := implFileSet(w, include, ic.Exclude, ic.TestInclude)
			if err != nil {
				return nil, fmt.Errorf("tracey: walking impl %q includes: %w", ic.Name, err)
			}
			testSet := make(map[string]bool)
			if len(ic.TestInclude) > 0 {
				tf, err := w.Match(ic.TestInclude, nil)
				if err != nil {
					return nil, fmt.Errorf("tracey: walking impl %q test_include: %w", ic.Name, err)
				}
				for _, f := range tf {
					testSet[f] = true
				}
			}

			if err := scanMissing(ctx, root, implFiles, globalPrefixes, reader, &mu, scanned); err != nil {
				return nil, err
			}

			implModel := buildImplModel(ic.Name, implFiles, testSet, specModel, scanned, &ws.Validation)
			specModel.Impls[ic.Name] = implModel
		}

		computeHeadingCoverage(specModel)
	}

	return ws, nil
}

type markdownArtifact struct {
	outline []model.Heading
	errs    []*terr.Error
}

func parseMarkdownFiles(ctx context.Context, root string, files []string, prefixes map[string]bool, reader FileReader) (map[string]markdown.Result, markdownArtifact) {
	results := make(map[string]markdown.Result, len(files))
	var mu sync.Mutex
	var artifact markdownArtifact

	g, _ := errgroup.WithContext(ctx)
	for _, f := range files {
		f := f
		g.Go(func() error {
			src, err := reader.ReadFile(filepath.Join(root, f))
			if err != nil {
				mu.Lock()
				artifact.errs = append(artifact.errs, terr.New(terr.Filesystem, terr.CodeMissingInclude, f, 0,
					"reading %s: %v", f, err))
				mu.Unlock()
				return nil
			}
			res := markdown.Parse(f, src, prefixes)
			mu.Lock()
			results[f] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	mu.Lock()
	defer mu.Unlock()
	var allHeadings []model.Heading
	for _, f := range files {
		res, ok := results[f]
		if !ok {
			continue
		}
		artifact.errs = append(artifact.errs, res.Errors...)
		allHeadings = append(allHeadings, res.Outline...)
	}
	artifact.outline = allHeadings
	return results, artifact
}

// mergeDefinitions implements spec.md §4.4 point 1: the highest version
// per base is current. A base defined more than once gets a duplicate
// error for every occurrence other than the highest-version one, and
// none of its definitions is published.
func mergeDefinitions(spec *model.SpecModel, byFile map[string]markdown.Result, errs *[]*terr.Error) {
	type occurrence struct {
		def  model.Definition
		file string
	}
	byBase := make(map[string][]occurrence)

	files := make([]string, 0, len(byFile))
	for f := range byFile {
		files = append(files, f)
	}
	sort.Strings(files)

	for _, f := range files {
		res := byFile[f]
		for _, d := range res.Definitions {
			if d.Prefix != spec.Prefix {
				continue
			}
			byBase[d.ID.Base] = append(byBase[d.ID.Base], occurrence{def: d, file: f})
		}
	}

	for base, occs := range byBase {
		best := occs[0]
		for _, o := range occs[1:] {
			if o.def.ID.Version > best.def.ID.Version {
				best = o
			}
		}
		if len(occs) > 1 {
			for _, o := range occs {
				if o.file == best.file && o.def.ID.Version == best.def.ID.Version && o.def.StartByte == best.def.StartByte {
					continue
				}
				*errs = append(*errs, terr.New(terr.Merging, terr.CodeDuplicateRequirement, o.file, 0,
					"duplicate definition of requirement %q (current version %d defined in %s)", base, best.def.ID.Version, best.file))
			}
			continue
		}
		spec.Definitions[base] = best.def
	}
}

// implFileSet computes (include - exclude) ∪ testInclude, per spec.md
// §4.4 point 2.
func implFileSet(w *walker.Walker, include, exclude, testInclude []string) ([]string, error) {
	base, err := w.Match(include, exclude)
	if err != nil {
		return nil, err
	}
	if len(testInclude) == 0 {
		return base, nil
	}
	extra, err := w.Match(testInclude, nil)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(base))
	out := make([]string, 0, len(base)+len(extra))
	for _, f := range base {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	for _, f := range extra {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out, nil
}

func scanMissing(ctx context.Context, root string, files []string, prefixes map[string]bool, reader FileReader, mu *sync.Mutex, scanned map[string]fileArtifact) error {
	var toScan []string
	mu.Lock()
	for _, f := range files {
		if _, ok := scanned[f]; !ok {
			toScan = append(toScan, f)
		}
	}
	mu.Unlock()
	if len(toScan) == 0 {
		return nil
	}

	g, _ := errgroup.WithContext(ctx)
	for _, f := range toScan {
		f := f
		g.Go(func() error {
			src, err := reader.ReadFile(filepath.Join(root, f))
			if err != nil {
				mu.Lock()
				scanned[f] = fileArtifact{errs: []*terr.Error{terr.New(terr.Filesystem, terr.CodeMissingInclude, f, 0,
					"reading %s: %v", f, err)}}
				mu.Unlock()
				return nil
			}
			scanRes := srcscan.Scan(f, src, prefixes)
			ext := extensionOf(f)
			units := codeunit.Extract(ctx, f, src, ext, scanRes.References)
			mu.Lock()
			scanned[f] = fileArtifact{refs: scanRes.References, units: units, errs: scanRes.Errors}
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func extensionOf(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 || idx == len(path)-1 {
		return ""
	}
	return strings.ToLower(path[idx+1:])
}

// buildImplModel implements spec.md §4.4 points 2-3 for a single
// (spec, impl) pair: routing, classification, impl-in-test enforcement,
// unknown-requirement detection, and coverage aggregation.
func buildImplModel(name string, files []string, testSet map[string]bool, spec *model.SpecModel, scanned map[string]fileArtifact, errs *[]*terr.Error) *model.ImplModel {
	im := &model.ImplModel{
		Name:   name,
		States: make(map[string]*model.RequirementState),
		Units:  make(map[string][]*model.CodeUnit),
	}

	for base, def := range spec.Definitions {
		im.States[base] = &model.RequirementState{
			Base:           base,
			CurrentVersion: def.ID.Version,
			Impl:           model.StateUncovered,
			Verify:         model.StateUncovered,
		}
	}

	bases := make([]string, 0, len(spec.Definitions))
	for b := range spec.Definitions {
		bases = append(bases, b)
	}
	sort.Strings(bases)

	sortedFiles := append([]string(nil), files...)
	sort.Strings(sortedFiles)

	for _, f := range sortedFiles {
		art := scanned[f]
		*errs = append(*errs, art.errs...)
		im.Units[f] = art.units

		isTest := testSet[f]
		hasRef := false
		for _, ref := range art.refs {
			if ref.Ignored {
				continue
			}
			if ref.Prefix != spec.Prefix {
				continue
			}
			hasRef = true

			if isTest && ref.Verb == model.VerbImpl {
				*errs = append(*errs, terr.New(terr.Merging, terr.CodeImplInTestFile, f, ref.Line,
					"impl reference to %q found in a test-included file", ref.ID.String()))
				continue
			}

			def, ok := spec.Definitions[ref.ID.Base]
			if !ok {
				suggestion := suggestBase(ref.ID.Base, bases)
				msg := fmt.Sprintf("reference to unknown requirement %q", ref.ID.String())
				if suggestion != "" {
					msg += fmt.Sprintf(" (did you mean %q?)", suggestion)
				}
				*errs = append(*errs, terr.New(terr.Merging, terr.CodeUnknownRequirement, f, ref.Line, "%s", msg))
				continue
			}

			state := im.States[ref.ID.Base]
			switch ref.Verb {
			case model.VerbImpl:
				state.ImplRefs = append(state.ImplRefs, ref)
				if ref.ID.Version == def.ID.Version {
					state.Impl = model.StateCoveredImpl
				} else if ref.ID.Version < def.ID.Version && state.Impl != model.StateCoveredImpl {
					state.Impl = model.StateStale
				}
			case model.VerbVerify:
				state.VerifyRefs = append(state.VerifyRefs, ref)
				if ref.ID.Version == def.ID.Version {
					state.Verify = model.StateCoveredVerify
				}
			case model.VerbDepends:
				state.DependsRefs = append(state.DependsRefs, ref)
			case model.VerbRelated, model.VerbUnknown:
				state.RelatedRefs = append(state.RelatedRefs, ref)
			}
		}

		if !hasRef && len(art.units) > 0 {
			im.Unmapped = append(im.Unmapped, f)
		}
	}

	for _, base := range bases {
		switch im.States[base].Impl {
		case model.StateCoveredImpl:
			im.Summary.CoveredImpl++
		case model.StateStale:
			im.Summary.Stale++
		default:
			im.Summary.Uncovered++
		}
		if im.States[base].Verify == model.StateCoveredVerify {
			im.Summary.CoveredVerify++
		}
	}
	im.Summary.TotalRequirements = len(bases)

	return im
}

// suggestBase finds the closest configured base to an unrecognized
// identifier within maxSuggestionDistance edits (spec.md §9 Open
// Question b), using github.com/agext/levenshtein.
func suggestBase(base string, candidates []string) string {
	best := ""
	bestDist := maxSuggestionDistance + 1
	for _, c := range candidates {
		d := levenshtein.Distance(base, c, nil)
		if d < bestDist {
			bestDist = d
			best = c
		}
	}
	if bestDist > maxSuggestionDistance {
		return ""
	}
	return best
}

// computeHeadingCoverage implements spec.md §4.4 "Outline aggregation":
// direct coverage (requirements whose immediate section is this heading)
// and aggregated coverage (all descendant sections too). A requirement
// counts as covered here if it is covered in any configured impl.
func computeHeadingCoverage(spec *model.SpecModel) {
	spec.HeadingCov = make(map[string]*model.HeadingCoverage, len(spec.Outline))
	for _, h := range spec.Outline {
		spec.HeadingCov[h.Slug] = &model.HeadingCoverage{Heading: h}
	}

	anyImplCovered := func(base string) (impl, verify bool) {
		for _, im := range spec.Impls {
			st, ok := im.States[base]
			if !ok {
				continue
			}
			if st.Impl == model.StateCoveredImpl {
				impl = true
			}
			if st.Verify == model.StateCoveredVerify {
				verify = true
			}
		}
		return
	}

	for base, def := range spec.Definitions {
		impl, verify := anyImplCovered(base)
		if len(def.HeadingPath) == 0 {
			continue
		}
		direct := def.HeadingPath[len(def.HeadingPath)-1].Slug
		for i, h := range def.HeadingPath {
			hc, ok := spec.HeadingCov[h.Slug]
			if !ok {
				continue
			}
			hc.Aggregated.TotalRequirements++
			if impl {
				hc.Aggregated.CoveredImpl++
			}
			if verify {
				hc.Aggregated.CoveredVerify++
			}
			if h.Slug == direct && i == len(def.HeadingPath)-1 {
				hc.Direct.TotalRequirements++
				if impl {
					hc.Direct.CoveredImpl++
				}
				if verify {
					hc.Direct.CoveredVerify++
				}
			}
		}
	}
}

// ValidationError flattens a Workspace's validation report into a single
// error via go.uber.org/multierr, for callers (pre-commit, validate) that
// want a conventional error return instead of walking Validation by hand.
// Warning-severity entries are excluded.
func ValidationError(ws *model.Workspace) error {
	var out error
	for _, e := range ws.Validation {
		if e.Severity != terr.SeverityError {
			continue
		}
		out = multierr.Append(out, e)
	}
	return out
}
