package model

import "github.com/necessary-nu/tracey/internal/terr"

// CoverageState is a requirement's status within one (spec, impl) pair,
// per spec.md §4.4.
type CoverageState string

const (
	StateCoveredImpl   CoverageState = "coveredImpl"
	StateCoveredVerify CoverageState = "coveredVerify"
	StateStale         CoverageState = "stale"
	StateUncovered     CoverageState = "uncovered"
)

// RequirementState is one requirement's computed coverage within a single
// (spec, impl) pair.
type RequirementState struct {
	Base          string
	CurrentVersion int
	Impl          CoverageState // StateCoveredImpl, StateStale, or StateUncovered
	Verify        CoverageState // StateCoveredVerify or StateUncovered
	ImplRefs      []Reference
	VerifyRefs    []Reference
	DependsRefs   []Reference
	RelatedRefs   []Reference
}

// CoverageSummary is one (spec, impl) pair's aggregate percentages, per
// spec.md §4.4 point 4.
type CoverageSummary struct {
	TotalRequirements int
	CoveredImpl       int
	CoveredVerify     int
	Stale             int
	Uncovered         int
}

// ImplPercent reports coveredImpl / total as a fraction in [0, 1]; 1 when
// there are no requirements to cover.
func (c CoverageSummary) ImplPercent() float64 {
	if c.TotalRequirements == 0 {
		return 1
	}
	return float64(c.CoveredImpl) / float64(c.TotalRequirements)
}

// VerifyPercent reports coveredVerify / total as a fraction in [0, 1].
func (c CoverageSummary) VerifyPercent() float64 {
	if c.TotalRequirements == 0 {
		return 1
	}
	return float64(c.CoveredVerify) / float64(c.TotalRequirements)
}

// HeadingCoverage is one outline heading's direct and aggregated coverage
// (spec.md §4.4 "Outline aggregation").
type HeadingCoverage struct {
	Heading
	Direct     CoverageSummary
	Aggregated CoverageSummary
}

// ImplModel is one implementation's scan results against a single spec.
type ImplModel struct {
	Name        string
	States      map[string]*RequirementState // keyed by base
	Units       map[string][]*CodeUnit       // keyed by source file
	Summary     CoverageSummary
	Unmapped    []string // files matched by this impl with zero references
}

// SpecModel is one spec's definitions, outline, and per-impl results.
type SpecModel struct {
	Name        string
	Prefix      string
	Definitions map[string]Definition // keyed by base, current version only
	Outline     []Heading
	HeadingCov  map[string]*HeadingCoverage // keyed by slug; a requirement counts as covered if any impl covers it
	Impls       map[string]*ImplModel       // keyed by impl name
}

// Workspace is the immutable, versioned snapshot published by the model
// assembler (spec.md §3 "Workspace model", §3 "Lifecycle").
type Workspace struct {
	Version    uint64
	Specs      map[string]*SpecModel // keyed by prefix
	Validation []*terr.Error
}

// FindRequirement looks up a requirement's current definition by prefix
// and base, returning false if the spec or base is unknown.
func (w *Workspace) FindRequirement(prefix, base string) (Definition, bool) {
	spec, ok := w.Specs[prefix]
	if !ok {
		return Definition{}, false
	}
	def, ok := spec.Definitions[base]
	return def, ok
}
