// Package codeunit identifies top-level syntactic units in a source file
// (spec.md §4.3). Go, Python, Rust, JavaScript, and TypeScript get
// syntax-aware extraction via github.com/smacker/go-tree-sitter, modeled
// on the teacher's internal/world/ast_treesitter.go node-type tables;
// every other extension falls back to a single whole-file unit.
package codeunit

import (
	"context"
	"sort"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/necessary-nu/tracey/internal/model"
	"github.com/necessary-nu/tracey/internal/srcscan"
)

// nodeSpec maps a tree-sitter node type to the CodeUnitKind it produces,
// and whether that node type carries an optional "name" child field.
type nodeSpec struct {
	kind     model.CodeUnitKind
	nameless bool
}

var goNodeKinds = map[string]nodeSpec{
	"function_declaration": {kind: model.KindFunction},
	"method_declaration":   {kind: model.KindFunction},
	"type_declaration":     {kind: model.KindType},
	"const_declaration":    {kind: model.KindConstant},
}

var pythonNodeKinds = map[string]nodeSpec{
	"function_definition": {kind: model.KindFunction},
	"class_definition":    {kind: model.KindType},
}

var rustNodeKinds = map[string]nodeSpec{
	"function_item": {kind: model.KindFunction},
	"struct_item":   {kind: model.KindType},
	"enum_item":     {kind: model.KindType},
	"trait_item":    {kind: model.KindType},
	"impl_item":     {kind: model.KindImplBlock, nameless: true},
	"mod_item":      {kind: model.KindModule},
	"macro_definition": {kind: model.KindMacro},
}

var tsNodeKinds = map[string]nodeSpec{
	"function_declaration":  {kind: model.KindFunction},
	"class_declaration":     {kind: model.KindType},
	"interface_declaration": {kind: model.KindType},
}

type langProfile struct {
	lang      *sitter.Language
	nodeKinds map[string]nodeSpec
}

func profileFor(ext string) (langProfile, bool) {
	switch ext {
	case "go":
		return langProfile{lang: golang.GetLanguage(), nodeKinds: goNodeKinds}, true
	case "py":
		return langProfile{lang: python.GetLanguage(), nodeKinds: pythonNodeKinds}, true
	case "rs":
		return langProfile{lang: rust.GetLanguage(), nodeKinds: rustNodeKinds}, true
	case "js", "jsx", "mjs":
		return langProfile{lang: javascript.GetLanguage(), nodeKinds: tsNodeKinds}, true
	case "ts", "tsx":
		return langProfile{lang: typescript.GetLanguage(), nodeKinds: tsNodeKinds}, true
	default:
		return langProfile{}, false
	}
}

// Extract returns the top-level (and nested) code units for file, with
// refs assigned to the innermost enclosing unit (spec.md §4.3).
func Extract(ctx context.Context, file string, src []byte, ext string, refs []model.Reference) []*model.CodeUnit {
	profile, ok := profileFor(ext)
	if !ok {
		return []*model.CodeUnit{wholeFileUnit(file, src, refs)}
	}
	syn, _ := srcscan.SyntaxFor(file)

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(profile.lang)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return []*model.CodeUnit{wholeFileUnit(file, src, refs)}
	}
	defer tree.Close()

	var top []*model.CodeUnit
	var walk func(n *sitter.Node) []*model.CodeUnit
	walk = func(n *sitter.Node) []*model.CodeUnit {
		var units []*model.CodeUnit
		count := int(n.ChildCount())
		for i := 0; i < count; i++ {
			child := n.Child(i)
			if child == nil {
				continue
			}
			if spec, ok := profile.nodeKinds[child.Type()]; ok {
				startLine := int(child.StartPoint().Row) + 1
				endLine := int(child.EndPoint().Row) + 1
				startLine = extendUpwardThroughComments(src, startLine, syn)
				unit := &model.CodeUnit{
					Kind:      spec.kind,
					Name:      nodeName(child, src, spec),
					File:      file,
					StartLine: startLine,
					EndLine:   endLine,
				}
				unit.Children = walk(child)
				units = append(units, unit)
				continue
			}
			units = append(units, walk(child)...)
		}
		return units
	}
	top = walk(tree.RootNode())

	if len(top) == 0 {
		return []*model.CodeUnit{wholeFileUnit(file, src, refs)}
	}

	assignRefs(top, refs)
	return top
}

func nodeName(n *sitter.Node, src []byte, spec nodeSpec) string {
	if spec.nameless {
		return ""
	}
	if name := n.ChildByFieldName("name"); name != nil {
		return name.Content(src)
	}
	// Go's type and const declarations carry the name one level down, on
	// their type_spec/const_spec child.
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if name := n.NamedChild(i).ChildByFieldName("name"); name != nil {
			return name.Content(src)
		}
	}
	return ""
}

// extendUpwardThroughComments implements spec.md §4.3/§3: "startLine is
// extended upward to include contiguous preceding comments/attributes
// with no intervening non-comment, non-attribute content."
func extendUpwardThroughComments(src []byte, startLine int, syn srcscan.Syntax) int {
	lines := lineStarts(src)
	line := startLine
	for line > 1 {
		prevText := lineText(src, lines, line-1)
		trimmed := trimSpace(prevText)
		if trimmed == "" {
			break
		}
		if !hasCommentPrefix(trimmed, syn) && trimmed[0] != '@' && trimmed[0] != '#' {
			break
		}
		line--
	}
	return line
}

func hasCommentPrefix(s string, syn srcscan.Syntax) bool {
	if syn.Line != "" && len(s) >= len(syn.Line) && s[:len(syn.Line)] == syn.Line {
		return true
	}
	if syn.BlockEnd != "" && len(s) >= len(syn.BlockEnd) && s[len(s)-len(syn.BlockEnd):] == syn.BlockEnd {
		return true
	}
	return false
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}

func lineStarts(src []byte) []int {
	starts := []int{0}
	for i, b := range src {
		if b == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

func lineText(src []byte, starts []int, line int) string {
	idx := line - 1
	if idx < 0 || idx >= len(starts) {
		return ""
	}
	start := starts[idx]
	end := len(src)
	if idx+1 < len(starts) {
		end = starts[idx+1] - 1
	}
	if end < start {
		end = start
	}
	if end > len(src) {
		end = len(src)
	}
	return string(src[start:end])
}

func wholeFileUnit(file string, src []byte, refs []model.Reference) *model.CodeUnit {
	lineCount := 1
	for i, b := range src {
		if b == '\n' && i < len(src)-1 {
			lineCount++
		}
	}
	u := &model.CodeUnit{Kind: model.KindOther, File: file, StartLine: 1, EndLine: lineCount}
	u.Refs = append(u.Refs, refs...)
	return u
}

// assignRefs walks the unit forest and assigns each reference to its
// innermost enclosing unit.
func assignRefs(units []*model.CodeUnit, refs []model.Reference) {
	sort.Slice(units, func(i, j int) bool { return units[i].StartLine < units[j].StartLine })
	for _, r := range refs {
		target := findInnermost(units, r.Line)
		if target != nil {
			target.Refs = append(target.Refs, r)
		}
	}
}

func findInnermost(units []*model.CodeUnit, line int) *model.CodeUnit {
	for _, u := range units {
		if line >= u.StartLine && line <= u.EndLine {
			if child := findInnermost(u.Children, line); child != nil {
				return child
			}
			return u
		}
	}
	return nil
}
