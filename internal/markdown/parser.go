// Package markdown extracts requirement definitions and heading outlines
// from Markdown documents (spec.md §4.1). Block structure (headings,
// fenced code, inline code spans) is recovered with
// github.com/yuin/goldmark; Tracey's own requirement-marker grammar is
// layered on top, scanning raw lines while respecting goldmark's
// exclusion ranges so markers inside code fences/spans are never
// recognized.
package markdown

import (
	"regexp"
	"strings"

	"github.com/necessary-nu/tracey/internal/model"
	"github.com/necessary-nu/tracey/internal/terr"
)

// standaloneRe matches a standalone-form marker line: PREFIX[IDENT] with
// nothing but whitespace after the closing bracket, anchored at column 0.
var standaloneRe = regexp.MustCompile(`^([a-z0-9]{1,8})\[([^\]\s]+)\]\s*$`)

// blockquoteRe matches the blockquote form: "> PREFIX[IDENT]".
var blockquoteRe = regexp.MustCompile(`^>\s?([a-z0-9]{1,8})\[([^\]\s]+)\]\s*$`)

// Result is one Markdown file's contribution to the workspace model.
type Result struct {
	Definitions []model.Definition
	Outline     []model.Heading
	Errors      []*terr.Error
}

type lineInfo struct {
	start, end int // byte offsets of line content, excluding the newline
	text       string
}

func splitLines(src []byte) []lineInfo {
	var lines []lineInfo
	start := 0
	for i, b := range src {
		if b == '\n' {
			end := i
			if end > start && src[end-1] == '\r' {
				end--
			}
			lines = append(lines, lineInfo{start: start, end: end, text: string(src[start:end])})
			start = i + 1
		}
	}
	if start < len(src) || len(src) == 0 {
		lines = append(lines, lineInfo{start: start, end: len(src), text: string(src[start:len(src)])})
	}
	return lines
}

func isBlank(s string) bool { return strings.TrimSpace(s) == "" }

// Parse extracts requirement definitions and the heading outline from a
// Markdown document. prefixes is the set of configured spec prefixes;
// a marker whose prefix isn't configured is not recognized as a
// definition at all (it is left for the source-comment grammar, or for
// plain prose, to ignore).
func Parse(file string, src []byte, prefixes map[string]bool) Result {
	st := parseStructure(src)
	lines := splitLines(src)
	headingStart := make(map[int]bool, len(st.positionedHeads))
	for _, h := range st.positionedHeads {
		// h.Start is where the heading text begins, which for an ATX
		// heading is after its "#" run; key by the start of that line.
		ls := h.Start
		for ls > 0 && src[ls-1] != '\n' {
			ls--
		}
		headingStart[ls] = true
	}

	var res Result
	res.Outline = st.Outline

	seenInFile := make(map[string]model.Definition)
	order := 0

	for i := 0; i < len(lines); i++ {
		ln := lines[i]
		if st.isExcluded(ln.start, ln.end) {
			continue
		}

		if m := blockquoteRe.FindStringSubmatch(ln.text); m != nil {
			prefix, identStr := m[1], m[2]
			if !prefixes[prefix] {
				continue
			}
			endLineIdx := i
			for endLineIdx+1 < len(lines) && strings.HasPrefix(strings.TrimLeft(lines[endLineIdx+1].text, " "), ">") {
				endLineIdx++
			}
			def, err := buildDefinition(file, prefix, identStr, ln.start, lines[endLineIdx].end, src, st, order)
			order++
			if err != nil {
				res.Errors = append(res.Errors, err)
				continue
			}
			res.Definitions, res.Errors = appendDefinition(res.Definitions, res.Errors, seenInFile, def, file, src)
			continue
		}

		if m := standaloneRe.FindStringSubmatch(ln.text); m != nil {
			prefix, identStr := m[1], m[2]
			if !prefixes[prefix] {
				continue
			}
			endByte := spanEnd(lines, i+1, headingStart, prefixes)
			def, err := buildDefinition(file, prefix, identStr, ln.start, endByte, src, st, order)
			order++
			if err != nil {
				res.Errors = append(res.Errors, err)
				continue
			}
			res.Definitions, res.Errors = appendDefinition(res.Definitions, res.Errors, seenInFile, def, file, src)
		}
	}

	return res
}

// spanEnd computes the end byte of a standalone-form definition's span:
// it extends until the next blank line, heading, or subsequent
// definition marker, whichever comes first (spec.md §4.1).
func spanEnd(lines []lineInfo, from int, headingStart map[int]bool, prefixes map[string]bool) int {
	if from == 0 {
		return lines[0].end
	}
	end := lines[from-1].end
	for i := from; i < len(lines); i++ {
		ln := lines[i]
		if isBlank(ln.text) {
			break
		}
		if headingStart[ln.start] {
			break
		}
		if m := standaloneRe.FindStringSubmatch(ln.text); m != nil && prefixes[m[1]] {
			break
		}
		if m := blockquoteRe.FindStringSubmatch(ln.text); m != nil && prefixes[m[1]] {
			break
		}
		end = ln.end
	}
	return end
}

func buildDefinition(file, prefix, identStr string, startByte, endByte int, src []byte, st parsed, order int) (model.Definition, *terr.Error) {
	id, err := model.ParseID(identStr)
	if err != nil {
		return model.Definition{}, terr.New(terr.Parsing, terr.CodeBadVersion, file, lineNumber(src, startByte),
			"malformed requirement identifier %q: %v", identStr, err)
	}
	return model.Definition{
		ID:          id,
		Prefix:      prefix,
		RawMarkdown: string(src[startByte:endByte]),
		SourceFile:  file,
		StartByte:   startByte,
		EndByte:     endByte,
		HeadingPath: headingPathAt(st.positionedHeads, startByte),
		OrderInFile: order,
	}, nil
}

func appendDefinition(defs []model.Definition, errs []*terr.Error, seen map[string]model.Definition, def model.Definition, file string, src []byte) ([]model.Definition, []*terr.Error) {
	if prior, dup := seen[def.ID.Base]; dup {
		errs = append(errs, terr.New(terr.Parsing, terr.CodeDuplicateInFile, file, lineNumber(src, def.StartByte),
			"duplicate requirement base %q in file (first seen at byte %d, again at byte %d)",
			def.ID.Base, prior.StartByte, def.StartByte))
		return defs, errs
	}
	seen[def.ID.Base] = def
	defs = append(defs, def)
	return defs, errs
}

func lineNumber(src []byte, offset int) int {
	n := 1
	for i := 0; i < offset && i < len(src); i++ {
		if src[i] == '\n' {
			n++
		}
	}
	return n
}
