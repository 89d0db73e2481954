package srcscan

import (
	"regexp"
	"strings"

	"github.com/necessary-nu/tracey/internal/model"
	"github.com/necessary-nu/tracey/internal/terr"
)

const (
	directiveIgnoreNext  = "@tracey:ignore-next-line"
	directiveIgnoreStart = "@tracey:ignore-start"
	directiveIgnoreEnd   = "@tracey:ignore-end"
)

// refRe matches `PREFIX "[" [VERB SP] IDENT "]"` (spec.md §4.2). The verb
// token, if present, is any run of letters followed by whitespace; the
// caller maps it to a known Verb or flags it unknown.
var refRe = regexp.MustCompile(`([a-z0-9]{1,8})\[(?:([A-Za-z]+)\s+)?([^\]\s]+)\]`)

// Result is one source file's contribution to the workspace model.
type Result struct {
	References []model.Reference
	Errors     []*terr.Error
}

// Scan extracts references and honors ignore directives in a source
// file. prefixes is the set of configured spec prefixes.
func Scan(file string, src []byte, prefixes map[string]bool) Result {
	syn, _ := SyntaxFor(file)
	comments := FindComments(src, syn)

	var res Result
	ignoredLines, err := ignoredLineSet(file, src, comments)
	if err != nil {
		res.Errors = append(res.Errors, err)
	}

	for _, c := range comments {
		text := string(src[c.Start:c.End])
		backtickSpans := backtickRanges(text)

		for _, m := range refRe.FindAllStringSubmatchIndex(text, -1) {
			matchStart, matchEnd := m[0], m[1]
			if insideAny(backtickSpans, matchStart, matchEnd) {
				continue
			}
			prefix := text[m[2]:m[3]]
			if !prefixes[prefix] {
				line := lineOf(src, c.Start+matchStart)
				res.Errors = append(res.Errors, terr.New(terr.Merging, terr.CodeUnknownPrefix, file, line,
					"reference prefix %q matches no configured spec", prefix))
				continue
			}
			var verbTok string
			if m[4] >= 0 {
				verbTok = text[m[4]:m[5]]
			}
			identStr := text[m[6]:m[7]]

			id, idErr := model.ParseID(identStr)
			absOffset := c.Start + matchStart
			line := lineOf(src, absOffset)
			if idErr != nil {
				res.Errors = append(res.Errors, terr.New(terr.Parsing, terr.CodeBadVersion, file, line,
					"malformed requirement identifier %q: %v", identStr, idErr))
				continue
			}

			verb, unknown := classifyVerb(verbTok)
			if unknown {
				res.Errors = append(res.Errors, terr.New(terr.Merging, terr.CodeUnknownVerb, file, line,
					"unknown reference verb %q", verbTok))
			}

			res.References = append(res.References, model.Reference{
				ID:         id,
				Prefix:     prefix,
				Verb:       verb,
				File:       file,
				ByteOffset: absOffset,
				ByteLength: matchEnd - matchStart,
				Line:       line,
				Ignored:    ignoredLines[line],
			})
		}
	}

	return res
}

func classifyVerb(tok string) (model.Verb, bool) {
	switch tok {
	case "":
		return model.VerbImpl, false
	case "impl":
		return model.VerbImpl, false
	case "verify", "test":
		return model.VerbVerify, false
	case "depends":
		return model.VerbDepends, false
	case "related":
		return model.VerbRelated, false
	default:
		return model.VerbUnknown, true
	}
}

// backtickRanges returns the half-open byte ranges, within text, enclosed
// by a pair of backticks (spec.md §4.2: backtick-enclosed refs are not
// extracted).
func backtickRanges(text string) [][2]int {
	var spans [][2]int
	open := -1
	for i, r := range text {
		if r != '`' {
			continue
		}
		if open < 0 {
			open = i
		} else {
			spans = append(spans, [2]int{open, i + 1})
			open = -1
		}
	}
	return spans
}

func insideAny(spans [][2]int, start, end int) bool {
	for _, s := range spans {
		if start >= s[0] && end <= s[1] {
			return true
		}
	}
	return false
}

func lineOf(src []byte, offset int) int {
	n := 1
	for i := 0; i < offset && i < len(src); i++ {
		if src[i] == '\n' {
			n++
		}
	}
	return n
}

// ignoredLineSet computes the set of 1-based source line numbers
// suppressed by @tracey:ignore-next-line / ignore-start / ignore-end
// directives found in line comments (spec.md §4.2).
func ignoredLineSet(file string, src []byte, comments []CommentRange) (map[int]bool, *terr.Error) {
	ignored := make(map[int]bool)
	totalLines := lineOf(src, len(src))

	openStart := -1 // line number of an unmatched ignore-start, or -1
	var reportErr *terr.Error

	for _, c := range comments {
		if c.Block {
			continue
		}
		text := src[c.Start:c.End]
		line := lineOf(src, c.Start)

		switch {
		case containsDirective(text, directiveIgnoreNext):
			if line+1 <= totalLines {
				ignored[line+1] = true
			}
		case containsDirective(text, directiveIgnoreStart):
			if openStart != -1 && reportErr == nil {
				reportErr = terr.New(terr.Merging, terr.CodeNestedIgnore, file, line,
					"nested @tracey:ignore-start (already open since line %d)", openStart)
			}
			openStart = line
		case containsDirective(text, directiveIgnoreEnd):
			if openStart != -1 {
				for l := openStart; l <= line; l++ {
					ignored[l] = true
				}
				openStart = -1
			}
		}
	}

	if openStart != -1 && reportErr == nil {
		reportErr = terr.New(terr.Merging, terr.CodeUnclosedIgnore, file, openStart,
			"@tracey:ignore-start at line %d is never closed", openStart)
	}

	return ignored, reportErr
}

func containsDirective(b []byte, s string) bool {
	return strings.Contains(string(b), s)
}
