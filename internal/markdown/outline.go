package markdown

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/necessary-nu/tracey/internal/model"
)

// byteRange is a half-open [Start, End) byte interval in a file's source.
type byteRange struct{ Start, End int }

func (r byteRange) overlaps(start, end int) bool {
	return start < r.End && end > r.Start
}

// parsed bundles the goldmark-derived structure a file contributes:
// the heading outline, exclusion ranges (fenced code, inline code spans)
// that marker recognition must skip, and the positioned heading list used
// to assign a definition's HeadingPath.
type parsed struct {
	Outline          []model.Heading
	positionedHeads  []positionedHeading
	excluded         []byteRange
}

type positionedHeading struct {
	model.Heading
	Start int
}

// slugify deterministically slugifies heading text: lowercase, collapse
// non [a-z0-9]+ runs to '-', trim. Collisions within a file receive a
// suffixed counter, per spec.md §4.1.
func slugify(s string, seen map[string]int) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "section"
	}
	if n, ok := seen[slug]; ok {
		seen[slug] = n + 1
		base := slug
		slug = base + "-" + itoa(n+1)
		seen[slug] = 1
		return slug
	}
	seen[slug] = 1
	return slug
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func headingText(n *ast.Heading, src []byte) string {
	var b strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			b.Write(t.Segment.Value(src))
		}
	}
	return strings.TrimSpace(b.String())
}

func codeSpanRange(n *ast.CodeSpan) (int, int, bool) {
	start, end := -1, -1
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			seg := t.Segment
			if start == -1 || seg.Start < start {
				start = seg.Start
			}
			if seg.Stop > end {
				end = seg.Stop
			}
		}
	}
	return start, end, start != -1
}

// parseStructure runs goldmark over src to recover the heading outline
// and the byte ranges (fenced/indented code blocks, inline code spans)
// inside which a requirement marker must not be recognized (spec.md
// §4.1: "Markers appearing inline inside other prose or inside code
// spans/code fences MUST NOT be recognized as definitions").
func parseStructure(src []byte) parsed {
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))

	var out parsed
	seenSlugs := make(map[string]int)

	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := n.Kind(); v {
		case ast.KindHeading:
			h := n.(*ast.Heading)
			lines := h.Lines()
			start := 0
			if lines.Len() > 0 {
				start = lines.At(0).Start
			}
			txt := headingText(h, src)
			head := model.Heading{
				Slug:  slugify(txt, seenSlugs),
				Level: h.Level,
				Text:  txt,
			}
			out.Outline = append(out.Outline, head)
			out.positionedHeads = append(out.positionedHeads, positionedHeading{Heading: head, Start: start})
		case ast.KindFencedCodeBlock, ast.KindCodeBlock:
			bb := n
			lines := bb.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				out.excluded = append(out.excluded, byteRange{Start: seg.Start, End: seg.Stop})
			}
		case ast.KindCodeSpan:
			if start, end, ok := codeSpanRange(n.(*ast.CodeSpan)); ok {
				out.excluded = append(out.excluded, byteRange{Start: start, End: end})
			}
		}
		return ast.WalkContinue, nil
	})

	return out
}

// headingPathAt returns the chain of ancestor headings enclosing byte
// offset pos, outermost first, by maintaining a stack of open headings
// and popping any at a level >= the next heading's before pushing it.
func headingPathAt(heads []positionedHeading, pos int) []model.Heading {
	var stack []positionedHeading
	for _, h := range heads {
		if h.Start > pos {
			break
		}
		for len(stack) > 0 && stack[len(stack)-1].Level >= h.Level {
			stack = stack[:len(stack)-1]
		}
		stack = append(stack, h)
	}
	path := make([]model.Heading, len(stack))
	for i, h := range stack {
		path[i] = h.Heading
	}
	return path
}

func (p parsed) isExcluded(start, end int) bool {
	for _, r := range p.excluded {
		if r.overlaps(start, end) {
			return true
		}
	}
	return false
}
