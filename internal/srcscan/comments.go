package srcscan

import "bytes"

// CommentRange is one comment occurrence's byte span within a source
// file, spec.md §4.2: "annotation scanning operates only over the text
// inside those ranges."
type CommentRange struct {
	Start, End int
	Block      bool
}

// FindComments scans src for comment ranges per syn. String and
// character literals are not tracked (a conservative simplification): a
// line- or block-comment delimiter appearing
// inside a string literal is still treated as starting a comment, which
// matches how most lightweight traceability scanners in this space (e.g.
// reqtraq, reqmd) operate.
func FindComments(src []byte, syn Syntax) []CommentRange {
	var ranges []CommentRange
	n := len(src)
	i := 0
	for i < n {
		if syn.BlockStart != "" && hasPrefixAt(src, i, syn.BlockStart) {
			start := i
			searchFrom := i + len(syn.BlockStart)
			rel := bytes.Index(src[searchFrom:], []byte(syn.BlockEnd))
			var end int
			if rel < 0 {
				end = n
			} else {
				end = searchFrom + rel + len(syn.BlockEnd)
			}
			ranges = append(ranges, CommentRange{Start: start, End: end, Block: true})
			i = end
			continue
		}
		if syn.Line != "" && hasPrefixAt(src, i, syn.Line) {
			start := i
			rel := bytes.IndexByte(src[i:], '\n')
			var end int
			if rel < 0 {
				end = n
			} else {
				end = i + rel
			}
			ranges = append(ranges, CommentRange{Start: start, End: end})
			i = end
			continue
		}
		i++
	}
	return ranges
}

func hasPrefixAt(src []byte, i int, prefix string) bool {
	if i+len(prefix) > len(src) {
		return false
	}
	return string(src[i:i+len(prefix)]) == prefix
}
