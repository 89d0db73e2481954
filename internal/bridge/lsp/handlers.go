package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/necessary-nu/tracey/internal/model"
)

func (s *Server) handle(ctx context.Context, req Request) *Response {
	switch req.Method {
	case "initialize":
		return s.reply(req, map[string]any{
			"capabilities": map[string]any{
				"textDocumentSync":       1,
				"definitionProvider":     true,
				"implementationProvider": true,
				"referencesProvider":     true,
				"hoverProvider":          true,
				"renameProvider":         map[string]any{"prepareProvider": true},
				"completionProvider":     map[string]any{"triggerCharacters": []string{"[", " "}},
				"codeActionProvider":     true,
				"documentSymbolProvider": true,
				"workspaceSymbolProvider": true,
				"codeLensProvider":       map[string]any{},
			},
		})

	case "textDocument/didOpen":
		var p struct {
			TextDocument TextDocumentItem `json:"textDocument"`
		}
		json.Unmarshal(req.Params, &p)
		s.onOpenOrChange(ctx, p.TextDocument.URI, []byte(p.TextDocument.Text))
		return nil

	case "textDocument/didChange":
		var p struct {
			TextDocument   VersionedTextDocumentIdentifier `json:"textDocument"`
			ContentChanges []struct {
				Text string `json:"text"`
			} `json:"contentChanges"`
		}
		json.Unmarshal(req.Params, &p)
		if len(p.ContentChanges) > 0 {
			s.onOpenOrChange(ctx, p.TextDocument.URI, []byte(p.ContentChanges[0].Text))
		}
		return nil

	case "textDocument/didClose":
		var p struct {
			TextDocument VersionedTextDocumentIdentifier `json:"textDocument"`
		}
		json.Unmarshal(req.Params, &p)
		s.mu.Lock()
		delete(s.docs, p.TextDocument.URI)
		s.mu.Unlock()
		s.api.VFSClose(ctx, uriToPath(p.TextDocument.URI))
		return nil

	case "textDocument/definition":
		return s.reply(req, s.handleDefinition(req))

	case "textDocument/implementation":
		return s.reply(req, s.handleImplementation(req))

	case "textDocument/references":
		return s.reply(req, s.handleReferences(req))

	case "textDocument/hover":
		return s.reply(req, s.handleHover(req))

	case "textDocument/prepareRename":
		return s.handlePrepareRename(req)

	case "textDocument/rename":
		return s.handleRename(req)

	case "textDocument/completion":
		return s.reply(req, s.handleCompletion(req))

	case "textDocument/documentSymbol":
		return s.reply(req, s.handleDocumentSymbol(req))

	case "workspace/symbol":
		return s.reply(req, s.handleWorkspaceSymbol(req))

	case "textDocument/codeLens":
		return s.reply(req, s.handleCodeLens(req))

	case "textDocument/codeAction":
		return s.reply(req, s.handleCodeAction(req))

	case "shutdown":
		return s.reply(req, nil)
	case "exit":
		return nil
	default:
		return nil
	}
}

func (s *Server) reply(req Request, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (s *Server) onOpenOrChange(ctx context.Context, uri string, content []byte) {
	s.mu.Lock()
	s.docs[uri] = content
	s.mu.Unlock()

	path := uriToPath(uri)
	ws, err := s.api.VFSChange(ctx, path, content)
	if err != nil {
		s.log.Warn("vfs change %s: %v", path, err)
		return
	}
	s.publishDiagnostics(uri, path, ws)
}

func (s *Server) relPath(path string) string {
	root := s.api.Root()
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// --- position / offset conversion (byte-based, matching the teacher's
// plain-int column handling rather than UTF-16 code units) ---

func offsetToPosition(content []byte, offset int) Position {
	if offset > len(content) {
		offset = len(content)
	}
	line, lastNL := 0, -1
	for i := 0; i < offset; i++ {
		if content[i] == '\n' {
			line++
			lastNL = i
		}
	}
	return Position{Line: line, Character: offset - lastNL - 1}
}

func positionToOffset(content []byte, pos Position) int {
	line, i := 0, 0
	for line < pos.Line && i < len(content) {
		if content[i] == '\n' {
			line++
		}
		i++
	}
	off := i + pos.Character
	if off > len(content) {
		off = len(content)
	}
	return off
}

// readFileAbs reads a workspace-root-relative path (as stored in
// model.Definition.SourceFile / model.Reference.File) through the same
// absolute-path overlay the VFS bridge methods use.
func (s *Server) readFileAbs(rel string) ([]byte, error) {
	return s.api.ReadFile(filepath.Join(s.api.Root(), rel))
}

func (s *Server) readDoc(uri string) []byte {
	s.mu.Lock()
	content, ok := s.docs[uri]
	s.mu.Unlock()
	if ok {
		return content
	}
	b, err := s.api.ReadFile(uriToPath(uri))
	if err != nil {
		return nil
	}
	return b
}

// referenceAt returns the reference whose byte span contains offset in
// relPath, searching every (spec, impl) pair, or ok=false.
func referenceAt(ws *model.Workspace, relPath string, offset int) (ref model.Reference, specPrefix, implName string, ok bool) {
	for prefix, spec := range ws.Specs {
		for iname, impl := range spec.Impls {
			for _, st := range impl.States {
				for _, group := range [][]model.Reference{st.ImplRefs, st.VerifyRefs, st.DependsRefs, st.RelatedRefs} {
					for _, r := range group {
						if r.File == relPath && offset >= r.ByteOffset && offset < r.ByteOffset+r.ByteLength {
							return r, prefix, iname, true
						}
					}
				}
			}
		}
	}
	return model.Reference{}, "", "", false
}

// definitionAt returns the definition whose block spans offset in
// relPath, or ok=false.
func definitionAt(ws *model.Workspace, relPath string, offset int) (def model.Definition, specPrefix string, ok bool) {
	for prefix, spec := range ws.Specs {
		for _, d := range spec.Definitions {
			if d.SourceFile == relPath && offset >= d.StartByte && offset < d.EndByte {
				return d, prefix, true
			}
		}
	}
	return model.Definition{}, "", false
}

func (s *Server) handleDefinition(req Request) *Location {
	var p TextDocumentPositionParams
	json.Unmarshal(req.Params, &p)
	ws := s.api.Snapshot()
	rel := s.relPath(uriToPath(p.TextDocument.URI))
	offset := positionToOffset(s.readDoc(p.TextDocument.URI), p.Position)

	ref, prefix, _, ok := referenceAt(ws, rel, offset)
	if !ok {
		return nil
	}
	spec, ok := ws.Specs[prefix]
	if !ok {
		return nil
	}
	def, ok := spec.Definitions[ref.ID.Base]
	if !ok {
		return nil
	}
	return s.locationForDefinition(def)
}

func (s *Server) locationForDefinition(def model.Definition) *Location {
	path := filepath.Join(s.api.Root(), def.SourceFile)
	content, err := s.readFileAbs(def.SourceFile)
	if err != nil {
		return &Location{URI: pathToURI(path)}
	}
	pos := offsetToPosition(content, def.StartByte)
	return &Location{URI: pathToURI(path), Range: Range{Start: pos, End: pos}}
}

func (s *Server) handleImplementation(req Request) []Location {
	var p TextDocumentPositionParams
	json.Unmarshal(req.Params, &p)
	ws := s.api.Snapshot()
	rel := s.relPath(uriToPath(p.TextDocument.URI))
	offset := positionToOffset(s.readDoc(p.TextDocument.URI), p.Position)

	def, prefix, ok := definitionAt(ws, rel, offset)
	if !ok {
		return nil
	}
	var locs []Location
	spec := ws.Specs[prefix]
	for _, impl := range spec.Impls {
		st, ok := impl.States[def.ID.Base]
		if !ok {
			continue
		}
		for _, r := range st.ImplRefs {
			locs = append(locs, s.locationForReference(r))
		}
	}
	return locs
}

func (s *Server) locationForReference(r model.Reference) Location {
	path := filepath.Join(s.api.Root(), r.File)
	content, err := s.readFileAbs(r.File)
	if err != nil {
		return Location{URI: pathToURI(path)}
	}
	start := offsetToPosition(content, r.ByteOffset)
	end := offsetToPosition(content, r.ByteOffset+r.ByteLength)
	return Location{URI: pathToURI(path), Range: Range{Start: start, End: end}}
}

func (s *Server) handleReferences(req Request) []Location {
	var p struct {
		TextDocumentPositionParams
		Context struct {
			IncludeDeclaration bool `json:"includeDeclaration"`
		} `json:"context"`
	}
	json.Unmarshal(req.Params, &p)
	ws := s.api.Snapshot()
	rel := s.relPath(uriToPath(p.TextDocument.URI))
	offset := positionToOffset(s.readDoc(p.TextDocument.URI), p.Position)

	var base, prefix string
	if def, pfx, ok := definitionAt(ws, rel, offset); ok {
		base, prefix = def.ID.Base, pfx
	} else if ref, pfx, _, ok := referenceAt(ws, rel, offset); ok {
		base, prefix = ref.ID.Base, pfx
	} else {
		return nil
	}

	spec, ok := ws.Specs[prefix]
	if !ok {
		return nil
	}
	var locs []Location
	if p.Context.IncludeDeclaration {
		if def, ok := spec.Definitions[base]; ok {
			locs = append(locs, *s.locationForDefinition(def))
		}
	}
	for _, impl := range spec.Impls {
		st, ok := impl.States[base]
		if !ok {
			continue
		}
		for _, group := range [][]model.Reference{st.ImplRefs, st.VerifyRefs, st.DependsRefs, st.RelatedRefs} {
			for _, r := range group {
				locs = append(locs, s.locationForReference(r))
			}
		}
	}
	return locs
}

func (s *Server) handleHover(req Request) map[string]any {
	var p TextDocumentPositionParams
	json.Unmarshal(req.Params, &p)
	ws := s.api.Snapshot()
	rel := s.relPath(uriToPath(p.TextDocument.URI))
	offset := positionToOffset(s.readDoc(p.TextDocument.URI), p.Position)

	var base, prefix string
	if def, pfx, ok := definitionAt(ws, rel, offset); ok {
		base, prefix = def.ID.Base, pfx
	} else if ref, pfx, _, ok := referenceAt(ws, rel, offset); ok {
		base, prefix = ref.ID.Base, pfx
	} else {
		return nil
	}

	spec, ok := ws.Specs[prefix]
	if !ok {
		return nil
	}
	def, ok := spec.Definitions[base]
	if !ok {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**%s[%s]**\n\n%s\n\n---\n", prefix, def.ID, def.RawMarkdown)
	for implName, impl := range spec.Impls {
		st, ok := impl.States[base]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- `%s`: impl=%s verify=%s\n", implName, st.Impl, st.Verify)
	}
	return map[string]any{"contents": map[string]string{"kind": "markdown", "value": b.String()}}
}

func (s *Server) handlePrepareRename(req Request) *Response {
	var p TextDocumentPositionParams
	json.Unmarshal(req.Params, &p)
	ws := s.api.Snapshot()
	rel := s.relPath(uriToPath(p.TextDocument.URI))
	offset := positionToOffset(s.readDoc(p.TextDocument.URI), p.Position)

	var base string
	if def, _, ok := definitionAt(ws, rel, offset); ok {
		base = def.ID.Base
	} else if ref, _, _, ok := referenceAt(ws, rel, offset); ok {
		base = ref.ID.Base
	} else {
		return s.reply(req, nil)
	}
	return s.reply(req, map[string]any{"placeholder": base})
}

func (s *Server) handleRename(req Request) *Response {
	var p struct {
		TextDocumentPositionParams
		NewName string `json:"newName"`
	}
	json.Unmarshal(req.Params, &p)
	if !model.ValidBase(p.NewName) {
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: &ResponseError{Code: codeInvalidParams, Message: fmt.Sprintf("invalid base %q", p.NewName)}}
	}

	ws := s.api.Snapshot()
	rel := s.relPath(uriToPath(p.TextDocument.URI))
	offset := positionToOffset(s.readDoc(p.TextDocument.URI), p.Position)

	var oldBase, prefix string
	if def, pfx, ok := definitionAt(ws, rel, offset); ok {
		oldBase, prefix = def.ID.Base, pfx
	} else if ref, pfx, _, ok := referenceAt(ws, rel, offset); ok {
		oldBase, prefix = ref.ID.Base, pfx
	} else {
		return s.reply(req, nil)
	}

	spec, ok := ws.Specs[prefix]
	if !ok {
		return s.reply(req, nil)
	}

	changes := map[string][]TextEdit{}
	if def, ok := spec.Definitions[oldBase]; ok {
		content, err := s.readFileAbs(def.SourceFile)
		if err == nil {
			if edit, ok := renameInSpan(content, def.StartByte, def.EndByte, oldBase, p.NewName); ok {
				uri := pathToURI(filepath.Join(s.api.Root(), def.SourceFile))
				changes[uri] = append(changes[uri], edit)
			}
		}
	}
	for _, impl := range spec.Impls {
		st, ok := impl.States[oldBase]
		if !ok {
			continue
		}
		for _, group := range [][]model.Reference{st.ImplRefs, st.VerifyRefs, st.DependsRefs, st.RelatedRefs} {
			for _, r := range group {
				content, err := s.readFileAbs(r.File)
				if err != nil {
					continue
				}
				if edit, ok := renameInSpan(content, r.ByteOffset, r.ByteOffset+r.ByteLength, oldBase, p.NewName); ok {
					uri := pathToURI(filepath.Join(s.api.Root(), r.File))
					changes[uri] = append(changes[uri], edit)
				}
			}
		}
	}
	return s.reply(req, WorkspaceEdit{Changes: changes})
}

// renameInSpan finds the first occurrence of oldBase within
// content[start:end] and returns the TextEdit that replaces exactly that
// substring, since a marker's byte span covers the whole annotation
// ("prefix[verb base]"), not just the base token.
func renameInSpan(content []byte, start, end int, oldBase, newBase string) (TextEdit, bool) {
	if end > len(content) {
		end = len(content)
	}
	span := string(content[start:end])
	idx := strings.Index(span, oldBase)
	if idx < 0 {
		return TextEdit{}, false
	}
	from := start + idx
	to := from + len(oldBase)
	return TextEdit{
		Range:   Range{Start: offsetToPosition(content, from), End: offsetToPosition(content, to)},
		NewText: newBase,
	}, true
}

var bracketPattern = regexp.MustCompile(`([A-Za-z][A-Za-z0-9_.-]*)\[\s*([A-Za-z0-9_.+-]*\s*[A-Za-z0-9_.-]*)$`)

func (s *Server) handleCompletion(req Request) []CompletionItem {
	var p TextDocumentPositionParams
	json.Unmarshal(req.Params, &p)
	content := s.readDoc(p.TextDocument.URI)
	offset := positionToOffset(content, p.Position)
	if offset > len(content) {
		return nil
	}
	lineStart := offset
	for lineStart > 0 && content[lineStart-1] != '\n' {
		lineStart--
	}
	line := string(content[lineStart:offset])

	m := bracketPattern.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	prefix, partial := m[1], strings.TrimSpace(m[2])

	ws := s.api.Snapshot()
	spec, ok := ws.Specs[prefix]
	if !ok {
		return nil
	}

	fields := strings.Fields(partial)
	var fragment string
	if len(fields) <= 1 {
		candidates := append([]string{"impl", "verify", "depends", "related"}, sortedBases(spec)...)
		if len(fields) == 1 {
			fragment = fields[0]
		}
		return fuzzyItems(candidates, fragment)
	}
	fragment = fields[len(fields)-1]
	return fuzzyItems(sortedBases(spec), fragment)
}

func sortedBases(spec *model.SpecModel) []string {
	bases := make([]string, 0, len(spec.Definitions))
	for b := range spec.Definitions {
		bases = append(bases, b)
	}
	sort.Strings(bases)
	return bases
}

func fuzzyItems(candidates []string, fragment string) []CompletionItem {
	if fragment == "" {
		items := make([]CompletionItem, 0, len(candidates))
		for i, c := range candidates {
			items = append(items, CompletionItem{Label: c, Kind: completionKindValue, InsertText: c, SortText: fmt.Sprintf("%04d", i)})
		}
		return items
	}
	matches := fuzzy.Find(fragment, candidates)
	items := make([]CompletionItem, 0, len(matches))
	for i, m := range matches {
		items = append(items, CompletionItem{Label: m.Str, Kind: completionKindValue, InsertText: m.Str, SortText: fmt.Sprintf("%04d", i)})
	}
	return items
}

func (s *Server) handleDocumentSymbol(req Request) []SymbolInformation {
	var p struct {
		TextDocument VersionedTextDocumentIdentifier `json:"textDocument"`
	}
	json.Unmarshal(req.Params, &p)
	ws := s.api.Snapshot()
	rel := s.relPath(uriToPath(p.TextDocument.URI))

	var syms []SymbolInformation
	for _, spec := range ws.Specs {
		for _, def := range spec.Definitions {
			if def.SourceFile != rel {
				continue
			}
			syms = append(syms, SymbolInformation{Name: def.ID.String(), Kind: symbolKindKey, Location: *s.locationForDefinition(def)})
		}
		for _, impl := range spec.Impls {
			for _, units := range impl.Units {
				appendUnitSymbols(&syms, units, rel, s.api.Root())
			}
		}
	}
	return syms
}

func appendUnitSymbols(out *[]SymbolInformation, units []*model.CodeUnit, rel, root string) {
	for _, u := range units {
		if u.File == rel && u.Name != "" {
			*out = append(*out, SymbolInformation{
				Name: u.Name,
				Kind: symbolKindString,
				Location: Location{
					URI:   pathToURI(filepath.Join(root, u.File)),
					Range: Range{Start: Position{Line: u.StartLine - 1}, End: Position{Line: u.EndLine - 1}},
				},
			})
		}
		appendUnitSymbols(out, u.Children, rel, root)
	}
}

func (s *Server) handleWorkspaceSymbol(req Request) []SymbolInformation {
	var p struct {
		Query string `json:"query"`
	}
	json.Unmarshal(req.Params, &p)
	ws := s.api.Snapshot()

	var syms []SymbolInformation
	for _, spec := range ws.Specs {
		for _, def := range spec.Definitions {
			if p.Query != "" && !strings.Contains(strings.ToLower(def.ID.Base), strings.ToLower(p.Query)) {
				continue
			}
			syms = append(syms, SymbolInformation{Name: def.ID.String(), Kind: symbolKindKey, Location: *s.locationForDefinition(def)})
		}
	}
	return syms
}

func (s *Server) handleCodeLens(req Request) []CodeLens {
	var p struct {
		TextDocument VersionedTextDocumentIdentifier `json:"textDocument"`
	}
	json.Unmarshal(req.Params, &p)
	ws := s.api.Snapshot()
	rel := s.relPath(uriToPath(p.TextDocument.URI))

	var lenses []CodeLens
	for _, spec := range ws.Specs {
		for base, def := range spec.Definitions {
			if def.SourceFile != rel {
				continue
			}
			var implCount, verifyCount, implTotal int
			for _, impl := range spec.Impls {
				implTotal++
				if st, ok := impl.States[base]; ok {
					if st.Impl == model.StateCoveredImpl {
						implCount++
					}
					if st.Verify == model.StateCoveredVerify {
						verifyCount++
					}
				}
			}
			content, err := s.readFileAbs(def.SourceFile)
			if err != nil {
				continue
			}
			pos := offsetToPosition(content, def.StartByte)
			lenses = append(lenses, CodeLens{
				Range:   Range{Start: pos, End: pos},
				Command: &Command{Title: fmt.Sprintf("%d/%d impl, %d/%d verify", implCount, implTotal, verifyCount, implTotal)},
			})
		}
	}
	return lenses
}

func (s *Server) handleCodeAction(req Request) []CodeAction {
	var p struct {
		TextDocument VersionedTextDocumentIdentifier `json:"textDocument"`
		Range        Range                           `json:"range"`
	}
	json.Unmarshal(req.Params, &p)
	ws := s.api.Snapshot()
	rel := s.relPath(uriToPath(p.TextDocument.URI))
	offset := positionToOffset(s.readDoc(p.TextDocument.URI), p.Range.Start)

	var actions []CodeAction
	if ref, prefix, _, ok := referenceAt(ws, rel, offset); ok {
		if spec, ok := ws.Specs[prefix]; ok {
			if _, defined := spec.Definitions[ref.ID.Base]; !defined {
				actions = append(actions, CodeAction{Title: fmt.Sprintf("Create missing requirement %s[%s]", prefix, ref.ID.Base), Kind: "quickfix"})
			}
		}
	}
	actions = append(actions, CodeAction{Title: "Open Tracey dashboard", Kind: "source"})
	return actions
}

func (s *Server) publishDiagnostics(uri, path string, ws *model.Workspace) {
	rel := s.relPath(path)
	var diags []Diagnostic

	for _, e := range ws.Validation {
		if e.File != rel {
			continue
		}
		content := s.readDoc(uri)
		pos := offsetToPosition(content, 0)
		if e.Line > 0 {
			pos = Position{Line: e.Line - 1}
		}
		sev := severityError
		if e.Severity == "warning" {
			sev = severityWarning
		}
		diags = append(diags, Diagnostic{Range: Range{Start: pos, End: pos}, Severity: sev, Source: "tracey", Message: e.Message})
	}

	for _, spec := range ws.Specs {
		for _, def := range spec.Definitions {
			if def.SourceFile != rel {
				continue
			}
			for implName, impl := range spec.Impls {
				st, ok := impl.States[def.ID.Base]
				if !ok {
					continue
				}
				if st.Impl == model.StateStale {
					content, err := s.readFileAbs(def.SourceFile)
					if err != nil {
						continue
					}
					pos := offsetToPosition(content, def.StartByte)
					diags = append(diags, Diagnostic{
						Range:    Range{Start: pos, End: pos},
						Severity: severityWarning,
						Source:   "tracey",
						Message:  fmt.Sprintf("%s: reference pinned to an older version (impl %q)", def.ID, implName),
					})
				}
			}
		}
	}

	s.publish(Notification{
		JSONRPC: "2.0",
		Method:  "textDocument/publishDiagnostics",
		Params: map[string]any{
			"uri":         uri,
			"diagnostics": diags,
		},
	})
}
