// Package http implements Tracey's REST + WebSocket bridge (spec.md
// §4.9, §6 "HTTP surface"): a thin adapter over a query.API, serving the
// dashboard's data endpoints and a push channel that notifies connected
// clients of new model versions. It runs equally well in-process with
// the daemon or as a standalone `tracey web` process talking to the
// daemon over internal/rpc.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/gorilla/websocket"
	"github.com/yuin/goldmark"

	"github.com/necessary-nu/tracey/internal/logging"
	"github.com/necessary-nu/tracey/internal/model"
	"github.com/necessary-nu/tracey/internal/patch"
	"github.com/necessary-nu/tracey/internal/query"
	"github.com/necessary-nu/tracey/internal/terr"
)

// Bridge serves the HTTP surface of spec.md §6 over a query.API.
type Bridge struct {
	api query.API
	log *logging.Logger

	upgrader websocket.Upgrader
}

// New constructs a Bridge over api, logging through log (spec.md §10.1's
// bridge.http category).
func New(api query.API, log *logging.Logger) *Bridge {
	return &Bridge{
		api: api,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the net/http.Handler for every endpoint in spec.md §6's
// "HTTP surface (selected)" list, plus the supplemental /api/health.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/config", b.handleConfig)
	mux.HandleFunc("GET /api/spec", b.handleSpec)
	mux.HandleFunc("GET /api/forward", b.handleForward)
	mux.HandleFunc("GET /api/reverse", b.handleReverse)
	mux.HandleFunc("GET /api/file", b.handleFile)
	mux.HandleFunc("GET /api/version", b.handleVersion)
	mux.HandleFunc("GET /api/check-git", b.handleCheckGit)
	mux.HandleFunc("GET /api/file-range", b.handleFetchRange)
	mux.HandleFunc("PATCH /api/file-range", b.handlePatchRange)
	mux.HandleFunc("GET /api/health", b.handleHealth)
	mux.HandleFunc("GET /ws", b.handleWS)
	return mux
}

func (b *Bridge) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		b.log.Warn("encode response: %v", err)
	}
}

// errBody is the structured error shape of spec.md §7 Surfacing:
// "{ code, message, details }".
type errBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (b *Bridge) writeError(w http.ResponseWriter, status int, err error) {
	body := errBody{Code: string(terr.CodeTransport), Message: err.Error()}
	var terrErr *terr.Error
	if errors.As(err, &terrErr) {
		body.Code = string(terrErr.Code)
		body.Details = terrErr.Details
	}
	b.writeJSON(w, status, body)
}

func statusFor(err error) int {
	var terrErr *terr.Error
	if !errors.As(err, &terrErr) {
		return http.StatusInternalServerError
	}
	switch terrErr.Code {
	case terr.CodeHashConflict:
		return http.StatusConflict
	case terr.CodeBadMarker:
		return http.StatusBadRequest
	case terr.CodeUnknownPrefix, terr.CodeUnknownRequirement, terr.CodeMissingInclude:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// GET /api/config
func (b *Bridge) handleConfig(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, http.StatusOK, struct {
		Root  string               `json:"root"`
		Specs []model.SpecConfig   `json:"specs"`
	}{Root: b.api.Root(), Specs: b.api.ConfigGet().Specs})
}

// GET /api/spec?spec=&impl=
func (b *Bridge) handleSpec(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("spec")
	ws := b.api.Snapshot()
	spec, ok := ws.Specs[prefix]
	if !ok {
		b.writeError(w, http.StatusNotFound, errUnknownSpec(prefix))
		return
	}

	html, err := renderMarkdownHTML(concatDefinitions(spec))
	if err != nil {
		b.log.Warn("render spec markdown: %v", err)
		html = renderOutlineHTML(spec.Outline)
	}

	b.writeJSON(w, http.StatusOK, struct {
		Outline []model.Heading `json:"outline"`
		HTML    string          `json:"html"`
	}{Outline: spec.Outline, HTML: html})
}

// concatDefinitions joins a spec's requirement markdown in source-file and
// in-file order, so /api/spec can render one coherent document instead of
// requiring the client to re-fetch every source file.
func concatDefinitions(spec *model.SpecModel) []byte {
	defs := make([]model.Definition, 0, len(spec.Definitions))
	for _, d := range spec.Definitions {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].SourceFile != defs[j].SourceFile {
			return defs[i].SourceFile < defs[j].SourceFile
		}
		return defs[i].OrderInFile < defs[j].OrderInFile
	})
	var buf bytes.Buffer
	for _, d := range defs {
		buf.WriteString(d.RawMarkdown)
		buf.WriteString("\n\n")
	}
	return buf.Bytes()
}

// GET /api/forward?spec=&impl=
func (b *Bridge) handleForward(w http.ResponseWriter, r *http.Request) {
	entries, err := b.api.Forward(r.URL.Query().Get("spec"), r.URL.Query().Get("impl"))
	if err != nil {
		b.writeError(w, statusFor(err), err)
		return
	}
	b.writeJSON(w, http.StatusOK, entries)
}

// GET /api/reverse?spec=&impl=
func (b *Bridge) handleReverse(w http.ResponseWriter, r *http.Request) {
	tree, err := b.api.Unmapped(query.Filter{Spec: r.URL.Query().Get("spec"), Impl: r.URL.Query().Get("impl")}, "")
	if err != nil {
		b.writeError(w, statusFor(err), err)
		return
	}
	b.writeJSON(w, http.StatusOK, tree)
}

// GET /api/file?spec=&impl=&path=
func (b *Bridge) handleFile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	prefix, implName, path := q.Get("spec"), q.Get("impl"), q.Get("path")

	ws := b.api.Snapshot()
	spec, ok := ws.Specs[prefix]
	if !ok {
		b.writeError(w, http.StatusNotFound, errUnknownSpec(prefix))
		return
	}
	im, ok := spec.Impls[implName]
	if !ok {
		b.writeError(w, http.StatusNotFound, errUnknownImpl(implName))
		return
	}

	full := filepath.Join(b.api.Root(), path)
	content, err := b.api.ReadFile(full)
	if err != nil {
		b.writeError(w, http.StatusNotFound, err)
		return
	}

	var refs []model.Reference
	for _, u := range im.Units[path] {
		collectRefs(u, &refs)
	}

	b.writeJSON(w, http.StatusOK, struct {
		Content string             `json:"content"`
		HTML    string             `json:"html"`
		Units   []*model.CodeUnit  `json:"units"`
		Refs    []model.Reference  `json:"refs"`
	}{
		Content: string(content),
		HTML:    highlightHTML(path, content),
		Units:   im.Units[path],
		Refs:    refs,
	})
}

func collectRefs(u *model.CodeUnit, out *[]model.Reference) {
	*out = append(*out, u.Refs...)
	for _, c := range u.Children {
		collectRefs(c, out)
	}
}

// GET /api/version
func (b *Bridge) handleVersion(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, http.StatusOK, struct {
		Version uint64 `json:"version"`
	}{Version: b.api.Snapshot().Version})
}

// GET /api/check-git?path=
func (b *Bridge) handleCheckGit(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	dir := filepath.Dir(filepath.Join(b.api.Root(), path))

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = dir
	inGit := cmd.Run() == nil

	b.writeJSON(w, http.StatusOK, struct {
		InGit bool `json:"inGit"`
	}{InGit: inGit})
}

// GET /api/file-range?path=&start=&end=
func (b *Bridge) handleFetchRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err1 := strconv.Atoi(q.Get("start"))
	end, err2 := strconv.Atoi(q.Get("end"))
	if err1 != nil || err2 != nil {
		b.writeJSON(w, http.StatusBadRequest, errBody{Code: string(terr.CodeBadMarker), Message: "start/end must be integers"})
		return
	}

	full := filepath.Join(b.api.Root(), q.Get("path"))
	content, hash, err := patch.Fetch(full, start, end)
	if err != nil {
		b.writeError(w, rangeStatusFor(err), err)
		return
	}
	b.writeJSON(w, http.StatusOK, struct {
		Content string `json:"content"`
		Start   int    `json:"start"`
		End     int    `json:"end"`
		FileHash string `json:"fileHash"`
	}{Content: string(content), Start: start, End: end, FileHash: hash.String()})
}

type patchRangeRequest struct {
	Path     string `json:"path"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Content  string `json:"content"`
	FileHash string `json:"fileHash"`
}

// PATCH /api/file-range
func (b *Bridge) handlePatchRange(w http.ResponseWriter, r *http.Request) {
	var req patchRangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		b.writeJSON(w, http.StatusBadRequest, errBody{Code: string(terr.CodeBadMarker), Message: "invalid request body"})
		return
	}

	var expected patch.Hash
	raw, err := decodeHash(req.FileHash)
	if err != nil {
		b.writeJSON(w, http.StatusBadRequest, errBody{Code: string(terr.CodeBadMarker), Message: "invalid fileHash"})
		return
	}
	copy(expected[:], raw)

	full := filepath.Join(b.api.Root(), req.Path)
	newRange, newHash, err := patch.Patch(full, req.Start, req.End, []byte(req.Content), expected)
	if err != nil {
		b.writeError(w, rangeStatusFor(err), err)
		return
	}

	b.writeJSON(w, http.StatusOK, struct {
		Start    int    `json:"start"`
		End      int    `json:"end"`
		FileHash string `json:"fileHash"`
	}{Start: newRange.Start, End: newRange.End, FileHash: newHash.String()})
}

// rangeStatusFor maps a patch error to the HTTP status codes spec.md §6
// names explicitly: 409 hash conflict, 400 invalid range, 422 UTF-8 split.
func rangeStatusFor(err error) int {
	var terrErr *terr.Error
	if !errors.As(err, &terrErr) {
		return http.StatusInternalServerError
	}
	switch terrErr.Code {
	case terr.CodeHashConflict:
		return http.StatusConflict
	case terr.CodeBadMarker:
		if terrErr.Message != "" && containsRuneSplit(terrErr.Message) {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	case terr.CodeMissingInclude:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func containsRuneSplit(msg string) bool {
	return len(msg) > 0 && (indexOf(msg, "UTF-8") >= 0)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// GET /api/health — snapshot version, validation issue count, and
// configValid. configValid only reports whether a configuration is
// loaded: the daemon reads the config file once at startup and refuses to
// start if it does not parse, and does not re-read it afterwards, so a
// running daemon always reports true and a later parse failure of the
// file is not reported here.
func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	ws := b.api.Snapshot()
	cfg := b.api.ConfigGet()
	b.writeJSON(w, http.StatusOK, struct {
		Version      uint64 `json:"version"`
		ValidationErrorCount int    `json:"validationErrorCount"`
		ConfigValid  bool   `json:"configValid"`
	}{
		Version:              ws.Version,
		ValidationErrorCount: len(ws.Validation),
		ConfigValid:          cfg != nil,
	})
}

type wsMessage struct {
	Type    string `json:"type"`
	Version uint64 `json:"version"`
}

// GET /ws — push channel, spec.md §5 Ordering guarantee 4 / SPEC_FULL.md
// Reconnect semantics: immediately sends the current version on connect
// so a client that missed events while disconnected catches up.
func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	b.api.EnterConn()
	defer b.api.LeaveConn()

	ch := b.api.Subscribe()
	defer b.api.Unsubscribe(ch)

	if err := conn.WriteJSON(wsMessage{Type: "version", Version: b.api.Snapshot().Version}); err != nil {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case v := <-ch:
			if err := conn.WriteJSON(wsMessage{Type: "version", Version: v}); err != nil {
				return
			}
		}
	}
}

func errUnknownSpec(prefix string) error {
	return terr.New(terr.Internal, terr.CodeUnknownPrefix, "", 0, "unknown spec %q", prefix)
}

func errUnknownImpl(name string) error {
	return terr.New(terr.Internal, terr.CodeUnknownPrefix, "", 0, "unknown impl %q", name)
}

func renderOutlineHTML(outline []model.Heading) string {
	var buf bytes.Buffer
	buf.WriteString("<nav class=\"tracey-outline\">\n")
	for _, h := range outline {
		buf.WriteString("<a href=\"#" + h.Slug + "\" class=\"level-" + strconv.Itoa(h.Level) + "\">")
		buf.WriteString(h.Text)
		buf.WriteString("</a>\n")
	}
	buf.WriteString("</nav>\n")
	return buf.String()
}

// renderMarkdownHTML converts raw Markdown bytes to HTML with goldmark,
// the same parser the model assembler uses for outline/definition
// extraction (spec.md §4.1).
func renderMarkdownHTML(src []byte) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert(src, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// highlightHTML renders content as syntax-highlighted HTML using Chroma,
// selecting a lexer by filename; unrecognized extensions fall back to
// Chroma's plaintext lexer rather than failing the request.
func highlightHTML(path string, content []byte) string {
	lexer := lexers.Match(path)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := styles.Get("github")
	if style == nil {
		style = styles.Fallback
	}

	iterator, err := lexer.Tokenise(nil, string(content))
	if err != nil {
		return ""
	}
	formatter := chromahtml.New(chromahtml.WithClasses(true), chromahtml.TabWidth(4))
	var buf bytes.Buffer
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return ""
	}
	return buf.String()
}

func decodeHash(s string) ([]byte, error) {
	out := make([]byte, len(s)/2)
	for i := range out {
		hi, err := hexNibble(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[i*2+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, errInvalidHex
	}
}

var errInvalidHex = errors.New("invalid hex digit")
