package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/necessary-nu/tracey/internal/logging"
	"github.com/necessary-nu/tracey/internal/query"
)

// Server is the editor bridge: stdio JSON-RPC over the daemon's
// query.API, funneling document lifecycle events to the VFS overlay and
// answering hover/definition/references/rename/completion/symbol/code
// lens/code action requests from the current snapshot (spec.md §4.9).
type Server struct {
	api query.API
	log *logging.Logger

	mu   sync.Mutex
	docs map[string][]byte // uri -> last known content

	outMu sync.Mutex
	out   io.Writer
}

func NewServer(api query.API, log *logging.Logger) *Server {
	return &Server{api: api, log: log, docs: make(map[string][]byte)}
}

// ServeStdio reads Content-Length framed requests from r and writes
// responses/notifications to w, in the style of the teacher's
// ServeStdio, generalized to dispatch against the requirement model
// instead of a single-file symbol table.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	reader := bufio.NewReader(r)
	s.out = w

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		header, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		var contentLength int
		if strings.HasPrefix(header, "Content-Length:") {
			n, perr := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(header, "Content-Length:")))
			if perr != nil {
				continue
			}
			contentLength = n
		} else {
			continue
		}
		reader.ReadString('\n') // blank line separator

		body := make([]byte, contentLength)
		if _, err := io.ReadFull(reader, body); err != nil {
			continue
		}

		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			continue
		}

		resp := s.handle(ctx, req)
		if resp != nil {
			s.outMu.Lock()
			writeFrame(w, resp)
			s.outMu.Unlock()
		}
	}
}

// publish sends a server-to-client notification (diagnostics, progress).
func (s *Server) publish(n Notification) {
	if s.out == nil {
		return
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	writeFrame(s.out, n)
}

func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "Content-Length: %d\r\n\r\n%s", len(body), body)
	return err
}

func uriToPath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return strings.TrimPrefix(uri, "file://")
	}
	return u.Path
}

func pathToURI(path string) string {
	return "file://" + path
}
