package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/necessary-nu/tracey/internal/logging"
	"github.com/necessary-nu/tracey/internal/model"
	"github.com/necessary-nu/tracey/internal/query"
)

// Server implements the AI tool bridge over stdio JSON-RPC, grounded on
// the same message-loop shape as the editor bridge's Content-Length
// framing but using the newline-delimited transport MCP tool clients
// expect.
type Server struct {
	api       query.API
	registry  *Registry
	info      ServerInfo
	log       *logging.Logger
	sessionID string

	mu   sync.Mutex
	last *model.Workspace
}

// NewServer builds a tool bridge server over api. Every connected client
// gets its own session ID so the delta block in tool responses only ever
// compares against that client's own prior query (spec.md §4.9).
func NewServer(api query.API, info ServerInfo, log *logging.Logger) *Server {
	reg := NewRegistry()
	RegisterAll(reg, api)
	return &Server{api: api, registry: reg, info: info, log: log, sessionID: uuid.NewString()}
}

// Run reads newline-delimited JSON-RPC requests from r and writes
// responses to w until r is closed or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	encoder := json.NewEncoder(w)

	s.log.Info("tool bridge session %s started", s.sessionID)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp := s.handleMessage(ctx, line)
		if resp != nil {
			if err := encoder.Encode(resp); err != nil {
				return fmt.Errorf("writing response: %w", err)
			}
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

// RunStdio is a convenience wrapper for the `tracey mcp` subcommand.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.Run(ctx, os.Stdin, os.Stdout)
}

func (s *Server) handleMessage(ctx context.Context, data []byte) *Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return &Response{JSONRPC: "2.0", Error: &RPCError{Code: ErrCodeParse, Message: "parse error", Data: err.Error()}}
	}
	if req.ID == nil {
		return nil
	}

	result, rpcErr := s.dispatch(ctx, &req)
	resp := &Response{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	return resp
}

func (s *Server) dispatch(ctx context.Context, req *Request) (any, *RPCError) {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req.Params)
	case "tools/list":
		return &ToolsListResult{Tools: s.registry.List()}, nil
	case "tools/call":
		return s.handleToolsCall(ctx, req.Params)
	default:
		return nil, &RPCError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}
}

func (s *Server) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var p InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "invalid initialize params", Data: err.Error()}
		}
	}
	return &InitializeResult{
		ProtocolVersion: "2024-11-05",
		Capabilities:    ServerCapability{Tools: &ToolsCapability{}},
		ServerInfo:      s.info,
	}, nil
}

func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var p ToolsCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "invalid tools/call params", Data: err.Error()}
	}
	tool := s.registry.Get(p.Name)
	if tool == nil {
		return nil, &RPCError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("tool not found: %s", p.Name)}
	}

	result, err := tool.Execute(ctx, p.Arguments)
	if err != nil {
		result = ErrorResult(fmt.Sprintf("tool execution failed: %v", err))
	}
	result.Content = append([]ContentBlock{TextContent(s.preamble())}, result.Content...)
	return result, nil
}

// preamble builds the "overall status line and delta since last query in
// this session" block every tool response begins with (spec.md §4.9).
func (s *Server) preamble() string {
	ws := s.api.Snapshot()

	s.mu.Lock()
	prev := s.last
	s.last = ws
	s.mu.Unlock()

	var b strings.Builder
	b.WriteString(statusLine(ws))
	b.WriteString("\n")
	b.WriteString(deltaBlock(prev, ws))
	return b.String()
}

func statusLine(ws *model.Workspace) string {
	if ws == nil {
		return "version 0, no snapshot yet"
	}
	prefixes := make([]string, 0, len(ws.Specs))
	for p := range ws.Specs {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)

	var total, covered int
	for _, p := range prefixes {
		spec := ws.Specs[p]
		for _, impl := range spec.Impls {
			total += impl.Summary.TotalRequirements
			covered += impl.Summary.CoveredImpl
		}
	}
	pct := 100.0
	if total > 0 {
		pct = 100 * float64(covered) / float64(total)
	}
	return fmt.Sprintf("version %d, %d spec(s) [%s], %.0f%% implemented (%d/%d)", ws.Version, len(prefixes), strings.Join(prefixes, ", "), pct, covered, total)
}

// deltaBlock reports which requirement states changed since prev, the
// last snapshot this session observed. prev is nil on a session's first
// query.
func deltaBlock(prev, curr *model.Workspace) string {
	if prev == nil {
		return "delta: (first query this session)"
	}
	if prev.Version == curr.Version {
		return "delta: no change since last query"
	}

	var changed []string
	for prefix, spec := range curr.Specs {
		prevSpec, ok := prev.Specs[prefix]
		if !ok {
			changed = append(changed, fmt.Sprintf("%s: new spec", prefix))
			continue
		}
		for implName, impl := range spec.Impls {
			prevImpl, ok := prevSpec.Impls[implName]
			if !ok {
				continue
			}
			for base, st := range impl.States {
				prevSt, ok := prevImpl.States[base]
				if !ok || prevSt.Impl != st.Impl || prevSt.Verify != st.Verify {
					changed = append(changed, fmt.Sprintf("%s/%s[%s]: now %s/%s", prefix, implName, base, st.Impl, st.Verify))
				}
			}
		}
	}
	sort.Strings(changed)
	if len(changed) == 0 {
		return fmt.Sprintf("delta: version %d -> %d, no coverage state changes", prev.Version, curr.Version)
	}
	return fmt.Sprintf("delta: version %d -> %d\n  %s", prev.Version, curr.Version, strings.Join(changed, "\n  "))
}
