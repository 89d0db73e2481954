package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"

	"github.com/necessary-nu/tracey/internal/logging"
	"github.com/necessary-nu/tracey/internal/model"
	"github.com/necessary-nu/tracey/internal/query"
	"github.com/necessary-nu/tracey/internal/terr"
)

// Server dispatches incoming Requests to a *query.Surface. One Server
// serves every connection for a workspace's daemon socket.
type Server struct {
	api *query.Surface
	log *logging.Logger
}

// NewServer constructs a Server over api.
func NewServer(api *query.Surface, log *logging.Logger) *Server {
	return &Server{api: api, log: log}
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails.
// Each connection's EnterConn/LeaveConn bracket its lifetime so the
// daemon's idle-exit clock never fires while a bridge is attached
// (spec.md §4.8).
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	s.api.EnterConn()
	defer s.api.LeaveConn()

	reader := bufio.NewReader(conn)
	var writeMu sync.Mutex

	for {
		var req Request
		if err := readFrame(reader, &req); err != nil {
			return
		}
		go func(req Request) {
			resp := s.dispatch(ctx, req)
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := writeFrame(conn, resp); err != nil {
				s.log.Warn("write response: %v", err)
			}
		}(req)
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	result, err := s.call(ctx, req.Method, req.Params)
	if err != nil {
		return Response{ID: req.ID, Error: toErrorBody(err)}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{ID: req.ID, Error: toErrorBody(err)}
	}
	return Response{ID: req.ID, Result: raw}
}

func toErrorBody(err error) *ErrorBody {
	var terrErr *terr.Error
	if errors.As(err, &terrErr) {
		return &ErrorBody{Kind: string(terrErr.Kind), Code: string(terrErr.Code), Message: terrErr.Message, Details: terrErr.Details}
	}
	return &ErrorBody{Kind: string(terr.Internal), Code: string(terr.CodeTransport), Message: err.Error()}
}

// call is the method dispatch table: every query.API method reachable
// over the wire, matched by name to the Client's corresponding call.
func (s *Server) call(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "status":
		return s.api.Status(), nil
	case "uncovered":
		var f query.Filter
		if err := json.Unmarshal(params, &f); err != nil {
			return nil, badParams(err)
		}
		return s.api.Uncovered(f), nil
	case "untested":
		var f query.Filter
		if err := json.Unmarshal(params, &f); err != nil {
			return nil, badParams(err)
		}
		return s.api.Untested(f), nil
	case "stale":
		var f query.Filter
		if err := json.Unmarshal(params, &f); err != nil {
			return nil, badParams(err)
		}
		return s.api.Stale(f), nil
	case "unmapped":
		var p struct {
			Filter query.Filter `json:"filter"`
			Path   string       `json:"path"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		return s.api.Unmapped(p.Filter, p.Path)
	case "rule":
		var p struct{ Spec, Base string }
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		return s.api.Rule(p.Spec, p.Base)
	case "forward":
		var p struct{ Spec, Impl string }
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		return s.api.Forward(p.Spec, p.Impl)
	case "validate":
		return s.api.Validate(), nil
	case "validateMinCoverage":
		var p struct{ Min float64 }
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		return nil, s.api.ValidateMinCoverage(p.Min)
	case "vfsOpen", "vfsChange", "vfsClose":
		var p struct {
			Path    string `json:"path"`
			Content []byte `json:"content"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		switch method {
		case "vfsOpen":
			return s.api.VFSOpen(ctx, p.Path, p.Content)
		case "vfsChange":
			return s.api.VFSChange(ctx, p.Path, p.Content)
		default:
			return s.api.VFSClose(ctx, p.Path)
		}
	case "configGet":
		return s.api.ConfigGet(), nil
	case "configSet":
		var cfg model.WorkspaceConfig
		if err := json.Unmarshal(params, &cfg); err != nil {
			return nil, badParams(err)
		}
		return s.api.ConfigSet(ctx, &cfg)
	case "root":
		return s.api.Root(), nil
	case "snapshot":
		return s.api.Snapshot(), nil
	case "readFile":
		var p struct{ Path string }
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		return s.api.ReadFile(p.Path)
	case "enterConn":
		s.api.EnterConn()
		return nil, nil
	case "leaveConn":
		s.api.LeaveConn()
		return nil, nil
	default:
		return nil, terr.New(terr.RPCKind, terr.CodeTransport, "", 0, "unknown rpc method %q", method)
	}
}

func badParams(err error) error {
	return terr.New(terr.RPCKind, terr.CodeTransport, "", 0, "decode params: %v", err)
}
