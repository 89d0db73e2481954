package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/necessary-nu/tracey/internal/daemon"
	"github.com/necessary-nu/tracey/internal/model"
	"github.com/necessary-nu/tracey/internal/query"
	"github.com/necessary-nu/tracey/internal/terr"
)

// Client is the RPC client every standalone bridge process (`tracey web`,
// `tracey lsp`, `tracey mcp`, `tracey query`, …) dials against the
// workspace's daemon socket. It satisfies query.API, so bridges that
// accept a query.API run identically whether wired to an in-process
// *query.Surface or a *Client talking over the wire.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Response

	closed chan struct{}
}

// Dial connects to the daemon socket for workspace root. Callers are
// responsible for starting the daemon first if its socket is absent
// (spec.md §6 "Each bridge auto-starts the daemon if absent").
func Dial(root string) (*Client, error) {
	conn, err := net.Dial("unix", daemon.SocketPath(root))
	if err != nil {
		return nil, terr.New(terr.RPCKind, terr.CodeTransport, "", 0, "dial daemon socket: %v", err)
	}
	c := &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		pending: make(map[string]chan Response),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) readLoop() {
	defer close(c.closed)
	for {
		var resp Response
		if err := readFrame(c.reader, &resp); err != nil {
			c.failAllPending(err)
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) failAllPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- Response{ID: id, Error: &ErrorBody{Kind: string(terr.RPCKind), Code: string(terr.CodeTransport), Message: err.Error()}}
		delete(c.pending, id)
	}
}

// call performs one RPC, marshaling params and unmarshaling the result
// into out (which may be nil for calls with no return value). It honors
// ctx's deadline, per spec.md §5 "Each bridge call carries a per-request
// deadline; timers expiring abort the RPC with a cancellation outcome".
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	id := uuid.NewString()
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return err
		}
		raw = encoded
	}

	ch := make(chan Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	err := writeFrame(c.conn, Request{ID: id, Method: method, Params: raw})
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return &terr.Error{Kind: terr.Kind(resp.Error.Kind), Code: terr.Code(resp.Error.Code), Message: resp.Error.Message, Details: resp.Error.Details}
		}
		if out != nil && resp.Result != nil {
			return json.Unmarshal(resp.Result, out)
		}
		return nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return terr.New(terr.RPCKind, terr.CodeDeadlineExceeded, "", 0, "rpc %s: %v", method, ctx.Err())
	case <-c.closed:
		return terr.New(terr.RPCKind, terr.CodeTransport, "", 0, "rpc %s: connection closed", method)
	}
}

var background = context.Background()

func (c *Client) Status() []query.ImplStatus {
	var out []query.ImplStatus
	c.call(background, "status", nil, &out)
	return out
}

func (c *Client) Uncovered(f query.Filter) []query.RequirementEntry {
	var out []query.RequirementEntry
	c.call(background, "uncovered", f, &out)
	return out
}

func (c *Client) Untested(f query.Filter) []query.RequirementEntry {
	var out []query.RequirementEntry
	c.call(background, "untested", f, &out)
	return out
}

func (c *Client) Stale(f query.Filter) []query.RequirementEntry {
	var out []query.RequirementEntry
	c.call(background, "stale", f, &out)
	return out
}

func (c *Client) Unmapped(f query.Filter, path string) (*query.UnmappedNode, error) {
	var out query.UnmappedNode
	err := c.call(background, "unmapped", struct {
		Filter query.Filter `json:"filter"`
		Path   string       `json:"path"`
	}{f, path}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Rule(specPrefix, base string) (*query.RuleDetail, error) {
	var out query.RuleDetail
	err := c.call(background, "rule", struct {
		Spec string `json:"spec"`
		Base string `json:"base"`
	}{specPrefix, base}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Forward(specPrefix, impl string) ([]query.ForwardEntry, error) {
	var out []query.ForwardEntry
	err := c.call(background, "forward", struct {
		Spec string `json:"spec"`
		Impl string `json:"impl"`
	}{specPrefix, impl}, &out)
	return out, err
}

func (c *Client) Validate() []*terr.Error {
	var out []*terr.Error
	c.call(background, "validate", nil, &out)
	return out
}

func (c *Client) ValidateMinCoverage(min float64) error {
	return c.call(background, "validateMinCoverage", struct {
		Min float64 `json:"min"`
	}{min}, nil)
}

func (c *Client) VFSOpen(ctx context.Context, path string, content []byte) (*model.Workspace, error) {
	return c.vfsCall(ctx, "vfsOpen", path, content)
}

func (c *Client) VFSChange(ctx context.Context, path string, content []byte) (*model.Workspace, error) {
	return c.vfsCall(ctx, "vfsChange", path, content)
}

func (c *Client) VFSClose(ctx context.Context, path string) (*model.Workspace, error) {
	return c.vfsCall(ctx, "vfsClose", path, nil)
}

func (c *Client) vfsCall(ctx context.Context, method, path string, content []byte) (*model.Workspace, error) {
	var out model.Workspace
	err := c.call(ctx, method, struct {
		Path    string `json:"path"`
		Content []byte `json:"content,omitempty"`
	}{path, content}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ConfigGet() *model.WorkspaceConfig {
	var out model.WorkspaceConfig
	c.call(background, "configGet", nil, &out)
	return &out
}

func (c *Client) ConfigSet(ctx context.Context, cfg *model.WorkspaceConfig) (*model.Workspace, error) {
	var out model.Workspace
	if err := c.call(ctx, "configSet", cfg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Root() string {
	var out string
	c.call(background, "root", nil, &out)
	return out
}

func (c *Client) Snapshot() *model.Workspace {
	var out model.Workspace
	c.call(background, "snapshot", nil, &out)
	return &out
}

func (c *Client) ReadFile(path string) ([]byte, error) {
	var out []byte
	err := c.call(background, "readFile", struct {
		Path string `json:"path"`
	}{path}, &out)
	return out, err
}

// Subscribe polls the daemon for version changes over the same
// connection used for calls, since a socket-backed subscription would
// require a second concurrent frame stream; bridges that need push
// notifications (the HTTP bridge's /ws) poll at a short interval via
// this channel instead of a server-pushed event.
func (c *Client) Subscribe() chan uint64 {
	ch := make(chan uint64, 1)
	go c.pollVersion(ch)
	return ch
}

// pollInterval bounds how quickly a remote Client notices a version
// change; it is a polling substitute for the daemon's in-process
// subscriber fan-out, which a single request/response RPC connection
// cannot carry without a second, independently framed stream.
const pollInterval = 250 * time.Millisecond

func (c *Client) pollVersion(ch chan uint64) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	var last uint64
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			ws := c.Snapshot()
			if ws.Version != last {
				last = ws.Version
				select {
				case ch <- last:
				default:
				}
			}
		}
	}
}

func (c *Client) Unsubscribe(ch chan uint64) {}

func (c *Client) EnterConn() { c.call(background, "enterConn", nil, nil) }
func (c *Client) LeaveConn() { c.call(background, "leaveConn", nil, nil) }

var _ query.API = (*Client)(nil)
