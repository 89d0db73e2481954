package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/necessary-nu/tracey/internal/daemon"
	"github.com/necessary-nu/tracey/internal/logging"
	"github.com/necessary-nu/tracey/internal/query"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func newTestServer(t *testing.T) (*Server, *daemon.Daemon, string) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, ".config/tracey/config.styx", "specs:\n  - name: auth\n    prefix: auth\n    include: [\"docs/**/*.md\"]\n    impls:\n      - name: rust\n        include: [\"src/**/*.rs\"]\n")
	writeFile(t, root, "docs/auth.md", "# Auth\n\nauth[login]\nUse a password.\n")
	writeFile(t, root, "src/login.rs", "// auth[impl login]\nfn login() {}\n")

	sink := logging.NewDiscard()
	d, err := daemon.New(root, sink)
	require.NoError(t, err)
	_, err = d.RequestBuild(context.Background())
	require.NoError(t, err)

	srv := NewServer(query.New(d), ServerInfo{Name: "tracey", Version: "test"}, sink.For(logging.CategoryBridgeMCP))
	return srv, d, root
}

func call(t *testing.T, srv *Server, method string, params any) *Response {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	req := Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: method, Params: raw}
	line, err := json.Marshal(req)
	require.NoError(t, err)

	var out bytes.Buffer
	resp := srv.handleMessage(context.Background(), line)
	_ = out
	return resp
}

func TestToolsListIncludesStatusAndRule(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp := call(t, srv, "tools/list", struct{}{})
	require.Nil(t, resp.Error)

	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var list ToolsListResult
	require.NoError(t, json.Unmarshal(raw, &list))

	var names []string
	for _, d := range list.Tools {
		names = append(names, d.Name)
	}
	require.Contains(t, names, "tracey_status")
	require.Contains(t, names, "tracey_rule")
	require.Contains(t, names, "tracey_unmapped")
}

func TestToolsCallStatusIncludesFirstQueryPreamble(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp := call(t, srv, "tools/call", ToolsCallParams{Name: "tracey_status"})
	require.Nil(t, resp.Error)

	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var result ToolsCallResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.False(t, result.IsError)
	require.True(t, len(result.Content) >= 2)
	require.Contains(t, result.Content[0].Text, "first query this session")
}

func TestToolsCallRuleAndDeltaAfterRebuild(t *testing.T) {
	srv, d, root := newTestServer(t)

	first := call(t, srv, "tools/call", ToolsCallParams{Name: "tracey_rule", Arguments: mustRaw(t, map[string]string{"spec": "auth", "base": "login"})})
	require.Nil(t, first.Error)

	writeFile(t, root, "src/login.rs", "// auth[impl login]\n// auth[verify login]\nfn login() {}\n")
	_, err := d.RequestBuild(context.Background())
	require.NoError(t, err)

	second := call(t, srv, "tools/call", ToolsCallParams{Name: "tracey_status"})
	require.Nil(t, second.Error)

	raw, err := json.Marshal(second.Result)
	require.NoError(t, err)
	var result ToolsCallResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Contains(t, result.Content[0].Text, "login")
	require.True(t, strings.Contains(result.Content[0].Text, "coveredVerify"))
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
