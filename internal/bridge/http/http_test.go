package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	gorillaws "github.com/gorilla/websocket"
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

func newTestBridge(t *testing.T) (*Bridge, string) {
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

	return New(query.New(d), sink.For(logging.CategoryBridgeHTTP)), root
}

func TestHandleConfigReturnsSpecs(t *testing.T) {
	b, _ := newTestBridge(t)
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/config")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Specs []struct {
			Prefix string `json:"prefix"`
		} `json:"specs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Specs, 1)
	require.Equal(t, "auth", body.Specs[0].Prefix)
}

func TestHandleVersionReflectsBuild(t *testing.T) {
	b, _ := newTestBridge(t)
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/version")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Version uint64 `json:"version"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, uint64(1), body.Version)
}

func TestHandleFileReturnsUnitsAndRefs(t *testing.T) {
	b, _ := newTestBridge(t)
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/file?spec=auth&impl=rust&path=src/login.rs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Content string `json:"content"`
		Refs    []struct {
			Verb string `json:"Verb"`
		} `json:"refs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Contains(t, body.Content, "fn login")
	require.Len(t, body.Refs, 1)
}

func TestFileRangeFetchAndPatchRoundTrip(t *testing.T) {
	b, root := newTestBridge(t)
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/file-range?path=src/login.rs&start=0&end=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fetched struct {
		Content  string `json:"content"`
		FileHash string `json:"fileHash"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fetched))
	require.Equal(t, "//", fetched.Content)

	reqBody := `{"path":"src/login.rs","start":0,"end":2,"content":"/*","fileHash":"` + fetched.FileHash + `"}`
	req, err := http.NewRequest(http.MethodPatch, srv.URL+"/api/file-range", strings.NewReader(reqBody))
	require.NoError(t, err)
	patchResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer patchResp.Body.Close()
	require.Equal(t, http.StatusOK, patchResp.StatusCode)

	updated, err := os.ReadFile(filepath.Join(root, "src/login.rs"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(updated), "/*"))
}

func TestFileRangePatchStaleHashConflict(t *testing.T) {
	b, _ := newTestBridge(t)
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	reqBody := `{"path":"src/login.rs","start":0,"end":2,"content":"xx","fileHash":"0000000000000000000000000000000000000000000000000000000000000000"}`
	req, err := http.NewRequest(http.MethodPatch, srv.URL+"/api/file-range", strings.NewReader(reqBody))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWebSocketSendsVersionOnConnect(t *testing.T) {
	b, _ := newTestBridge(t)
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "version", msg.Type)
	require.Equal(t, uint64(1), msg.Version)
}
