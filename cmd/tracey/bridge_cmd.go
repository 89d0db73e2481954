package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	tracehttp "github.com/necessary-nu/tracey/internal/bridge/http"
	"github.com/necessary-nu/tracey/internal/bridge/lsp"
	"github.com/necessary-nu/tracey/internal/bridge/mcp"
	"github.com/necessary-nu/tracey/internal/daemon"
	"github.com/necessary-nu/tracey/internal/logging"
	"github.com/necessary-nu/tracey/internal/query"
	"github.com/necessary-nu/tracey/internal/rpc"
)

var webAddr string

var webCmd = &cobra.Command{
	Use:   "web",
	Short: "Serve the REST + WebSocket dashboard bridge",
	RunE:  runWeb,
}

var lspCmd = &cobra.Command{
	Use:   "lsp",
	Short: "Serve the editor language-server bridge over stdio",
	RunE:  runLSP,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the AI tool bridge over stdio",
	RunE:  runMCP,
}

func init() {
	webCmd.Flags().StringVar(&webAddr, "addr", "127.0.0.1:4850", "address to listen on")
}

// ensureDaemon dials the workspace's daemon, starting a detached one
// first if no live owner is recorded (spec.md §6: "each bridge
// auto-starts the daemon if absent").
func ensureDaemon(ctx context.Context, root string) (*rpc.Client, error) {
	if err := daemon.RemoveStaleSocket(root); err != nil {
		return nil, err
	}
	if !daemon.IsOwnerAlive(root) {
		if err := spawnDetachedDaemon(root); err != nil {
			return nil, fmt.Errorf("starting daemon: %w", err)
		}
		if err := waitForSocket(ctx, root); err != nil {
			return nil, err
		}
	}
	return rpc.Dial(root)
}

// oneShotAPI returns a query.API for a command that would rather not
// leave a daemon running on its own account: it reuses a live daemon if
// one already owns root, and otherwise runs a single in-process build
// with no socket or pid file, per spec.md §6's note on `pre-commit`
// ("no daemon needed, though it will reuse a running one if present").
// The returned closer releases any dialed connection.
func oneShotAPI(ctx context.Context, root string) (query.API, func(), error) {
	if err := daemon.RemoveStaleSocket(root); err != nil {
		return nil, nil, err
	}
	if daemon.IsOwnerAlive(root) {
		c, err := rpc.Dial(root)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { c.Close() }, nil
	}

	d, err := daemon.New(root, logging.NewDiscard())
	if err != nil {
		return nil, nil, err
	}
	if _, err := d.RequestBuild(ctx); err != nil {
		return nil, nil, err
	}
	return query.New(d), func() {}, nil
}

func spawnDetachedDaemon(root string) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(self, "daemon", "--root", root)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = detachedProcAttr()
	return cmd.Start()
}

func waitForSocket(ctx context.Context, root string) error {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(daemon.SocketPath(root)); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return fmt.Errorf("daemon did not create %s within 5s", daemon.SocketPath(root))
}

func runWeb(cmd *cobra.Command, args []string) error {
	root, err := workspaceRoot()
	if err != nil {
		return withExitCode(exitUnrecoverable, err)
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := ensureDaemon(ctx, root)
	if err != nil {
		return withExitCode(exitUnrecoverable, err)
	}
	defer client.Close()

	bridge := tracehttp.New(client, bridgeLog(logging.CategoryBridgeHTTP))
	srv := &http.Server{Addr: webAddr, Handler: bridge.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Sugar().Infof("web bridge listening on %s", webAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return withExitCode(exitUnrecoverable, err)
	}
	return nil
}

func runLSP(cmd *cobra.Command, args []string) error {
	root, err := workspaceRoot()
	if err != nil {
		return withExitCode(exitUnrecoverable, err)
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := ensureDaemon(ctx, root)
	if err != nil {
		return withExitCode(exitUnrecoverable, err)
	}
	defer client.Close()

	srv := lsp.NewServer(client, bridgeLog(logging.CategoryBridgeLSP))
	if err := srv.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil {
		return withExitCode(exitUnrecoverable, err)
	}
	return nil
}

func runMCP(cmd *cobra.Command, args []string) error {
	root, err := workspaceRoot()
	if err != nil {
		return withExitCode(exitUnrecoverable, err)
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := ensureDaemon(ctx, root)
	if err != nil {
		return withExitCode(exitUnrecoverable, err)
	}
	defer client.Close()

	srv := mcp.NewServer(client, mcp.ServerInfo{Name: "tracey", Version: traceyVersion}, bridgeLog(logging.CategoryBridgeMCP))
	if err := srv.Run(ctx, os.Stdin, os.Stdout); err != nil {
		return withExitCode(exitUnrecoverable, err)
	}
	return nil
}
