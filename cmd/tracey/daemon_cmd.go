package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/necessary-nu/tracey/internal/daemon"
	"github.com/necessary-nu/tracey/internal/logging"
	"github.com/necessary-nu/tracey/internal/query"
	"github.com/necessary-nu/tracey/internal/rpc"
)

var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Short:  "Run the Tracey daemon in the foreground",
	Hidden: true,
	RunE:   runDaemon,
}

// runDaemon is also what bridge/query subcommands exec as a detached
// child when a workspace has no live daemon (see ensureDaemon).
func runDaemon(cmd *cobra.Command, args []string) error {
	root, err := workspaceRoot()
	if err != nil {
		return withExitCode(exitUnrecoverable, err)
	}

	if err := daemon.RemoveStaleSocket(root); err != nil {
		return withExitCode(exitUnrecoverable, err)
	}
	if daemon.IsOwnerAlive(root) {
		return withExitCode(exitUnrecoverable, fmt.Errorf("a daemon already owns %s", root))
	}

	sink, err := logging.Open(daemon.LogPath(root), false, logging.LevelInfo)
	if err != nil {
		return withExitCode(exitUnrecoverable, err)
	}
	defer sink.Close()

	d, err := daemon.New(root, sink)
	if err != nil {
		return withExitCode(exitUnrecoverable, err)
	}

	if err := daemon.WritePidFile(root); err != nil {
		return withExitCode(exitUnrecoverable, err)
	}
	defer os.Remove(daemon.PidPath(root))

	socketPath := daemon.SocketPath(root)
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return withExitCode(exitUnrecoverable, err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return withExitCode(exitUnrecoverable, fmt.Errorf("listening on %s: %w", socketPath, err))
	}
	defer os.Remove(socketPath)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := rpc.NewServer(query.New(d), sink.For(logging.CategoryDaemon))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.WatchAndBuild(gctx) })
	g.Go(func() error { return server.Serve(gctx, ln) })

	logger.Info("daemon started", zap.String("root", root), zap.String("socket", socketPath))
	err = g.Wait()
	logger.Info("daemon stopped")
	if err != nil && ctx.Err() == nil {
		return withExitCode(exitUnrecoverable, err)
	}
	return nil
}
