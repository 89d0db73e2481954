package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/necessary-nu/tracey/internal/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-spec/impl coverage totals",
	RunE:  runStatus,
}

var (
	logsFollow bool
	logsLines  int
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print the daemon's log file",
	RunE:  runLogs,
}

var killCmd = &cobra.Command{
	Use:   "kill",
	Short: "Stop the workspace's daemon",
	RunE:  runKill,
}

func init() {
	logsCmd.Flags().BoolVar(&logsFollow, "follow", false, "keep printing as new lines are written")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "number of trailing lines to print")
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	for _, st := range client.Status() {
		fmt.Printf("%s/%s: %d/%d impl (%.0f%%), %d/%d verify (%.0f%%), %d stale, %d uncovered\n",
			st.Spec, st.Impl, st.CoveredImpl, st.Total, 100*st.ImplPercent,
			st.CoveredVerify, st.Total, 100*st.VerifyPercent, st.Stale, st.Uncovered)
	}
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	root, err := workspaceRoot()
	if err != nil {
		return withExitCode(exitUnrecoverable, err)
	}
	path := daemon.LogPath(root)

	if err := printTail(path, logsLines); err != nil {
		return withExitCode(exitUnrecoverable, err)
	}
	if !logsFollow {
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return followFile(ctx, path)
}

func printTail(path string, n int) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	for _, l := range lines {
		fmt.Println(l)
	}
	return scanner.Err()
}

func followFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	f.Seek(0, os.SEEK_END)

	reader := bufio.NewReader(f)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		line, err := reader.ReadString('\n')
		if err == nil {
			fmt.Print(line)
			continue
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func runKill(cmd *cobra.Command, args []string) error {
	root, err := workspaceRoot()
	if err != nil {
		return withExitCode(exitUnrecoverable, err)
	}
	pid, _, err := daemon.ReadPidFile(root)
	if err != nil {
		return withExitCode(exitUnrecoverable, fmt.Errorf("no daemon recorded for %s: %w", root, err))
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return withExitCode(exitUnrecoverable, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return withExitCode(exitUnrecoverable, fmt.Errorf("signaling pid %d: %w", pid, err))
	}
	fmt.Printf("sent SIGTERM to daemon pid %d\n", pid)
	return nil
}
