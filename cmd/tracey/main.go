// Command tracey is the CLI entry point: it starts and talks to the
// per-workspace daemon (spec.md §4.8), exposes its bridges (§4.9), and
// offers one-shot query/validation/authoring subcommands (§6).
//
// File index:
//   - main.go          - rootCmd, global flags, PersistentPreRunE, main()
//   - daemon_cmd.go    - `daemon` (foreground daemon process)
//   - bridge_cmd.go    - `web`, `lsp`, `mcp`, and the shared daemon
//     auto-start/dial helper they build on
//   - status_cmd.go    - `status`, `logs`, `kill`
//   - query_cmd.go     - `query {status|uncovered|untested|stale|unmapped|rule|config|validate}`
//   - precommit_cmd.go - `pre-commit`
//   - bump_cmd.go      - `bump`
//   - skill_cmd.go     - `skill install`
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/necessary-nu/tracey/internal/logging"
)

const traceyVersion = "0.1.0"

var (
	rootDir     string
	verbose     bool
	completions string

	logger *zap.Logger
)

// bridgeLog returns a categorized *logging.Logger for a CLI-hosted
// bridge process. Bridge processes report through the zap logger on
// stderr (spec.md §10.1); the categorized sink exists so the bridge
// packages themselves don't need a CLI-specific logging interface, and
// is discarded here since there is no per-workspace daemon.log for a
// process that isn't the daemon itself.
func bridgeLog(cat logging.Category) *logging.Logger {
	return logging.NewDiscard().For(cat)
}

var rootCmd = &cobra.Command{
	Use:   "tracey",
	Short: "Bidirectional traceability between Markdown requirements and source annotations",
	Long: `Tracey links requirements authored in Markdown to the source
annotations that implement and verify them, and serves that linkage to
editors, AI tools, and the command line.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		} else {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// workspaceRoot resolves the absolute workspace root: --root if given,
// otherwise the current working directory.
func workspaceRoot() (string, error) {
	if rootDir != "" {
		return filepath.Abs(rootDir)
	}
	return os.Getwd()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootDir, "root", "C", "", "workspace root (default: current directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&completions, "completions", "", "print a shell completion script {bash|zsh|fish} and exit")

	rootCmd.AddCommand(
		daemonCmd,
		webCmd,
		lspCmd,
		mcpCmd,
		statusCmd,
		logsCmd,
		killCmd,
		queryCmd,
		preCommitCmd,
		bumpCmd,
		skillCmd,
	)
}

func main() {
	if idx := completionsFlagIndex(os.Args); idx >= 0 {
		shell := os.Args[idx]
		if err := emitCompletions(shell); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tracey:", err)
		os.Exit(exitCodeFor(err))
	}
}

// completionsFlagIndex finds the value following a bare "--completions"
// argument, ahead of cobra parsing, since the shell script must be
// emitted before any subcommand's RunE would otherwise fire.
func completionsFlagIndex(args []string) int {
	for i, a := range args {
		if a == "--completions" && i+1 < len(args) {
			return i + 1
		}
	}
	return -1
}

func emitCompletions(shell string) error {
	switch shell {
	case "bash":
		return rootCmd.GenBashCompletion(os.Stdout)
	case "zsh":
		return rootCmd.GenZshCompletion(os.Stdout)
	case "fish":
		return rootCmd.GenFishCompletion(os.Stdout, true)
	default:
		return fmt.Errorf("unsupported shell %q (want bash, zsh, or fish)", shell)
	}
}
