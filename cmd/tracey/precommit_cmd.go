package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var preCommitMinCoverage float64

var preCommitCmd = &cobra.Command{
	Use:   "pre-commit",
	Short: "Validate the workspace, suitable for a git pre-commit hook",
	RunE:  runPreCommit,
}

func init() {
	preCommitCmd.Flags().Float64Var(&preCommitMinCoverage, "min-coverage", 0, "also fail if any impl coverage falls below this fraction")
}

// runPreCommit runs the full validation report and, when requested, the
// coverage threshold check, exiting 2 (not 1) when either fails so a git
// hook can distinguish "rules violated" from "tracey itself broke"
// (spec.md §6).
func runPreCommit(cmd *cobra.Command, args []string) error {
	root, err := workspaceRoot()
	if err != nil {
		return withExitCode(exitUnrecoverable, err)
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api, closer, err := oneShotAPI(ctx, root)
	if err != nil {
		return withExitCode(exitUnrecoverable, err)
	}
	defer closer()

	issues := api.Validate()
	for _, issue := range issues {
		fmt.Fprintf(os.Stderr, "%s [%s/%s]: %s\n", issue.Severity, issue.Kind, issue.Code, issue.Error())
	}

	failed := false
	for _, issue := range issues {
		if issue.Severity != "warning" {
			failed = true
		}
	}

	if preCommitMinCoverage > 0 {
		if err := api.ValidateMinCoverage(preCommitMinCoverage); err != nil {
			fmt.Fprintln(os.Stderr, err)
			failed = true
		}
	}

	if failed {
		return withExitCode(exitValidationNotMet, fmt.Errorf("pre-commit validation failed"))
	}
	fmt.Println("tracey: pre-commit checks passed")
	return nil
}
