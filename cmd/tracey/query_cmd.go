package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/necessary-nu/tracey/internal/query"
	"github.com/necessary-nu/tracey/internal/rpc"
)

var (
	queryFilterSpec  string
	queryFilterImpl  string
	queryMinCoverage float64
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "One-shot read queries against the workspace model",
}

var queryStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print per-spec/impl coverage totals as JSON",
	RunE:  withClient(func(c *rpc.Client, args []string) error { return printJSON(c.Status()) }),
}

var queryUncoveredCmd = &cobra.Command{
	Use:   "uncovered",
	Short: "List requirements with no impl reference",
	RunE:  withClient(func(c *rpc.Client, args []string) error { return printJSON(c.Uncovered(queryFilter())) }),
}

var queryUntestedCmd = &cobra.Command{
	Use:   "untested",
	Short: "List requirements with no verify reference",
	RunE:  withClient(func(c *rpc.Client, args []string) error { return printJSON(c.Untested(queryFilter())) }),
}

var queryStaleCmd = &cobra.Command{
	Use:   "stale",
	Short: "List requirements whose references pin an older version",
	RunE:  withClient(func(c *rpc.Client, args []string) error { return printJSON(c.Stale(queryFilter())) }),
}

var queryUnmappedCmd = &cobra.Command{
	Use:   "unmapped [path]",
	Short: "Show the unmapped-file tree, or a file's unreferenced units",
	Args:  cobra.MaximumNArgs(1),
	RunE: withClient(func(c *rpc.Client, args []string) error {
		var path string
		if len(args) == 1 {
			path = args[0]
		}
		node, err := c.Unmapped(queryFilter(), path)
		if err != nil {
			return withExitCode(exitUnrecoverable, err)
		}
		return printJSON(node)
	}),
}

var queryRuleCmd = &cobra.Command{
	Use:   "rule <id>",
	Short: "Show a requirement's markdown and every reference to it",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(c *rpc.Client, args []string) error {
		if queryFilterSpec == "" {
			return withExitCode(exitUnrecoverable, fmt.Errorf("rule requires --spec"))
		}
		detail, err := c.Rule(queryFilterSpec, args[0])
		if err != nil {
			return withExitCode(exitUnrecoverable, err)
		}
		return printJSON(detail)
	}),
}

var queryConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective workspace configuration",
	RunE:  withClient(func(c *rpc.Client, args []string) error { return printJSON(c.ConfigGet()) }),
}

var queryValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Print the validation report, or check --min-coverage",
	RunE: withClient(func(c *rpc.Client, args []string) error {
		if queryMinCoverage > 0 {
			if err := c.ValidateMinCoverage(queryMinCoverage); err != nil {
				fmt.Fprintln(os.Stderr, err)
				return withExitCode(exitValidationNotMet, err)
			}
			return nil
		}
		issues := c.Validate()
		if err := printJSON(issues); err != nil {
			return err
		}
		if len(issues) > 0 {
			return withExitCode(exitValidationNotMet, fmt.Errorf("%d validation issue(s)", len(issues)))
		}
		return nil
	}),
}

func init() {
	queryCmd.PersistentFlags().StringVar(&queryFilterSpec, "spec", "", "restrict to this spec prefix")
	queryCmd.PersistentFlags().StringVar(&queryFilterImpl, "impl", "", "restrict to this impl name")
	queryValidateCmd.Flags().Float64Var(&queryMinCoverage, "min-coverage", 0, "fail (exit 2) if any impl coverage falls below this fraction")

	queryCmd.AddCommand(
		queryStatusCmd,
		queryUncoveredCmd,
		queryUntestedCmd,
		queryStaleCmd,
		queryUnmappedCmd,
		queryRuleCmd,
		queryConfigCmd,
		queryValidateCmd,
	)
}

func queryFilter() query.Filter {
	return query.Filter{Spec: queryFilterSpec, Impl: queryFilterImpl}
}

// withClient wraps a query subcommand's body with the standard
// dial-or-autostart dance, so each RunE only has to express its own
// query.API call.
func withClient(fn func(c *rpc.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
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

		return fn(client, args)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return withExitCode(exitUnrecoverable, err)
	}
	return nil
}
