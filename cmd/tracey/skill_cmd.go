package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	skillClaude bool
	skillCodex  bool
)

var skillCmd = &cobra.Command{
	Use:   "skill",
	Short: "Manage AI agent skill definitions for this workspace",
}

var skillInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install a SKILL.md pointing agents at the tracey mcp bridge",
	Long: `install writes a short Markdown skill file describing Tracey's
query surface, so an AI coding agent discovers the "tracey mcp" bridge
without hand configuration, mirroring the .claude/skills and
.codex/skills layout convention.`,
	RunE: runSkillInstall,
}

func init() {
	skillInstallCmd.Flags().BoolVar(&skillClaude, "claude", false, "install to .claude/skills/tracey/SKILL.md")
	skillInstallCmd.Flags().BoolVar(&skillCodex, "codex", false, "install to .codex/skills/tracey/SKILL.md")
	skillCmd.AddCommand(skillInstallCmd)
}

const skillTemplate = `---
name: tracey
description: Query and maintain requirement traceability via the tracey MCP bridge
---

# Tracey

This workspace is tracked by Tracey, which links requirements authored in
Markdown to the source annotations ("` + "`" + `prefix[impl base]` + "`" + `",
"` + "`" + `prefix[verify base]` + "`" + `", and so on) that implement and verify them.

Run ` + "`tracey mcp`" + ` to start the AI tool bridge over stdio. It exposes:

- ` + "`tracey_status`" + ` - per-spec/impl coverage totals
- ` + "`tracey_uncovered`" + `, ` + "`tracey_untested`" + `, ` + "`tracey_stale`" + ` - requirement lists by coverage gap
- ` + "`tracey_unmapped`" + ` - files or code units with no requirement reference
- ` + "`tracey_rule`" + ` - a single requirement's markdown and every reference to it
- ` + "`tracey_forward`" + ` - a spec's full requirement-to-reference mapping for one impl
- ` + "`tracey_validate`" + ` - the workspace's validation report
- ` + "`tracey_config_get`" + ` / ` + "`tracey_config_set`" + ` - read or rewrite ` + "`.config/tracey/config.styx`" + `

Every tool response begins with a status line and a delta against this
session's last query, so you always know what changed since you last asked.

You can also run ` + "`tracey query <subcommand>`" + ` directly from a shell, or
` + "`tracey pre-commit`" + ` before committing to fail on validation errors and,
with ` + "`--min-coverage`" + `, on impl coverage below a threshold.
`

func runSkillInstall(cmd *cobra.Command, args []string) error {
	root, err := workspaceRoot()
	if err != nil {
		return withExitCode(exitUnrecoverable, err)
	}

	targets := map[string]bool{"claude": skillClaude, "codex": skillCodex}
	if !skillClaude && !skillCodex {
		targets["claude"] = true
		targets["codex"] = true
	}

	for agent, enabled := range targets {
		if !enabled {
			continue
		}
		dir := filepath.Join(root, "."+agent, "skills", "tracey")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return withExitCode(exitUnrecoverable, err)
		}
		path := filepath.Join(dir, "SKILL.md")
		if err := os.WriteFile(path, []byte(skillTemplate), 0o644); err != nil {
			return withExitCode(exitUnrecoverable, err)
		}
		fmt.Println("wrote", path)
	}
	return nil
}
