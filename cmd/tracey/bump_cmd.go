package main

import (
	"bytes"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/necessary-nu/tracey/internal/model"
	"github.com/necessary-nu/tracey/internal/patch"
)

var bumpCmd = &cobra.Command{
	Use:   "bump <spec> <base>",
	Short: "Increment a requirement's version marker in its Markdown file",
	Long: `bump rewrites a requirement definition's marker, e.g.
"auth[login]" to "auth[login+2]", moving every reference still pinned to
the old version to stale until those references are updated in turn
(spec.md §4.4 "Stale transition").`,
	Args: cobra.ExactArgs(2),
	RunE: runBump,
}

func runBump(cmd *cobra.Command, args []string) error {
	specPrefix, base := args[0], args[1]

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

	ws := api.Snapshot()
	def, ok := ws.FindRequirement(specPrefix, base)
	if !ok {
		return withExitCode(exitUnrecoverable, fmt.Errorf("unknown requirement %s[%s]", specPrefix, base))
	}

	full := filepath.Join(root, def.SourceFile)
	content, err := os.ReadFile(full)
	if err != nil {
		return withExitCode(exitUnrecoverable, err)
	}

	lineEnd := bytes.IndexByte(content[def.StartByte:], '\n')
	if lineEnd < 0 {
		lineEnd = len(content)
	} else {
		lineEnd += def.StartByte
	}

	oldText := []byte(def.ID.String())
	idx := bytes.Index(content[def.StartByte:lineEnd], oldText)
	if idx < 0 {
		return withExitCode(exitUnrecoverable, fmt.Errorf("could not locate marker for %s[%s] in %s", specPrefix, base, def.SourceFile))
	}
	start := def.StartByte + idx
	end := start + len(oldText)

	_, hash, err := patch.Fetch(full, start, end)
	if err != nil {
		return withExitCode(exitUnrecoverable, err)
	}

	newID := model.ID{Base: def.ID.Base, Version: def.ID.Version + 1}
	if _, _, err := patch.Patch(full, start, end, []byte(newID.String()), hash); err != nil {
		return withExitCode(exitUnrecoverable, err)
	}

	fmt.Printf("bumped %s[%s] to %s in %s\n", specPrefix, def.ID.String(), newID.String(), def.SourceFile)
	reportNowStale(ws, specPrefix, base, def.ID.Version)
	return nil
}

// reportNowStale prints every reference still pinned to oldVersion,
// since each one will read as stale until its own marker is updated to
// match the requirement's new current version.
func reportNowStale(ws *model.Workspace, specPrefix, base string, oldVersion int) {
	spec, ok := ws.Specs[specPrefix]
	if !ok {
		return
	}
	for _, implName := range sortedKeysOf(spec.Impls) {
		st, ok := spec.Impls[implName].States[base]
		if !ok {
			continue
		}
		for _, ref := range append(append([]model.Reference{}, st.ImplRefs...), st.VerifyRefs...) {
			if ref.ID.Version == oldVersion {
				fmt.Printf("  now stale: %s:%d (%s, %s[%s])\n", ref.File, ref.Line, implName, ref.Verb, ref.ID.String())
			}
		}
	}
}

func sortedKeysOf(m map[string]*model.ImplModel) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
