package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/replica"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/snapshot"
)

var (
	inspectJSON  bool
	inspectCheck bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [update files...]",
	Short: "Print the document built from update files",
	Long: `Apply update files to an empty replica and print its block outline and
metadata, or the full snapshot as JSON with --json.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		updates, err := readUpdates(args)
		if err != nil {
			return err
		}
		doc := replica.New()
		if err := doc.ApplyUpdates(updates); err != nil {
			return fmt.Errorf("apply updates: %w", err)
		}
		if inspectCheck {
			if err := doc.Check(); err != nil {
				return fmt.Errorf("integrity check: %w", err)
			}
		}
		snap, err := doc.Snapshot()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if inspectJSON {
			encoder := json.NewEncoder(out)
			encoder.SetIndent("", "  ")
			return encoder.Encode(snap)
		}

		meta, err := doc.GetAllMetaJSON()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "meta: %s\n", meta)
		if root := doc.RootNodeID(); root != "" {
			fmt.Fprintf(out, "root: %s\n", root)
		}
		printOutline(out, snap)
		if n := doc.PendingCount(); n > 0 {
			fmt.Fprintf(out, "pending: %d operations wait for missing updates\n", n)
		}
		return nil
	},
}

func printOutline(out io.Writer, snap *snapshot.Snapshot) {
	printViews(out, snap.Blocks, 0)
	if len(snap.Detached) > 0 {
		fmt.Fprintln(out, "detached:")
		printViews(out, snap.Detached, 1)
	}
}

func printViews(out io.Writer, views []*snapshot.BlockView, depth int) {
	for _, v := range views {
		fmt.Fprintf(out, "%s- %s [%s]", strings.Repeat("  ", depth), v.ID, v.Type)
		if text, ok := v.Content["text"].(string); ok && text != "" {
			fmt.Fprintf(out, " %q", text)
		}
		fmt.Fprintln(out)
		printViews(out, v.Children, depth+1)
	}
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output the snapshot as JSON")
	inspectCmd.Flags().BoolVar(&inspectCheck, "check", false, "Fail when the block tree is inconsistent")
}
