package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/replica"
)

var mergeOutput string

var mergeCmd = &cobra.Command{
	Use:   "merge [update files...]",
	Short: "Compact update files into one update",
	Long:  `Merge binary update files, in any order, into one equivalent update written to --output.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		updates, err := readUpdates(args)
		if err != nil {
			return err
		}
		merged, err := replica.MergeUpdates(updates)
		if err != nil {
			return fmt.Errorf("merge updates: %w", err)
		}
		if err := os.WriteFile(mergeOutput, merged, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", mergeOutput, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Merged %d updates into %s (%d bytes)\n", len(updates), mergeOutput, len(merged))
		return nil
	},
}

func readUpdates(paths []string) ([][]byte, error) {
	updates := make([][]byte, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		updates = append(updates, data)
	}
	return updates, nil
}

func init() {
	rootCmd.AddCommand(mergeCmd)
	mergeCmd.Flags().StringVarP(&mergeOutput, "output", "o", "", "File to write the merged update to")
	mergeCmd.MarkFlagRequired("output")
}
