package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taeuk-works/appflowy-editor-sync-plugin/internal/config"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/internal/logger"
)

var (
	configPath string
	logLevel   string
	prettyLogs bool

	cfg config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blockdoc",
	Short: "Replicated block-tree documents",
	Long: `blockdoc keeps outline documents as replicated data types.
Edits become binary updates that any replica can merge in any order.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = logLevel
		}
		if cmd.Flags().Changed("pretty") {
			cfg.Log.Pretty = prettyLogs
		}
		logger.InitGlobalLogger(logger.Config{
			Level:  cfg.Log.Level,
			Pretty: cfg.Log.Pretty,
			Output: os.Stderr,
		})
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&prettyLogs, "pretty", false, "Human-readable console logs")
}
