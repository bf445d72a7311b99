package main

import (
	"github.com/spf13/cobra"
)

// version is injected via ldflags at build time.
var version = "dev"

var configDir string

var rootCmd = &cobra.Command{
	Use:     "coc",
	Short:   "AI task queue with a local dashboard",
	Long:    `coc queues AI coding tasks, executes them through the Copilot CLI, and serves a local dashboard for watching queue state and streaming task output.`,
	Version: version,

	// Errors are rendered by main with exit codes; usage dumps on runtime
	// failures help nobody.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "",
		"config directory (default: ~/.coc)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
