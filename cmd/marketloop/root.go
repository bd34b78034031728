package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "marketloop",
	Short: "Marketing agent orchestration engine",
	Long: `Marketloop runs the orchestration engine behind a marketing agent
platform: it accepts tasks for specialized agents, dispatches them through
prioritized per-agent queues, gates sensitive actions behind approvals, and
executes multi-step workflows with checkpointed, resumable runs.

Start the engine with 'marketloop serve'. Inspect state with
'marketloop status' and manage definitions with 'marketloop workflows'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(workflowsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
