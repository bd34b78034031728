package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/marketloop/marketloop/internal/config"
	"github.com/marketloop/marketloop/internal/workflow"
)

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "Manage workflow definitions",
}

var workflowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflow definitions in the configured directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := workflowsDir()
		if err != nil {
			return err
		}

		library := workflow.NewLibrary()
		loadErr := library.LoadDir(dir)

		defs := library.List()
		if len(defs) == 0 {
			fmt.Printf("No workflow definitions in %s\n", dir)
		}
		for _, def := range defs {
			name := def.Name
			if name == "" {
				name = "(unnamed)"
			}
			fmt.Printf("%s  %s  %d steps\n", def.ID, name, len(def.Steps))
		}

		if loadErr != nil {
			color.Red("Some definitions failed to load:\n%v", loadErr)
		}
		return nil
	},
}

var workflowsValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a workflow definition file",
	Long: `Check a YAML workflow definition for structural problems.

Hard errors (duplicate steps, dependency cycles, unknown agent types) make
the file unloadable. Dependencies that can never be satisfied are warnings:
the definition loads, and the affected steps are skipped at runtime.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := workflow.LoadDefinition(args[0])
		if err != nil {
			color.Red("INVALID: %v", err)
			os.Exit(1)
		}

		warnings, err := workflow.Validate(def)
		if err != nil {
			color.Red("INVALID: %v", err)
			os.Exit(1)
		}
		for _, w := range warnings {
			color.Yellow("warning: %s", w)
		}
		color.Green("OK: %s (%d steps)", def.ID, len(def.Steps))
		return nil
	},
}

func workflowsDir() (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	if cfg.Workflows.Dir == "" {
		return "", fmt.Errorf("workflows.dir is not configured; set it with 'marketloop config workflows.dir <path>'")
	}
	return cfg.Workflows.Dir, nil
}

func init() {
	workflowsCmd.AddCommand(workflowsListCmd)
	workflowsCmd.AddCommand(workflowsValidateCmd)
}
