package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/marketloop/marketloop/internal/config"
	"github.com/marketloop/marketloop/internal/store"
	"github.com/marketloop/marketloop/pkg/models"
)

var statusTenant string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent tasks and workflow runs",
	Long: `Display recent engine state from the task store.

Shows:
  - Tasks awaiting approval
  - Recently created tasks and their status
  - Recent workflow runs and their progress`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusTenant, "tenant", "", "Limit output to one tenant")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath = store.DefaultDBPath()
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No engine state yet. Run 'marketloop serve' to start.")
		return nil
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	if err := displayPendingApprovals(db); err != nil {
		return err
	}
	if err := displayRecentTasks(db); err != nil {
		return err
	}
	return displayRecentRuns(db)
}

func displayPendingApprovals(db *store.DB) error {
	tasks, err := db.ListTasks(store.TaskFilter{
		TenantID: statusTenant,
		Status:   models.TaskStatusPending,
		Limit:    50,
	})
	if err != nil {
		return fmt.Errorf("list pending tasks: %w", err)
	}

	var gated []models.Task
	for _, task := range tasks {
		if task.ApprovalRequired && task.ApprovedBy == "" {
			gated = append(gated, task)
		}
	}
	if len(gated) == 0 {
		return nil
	}

	color.Yellow("Awaiting approval: %d", len(gated))
	for _, task := range gated {
		fmt.Printf("  %s  %s/%s  tenant=%s  (%s ago)\n",
			task.ID, task.AgentType, task.TaskType, task.TenantID,
			formatDuration(time.Since(task.CreatedAt)))
	}
	fmt.Println()
	return nil
}

func displayRecentTasks(db *store.DB) error {
	tasks, err := db.ListTasks(store.TaskFilter{TenantID: statusTenant, Limit: 10})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks yet.")
		return nil
	}

	fmt.Println("Recent tasks:")
	for _, task := range tasks {
		fmt.Printf("  %s  %s/%s  %s  (%s ago)\n",
			task.ID, task.AgentType, task.TaskType,
			colorTaskStatus(task.Status),
			formatDuration(time.Since(task.CreatedAt)))
	}
	fmt.Println()
	return nil
}

func displayRecentRuns(db *store.DB) error {
	runs, err := db.ListRuns(store.RunFilter{TenantID: statusTenant, Limit: 10})
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No workflow runs yet.")
		return nil
	}

	fmt.Println("Recent runs:")
	for _, run := range runs {
		fmt.Printf("  %s  %s  %s  steps: %d ok / %d failed  (%s ago)\n",
			run.ID, run.WorkflowID,
			colorRunStatus(run.Status),
			len(run.CompletedSteps), len(run.FailedSteps),
			formatDuration(time.Since(run.StartedAt)))
	}
	return nil
}

func colorTaskStatus(s models.TaskStatus) string {
	switch s {
	case models.TaskStatusCompleted:
		return color.GreenString(string(s))
	case models.TaskStatusFailed:
		return color.RedString(string(s))
	case models.TaskStatusRunning:
		return color.CyanString(string(s))
	case models.TaskStatusCancelled:
		return color.HiBlackString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

func colorRunStatus(s models.RunStatus) string {
	switch s {
	case models.RunStatusCompleted:
		return color.GreenString(string(s))
	case models.RunStatusFailed:
		return color.RedString(string(s))
	case models.RunStatusPaused:
		return color.YellowString(string(s))
	case models.RunStatusCancelled:
		return color.HiBlackString(string(s))
	default:
		return color.CyanString(string(s))
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}
