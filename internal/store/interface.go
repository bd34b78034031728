// Package store provides the durable record of tasks and workflow runs.
package store

import (
	"io"

	"github.com/marketloop/marketloop/pkg/models"
)

// TaskStore handles task persistence. UpdateTaskStatus must be an atomic
// read-modify-write per task id so concurrent executor completions cannot
// produce lost updates, and must enforce the task state machine and the
// approval gate.
type TaskStore interface {
	CreateTask(t *models.Task) error
	GetTask(id string) (*models.Task, error)
	UpdateTaskStatus(id string, status models.TaskStatus, result map[string]any, errMsg string) (*models.Task, error)
	RequireApproval(id string) (*models.Task, error)
	ApproveTask(id, approverID string) (*models.Task, error)
	ListTasks(filter TaskFilter) ([]models.Task, error)
}

// RunStore handles workflow run persistence, including the per-step
// checkpoint the engine writes after every step.
type RunStore interface {
	CreateRun(r *models.WorkflowRun) error
	GetRun(id string) (*models.WorkflowRun, error)
	UpdateRun(r *models.WorkflowRun) error
	AppendStepOutcome(runID string, o models.StepOutcome) error
	ListOutcomes(runID string) ([]models.StepOutcome, error)
	ListRuns(filter RunFilter) ([]models.WorkflowRun, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// Store is the full persistence surface the engine depends on. The concrete
// SQLite backend and the in-memory backend both satisfy it.
type Store interface {
	io.Closer
	TaskStore
	RunStore
}

// Compile-time verification that both backends implement the interfaces.
var (
	_ Store     = (*DB)(nil)
	_ Migrator  = (*DB)(nil)
	_ TaskStore = (*DB)(nil)
	_ RunStore  = (*DB)(nil)

	_ Store     = (*MemoryStore)(nil)
	_ TaskStore = (*MemoryStore)(nil)
	_ RunStore  = (*MemoryStore)(nil)
)
