package store

import (
	"database/sql"
	"fmt"

	"github.com/marketloop/marketloop/pkg/models"
)

const runColumns = `id, workflow_id, tenant_id, user_id, status, trigger_data,
	current_step, completed_steps, failed_steps, step_results, error,
	started_at, completed_at`

// CreateRun persists a new workflow run record.
func (db *DB) CreateRun(r *models.WorkflowRun) error {
	trigger, err := marshalJSON(r.TriggerData)
	if err != nil {
		return err
	}
	completed, err := marshalJSON(r.CompletedSteps)
	if err != nil {
		return err
	}
	failed, err := marshalJSON(r.FailedSteps)
	if err != nil {
		return err
	}
	results, err := marshalJSON(r.StepResults)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		INSERT INTO workflow_runs (id, workflow_id, tenant_id, user_id, status,
			trigger_data, current_step, completed_steps, failed_steps, step_results,
			error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.WorkflowID, r.TenantID, r.UserID, string(r.Status), trigger,
		r.CurrentStep, completed, failed, results, r.Error, formatTime(r.StartedAt))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun retrieves a workflow run by ID, including its step outcomes.
// Returns ErrNotFound if no run exists.
func (db *DB) GetRun(id string) (*models.WorkflowRun, error) {
	row := db.QueryRow(`SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}

	outcomes, err := db.ListOutcomes(id)
	if err != nil {
		return nil, err
	}
	run.Outcomes = outcomes
	return run, nil
}

// UpdateRun writes the run's checkpoint: status, current step index, the
// completed/failed sets, step results, error, and completion time. Terminal
// runs are immutable; updating one is an invalid transition.
func (db *DB) UpdateRun(r *models.WorkflowRun) error {
	return db.Transaction(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT status FROM workflow_runs WHERE id = ?`, r.ID)
		var current string
		if err := row.Scan(&current); err == sql.ErrNoRows {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("read run status: %w", err)
		}
		if models.RunStatus(current).Terminal() {
			return fmt.Errorf("%w: run %s is %s", ErrInvalidTransition, r.ID, current)
		}

		completed, err := marshalJSON(r.CompletedSteps)
		if err != nil {
			return err
		}
		failed, err := marshalJSON(r.FailedSteps)
		if err != nil {
			return err
		}
		results, err := marshalJSON(r.StepResults)
		if err != nil {
			return err
		}

		_, err = tx.Exec(`
			UPDATE workflow_runs SET status = ?, current_step = ?, completed_steps = ?,
				failed_steps = ?, step_results = ?, error = ?, completed_at = ?
			WHERE id = ?
		`, string(r.Status), r.CurrentStep, completed, failed, results, r.Error,
			nullableTime(r.CompletedAt), r.ID)
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		return nil
	})
}

// AppendStepOutcome appends an outcome record for a run. Outcome records are
// append-only; there is no update or delete path.
func (db *DB) AppendStepOutcome(runID string, o models.StepOutcome) error {
	_, err := db.Exec(`
		INSERT INTO step_outcomes (run_id, step_id, status, task_id, error, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, o.StepID, string(o.Status), o.TaskID, o.Error, formatTime(o.CompletedAt))
	if err != nil {
		return fmt.Errorf("append step outcome: %w", err)
	}
	return nil
}

// ListOutcomes returns a run's step outcomes in append order.
func (db *DB) ListOutcomes(runID string) ([]models.StepOutcome, error) {
	rows, err := db.Query(`
		SELECT step_id, status, task_id, error, completed_at
		FROM step_outcomes WHERE run_id = ? ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []models.StepOutcome
	for rows.Next() {
		var o models.StepOutcome
		var taskID, errMsg sql.NullString
		var completedAt string
		if err := rows.Scan(&o.StepID, &o.Status, &taskID, &errMsg, &completedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.TaskID = taskID.String
		o.Error = errMsg.String
		o.CompletedAt, _ = parseTime(completedAt)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// RunFilter narrows ListRuns results. Zero-valued fields are ignored.
type RunFilter struct {
	TenantID   string
	WorkflowID string
	Status     models.RunStatus
	Limit      int
}

// ListRuns returns workflow runs matching the filter, newest first.
// Step outcomes are not loaded; use GetRun for a full record.
func (db *DB) ListRuns(filter RunFilter) ([]models.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE 1=1`
	var args []any
	if filter.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	if filter.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (*models.WorkflowRun, error) {
	var r models.WorkflowRun
	var userID, errMsg sql.NullString
	var trigger, completed, failed, results sql.NullString
	var startedAt string
	var completedAt sql.NullString

	err := row.Scan(&r.ID, &r.WorkflowID, &r.TenantID, &userID, &r.Status,
		&trigger, &r.CurrentStep, &completed, &failed, &results, &errMsg,
		&startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	r.UserID = userID.String
	r.Error = errMsg.String
	if err := unmarshalJSON(trigger, &r.TriggerData); err != nil {
		return nil, fmt.Errorf("decode trigger data: %w", err)
	}
	if err := unmarshalJSON(completed, &r.CompletedSteps); err != nil {
		return nil, fmt.Errorf("decode completed steps: %w", err)
	}
	if err := unmarshalJSON(failed, &r.FailedSteps); err != nil {
		return nil, fmt.Errorf("decode failed steps: %w", err)
	}
	if err := unmarshalJSON(results, &r.StepResults); err != nil {
		return nil, fmt.Errorf("decode step results: %w", err)
	}
	r.StartedAt, _ = parseTime(startedAt)
	r.CompletedAt = parseNullableTime(completedAt)
	return &r, nil
}
