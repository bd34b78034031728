package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/marketloop/marketloop/pkg/models"
)

const taskColumns = `id, tenant_id, user_id, agent_type, task_type, payload, priority,
	status, result, error, approval_required, approved_by,
	created_at, started_at, completed_at, approved_at`

// CreateTask persists a new task record.
func (db *DB) CreateTask(t *models.Task) error {
	payload, err := marshalJSON(t.Payload)
	if err != nil {
		return err
	}
	result, err := marshalJSON(t.Result)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		INSERT INTO tasks (id, tenant_id, user_id, agent_type, task_type, payload,
			priority, status, result, error, approval_required, approved_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.TenantID, t.UserID, string(t.AgentType), t.TaskType, payload,
		t.Priority, string(t.Status), result, t.Error,
		boolToInt(t.ApprovalRequired), t.ApprovedBy, formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. Returns ErrNotFound if no task exists.
func (db *DB) GetTask(id string) (*models.Task, error) {
	row := db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// UpdateTaskStatus atomically transitions a task to newStatus, enforcing the
// state machine and the approval gate. It stamps started_at on the pending ->
// running transition and completed_at plus result/error on a terminal
// transition. Returns the updated task.
func (db *DB) UpdateTaskStatus(id string, newStatus models.TaskStatus, result map[string]any, errMsg string) (*models.Task, error) {
	if !newStatus.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, newStatus)
	}

	var updated *models.Task
	err := db.Transaction(func(tx *sql.Tx) error {
		task, err := getTaskTx(tx, id)
		if err != nil {
			return err
		}

		if !task.Status.CanTransitionTo(newStatus) {
			return fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, task.Status, newStatus, id)
		}
		if newStatus == models.TaskStatusRunning && !task.Approved() {
			return fmt.Errorf("%w: task %s is waiting on approval", ErrInvalidTransition, id)
		}

		now := time.Now().UTC()
		task.Status = newStatus
		switch {
		case newStatus == models.TaskStatusRunning:
			task.StartedAt = &now
		case newStatus.Terminal():
			task.CompletedAt = &now
			if result != nil {
				task.Result = result
			}
			task.Error = errMsg
		}

		resultCol, err := marshalJSON(task.Result)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			UPDATE tasks SET status = ?, result = ?, error = ?, started_at = ?, completed_at = ?
			WHERE id = ?
		`, string(task.Status), resultCol, task.Error,
			nullableTime(task.StartedAt), nullableTime(task.CompletedAt), id)
		if err != nil {
			return fmt.Errorf("update task status: %w", err)
		}

		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RequireApproval marks a pending task as gated on approval.
func (db *DB) RequireApproval(id string) (*models.Task, error) {
	var updated *models.Task
	err := db.Transaction(func(tx *sql.Tx) error {
		task, err := getTaskTx(tx, id)
		if err != nil {
			return err
		}
		if task.Status != models.TaskStatusPending {
			return fmt.Errorf("%w: cannot gate task %s in status %s", ErrInvalidTransition, id, task.Status)
		}

		task.ApprovalRequired = true
		if _, err := tx.Exec(`UPDATE tasks SET approval_required = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("require approval: %w", err)
		}
		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ApproveTask records an approval for a gated task. Approving an unknown,
// ungated, or already-approved task is an error.
func (db *DB) ApproveTask(id, approverID string) (*models.Task, error) {
	var updated *models.Task
	err := db.Transaction(func(tx *sql.Tx) error {
		task, err := getTaskTx(tx, id)
		if err != nil {
			return err
		}
		if !task.ApprovalRequired {
			return fmt.Errorf("%w: task %s", ErrApprovalNotRequired, id)
		}
		if task.ApprovedBy != "" {
			return fmt.Errorf("%w: task %s approved by %s", ErrAlreadyApproved, id, task.ApprovedBy)
		}

		now := time.Now().UTC()
		task.ApprovedBy = approverID
		task.ApprovedAt = &now
		_, err = tx.Exec(`UPDATE tasks SET approved_by = ?, approved_at = ? WHERE id = ?`,
			approverID, formatTime(now), id)
		if err != nil {
			return fmt.Errorf("approve task: %w", err)
		}
		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// TaskFilter narrows ListTasks results. Zero-valued fields are ignored.
type TaskFilter struct {
	TenantID  string
	Status    models.TaskStatus
	AgentType models.AgentType
	Limit     int
}

// ListTasks returns tasks matching the filter, newest first.
func (db *DB) ListTasks(filter TaskFilter) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if filter.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.AgentType != "" {
		query += " AND agent_type = ?"
		args = append(args, string(filter.AgentType))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// getTaskTx reads a task inside a transaction.
func getTaskTx(tx *sql.Tx, id string) (*models.Task, error) {
	row := tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var userID, approvedBy, errMsg sql.NullString
	var payload, result sql.NullString
	var approvalRequired int
	var createdAt string
	var startedAt, completedAt, approvedAt sql.NullString

	err := row.Scan(&t.ID, &t.TenantID, &userID, &t.AgentType, &t.TaskType,
		&payload, &t.Priority, &t.Status, &result, &errMsg,
		&approvalRequired, &approvedBy, &createdAt, &startedAt, &completedAt, &approvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.UserID = userID.String
	t.ApprovedBy = approvedBy.String
	t.Error = errMsg.String
	t.ApprovalRequired = approvalRequired != 0
	if err := unmarshalJSON(payload, &t.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if err := unmarshalJSON(result, &t.Result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	t.CreatedAt, _ = parseTime(createdAt)
	t.StartedAt = parseNullableTime(startedAt)
	t.CompletedAt = parseNullableTime(completedAt)
	t.ApprovedAt = parseNullableTime(approvedAt)
	return &t, nil
}

func scanTaskRows(rows *sql.Rows) (*models.Task, error) {
	return scanTask(rows)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
