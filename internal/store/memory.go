package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marketloop/marketloop/pkg/models"
)

// MemoryStore is an in-memory Store. It applies the same transition rules as
// the SQLite backend and is used by tests and as a non-durable backend.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]*models.Task
	runs     map[string]*models.WorkflowRun
	outcomes map[string][]models.StepOutcome
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*models.Task),
		runs:     make(map[string]*models.WorkflowRun),
		outcomes: make(map[string][]models.StepOutcome),
	}
}

// Close is a no-op for the in-memory backend.
func (m *MemoryStore) Close() error { return nil }

// CreateTask persists a new task record.
func (m *MemoryStore) CreateTask(t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[t.ID]; exists {
		return fmt.Errorf("create task: duplicate id %s", t.ID)
	}
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

// GetTask retrieves a task by ID. Returns ErrNotFound if no task exists.
func (m *MemoryStore) GetTask(id string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// UpdateTaskStatus atomically transitions a task, enforcing the state machine
// and the approval gate exactly like the SQLite backend.
func (m *MemoryStore) UpdateTaskStatus(id string, newStatus models.TaskStatus, result map[string]any, errMsg string) (*models.Task, error) {
	if !newStatus.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, newStatus)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !t.Status.CanTransitionTo(newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, t.Status, newStatus, id)
	}
	if newStatus == models.TaskStatusRunning && !t.Approved() {
		return nil, fmt.Errorf("%w: task %s is waiting on approval", ErrInvalidTransition, id)
	}

	now := time.Now().UTC()
	t.Status = newStatus
	switch {
	case newStatus == models.TaskStatusRunning:
		t.StartedAt = &now
	case newStatus.Terminal():
		t.CompletedAt = &now
		if result != nil {
			t.Result = result
		}
		t.Error = errMsg
	}

	cp := *t
	return &cp, nil
}

// RequireApproval marks a pending task as gated on approval.
func (m *MemoryStore) RequireApproval(id string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != models.TaskStatusPending {
		return nil, fmt.Errorf("%w: cannot gate task %s in status %s", ErrInvalidTransition, id, t.Status)
	}
	t.ApprovalRequired = true
	cp := *t
	return &cp, nil
}

// ApproveTask records an approval for a gated task.
func (m *MemoryStore) ApproveTask(id, approverID string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !t.ApprovalRequired {
		return nil, fmt.Errorf("%w: task %s", ErrApprovalNotRequired, id)
	}
	if t.ApprovedBy != "" {
		return nil, fmt.Errorf("%w: task %s approved by %s", ErrAlreadyApproved, id, t.ApprovedBy)
	}

	now := time.Now().UTC()
	t.ApprovedBy = approverID
	t.ApprovedAt = &now
	cp := *t
	return &cp, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (m *MemoryStore) ListTasks(filter TaskFilter) ([]models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tasks []models.Task
	for _, t := range m.tasks {
		if filter.TenantID != "" && t.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.AgentType != "" && t.AgentType != filter.AgentType {
			continue
		}
		tasks = append(tasks, *t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}

// CreateRun persists a new workflow run record.
func (m *MemoryStore) CreateRun(r *models.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[r.ID]; exists {
		return fmt.Errorf("create run: duplicate id %s", r.ID)
	}
	cp := cloneRun(r)
	m.runs[r.ID] = cp
	return nil
}

// GetRun retrieves a run by ID, including its step outcomes.
func (m *MemoryStore) GetRun(id string) (*models.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneRun(r)
	cp.Outcomes = append([]models.StepOutcome(nil), m.outcomes[id]...)
	return cp, nil
}

// UpdateRun writes the run's checkpoint. Terminal runs are immutable.
func (m *MemoryStore) UpdateRun(r *models.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.runs[r.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Status.Terminal() {
		return fmt.Errorf("%w: run %s is %s", ErrInvalidTransition, r.ID, existing.Status)
	}
	m.runs[r.ID] = cloneRun(r)
	return nil
}

// AppendStepOutcome appends an outcome record for a run.
func (m *MemoryStore) AppendStepOutcome(runID string, o models.StepOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[runID] = append(m.outcomes[runID], o)
	return nil
}

// ListOutcomes returns a run's step outcomes in append order.
func (m *MemoryStore) ListOutcomes(runID string) ([]models.StepOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.StepOutcome(nil), m.outcomes[runID]...), nil
}

// ListRuns returns runs matching the filter, newest first.
func (m *MemoryStore) ListRuns(filter RunFilter) ([]models.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var runs []models.WorkflowRun
	for _, r := range m.runs {
		if filter.TenantID != "" && r.TenantID != filter.TenantID {
			continue
		}
		if filter.WorkflowID != "" && r.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		runs = append(runs, *cloneRun(r))
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

// cloneRun deep-copies the slices and maps callers are allowed to mutate.
func cloneRun(r *models.WorkflowRun) *models.WorkflowRun {
	cp := *r
	cp.CompletedSteps = append([]string(nil), r.CompletedSteps...)
	cp.FailedSteps = append([]string(nil), r.FailedSteps...)
	if r.StepResults != nil {
		cp.StepResults = make(map[string]map[string]any, len(r.StepResults))
		for k, v := range r.StepResults {
			cp.StepResults[k] = v
		}
	}
	cp.Outcomes = nil
	return &cp
}
