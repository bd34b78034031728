package models

import "time"

// WorkflowStep is one node in a workflow definition. Each execution attempt
// of a step maps to exactly one task.
type WorkflowStep struct {
	// ID uniquely identifies the step within its definition.
	ID string `json:"id" yaml:"id"`
	// Name is a human-readable label for the step.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// AgentType selects the executor family for the step's task.
	AgentType AgentType `json:"agent_type" yaml:"agent_type"`
	// TaskType is the operation the executor should perform.
	TaskType string `json:"task_type" yaml:"task_type"`
	// TaskConfig is the base payload for the step's task. Dependency results
	// are merged in at execution time.
	TaskConfig map[string]any `json:"task_config,omitempty" yaml:"task_config,omitempty"`
	// DependsOn lists step IDs that must complete before this step executes.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// ApprovalRequired gates the step's task behind an explicit approval.
	ApprovalRequired bool `json:"approval_required,omitempty" yaml:"approval_required,omitempty"`
	// Priority is forwarded to the task's dispatch priority (lower = sooner).
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`
	// Timeout bounds how long the run waits for the step's task. Zero means
	// the engine default applies.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// Retries is how many additional tasks may be created after a failed
	// attempt. Each retry is a new task; old outcomes are never mutated.
	Retries int `json:"retries,omitempty" yaml:"retries,omitempty"`
	// ContinueOnFailure lets the run proceed past this step's failure instead
	// of aborting.
	ContinueOnFailure bool `json:"continue_on_failure,omitempty" yaml:"continue_on_failure,omitempty"`
	// Delay is slept after the step resolves, before the next step starts.
	// It serializes the run; there is no parallel fan-out.
	Delay time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`
}

// WorkflowDefinition is a named, reusable template of steps and dependencies.
type WorkflowDefinition struct {
	// ID uniquely identifies the definition.
	ID string `json:"id" yaml:"id"`
	// Name is a human-readable label.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// Description explains what the workflow does.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Steps are executed in declaration order. Declaration order must already
	// respect dependencies; satisfaction is checked lazily per step.
	Steps []WorkflowStep `json:"steps" yaml:"steps"`
}

// Step returns the step with the given ID, or nil if not declared.
func (d *WorkflowDefinition) Step(id string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// RunStatus represents the state of a workflow run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is executing steps.
	RunStatusRunning RunStatus = "running"
	// RunStatusPaused indicates the run stopped advancing but can resume.
	RunStatusPaused RunStatus = "paused"
	// RunStatusCompleted indicates all steps resolved without an aborting failure.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates a non-skippable step failed.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled indicates the run was cancelled externally.
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal returns true if the run status is final and immutable.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// StepOutcomeStatus is the resolution of a single step within a run.
type StepOutcomeStatus string

const (
	// StepCompleted indicates the step's task completed.
	StepCompleted StepOutcomeStatus = "completed"
	// StepFailed indicates the step's task failed or timed out.
	StepFailed StepOutcomeStatus = "failed"
	// StepSkipped indicates the step was skipped due to unmet dependencies.
	StepSkipped StepOutcomeStatus = "skipped"
)

// StepOutcome records how one step resolved. Outcome records are append-only;
// a retried step produces a new task, not a mutated outcome.
type StepOutcome struct {
	// StepID identifies the step.
	StepID string `json:"step_id"`
	// Status is how the step resolved.
	Status StepOutcomeStatus `json:"status"`
	// TaskID is the task that produced this outcome, if one was created.
	TaskID string `json:"task_id,omitempty"`
	// Error is the failure message, if the step failed.
	Error string `json:"error,omitempty"`
	// CompletedAt is when the outcome was recorded.
	CompletedAt time.Time `json:"completed_at"`
}

// WorkflowRun is one execution instance of a WorkflowDefinition.
type WorkflowRun struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`
	// WorkflowID references the definition being executed.
	WorkflowID string `json:"workflow_id"`
	// TenantID identifies the tenant that triggered the run.
	TenantID string `json:"tenant_id"`
	// UserID is the user the run was triggered on behalf of.
	UserID string `json:"user_id,omitempty"`
	// Status is the current state of the run.
	Status RunStatus `json:"status"`
	// TriggerData is the payload the run was triggered with, merged into
	// every step's task config.
	TriggerData map[string]any `json:"trigger_data,omitempty"`
	// CurrentStep is the index of the next step to execute. Persisted after
	// each step so a run can resume from a checkpoint.
	CurrentStep int `json:"current_step"`
	// CompletedSteps holds step IDs that resolved successfully.
	CompletedSteps []string `json:"completed_steps,omitempty"`
	// FailedSteps holds step IDs that resolved as failed. Always disjoint
	// from CompletedSteps.
	FailedSteps []string `json:"failed_steps,omitempty"`
	// StepResults maps a completed step ID to its task result.
	StepResults map[string]map[string]any `json:"step_results,omitempty"`
	// Outcomes is the append-only record of per-step resolutions.
	Outcomes []StepOutcome `json:"outcomes,omitempty"`
	// Error is the message of the failure that aborted the run, if any.
	Error string `json:"error,omitempty"`
	// StartedAt is when the run was triggered.
	StartedAt time.Time `json:"started_at"`
	// CompletedAt is when the run reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the run. The engine's run goroutine mutates
// its record in place, so anything handed to a caller while the run executes
// must be a copy.
func (r *WorkflowRun) Clone() *WorkflowRun {
	c := *r
	if r.TriggerData != nil {
		c.TriggerData = make(map[string]any, len(r.TriggerData))
		for k, v := range r.TriggerData {
			c.TriggerData[k] = v
		}
	}
	c.CompletedSteps = append([]string(nil), r.CompletedSteps...)
	c.FailedSteps = append([]string(nil), r.FailedSteps...)
	if r.StepResults != nil {
		c.StepResults = make(map[string]map[string]any, len(r.StepResults))
		for id, res := range r.StepResults {
			inner := make(map[string]any, len(res))
			for k, v := range res {
				inner[k] = v
			}
			c.StepResults[id] = inner
		}
	}
	c.Outcomes = append([]StepOutcome(nil), r.Outcomes...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// StepCompleted returns true if the step ID is in the completed set.
func (r *WorkflowRun) StepCompleted(stepID string) bool {
	for _, id := range r.CompletedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// StepFailed returns true if the step ID is in the failed set.
func (r *WorkflowRun) StepFailed(stepID string) bool {
	for _, id := range r.FailedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}
