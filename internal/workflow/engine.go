package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marketloop/marketloop/internal/events"
	"github.com/marketloop/marketloop/internal/orchestrator"
	"github.com/marketloop/marketloop/internal/store"
	"github.com/marketloop/marketloop/pkg/models"
)

// DefaultStepTimeout bounds a step's task when the step declares no timeout
// of its own.
const DefaultStepTimeout = 10 * time.Minute

// ErrRunTerminal indicates a pause/resume/cancel on a run that already
// reached a terminal state.
var ErrRunTerminal = errors.New("workflow: run is terminal")

// ErrRunNotPaused indicates a resume on a run that is not paused.
var ErrRunNotPaused = errors.New("workflow: run is not paused")

// Config holds the collaborators an Engine needs. Orchestrator, Runs, and
// Library are required.
type Config struct {
	// Orchestrator creates and tracks the tasks that back each step.
	Orchestrator *orchestrator.Orchestrator
	// Runs is the durable run record and checkpoint store.
	Runs store.RunStore
	// Library resolves workflow IDs to definitions.
	Library *Library
	// Sink receives run lifecycle events. Defaults to events.NopSink.
	Sink events.Sink
	// Logger receives debug output. Defaults to a no-op logger.
	Logger *orchestrator.DebugLogger
	// StepTimeout is the default wait bound per step. Defaults to
	// DefaultStepTimeout.
	StepTimeout time.Duration
}

// Engine executes workflow runs. Each run is a single goroutine walking the
// definition's steps in declared order; run state lives in the run store, so
// a paused run can resume after a process restart.
type Engine struct {
	orch        *orchestrator.Orchestrator
	runs        store.RunStore
	library     *Library
	sink        events.Sink
	logger      *orchestrator.DebugLogger
	stepTimeout time.Duration

	mu     sync.Mutex
	active map[string]*runControl
	wg     sync.WaitGroup
}

// runControl carries the in-process signals for one executing run. A run
// found in the store but not here (after a restart) is controlled purely
// through its persisted status.
type runControl struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	paused bool
}

func (c *runControl) setPaused(v bool) {
	c.mu.Lock()
	c.paused = v
	c.mu.Unlock()
}

func (c *runControl) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// NewEngine creates an Engine from the given config.
func NewEngine(cfg Config) *Engine {
	if cfg.Sink == nil {
		cfg.Sink = events.NopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = orchestrator.NopLogger()
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	return &Engine{
		orch:        cfg.Orchestrator,
		runs:        cfg.Runs,
		library:     cfg.Library,
		sink:        cfg.Sink,
		logger:      cfg.Logger,
		stepTimeout: cfg.StepTimeout,
		active:      make(map[string]*runControl),
	}
}

// Trigger starts a run of the given workflow and returns a snapshot of it
// immediately; steps execute in the background. The run goroutine owns the
// live record, so the returned run reflects the state at trigger time only.
// TriggerData is merged into every step's task payload.
func (e *Engine) Trigger(workflowID, tenantID, userID string, triggerData map[string]any) (*models.WorkflowRun, error) {
	def, err := e.library.Get(workflowID)
	if err != nil {
		return nil, err
	}

	run := &models.WorkflowRun{
		ID:          uuid.New().String(),
		WorkflowID:  def.ID,
		TenantID:    tenantID,
		UserID:      userID,
		Status:      models.RunStatusRunning,
		TriggerData: triggerData,
		StepResults: make(map[string]map[string]any),
		StartedAt:   time.Now().UTC(),
	}
	if err := e.runs.CreateRun(run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	e.logger.Log("[engine] triggered run %s of workflow %s tenant=%s", run.ID, def.ID, tenantID)
	e.emit(tenantID, events.EventRunStarted, map[string]any{
		"run_id":      run.ID,
		"workflow_id": def.ID,
	})

	snapshot := run.Clone()
	e.launch(run, def)
	return snapshot, nil
}

// launch registers control state for the run and starts its goroutine.
func (e *Engine) launch(run *models.WorkflowRun, def *models.WorkflowDefinition) {
	if run.StepResults == nil {
		run.StepResults = make(map[string]map[string]any)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ctrl := &runControl{cancel: cancel}

	e.mu.Lock()
	e.active[run.ID] = ctrl
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer func() {
			e.mu.Lock()
			delete(e.active, run.ID)
			e.mu.Unlock()
		}()
		e.executeRun(ctx, ctrl, run, def)
	}()
}

// Pause stops a running run from advancing past the current step. The step
// in flight finishes and is checkpointed; the run then persists as paused.
// This holds for the final step too: the run parks as paused with every
// step resolved, and Resume walks it to completed.
func (e *Engine) Pause(runID string) error {
	run, err := e.runs.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("%w: run %s is %s", ErrRunTerminal, runID, run.Status)
	}

	e.mu.Lock()
	ctrl, ok := e.active[runID]
	e.mu.Unlock()
	if ok {
		ctrl.setPaused(true)
		return nil
	}

	// Not executing in this process; flip the persisted status directly.
	run.Status = models.RunStatusPaused
	if err := e.runs.UpdateRun(run); err != nil {
		return err
	}
	e.emit(run.TenantID, events.EventRunPaused, map[string]any{"run_id": run.ID})
	return nil
}

// Resume restarts a paused run from its persisted checkpoint. It works for
// runs paused in this process and for runs recovered after a restart; all
// state needed is re-derived from the store.
func (e *Engine) Resume(runID string) error {
	run, err := e.runs.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status != models.RunStatusPaused {
		if run.Status.Terminal() {
			return fmt.Errorf("%w: run %s is %s", ErrRunTerminal, runID, run.Status)
		}
		return fmt.Errorf("%w: run %s is %s", ErrRunNotPaused, runID, run.Status)
	}

	def, err := e.library.Get(run.WorkflowID)
	if err != nil {
		return err
	}

	run.Status = models.RunStatusRunning
	if err := e.runs.UpdateRun(run); err != nil {
		return err
	}

	e.logger.Log("[engine] resumed run %s at step index %d", run.ID, run.CurrentStep)
	e.emit(run.TenantID, events.EventRunResumed, map[string]any{
		"run_id":       run.ID,
		"current_step": run.CurrentStep,
	})

	e.launch(run, def)
	return nil
}

// Cancel stops a run. The in-flight step's task is cancelled cooperatively;
// the run records cancelled regardless of what that task eventually does.
func (e *Engine) Cancel(runID string) error {
	run, err := e.runs.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("%w: run %s is %s", ErrRunTerminal, runID, run.Status)
	}

	e.mu.Lock()
	ctrl, ok := e.active[runID]
	e.mu.Unlock()
	if ok {
		// The run goroutine observes the cancellation and records it.
		ctrl.cancel()
		return nil
	}

	return e.finishRun(run, models.RunStatusCancelled, "")
}

// GetRun returns the current run record including its outcome history.
func (e *Engine) GetRun(runID string) (*models.WorkflowRun, error) {
	return e.runs.GetRun(runID)
}

// Stop waits for all in-flight run goroutines to reach their next checkpoint
// and exit. Call Pause or Cancel first to stop them advancing.
func (e *Engine) Stop() {
	e.mu.Lock()
	for _, ctrl := range e.active {
		ctrl.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// executeRun walks the definition's steps from the run's checkpoint. It owns
// the run record for the duration; every step resolution is checkpointed
// before the next step starts.
func (e *Engine) executeRun(ctx context.Context, ctrl *runControl, run *models.WorkflowRun, def *models.WorkflowDefinition) {
	for i := run.CurrentStep; i < len(def.Steps); i++ {
		if ctx.Err() != nil {
			e.recordTerminal(run, models.RunStatusCancelled, "")
			return
		}
		if ctrl.isPaused() {
			e.parkPaused(run, i)
			return
		}

		step := def.Steps[i]

		if unmet := e.unmetDependency(run, def, &step); unmet != "" {
			e.recordSkip(run, &step, unmet)
		} else {
			outcome, result := e.executeStep(ctx, run, &step)
			switch outcome.Status {
			case models.StepCompleted:
				run.CompletedSteps = append(run.CompletedSteps, step.ID)
				run.StepResults[step.ID] = result
				e.emit(run.TenantID, events.EventRunStepCompleted, map[string]any{
					"run_id":  run.ID,
					"step_id": step.ID,
					"task_id": outcome.TaskID,
				})
			case models.StepFailed:
				run.FailedSteps = append(run.FailedSteps, step.ID)
				e.emit(run.TenantID, events.EventRunStepFailed, map[string]any{
					"run_id":  run.ID,
					"step_id": step.ID,
					"task_id": outcome.TaskID,
					"error":   outcome.Error,
				})
				if ctx.Err() != nil {
					e.appendOutcome(run.ID, outcome)
					e.recordTerminal(run, models.RunStatusCancelled, "")
					return
				}
				if !step.ContinueOnFailure {
					e.appendOutcome(run.ID, outcome)
					run.CurrentStep = i + 1
					e.recordTerminal(run, models.RunStatusFailed,
						fmt.Sprintf("step %s failed: %s", step.ID, outcome.Error))
					return
				}
			}
			e.appendOutcome(run.ID, outcome)
		}

		// Checkpoint: a restarted process resumes from the next step.
		run.CurrentStep = i + 1
		if err := e.runs.UpdateRun(run); err != nil {
			log.Printf("[engine] failed to checkpoint run %s: %v", run.ID, err)
		}

		if step.Delay > 0 && i < len(def.Steps)-1 {
			if !e.sleep(ctx, step.Delay) {
				e.recordTerminal(run, models.RunStatusCancelled, "")
				return
			}
		}
	}

	// A pause requested during the final step still lands: the run parks as
	// paused with every step resolved, and Resume walks it to completed.
	if ctrl.isPaused() {
		e.parkPaused(run, len(def.Steps))
		return
	}
	e.recordTerminal(run, models.RunStatusCompleted, "")
}

// parkPaused persists the run as paused at the given step index and emits
// the pause event. Pauses land at step boundaries only; the boundary after
// the last step counts.
func (e *Engine) parkPaused(run *models.WorkflowRun, stepIndex int) {
	run.Status = models.RunStatusPaused
	if err := e.runs.UpdateRun(run); err != nil {
		log.Printf("[engine] failed to persist pause of run %s: %v", run.ID, err)
	}
	e.logger.Log("[engine] run %s paused at step index %d", run.ID, stepIndex)
	e.emit(run.TenantID, events.EventRunPaused, map[string]any{"run_id": run.ID})
}

// unmetDependency returns a reason string if any declared dependency blocks
// the step: not yet completed, resolved as failed or skipped, or never
// declared in the definition at all. Empty means eligible.
func (e *Engine) unmetDependency(run *models.WorkflowRun, def *models.WorkflowDefinition, step *models.WorkflowStep) string {
	for _, dep := range step.DependsOn {
		if run.StepCompleted(dep) {
			continue
		}
		if def.Step(dep) == nil {
			return fmt.Sprintf("dependency %q is not declared in workflow %s", dep, def.ID)
		}
		return fmt.Sprintf("dependency %q did not complete", dep)
	}
	return ""
}

// executeStep runs one step: builds the payload, creates a task, and waits
// for its terminal state, retrying with fresh tasks up to the step's retry
// budget. The returned outcome is the step's final resolution.
func (e *Engine) executeStep(ctx context.Context, run *models.WorkflowRun, step *models.WorkflowStep) (models.StepOutcome, map[string]any) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.stepTimeout
	}

	payload := e.buildPayload(run, step)

	var lastErr string
	var lastTaskID string
	attempts := step.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			break
		}

		task, err := e.orch.CreateTask(ctx, orchestrator.TaskSpec{
			TenantID:         run.TenantID,
			UserID:           run.UserID,
			AgentType:        step.AgentType,
			TaskType:         step.TaskType,
			Payload:          payload,
			Priority:         step.Priority,
			ApprovalRequired: step.ApprovalRequired,
		})
		if err != nil {
			lastErr = err.Error()
			e.logger.Log("[engine] run %s step %s attempt %d: create task failed: %v",
				run.ID, step.ID, attempt, err)
			continue
		}
		lastTaskID = task.ID
		e.logger.Log("[engine] run %s step %s attempt %d/%d task %s",
			run.ID, step.ID, attempt, attempts, task.ID)

		final, err := e.orch.WaitForTask(ctx, task.ID, timeout)
		if err != nil {
			if errors.Is(err, orchestrator.ErrWaitTimeout) {
				// Cancel the abandoned task so it cannot land a late result.
				if _, cerr := e.orch.CancelTask(task.ID); cerr != nil {
					e.logger.Log("[engine] run %s: cancel of timed-out task %s: %v", run.ID, task.ID, cerr)
				}
				lastErr = fmt.Sprintf("timed out after %s", timeout)
				continue
			}
			lastErr = err.Error()
			break
		}

		switch final.Status {
		case models.TaskStatusCompleted:
			return models.StepOutcome{
				StepID:      step.ID,
				Status:      models.StepCompleted,
				TaskID:      final.ID,
				CompletedAt: time.Now().UTC(),
			}, final.Result
		case models.TaskStatusCancelled:
			lastErr = "task was cancelled"
		default:
			lastErr = final.Error
		}
	}

	return models.StepOutcome{
		StepID:      step.ID,
		Status:      models.StepFailed,
		TaskID:      lastTaskID,
		Error:       lastErr,
		CompletedAt: time.Now().UTC(),
	}, nil
}

// buildPayload assembles a step's task payload: trigger data, each declared
// dependency's result keyed by the dependency's step id, then the step's own
// task config, which always wins on key collisions.
func (e *Engine) buildPayload(run *models.WorkflowRun, step *models.WorkflowStep) map[string]any {
	payload := make(map[string]any)
	for k, v := range run.TriggerData {
		payload[k] = v
	}
	for _, dep := range step.DependsOn {
		if result, ok := run.StepResults[dep]; ok {
			payload[dep] = result
		}
	}
	for k, v := range step.TaskConfig {
		payload[k] = v
	}
	return payload
}

// recordSkip appends a skipped outcome and emits the matching event. The
// step joins neither the completed nor the failed set.
func (e *Engine) recordSkip(run *models.WorkflowRun, step *models.WorkflowStep, reason string) {
	e.logger.Log("[engine] run %s skipping step %s: %s", run.ID, step.ID, reason)
	e.appendOutcome(run.ID, models.StepOutcome{
		StepID:      step.ID,
		Status:      models.StepSkipped,
		Error:       reason,
		CompletedAt: time.Now().UTC(),
	})
	e.emit(run.TenantID, events.EventRunStepSkipped, map[string]any{
		"run_id":  run.ID,
		"step_id": step.ID,
		"reason":  reason,
	})
}

// recordTerminal persists a run's terminal state and emits the matching
// event.
func (e *Engine) recordTerminal(run *models.WorkflowRun, status models.RunStatus, errMsg string) {
	if err := e.finishRun(run, status, errMsg); err != nil {
		log.Printf("[engine] failed to finish run %s as %s: %v", run.ID, status, err)
	}
}

func (e *Engine) finishRun(run *models.WorkflowRun, status models.RunStatus, errMsg string) error {
	now := time.Now().UTC()
	run.Status = status
	run.Error = errMsg
	run.CompletedAt = &now
	if err := e.runs.UpdateRun(run); err != nil {
		return err
	}

	e.logger.Log("[engine] run %s finished: %s", run.ID, status)
	typ := events.EventRunCompleted
	switch status {
	case models.RunStatusFailed:
		typ = events.EventRunFailed
	case models.RunStatusCancelled:
		typ = events.EventRunCancelled
	}
	e.emit(run.TenantID, typ, map[string]any{
		"run_id":          run.ID,
		"workflow_id":     run.WorkflowID,
		"completed_steps": len(run.CompletedSteps),
		"failed_steps":    len(run.FailedSteps),
		"error":           errMsg,
	})
	return nil
}

func (e *Engine) appendOutcome(runID string, o models.StepOutcome) {
	if err := e.runs.AppendStepOutcome(runID, o); err != nil {
		log.Printf("[engine] failed to append outcome for run %s step %s: %v", runID, o.StepID, err)
	}
}

// sleep waits for d or until the context is cancelled. Returns false on
// cancellation.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// emit reports a run lifecycle event. Sink failures are logged only.
func (e *Engine) emit(tenantID string, typ events.Type, props map[string]any) {
	ev := events.Event{
		TenantID:   tenantID,
		Type:       typ,
		Properties: props,
		OccurredAt: time.Now().UTC(),
	}
	if err := e.sink.Emit(ev); err != nil {
		log.Printf("[engine] event sink error for %s: %v", typ, err)
	}
}
