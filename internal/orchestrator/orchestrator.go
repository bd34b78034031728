package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/marketloop/marketloop/internal/events"
	"github.com/marketloop/marketloop/internal/queue"
	"github.com/marketloop/marketloop/internal/store"
	"github.com/marketloop/marketloop/pkg/models"
)

// ErrValidation indicates a task spec that cannot be accepted. The task is
// never created.
var ErrValidation = errors.New("orchestrator: invalid task spec")

// ErrWaitTimeout indicates a task did not reach a terminal state within the
// wait deadline. The workflow engine treats this like a step failure.
var ErrWaitTimeout = errors.New("orchestrator: wait for task timed out")

// Config holds the collaborators an Orchestrator needs. Store, Queue, and
// Registry are required.
type Config struct {
	// Store is the durable task record.
	Store store.TaskStore
	// Queue dispatches jobs to the per-agent-type worker pools.
	Queue *queue.Dispatcher
	// Registry resolves (agent type, task type) pairs to executor handlers.
	Registry *queue.Registry
	// Sink receives task lifecycle events. Defaults to events.NopSink.
	Sink events.Sink
	// Logger receives debug output. Defaults to a no-op logger.
	Logger *DebugLogger
}

// Orchestrator creates, tracks, and gates individual tasks, bridging them to
// the dispatch queue. It never interprets task payloads.
type Orchestrator struct {
	store    store.TaskStore
	queue    *queue.Dispatcher
	registry *queue.Registry
	sink     events.Sink
	logger   *DebugLogger
	waiters  *completionWaiters
}

// New creates an Orchestrator from the given config.
func New(cfg Config) *Orchestrator {
	if cfg.Sink == nil {
		cfg.Sink = events.NopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = NopLogger()
	}
	return &Orchestrator{
		store:    cfg.Store,
		queue:    cfg.Queue,
		registry: cfg.Registry,
		sink:     cfg.Sink,
		logger:   cfg.Logger,
		waiters:  newCompletionWaiters(),
	}
}

// StartWorkers begins consuming every agent-type queue with the given
// per-queue concurrency. Call once at startup.
func (o *Orchestrator) StartWorkers(concurrency int) error {
	for _, agent := range models.AgentTypes() {
		if err := o.queue.Consume(string(agent), concurrency, o.ProcessTask); err != nil {
			return fmt.Errorf("start workers for %s: %w", agent, err)
		}
	}
	return nil
}

// TaskSpec describes a task to create.
type TaskSpec struct {
	// TenantID identifies the tenant. Required.
	TenantID string
	// UserID is the requesting user.
	UserID string
	// AgentType selects the executor family and queue. Required.
	AgentType models.AgentType
	// TaskType is the operation name. Required.
	TaskType string
	// Payload is the opaque executor input. Required.
	Payload map[string]any
	// Priority orders dispatch; lower values run sooner.
	Priority int
	// ApprovalRequired gates execution behind an explicit approval.
	ApprovalRequired bool
	// Delay defers dispatch from the time of creation.
	Delay time.Duration
}

// validate checks the required fields of a spec.
func (s TaskSpec) validate() error {
	if s.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrValidation)
	}
	if !s.AgentType.Valid() {
		return fmt.Errorf("%w: unknown agent type %q", ErrValidation, s.AgentType)
	}
	if s.TaskType == "" {
		return fmt.Errorf("%w: task_type is required", ErrValidation)
	}
	if s.Payload == nil {
		return fmt.Errorf("%w: payload is required", ErrValidation)
	}
	return nil
}

// CreateTask validates the spec, persists a pending task, and enqueues it
// for execution keyed by agent type. A task gated on approval is persisted
// but not enqueued until approved. Never blocks on task completion.
func (o *Orchestrator) CreateTask(ctx context.Context, spec TaskSpec) (*models.Task, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	task := &models.Task{
		ID:               uuid.New().String(),
		TenantID:         spec.TenantID,
		UserID:           spec.UserID,
		AgentType:        spec.AgentType,
		TaskType:         spec.TaskType,
		Payload:          spec.Payload,
		Priority:         spec.Priority,
		Status:           models.TaskStatusPending,
		ApprovalRequired: spec.ApprovalRequired,
		CreatedAt:        time.Now().UTC(),
	}

	if err := o.store.CreateTask(task); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	o.logger.Log("[orchestrator] created task %s (%s/%s) tenant=%s approval=%v",
		task.ID, task.AgentType, task.TaskType, task.TenantID, task.ApprovalRequired)

	o.emit(task.TenantID, events.EventTaskCreated, map[string]any{
		"task_id":    task.ID,
		"agent_type": string(task.AgentType),
		"task_type":  task.TaskType,
		"priority":   task.Priority,
	})

	if task.ApprovalRequired {
		// Gated tasks sit in pending until an approval enqueues them.
		o.emit(task.TenantID, events.EventApprovalRequested, map[string]any{
			"task_id":      task.ID,
			"requested_by": task.UserID,
		})
		return task, nil
	}

	if err := o.enqueue(task, spec.Delay); err != nil {
		return nil, err
	}
	return task, nil
}

// enqueue puts a task's job onto its agent-type queue.
func (o *Orchestrator) enqueue(task *models.Task, delay time.Duration) error {
	_, err := o.queue.Add(string(task.AgentType), queue.Job{
		TaskID:   task.ID,
		TenantID: task.TenantID,
	}, queue.JobOptions{
		Priority: task.Priority,
		Delay:    delay,
	})
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask returns the current task record. Pure read; repeated calls do not
// mutate state.
func (o *Orchestrator) GetTask(id string) (*models.Task, error) {
	return o.store.GetTask(id)
}

// UpdateTaskStatus transitions a task and emits the matching lifecycle
// event. Terminal transitions record result/error and wake completion
// waiters. Called by the execution side on completion or failure.
func (o *Orchestrator) UpdateTaskStatus(id string, status models.TaskStatus, result map[string]any, errMsg string) (*models.Task, error) {
	task, err := o.store.UpdateTaskStatus(id, status, result, errMsg)
	if err != nil {
		return nil, err
	}

	o.logger.Log("[orchestrator] task %s -> %s", id, status)
	o.emit(task.TenantID, eventForStatus(status), map[string]any{
		"task_id":    task.ID,
		"agent_type": string(task.AgentType),
		"task_type":  task.TaskType,
		"status":     string(status),
		"error":      task.Error,
	})

	if status.Terminal() {
		o.waiters.notify(task)
	}
	return task, nil
}

// CancelTask cancels a pending or running task. Cancellation is cooperative;
// an in-flight handler is not preempted, but its eventual outcome is ignored
// by the terminal state machine.
func (o *Orchestrator) CancelTask(id string) (*models.Task, error) {
	return o.UpdateTaskStatus(id, models.TaskStatusCancelled, nil, "")
}

// RequireApproval marks a pending task as gated on approval. The task will
// not be dispatched until approved; that is a valid steady state, not an
// error.
func (o *Orchestrator) RequireApproval(id, requesterID string) (*models.Task, error) {
	task, err := o.store.RequireApproval(id)
	if err != nil {
		return nil, err
	}

	o.emit(task.TenantID, events.EventApprovalRequested, map[string]any{
		"task_id":      task.ID,
		"requested_by": requesterID,
	})
	return task, nil
}

// ApproveTask records the approver and re-enqueues the task for execution.
// Approving an unknown or already-approved task is an error.
func (o *Orchestrator) ApproveTask(id, approverID string) (*models.Task, error) {
	task, err := o.store.ApproveTask(id, approverID)
	if err != nil {
		return nil, err
	}

	o.logger.Log("[orchestrator] task %s approved by %s", id, approverID)
	o.emit(task.TenantID, events.EventTaskApproved, map[string]any{
		"task_id":     task.ID,
		"approved_by": approverID,
	})

	if err := o.enqueue(task, 0); err != nil {
		return nil, err
	}
	return task, nil
}

// ProcessTask is the execution-side entry point, invoked by the queue's
// worker pool. It resolves the handler for the task's (agent type, task
// type), runs it, and reports the outcome. A handler error or panic is
// contained and recorded; it never crashes the worker. The returned error
// drives queue-level retry only.
func (o *Orchestrator) ProcessTask(ctx context.Context, job *queue.Job) error {
	task, err := o.store.GetTask(job.TaskID)
	if err != nil {
		// The task record is gone or unreadable; retrying cannot help.
		log.Printf("[orchestrator] job %s references unknown task %s: %v", job.ID, job.TaskID, err)
		return nil
	}

	switch task.Status {
	case models.TaskStatusPending:
		task, err = o.UpdateTaskStatus(task.ID, models.TaskStatusRunning, nil, "")
		if err != nil {
			// Cancelled or gate-blocked since enqueue; drop the job.
			o.logger.Log("[orchestrator] not starting task %s: %v", job.TaskID, err)
			return nil
		}
	case models.TaskStatusRunning:
		// Queue-level retry of a task already marked running.
	default:
		// Terminal; nothing to execute.
		return nil
	}

	handler, err := o.registry.Resolve(task.AgentType, task.TaskType)
	if err != nil {
		_, uerr := o.UpdateTaskStatus(task.ID, models.TaskStatusFailed, nil, err.Error())
		if uerr != nil {
			log.Printf("[orchestrator] failed to record missing handler for task %s: %v", task.ID, uerr)
		}
		return nil
	}

	result, handlerErr := o.invoke(ctx, handler, task)
	if handlerErr == nil {
		if _, err := o.UpdateTaskStatus(task.ID, models.TaskStatusCompleted, result, ""); err != nil {
			log.Printf("[orchestrator] failed to record completion of task %s: %v", task.ID, err)
		}
		return nil
	}

	if job.Attempt < job.MaxAttempts {
		// Queue-internal retry; the task stays running and only the final
		// outcome is reported.
		o.logger.Log("[orchestrator] task %s attempt %d/%d failed: %v",
			task.ID, job.Attempt, job.MaxAttempts, handlerErr)
		return handlerErr
	}

	if _, err := o.UpdateTaskStatus(task.ID, models.TaskStatusFailed, nil, handlerErr.Error()); err != nil {
		log.Printf("[orchestrator] failed to record failure of task %s: %v", task.ID, err)
	}
	return handlerErr
}

// invoke runs a handler with panic containment. A panicking executor is
// reported as an ordinary handler error.
func (o *Orchestrator) invoke(ctx context.Context, handler queue.TaskHandler, task *models.Task) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, task.TenantID, task.UserID, task.TaskType, task.Payload)
}

// WaitForTask blocks until the task reaches a terminal state, the timeout
// elapses, or the context is cancelled. The completion signal is push-based;
// the store is re-checked after subscribing so a transition that lands
// between the two is never missed.
func (o *Orchestrator) WaitForTask(ctx context.Context, id string, timeout time.Duration) (*models.Task, error) {
	ch := o.waiters.subscribe(id)
	defer o.waiters.unsubscribe(id, ch)

	task, err := o.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return task, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case task := <-ch:
		return task, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: task %s after %s", ErrWaitTimeout, id, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// emit reports a lifecycle event. Sink failures are logged, never
// propagated; a telemetry outage must not fail the task.
func (o *Orchestrator) emit(tenantID string, typ events.Type, props map[string]any) {
	ev := events.Event{
		TenantID:   tenantID,
		Type:       typ,
		Properties: props,
		OccurredAt: time.Now().UTC(),
	}
	if err := o.sink.Emit(ev); err != nil {
		log.Printf("[orchestrator] event sink error for %s: %v", typ, err)
	}
}

// eventForStatus maps a task status to its lifecycle event type.
func eventForStatus(status models.TaskStatus) events.Type {
	switch status {
	case models.TaskStatusRunning:
		return events.EventTaskStarted
	case models.TaskStatusCompleted:
		return events.EventTaskCompleted
	case models.TaskStatusFailed:
		return events.EventTaskFailed
	case models.TaskStatusCancelled:
		return events.EventTaskCancelled
	default:
		return events.EventTaskCreated
	}
}
