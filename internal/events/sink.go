// Package events defines the telemetry contract between the engine and
// external observability collaborators. The engine reports every task, queue
// job, and workflow run transition here; a sink failure must never fail the
// work that produced the event.
package events

import (
	"log"
	"sync"
	"time"
)

// Type identifies the kind of lifecycle event.
type Type string

const (
	// EventTaskCreated indicates a task was created and persisted.
	EventTaskCreated Type = "task_created"
	// EventTaskStarted indicates a task transitioned to running.
	EventTaskStarted Type = "task_started"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted Type = "task_completed"
	// EventTaskFailed indicates a task failed.
	EventTaskFailed Type = "task_failed"
	// EventTaskCancelled indicates a task was cancelled.
	EventTaskCancelled Type = "task_cancelled"
	// EventApprovalRequested indicates a task is waiting on approval.
	EventApprovalRequested Type = "approval_requested"
	// EventTaskApproved indicates a task approval was granted.
	EventTaskApproved Type = "task_approved"

	// EventJobCreated indicates a job was enqueued.
	EventJobCreated Type = "job_created"
	// EventJobStarted indicates a worker picked up a job.
	EventJobStarted Type = "job_started"
	// EventJobRetried indicates a failed job was requeued with backoff.
	EventJobRetried Type = "job_retried"
	// EventJobCompleted indicates a job finished without error.
	EventJobCompleted Type = "job_completed"
	// EventJobFailed indicates a job exhausted its attempts.
	EventJobFailed Type = "job_failed"

	// EventRunStarted indicates a workflow run was triggered.
	EventRunStarted Type = "run_started"
	// EventRunStepCompleted indicates a step resolved successfully.
	EventRunStepCompleted Type = "run_step_completed"
	// EventRunStepFailed indicates a step resolved as failed.
	EventRunStepFailed Type = "run_step_failed"
	// EventRunStepSkipped indicates a step was skipped on unmet dependencies.
	EventRunStepSkipped Type = "run_step_skipped"
	// EventRunCompleted indicates a run finished without an aborting failure.
	EventRunCompleted Type = "run_completed"
	// EventRunFailed indicates a run aborted on a non-skippable failure.
	EventRunFailed Type = "run_failed"
	// EventRunPaused indicates a run stopped advancing.
	EventRunPaused Type = "run_paused"
	// EventRunResumed indicates a paused run resumed.
	EventRunResumed Type = "run_resumed"
	// EventRunCancelled indicates a run was cancelled.
	EventRunCancelled Type = "run_cancelled"
)

// Event is a single lifecycle transition reported to the sink.
type Event struct {
	// TenantID identifies the tenant the event belongs to.
	TenantID string `json:"tenant_id"`
	// Type is the kind of event.
	Type Type `json:"event_type"`
	// Properties carries event-specific detail (task id, run id, error, ...).
	Properties map[string]any `json:"properties,omitempty"`
	// OccurredAt is when the transition happened.
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink receives lifecycle events. Implementations must tolerate concurrent
// calls. Emit errors are reported to the caller for logging only; callers
// never fail the underlying work on a sink error.
type Sink interface {
	Emit(ev Event) error
}

// LogSink writes events to the standard logger. It is the default sink when
// no external collector is wired in.
type LogSink struct{}

// Emit logs the event.
func (LogSink) Emit(ev Event) error {
	log.Printf("[events] tenant=%s type=%s props=%v", ev.TenantID, ev.Type, ev.Properties)
	return nil
}

// NopSink discards all events.
type NopSink struct{}

// Emit discards the event.
func (NopSink) Emit(Event) error { return nil }

// MemorySink records events in memory. Used by tests to assert on emitted
// lifecycles and their ordering.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends the event to the in-memory record.
func (s *MemorySink) Emit(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Events returns a copy of all recorded events in emission order.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByType returns recorded events of the given type, in emission order.
func (s *MemorySink) ByType(t Type) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// MultiSink fans an event out to several sinks. The first error is returned
// after all sinks have been attempted.
type MultiSink []Sink

// Emit delivers the event to every sink.
func (m MultiSink) Emit(ev Event) error {
	var first error
	for _, s := range m {
		if err := s.Emit(ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
