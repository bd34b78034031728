// Package models defines the core data types shared across the engine.
package models

import "time"

// AgentType categorizes a unit of work and routes it to a specific
// executor family and dispatch queue.
type AgentType string

const (
	// AgentBranding handles brand identity work.
	AgentBranding AgentType = "branding"
	// AgentContent handles content generation work.
	AgentContent AgentType = "content"
	// AgentCampaign handles campaign planning work.
	AgentCampaign AgentType = "campaign"
	// AgentEmail handles email marketing work.
	AgentEmail AgentType = "email"
	// AgentAd handles paid advertising work.
	AgentAd AgentType = "ad"
	// AgentInfluencer handles influencer outreach work.
	AgentInfluencer AgentType = "influencer"
	// AgentAffiliate handles affiliate program work.
	AgentAffiliate AgentType = "affiliate"
	// AgentSEO handles search optimization work.
	AgentSEO AgentType = "seo"
	// AgentAnalytics handles analytics and reporting work.
	AgentAnalytics AgentType = "analytics"
)

// Valid returns true if the agent type is a known value.
func (a AgentType) Valid() bool {
	switch a {
	case AgentBranding, AgentContent, AgentCampaign, AgentEmail, AgentAd,
		AgentInfluencer, AgentAffiliate, AgentSEO, AgentAnalytics:
		return true
	default:
		return false
	}
}

// AgentTypes returns all known agent types.
func AgentTypes() []AgentType {
	return []AgentType{
		AgentBranding, AgentContent, AgentCampaign, AgentEmail, AgentAd,
		AgentInfluencer, AgentAffiliate, AgentSEO, AgentAnalytics,
	}
}

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates the task is being executed.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task completed successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled externally.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are allowed out of this status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the state machine permits moving from s to next.
// The approval gate on pending -> running is enforced separately; this checks
// only the shape of the state machine.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		// A pending task either starts or is cancelled; failure implies it ran.
		return next == TaskStatusRunning || next == TaskStatusCancelled
	case TaskStatusRunning:
		return next == TaskStatusCompleted || next == TaskStatusFailed ||
			next == TaskStatusCancelled
	default:
		// Terminal states absorb.
		return false
	}
}

// Task represents the atomic unit of orchestrated agent work.
// The engine never interprets Payload or Result; they are opaque to it.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// TenantID identifies the tenant the task belongs to.
	TenantID string `json:"tenant_id"`
	// UserID is the user the task was created on behalf of.
	UserID string `json:"user_id,omitempty"`
	// AgentType selects the executor family and dispatch queue.
	AgentType AgentType `json:"agent_type"`
	// TaskType is a free-form operation name scoped to the agent type.
	TaskType string `json:"task_type"`
	// Payload is the structured input handed to the executor, opaque to the engine.
	Payload map[string]any `json:"payload,omitempty"`
	// Priority orders dispatch within a queue. Lower values are dispatched first.
	Priority int `json:"priority"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// Result is the executor output, set on completion.
	Result map[string]any `json:"result,omitempty"`
	// Error contains the error message if the task failed.
	Error string `json:"error,omitempty"`
	// ApprovalRequired gates execution behind an explicit approval.
	ApprovalRequired bool `json:"approval_required"`
	// ApprovedBy records who approved the task, if anyone.
	ApprovedBy string `json:"approved_by,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the task transitioned to running, if it has.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// ApprovedAt is when the approval was granted, if it was.
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
}

// Approved returns true if the task does not need approval or has one recorded.
// A pending task may only be dispatched when this holds.
func (t *Task) Approved() bool {
	return !t.ApprovalRequired || t.ApprovedBy != ""
}
