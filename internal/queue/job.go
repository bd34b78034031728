// Package queue provides the priority and delay aware dispatch queues that
// decouple task creation from execution. Each agent type gets its own queue
// with a bounded worker pool; failed jobs are retried with exponential
// backoff before their final outcome is reported.
package queue

import (
	"context"
	"time"
)

// Job is one unit of dispatchable work. The orchestrator enqueues a job per
// task; the job carries only routing information, never the task payload.
type Job struct {
	// ID is the job handle, unique per enqueue.
	ID string
	// TaskID is the task this job executes.
	TaskID string
	// TenantID identifies the tenant, for lifecycle events.
	TenantID string
	// QueueKey is the queue the job was added to.
	QueueKey string
	// Priority is the dispatch ordering hint the job was enqueued with.
	Priority int
	// Attempt is the 1-based delivery attempt, set by the queue.
	Attempt int
	// MaxAttempts bounds queue-level retries for this job.
	MaxAttempts int
}

// JobOptions control ordering and readiness of an enqueued job.
type JobOptions struct {
	// Priority orders dispatch within the queue; lower values run sooner.
	Priority int
	// Delay defers the job's readiness from the time of enqueue.
	Delay time.Duration
	// MaxAttempts overrides the queue's default attempt budget when > 0.
	MaxAttempts int
}

// Handler executes a delivered job. A non-nil error triggers queue-level
// retry until the job's attempt budget is exhausted.
type Handler func(ctx context.Context, job *Job) error

// item is a queue entry. seq breaks priority ties FIFO.
type item struct {
	job      *Job
	priority int
	readyAt  time.Time
	seq      uint64
}

// readyHeap orders dispatchable items by priority (lower first), then FIFO.
type readyHeap []*item

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// delayHeap orders deferred items by the time they become ready.
type delayHeap []*item

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool { return h[i].readyAt.Before(h[j].readyAt) }

func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
