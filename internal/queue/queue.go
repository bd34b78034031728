package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marketloop/marketloop/internal/events"
)

// ErrUnknownQueue indicates a queue key that was not declared at construction.
var ErrUnknownQueue = errors.New("queue: unknown queue key")

// ErrAlreadyConsuming indicates Consume was called twice for the same key.
var ErrAlreadyConsuming = errors.New("queue: already consuming")

// Options configure a Dispatcher.
type Options struct {
	// MaxAttempts is the default per-job attempt budget (minimum 1).
	MaxAttempts int
	// BackoffBase is the first retry delay; it doubles on each attempt.
	BackoffBase time.Duration
	// Sink receives job lifecycle events. Defaults to events.NopSink.
	Sink events.Sink
}

// Dispatcher manages one priority/delay-aware queue per declared key, each
// drained by its own bounded worker pool.
type Dispatcher struct {
	opts   Options
	queues map[string]*subqueue
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	seq    uint64
	mu     sync.Mutex
}

// subqueue is the per-key state: deferred items waiting on their readyAt,
// and ready items ordered by priority.
type subqueue struct {
	key       string
	mu        sync.Mutex
	ready     readyHeap
	delayed   delayHeap
	wake      chan struct{}
	consuming bool
}

// New creates a Dispatcher with one queue per declared key.
func New(keys []string, opts Options) *Dispatcher {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.Sink == nil {
		opts.Sink = events.NopSink{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		opts:   opts,
		queues: make(map[string]*subqueue, len(keys)),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, key := range keys {
		d.queues[key] = &subqueue{
			key:  key,
			wake: make(chan struct{}, 1),
		}
	}
	return d
}

// Add enqueues a job onto the named queue. Priority is a dispatch-ordering
// hint (lower = sooner) and Delay defers readiness. Returns the job handle.
func (d *Dispatcher) Add(queueKey string, job Job, opts JobOptions) (string, error) {
	sq, ok := d.queues[queueKey]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownQueue, queueKey)
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.QueueKey = queueKey
	job.Priority = opts.Priority
	job.MaxAttempts = d.opts.MaxAttempts
	if opts.MaxAttempts > 0 {
		job.MaxAttempts = opts.MaxAttempts
	}

	d.push(sq, &job, opts.Priority, opts.Delay)

	d.emit(job.TenantID, events.EventJobCreated, map[string]any{
		"job_id":   job.ID,
		"task_id":  job.TaskID,
		"queue":    queueKey,
		"priority": opts.Priority,
		"delay_ms": opts.Delay.Milliseconds(),
	})
	return job.ID, nil
}

// push inserts an item and wakes the dispatcher loop.
func (d *Dispatcher) push(sq *subqueue, job *Job, priority int, delay time.Duration) {
	d.mu.Lock()
	d.seq++
	seq := d.seq
	d.mu.Unlock()

	it := &item{job: job, priority: priority, seq: seq}

	sq.mu.Lock()
	if delay > 0 {
		it.readyAt = time.Now().Add(delay)
		heap.Push(&sq.delayed, it)
	} else {
		heap.Push(&sq.ready, it)
	}
	sq.mu.Unlock()

	select {
	case sq.wake <- struct{}{}:
	default:
	}
}

// Consume starts a bounded worker pool draining the named queue. At most one
// Consume per key; concurrency is clamped to a minimum of 1.
func (d *Dispatcher) Consume(queueKey string, concurrency int, handler Handler) error {
	sq, ok := d.queues[queueKey]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, queueKey)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	sq.mu.Lock()
	if sq.consuming {
		sq.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrAlreadyConsuming, queueKey)
	}
	sq.consuming = true
	sq.mu.Unlock()

	jobs := make(chan *Job)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatch(sq, jobs)
	}()

	for i := 0; i < concurrency; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.work(jobs, handler)
		}()
	}
	return nil
}

// dispatch feeds ready jobs to the worker pool, promoting delayed items as
// their readyAt passes.
func (d *Dispatcher) dispatch(sq *subqueue, jobs chan<- *Job) {
	defer close(jobs)

	for {
		sq.mu.Lock()
		now := time.Now()
		for sq.delayed.Len() > 0 && !sq.delayed[0].readyAt.After(now) {
			heap.Push(&sq.ready, heap.Pop(&sq.delayed))
		}

		var next *item
		var wait time.Duration = -1
		if sq.ready.Len() > 0 {
			next = heap.Pop(&sq.ready).(*item)
		} else if sq.delayed.Len() > 0 {
			wait = sq.delayed[0].readyAt.Sub(now)
		}
		sq.mu.Unlock()

		if next != nil {
			select {
			case jobs <- next.job:
			case <-d.ctx.Done():
				return
			}
			continue
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-sq.wake:
		case <-timerC:
		case <-d.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// work runs delivered jobs, requeueing failures with exponential backoff
// until the attempt budget is exhausted. Only the final outcome escapes the
// queue; intermediate retries are queue-internal.
func (d *Dispatcher) work(jobs <-chan *Job, handler Handler) {
	for {
		select {
		case job, ok := <-jobs:
			if !ok {
				return
			}
			d.runJob(job, handler)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) runJob(job *Job, handler Handler) {
	job.Attempt++

	d.emit(job.TenantID, events.EventJobStarted, map[string]any{
		"job_id":  job.ID,
		"task_id": job.TaskID,
		"queue":   job.QueueKey,
		"attempt": job.Attempt,
	})

	err := handler(d.ctx, job)
	if err == nil {
		d.emit(job.TenantID, events.EventJobCompleted, map[string]any{
			"job_id":  job.ID,
			"task_id": job.TaskID,
			"queue":   job.QueueKey,
			"attempt": job.Attempt,
		})
		return
	}

	if job.Attempt < job.MaxAttempts {
		backoff := d.opts.BackoffBase << (job.Attempt - 1)
		d.emit(job.TenantID, events.EventJobRetried, map[string]any{
			"job_id":     job.ID,
			"task_id":    job.TaskID,
			"queue":      job.QueueKey,
			"attempt":    job.Attempt,
			"backoff_ms": backoff.Milliseconds(),
			"error":      err.Error(),
		})
		if sq, ok := d.queues[job.QueueKey]; ok {
			d.push(sq, job, job.Priority, backoff)
		}
		return
	}

	d.emit(job.TenantID, events.EventJobFailed, map[string]any{
		"job_id":  job.ID,
		"task_id": job.TaskID,
		"queue":   job.QueueKey,
		"attempt": job.Attempt,
		"error":   err.Error(),
	})
}

// Depth returns how many jobs are waiting (ready or delayed) on a queue.
func (d *Dispatcher) Depth(queueKey string) (int, error) {
	sq, ok := d.queues[queueKey]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownQueue, queueKey)
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.ready.Len() + sq.delayed.Len(), nil
}

// Stop shuts down all dispatch loops and worker pools and waits for in-flight
// handlers to return.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

// emit reports a job lifecycle event. Sink failures are logged, never
// propagated; telemetry loss must not affect dispatch.
func (d *Dispatcher) emit(tenantID string, typ events.Type, props map[string]any) {
	ev := events.Event{
		TenantID:   tenantID,
		Type:       typ,
		Properties: props,
		OccurredAt: time.Now().UTC(),
	}
	if err := d.opts.Sink.Emit(ev); err != nil {
		log.Printf("[queue] event sink error for %s: %v", typ, err)
	}
}
