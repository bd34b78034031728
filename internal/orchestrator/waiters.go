package orchestrator

import (
	"sync"

	"github.com/marketloop/marketloop/pkg/models"
)

// completionWaiters delivers terminal task transitions to subscribers.
// This is the push-based completion signal the workflow engine blocks on
// instead of polling the store.
type completionWaiters struct {
	mu      sync.Mutex
	waiting map[string][]chan *models.Task
}

func newCompletionWaiters() *completionWaiters {
	return &completionWaiters{
		waiting: make(map[string][]chan *models.Task),
	}
}

// subscribe registers interest in a task's terminal transition. The returned
// channel is buffered; notify never blocks on a slow subscriber.
func (w *completionWaiters) subscribe(taskID string) chan *models.Task {
	ch := make(chan *models.Task, 1)
	w.mu.Lock()
	w.waiting[taskID] = append(w.waiting[taskID], ch)
	w.mu.Unlock()
	return ch
}

// unsubscribe removes a subscription, e.g. after a timeout.
func (w *completionWaiters) unsubscribe(taskID string, ch chan *models.Task) {
	w.mu.Lock()
	defer w.mu.Unlock()
	subs := w.waiting[taskID]
	for i, c := range subs {
		if c == ch {
			w.waiting[taskID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(w.waiting[taskID]) == 0 {
		delete(w.waiting, taskID)
	}
}

// notify delivers a terminal task to all subscribers and clears them.
func (w *completionWaiters) notify(task *models.Task) {
	w.mu.Lock()
	subs := w.waiting[task.ID]
	delete(w.waiting, task.ID)
	w.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- task:
		default:
			// Buffer already holds a notification.
		}
	}
}
