package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/marketloop/marketloop/pkg/models"
)

// ErrNoHandler indicates no handler is registered for an (agent type,
// task type) pair.
var ErrNoHandler = errors.New("queue: no handler registered")

// WildcardTaskType registers a handler for every task type of an agent type
// that has no more specific registration.
const WildcardTaskType = "*"

// TaskHandler executes a task's payload and returns its result. Handlers are
// implemented by the agent executors outside the engine; the engine never
// interprets payload or result. A handler may return an error or panic; the
// orchestrator contains both.
type TaskHandler func(ctx context.Context, tenantID, userID, taskType string, payload map[string]any) (map[string]any, error)

// Registry maps (agent type, task type) pairs to executor handlers.
// Registration is expected at startup; lookups are safe concurrently.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.AgentType]map[string]TaskHandler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[models.AgentType]map[string]TaskHandler),
	}
}

// Register binds a handler to an (agent type, task type) pair. Use
// WildcardTaskType to register a fallback for the whole agent type.
// Re-registering a pair replaces the previous handler.
func (r *Registry) Register(agent models.AgentType, taskType string, h TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byType, ok := r.handlers[agent]
	if !ok {
		byType = make(map[string]TaskHandler)
		r.handlers[agent] = byType
	}
	byType[taskType] = h
}

// Resolve returns the handler for the pair, falling back to the agent type's
// wildcard registration. Returns ErrNoHandler if neither exists.
func (r *Registry) Resolve(agent models.AgentType, taskType string) (TaskHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byType, ok := r.handlers[agent]
	if !ok {
		return nil, fmt.Errorf("%w: agent type %q", ErrNoHandler, agent)
	}
	if h, ok := byType[taskType]; ok {
		return h, nil
	}
	if h, ok := byType[WildcardTaskType]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrNoHandler, agent, taskType)
}

// Has reports whether a handler is registered for the pair (including via
// the wildcard).
func (r *Registry) Has(agent models.AgentType, taskType string) bool {
	_, err := r.Resolve(agent, taskType)
	return err == nil
}
