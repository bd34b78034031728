// Package workflow loads workflow definitions and executes runs of them:
// steps in declared order, dependency-gated, one task per step attempt,
// checkpointed to the run store after every step.
package workflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/marketloop/marketloop/pkg/models"
)

// ErrUnknownWorkflow indicates a trigger for a workflow ID that is not
// loaded in the library.
var ErrUnknownWorkflow = errors.New("workflow: unknown workflow")

// ErrInvalidDefinition indicates a definition that cannot be loaded.
var ErrInvalidDefinition = errors.New("workflow: invalid definition")

// LoadDefinition reads and validates a single YAML definition file.
func LoadDefinition(path string) (*models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}

	var def models.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidDefinition, filepath.Base(path), err)
	}

	if _, err := Validate(&def); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, filepath.Base(path), err)
	}
	return &def, nil
}

// Validate checks a definition for structural problems. Hard errors (missing
// IDs, duplicate steps, invalid agent types, dependency cycles) make the
// definition unusable. A dependency on a step that is never declared, or one
// declared later than its dependent, is returned as a warning: the runtime
// surfaces it by skipping the step, but the definition still loads.
func Validate(def *models.WorkflowDefinition) ([]string, error) {
	if def.ID == "" {
		return nil, errors.New("definition id is required")
	}
	if len(def.Steps) == 0 {
		return nil, errors.New("definition has no steps")
	}

	declared := make(map[string]int, len(def.Steps))
	for i, step := range def.Steps {
		if step.ID == "" {
			return nil, fmt.Errorf("step %d has no id", i)
		}
		if _, dup := declared[step.ID]; dup {
			return nil, fmt.Errorf("duplicate step id %q", step.ID)
		}
		if !step.AgentType.Valid() {
			return nil, fmt.Errorf("step %q: unknown agent type %q", step.ID, step.AgentType)
		}
		if step.TaskType == "" {
			return nil, fmt.Errorf("step %q: task_type is required", step.ID)
		}
		if step.Retries < 0 {
			return nil, fmt.Errorf("step %q: retries cannot be negative", step.ID)
		}
		declared[step.ID] = i
	}

	var warnings []string
	for i, step := range def.Steps {
		for _, dep := range step.DependsOn {
			pos, ok := declared[dep]
			switch {
			case !ok:
				warnings = append(warnings,
					fmt.Sprintf("step %q depends on undeclared step %q; it will be skipped at runtime", step.ID, dep))
			case pos >= i:
				warnings = append(warnings,
					fmt.Sprintf("step %q depends on %q which is declared after it; it will be skipped at runtime", step.ID, dep))
			}
		}
	}

	if cycle := findCycle(def); len(cycle) > 0 {
		return warnings, fmt.Errorf("dependency cycle: %s", strings.Join(cycle, " -> "))
	}
	return warnings, nil
}

// findCycle runs a coloring DFS over the dependency edges and returns the
// first cycle found, or nil.
func findCycle(def *models.WorkflowDefinition) []string {
	const (
		white = iota // unvisited
		gray         // on the current DFS path
		black        // fully explored
	)

	color := make(map[string]int, len(def.Steps))
	deps := make(map[string][]string, len(def.Steps))
	for _, step := range def.Steps {
		deps[step.ID] = step.DependsOn
	}

	var path []string
	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		path = append(path, id)
		for _, dep := range deps[id] {
			if _, known := deps[dep]; !known {
				continue
			}
			switch color[dep] {
			case gray:
				// Trim the path to the cycle itself.
				for i, p := range path {
					if p == dep {
						return append(append([]string{}, path[i:]...), dep)
					}
				}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		color[id] = black
		path = path[:len(path)-1]
		return nil
	}

	ids := make([]string, 0, len(def.Steps))
	for _, step := range def.Steps {
		ids = append(ids, step.ID)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if color[id] == white {
			path = path[:0]
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// Library holds the loaded workflow definitions. It is safe for concurrent
// use; the file watcher replaces entries while runs read them.
type Library struct {
	mu   sync.RWMutex
	defs map[string]*models.WorkflowDefinition
}

// NewLibrary creates an empty library.
func NewLibrary() *Library {
	return &Library{defs: make(map[string]*models.WorkflowDefinition)}
}

// Put adds or replaces a definition.
func (l *Library) Put(def *models.WorkflowDefinition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.defs[def.ID] = def
}

// Get returns the definition with the given ID.
func (l *Library) Get(id string) (*models.WorkflowDefinition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, id)
	}
	return def, nil
}

// List returns all definitions sorted by ID.
func (l *Library) List() []*models.WorkflowDefinition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*models.WorkflowDefinition, 0, len(l.defs))
	for _, def := range l.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove deletes a definition from the library. In-flight runs of it are
// unaffected; they hold their own reference.
func (l *Library) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.defs, id)
}

// LoadDir loads every .yaml/.yml file in dir into the library. Files that
// fail to load are reported; the rest still load.
func (l *Library) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read workflows dir: %w", err)
	}

	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		def, err := LoadDefinition(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		l.Put(def)
	}
	return errors.Join(errs...)
}

func isDefinitionFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
