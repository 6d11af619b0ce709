// Package workflow defines per-team task workflows: named sets of stages
// with allowed transitions, auto-stages the daemon drives once per tick, and
// terminal stages. When a task carries no workflow the built-in default
// machine applies.
package workflow

import (
	"errors"
	"fmt"
	"sync"
)

// Context is what an auto-stage action sees about its task.
type Context struct {
	Team     string
	TeamUUID string
	TaskID   int
	Status   string
	Metadata map[string]any
}

// ActionError is returned by a stage action to route the task to the
// workflow's error stage (when defined) instead of crashing the tick.
type ActionError struct {
	Msg string
}

func (e *ActionError) Error() string { return e.Msg }

// IsActionError reports whether err is (or wraps) an ActionError.
func IsActionError(err error) bool {
	var ae *ActionError
	return errors.As(err, &ae)
}

// Action advances an auto-stage. It returns the key of the next stage, or
// empty to stay put.
type Action func(ctx Context) (next string, err error)

// Stage is one status in a workflow.
type Stage struct {
	Key      string // status string stored on the task
	Label    string
	Terminal bool
	Auto     bool
	Action   Action // required when Auto
}

// Workflow is a named, versioned stage machine.
type Workflow struct {
	Name        string
	Version     int
	Initial     string
	Stages      map[string]Stage
	Transitions map[string][]string // from → allowed targets
}

// Stage returns the stage for a status key.
func (w *Workflow) Stage(key string) (Stage, bool) {
	s, ok := w.Stages[key]
	return s, ok
}

// Terminal reports whether a status key is a terminal stage.
func (w *Workflow) Terminal(key string) bool {
	s, ok := w.Stages[key]
	return ok && s.Terminal
}

// Allowed reports whether a transition from → to is legal. Self-transitions
// are always allowed (status_detail refreshes).
func (w *Workflow) Allowed(from, to string) bool {
	if from == to {
		return true
	}
	for _, t := range w.Transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ErrorStage returns the key of the error stage if the workflow defines one.
func (w *Workflow) ErrorStage() (string, bool) {
	_, ok := w.Stages["error"]
	return "error", ok
}

// Registry holds workflow definitions by name and version.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]map[int]*Workflow
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]map[int]*Workflow)}
}

// Register adds a workflow definition. Re-registering the same
// name+version replaces it.
func (r *Registry) Register(w *Workflow) error {
	if w.Name == "" {
		return fmt.Errorf("workflow name cannot be empty")
	}
	if _, ok := w.Stages[w.Initial]; !ok {
		return fmt.Errorf("workflow %s: initial stage %q not defined", w.Name, w.Initial)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byName[w.Name] == nil {
		r.byName[w.Name] = make(map[int]*Workflow)
	}
	r.byName[w.Name][w.Version] = w
	return nil
}

// Get returns the workflow for a task's (name, version) pair. An empty name
// or unknown pair yields the default machine.
func (r *Registry) Get(name string, version int) *Workflow {
	if name == "" {
		return Default()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if versions, ok := r.byName[name]; ok {
		if w, ok := versions[version]; ok {
			return w
		}
	}
	return Default()
}

var defaultWorkflow = &Workflow{
	Name:    "default",
	Version: 1,
	Initial: "todo",
	Stages: map[string]Stage{
		"todo":         {Key: "todo", Label: "To do"},
		"in_progress":  {Key: "in_progress", Label: "In progress"},
		"in_review":    {Key: "in_review", Label: "In review"},
		"in_approval":  {Key: "in_approval", Label: "In approval"},
		"merging":      {Key: "merging", Label: "Merging"},
		"done":         {Key: "done", Label: "Done", Terminal: true},
		"rejected":     {Key: "rejected", Label: "Rejected"},
		"cancelled":    {Key: "cancelled", Label: "Cancelled", Terminal: true},
		"merge_failed": {Key: "merge_failed", Label: "Merge failed"},
		"error":        {Key: "error", Label: "Error"},
	},
	Transitions: map[string][]string{
		"todo":         {"in_progress", "cancelled", "error"},
		"in_progress":  {"in_review", "in_approval", "cancelled", "error"},
		"in_review":    {"in_approval", "rejected", "in_progress", "cancelled", "error"},
		"in_approval":  {"merging", "rejected", "in_review", "cancelled", "error"},
		"merging":      {"done", "merge_failed", "cancelled"},
		"rejected":     {"in_progress", "in_review", "cancelled"},
		"merge_failed": {"merging", "in_progress", "cancelled"},
		"error":        {"todo", "in_progress", "cancelled"},
	},
}

// Default returns the built-in legacy status machine:
// todo → in_progress → in_review → in_approval → merging → done, with
// side-paths rejected, cancelled, merge_failed, and error.
func Default() *Workflow {
	return defaultWorkflow
}
