package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/jobflow/pkg/types"
)

// TaskCall asks a workflow run to execute a registered task. Retries, when
// set, overrides the task's own policy for this call.
type TaskCall struct {
	ID      string
	Task    string
	Input   map[string]any
	Retries *types.RetryPolicy
}

// InlineCall asks a workflow run to execute an ad-hoc function that is not in
// the task registry. Its log entries use the "inline" task slug.
type InlineCall struct {
	ID      string
	Fn      TaskHandler
	Input   map[string]any
	Retries *types.RetryPolicy
}

// Run is the view of an executing workflow that compositions drive. RunTask
// returns the stored output immediately when (task, id) already succeeded in
// an earlier attempt of the job. Within one execution a (task, id) runs at
// most once: concurrent calls with the same pair wait for the first and
// share its result.
type Run interface {
	Job() *types.Job
	RunTask(ctx context.Context, call TaskCall) (map[string]any, error)
	RunInlineTask(ctx context.Context, call InlineCall) (map[string]any, error)
}

// WorkflowHandler composes tasks imperatively.
type WorkflowHandler func(ctx context.Context, run Run) error

// TaskRef is one step of a declarative workflow. A ref either names a task
// or holds a parallel group of refs that run concurrently.
type TaskRef struct {
	ID       string             `yaml:"id"`
	Task     string             `yaml:"task"`
	Input    map[string]any     `yaml:"input"`
	Retries  *types.RetryPolicy `yaml:"retries"`
	Parallel []TaskRef          `yaml:"parallel"`
}

// StepID defaults to the task slug.
func (r TaskRef) StepID() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Task
}

// WorkflowConfig declares a workflow. Exactly one of Tasks or Handler must
// be set.
type WorkflowConfig struct {
	Slug    string             `yaml:"slug"`
	Label   string             `yaml:"label"`
	Queue   string             `yaml:"queue"`
	Retries *types.RetryPolicy `yaml:"retries"`
	Tasks   []TaskRef          `yaml:"tasks"`
	Handler WorkflowHandler    `yaml:"-"`
}

// Workflow is a registered workflow.
type Workflow struct {
	Config  WorkflowConfig
	Handler WorkflowHandler
}

// Slug returns the workflow slug.
func (w *Workflow) Slug() string { return w.Config.Slug }

// Queue returns the workflow queue or the default queue.
func (w *Workflow) Queue() string {
	if w.Config.Queue != "" {
		return w.Config.Queue
	}
	return types.DefaultQueue
}

// Retries returns the fallback policy for steps whose task declares none.
func (w *Workflow) Retries() (types.RetryPolicy, bool) {
	if w.Config.Retries == nil {
		return types.RetryPolicy{}, false
	}
	return *w.Config.Retries, true
}

// Workflows is the workflow registry. Every task a declarative workflow
// references must already be registered in tasks.
type Workflows struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	tasks     *Tasks
}

// NewWorkflows creates an empty workflow registry bound to tasks.
func NewWorkflows(tasks *Tasks) *Workflows {
	w := &Workflows{
		workflows: make(map[string]*Workflow),
		tasks:     tasks,
	}
	tasks.workflows = w
	return w
}

// Register validates cfg and stores it.
func (r *Workflows) Register(cfg WorkflowConfig) error {
	cfg.Slug = strings.TrimSpace(cfg.Slug)
	if cfg.Slug == "" {
		return configErr("workflow", cfg.Slug, "slug is required", nil)
	}
	if cfg.Slug == types.InlineTaskSlug {
		return configErr("workflow", cfg.Slug, "slug is reserved for inline tasks", nil)
	}
	if cfg.Retries != nil {
		if err := validatePolicy(*cfg.Retries); err != nil {
			return configErr("workflow", cfg.Slug, "invalid retries", err)
		}
	}

	var handler WorkflowHandler
	switch {
	case cfg.Handler != nil && len(cfg.Tasks) > 0:
		return configErr("workflow", cfg.Slug, "set either tasks or handler, not both", nil)
	case cfg.Handler != nil:
		handler = cfg.Handler
	case len(cfg.Tasks) > 0:
		if err := r.validateRefs(cfg.Tasks, make(map[string]bool)); err != nil {
			return configErr("workflow", cfg.Slug, "invalid tasks", err)
		}
		handler = sequence(cfg.Tasks)
	default:
		return configErr("workflow", cfg.Slug, "tasks or handler is required", nil)
	}

	if r.tasks.has(cfg.Slug) {
		return configErr("workflow", cfg.Slug, "slug already used by a task", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[cfg.Slug]; exists {
		return configErr("workflow", cfg.Slug, "slug already registered", nil)
	}
	r.workflows[cfg.Slug] = &Workflow{Config: cfg, Handler: handler}
	return nil
}

// Resolve looks up a workflow by slug.
func (r *Workflows) Resolve(slug string) (*Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[slug]
	return w, ok
}

// Slugs lists registered workflow slugs in sorted order.
func (r *Workflows) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.workflows))
	for slug := range r.workflows {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

func (r *Workflows) has(slug string) bool {
	_, ok := r.Resolve(slug)
	return ok
}

func (r *Workflows) validateRefs(refs []TaskRef, seen map[string]bool) error {
	for i, ref := range refs {
		if len(ref.Parallel) > 0 {
			if ref.Task != "" {
				return fmt.Errorf("step %d: task and parallel are exclusive", i)
			}
			if err := r.validateRefs(ref.Parallel, seen); err != nil {
				return err
			}
			continue
		}
		if ref.Task == "" {
			return fmt.Errorf("step %d: task is required", i)
		}
		if !r.tasks.has(ref.Task) {
			return fmt.Errorf("step %d: unknown task %q", i, ref.Task)
		}
		if ref.Retries != nil {
			if err := validatePolicy(*ref.Retries); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		}
		key := ref.Task + "/" + ref.StepID()
		if seen[key] {
			return fmt.Errorf("step %d: duplicate step id %q for task %q", i, ref.StepID(), ref.Task)
		}
		seen[key] = true
	}
	return nil
}

// sequence builds the handler of a declarative workflow. Steps run in order
// and stop at the first failure. Each step sees the job input overlaid with
// its own input.
func sequence(refs []TaskRef) WorkflowHandler {
	return func(ctx context.Context, run Run) error {
		return runRefs(ctx, run, refs)
	}
}

func runRefs(ctx context.Context, run Run, refs []TaskRef) error {
	for _, ref := range refs {
		if err := runRef(ctx, run, ref); err != nil {
			return err
		}
	}
	return nil
}

func runRef(ctx context.Context, run Run, ref TaskRef) error {
	if len(ref.Parallel) > 0 {
		// No shared cancellation: every branch gets to record its own attempt.
		var g errgroup.Group
		for _, branch := range ref.Parallel {
			g.Go(func() error {
				return runRef(ctx, run, branch)
			})
		}
		return g.Wait()
	}

	_, err := run.RunTask(ctx, TaskCall{
		ID:      ref.StepID(),
		Task:    ref.Task,
		Input:   overlay(run.Job().Input, ref.Input),
		Retries: ref.Retries,
	})
	return err
}

func overlay(base, over map[string]any) map[string]any {
	if len(over) == 0 {
		return base
	}
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
