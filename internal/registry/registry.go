// Package registry holds the task and workflow definitions a jobflow process
// knows about. Registries are explicit objects built at startup and handed to
// the executor and runner; there is no package-level state.
package registry

import (
	"errors"
	"sort"
	"strings"

	"github.com/ChuLiYu/jobflow/pkg/types"
)

// Definitions is the declarative form of a registry, as found under the
// `jobs` section of the config file.
type Definitions struct {
	Tasks     []TaskConfig     `yaml:"tasks"`
	Workflows []WorkflowConfig `yaml:"workflows"`
	Queues    []string         `yaml:"queues"`
}

// Registry bundles the task and workflow registries with the set of queue
// names jobs may be enqueued on.
type Registry struct {
	Tasks     *Tasks
	Workflows *Workflows
	queues    map[string]bool
}

// New creates an empty registry.
func New(resolver Resolver) *Registry {
	tasks := NewTasks(resolver)
	return &Registry{
		Tasks:     tasks,
		Workflows: NewWorkflows(tasks),
		queues:    map[string]bool{types.DefaultQueue: true},
	}
}

// Load builds a registry from defs. Tasks are registered before workflows so
// declarative steps can reference them. Any error aborts the whole load and
// no registry is returned.
func Load(defs Definitions, resolver Resolver) (*Registry, error) {
	reg := New(resolver)
	for _, q := range defs.Queues {
		if err := reg.AddQueue(q); err != nil {
			return nil, err
		}
	}
	for _, cfg := range defs.Tasks {
		if err := reg.Tasks.Register(cfg); err != nil {
			return nil, err
		}
	}
	for _, cfg := range defs.Workflows {
		if err := reg.Workflows.Register(cfg); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// AddQueue declares an extra queue name.
func (r *Registry) AddQueue(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return configErr("queue", name, "queue name is required", nil)
	}
	r.queues[name] = true
	return nil
}

// Queues lists every valid queue: the default queue, each workflow queue and
// the extra queues.
func (r *Registry) Queues() []string {
	set := make(map[string]bool, len(r.queues))
	for q := range r.queues {
		set[q] = true
	}
	for _, slug := range r.Workflows.Slugs() {
		if w, ok := r.Workflows.Resolve(slug); ok {
			set[w.Queue()] = true
		}
	}
	out := make([]string, 0, len(set))
	for q := range set {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// HasQueue reports whether name is a valid queue.
func (r *Registry) HasQueue(name string) bool {
	for _, q := range r.Queues() {
		if q == name {
			return true
		}
	}
	return false
}

// IsConfigurationError reports whether err carries a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
