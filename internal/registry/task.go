// ============================================================================
// jobflow 任務註冊表 - Task Registry
// ============================================================================
//
// Package: internal/registry
// 文件: task.go
// 功能: 以 slug 為鍵保存任務定義，在註冊時解析 handler
//
// 規則:
//   - slug 在所有任務與工作流之間唯一
//   - 註冊是原子的：驗證失敗時註冊表保持不變
//   - 啟動完成後只讀
//
// ============================================================================

package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ChuLiYu/jobflow/internal/backoff"
	"github.com/ChuLiYu/jobflow/pkg/types"
)

// ConfigurationError reports an invalid task or workflow definition. It is
// fatal at startup.
type ConfigurationError struct {
	Kind   string // "task", "workflow" or "queue"
	Slug   string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("registry: invalid %s %q: %s", e.Kind, e.Slug, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErr(kind, slug, reason string, err error) *ConfigurationError {
	return &ConfigurationError{Kind: kind, Slug: slug, Reason: reason, Err: err}
}

// TaskConfig declares a task. Handler is either a Go function or a symbolic
// reference resolved once at registration.
type TaskConfig struct {
	Slug         string             `yaml:"slug"`
	Label        string             `yaml:"label"`
	Handler      Handler            `yaml:"handler"`
	Retries      *types.RetryPolicy `yaml:"retries"`
	InputSchema  []string           `yaml:"inputSchema"`
	OutputSchema []string           `yaml:"outputSchema"`
	OnSuccess    Hook               `yaml:"-"`
	OnFail       Hook               `yaml:"-"`
}

// Task is a registered task with its handler resolved.
type Task struct {
	Config  TaskConfig
	Handler TaskHandler
}

// Slug returns the task slug.
func (t *Task) Slug() string { return t.Config.Slug }

// Label falls back to the slug.
func (t *Task) Label() string {
	if t.Config.Label != "" {
		return t.Config.Label
	}
	return t.Config.Slug
}

// Retries returns the declared policy and whether one was declared.
func (t *Task) Retries() (types.RetryPolicy, bool) {
	if t.Config.Retries == nil {
		return types.RetryPolicy{}, false
	}
	return *t.Config.Retries, true
}

// Tasks is the task registry.
type Tasks struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	resolver  Resolver
	workflows *Workflows // set by NewWorkflows, used for slug collisions
}

// NewTasks creates an empty task registry. resolver may be nil when every
// handler is a Go function.
func NewTasks(resolver Resolver) *Tasks {
	return &Tasks{
		tasks:    make(map[string]*Task),
		resolver: resolver,
	}
}

// Register validates cfg, resolves its handler and stores it.
func (r *Tasks) Register(cfg TaskConfig) error {
	cfg.Slug = strings.TrimSpace(cfg.Slug)
	if cfg.Slug == "" {
		return configErr("task", cfg.Slug, "slug is required", nil)
	}
	if cfg.Slug == types.InlineTaskSlug {
		return configErr("task", cfg.Slug, "slug is reserved for inline tasks", nil)
	}
	if cfg.Retries != nil {
		if err := validatePolicy(*cfg.Retries); err != nil {
			return configErr("task", cfg.Slug, "invalid retries", err)
		}
	}

	fn, err := cfg.Handler.resolve(r.resolver)
	if err != nil {
		return configErr("task", cfg.Slug, "cannot resolve handler", err)
	}

	if r.workflows != nil && r.workflows.has(cfg.Slug) {
		return configErr("task", cfg.Slug, "slug already used by a workflow", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[cfg.Slug]; exists {
		return configErr("task", cfg.Slug, "slug already registered", nil)
	}
	r.tasks[cfg.Slug] = &Task{Config: cfg, Handler: fn}
	return nil
}

// Resolve looks up a task by slug.
func (r *Tasks) Resolve(slug string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[slug]
	return t, ok
}

// Slugs lists registered task slugs in sorted order.
func (r *Tasks) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tasks))
	for slug := range r.tasks {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

func (r *Tasks) has(slug string) bool {
	_, ok := r.Resolve(slug)
	return ok
}

func validatePolicy(p types.RetryPolicy) error {
	if p.Attempts < 0 {
		return fmt.Errorf("attempts must be >= 0, got %d", p.Attempts)
	}
	if p.Backoff == nil {
		return nil
	}
	if p.Backoff.Delay < 0 {
		return fmt.Errorf("backoff delay must be >= 0, got %d", p.Backoff.Delay)
	}
	if !backoff.ValidType(p.Backoff.Type) {
		return fmt.Errorf("unknown backoff type %q", p.Backoff.Type)
	}
	return nil
}
