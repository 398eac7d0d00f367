package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ChuLiYu/jobflow/pkg/types"
)

// RequestContext describes the trigger that caused a job to run. It is
// handed to every task handler alongside the input and the job.
type RequestContext struct {
	ID     string            // request id (X-Request-ID or generated)
	Source string            // "http", "cli", "autorun", "inline"
	Values map[string]string // free-form values from the trigger
}

// TaskArgs is what a task handler receives.
type TaskArgs struct {
	Input   map[string]any
	Job     *types.Job
	Request RequestContext
}

// TaskResult is what a task handler returns. An empty State means succeeded.
type TaskResult struct {
	Output map[string]any
	State  types.TaskState
}

// TaskHandler runs one attempt of a task. Returning an error, panicking or
// returning State failed all count as a failed attempt.
type TaskHandler func(ctx context.Context, args TaskArgs) (TaskResult, error)

// Hook is called after a task attempt has been persisted.
type Hook func(ctx context.Context, args TaskArgs, entry types.LogEntry)

// Handler is either an in-process function or a symbolic reference that a
// Resolver turns into one at registration time.
type Handler struct {
	Func TaskHandler
	Ref  string
}

// Func wraps a function as a Handler.
func Func(fn TaskHandler) Handler { return Handler{Func: fn} }

// Ref names a handler that a Resolver will look up.
func Ref(ref string) Handler { return Handler{Ref: ref} }

// UnmarshalYAML decodes a scalar reference such as "builtin#http".
func (h *Handler) UnmarshalYAML(unmarshal func(any) error) error {
	var ref string
	if err := unmarshal(&ref); err != nil {
		return fmt.Errorf("handler must be a string reference: %w", err)
	}
	h.Ref = strings.TrimSpace(ref)
	return nil
}

// Resolver turns symbolic handler references into functions.
type Resolver interface {
	Resolve(ref string) (TaskHandler, error)
}

// HandlerMap is a Resolver backed by a map from reference to function.
type HandlerMap map[string]TaskHandler

// Resolve implements Resolver.
func (m HandlerMap) Resolve(ref string) (TaskHandler, error) {
	fn, ok := m[ref]
	if !ok || fn == nil {
		return nil, fmt.Errorf("unknown handler reference %q (known: %s)", ref, strings.Join(m.refs(), ", "))
	}
	return fn, nil
}

func (m HandlerMap) refs() []string {
	refs := make([]string, 0, len(m))
	for r := range m {
		refs = append(refs, r)
	}
	sort.Strings(refs)
	return refs
}

// resolve returns the function behind h. Resolution happens once, so the
// executor never sees a symbolic reference.
func (h Handler) resolve(r Resolver) (TaskHandler, error) {
	if h.Func != nil {
		return h.Func, nil
	}
	if h.Ref == "" {
		return nil, fmt.Errorf("handler is required")
	}
	if r == nil {
		return nil, fmt.Errorf("handler reference %q given but no resolver configured", h.Ref)
	}
	return r.Resolve(h.Ref)
}
