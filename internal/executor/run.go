package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ChuLiYu/jobflow/internal/backoff"
	"github.com/ChuLiYu/jobflow/internal/registry"
	"github.com/ChuLiYu/jobflow/internal/taskstatus"
	"github.com/ChuLiYu/jobflow/pkg/types"
)

// failure is one failed attempt in the current execution.
type failure struct {
	exhausted bool
	delay     time.Duration
	err       *types.JobError
}

// slot is the reservation of one (slug, id) within an execution. Callers
// that find an existing slot wait on done and share its result.
type slot struct {
	done   chan struct{}
	output map[string]any
	err    error
}

// run implements registry.Run for one execution of one job. Parallel
// branches call into it concurrently.
type run struct {
	e        *Executor
	job      *types.Job
	req      registry.RequestContext
	status   types.TaskStatus
	fallback *types.RetryPolicy
	// parent is the execution context. Its cancellation, as opposed to an
	// attempt deadline, interrupts the run.
	parent context.Context

	mu         sync.Mutex
	results    map[string]*slot
	failures   []failure
	attempts   int
	storeErr   error
	interrupts int
}

var _ registry.Run = (*run)(nil)

func newRun(parent context.Context, e *Executor, job *types.Job, req registry.RequestContext, fallback *types.RetryPolicy) *run {
	return &run{
		e:        e,
		job:      job,
		req:      req,
		status:   taskstatus.Derive(job.Log),
		fallback: fallback,
		parent:   parent,
		results:  make(map[string]*slot),
	}
}

// Job returns the job as it was claimed. Its log does not include entries
// appended during this execution.
func (r *run) Job() *types.Job { return r.job }

// RunTask runs a registered task unless it already succeeded.
func (r *run) RunTask(ctx context.Context, call registry.TaskCall) (map[string]any, error) {
	task, ok := r.e.reg.Tasks.Resolve(call.Task)
	if !ok {
		return nil, fmt.Errorf("%w: task %q", ErrUnknownTaskOrWorkflow, call.Task)
	}
	id := call.ID
	if id == "" {
		id = call.Task
	}
	var declared *types.RetryPolicy
	if p, ok := task.Retries(); ok {
		declared = &p
	}
	return r.attempt(ctx, pendingAttempt{
		slug:      task.Slug(),
		id:        id,
		input:     call.Input,
		handler:   task.Handler,
		policy:    policyFor(call.Retries, declared, r.fallback),
		onSuccess: task.Config.OnSuccess,
		onFail:    task.Config.OnFail,
	})
}

// RunInlineTask runs fn under the "inline" slug.
func (r *run) RunInlineTask(ctx context.Context, call registry.InlineCall) (map[string]any, error) {
	if call.ID == "" {
		return nil, errors.New("inline task id is required")
	}
	if call.Fn == nil {
		return nil, fmt.Errorf("inline task %q has no handler", call.ID)
	}
	return r.attempt(ctx, pendingAttempt{
		slug:    types.InlineTaskSlug,
		id:      call.ID,
		input:   call.Input,
		handler: call.Fn,
		policy:  policyFor(call.Retries, nil, r.fallback),
	})
}

// compose runs the workflow handler, turning a panic into an error.
func (r *run) compose(ctx context.Context, handler registry.WorkflowHandler) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("workflow panicked: %v", p)
			r.e.logger.Error("workflow panicked", "jobID", r.job.ID, "panic", p, "stack", string(debug.Stack()))
		}
	}()
	return handler(ctx, r)
}

type pendingAttempt struct {
	slug      string
	id        string
	input     map[string]any
	handler   registry.TaskHandler
	policy    types.RetryPolicy
	onSuccess registry.Hook
	onFail    registry.Hook
}

func (s pendingAttempt) key() string { return s.slug + "/" + s.id }

// attempt runs at once per execution. Concurrent calls with the same key
// wait for the first one and share its result.
func (r *run) attempt(ctx context.Context, at pendingAttempt) (map[string]any, error) {
	if view, ok := taskstatus.Lookup(r.status, at.slug, at.id); ok && view.State == types.TaskSucceeded {
		return view.Output, nil
	}

	r.mu.Lock()
	if prev, ok := r.results[at.key()]; ok {
		r.mu.Unlock()
		select {
		case <-prev.done:
			return prev.output, prev.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.storeErr != nil {
		r.mu.Unlock()
		return nil, r.storeErr
	}
	s := &slot{done: make(chan struct{})}
	r.results[at.key()] = s
	r.mu.Unlock()

	defer close(s.done)
	s.output, s.err = r.try(ctx, at)
	return s.output, s.err
}

func (r *run) try(ctx context.Context, at pendingAttempt) (map[string]any, error) {
	args := registry.TaskArgs{Input: at.input, Job: r.job, Request: r.req}
	executedAt := r.e.now()
	res, runErr := r.invoke(ctx, at.handler, args)
	completedAt := r.e.now()

	if runErr != nil && errors.Is(r.parent.Err(), context.Canceled) {
		r.mu.Lock()
		r.interrupts++
		r.mu.Unlock()
		r.e.logger.Info("task attempt interrupted", "jobID", r.job.ID, "task", at.slug, "taskID", at.id)
		return nil, fmt.Errorf("%w: %s[%s]", ErrInterrupted, at.slug, at.id)
	}

	entry := types.LogEntry{
		ExecutedAt:  executedAt,
		CompletedAt: completedAt,
		TaskSlug:    at.slug,
		TaskID:      at.id,
		Input:       at.input,
		State:       types.TaskSucceeded,
	}
	if runErr == nil && res.State == types.TaskFailed {
		runErr = ErrTaskFailed
	}
	if runErr != nil {
		entry.State = types.TaskFailed
		entry.Error = &types.JobError{
			Message: runErr.Error(),
			Task:    at.slug,
			TaskID:  at.id,
			Data:    res.Output,
		}
	} else {
		entry.Output = res.Output
	}

	if err := r.e.store.AppendLog(context.WithoutCancel(ctx), r.job.ID, entry); err != nil {
		r.mu.Lock()
		if r.storeErr == nil {
			r.storeErr = err
		}
		r.mu.Unlock()
		return nil, err
	}
	if r.e.observer != nil {
		r.e.observer.ObserveAttempt(at.slug, entry.State, completedAt.Sub(executedAt))
	}

	if runErr == nil {
		r.record(nil)
		if at.onSuccess != nil {
			r.hook(ctx, at.onSuccess, args, entry)
		}
		return res.Output, nil
	}

	n := taskstatus.FailureCount(r.job.Log, at.slug, at.id) + 1
	delay, exhausted := nextDelay(n, at.policy)
	taskErr := &TaskExecutionError{Task: at.slug, TaskID: at.id, Err: runErr}
	r.record(&failure{exhausted: exhausted, delay: delay, err: entry.Error})

	r.e.logger.Info("task attempt failed",
		"jobID", r.job.ID,
		"task", at.slug,
		"taskID", at.id,
		"failures", n,
		"exhausted", exhausted,
		"error", runErr,
	)
	if at.onFail != nil {
		r.hook(ctx, at.onFail, args, entry)
	}
	return nil, taskErr
}

func (r *run) record(f *failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if f != nil {
		r.failures = append(r.failures, *f)
	}
}

// invoke calls the handler under the attempt deadline. A handler that
// ignores its context is abandoned when the deadline passes.
func (r *run) invoke(ctx context.Context, h registry.TaskHandler, args registry.TaskArgs) (registry.TaskResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.e.timeout)
	defer cancel()

	type reply struct {
		res registry.TaskResult
		err error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.e.logger.Error("task panicked", "jobID", r.job.ID, "panic", p, "stack", string(debug.Stack()))
				done <- reply{err: fmt.Errorf("%w: %v", ErrTaskPanicked, p)}
			}
		}()
		res, err := h(ctx, args)
		done <- reply{res: res, err: err}
	}()

	select {
	case rep := <-done:
		return rep.res, rep.err
	case <-ctx.Done():
		return registry.TaskResult{}, fmt.Errorf("attempt deadline: %w", ctx.Err())
	}
}

func (r *run) hook(ctx context.Context, h registry.Hook, args registry.TaskArgs, entry types.LogEntry) {
	defer func() {
		if p := recover(); p != nil {
			r.e.logger.Error("task hook panicked", "jobID", r.job.ID, "task", entry.TaskSlug, "panic", p)
		}
	}()
	h(ctx, args, entry)
}

func (r *run) interrupted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interrupts > 0
}

// exhausted returns the first failure that ran out of attempts.
func (r *run) exhausted() *failure {
	for i := range r.failures {
		if r.failures[i].exhausted {
			return &r.failures[i]
		}
	}
	return nil
}

func (r *run) delay() time.Duration {
	delays := make([]time.Duration, len(r.failures))
	for i, f := range r.failures {
		delays[i] = f.delay
	}
	return backoff.WorkflowDelay(delays...)
}
