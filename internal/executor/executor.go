// ============================================================================
// jobflow 執行器 - Workflow Executor
// ============================================================================
//
// Package: internal/executor
// 文件: executor.go
// 功能: 執行一個已被佔用（processing=true）的任務文件
//
// 執行流程:
//   1. 依 workflowSlug / taskSlug 解析 handler（解析失敗 → 終止）
//   2. 由 log 推導 taskStatus，已成功的步驟直接返回既有輸出
//   3. 每次嘗試：設定截止時間、捕捉 panic、寫入一筆 LogEntry
//   4. 結束後依失敗情況決定：完成 / 延遲重試 / 終止 / 中斷
//   5. 一律透過 Store.Release() 清除 processing（inline 重試時保留佔用）
//
// 中斷:
//   執行 ctx 被取消（不是逾時）時，未完成的嘗試不寫入 log、不消耗重試次數，
//   只釋放佔用。逾時仍視為一次失敗的嘗試。
//
// 重試規則:
//   第 n 次失敗後，n >= attempts 即視為耗盡（終止）；
//   否則等待 NextAttemptDelay(n)。同一次執行有多個失敗時取最大延遲。
//
// 執行器本身不保存跨次執行的狀態。
//
// ============================================================================

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/jobflow/internal/backoff"
	"github.com/ChuLiYu/jobflow/internal/jobstore"
	"github.com/ChuLiYu/jobflow/internal/registry"
	"github.com/ChuLiYu/jobflow/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務指向的 workflow / task 不存在於註冊表
	ErrUnknownTaskOrWorkflow = errors.New("unknown task or workflow")
	// handler 回傳 state=failed 但沒有附帶錯誤
	ErrTaskFailed = errors.New("task reported failed state")
	// handler panic
	ErrTaskPanicked = errors.New("task panicked")
	// 執行 ctx 在嘗試完成前被取消
	ErrInterrupted = errors.New("execution interrupted")
)

// DefaultTaskTimeout bounds a single attempt when no timeout is configured.
const DefaultTaskTimeout = 10 * time.Minute

// TaskExecutionError is the failure of one task attempt. It is recorded in
// the job log and never returned to callers of the runner.
type TaskExecutionError struct {
	Task   string
	TaskID string
	Err    error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s[%s]: %v", e.Task, e.TaskID, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// ============================================================================
// 資料結構定義
// ============================================================================

// Status is the state a job is left in after one execution.
type Status string

const (
	StatusSucceeded   Status = "succeeded"   // completedAt 已設定
	StatusRetry       Status = "retry"       // waitUntil 已設定，等待下次執行
	StatusErrored     Status = "errored"     // hasError=true，永不再執行
	StatusInterrupted Status = "interrupted" // 佔用已釋放，未記錄結果
)

// Outcome describes what one Execute call did to the job.
type Outcome struct {
	Status    Status
	WaitUntil *time.Time
	Error     *types.JobError
	Attempts  int  // log entries appended by this execution
	Released  bool // Store.Release succeeded
}

// Observer receives one call per task attempt. *metrics.Collector satisfies it.
type Observer interface {
	ObserveAttempt(task string, state types.TaskState, d time.Duration)
}

// InlineTask is an ad-hoc handler that is not in the task registry.
type InlineTask struct {
	ID      string
	Fn      registry.TaskHandler
	Retries *types.RetryPolicy
}

// Executor runs claimed jobs. It is safe for concurrent use.
type Executor struct {
	store    jobstore.Store
	reg      *registry.Registry
	logger   *slog.Logger
	timeout  time.Duration
	observer Observer
	now      func() time.Time
}

// Option configures the Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithTaskTimeout sets the deadline of a single attempt.
func WithTaskTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithObserver reports every attempt to o.
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// WithClock replaces time.Now; tests use it to pin waitUntil.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New creates an executor over store and reg.
func New(store jobstore.Store, reg *registry.Registry, opts ...Option) *Executor {
	e := &Executor{
		store:   store,
		reg:     reg,
		logger:  slog.Default(),
		timeout: DefaultTaskTimeout,
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Execute 執行一個已佔用的任務
//
// 參數說明:
//   - job: 由 Store.Claim() 取得的任務（processing=true）
//   - req: 觸發這次執行的請求上下文，原樣傳給每個 handler
//
// 返回值:
//   - Outcome: 任務最終被寫成的狀態
//   - error: 只有存儲錯誤會返回；任務失敗記錄在 log 與 Outcome 中
//
// 錯誤處理:
//   - workflow/task 不存在 → hasError=true，error 為 ErrUnknownTaskOrWorkflow
//   - AppendLog 失敗 → 盡力 Release 後返回錯誤
func (e *Executor) Execute(ctx context.Context, job *types.Job, req registry.RequestContext) (Outcome, error) {
	if job.WorkflowSlug != "" {
		wf, ok := e.reg.Workflows.Resolve(job.WorkflowSlug)
		if !ok {
			return e.unknown(ctx, job, "workflow", job.WorkflowSlug)
		}
		var fallback *types.RetryPolicy
		if p, ok := wf.Retries(); ok {
			fallback = &p
		}
		return e.execute(ctx, job, req, fallback, false, wf.Handler)
	}

	if job.TaskSlug == "" || job.TaskSlug == types.InlineTaskSlug {
		// An inline job whose handler is gone (process restart) cannot be resumed.
		return e.unknown(ctx, job, "task", job.TaskSlug)
	}
	task, ok := e.reg.Tasks.Resolve(job.TaskSlug)
	if !ok {
		return e.unknown(ctx, job, "task", job.TaskSlug)
	}
	return e.execute(ctx, job, req, nil, false, func(ctx context.Context, run registry.Run) error {
		_, err := run.RunTask(ctx, registry.TaskCall{
			ID:    task.Slug(),
			Task:  task.Slug(),
			Input: run.Job().Input,
		})
		return err
	})
}

// ExecuteInline runs task against a claimed job whose taskSlug is "inline".
// On retry and on interruption the claim is held (Release.Hold) because no
// other runner can execute an inline handler; the caller continues or ends
// the job itself.
func (e *Executor) ExecuteInline(ctx context.Context, job *types.Job, task InlineTask, req registry.RequestContext) (Outcome, error) {
	if task.Fn == nil {
		return e.unknown(ctx, job, "task", types.InlineTaskSlug)
	}
	return e.execute(ctx, job, req, nil, true, func(ctx context.Context, run registry.Run) error {
		_, err := run.RunInlineTask(ctx, registry.InlineCall{
			ID:      task.ID,
			Fn:      task.Fn,
			Input:   run.Job().Input,
			Retries: task.Retries,
		})
		return err
	})
}

func (e *Executor) execute(ctx context.Context, job *types.Job, req registry.RequestContext,
	fallback *types.RetryPolicy, hold bool, handler registry.WorkflowHandler) (Outcome, error) {

	r := newRun(ctx, e, job, req, fallback)
	err := r.compose(ctx, handler)

	out := Outcome{Attempts: r.attempts}
	if r.storeErr != nil {
		// The log is incomplete; clear the claim and let the job be picked up again.
		out.Status = StatusRetry
		out.Released = e.release(ctx, job, jobstore.Release{Hold: hold}) == nil
		return out, fmt.Errorf("executor: job %s: %w", job.ID, r.storeErr)
	}

	now := e.now()
	var rel jobstore.Release
	switch {
	case r.exhausted() != nil:
		f := r.exhausted()
		out.Status = StatusErrored
		out.Error = f.err
		rel = jobstore.Release{CompletedAt: &now, HasError: true, Error: f.err}

	case len(r.failures) > 0:
		until := now.Add(r.delay())
		out.Status = StatusRetry
		out.WaitUntil = &until
		rel = jobstore.Release{WaitUntil: &until, Hold: hold}

	case r.interrupted() || (err != nil && errors.Is(ctx.Err(), context.Canceled)):
		out.Status = StatusInterrupted
		rel = jobstore.Release{Hold: hold}

	case err != nil:
		// The composition failed outside of any task attempt, so there is no
		// per-task policy to retry under.
		jobErr := &types.JobError{Message: err.Error()}
		out.Status = StatusErrored
		out.Error = jobErr
		rel = jobstore.Release{CompletedAt: &now, HasError: true, Error: jobErr}

	default:
		out.Status = StatusSucceeded
		rel = jobstore.Release{CompletedAt: &now}
	}

	if err := e.release(ctx, job, rel); err != nil {
		return out, fmt.Errorf("executor: release job %s: %w", job.ID, err)
	}
	out.Released = true

	e.logger.Debug("job executed",
		"jobID", job.ID,
		"queue", job.Queue,
		"status", out.Status,
		"attempts", out.Attempts,
	)
	return out, nil
}

func (e *Executor) unknown(ctx context.Context, job *types.Job, kind, slug string) (Outcome, error) {
	now := e.now()
	jobErr := &types.JobError{
		Message: fmt.Sprintf("%s: %s %q", ErrUnknownTaskOrWorkflow, kind, slug),
		Task:    slug,
	}
	e.logger.Warn("job references unknown slug", "jobID", job.ID, "kind", kind, "slug", slug)

	out := Outcome{Status: StatusErrored, Error: jobErr}
	if err := e.release(ctx, job, jobstore.Release{CompletedAt: &now, HasError: true, Error: jobErr}); err != nil {
		return out, fmt.Errorf("executor: release job %s: %w", job.ID, err)
	}
	out.Released = true
	return out, nil
}

// release runs detached from ctx so a cancelled run still clears its claim.
func (e *Executor) release(ctx context.Context, job *types.Job, r jobstore.Release) error {
	return e.store.Release(context.WithoutCancel(ctx), job.ID, r)
}

// policyFor picks the first declared policy: per-call override, the task's
// own policy, then the workflow fallback. With none declared a single
// failure is terminal.
func policyFor(call, task, workflow *types.RetryPolicy) types.RetryPolicy {
	for _, p := range []*types.RetryPolicy{call, task, workflow} {
		if p != nil {
			return *p
		}
	}
	return types.RetryPolicy{}
}

// nextDelay applies the retry rule to the n-th failure.
func nextDelay(n int, policy types.RetryPolicy) (time.Duration, bool) {
	if backoff.Exhausted(n, policy) {
		return 0, true
	}
	d, ok := backoff.NextAttemptDelay(n, policy)
	return d, !ok
}
