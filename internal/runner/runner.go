// ============================================================================
// jobflow Queue Runner - 佇列執行器
// ============================================================================
//
// Package: internal/runner
// 文件: runner.go
// 功能: 一次「執行待處理任務」的觸發：挑選、佔用、交給執行器、回報摘要
//
// 流程:
//   Candidates() ──→ worker.Pool ──→ Claim() ──→ executor.Execute() ──→ RunSummary
//                                      │
//                                      └─ ErrClaimConflict：另一個 runner 搶先，計數後略過
//
// 規則:
//   - 只有存儲與設定錯誤會從 RunPending 返回
//   - 任務失敗只反映在 RunSummary 與任務文件上
//   - 即使執行 panic 或執行器寫入失敗，processing 也一定會被清除
//   - Runner 本身不排程；排程由 HTTP 觸發、CLI 或 controller 的 autorun 負責
//
// ============================================================================

package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/jobflow/internal/executor"
	"github.com/ChuLiYu/jobflow/internal/jobstore"
	"github.com/ChuLiYu/jobflow/internal/metrics"
	"github.com/ChuLiYu/jobflow/internal/registry"
	"github.com/ChuLiYu/jobflow/internal/worker"
	"github.com/ChuLiYu/jobflow/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInvalidJob 表示入隊請求不合法（slug 缺失、同時設定兩者、或不存在）
	ErrInvalidJob = errors.New("invalid job")
	// ErrUnknownQueue 表示佇列名稱不在註冊表中
	ErrUnknownQueue = errors.New("unknown queue")
)

const (
	DefaultConcurrency = 4
	DefaultLimit       = 10
)

// ============================================================================
// 資料結構定義
// ============================================================================

// RunOptions selects the work of one RunPending call.
type RunOptions struct {
	Queue   string // defaults to "default"
	Limit   int    // defaults to the runner's limit
	Request registry.RequestContext
}

// EnqueueRequest describes a job to create. Exactly one of WorkflowSlug and
// TaskSlug must be set.
type EnqueueRequest struct {
	ID           types.JobID    `json:"id,omitempty"`
	WorkflowSlug string         `json:"workflowSlug,omitempty"`
	TaskSlug     string         `json:"taskSlug,omitempty"`
	Queue        string         `json:"queue,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
	WaitUntil    *time.Time     `json:"waitUntil,omitempty"`
}

// InlineRequest runs an ad-hoc handler as a job.
type InlineRequest struct {
	TaskID  string
	Fn      registry.TaskHandler
	Input   map[string]any
	Queue   string
	Retries *types.RetryPolicy
	Request registry.RequestContext
}

// Runner claims and executes pending jobs.
type Runner struct {
	store       jobstore.Store
	reg         *registry.Registry
	exec        *executor.Executor
	metrics     *metrics.Collector
	logger      *slog.Logger
	concurrency int
	limit       int
	jobTimeout  time.Duration
	now         func() time.Time
}

// Option configures the Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithMetrics reports claims and outcomes to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Runner) { r.metrics = c }
}

// WithConcurrency bounds how many claimed jobs execute at once.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithDefaultLimit sets the limit used when RunOptions.Limit is zero.
func WithDefaultLimit(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.limit = n
		}
	}
}

// WithJobTimeout bounds one whole job execution. Zero means only the
// per-attempt deadline applies.
func WithJobTimeout(d time.Duration) Option {
	return func(r *Runner) { r.jobTimeout = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New creates a runner.
func New(store jobstore.Store, reg *registry.Registry, exec *executor.Executor, opts ...Option) *Runner {
	r := &Runner{
		store:       store,
		reg:         reg,
		exec:        exec,
		logger:      slog.Default(),
		concurrency: DefaultConcurrency,
		limit:       DefaultLimit,
		now:         time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ============================================================================
// 核心方法實作
// ============================================================================

// RunPending 執行一批待處理任務
//
// 參數說明:
//   - opts.Queue: 只處理此佇列（預設 "default"）
//   - opts.Limit: 最多處理的任務數
//
// 返回值:
//   - types.RunSummary: total/succeeded/retried/errored/conflicts
//   - error: 存儲錯誤（挑選或佔用失敗、執行器寫入失敗）
//
// 並發保證:
//   Claim 是存儲層的原子 CAS，多個 runner 同時呼叫時每個任務只會被一個 runner 執行。
//   每個任務在 worker 空出時才 Claim，同時持有的佔用不超過 concurrency。
//
// 取消:
//   ctx 取消後不再佔用新任務；已佔用的任務照常執行到結束（受 job / task 逾時限制）。
func (r *Runner) RunPending(ctx context.Context, opts RunOptions) (types.RunSummary, error) {
	var summary types.RunSummary

	queue := strings.TrimSpace(opts.Queue)
	if queue == "" {
		queue = types.DefaultQueue
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = r.limit
	}

	ids, err := r.store.Candidates(ctx, queue, r.now(), limit)
	if err != nil {
		return summary, fmt.Errorf("runner: list candidates: %w", err)
	}
	if len(ids) == 0 {
		return summary, nil
	}

	// Jobs run detached from the trigger: a caller that goes away stops
	// further claims but never decides the fate of a claimed job.
	pool := worker.NewPool(len(ids)).WithLogger(r.logger)
	if err := pool.Start(context.WithoutCancel(ctx), min(r.concurrency, len(ids))); err != nil {
		return summary, fmt.Errorf("runner: start pool: %w", err)
	}
	defer pool.Stop()

	var (
		mu      sync.Mutex
		errs    []error
		claimed = make(map[types.JobID]bool)
	)
	record := func(fn func()) {
		mu.Lock()
		defer mu.Unlock()
		fn()
	}

	submitted := 0
	for _, id := range ids {
		task := worker.Task{
			JobID:   id,
			Timeout: r.jobTimeout,
			Run: func(jobCtx context.Context) error {
				// 空出 worker 時才佔用，排隊中的任務不會持有過期的 updatedAt
				if ctx.Err() != nil {
					return nil
				}
				job, err := r.store.Claim(jobCtx, id, r.now())
				if errors.Is(err, jobstore.ErrClaimConflict) || errors.Is(err, jobstore.ErrJobNotFound) {
					record(func() { summary.Conflicts++ })
					r.metrics.RecordConflict(queue)
					r.logger.Debug("claim lost", "jobID", id, "queue", queue)
					return nil
				}
				if err != nil {
					return fmt.Errorf("runner: claim %s: %w", id, err)
				}
				record(func() { claimed[id] = true })
				r.metrics.RecordClaim(queue)

				out, err := r.exec.Execute(jobCtx, job, opts.Request)
				if err != nil && !out.Released {
					r.releaseClaim(jobCtx, job.ID)
				}
				record(func() {
					summary.Total++
					switch out.Status {
					case executor.StatusSucceeded:
						summary.Succeeded++
					case executor.StatusRetry, executor.StatusInterrupted:
						summary.Retried++
					case executor.StatusErrored:
						summary.Errored++
					}
				})
				r.metrics.RecordFinished(queue, string(out.Status))
				return err
			},
		}
		if err := pool.Submit(task); err != nil {
			record(func() { errs = append(errs, fmt.Errorf("runner: submit %s: %w", id, err)) })
			break
		}
		submitted++
	}

	for i := 0; i < submitted; i++ {
		res, err := pool.ReceiveResult()
		if err != nil {
			record(func() { errs = append(errs, fmt.Errorf("runner: collect results: %w", err)) })
			break
		}
		if res.Panicked {
			mu.Lock()
			held := claimed[res.JobID]
			mu.Unlock()
			if held {
				r.releaseClaim(ctx, res.JobID)
				record(func() {
					summary.Total++
					summary.Retried++
				})
			}
		}
		if res.Error != nil {
			record(func() { errs = append(errs, res.Error) })
		}
	}

	mu.Lock()
	result, err := summary, errors.Join(errs...)
	mu.Unlock()

	r.logger.Info("run pending finished",
		"queue", queue,
		"total", result.Total,
		"succeeded", result.Succeeded,
		"retried", result.Retried,
		"errored", result.Errored,
		"conflicts", result.Conflicts,
	)
	return result, err
}

// Enqueue validates req against the registry and creates the job.
func (r *Runner) Enqueue(ctx context.Context, req EnqueueRequest) (*types.Job, error) {
	wf := strings.TrimSpace(req.WorkflowSlug)
	task := strings.TrimSpace(req.TaskSlug)
	queue := strings.TrimSpace(req.Queue)

	switch {
	case wf == "" && task == "":
		return nil, fmt.Errorf("%w: workflowSlug or taskSlug is required", ErrInvalidJob)
	case wf != "" && task != "":
		return nil, fmt.Errorf("%w: set workflowSlug or taskSlug, not both", ErrInvalidJob)
	case wf != "":
		w, ok := r.reg.Workflows.Resolve(wf)
		if !ok {
			return nil, fmt.Errorf("%w: unknown workflow %q", ErrInvalidJob, wf)
		}
		if queue == "" {
			queue = w.Queue()
		}
	default:
		if task == types.InlineTaskSlug {
			return nil, fmt.Errorf("%w: inline jobs cannot be enqueued", ErrInvalidJob)
		}
		if _, ok := r.reg.Tasks.Resolve(task); !ok {
			return nil, fmt.Errorf("%w: unknown task %q", ErrInvalidJob, task)
		}
	}
	if queue == "" {
		queue = types.DefaultQueue
	}
	if !r.reg.HasQueue(queue) {
		return nil, fmt.Errorf("%w %q", ErrUnknownQueue, queue)
	}

	job := jobstore.Prepare(&types.Job{
		ID:           req.ID,
		WorkflowSlug: wf,
		TaskSlug:     task,
		Queue:        queue,
		Input:        req.Input,
		WaitUntil:    req.WaitUntil,
	}, r.now())
	if err := r.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("runner: create job: %w", err)
	}
	r.metrics.RecordEnqueue(queue)
	r.logger.Debug("job enqueued", "jobID", job.ID, "queue", queue, "workflow", wf, "task", task)
	return job, nil
}

// RunInline creates an already-claimed inline job and drives it to a final
// state in-process, sleeping through each retry delay while still holding
// the claim. Only this call can run the handler, so when ctx is cancelled or
// the store fails the job is closed as errored instead of left for a runner.
func (r *Runner) RunInline(ctx context.Context, req InlineRequest) (*types.Job, error) {
	if req.Fn == nil {
		return nil, fmt.Errorf("%w: inline handler is required", ErrInvalidJob)
	}
	taskID := req.TaskID
	if taskID == "" {
		taskID = types.InlineTaskSlug
	}
	queue := req.Queue
	if queue == "" {
		queue = types.DefaultQueue
	}

	job := jobstore.Prepare(&types.Job{
		TaskSlug:     types.InlineTaskSlug,
		Queue:        queue,
		Input:        req.Input,
		Processing:   true,
		SeenByWorker: true,
	}, r.now())
	if err := r.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("runner: create inline job: %w", err)
	}

	inline := executor.InlineTask{ID: taskID, Fn: req.Fn, Retries: req.Retries}
	for {
		out, err := r.exec.ExecuteInline(ctx, job, inline, req.Request)
		if err != nil {
			r.abandonInline(ctx, job.ID, err)
			return nil, err
		}
		if out.Status == executor.StatusInterrupted {
			r.abandonInline(ctx, job.ID, ctx.Err())
			return nil, ctx.Err()
		}
		if out.Status != executor.StatusRetry {
			break
		}

		// 重試期間仍持有佔用（Release.Hold），RunPending 不會選到這個任務
		if wait := out.WaitUntil.Sub(r.now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				r.abandonInline(ctx, job.ID, ctx.Err())
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		job, err = r.store.Get(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("runner: reload inline job: %w", err)
		}
		if !job.Processing || job.HasError || job.CompletedAt != nil {
			// The reaper released the hold while we slept.
			return nil, fmt.Errorf("runner: inline job %s: %w", job.ID, jobstore.ErrClaimConflict)
		}
	}

	final, err := r.store.Get(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("runner: load inline job: %w", err)
	}
	return final, nil
}

// abandonInline closes an inline job that this process can no longer drive.
func (r *Runner) abandonInline(ctx context.Context, id types.JobID, cause error) {
	now := r.now()
	rel := jobstore.Release{
		CompletedAt: &now,
		HasError:    true,
		Error:       &types.JobError{Message: fmt.Sprintf("inline run abandoned: %v", cause), Task: types.InlineTaskSlug},
	}
	if err := r.store.Release(context.WithoutCancel(ctx), id, rel); err != nil {
		r.logger.Error("failed to close inline job", "jobID", id, "error", err)
	}
}

// releaseClaim clears processing without recording an outcome so the job
// is picked up again on the next run.
func (r *Runner) releaseClaim(ctx context.Context, id types.JobID) {
	if err := r.store.Release(context.WithoutCancel(ctx), id, jobstore.Release{}); err != nil {
		r.logger.Error("failed to release claim", "jobID", id, "error", err)
	}
}
