package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/jobflow/internal/executor"
	"github.com/ChuLiYu/jobflow/internal/jobstore"
	"github.com/ChuLiYu/jobflow/internal/jobstore/memory"
	"github.com/ChuLiYu/jobflow/internal/metrics"
	"github.com/ChuLiYu/jobflow/internal/registry"
	"github.com/ChuLiYu/jobflow/pkg/types"
)

func ok(ctx context.Context, args registry.TaskArgs) (registry.TaskResult, error) {
	return registry.TaskResult{Output: map[string]any{"ok": true}}, nil
}

func fail(ctx context.Context, args registry.TaskArgs) (registry.TaskResult, error) {
	return registry.TaskResult{}, errors.New("boom")
}

func newTestRegistry(t *testing.T) *registry.Registry {
	reg := registry.New(nil)
	require.NoError(t, reg.AddQueue("emails"))
	require.NoError(t, reg.Tasks.Register(registry.TaskConfig{Slug: "ok", Handler: registry.Func(ok)}))
	require.NoError(t, reg.Tasks.Register(registry.TaskConfig{Slug: "retry", Handler: registry.Func(fail),
		Retries: &types.RetryPolicy{Attempts: 3, Backoff: &types.Backoff{Delay: 60000}}}))
	require.NoError(t, reg.Tasks.Register(registry.TaskConfig{Slug: "fatal", Handler: registry.Func(fail)}))
	require.NoError(t, reg.Workflows.Register(registry.WorkflowConfig{
		Slug: "newsletter", Queue: "emails", Tasks: []registry.TaskRef{{Task: "ok"}},
	}))
	return reg
}

func newTestRunner(t *testing.T, store jobstore.Store, reg *registry.Registry, opts ...Option) *Runner {
	exec := executor.New(store, reg)
	return New(store, reg, exec, opts...)
}

func enqueue(t *testing.T, r *Runner, req EnqueueRequest) *types.Job {
	job, err := r.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return job
}

func TestRunPendingSummary(t *testing.T) {
	store := jobstore.Decorate(memory.New())
	reg := newTestRegistry(t)
	r := newTestRunner(t, store, reg, WithMetrics(metrics.NewCollector()))

	enqueue(t, r, EnqueueRequest{TaskSlug: "ok"})
	enqueue(t, r, EnqueueRequest{TaskSlug: "ok"})
	enqueue(t, r, EnqueueRequest{TaskSlug: "retry"})
	enqueue(t, r, EnqueueRequest{TaskSlug: "fatal"})

	summary, err := r.RunPending(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.RunSummary{Total: 4, Succeeded: 2, Retried: 1, Errored: 1}, summary)

	counts, err := store.Count(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, types.Counts{Pending: 1, Completed: 2, Errored: 1}, counts)

	// The retried job waits a minute; nothing is due now.
	summary, err = r.RunPending(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, summary.Total)
}

func TestRunPendingRespectsLimitAndQueue(t *testing.T) {
	store := memory.New()
	reg := newTestRegistry(t)
	r := newTestRunner(t, store, reg)

	for i := 0; i < 5; i++ {
		enqueue(t, r, EnqueueRequest{TaskSlug: "ok"})
	}
	mail := enqueue(t, r, EnqueueRequest{WorkflowSlug: "newsletter"})
	assert.Equal(t, "emails", mail.Queue)

	summary, err := r.RunPending(context.Background(), RunOptions{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)

	summary, err = r.RunPending(context.Background(), RunOptions{Queue: "emails"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)

	summary, err = r.RunPending(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
}

// TestConcurrentRunnersClaimAtomically 模擬多個 runner 同時被觸發
func TestConcurrentRunnersClaimAtomically(t *testing.T) {
	const jobs, runners = 60, 8
	store := memory.New()
	reg := registry.New(nil)

	var mu sync.Mutex
	executed := make(map[types.JobID]int)
	require.NoError(t, reg.Tasks.Register(registry.TaskConfig{
		Slug: "count",
		Handler: registry.Func(func(ctx context.Context, args registry.TaskArgs) (registry.TaskResult, error) {
			mu.Lock()
			executed[args.Job.ID]++
			mu.Unlock()
			time.Sleep(time.Millisecond)
			return registry.TaskResult{}, nil
		}),
	}))

	seed := newTestRunner(t, store, reg)
	for i := 0; i < jobs; i++ {
		enqueue(t, seed, EnqueueRequest{ID: types.JobID(fmt.Sprintf("job-%02d", i)), TaskSlug: "count"})
	}

	var total, conflicts atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < runners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := newTestRunner(t, store, reg, WithConcurrency(3))
			summary, err := r.RunPending(context.Background(), RunOptions{Limit: jobs})
			assert.NoError(t, err)
			total.Add(int64(summary.Total))
			conflicts.Add(int64(summary.Conflicts))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, jobs, total.Load(), "every job executed once across all runners")
	assert.Len(t, executed, jobs)
	for id, n := range executed {
		assert.Equal(t, 1, n, "job %s executed %d times", id, n)
	}

	counts, err := store.Count(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, jobs, counts.Completed)
}

func TestErroredJobsAreNeverSelected(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	store := memory.New()
	reg := newTestRegistry(t)
	r := newTestRunner(t, store, reg, WithClock(clock))

	job := enqueue(t, r, EnqueueRequest{TaskSlug: "fatal"})
	summary, err := r.RunPending(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errored)

	for _, later := range []time.Duration{time.Minute, time.Hour, 24 * time.Hour} {
		now = now.Add(later)
		summary, err = r.RunPending(context.Background(), RunOptions{})
		require.NoError(t, err)
		assert.Zero(t, summary.Total)
	}

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, got.HasError)
	assert.Equal(t, 1, got.TotalTried)
}

func TestEnqueueValidation(t *testing.T) {
	reg := newTestRegistry(t)
	r := newTestRunner(t, memory.New(), reg)

	tests := []struct {
		name string
		req  EnqueueRequest
		want error
	}{
		{"no slug", EnqueueRequest{}, ErrInvalidJob},
		{"both slugs", EnqueueRequest{TaskSlug: "ok", WorkflowSlug: "newsletter"}, ErrInvalidJob},
		{"unknown task", EnqueueRequest{TaskSlug: "nope"}, ErrInvalidJob},
		{"unknown workflow", EnqueueRequest{WorkflowSlug: "nope"}, ErrInvalidJob},
		{"inline", EnqueueRequest{TaskSlug: types.InlineTaskSlug}, ErrInvalidJob},
		{"unknown queue", EnqueueRequest{TaskSlug: "ok", Queue: "sms"}, ErrUnknownQueue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Enqueue(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	job := enqueue(t, r, EnqueueRequest{TaskSlug: "ok", Queue: "emails", Input: map[string]any{"to": "a@b.c"}})
	assert.Equal(t, "emails", job.Queue)
	assert.False(t, job.Processing)
	assert.Empty(t, job.Log)
	assert.NotEmpty(t, job.ID)

	_, err := r.Enqueue(context.Background(), EnqueueRequest{ID: job.ID, TaskSlug: "ok"})
	assert.ErrorIs(t, err, jobstore.ErrJobAlreadyExists)
}

func TestRunInlineHonoursBackoff(t *testing.T) {
	store := jobstore.Decorate(memory.New())
	r := newTestRunner(t, store, registry.New(nil))

	var calls atomic.Int32
	job, err := r.RunInline(context.Background(), InlineRequest{
		TaskID:  "send",
		Input:   map[string]any{"n": 1},
		Retries: &types.RetryPolicy{Attempts: 3, Backoff: &types.Backoff{Delay: 20}},
		Fn: func(ctx context.Context, args registry.TaskArgs) (registry.TaskResult, error) {
			if calls.Add(1) < 3 {
				return registry.TaskResult{}, errors.New("not yet")
			}
			return registry.TaskResult{Output: args.Input}, nil
		},
	})
	require.NoError(t, err)

	assert.EqualValues(t, 3, calls.Load())
	assert.NotNil(t, job.CompletedAt)
	assert.False(t, job.HasError)
	assert.False(t, job.Processing)
	require.Len(t, job.Log, 3)
	assert.Equal(t, types.InlineTaskSlug, job.Log[0].TaskSlug)
	assert.GreaterOrEqual(t, job.Log[1].ExecutedAt.Sub(job.Log[0].CompletedAt), 20*time.Millisecond)
	assert.Equal(t, types.TaskSucceeded, job.TaskStatus[types.InlineTaskSlug]["send"].State)
}

func TestRunInlineStopsOnCancel(t *testing.T) {
	store := memory.New()
	r := newTestRunner(t, store, registry.New(nil))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := r.RunInline(ctx, InlineRequest{
		Retries: &types.RetryPolicy{Attempts: 5, Backoff: &types.Backoff{Delay: 60000}},
		Fn:      fail,
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	jobs, err := store.List(context.Background(), jobstore.ListOptions{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.False(t, job.Processing)
	assert.True(t, job.HasError, "nobody else can run an inline handler")
	require.NotNil(t, job.Error)
	assert.Contains(t, job.Error.Message, "abandoned")
	assert.Len(t, job.Log, 1)
}

func TestRunInlineIsNotTakenByRunPending(t *testing.T) {
	store := jobstore.Decorate(memory.New())
	r := newTestRunner(t, store, registry.New(nil))

	var calls atomic.Int32
	done := make(chan struct{})
	var (
		job *types.Job
		err error
	)
	go func() {
		defer close(done)
		job, err = r.RunInline(context.Background(), InlineRequest{
			TaskID:  "send",
			Retries: &types.RetryPolicy{Attempts: 3, Backoff: &types.Backoff{Delay: 200}},
			Fn: func(ctx context.Context, args registry.TaskArgs) (registry.TaskResult, error) {
				if calls.Add(1) == 1 {
					return registry.TaskResult{}, errors.New("not yet")
				}
				return registry.TaskResult{Output: map[string]any{"ok": true}}, nil
			},
		})
	}()

	// A concurrent trigger polls throughout the backoff window.
	var polled types.RunSummary
	for running := true; running; {
		select {
		case <-done:
			running = false
		case <-time.After(10 * time.Millisecond):
			summary, err := r.RunPending(context.Background(), RunOptions{})
			require.NoError(t, err)
			polled.Total += summary.Total
			polled.Conflicts += summary.Conflicts
		}
	}

	require.NoError(t, err)
	assert.Zero(t, polled.Total, "RunPending never picked the inline job")
	assert.EqualValues(t, 2, calls.Load())
	assert.NotNil(t, job.CompletedAt)
	assert.False(t, job.HasError)
	assert.False(t, job.Processing)
	require.Len(t, job.Log, 2)
	assert.Equal(t, types.TaskFailed, job.Log[0].State)
	assert.Equal(t, types.TaskSucceeded, job.Log[1].State)
}

func TestRunPendingOutlivesCancelledTrigger(t *testing.T) {
	store := memory.New()
	reg := registry.New(nil)
	require.NoError(t, reg.Tasks.Register(registry.TaskConfig{
		Slug: "slow",
		Handler: registry.Func(func(ctx context.Context, args registry.TaskArgs) (registry.TaskResult, error) {
			select {
			case <-time.After(300 * time.Millisecond):
				return registry.TaskResult{}, nil
			case <-ctx.Done():
				return registry.TaskResult{}, ctx.Err()
			}
		}),
	}))
	r := newTestRunner(t, store, reg)
	job := enqueue(t, r, EnqueueRequest{TaskSlug: "slow"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	summary, err := r.RunPending(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.RunSummary{Total: 1, Succeeded: 1}, summary)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.CompletedAt)
	assert.False(t, got.HasError)
	assert.False(t, got.Processing)
	require.Len(t, got.Log, 1)
	assert.Equal(t, types.TaskSucceeded, got.Log[0].State)
}

func TestRunPendingSkipsClaimsAfterTriggerCancelled(t *testing.T) {
	store := memory.New()
	r := newTestRunner(t, store, newTestRegistry(t))
	job := enqueue(t, r, EnqueueRequest{TaskSlug: "fatal"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := r.RunPending(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, summary.Total)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, got.Processing)
	assert.False(t, got.HasError)
	assert.Empty(t, got.Log)
}

func TestClaimsNeverExceedConcurrency(t *testing.T) {
	const jobs, concurrency = 6, 2
	store := memory.New()
	reg := registry.New(nil)

	var maxHeld atomic.Int64
	require.NoError(t, reg.Tasks.Register(registry.TaskConfig{
		Slug: "held",
		Handler: registry.Func(func(ctx context.Context, args registry.TaskArgs) (registry.TaskResult, error) {
			counts, err := store.Count(ctx, "")
			if err != nil {
				return registry.TaskResult{}, err
			}
			for {
				cur := maxHeld.Load()
				if int64(counts.Processing) <= cur || maxHeld.CompareAndSwap(cur, int64(counts.Processing)) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			return registry.TaskResult{}, nil
		}),
	}))
	r := newTestRunner(t, store, reg, WithConcurrency(concurrency))
	for i := 0; i < jobs; i++ {
		enqueue(t, r, EnqueueRequest{TaskSlug: "held"})
	}

	summary, err := r.RunPending(context.Background(), RunOptions{Limit: jobs})
	require.NoError(t, err)
	assert.Equal(t, jobs, summary.Succeeded)
	assert.LessOrEqual(t, maxHeld.Load(), int64(concurrency), "queued jobs are claimed only when a worker is free")
}

// brokenLog 模擬執行器寫入 log 時存儲失敗
type brokenLog struct {
	jobstore.Store
}

func (brokenLog) AppendLog(ctx context.Context, id types.JobID, entry types.LogEntry) error {
	return errors.New("disk full")
}

func TestStoreFailureStillReleases(t *testing.T) {
	store := memory.New()
	reg := newTestRegistry(t)
	r := newTestRunner(t, brokenLog{store}, reg)

	job := enqueue(t, r, EnqueueRequest{TaskSlug: "ok"})
	_, err := r.RunPending(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, got.Processing, "claim cleared so the job is picked up again")
	assert.Nil(t, got.CompletedAt)
}

type brokenCandidates struct {
	jobstore.Store
}

func (brokenCandidates) Candidates(ctx context.Context, queue string, now time.Time, limit int) ([]types.JobID, error) {
	return nil, errors.New("connection refused")
}

func TestCandidateErrorPropagates(t *testing.T) {
	r := newTestRunner(t, brokenCandidates{memory.New()}, newTestRegistry(t))
	_, err := r.RunPending(context.Background(), RunOptions{})
	assert.ErrorContains(t, err, "connection refused")
}
