package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, timeout, panic recovery, shutdown
// ============================================================================

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

	"github.com/ChuLiYu/jobflow/pkg/types"
)

func sleepTask(id string, d time.Duration) Task {
	return Task{
		JobID: types.JobID(id),
		Run: func(ctx context.Context) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

// TestPoolStart tests starting Worker Pool
func TestPoolStart(t *testing.T) {
	pool := NewPool(10)

	err := pool.Start(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	err = pool.Start(context.Background(), 4)
	assert.ErrorIs(t, err, ErrPoolStarted)

	pool.Stop()
}

// TestWorkerExecution tests every submitted task reports a result
func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(context.Background(), 1))
	defer pool.Stop()

	taskCount := 10
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(sleepTask(fmt.Sprintf("task-%d", i), time.Millisecond)))
	}

	results := make(map[types.JobID]Result)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.JobID] = result
	}

	assert.Equal(t, taskCount, len(results))
	for _, r := range results {
		assert.True(t, r.Success)
	}
}

// TestTimeout tests that a task exceeding its Timeout sees a cancelled context
func TestTimeout(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(context.Background(), 1))
	defer pool.Stop()

	task := sleepTask("slow", time.Second)
	task.Timeout = 20 * time.Millisecond
	require.NoError(t, pool.Submit(task))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
	assert.Less(t, result.Duration, time.Second)
}

// TestBaseContextCancellation tests that cancelling the Start context reaches running tasks
func TestBaseContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(1)
	require.NoError(t, pool.Start(ctx, 1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(sleepTask("long", time.Minute)))
	cancel()

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.ErrorIs(t, result.Error, context.Canceled)
}

// TestPanicRecovery tests that a panicking task is reported and the worker survives
func TestPanicRecovery(t *testing.T) {
	pool := NewPool(2)
	require.NoError(t, pool.Start(context.Background(), 1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{
		JobID: "boom",
		Run:   func(ctx context.Context) error { panic("nil pointer") },
	}))
	require.NoError(t, pool.Submit(sleepTask("after", time.Millisecond)))

	first, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, types.JobID("boom"), first.JobID)
	assert.True(t, first.Panicked)
	assert.ErrorIs(t, first.Error, ErrTaskPanicked)

	second, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.True(t, second.Success, "worker keeps running after a panic")
}

// TestTaskError tests that a returned error is carried in the Result
func TestTaskError(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(context.Background(), 1))
	defer pool.Stop()

	boom := errors.New("store unavailable")
	require.NoError(t, pool.Submit(Task{JobID: "j", Run: func(ctx context.Context) error { return boom }}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, boom)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestConcurrency tests that at most workerCount tasks run at once
func TestConcurrency(t *testing.T) {
	const workers = 4
	pool := NewPool(20)
	require.NoError(t, pool.Start(context.Background(), workers))
	defer pool.Stop()

	var running, peak atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(Task{
			JobID: types.JobID(fmt.Sprintf("task-%d", i)),
			Run: func(ctx context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			},
		}))
	}
	for i := 0; i < 20; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, peak.Load(), int32(workers))
	assert.Greater(t, peak.Load(), int32(1), "tasks should overlap")
}

// TestConcurrentSubmit tests submitting from many goroutines
func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(100)
	require.NoError(t, pool.Start(context.Background(), 4))
	defer pool.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, pool.Submit(sleepTask(fmt.Sprintf("task-%d", i), time.Millisecond)))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 100; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

// TestGracefulShutdown tests that Stop waits for running tasks
func TestGracefulShutdown(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(context.Background(), 1))

	var finished atomic.Bool
	started := make(chan struct{})
	require.NoError(t, pool.Submit(Task{
		JobID: "running",
		Run: func(ctx context.Context) error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			finished.Store(true)
			return nil
		},
	}))
	<-started

	pool.Stop()
	assert.True(t, finished.Load(), "Stop returns only after the running task finished")
}

// TestStopBeforeStart tests stopping before starting
func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.NotPanics(t, func() {
		pool.Stop()
	})
}

// TestSubmitAfterStop tests submitting jobs after shutdown
func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(context.Background(), 2))
	pool.Stop()

	err := pool.Submit(sleepTask("task-after-stop", time.Millisecond))
	assert.ErrorIs(t, err, ErrPoolClosed)
}

// TestSubmitBeforeStart tests submitting before Start
func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10)
	err := pool.Submit(sleepTask("early", time.Millisecond))
	assert.ErrorIs(t, err, ErrPoolNotStarted)
}

// TestReceiveResultAfterStop tests reading results after shutdown
func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(context.Background(), 1))
	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.ErrorIs(t, err, ErrPoolClosed)
}

// TestSubmitRacingStop tests that Submit and Stop running together never panic
func TestSubmitRacingStop(t *testing.T) {
	for i := 0; i < 50; i++ {
		pool := NewPool(0)
		require.NoError(t, pool.Start(context.Background(), 1))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = pool.Submit(sleepTask("racer", time.Millisecond))
		}()
		go func() {
			defer wg.Done()
			pool.Stop()
		}()
		assert.NotPanics(t, wg.Wait)
	}
}

// ============================================================================
// Benchmarks
// ============================================================================

func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool(100)
	_ = pool.Start(context.Background(), 8)
	defer pool.Stop()

	noop := Task{JobID: "bench", Run: func(ctx context.Context) error { return nil }}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pool.Submit(noop)
		_, _ = pool.ReceiveResult()
	}
}
