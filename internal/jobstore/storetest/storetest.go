// Package storetest is the behavioural test suite shared by every
// jobstore.Store backend.
package storetest

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

	"github.com/ChuLiYu/jobflow/internal/jobstore"
	"github.com/ChuLiYu/jobflow/pkg/types"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) jobstore.Store

// Run executes the whole suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s jobstore.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateDuplicate", testCreateDuplicate},
		{"List", testList},
		{"Candidates", testCandidates},
		{"ClaimIsCompareAndSet", testClaimIsCompareAndSet},
		{"ConcurrentClaim", testConcurrentClaim},
		{"AppendLog", testAppendLog},
		{"ReleaseForRetry", testReleaseForRetry},
		{"ReleaseTerminal", testReleaseTerminal},
		{"ReleaseCompleted", testReleaseCompleted},
		{"ReleaseHold", testReleaseHold},
		{"ReleaseStale", testReleaseStale},
		{"Count", testCount},
		{"Decorate", testDecorate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func create(t *testing.T, s jobstore.Store, job types.Job, at time.Time) *types.Job {
	t.Helper()
	prepared := jobstore.Prepare(&job, at)
	require.NoError(t, s.Create(context.Background(), prepared))
	return prepared
}

func testCreateAndGet(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	created := create(t, s, types.Job{TaskSlug: "resize", Input: map[string]any{"w": float64(100)}}, now())
	require.NotEmpty(t, created.ID)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "resize", got.TaskSlug)
	assert.Equal(t, types.DefaultQueue, got.Queue)
	assert.Equal(t, map[string]any{"w": float64(100)}, got.Input)
	assert.False(t, got.Processing)
	assert.False(t, got.HasError)
	assert.False(t, got.SeenByWorker)
	assert.Zero(t, got.TotalTried)
	assert.Empty(t, got.Log)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.WaitUntil)
	assert.WithinDuration(t, created.CreatedAt, got.CreatedAt, time.Millisecond)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, jobstore.ErrJobNotFound)
}

func testCreateDuplicate(t *testing.T, s jobstore.Store) {
	job := create(t, s, types.Job{ID: "dup", TaskSlug: "resize"}, now())
	err := s.Create(context.Background(), job)
	assert.ErrorIs(t, err, jobstore.ErrJobAlreadyExists)
}

func testList(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	base := now()
	for i := 0; i < 5; i++ {
		queue := "a"
		if i%2 == 1 {
			queue = "b"
		}
		create(t, s, types.Job{ID: types.JobID(fmt.Sprintf("job-%d", i)), TaskSlug: "t", Queue: queue}, base.Add(time.Duration(i)*time.Second))
	}

	all, err := s.List(ctx, jobstore.ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, types.JobID("job-0"), all[0].ID)
	assert.Equal(t, types.JobID("job-4"), all[4].ID)

	onlyA, err := s.List(ctx, jobstore.ListOptions{Queue: "a"})
	require.NoError(t, err)
	assert.Len(t, onlyA, 3)

	page, err := s.List(ctx, jobstore.ListOptions{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, types.JobID("job-1"), page[0].ID)
	assert.Equal(t, types.JobID("job-2"), page[1].ID)
}

func testCandidates(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	at := now()
	future := at.Add(time.Hour)
	past := at.Add(-time.Minute)

	create(t, s, types.Job{ID: "ready", TaskSlug: "t"}, at.Add(-3*time.Second))
	create(t, s, types.Job{ID: "other-queue", TaskSlug: "t", Queue: "other"}, at.Add(-2*time.Second))
	create(t, s, types.Job{ID: "waiting", TaskSlug: "t"}, at.Add(-time.Second))
	create(t, s, types.Job{ID: "due", TaskSlug: "t"}, at)
	create(t, s, types.Job{ID: "claimed", TaskSlug: "t"}, at)
	create(t, s, types.Job{ID: "errored", TaskSlug: "t"}, at)
	create(t, s, types.Job{ID: "done", TaskSlug: "t"}, at)

	require.NoError(t, s.Release(ctx, "waiting", jobstore.Release{WaitUntil: &future}))
	require.NoError(t, s.Release(ctx, "due", jobstore.Release{WaitUntil: &past}))
	_, err := s.Claim(ctx, "claimed", at)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, "errored", jobstore.Release{HasError: true, Error: &types.JobError{Message: "boom"}}))
	require.NoError(t, s.Release(ctx, "done", jobstore.Release{CompletedAt: &at}))

	ids, err := s.Candidates(ctx, types.DefaultQueue, at, 0)
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{"ready", "due"}, ids)

	ids, err = s.Candidates(ctx, "other", at, 0)
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{"other-queue"}, ids)

	ids, err = s.Candidates(ctx, types.DefaultQueue, at, 1)
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{"ready"}, ids)

	ids, err = s.Candidates(ctx, types.DefaultQueue, future.Add(time.Second), 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.JobID{"ready", "waiting", "due"}, ids)
}

func testClaimIsCompareAndSet(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	at := now()
	job := create(t, s, types.Job{TaskSlug: "t"}, at)

	claimed, err := s.Claim(ctx, job.ID, at)
	require.NoError(t, err)
	assert.True(t, claimed.Processing)
	assert.True(t, claimed.SeenByWorker)

	_, err = s.Claim(ctx, job.ID, at)
	assert.ErrorIs(t, err, jobstore.ErrClaimConflict)

	_, err = s.Claim(ctx, "missing", at)
	assert.Error(t, err)

	// Not yet due.
	future := at.Add(time.Hour)
	require.NoError(t, s.Release(ctx, job.ID, jobstore.Release{WaitUntil: &future}))
	_, err = s.Claim(ctx, job.ID, at)
	assert.ErrorIs(t, err, jobstore.ErrClaimConflict)
	_, err = s.Claim(ctx, job.ID, future)
	assert.NoError(t, err)
}

func testConcurrentClaim(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	at := now()
	job := create(t, s, types.Job{TaskSlug: "t"}, at)

	const workers = 16
	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
		start     = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Claim(ctx, job.ID, at)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, jobstore.ErrClaimConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(workers-1), conflicts.Load())
}

func testAppendLog(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	at := now()
	job := create(t, s, types.Job{WorkflowSlug: "wf"}, at)
	_, err := s.Claim(ctx, job.ID, at)
	require.NoError(t, err)

	entries := []types.LogEntry{
		{ExecutedAt: at, CompletedAt: at, TaskSlug: "a", TaskID: "1", State: types.TaskFailed, Error: &types.JobError{Message: "x"}},
		{ExecutedAt: at, CompletedAt: at, TaskSlug: "a", TaskID: "1", State: types.TaskSucceeded, Output: map[string]any{"ok": true}},
		{ExecutedAt: at, CompletedAt: at, TaskSlug: "b", TaskID: "2", State: types.TaskSucceeded},
	}
	for _, e := range entries {
		require.NoError(t, s.AppendLog(ctx, job.ID, e))
	}

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got.Log, 3)
	assert.Equal(t, len(got.Log), got.TotalTried)
	assert.Equal(t, types.TaskFailed, got.Log[0].State)
	assert.Equal(t, "x", got.Log[0].Error.Message)
	assert.Equal(t, map[string]any{"ok": true}, got.Log[1].Output)
	assert.Equal(t, "b", got.Log[2].TaskSlug)
	assert.True(t, got.Processing, "appending must not release the claim")

	err = s.AppendLog(ctx, "missing", entries[0])
	assert.ErrorIs(t, err, jobstore.ErrJobNotFound)
}

func testReleaseForRetry(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	at := now()
	job := create(t, s, types.Job{TaskSlug: "t"}, at)
	_, err := s.Claim(ctx, job.ID, at)
	require.NoError(t, err)

	retryAt := at.Add(2 * time.Second)
	require.NoError(t, s.Release(ctx, job.ID, jobstore.Release{WaitUntil: &retryAt}))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.Processing)
	assert.False(t, got.HasError)
	require.NotNil(t, got.WaitUntil)
	assert.WithinDuration(t, retryAt, *got.WaitUntil, time.Millisecond)

	ids, err := s.Candidates(ctx, "", at, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
	ids, err = s.Candidates(ctx, "", retryAt, 0)
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{job.ID}, ids)
}

func testReleaseTerminal(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	at := now()
	job := create(t, s, types.Job{TaskSlug: "t"}, at)
	_, err := s.Claim(ctx, job.ID, at)
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, job.ID, jobstore.Release{
		HasError:    true,
		CompletedAt: &at,
		Error:       &types.JobError{Message: "exhausted", Task: "t", TaskID: "t"},
	}))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.HasError)
	require.NotNil(t, got.Error)
	assert.Equal(t, "exhausted", got.Error.Message)

	// hasError jobs are never selected again, whatever the clock says.
	for _, when := range []time.Time{at, at.Add(time.Hour), at.Add(24 * time.Hour)} {
		ids, err := s.Candidates(ctx, "", when, 0)
		require.NoError(t, err)
		assert.Empty(t, ids)
		_, err = s.Claim(ctx, job.ID, when)
		assert.ErrorIs(t, err, jobstore.ErrClaimConflict)
	}
}

func testReleaseCompleted(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	at := now()
	job := create(t, s, types.Job{TaskSlug: "t"}, at)
	_, err := s.Claim(ctx, job.ID, at)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, job.ID, jobstore.Release{CompletedAt: &at}))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.Processing)
	assert.False(t, got.HasError)

	_, err = s.Claim(ctx, job.ID, at.Add(time.Hour))
	assert.ErrorIs(t, err, jobstore.ErrClaimConflict)
}

func testReleaseStale(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	at := now()
	stuck := create(t, s, types.Job{TaskSlug: "t"}, at)
	idle := create(t, s, types.Job{TaskSlug: "t"}, at)
	_, err := s.Claim(ctx, stuck.ID, at)
	require.NoError(t, err)

	n, err := s.ReleaseStale(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.ReleaseStale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.False(t, got.Processing)
	assert.True(t, got.SeenByWorker)

	got, err = s.Get(ctx, idle.ID)
	require.NoError(t, err)
	assert.False(t, got.Processing)
}

func testCount(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	at := now()
	create(t, s, types.Job{ID: "p1", TaskSlug: "t"}, at)
	create(t, s, types.Job{ID: "p2", TaskSlug: "t", Queue: "other"}, at)
	create(t, s, types.Job{ID: "run", TaskSlug: "t"}, at)
	create(t, s, types.Job{ID: "ok", TaskSlug: "t"}, at)
	create(t, s, types.Job{ID: "bad", TaskSlug: "t"}, at)

	_, err := s.Claim(ctx, "run", at)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, "ok", jobstore.Release{CompletedAt: &at}))
	require.NoError(t, s.Release(ctx, "bad", jobstore.Release{HasError: true, CompletedAt: &at, Error: &types.JobError{Message: "x"}}))

	all, err := s.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, types.Counts{Pending: 2, Processing: 1, Completed: 1, Errored: 1}, all)

	def, err := s.Count(ctx, types.DefaultQueue)
	require.NoError(t, err)
	assert.Equal(t, types.Counts{Pending: 1, Processing: 1, Completed: 1, Errored: 1}, def)
}

func testDecorate(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	at := now()
	job := create(t, s, types.Job{WorkflowSlug: "wf"}, at)
	require.NoError(t, s.AppendLog(ctx, job.ID, types.LogEntry{TaskSlug: "a", TaskID: "1", State: types.TaskFailed, Error: &types.JobError{Message: "x"}}))
	require.NoError(t, s.AppendLog(ctx, job.ID, types.LogEntry{TaskSlug: "a", TaskID: "1", State: types.TaskSucceeded}))

	raw, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, raw.TaskStatus)

	decorated := jobstore.Decorate(s)
	got, err := decorated.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Contains(t, got.TaskStatus, "a")
	assert.Equal(t, types.TaskSucceeded, got.TaskStatus["a"]["1"].State)

	list, err := decorated.List(ctx, jobstore.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.NotNil(t, list[0].TaskStatus)
}

func testReleaseHold(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	at := now()
	job := create(t, s, types.Job{TaskSlug: "t"}, at)
	_, err := s.Claim(ctx, job.ID, at)
	require.NoError(t, err)

	retryAt := at.Add(-time.Second)
	require.NoError(t, s.Release(ctx, job.ID, jobstore.Release{WaitUntil: &retryAt, Hold: true}))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.Processing, "held claim survives the release")
	require.NotNil(t, got.WaitUntil)
	assert.True(t, retryAt.Equal(*got.WaitUntil))

	ids, err := s.Candidates(ctx, types.DefaultQueue, at, 10)
	require.NoError(t, err)
	assert.NotContains(t, ids, job.ID, "a held job is not a candidate even when due")
	_, err = s.Claim(ctx, job.ID, at)
	assert.ErrorIs(t, err, jobstore.ErrClaimConflict)

	require.NoError(t, s.Release(ctx, job.ID, jobstore.Release{CompletedAt: &at}))
	got, err = s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.Processing)
	assert.NotNil(t, got.CompletedAt)
}
