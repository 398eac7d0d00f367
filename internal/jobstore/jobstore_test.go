package jobstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/jobflow/internal/jobstore"
	"github.com/ChuLiYu/jobflow/internal/jobstore/memory"
	"github.com/ChuLiYu/jobflow/pkg/types"
)

func TestPrepare(t *testing.T) {
	now := time.Now()
	done := now.Add(-time.Hour)
	in := &types.Job{
		TaskSlug:    "send",
		Log:         []types.LogEntry{{TaskSlug: "send"}},
		TotalTried:  3,
		HasError:    true,
		CompletedAt: &done,
		Processing:  true,
	}

	job := jobstore.Prepare(in, now)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, types.DefaultQueue, job.Queue)
	assert.NotNil(t, job.Input)
	assert.Empty(t, job.Log)
	assert.Zero(t, job.TotalTried)
	assert.False(t, job.HasError)
	assert.Nil(t, job.CompletedAt)
	assert.True(t, job.Processing, "inline jobs may start claimed")
	assert.Equal(t, now, job.CreatedAt)
	assert.Equal(t, now, job.UpdatedAt)

	assert.Len(t, in.Log, 1, "input is not mutated")
	assert.Empty(t, in.ID)

	kept := jobstore.Prepare(&types.Job{ID: "fixed", Queue: "emails"}, now)
	assert.Equal(t, types.JobID("fixed"), kept.ID)
	assert.Equal(t, "emails", kept.Queue)
}

func TestReleaseApply(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)

	job := &types.Job{Processing: true}
	jobstore.Release{WaitUntil: &later}.Apply(job, now)
	assert.False(t, job.Processing)
	assert.Equal(t, &later, job.WaitUntil)
	assert.False(t, job.HasError)
	assert.Equal(t, now, job.UpdatedAt)

	job.Processing = true
	jobstore.Release{CompletedAt: &now}.Apply(job, now)
	assert.Nil(t, job.WaitUntil)
	assert.Equal(t, &now, job.CompletedAt)

	job = &types.Job{Processing: true}
	jobstore.Release{HasError: true, Error: &types.JobError{Message: "boom"}}.Apply(job, now)
	assert.True(t, job.HasError)
	assert.Equal(t, "boom", job.Error.Message)

	job = &types.Job{Processing: true}
	jobstore.Release{WaitUntil: &later, Hold: true}.Apply(job, later)
	assert.True(t, job.Processing, "hold keeps the claim")
	assert.Equal(t, &later, job.WaitUntil)
	assert.Equal(t, later, job.UpdatedAt)

	// 空 Release 只清除 processing
	job = &types.Job{Processing: true, CompletedAt: &now}
	jobstore.Release{}.Apply(job, now)
	assert.False(t, job.Processing)
	assert.NotNil(t, job.CompletedAt)
}

func TestTally(t *testing.T) {
	now := time.Now()
	var c types.Counts
	for _, job := range []*types.Job{
		{},
		{Processing: true},
		{CompletedAt: &now},
		{HasError: true},
		{HasError: true, CompletedAt: &now},
	} {
		jobstore.Tally(&c, job)
	}
	assert.Equal(t, types.Counts{Pending: 1, Processing: 1, Completed: 1, Errored: 2}, c)
}

func TestDecorateDerivesTaskStatus(t *testing.T) {
	ctx := context.Background()
	raw := memory.New()
	store := jobstore.Decorate(raw)
	assert.Equal(t, store, jobstore.Decorate(store), "decorating twice is a no-op")

	require.NoError(t, store.Create(ctx, jobstore.Prepare(&types.Job{ID: "j1", TaskSlug: "send"}, time.Now())))
	require.NoError(t, store.AppendLog(ctx, "j1", types.LogEntry{
		TaskSlug: "send", TaskID: "send", State: types.TaskFailed,
		Error: &types.JobError{Message: "timeout"},
	}))
	require.NoError(t, store.AppendLog(ctx, "j1", types.LogEntry{
		TaskSlug: "send", TaskID: "send", State: types.TaskSucceeded,
		Output: map[string]any{"ok": true},
	}))

	job, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	view := job.TaskStatus["send"]["send"]
	assert.Equal(t, types.TaskSucceeded, view.State)
	assert.Equal(t, true, view.Output["ok"])

	jobs, err := store.List(ctx, jobstore.ListOptions{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.NotNil(t, jobs[0].TaskStatus)

	claimed, err := store.Claim(ctx, "j1", time.Now())
	require.NoError(t, err)
	assert.NotNil(t, claimed.TaskStatus)

	plain, err := raw.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Nil(t, plain.TaskStatus, "the view is never persisted")

	c, ok := store.(jobstore.Compactor)
	require.True(t, ok)
	assert.NoError(t, c.Compact(ctx))
}
