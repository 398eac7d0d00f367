// ============================================================================
// jobflow 任務存儲 - Job Store 合約
// ============================================================================
//
// Package: internal/jobstore
// 功能: 定義所有後端（memory、sqlite、postgres、redis）共同遵守的存儲合約
//
// 任務狀態轉換:
//   Create            → processing=false, totalTried=0, log=[]
//      ↓ Claim()      (原子 CAS: 只有 processing=false 且符合條件的任務)
//   processing=true
//      ↓ AppendLog()  (每次嘗試追加一筆紀錄，totalTried++)
//      ↓ Release()    (無條件清除 processing；Hold 時保留佔用)
//   等待重試 (waitUntil) / 完成 (completedAt) / 終止 (hasError)
//
// 規則:
//   - hasError=true 的任務永遠不會再被 Claim
//   - log 只追加，不修改、不刪除
//   - 同一時間最多只有一個 worker 持有 processing
//
// ============================================================================

package jobstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/jobflow/internal/taskstatus"
	"github.com/ChuLiYu/jobflow/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 任務 ID 重複
	ErrJobAlreadyExists = errors.New("job already exists")
	// 任務已被其他 worker 佔用，或已不符合執行條件
	ErrClaimConflict = errors.New("job already claimed or no longer eligible")
	// 存儲已關閉
	ErrStoreClosed = errors.New("job store closed")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// ListOptions filters List. An empty Queue matches every queue.
type ListOptions struct {
	Queue  string
	Limit  int
	Offset int
}

// Release is the outcome written back when a claim ends. Hold keeps the
// claim (processing stays set, updatedAt is refreshed) so the holder can
// sleep through WaitUntil and continue without another runner taking over.
type Release struct {
	WaitUntil   *time.Time
	CompletedAt *time.Time
	HasError    bool
	Error       *types.JobError
	Hold        bool
}

// Store is the persistence contract every backend implements.
type Store interface {
	// Create persists a new job. Callers normally pass the result of Prepare.
	Create(ctx context.Context, job *types.Job) error
	// Get returns a copy of the job.
	Get(ctx context.Context, id types.JobID) (*types.Job, error)
	// List returns jobs ordered by creation time.
	List(ctx context.Context, opts ListOptions) ([]*types.Job, error)
	// Candidates returns ids of jobs that look claimable at now, oldest first.
	// The answer may be stale by the time Claim runs.
	Candidates(ctx context.Context, queue string, now time.Time, limit int) ([]types.JobID, error)
	// Claim atomically sets processing on an eligible job and returns it.
	// ErrClaimConflict means another worker won or the job stopped being
	// eligible.
	Claim(ctx context.Context, id types.JobID, now time.Time) (*types.Job, error)
	// AppendLog appends entry and increments totalTried.
	AppendLog(ctx context.Context, id types.JobID, entry types.LogEntry) error
	// Release clears processing (unless r.Hold) and applies r. It is
	// unconditional.
	Release(ctx context.Context, id types.JobID, r Release) error
	// ReleaseStale clears processing on jobs whose updatedAt is before
	// olderThan and reports how many were released.
	ReleaseStale(ctx context.Context, olderThan time.Time) (int, error)
	// Count tallies jobs in queue (all queues when empty).
	Count(ctx context.Context, queue string) (types.Counts, error)
	Close() error
}

// Compactor is implemented by backends that keep a journal which can be
// folded into a snapshot.
type Compactor interface {
	Compact(ctx context.Context) error
}

// ============================================================================
// 共用輔助函式
// ============================================================================

// Prepare fills the defaults of a job about to be created: a UUID when the
// id is empty, the default queue, timestamps and an empty log. Processing
// and SeenByWorker are kept as given so inline jobs can start claimed.
func Prepare(job *types.Job, now time.Time) *types.Job {
	cp := job.Clone()
	if strings.TrimSpace(string(cp.ID)) == "" {
		cp.ID = types.JobID(uuid.NewString())
	}
	if cp.Queue == "" {
		cp.Queue = types.DefaultQueue
	}
	if cp.Input == nil {
		cp.Input = map[string]any{}
	}
	cp.Log = []types.LogEntry{}
	cp.TotalTried = 0
	cp.HasError = false
	cp.Error = nil
	cp.CompletedAt = nil
	cp.CreatedAt = now
	cp.UpdatedAt = now
	return cp
}

// Apply writes a release onto job.
func (r Release) Apply(job *types.Job, now time.Time) {
	job.Processing = r.Hold
	job.WaitUntil = r.WaitUntil
	if r.CompletedAt != nil {
		job.CompletedAt = r.CompletedAt
	}
	if r.HasError {
		job.HasError = true
		job.Error = r.Error
	}
	job.UpdatedAt = now
}

// Tally adds job to counts.
func Tally(c *types.Counts, job *types.Job) {
	switch {
	case job.HasError:
		c.Errored++
	case job.CompletedAt != nil:
		c.Completed++
	case job.Processing:
		c.Processing++
	default:
		c.Pending++
	}
}

// WithTaskStatus fills the derived taskStatus view of job.
func WithTaskStatus(job *types.Job) *types.Job {
	if job != nil {
		job.TaskStatus = taskstatus.Derive(job.Log)
	}
	return job
}

// ============================================================================
// 讀取時計算 taskStatus 的裝飾器
// ============================================================================

type decorated struct {
	Store
}

// Decorate wraps s so every job it returns carries a freshly derived
// taskStatus. The view is never written back.
func Decorate(s Store) Store {
	if _, ok := s.(decorated); ok {
		return s
	}
	return decorated{Store: s}
}

func (d decorated) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	job, err := d.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return WithTaskStatus(job), nil
}

func (d decorated) List(ctx context.Context, opts ListOptions) ([]*types.Job, error) {
	jobs, err := d.Store.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		WithTaskStatus(job)
	}
	return jobs, nil
}

func (d decorated) Claim(ctx context.Context, id types.JobID, now time.Time) (*types.Job, error) {
	job, err := d.Store.Claim(ctx, id, now)
	if err != nil {
		return nil, err
	}
	return WithTaskStatus(job), nil
}

// Compact forwards to the wrapped store when it supports compaction.
func (d decorated) Compact(ctx context.Context) error {
	if c, ok := d.Store.(Compactor); ok {
		return c.Compact(ctx)
	}
	return nil
}
