// ============================================================================
// jobflow 記憶體任務存儲 - memory / file 後端
// ============================================================================
//
// Package: internal/jobstore/memory
// 功能: 以 map 保存所有任務；可選擇以 WAL + 快照持久化（file 後端）
//
// 設計:
//   jobs map[JobID]*Job - 主存儲，單一真實來源
//   order []JobID       - 建立順序，Candidates 依此回傳最舊的任務
//
// 寫入流程 (file 後端):
//   1. 在副本上套用變更
//   2. 寫入 WAL（Claim / Release 強制 fsync）
//   3. 寫入成功後才替換 map 中的任務
//
// 並發安全:
//   - sync.RWMutex 保護所有資料結構
//   - Claim 在寫鎖內檢查並設定 processing，即為 CAS
//
// 恢復:
//   Open() 載入快照，再重放 seq > snapshot.LastSeq 的 WAL 事件
//
// ============================================================================

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/jobflow/internal/jobstore"
	"github.com/ChuLiYu/jobflow/internal/snapshot"
	"github.com/ChuLiYu/jobflow/internal/storage/wal"
	"github.com/ChuLiYu/jobflow/pkg/types"
)

const (
	walFile      = "jobs.wal"
	snapshotFile = "jobs.snapshot.json"
)

// Options 控制 file 後端的持久化行為
type Options struct {
	SyncOnAppend bool // 每個事件都 fsync，不只 Claim / Release
}

// Store 記憶體任務存儲
type Store struct {
	mu     sync.RWMutex
	jobs   map[types.JobID]*types.Job
	order  []types.JobID
	closed bool

	// 只有 file 後端才有
	wal       *wal.WAL
	snapshots *snapshot.Manager

	now func() time.Time
}

var (
	_ jobstore.Store     = (*Store)(nil)
	_ jobstore.Compactor = (*Store)(nil)
)

// New 建立純記憶體存儲，程序結束後資料消失
func New() *Store {
	return &Store{
		jobs: make(map[types.JobID]*types.Job),
		now:  time.Now,
	}
}

// Open 建立以 dir 為資料目錄的 file 後端
//
// 參數說明：
//   - dir: 存放 jobs.wal 與 jobs.snapshot.json 的目錄，不存在時建立
//   - opts: 持久化選項
//
// 返回值：
//   - *Store: 已從快照與 WAL 恢復的存儲
//   - error: 目錄、快照或 WAL 無法讀取時的錯誤
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("jobstore/memory: create data dir: %w", err)
	}

	s := New()
	s.snapshots = snapshot.NewManager(filepath.Join(dir, snapshotFile))

	data, err := s.snapshots.Load()
	if err != nil {
		return nil, fmt.Errorf("jobstore/memory: load snapshot: %w", err)
	}
	for id, job := range data.Jobs {
		s.jobs[id] = job
	}

	w, err := wal.Open(filepath.Join(dir, walFile), wal.Options{SyncOnAppend: opts.SyncOnAppend})
	if err != nil {
		return nil, fmt.Errorf("jobstore/memory: open wal: %w", err)
	}
	err = w.Replay(data.LastSeq, func(event wal.Event) error {
		var job types.Job
		if err := json.Unmarshal(event.Job, &job); err != nil {
			return fmt.Errorf("decode seq=%d: %w", event.Seq, err)
		}
		s.jobs[job.ID] = &job
		return nil
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("jobstore/memory: replay wal: %w", err)
	}
	s.wal = w
	s.rebuildOrder()
	return s, nil
}

// ============================================================================
// jobstore.Store 實作
// ============================================================================

// Create 加入新任務
//
// 錯誤處理：
//   - ErrJobAlreadyExists: 任務 ID 已存在
func (s *Store) Create(ctx context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("jobstore/memory: create %s: %w", job.ID, jobstore.ErrJobAlreadyExists)
	}

	cp := job.Clone()
	if cp.Log == nil {
		cp.Log = []types.LogEntry{}
	}
	if err := s.journal(wal.EventCreate, cp, cp.Processing); err != nil {
		return err
	}
	s.jobs[cp.ID] = cp
	s.order = append(s.order, cp.ID)
	return nil
}

// Get 取得任務副本
func (s *Store) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("jobstore/memory: get %s: %w", id, jobstore.ErrJobNotFound)
	}
	return job.Clone(), nil
}

// List 依建立順序列出任務
func (s *Store) List(ctx context.Context, opts jobstore.ListOptions) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Job, 0)
	skipped := 0
	for _, id := range s.order {
		job := s.jobs[id]
		if opts.Queue != "" && job.Queue != opts.Queue {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, job.Clone())
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// Candidates 回傳可執行任務的 ID，最舊的優先
func (s *Store) Candidates(ctx context.Context, queue string, now time.Time, limit int) ([]types.JobID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []types.JobID
	for _, id := range s.order {
		job := s.jobs[id]
		if queue != "" && job.Queue != queue {
			continue
		}
		if !job.Eligible(now) {
			continue
		}
		ids = append(ids, id)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

// Claim 原子性佔用任務
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在
//   - ErrClaimConflict: 已被佔用、已完成、已終止或尚未到 waitUntil
func (s *Store) Claim(ctx context.Context, id types.JobID, now time.Time) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("jobstore/memory: claim %s: %w", id, jobstore.ErrJobNotFound)
	}
	if !job.Eligible(now) {
		return nil, jobstore.ErrClaimConflict
	}

	cp := job.Clone()
	cp.Processing = true
	cp.SeenByWorker = true
	cp.UpdatedAt = s.now()
	if err := s.journal(wal.EventClaim, cp, true); err != nil {
		return nil, err
	}
	s.jobs[id] = cp
	return cp.Clone(), nil
}

// AppendLog 追加一筆執行紀錄並遞增 totalTried
func (s *Store) AppendLog(ctx context.Context, id types.JobID, entry types.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("jobstore/memory: append log %s: %w", id, jobstore.ErrJobNotFound)
	}

	cp := job.Clone()
	cp.Log = append(cp.Log, entry)
	cp.TotalTried++
	cp.UpdatedAt = s.now()
	if err := s.journal(wal.EventAppend, cp, false); err != nil {
		return err
	}
	s.jobs[id] = cp
	return nil
}

// Release 清除 processing 並寫入結果，不檢查目前狀態
func (s *Store) Release(ctx context.Context, id types.JobID, r jobstore.Release) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("jobstore/memory: release %s: %w", id, jobstore.ErrJobNotFound)
	}

	cp := job.Clone()
	r.Apply(cp, s.now())
	if err := s.journal(wal.EventRelease, cp, true); err != nil {
		return err
	}
	s.jobs[id] = cp
	return nil
}

// ReleaseStale 釋放 updatedAt 早於 olderThan 的佔用
func (s *Store) ReleaseStale(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	released := 0
	for _, id := range s.order {
		job := s.jobs[id]
		if !job.Processing || !job.UpdatedAt.Before(olderThan) {
			continue
		}
		cp := job.Clone()
		cp.Processing = false
		cp.UpdatedAt = s.now()
		if err := s.journal(wal.EventReap, cp, false); err != nil {
			return released, err
		}
		s.jobs[id] = cp
		released++
	}
	if released > 0 && s.wal != nil {
		if err := s.wal.Flush(); err != nil {
			return released, fmt.Errorf("jobstore/memory: flush wal: %w", err)
		}
	}
	return released, nil
}

// Count 取得各狀態任務的統計資訊
func (s *Store) Count(ctx context.Context, queue string) (types.Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c types.Counts
	for _, job := range s.jobs {
		if queue != "" && job.Queue != queue {
			continue
		}
		jobstore.Tally(&c, job)
	}
	return c, nil
}

// Compact 將目前狀態寫成快照並清空 WAL；純記憶體存儲不做任何事
//
// 寫鎖在整個過程中持有，快照與 WAL 之間不會有遺漏的事件。
func (s *Store) Compact(ctx context.Context) error {
	if s.wal == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if err := s.wal.Flush(); err != nil {
		return fmt.Errorf("jobstore/memory: compact: %w", err)
	}
	data := snapshot.Data{
		Jobs:    make(map[types.JobID]*types.Job, len(s.jobs)),
		LastSeq: s.wal.LastSeq(),
	}
	for id, job := range s.jobs {
		data.Jobs[id] = job
	}
	if err := s.snapshots.Write(data); err != nil {
		return fmt.Errorf("jobstore/memory: compact: %w", err)
	}
	if err := s.wal.Rotate(); err != nil {
		return fmt.Errorf("jobstore/memory: compact: %w", err)
	}
	return nil
}

// Close 關閉存儲；file 後端會 flush 並關閉 WAL
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.wal != nil {
		return s.wal.Close()
	}
	return nil
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (s *Store) checkOpen() error {
	if s.closed {
		return jobstore.ErrStoreClosed
	}
	return nil
}

// journal 呼叫者必須持有寫鎖
func (s *Store) journal(event wal.EventType, job *types.Job, force bool) error {
	if s.wal == nil {
		return nil
	}
	if _, err := s.wal.Append(event, job, force); err != nil {
		return fmt.Errorf("jobstore/memory: journal %s %s: %w", event, job.ID, err)
	}
	return nil
}

func (s *Store) rebuildOrder() {
	s.order = s.order[:0]
	for id := range s.jobs {
		s.order = append(s.order, id)
	}
	sortByCreation(s.order, s.jobs)
}

func sortByCreation(ids []types.JobID, jobs map[types.JobID]*types.Job) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := jobs[ids[i]], jobs[ids[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}
