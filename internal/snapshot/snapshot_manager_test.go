package snapshot

// ============================================================================
// Snapshot Manager 測試
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/jobflow/pkg/types"
)

func sampleJobs() map[types.JobID]*types.Job {
	done := time.Unix(1700000100, 0).UTC()
	return map[types.JobID]*types.Job{
		"job-001": {
			ID:           "job-001",
			TaskSlug:     "resize",
			Queue:        types.DefaultQueue,
			Input:        map[string]any{"key": "value1"},
			Log:          []types.LogEntry{},
			CreatedAt:    time.Unix(1700000000, 0).UTC(),
			UpdatedAt:    time.Unix(1700000000, 0).UTC(),
			SeenByWorker: false,
		},
		"job-002": {
			ID:           "job-002",
			WorkflowSlug: "publish",
			Queue:        "media",
			Log: []types.LogEntry{{
				TaskSlug: "resize",
				TaskID:   "small",
				State:    types.TaskSucceeded,
			}},
			TotalTried:  1,
			CompletedAt: &done,
		},
	}
}

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.Path())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "jobs.snapshot.json"))

	original := Data{Jobs: sampleJobs(), LastSeq: 100}
	require.NoError(t, manager.Write(original))
	assert.True(t, manager.Exists())

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(100), loaded.LastSeq)
	assert.False(t, loaded.TakenAt.IsZero())
	require.Len(t, loaded.Jobs, 2)

	job := loaded.Jobs["job-002"]
	require.NotNil(t, job)
	assert.Equal(t, "publish", job.WorkflowSlug)
	assert.Equal(t, 1, job.TotalTried)
	require.Len(t, job.Log, 1)
	assert.Equal(t, types.TaskSucceeded, job.Log[0].State)
	require.NotNil(t, job.CompletedAt)
}

// TestAtomicWrite 寫入過程中讀取永遠只看到完整快照
func TestAtomicWrite(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "jobs.snapshot.json"))
	require.NoError(t, manager.Write(Data{Jobs: sampleJobs(), LastSeq: 1}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(seq uint64) {
			defer wg.Done()
			assert.NoError(t, manager.Write(Data{Jobs: sampleJobs(), LastSeq: seq}))
		}(uint64(i + 2))
		go func() {
			defer wg.Done()
			data, err := manager.Load()
			assert.NoError(t, err)
			assert.Len(t, data.Jobs, 2)
		}()
	}
	wg.Wait()

	_, err := os.Stat(manager.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not be left behind")
}

// TestFirstBoot 測試首次啟動（無快照）
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	data, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, data.SchemaVer)
	assert.Equal(t, uint64(0), data.LastSeq)
	assert.NotNil(t, data.Jobs)
	assert.Empty(t, data.Jobs)
	assert.False(t, manager.Exists())
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.snapshot.json")
	raw, err := json.Marshal(Data{Jobs: map[types.JobID]*types.Job{}, SchemaVer: 1})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted 測試損壞的快照
func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"jobs": {"job-001": {"id": "job-001"`), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteToMissingDirectory 測試寫入失敗
func TestWriteToMissingDirectory(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "nope", "jobs.snapshot.json"))
	assert.Error(t, manager.Write(Data{}))
}

// BenchmarkWrite 測試寫入效能
func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "bench.json"))
	data := Data{Jobs: sampleJobs(), LastSeq: 100}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Write(data)
	}
}
