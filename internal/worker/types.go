package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/jobflow/pkg/types"
)

// Task 是提交給 Worker Pool 的一個工作單元，通常是「執行一個已佔用的任務」
type Task struct {
	JobID   types.JobID                     // 任務唯一識別碼
	Run     func(ctx context.Context) error // 實際執行邏輯
	Timeout time.Duration                   // 執行超時時間，0 表示不限制
}

// Result 是 Task 執行後回報的結果
type Result struct {
	JobID    types.JobID   // 任務 ID
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Panicked bool          // Run 是否 panic
	Duration time.Duration // 實際執行時間
}
