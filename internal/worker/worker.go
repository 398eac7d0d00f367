// ============================================================================
// jobflow Worker - 單一執行單元
// ============================================================================
//
// Package: internal/worker
// 文件: worker.go
// 功能: 從任務通道取出 Task，在獨立的 Context 下執行，回報 Result
//
// 執行流程:
//   1. 從 taskCh 取得 Task（或收到 stopCh 後退出）
//   2. 以 Pool 的基礎 Context 建立子 Context（若有 Timeout 則加上截止時間）
//   3. 呼叫 Task.Run，捕捉 panic 並轉為錯誤
//   4. 將 Result 發送到 resultCh
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// ErrTaskPanicked 表示 Task.Run 發生 panic，Worker 已恢復
var ErrTaskPanicked = errors.New("worker task panicked")

// Worker 代表一個執行 Task 的 goroutine
type Worker struct {
	id       int             // Worker 唯一識別碼，用於日誌與除錯
	pool     *Pool           // 所屬 Pool，提供 Context、logger 與停止訊號
	taskCh   <-chan Task     // 任務通道（只讀）
	resultCh chan<- Result   // 結果通道（只寫）
	stopCh   <-chan struct{} // 停止訊號
}

func newWorker(id int, p *Pool) *Worker {
	return &Worker{
		id:       id,
		pool:     p,
		taskCh:   p.taskCh,
		resultCh: p.resultCh,
		stopCh:   p.stopCh,
	}
}

// Run 是 Worker 的主循環，直到 stopCh 關閉才退出。
// Stop 之後仍留在 taskCh 中的 Task 不會被執行。
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := w.execute(task)
			select {
			case w.resultCh <- result:
			case <-w.stopCh:
				return
			}
		}
	}
}

// execute 執行單一 Task 並確保 panic 不會讓 Worker 退出
func (w *Worker) execute(task Task) (result Result) {
	start := time.Now()
	result.JobID = task.JobID

	ctx := w.pool.ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			w.pool.logger.Error("worker recovered from panic",
				"worker", w.id,
				"jobID", task.JobID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			result.Panicked = true
			result.Success = false
			result.Error = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
		result.Duration = time.Since(start)
	}()

	if task.Run == nil {
		result.Error = errors.New("worker task has no run function")
		return result
	}
	err := task.Run(ctx)
	result.Success = err == nil
	result.Error = err
	return result
}
