package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only, 每行一個 JSON 事件）
// 2. 提供重放功能以恢復 file 後端的任務狀態
// 3. 支援日誌旋轉（快照後清空）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/jobflow/pkg/types"
)

const maxRecordSize = 16 << 20

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options 控制批次寫入行為
type Options struct {
	SyncOnAppend  bool          // 每次追加都 flush + fsync
	BufferSize    int           // 緩衝事件數上限，預設 256
	FlushInterval time.Duration // 距上次 flush 超過此時間即 flush，預設 1s
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu      sync.Mutex
	file    FileInterface
	encoder *json.Encoder
	path    string
	seq     uint64
	opts    Options
	closed  bool

	buffer        []Event
	lastFlushTime time.Time
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，掃描取得最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func Open(path string, opts Options) (*WAL, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}

	seq, err := lastSeq(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Event, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - 先放入緩衝區；forceFlush、緩衝區滿或超時才寫入並 fsync
//
// 回傳事件的 seq。
func (w *WAL) Append(eventType EventType, job *types.Job, forceFlush bool) (uint64, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return 0, fmt.Errorf("wal: encode job %s: %w", job.ID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		JobID:     job.ID,
		Timestamp: time.Now().UnixMilli(),
		Job:       payload,
	}
	event.Checksum = CalculateChecksum(event)
	w.buffer = append(w.buffer, event)

	needFlush := forceFlush || w.opts.SyncOnAppend ||
		len(w.buffer) >= w.opts.BufferSize ||
		time.Since(w.lastFlushTime) > w.opts.FlushInterval
	if needFlush {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}
	return event.Seq, nil
}

// Flush 將緩衝中的事件寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放 seq 大於 after 的事件
//
// 行為：
// - 從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 最後一行若不完整（寫入中途崩潰）則忽略
// - 其他損壞立即停止並回傳錯誤
func (w *WAL) Replay(after uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		return err
	}
	return scan(w.path, func(event Event) error {
		if event.Seq <= after {
			return nil
		}
		return handler(event)
	})
}

// Rotate 清空日誌檔案
//
// 呼叫前必須已將目前狀態寫入快照。seq 不重置，快照中的 LastSeq 才能
// 正確過濾舊事件。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}

	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close for rotate: %w", err)
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: reopen for rotate: %w", err)
	}
	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.lastFlushTime = time.Now()
	return nil
}

// Close 關閉 WAL。關閉後的實例不可再用。
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	flushErr := w.flushLocked()
	if err := w.file.Close(); err != nil && flushErr == nil {
		return err
	}
	return flushErr
}

// LastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) LastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 取得 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 假設調用者已經持有 w.mu 鎖
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return fmt.Errorf("wal: write seq=%d: %w", event.Seq, err)
		}
	}
	last := w.buffer[len(w.buffer)-1].Seq
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	if err := w.file.Sync(); err != nil {
		return &SyncError{LastSeq: last, Err: err}
	}
	return nil
}

// lastSeq 掃描檔案取得最後一個事件的 seq，檔案不存在時為 0
func lastSeq(path string) (uint64, error) {
	var seq uint64
	err := scan(path, func(event Event) error {
		seq = event.Seq
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	return seq, err
}

func scan(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	var (
		pending     []byte
		pendingLine int
		line        int
	)
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		// A bad record is only fatal when something follows it.
		if pending != nil {
			return &CorruptionError{Line: pendingLine, Cause: fmt.Errorf("invalid JSON")}
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			pending = append([]byte(nil), raw...)
			pendingLine = line
			continue
		}
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &CorruptionError{Line: line + 1, Cause: err}
	}
	return nil
}
