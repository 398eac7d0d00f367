package wal

// ============================================================================
// WAL 錯誤定義
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// 日誌中段出現無法解析的紀錄（尾端的半筆紀錄會被容忍）
	ErrCorruptedWAL = errors.New("wal: file is corrupted")
	// 紀錄內容與 checksum 不符
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")
	// WAL 已關閉
	ErrWALClosed = errors.New("wal: already closed")
	// fsync 失敗：已寫出的事件不保證落盤，file 後端應視為致命錯誤
	ErrSyncFailed = errors.New("wal: sync to disk failed")
)

// ChecksumError 指出哪一筆事件的 checksum 不符
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// CorruptionError 指出損壞紀錄所在的行號（從 1 起算）
type CorruptionError struct {
	Line  int
	Cause error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() []error {
	return []error{ErrCorruptedWAL, e.Cause}
}

// SyncError 是 flush 後 fsync 失敗；LastSeq 是這次 flush 寫出的最後一筆事件
type SyncError struct {
	LastSeq uint64
	Err     error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("wal: sync through seq=%d: %v", e.LastSeq, e.Err)
}

func (e *SyncError) Unwrap() []error {
	return []error{ErrSyncFailed, e.Err}
}
