// Package types 定義了 jobflow 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// JobID 任務唯一識別碼
type JobID string

// DefaultQueue is the queue a job lands in when none is given.
const DefaultQueue = "default"

// InlineTaskSlug is the task slug recorded for handlers that are not in the
// task registry.
const InlineTaskSlug = "inline"

// TaskState 單次任務執行的結果狀態
type TaskState string

const (
	TaskSucceeded TaskState = "succeeded" // 成功
	TaskFailed    TaskState = "failed"    // 失敗（需附帶 error）
)

// BackoffType 重試延遲策略
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"       // 每次重試延遲相同
	BackoffExponential BackoffType = "exponential" // 每次重試延遲加倍
)

// Job 任務文件，代表佇列中的一個延遲工作單元
type Job struct {
	// 識別與資料
	ID    JobID          `json:"id"`
	Input map[string]any `json:"input,omitempty"`

	// 執行目標（兩者擇一）
	WorkflowSlug string `json:"workflowSlug,omitempty"`
	TaskSlug     string `json:"taskSlug,omitempty"`
	Queue        string `json:"queue"`

	// 執行紀錄（只追加，不修改）
	Log        []LogEntry `json:"log"`
	TotalTried int        `json:"totalTried"`

	// 終止狀態
	HasError    bool       `json:"hasError"`
	Error       *JobError  `json:"error,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// 排程與佔用
	WaitUntil    *time.Time `json:"waitUntil,omitempty"`
	Processing   bool       `json:"processing"`
	SeenByWorker bool       `json:"seenByWorker"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// TaskStatus is computed from Log on every read and never persisted.
	TaskStatus TaskStatus `json:"taskStatus,omitempty"`
}

// Clone returns a deep enough copy for store implementations: the log slice
// and pointer fields are copied so callers can mutate the result freely.
// Input and output maps are shared; they are treated as immutable payloads.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Log = append([]LogEntry(nil), j.Log...)
	cp.Error = j.Error.clone()
	cp.CompletedAt = cloneTime(j.CompletedAt)
	cp.WaitUntil = cloneTime(j.WaitUntil)
	cp.TaskStatus = nil
	return &cp
}

// Eligible reports whether the job may be claimed at now.
func (j *Job) Eligible(now time.Time) bool {
	if j.Processing || j.HasError || j.CompletedAt != nil {
		return false
	}
	return j.WaitUntil == nil || !j.WaitUntil.After(now)
}

// LogEntry 單次任務嘗試的不可變紀錄
type LogEntry struct {
	ExecutedAt  time.Time      `json:"executedAt"`
	CompletedAt time.Time      `json:"completedAt"`
	TaskSlug    string         `json:"taskSlug"`
	TaskID      string         `json:"taskID"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	State       TaskState      `json:"state"`
	Error       *JobError      `json:"error,omitempty"`
}

// JobError is the error payload stored on failed log entries and on jobs
// that reached a terminal failure.
type JobError struct {
	Message string         `json:"message"`
	Task    string         `json:"task,omitempty"`
	TaskID  string         `json:"taskID,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *JobError) Error() string {
	if e == nil {
		return ""
	}
	if e.Task != "" {
		return fmt.Sprintf("%s[%s]: %s", e.Task, e.TaskID, e.Message)
	}
	return e.Message
}

func (e *JobError) clone() *JobError {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}

// TaskResultView is one entry of the derived status view: the latest log
// entry of a (taskSlug, taskID) pair without the grouping keys.
type TaskResultView struct {
	ExecutedAt  time.Time      `json:"executedAt"`
	CompletedAt time.Time      `json:"completedAt"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	State       TaskState      `json:"state"`
	Error       *JobError      `json:"error,omitempty"`
}

// TaskStatus maps task slug → task id → latest result.
type TaskStatus map[string]map[string]TaskResultView

// Backoff 延遲設定，Delay 單位為毫秒
type Backoff struct {
	Delay int         `json:"delay,omitempty" yaml:"delay,omitempty"`
	Type  BackoffType `json:"type,omitempty" yaml:"type,omitempty"`
}

// RetryPolicy 重試策略
//
// 可接受兩種寫法：
//
//	retries: 3
//	retries: {attempts: 3, backoff: {delay: 1000, type: exponential}}
type RetryPolicy struct {
	Attempts int      `json:"attempts" yaml:"attempts"`
	Backoff  *Backoff `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

// Retries is shorthand for a policy with attempts and no backoff.
func Retries(attempts int) *RetryPolicy {
	return &RetryPolicy{Attempts: attempts}
}

type retryPolicyAlias RetryPolicy

// UnmarshalJSON accepts either a number or an object.
func (p *RetryPolicy) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*p = RetryPolicy{Attempts: n}
		return nil
	}
	var a retryPolicyAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("retries: %w", err)
	}
	*p = RetryPolicy(a)
	return nil
}

// UnmarshalYAML accepts either a scalar number or a mapping.
func (p *RetryPolicy) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var n int
		if err := node.Decode(&n); err != nil {
			return fmt.Errorf("retries: %w", err)
		}
		*p = RetryPolicy{Attempts: n}
		return nil
	}
	var a retryPolicyAlias
	if err := node.Decode(&a); err != nil {
		return fmt.Errorf("retries: %w", err)
	}
	*p = RetryPolicy(a)
	return nil
}

// RunSummary is returned by a run-pending invocation.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	Errored   int `json:"errored"`
	Conflicts int `json:"conflicts"`
}

// Counts 各狀態任務數量
type Counts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Errored    int `json:"errored"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
