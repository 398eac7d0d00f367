// ============================================================================
// jobflow Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露佇列運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - jobflow_jobs_enqueued_total{queue}: 入隊任務總數
//      - jobflow_jobs_claimed_total{queue}: 成功佔用的任務數
//      - jobflow_claim_conflicts_total{queue}: 佔用衝突（被其他 runner 搶先）
//      - jobflow_jobs_finished_total{queue,status}: 每次執行的結果（succeeded/retry/errored）
//      - jobflow_task_attempts_total{task,state}: 單個任務嘗試次數
//      - jobflow_stale_claims_released_total: 回收器釋放的過期佔用
//
//   2. 性能指標 (Histogram)：
//      - jobflow_task_duration_seconds{task}: 單次任務嘗試耗時
//
//   3. 狀態指標 (Gauge)：
//      - jobflow_jobs{state}: 各狀態任務數（pending/processing/completed/errored）
//      - jobflow_recovery_time_seconds: 啟動時從 WAL/快照恢復的耗時
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成任務數
//   rate(jobflow_jobs_finished_total{status="succeeded"}[1m])
//
//   # 95 分位任務耗時
//   histogram_quantile(0.95, sum by (le) (rate(jobflow_task_duration_seconds_bucket[5m])))
//
//   # 佔用衝突率（多個 runner 同時觸發時上升）
//   rate(jobflow_claim_conflicts_total[5m]) / rate(jobflow_jobs_claimed_total[5m])
//
// 每個 Collector 持有自己的 Registry，避免測試之間重複註冊。
// 所有方法對 nil Collector 安全，未啟用 metrics 時可直接傳 nil。
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/jobflow/pkg/types"
)

const namespace = "jobflow"

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	// 任務相關指標
	jobsEnqueued   *prometheus.CounterVec
	jobsClaimed    *prometheus.CounterVec
	claimConflicts *prometheus.CounterVec
	jobsFinished   *prometheus.CounterVec
	taskAttempts   *prometheus.CounterVec
	staleReleased  prometheus.Counter

	// 效能指標
	taskDuration *prometheus.HistogramVec
	recoveryTime prometheus.Gauge

	// 狀態指標
	jobs *prometheus.GaugeVec
}

// NewCollector 創建新的指標收集器，並註冊 Go runtime 與 process 指標
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs enqueued",
		}, []string{"queue"}),
		jobsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Total number of jobs claimed by a runner",
		}, []string{"queue"}),
		claimConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_conflicts_total",
			Help:      "Total number of claims lost to another runner",
		}, []string{"queue"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of job executions by resulting status",
		}, []string{"queue", "status"}),
		taskAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_attempts_total",
			Help:      "Total number of task attempts by resulting state",
		}, []string{"task", "state"}),
		staleReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_claims_released_total",
			Help:      "Total number of stale claims released by the reaper",
		}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of a single task attempt in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to restore the job store at startup in seconds",
		}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Current number of jobs by state",
		}, []string{"state"}),
	}

	// 註冊所有指標
	c.registry.MustRegister(
		c.jobsEnqueued,
		c.jobsClaimed,
		c.claimConflicts,
		c.jobsFinished,
		c.taskAttempts,
		c.staleReleased,
		c.taskDuration,
		c.recoveryTime,
		c.jobs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry the collector's metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordEnqueue 記錄任務加入佇列
func (c *Collector) RecordEnqueue(queue string) {
	if c == nil {
		return
	}
	c.jobsEnqueued.WithLabelValues(queue).Inc()
}

// RecordClaim 記錄任務被佔用
func (c *Collector) RecordClaim(queue string) {
	if c == nil {
		return
	}
	c.jobsClaimed.WithLabelValues(queue).Inc()
}

// RecordConflict 記錄佔用衝突
func (c *Collector) RecordConflict(queue string) {
	if c == nil {
		return
	}
	c.claimConflicts.WithLabelValues(queue).Inc()
}

// RecordFinished 記錄一次執行的結果
func (c *Collector) RecordFinished(queue, status string) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(queue, status).Inc()
}

// ObserveAttempt 記錄單次任務嘗試
func (c *Collector) ObserveAttempt(task string, state types.TaskState, d time.Duration) {
	if c == nil {
		return
	}
	c.taskAttempts.WithLabelValues(task, string(state)).Inc()
	c.taskDuration.WithLabelValues(task).Observe(d.Seconds())
}

// RecordStaleReleased 記錄回收器釋放的佔用數
func (c *Collector) RecordStaleReleased(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.staleReleased.Add(float64(n))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// UpdateJobCounts 更新各狀態任務數
func (c *Collector) UpdateJobCounts(counts types.Counts) {
	if c == nil {
		return
	}
	c.jobs.WithLabelValues("pending").Set(float64(counts.Pending))
	c.jobs.WithLabelValues("processing").Set(float64(counts.Processing))
	c.jobs.WithLabelValues("completed").Set(float64(counts.Completed))
	c.jobs.WithLabelValues("errored").Set(float64(counts.Errored))
}
