// ============================================================================
// jobflow 控制器 - 背景維護循環
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 在 serve 進程中運行的背景循環，負責存儲維護與可選的自動觸發
//
// 核心循環 (最多 4 個並發 Goroutine，依設定啟用):
//   1. Reaper Loop   - 釋放 updatedAt 超過 stale_after 的 processing 佔用
//                      （worker 崩潰後任務才能再次被 Claim）
//   2. Snapshot Loop - file 後端：寫快照並輪轉 WAL，縮短恢復時間
//   3. Autorun Loop  - 可選：定期對指定佇列呼叫 RunPending
//   4. Gauge Loop    - 定期以 Count() 更新 Prometheus 任務數量 gauge
//
// 與 Runner 的關係:
//   Runner 本身不排程。Controller 只是另一個「觸發者」，與 HTTP / CLI
//   觸發同時存在時仍由 Claim 的原子性保證每個任務只被執行一次。
//
// 並發安全:
//   - stopCh channel 通知所有循環退出
//   - sync.WaitGroup 確保所有 goroutine 正確退出
//   - 循環中的存儲呼叫使用 Start 時建立的 ctx，Stop 時取消
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/jobflow/internal/jobstore"
	"github.com/ChuLiYu/jobflow/internal/metrics"
	"github.com/ChuLiYu/jobflow/internal/registry"
	"github.com/ChuLiYu/jobflow/internal/runner"
	"github.com/ChuLiYu/jobflow/pkg/types"
)

var (
	ErrAlreadyStarted = errors.New("controller already started")
	ErrStopped        = errors.New("controller stopped")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置；間隔為 0 的循環不啟動
type Config struct {
	ReaperInterval   time.Duration // 回收掃描間隔
	StaleAfter       time.Duration // 佔用超過此時間視為 worker 已崩潰
	SnapshotInterval time.Duration // 快照間隔（僅對 Compactor 後端有效）
	AutorunInterval  time.Duration // 自動觸發間隔
	AutorunQueues    []string      // 自動觸發的佇列
	AutorunLimit     int           // 每次觸發的上限，0 使用 runner 預設
	GaugeInterval    time.Duration // 指標刷新間隔
}

// Controller 背景循環協調器
type Controller struct {
	store   jobstore.Store
	runner  *runner.Runner
	metrics *metrics.Collector
	logger  *slog.Logger
	config  Config
	now     func() time.Time

	mu        sync.Mutex
	started   bool
	stopped   bool
	stopCh    chan struct{}
	cancel    context.CancelFunc
	startTime time.Time
	loopWg    sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithRunner enables the autorun loop.
func WithRunner(r *runner.Runner) Option {
	return func(c *Controller) { c.runner = r }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController 建立新的 Controller 實例
//
// 參數：
//   - store: 任務存儲
//   - config: 各循環的間隔設定
//   - opts: Logger / Metrics / Runner / Clock
func NewController(store jobstore.Store, config Config, opts ...Option) *Controller {
	c := &Controller{
		store:  store,
		logger: slog.Default(),
		config: config,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 啟動已設定的循環
//
// 返回值：
//   - error: 重複啟動或已停止
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	c.startTime = c.now()

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	loops := 0
	if c.config.ReaperInterval > 0 && c.config.StaleAfter > 0 {
		c.loop(ctx, "reaper", c.config.ReaperInterval, c.reap)
		loops++
	}
	if _, ok := c.store.(jobstore.Compactor); ok && c.config.SnapshotInterval > 0 {
		c.loop(ctx, "snapshot", c.config.SnapshotInterval, c.compact)
		loops++
	}
	if c.runner != nil && c.config.AutorunInterval > 0 {
		c.loop(ctx, "autorun", c.config.AutorunInterval, c.autorun)
		loops++
	}
	if c.metrics != nil && c.config.GaugeInterval > 0 {
		c.refreshGauges(ctx)
		c.loop(ctx, "gauge", c.config.GaugeInterval, c.refreshGauges)
		loops++
	}

	c.logger.Info("Controller started", "loops", loops)
	return nil
}

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. close(stopCh) → 通知所有循環停止
//  2. cancel()      → 中斷進行中的存儲呼叫與 autorun
//  3. loopWg.Wait() → 等待所有循環退出
//  4. 最後一次快照（Compactor 後端），縮短下次啟動的重放時間
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	close(c.stopCh)
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.loopWg.Wait()

	if started && c.config.SnapshotInterval > 0 {
		if comp, ok := c.store.(jobstore.Compactor); ok {
			if err := comp.Compact(context.Background()); err != nil {
				c.logger.Error("Final snapshot failed", "error", err)
			}
		}
	}
	c.logger.Info("Controller stopped")
}

// loop runs fn every interval until Stop.
func (c *Controller) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	c.loopWg.Add(1)
	go func() {
		defer c.loopWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stopCh:
				c.logger.Debug("Loop stopped", "loop", name)
				return
			case <-ticker.C:
				// ticker 與 stop 同時就緒時優先退出
				select {
				case <-c.stopCh:
					c.logger.Debug("Loop stopped", "loop", name)
					return
				default:
				}
				fn(ctx)
			}
		}
	}()
}

// ============================================================================
// 單次動作（循環與測試共用）
// ============================================================================

// ReapOnce releases claims older than StaleAfter and reports how many.
func (c *Controller) ReapOnce(ctx context.Context) (int, error) {
	if c.config.StaleAfter <= 0 {
		return 0, nil
	}
	n, err := c.store.ReleaseStale(ctx, c.now().Add(-c.config.StaleAfter))
	if err != nil {
		return 0, fmt.Errorf("controller: release stale claims: %w", err)
	}
	c.metrics.RecordStaleReleased(n)
	if n > 0 {
		c.logger.Warn("Released stale claims", "count", n, "staleAfter", c.config.StaleAfter)
	}
	return n, nil
}

// CompactOnce folds the journal into a snapshot when the store keeps one.
func (c *Controller) CompactOnce(ctx context.Context) error {
	comp, ok := c.store.(jobstore.Compactor)
	if !ok {
		return nil
	}
	start := c.now()
	if err := comp.Compact(ctx); err != nil {
		return fmt.Errorf("controller: compact: %w", err)
	}
	c.logger.Info("Snapshot taken", "duration", c.now().Sub(start))
	return nil
}

// AutorunOnce triggers RunPending for every configured queue.
func (c *Controller) AutorunOnce(ctx context.Context) (types.RunSummary, error) {
	var total types.RunSummary
	if c.runner == nil {
		return total, nil
	}
	queues := c.config.AutorunQueues
	if len(queues) == 0 {
		queues = []string{types.DefaultQueue}
	}

	var errs []error
	for _, queue := range queues {
		summary, err := c.runner.RunPending(ctx, runner.RunOptions{
			Queue: queue,
			Limit: c.config.AutorunLimit,
			Request: registry.RequestContext{
				Source: "autorun",
				Values: map[string]string{"queue": queue},
			},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", queue, err))
		}
		total.Total += summary.Total
		total.Succeeded += summary.Succeeded
		total.Retried += summary.Retried
		total.Errored += summary.Errored
		total.Conflicts += summary.Conflicts
	}
	return total, errors.Join(errs...)
}

// GetStatus 取得系統狀態
func (c *Controller) GetStatus(ctx context.Context) (map[string]any, error) {
	counts, err := c.store.Count(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("controller: count: %w", err)
	}
	c.mu.Lock()
	uptime := time.Duration(0)
	if c.started {
		uptime = c.now().Sub(c.startTime)
	}
	c.mu.Unlock()

	return map[string]any{
		"uptime":     uptime.String(),
		"pending":    counts.Pending,
		"processing": counts.Processing,
		"completed":  counts.Completed,
		"errored":    counts.Errored,
	}, nil
}

// ── loop bodies ──────────────────────────────────────────

func (c *Controller) reap(ctx context.Context) {
	if _, err := c.ReapOnce(ctx); err != nil && ctx.Err() == nil {
		c.logger.Error("Reaper failed", "error", err)
	}
}

func (c *Controller) compact(ctx context.Context) {
	if err := c.CompactOnce(ctx); err != nil && ctx.Err() == nil {
		c.logger.Error("Failed to take snapshot", "error", err)
	}
}

func (c *Controller) autorun(ctx context.Context) {
	summary, err := c.AutorunOnce(ctx)
	if err != nil && ctx.Err() == nil {
		c.logger.Error("Autorun failed", "error", err)
	}
	if summary.Total > 0 {
		c.logger.Debug("Autorun finished", "total", summary.Total, "errored", summary.Errored)
	}
}

func (c *Controller) refreshGauges(ctx context.Context) {
	counts, err := c.store.Count(ctx, "")
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error("Failed to refresh job gauges", "error", err)
		}
		return
	}
	c.metrics.UpdateJobCounts(counts)
}
