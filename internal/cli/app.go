package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/jobflow/internal/config"
	"github.com/ChuLiYu/jobflow/internal/executor"
	"github.com/ChuLiYu/jobflow/internal/jobstore"
	"github.com/ChuLiYu/jobflow/internal/jobstore/memory"
	"github.com/ChuLiYu/jobflow/internal/jobstore/postgres"
	redisstore "github.com/ChuLiYu/jobflow/internal/jobstore/redis"
	"github.com/ChuLiYu/jobflow/internal/jobstore/sqlite"
	"github.com/ChuLiYu/jobflow/internal/metrics"
	"github.com/ChuLiYu/jobflow/internal/registry"
	"github.com/ChuLiYu/jobflow/internal/runner"
	"github.com/ChuLiYu/jobflow/internal/tasks"
)

// App holds everything one command needs, built from a Config.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Collector // nil when metrics are disabled
	Registry *registry.Registry
	Store    jobstore.Store // decorated with taskStatus
	Raw      jobstore.Store // the backend itself
	Runner   *runner.Runner

	ping func(ctx context.Context) error
}

// NewApp 依設定建立註冊表、存儲、執行器與 Runner
//
// 錯誤處理：
//   - *registry.ConfigurationError: 任務或工作流定義有誤
//   - 存儲無法開啟或連線
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger}
	if cfg.MetricsEnabled() {
		app.Metrics = metrics.NewCollector()
	}

	reg, err := registry.Load(cfg.Jobs, tasks.Builtins(nil))
	if err != nil {
		return nil, fmt.Errorf("load job definitions: %w", err)
	}
	app.Registry = reg

	raw, ping, err := openStore(ctx, cfg.Store, logger, app.Metrics)
	if err != nil {
		return nil, err
	}
	app.Raw = raw
	app.Store = jobstore.Decorate(raw)
	app.ping = ping

	execOpts := []executor.Option{
		executor.WithLogger(logger),
		executor.WithTaskTimeout(cfg.Runner.TaskTimeout),
	}
	if app.Metrics != nil {
		execOpts = append(execOpts, executor.WithObserver(app.Metrics))
	}
	exec := executor.New(app.Store, reg, execOpts...)

	app.Runner = runner.New(app.Store, reg, exec,
		runner.WithLogger(logger),
		runner.WithMetrics(app.Metrics),
		runner.WithConcurrency(cfg.Runner.Concurrency),
		runner.WithDefaultLimit(cfg.Runner.Limit),
		runner.WithJobTimeout(cfg.Runner.JobTimeout),
	)
	return app, nil
}

// Ping checks the datastore; backends without a connection always succeed.
func (a *App) Ping(ctx context.Context) error {
	if a.ping == nil {
		return nil
	}
	return a.ping(ctx)
}

// Close releases the store.
func (a *App) Close() error {
	if a.Raw == nil {
		return nil
	}
	return a.Raw.Close()
}

// openStore 依 driver 開啟存儲後端
//
// 返回值：
//   - jobstore.Store: 未裝飾的後端
//   - func: 健康檢查（memory / file 為 nil）
func openStore(ctx context.Context, c config.StoreConfig, logger *slog.Logger, m *metrics.Collector) (jobstore.Store, func(context.Context) error, error) {
	switch c.Driver {
	case config.DriverMemory:
		return memory.New(), nil, nil

	case config.DriverFile:
		start := time.Now()
		s, err := memory.Open(c.Dir, memory.Options{SyncOnAppend: c.SyncOnAppend})
		if err != nil {
			return nil, nil, err
		}
		recovery := time.Since(start)
		m.SetRecoveryTime(recovery)
		counts, _ := s.Count(ctx, "")
		logger.Info("File store recovered", "dir", c.Dir, "duration", recovery,
			"pending", counts.Pending, "processing", counts.Processing)
		if recovery > 3*time.Second {
			logger.Warn("Recovery time exceeds 3s", "duration", recovery)
		}
		return s, nil, nil

	case config.DriverSQLite:
		if dir := filepath.Dir(c.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		s, err := sqlite.New(ctx, c.DSN, sqlite.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Ping, nil

	case config.DriverPostgres:
		s, err := postgres.New(ctx, c.DSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, nil, err
		}
		return s, s.Ping, nil

	case config.DriverRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		s := redisstore.New(client, redisstore.WithLogger(logger), redisstore.WithPrefix(c.Redis.Prefix))
		if err := s.Ping(ctx); err != nil {
			return nil, nil, errors.Join(err, s.Close())
		}
		return s, s.Ping, nil
	}
	return nil, nil, fmt.Errorf("%w: store.driver: unknown driver %q", config.ErrInvalidConfig, c.Driver)
}
