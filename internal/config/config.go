// ============================================================================
// jobflow 設定 - Configuration
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 讀取 YAML 設定檔、套用預設值並驗證
//
// 設定區塊:
//   log      - 日誌等級與格式（text / json）
//   store    - 存儲後端：memory | file | sqlite | postgres | redis
//   runner   - 並發數、每次處理上限、單次嘗試截止時間
//   server   - HTTP / gRPC 位址、允許觸發的佇列、觸發速率限制
//   reaper   - 過期佔用回收（processing 卡住的任務）
//   snapshot - file 後端的快照壓縮間隔
//   autorun  - 可選的內建定時觸發
//   metrics  - Prometheus 指標
//   jobs     - 任務與工作流定義（見 registry.Definitions）
//
// 設定檔中的 ${VAR} 會以環境變數展開，方便放置 DSN 等敏感資訊。
//
// ============================================================================

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/jobflow/internal/registry"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config represents the complete system configuration structure
type Config struct {
	Log      LogConfig            `yaml:"log"`
	Store    StoreConfig          `yaml:"store"`
	Runner   RunnerConfig         `yaml:"runner"`
	Server   ServerConfig         `yaml:"server"`
	Reaper   ReaperConfig         `yaml:"reaper"`
	Snapshot SnapshotConfig       `yaml:"snapshot"`
	Autorun  AutorunConfig        `yaml:"autorun"`
	Metrics  MetricsConfig        `yaml:"metrics"`
	Jobs     registry.Definitions `yaml:"jobs"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

type StoreConfig struct {
	Driver       string      `yaml:"driver"`
	Dir          string      `yaml:"dir"`            // file: WAL + snapshot directory
	SyncOnAppend bool        `yaml:"sync_on_append"` // file: fsync every WAL append
	DSN          string      `yaml:"dsn"`            // sqlite path or postgres URL
	Redis        RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type RunnerConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Limit       int           `yaml:"limit"`
	TaskTimeout time.Duration `yaml:"task_timeout"` // deadline of one task attempt
	JobTimeout  time.Duration `yaml:"job_timeout"`  // optional bound on a whole execution
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`      // empty disables the gRPC health service
	AllowedQueues   []string      `yaml:"allowed_queues"` // empty allows every registered queue
	RunRateLimit    float64       `yaml:"run_rate_limit"` // run triggers per second, 0 disables limiting
	RunBurst        int           `yaml:"run_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type ReaperConfig struct {
	Enabled    *bool         `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

type SnapshotConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type AutorunConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Queues   []string      `yaml:"queues"`
	Limit    int           `yaml:"limit"`
}

type MetricsConfig struct {
	Enabled         *bool         `yaml:"enabled"`
	RefreshInterval time.Duration `yaml:"refresh_interval"` // job count gauges
}

// ReaperEnabled defaults to true.
func (c *Config) ReaperEnabled() bool { return c.Reaper.Enabled == nil || *c.Reaper.Enabled }

// MetricsEnabled defaults to true.
func (c *Config) MetricsEnabled() bool { return c.Metrics.Enabled == nil || *c.Metrics.Enabled }

// ============================================================================
// 載入
// ============================================================================

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path, expands ${VAR} references, applies defaults and
// validates. An empty path yields the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	if c.Store.Dir == "" {
		c.Store.Dir = "data"
	}
	if c.Store.Driver == DriverSQLite && c.Store.DSN == "" {
		c.Store.DSN = filepath.Join(c.Store.Dir, "jobflow.db")
	}
	if c.Store.Redis.Prefix == "" {
		c.Store.Redis.Prefix = "jobflow:"
	}

	if c.Runner.Concurrency == 0 {
		c.Runner.Concurrency = 4
	}
	if c.Runner.Limit == 0 {
		c.Runner.Limit = 10
	}
	if c.Runner.TaskTimeout == 0 {
		c.Runner.TaskTimeout = 10 * time.Minute
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.RunBurst == 0 {
		c.Server.RunBurst = 5
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}

	if c.Reaper.Interval == 0 {
		c.Reaper.Interval = 30 * time.Second
	}
	if c.Reaper.StaleAfter == 0 {
		c.Reaper.StaleAfter = 2 * c.Runner.TaskTimeout
		if c.Runner.JobTimeout > c.Runner.TaskTimeout {
			c.Reaper.StaleAfter = 2 * c.Runner.JobTimeout
		}
	}

	if c.Snapshot.Interval == 0 {
		c.Snapshot.Interval = 5 * time.Minute
	}

	if c.Autorun.Interval == 0 {
		c.Autorun.Interval = 10 * time.Second
	}
	if len(c.Autorun.Queues) == 0 {
		c.Autorun.Queues = []string{"default"}
	}

	if c.Metrics.RefreshInterval == 0 {
		c.Metrics.RefreshInterval = 15 * time.Second
	}
}

// Validate checks the configuration after defaults were applied.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	_, levelErr := ParseLevel(c.Log.Level)
	check(levelErr == nil, "log.level: unknown level %q", c.Log.Level)
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format: must be text or json, got %q", c.Log.Format)

	switch c.Store.Driver {
	case DriverMemory, DriverFile, DriverSQLite:
	case DriverPostgres:
		check(c.Store.DSN != "", "store.dsn: required for the postgres driver")
	case DriverRedis:
		check(c.Store.Redis.Addr != "", "store.redis.addr: required for the redis driver")
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}

	check(c.Runner.Concurrency > 0, "runner.concurrency: must be positive")
	check(c.Runner.Limit > 0, "runner.limit: must be positive")
	check(c.Runner.TaskTimeout > 0, "runner.task_timeout: must be positive")
	check(c.Runner.JobTimeout >= 0, "runner.job_timeout: must not be negative")

	check(c.Server.RunRateLimit >= 0, "server.run_rate_limit: must not be negative")
	check(c.Server.RunBurst > 0, "server.run_burst: must be positive")

	if c.ReaperEnabled() {
		check(c.Reaper.Interval > 0, "reaper.interval: must be positive")
		check(c.Reaper.StaleAfter > c.Runner.TaskTimeout,
			"reaper.stale_after (%s) must exceed runner.task_timeout (%s)", c.Reaper.StaleAfter, c.Runner.TaskTimeout)
		if c.Runner.JobTimeout > 0 {
			check(c.Reaper.StaleAfter > c.Runner.JobTimeout,
				"reaper.stale_after (%s) must exceed runner.job_timeout (%s)", c.Reaper.StaleAfter, c.Runner.JobTimeout)
		}
	}
	if c.Autorun.Enabled {
		check(c.Autorun.Interval > 0, "autorun.interval: must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ============================================================================
// 日誌
// ============================================================================

// ParseLevel maps a level name to slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.ToUpper(s)))
	return l, err
}

// NewLogger builds the process logger described by c.
func NewLogger(c LogConfig, w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
