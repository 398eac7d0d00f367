// ============================================================================
// jobflow HTTP / gRPC 服務
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 對外暴露觸發、入隊、查詢與健康檢查接口
//
// 路由:
//   POST /jobs/run?queue=&limit=  觸發一次 RunPending
//   POST /jobs                    入隊
//   GET  /jobs?queue=&limit=&offset=
//   GET  /jobs/{id}               任務文件（含 taskStatus）
//   GET  /stats                   佇列與各狀態數量
//   GET  /healthz
//   GET  /metrics                 Prometheus
//
// gRPC:
//   grpc.health.v1 健康檢查服務，位址為 server.grpc_addr（空字串則不啟動）
//
// 觸發限制:
//   - 佇列必須在 allowed_queues 中（空清單表示所有已註冊佇列）
//   - 每個佇列一個 token bucket，超出返回 429
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/jobflow/internal/jobstore"
	"github.com/ChuLiYu/jobflow/internal/metrics"
	"github.com/ChuLiYu/jobflow/internal/registry"
	"github.com/ChuLiYu/jobflow/internal/runner"
	"github.com/ChuLiYu/jobflow/pkg/types"
)

// ServiceName is the gRPC health service name reported next to "".
const ServiceName = "jobflow"

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 1 << 20
)

// Config holds the listener and trigger settings.
type Config struct {
	Addr            string
	GRPCAddr        string
	AllowedQueues   []string
	RunRateLimit    float64 // run triggers per second per queue, 0 disables limiting
	RunBurst        int
	ShutdownTimeout time.Duration
}

// Server serves the HTTP API and the gRPC health service.
type Server struct {
	runner  *runner.Runner
	store   jobstore.Store
	reg     *registry.Registry
	metrics *metrics.Collector
	logger  *slog.Logger
	cfg     Config
	ping    func(ctx context.Context) error

	allowed map[string]bool

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	health  *health.Server
	handler http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics exposes c on /metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithHealthCheck sets the datastore check used by /healthz and the gRPC
// health service.
func WithHealthCheck(fn func(ctx context.Context) error) Option {
	return func(s *Server) { s.ping = fn }
}

// New creates a server. store should be decorated so documents carry
// taskStatus.
func New(r *runner.Runner, store jobstore.Store, reg *registry.Registry, cfg Config, opts ...Option) *Server {
	s := &Server{
		runner:   r,
		store:    store,
		reg:      reg,
		logger:   slog.Default(),
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		health:   health.NewServer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.RunBurst <= 0 {
		s.cfg.RunBurst = 1
	}
	if len(cfg.AllowedQueues) > 0 {
		s.allowed = make(map[string]bool, len(cfg.AllowedQueues))
		for _, q := range cfg.AllowedQueues {
			s.allowed[q] = true
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs/run", s.handleRun)
	mux.HandleFunc("POST /jobs", s.handleEnqueue)
	mux.HandleFunc("GET /jobs", s.handleList)
	mux.HandleFunc("GET /jobs/{id}", s.handleGet)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	s.handler = s.withRequestID(mux)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Health returns the gRPC health server.
func (s *Server) Health() *health.Server { return s.health }

// ============================================================================
// 生命週期
// ============================================================================

// Run 啟動 HTTP 與 gRPC 監聽，直到 ctx 取消後優雅關閉
//
// 參數說明：
//   - ctx: 取消即開始關閉流程
//
// 返回值：
//   - error: 監聽失敗；正常關閉返回 nil
//
// 關閉流程：
//  1. 健康狀態設為 NOT_SERVING
//  2. http.Server.Shutdown 等待進行中的請求（最多 ShutdownTimeout）
//  3. grpc.Server.GracefulStop
func (s *Server) Run(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}
	var grpcLn net.Listener
	if s.cfg.GRPCAddr != "" {
		if grpcLn, err = net.Listen("tcp", s.cfg.GRPCAddr); err != nil {
			httpLn.Close()
			return fmt.Errorf("server: listen %s: %w", s.cfg.GRPCAddr, err)
		}
	}
	return s.Serve(ctx, httpLn, grpcLn)
}

// Serve is Run over existing listeners. grpcLn may be nil.
func (s *Server) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, s.health)
	s.setServing(healthpb.HealthCheckResponse_SERVING)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("http server listening", "addr", httpLn.Addr().String())
		if err := httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: http: %w", err)
		}
		return nil
	})
	if grpcLn != nil {
		g.Go(func() error {
			s.logger.Info("grpc health service listening", "addr", grpcLn.Addr().String())
			if err := grpcSrv.Serve(grpcLn); err != nil {
				return fmt.Errorf("server: grpc: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.setServing(healthpb.HealthCheckResponse_NOT_SERVING)

		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		grpcSrv.GracefulStop()
		s.logger.Info("server stopped")
		return err
	})
	return g.Wait()
}

func (s *Server) setServing(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// ============================================================================
// 處理器
// ============================================================================

type runResponse struct {
	OK      bool              `json:"ok"`
	Summary *types.RunSummary `json:"summary,omitempty"`
	Error   string            `json:"error,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	queue := r.URL.Query().Get("queue")
	if queue == "" {
		queue = types.DefaultQueue
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, runResponse{Error: err.Error()})
		return
	}
	if !s.queueAllowed(queue) {
		writeJSON(w, http.StatusForbidden, runResponse{Error: fmt.Sprintf("queue %q is not allowed", queue)})
		return
	}
	if !s.limiter(queue).Allow() {
		writeJSON(w, http.StatusTooManyRequests, runResponse{Error: "run rate limit exceeded"})
		return
	}

	summary, err := s.runner.RunPending(r.Context(), runner.RunOptions{
		Queue:   queue,
		Limit:   limit,
		Request: requestContext(r),
	})
	if err != nil {
		s.logger.Error("run pending failed", "queue", queue, "error", err)
		writeJSON(w, http.StatusInternalServerError, runResponse{})
		return
	}
	writeJSON(w, http.StatusOK, runResponse{OK: true, Summary: &summary})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req runner.EnqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	job, err := s.runner.Enqueue(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, jobstore.WithTaskStatus(job))
	case errors.Is(err, runner.ErrInvalidJob), errors.Is(err, runner.ErrUnknownQueue):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, jobstore.ErrJobAlreadyExists):
		writeError(w, http.StatusConflict, err)
	default:
		s.logger.Error("enqueue failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit = min(limit, maxListLimit)

	jobs, err := s.store.List(r.Context(), jobstore.ListOptions{
		Queue:  r.URL.Query().Get("queue"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.logger.Error("list jobs failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if jobs == nil {
		jobs = []*types.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Get(r.Context(), types.JobID(r.PathValue("id")))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, job)
	case errors.Is(err, jobstore.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		s.logger.Error("get job failed", "jobID", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Count(r.Context(), r.URL.Query().Get("queue"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queues": s.reg.Queues(),
		"counts": counts,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ── helpers ──────────────────────────────────────────────

func (s *Server) queueAllowed(queue string) bool {
	if s.allowed != nil {
		return s.allowed[queue]
	}
	return s.reg.HasQueue(queue)
}

// limiter returns the token bucket of queue; rate.Inf when limiting is off.
func (s *Server) limiter(queue string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[queue]
	if !ok {
		limit := rate.Inf
		if s.cfg.RunRateLimit > 0 {
			limit = rate.Limit(s.cfg.RunRateLimit)
		}
		l = rate.NewLimiter(limit, s.cfg.RunBurst)
		s.limiters[queue] = l
	}
	return l
}

type requestIDKey struct{}

// withRequestID propagates X-Request-ID, generating one when absent.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "requestID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestContext(r *http.Request) registry.RequestContext {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return registry.RequestContext{
		ID:     id,
		Source: "http",
		Values: map[string]string{"remoteAddr": r.RemoteAddr},
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: must be a non-negative integer", name)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}
