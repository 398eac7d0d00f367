package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/jobflow/internal/executor"
	"github.com/ChuLiYu/jobflow/internal/jobstore"
	"github.com/ChuLiYu/jobflow/internal/jobstore/memory"
	"github.com/ChuLiYu/jobflow/internal/metrics"
	"github.com/ChuLiYu/jobflow/internal/registry"
	"github.com/ChuLiYu/jobflow/internal/runner"
	"github.com/ChuLiYu/jobflow/pkg/types"
)

type fixture struct {
	store   jobstore.Store
	runner  *runner.Runner
	server  *Server
	metrics *metrics.Collector
	seenReq chan registry.RequestContext
}

func newFixture(t *testing.T, store jobstore.Store, cfg Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:   jobstore.Decorate(store),
		metrics: metrics.NewCollector(),
		seenReq: make(chan registry.RequestContext, 16),
	}

	reg := registry.New(nil)
	require.NoError(t, reg.AddQueue("emails"))
	require.NoError(t, reg.Tasks.Register(registry.TaskConfig{
		Slug: "greet",
		Handler: registry.Func(func(ctx context.Context, args registry.TaskArgs) (registry.TaskResult, error) {
			f.seenReq <- args.Request
			return registry.TaskResult{Output: map[string]any{"hello": args.Input["name"]}}, nil
		}),
	}))
	require.NoError(t, reg.Tasks.Register(registry.TaskConfig{
		Slug: "flaky",
		Handler: registry.Func(func(ctx context.Context, args registry.TaskArgs) (registry.TaskResult, error) {
			return registry.TaskResult{}, errors.New("upstream down")
		}),
		Retries: &types.RetryPolicy{Attempts: 2, Backoff: &types.Backoff{Delay: 60000}},
	}))

	require.NoError(t, reg.Tasks.Register(registry.TaskConfig{
		Slug: "slow",
		Handler: registry.Func(func(ctx context.Context, args registry.TaskArgs) (registry.TaskResult, error) {
			select {
			case <-time.After(100 * time.Millisecond):
				return registry.TaskResult{}, nil
			case <-ctx.Done():
				return registry.TaskResult{}, ctx.Err()
			}
		}),
	}))

	exec := executor.New(f.store, reg)
	f.runner = runner.New(f.store, reg, exec, runner.WithMetrics(f.metrics))
	opts = append([]Option{WithMetrics(f.metrics)}, opts...)
	f.server = New(f.runner, f.store, reg, cfg, opts...)
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, r)

	var out map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func (f *fixture) enqueue(t *testing.T, req runner.EnqueueRequest) *types.Job {
	job, err := f.runner.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return job
}

func TestRunReturnsSummary(t *testing.T) {
	f := newFixture(t, memory.New(), Config{})
	f.enqueue(t, runner.EnqueueRequest{TaskSlug: "greet"})
	f.enqueue(t, runner.EnqueueRequest{TaskSlug: "flaky"})
	f.enqueue(t, runner.EnqueueRequest{TaskSlug: "greet", Queue: "emails"})

	r := httptest.NewRequest(http.MethodPost, "/jobs/run", nil)
	r.Header.Set("X-Request-ID", "trigger-1")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "trigger-1", w.Header().Get("X-Request-ID"))
	assert.JSONEq(t, `{"ok":true,"summary":{"total":2,"succeeded":1,"retried":1,"errored":0,"conflicts":0}}`, w.Body.String())

	seen := <-f.seenReq
	assert.Equal(t, "trigger-1", seen.ID)
	assert.Equal(t, "http", seen.Source)

	w, body := f.do(t, http.MethodPost, "/jobs/run?queue=emails&limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["ok"])
	assert.EqualValues(t, 1, body["summary"].(map[string]any)["total"])
}

func TestRunGeneratesRequestID(t *testing.T) {
	f := newFixture(t, memory.New(), Config{})
	f.enqueue(t, runner.EnqueueRequest{TaskSlug: "greet"})

	w, _ := f.do(t, http.MethodPost, "/jobs/run", "")
	require.Equal(t, http.StatusOK, w.Code)
	seen := <-f.seenReq
	assert.NotEmpty(t, seen.ID)
	assert.Equal(t, w.Header().Get("X-Request-ID"), seen.ID)
}

func TestRunRejectsQueues(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		target string
		want   int
	}{
		{"unregistered queue", Config{}, "/jobs/run?queue=sms", http.StatusForbidden},
		{"registered queue", Config{}, "/jobs/run?queue=emails", http.StatusOK},
		{"outside allow list", Config{AllowedQueues: []string{"default"}}, "/jobs/run?queue=emails", http.StatusForbidden},
		{"inside allow list", Config{AllowedQueues: []string{"default"}}, "/jobs/run", http.StatusOK},
		{"bad limit", Config{}, "/jobs/run?limit=ten", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, memory.New(), tt.cfg)
			w, body := f.do(t, http.MethodPost, tt.target, "")
			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, tt.want == http.StatusOK, body["ok"])
		})
	}
}

func TestRunRateLimited(t *testing.T) {
	f := newFixture(t, memory.New(), Config{RunRateLimit: 0.001, RunBurst: 2})

	for i := 0; i < 2; i++ {
		w, _ := f.do(t, http.MethodPost, "/jobs/run", "")
		require.Equal(t, http.StatusOK, w.Code)
	}
	w, _ := f.do(t, http.MethodPost, "/jobs/run", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Buckets are per queue.
	w, _ = f.do(t, http.MethodPost, "/jobs/run?queue=emails", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

type brokenStore struct {
	jobstore.Store
}

func (brokenStore) Candidates(ctx context.Context, queue string, now time.Time, limit int) ([]types.JobID, error) {
	return nil, errors.New("connection refused")
}

func TestRunDatastoreFailure(t *testing.T) {
	f := newFixture(t, brokenStore{memory.New()}, Config{})
	w, _ := f.do(t, http.MethodPost, "/jobs/run", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"ok":false}`, w.Body.String())
}

func TestRunSurvivesClientDisconnect(t *testing.T) {
	f := newFixture(t, memory.New(), Config{})
	job := f.enqueue(t, runner.EnqueueRequest{TaskSlug: "slow"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r := httptest.NewRequest(http.MethodPost, "/jobs/run", nil).WithContext(ctx)
	f.server.Handler().ServeHTTP(httptest.NewRecorder(), r)

	got, err := f.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.CompletedAt, "the claimed job finishes after the client left")
	assert.False(t, got.HasError)
	assert.False(t, got.Processing)
	require.Len(t, got.Log, 1)
	assert.Equal(t, types.TaskSucceeded, got.Log[0].State)
}

func TestEnqueue(t *testing.T) {
	f := newFixture(t, memory.New(), Config{})

	w, body := f.do(t, http.MethodPost, "/jobs", `{"id":"j1","taskSlug":"greet","input":{"name":"ada"}}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "j1", body["id"])
	assert.Equal(t, types.DefaultQueue, body["queue"])

	tests := []struct {
		name string
		body string
		want int
	}{
		{"duplicate", `{"id":"j1","taskSlug":"greet"}`, http.StatusConflict},
		{"unknown task", `{"taskSlug":"nope"}`, http.StatusBadRequest},
		{"unknown queue", `{"taskSlug":"greet","queue":"sms"}`, http.StatusBadRequest},
		{"no slug", `{}`, http.StatusBadRequest},
		{"unknown field", `{"taskSlug":"greet","priority":9}`, http.StatusBadRequest},
		{"not json", `hello`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := f.do(t, http.MethodPost, "/jobs", tt.body)
			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, false, body["ok"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestGetJobIncludesTaskStatus(t *testing.T) {
	f := newFixture(t, memory.New(), Config{})
	f.enqueue(t, runner.EnqueueRequest{ID: "j1", TaskSlug: "greet", Input: map[string]any{"name": "ada"}})
	w, _ := f.do(t, http.MethodPost, "/jobs/run", "")
	require.Equal(t, http.StatusOK, w.Code)

	w, body := f.do(t, http.MethodGet, "/jobs/j1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, body["completedAt"])
	assert.EqualValues(t, 1, body["totalTried"])

	status := body["taskStatus"].(map[string]any)["greet"].(map[string]any)["greet"].(map[string]any)
	assert.Equal(t, string(types.TaskSucceeded), status["state"])
	assert.Equal(t, map[string]any{"hello": "ada"}, status["output"])

	w, body = f.do(t, http.MethodGet, "/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, false, body["ok"])
}

func TestListJobs(t *testing.T) {
	f := newFixture(t, memory.New(), Config{})
	for i := 0; i < 3; i++ {
		f.enqueue(t, runner.EnqueueRequest{TaskSlug: "greet"})
	}
	f.enqueue(t, runner.EnqueueRequest{TaskSlug: "greet", Queue: "emails"})

	_, body := f.do(t, http.MethodGet, "/jobs", "")
	assert.Len(t, body["jobs"], 4)

	_, body = f.do(t, http.MethodGet, "/jobs?queue=emails", "")
	assert.Len(t, body["jobs"], 1)

	_, body = f.do(t, http.MethodGet, "/jobs?limit=2&offset=1", "")
	assert.Len(t, body["jobs"], 2)

	_, body = f.do(t, http.MethodGet, "/jobs?queue=sms", "")
	assert.Equal(t, []any{}, body["jobs"])

	w, _ := f.do(t, http.MethodGet, "/jobs?offset=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStats(t *testing.T) {
	f := newFixture(t, memory.New(), Config{})
	f.enqueue(t, runner.EnqueueRequest{TaskSlug: "greet"})
	f.enqueue(t, runner.EnqueueRequest{TaskSlug: "greet"})

	_, body := f.do(t, http.MethodGet, "/stats", "")
	assert.Equal(t, []any{"default", "emails"}, body["queues"])
	assert.EqualValues(t, 2, body["counts"].(map[string]any)["pending"])
}

func TestHealthz(t *testing.T) {
	healthy := true
	f := newFixture(t, memory.New(), Config{}, WithHealthCheck(func(ctx context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("db unreachable")
	}))

	w, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["ok"])

	healthy = false
	w, body = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "db unreachable", body["error"])

	resp, err := f.server.Health().Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, memory.New(), Config{})
	f.enqueue(t, runner.EnqueueRequest{TaskSlug: "greet"})

	w, _ := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `jobflow_jobs_enqueued_total{queue="default"} 1`)
}

func TestServeHTTPAndGRPC(t *testing.T) {
	f := newFixture(t, memory.New(), Config{ShutdownTimeout: time.Second})

	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Serve(ctx, httpLn, grpcLn) }()

	resp, err := http.Get("http://" + httpLn.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn, err := grpc.NewClient(grpcLn.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer checkCancel()
	check, err := client.Check(checkCtx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check.Status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	_, err = http.Get("http://" + httpLn.Addr().String() + "/healthz")
	assert.Error(t, err)
}
