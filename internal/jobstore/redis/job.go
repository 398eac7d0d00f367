package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/jobflow/internal/jobstore"
	"github.com/ChuLiYu/jobflow/pkg/types"
)

// ── scripts ──

// createScript refuses to overwrite an existing job.
// KEYS: job, all, open. ARGV: id, score, open flag, field/value pairs...
var createScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
local fields = {}
for i = 4, #ARGV do fields[#fields + 1] = ARGV[i] end
redis.call('HSET', KEYS[1], unpack(fields))
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
if ARGV[3] == '1' then redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1]) end
return 1
`)

// claimScript is the compare-and-set on the processing flag.
// KEYS: job. ARGV: now (ms), updated_at (ms). Returns -1 missing, 0 conflict, 1 claimed.
var claimScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local f = redis.call('HMGET', KEYS[1], 'processing', 'has_error', 'completed_at', 'wait_until')
if f[1] == '1' or f[2] == '1' then return 0 end
if f[3] and f[3] ~= '' then return 0 end
if f[4] and f[4] ~= '' and tonumber(f[4]) > tonumber(ARGV[1]) then return 0 end
redis.call('HSET', KEYS[1], 'processing', '1', 'seen_by_worker', '1', 'updated_at', ARGV[2])
return 1
`)

// appendScript pushes a log entry and bumps total_tried together.
// KEYS: job, log. ARGV: entry JSON, updated_at (ms).
var appendScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('HINCRBY', KEYS[1], 'total_tried', 1)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return 1
`)

// releaseScript clears processing and drops finished jobs from the open set.
// KEYS: job, open. ARGV: id, wait_until, completed_at, has_error, error, updated_at, hold.
var releaseScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'processing', ARGV[7], 'wait_until', ARGV[2], 'updated_at', ARGV[6])
if ARGV[3] ~= '' then redis.call('HSET', KEYS[1], 'completed_at', ARGV[3]) end
if ARGV[4] == '1' then redis.call('HSET', KEYS[1], 'has_error', '1', 'error', ARGV[5]) end
local f = redis.call('HMGET', KEYS[1], 'completed_at', 'has_error')
if (f[1] and f[1] ~= '') or f[2] == '1' then redis.call('ZREM', KEYS[2], ARGV[1]) end
return 1
`)

// reapScript releases a claim only if it is still stale.
// KEYS: job. ARGV: older_than (ms), updated_at (ms).
var reapScript = goredis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'processing', 'updated_at')
if f[1] ~= '1' then return 0 end
if tonumber(f[2]) >= tonumber(ARGV[1]) then return 0 end
redis.call('HSET', KEYS[1], 'processing', '0', 'updated_at', ARGV[2])
return 1
`)

// ── jobstore.Store ──

// Create stores the job Hash and indexes it.
func (s *Store) Create(ctx context.Context, j *types.Job) error {
	id := string(j.ID)
	fields, err := jobToFields(j)
	if err != nil {
		return err
	}

	open := "1"
	if j.HasError || j.CompletedAt != nil {
		open = "0"
	}
	args := []any{id, j.CreatedAt.UnixMilli(), open}
	args = append(args, fields...)

	ok, err := createScript.Run(ctx, s.client, []string{s.jobKey(id), s.allKey(), s.openKey()}, args...).Int()
	if err != nil {
		return fmt.Errorf("jobstore/redis: create job: %w", err)
	}
	if ok == 0 {
		return jobstore.ErrJobAlreadyExists
	}

	if len(j.Log) > 0 {
		entries := make([]any, 0, len(j.Log))
		for _, e := range j.Log {
			raw, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("jobstore/redis: encode log entry: %w", err)
			}
			entries = append(entries, string(raw))
		}
		if err := s.client.RPush(ctx, s.logKey(id), entries...).Err(); err != nil {
			return fmt.Errorf("jobstore/redis: create job log: %w", err)
		}
	}
	return nil
}

// Get retrieves a job with its log.
func (s *Store) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	jobs, err := s.getMany(ctx, []string{string(id)})
	if err != nil {
		return nil, err
	}
	if jobs[0] == nil {
		return nil, jobstore.ErrJobNotFound
	}
	return jobs[0], nil
}

// List returns jobs ordered by creation time.
func (s *Store) List(ctx context.Context, opts jobstore.ListOptions) ([]*types.Job, error) {
	ids, err := s.client.ZRange(ctx, s.allKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("jobstore/redis: list jobs: %w", err)
	}
	if opts.Queue != "" {
		states, err := s.states(ctx, ids)
		if err != nil {
			return nil, err
		}
		filtered := ids[:0]
		for i, id := range ids {
			if states[i].queue == opts.Queue {
				filtered = append(filtered, id)
			}
		}
		ids = filtered
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(ids) {
			return []*types.Job{}, nil
		}
		ids = ids[opts.Offset:]
	}
	if opts.Limit > 0 && len(ids) > opts.Limit {
		ids = ids[:opts.Limit]
	}

	jobs, err := s.getMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Job, 0, len(jobs))
	for _, j := range jobs {
		if j != nil {
			out = append(out, j)
		}
	}
	return out, nil
}

// Candidates returns ids of claimable jobs, oldest first.
func (s *Store) Candidates(ctx context.Context, queue string, now time.Time, limit int) ([]types.JobID, error) {
	ids, err := s.client.ZRange(ctx, s.openKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("jobstore/redis: candidates: %w", err)
	}
	states, err := s.states(ctx, ids)
	if err != nil {
		return nil, err
	}

	var out []types.JobID
	for i, id := range ids {
		st := states[i]
		if !st.exists || (queue != "" && st.queue != queue) || !st.eligible(now) {
			continue
		}
		out = append(out, types.JobID(id))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Claim runs the compare-and-set script and returns the claimed job.
func (s *Store) Claim(ctx context.Context, id types.JobID, now time.Time) (*types.Job, error) {
	res, err := claimScript.Run(ctx, s.client, []string{s.jobKey(string(id))},
		now.UnixMilli(), time.Now().UnixMilli()).Int()
	if err != nil {
		return nil, fmt.Errorf("jobstore/redis: claim job: %w", err)
	}
	switch res {
	case -1:
		return nil, jobstore.ErrJobNotFound
	case 0:
		return nil, jobstore.ErrClaimConflict
	}
	return s.Get(ctx, id)
}

// AppendLog pushes entry onto the job's log list.
func (s *Store) AppendLog(ctx context.Context, id types.JobID, entry types.LogEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("jobstore/redis: encode log entry: %w", err)
	}
	ok, err := appendScript.Run(ctx, s.client, []string{s.jobKey(string(id)), s.logKey(string(id))},
		string(raw), time.Now().UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("jobstore/redis: append log: %w", err)
	}
	if ok == 0 {
		return jobstore.ErrJobNotFound
	}
	return nil
}

// Release clears processing and records the outcome.
func (s *Store) Release(ctx context.Context, id types.JobID, r jobstore.Release) error {
	hasError, jobErr := "0", ""
	if r.HasError {
		hasError = "1"
		if r.Error != nil {
			raw, err := json.Marshal(r.Error)
			if err != nil {
				return fmt.Errorf("jobstore/redis: encode error: %w", err)
			}
			jobErr = string(raw)
		}
	}
	hold := "0"
	if r.Hold {
		hold = "1"
	}
	ok, err := releaseScript.Run(ctx, s.client, []string{s.jobKey(string(id)), s.openKey()},
		string(id), formatMillis(r.WaitUntil), formatMillis(r.CompletedAt), hasError, jobErr,
		time.Now().UnixMilli(), hold).Int()
	if err != nil {
		return fmt.Errorf("jobstore/redis: release job: %w", err)
	}
	if ok == 0 {
		return jobstore.ErrJobNotFound
	}
	return nil
}

// ReleaseStale clears processing on claims not touched since olderThan.
func (s *Store) ReleaseStale(ctx context.Context, olderThan time.Time) (int, error) {
	ids, err := s.client.ZRange(ctx, s.openKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("jobstore/redis: release stale: %w", err)
	}
	states, err := s.states(ctx, ids)
	if err != nil {
		return 0, err
	}

	released := 0
	for i, id := range ids {
		if !states[i].processing || !states[i].updatedAt.Before(olderThan) {
			continue
		}
		ok, err := reapScript.Run(ctx, s.client, []string{s.jobKey(id)},
			olderThan.UnixMilli(), time.Now().UnixMilli()).Int()
		if err != nil {
			return released, fmt.Errorf("jobstore/redis: release stale %s: %w", id, err)
		}
		released += ok
	}
	if released > 0 {
		s.logger.Debug("released stale claims", "count", released)
	}
	return released, nil
}

// Count tallies jobs by state.
func (s *Store) Count(ctx context.Context, queue string) (types.Counts, error) {
	var c types.Counts
	ids, err := s.client.ZRange(ctx, s.allKey(), 0, -1).Result()
	if err != nil {
		return c, fmt.Errorf("jobstore/redis: count: %w", err)
	}
	states, err := s.states(ctx, ids)
	if err != nil {
		return c, err
	}
	for _, st := range states {
		if !st.exists || (queue != "" && st.queue != queue) {
			continue
		}
		jobstore.Tally(&c, &types.Job{
			HasError:    st.hasError,
			CompletedAt: st.completedAt,
			Processing:  st.processing,
		})
	}
	return c, nil
}

// ── helpers ──

// jobState is the subset of hash fields needed for selection.
type jobState struct {
	exists      bool
	queue       string
	processing  bool
	hasError    bool
	completedAt *time.Time
	waitUntil   *time.Time
	updatedAt   time.Time
}

func (st jobState) eligible(now time.Time) bool {
	j := types.Job{
		Processing:  st.processing,
		HasError:    st.hasError,
		CompletedAt: st.completedAt,
		WaitUntil:   st.waitUntil,
	}
	return j.Eligible(now)
}

func (s *Store) states(ctx context.Context, ids []string) ([]jobState, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*goredis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, s.jobKey(id), "queue", "processing", "has_error", "completed_at", "wait_until", "updated_at")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("jobstore/redis: read job states: %w", err)
	}

	out := make([]jobState, len(ids))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) < 6 || vals[0] == nil {
			continue
		}
		str := func(k int) string {
			v, _ := vals[k].(string)
			return v
		}
		updated := parseMillis(str(5))
		st := jobState{
			exists:      true,
			queue:       str(0),
			processing:  str(1) == "1",
			hasError:    str(2) == "1",
			completedAt: parseMillis(str(3)),
			waitUntil:   parseMillis(str(4)),
		}
		if updated != nil {
			st.updatedAt = *updated
		}
		out[i] = st
	}
	return out, nil
}

// getMany loads full jobs; missing ids map to nil.
func (s *Store) getMany(ctx context.Context, ids []string) ([]*types.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	hashes := make([]*goredis.MapStringStringCmd, len(ids))
	logs := make([]*goredis.StringSliceCmd, len(ids))
	for i, id := range ids {
		hashes[i] = pipe.HGetAll(ctx, s.jobKey(id))
		logs[i] = pipe.LRange(ctx, s.logKey(id), 0, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("jobstore/redis: get jobs: %w", err)
	}

	out := make([]*types.Job, len(ids))
	for i := range ids {
		fields := hashes[i].Val()
		if len(fields) == 0 {
			continue
		}
		j, err := fieldsToJob(fields, logs[i].Val())
		if err != nil {
			return nil, fmt.Errorf("jobstore/redis: decode job %s: %w", ids[i], err)
		}
		out[i] = j
	}
	return out, nil
}

func jobToFields(j *types.Job) ([]any, error) {
	input, err := json.Marshal(j.Input)
	if err != nil {
		return nil, fmt.Errorf("jobstore/redis: encode input: %w", err)
	}
	jobErr := ""
	if j.Error != nil {
		raw, err := json.Marshal(j.Error)
		if err != nil {
			return nil, fmt.Errorf("jobstore/redis: encode error: %w", err)
		}
		jobErr = string(raw)
	}
	return []any{
		"id", string(j.ID),
		"workflow_slug", j.WorkflowSlug,
		"task_slug", j.TaskSlug,
		"queue", j.Queue,
		"input", string(input),
		"total_tried", j.TotalTried,
		"has_error", boolFlag(j.HasError),
		"error", jobErr,
		"completed_at", formatMillis(j.CompletedAt),
		"wait_until", formatMillis(j.WaitUntil),
		"processing", boolFlag(j.Processing),
		"seen_by_worker", boolFlag(j.SeenByWorker),
		"created_at", j.CreatedAt.UnixMilli(),
		"updated_at", j.UpdatedAt.UnixMilli(),
	}, nil
}

func fieldsToJob(f map[string]string, log []string) (*types.Job, error) {
	j := &types.Job{
		ID:           types.JobID(f["id"]),
		WorkflowSlug: f["workflow_slug"],
		TaskSlug:     f["task_slug"],
		Queue:        f["queue"],
		HasError:     f["has_error"] == "1",
		Processing:   f["processing"] == "1",
		SeenByWorker: f["seen_by_worker"] == "1",
		CompletedAt:  parseMillis(f["completed_at"]),
		WaitUntil:    parseMillis(f["wait_until"]),
		Log:          make([]types.LogEntry, 0, len(log)),
	}
	if in := f["input"]; in != "" && in != "null" {
		if err := json.Unmarshal([]byte(in), &j.Input); err != nil {
			return nil, fmt.Errorf("input: %w", err)
		}
	}
	if e := f["error"]; e != "" {
		j.Error = &types.JobError{}
		if err := json.Unmarshal([]byte(e), j.Error); err != nil {
			return nil, fmt.Errorf("error: %w", err)
		}
	}
	if n, err := strconv.Atoi(f["total_tried"]); err == nil {
		j.TotalTried = n
	}
	if t := parseMillis(f["created_at"]); t != nil {
		j.CreatedAt = *t
	}
	if t := parseMillis(f["updated_at"]); t != nil {
		j.UpdatedAt = *t
	}
	for _, raw := range log {
		var e types.LogEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("log entry: %w", err)
		}
		j.Log = append(j.Log, e)
	}
	return j, nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func formatMillis(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(v string) *time.Time {
	if v == "" {
		return nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}
