package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ChuLiYu/jobflow/internal/jobstore"
	"github.com/ChuLiYu/jobflow/pkg/types"
)

const jobColumns = `
	id, workflow_slug, task_slug, queue, input, log, total_tried,
	has_error, error, completed_at, wait_until, processing, seen_by_worker,
	created_at, updated_at`

// Create persists a new job.
func (s *Store) Create(ctx context.Context, j *types.Job) error {
	input, err := json.Marshal(nonNilMap(j.Input))
	if err != nil {
		return fmt.Errorf("jobstore/sqlite: encode input: %w", err)
	}
	logJSON, err := json.Marshal(nonNilLog(j.Log))
	if err != nil {
		return fmt.Errorf("jobstore/sqlite: encode log: %w", err)
	}
	jobErr, err := encodeError(j.Error)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobflow_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(j.ID), j.WorkflowSlug, j.TaskSlug, j.Queue, string(input), string(logJSON), j.TotalTried,
		j.HasError, jobErr, millis(j.CompletedAt), millis(j.WaitUntil), j.Processing, j.SeenByWorker,
		j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return jobstore.ErrJobAlreadyExists
		}
		return fmt.Errorf("jobstore/sqlite: create job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobflow_jobs WHERE id = ?`, string(id))
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, jobstore.ErrJobNotFound
		}
		return nil, fmt.Errorf("jobstore/sqlite: get job: %w", err)
	}
	return j, nil
}

// List returns jobs ordered by creation time.
func (s *Store) List(ctx context.Context, opts jobstore.ListOptions) ([]*types.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobflow_jobs`
	var args []any
	if opts.Queue != "" {
		query += ` WHERE queue = ?`
		args = append(args, opts.Queue)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobstore/sqlite: list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Candidates returns ids of claimable jobs, oldest first.
func (s *Store) Candidates(ctx context.Context, queue string, now time.Time, limit int) ([]types.JobID, error) {
	query := `
		SELECT id FROM jobflow_jobs
		WHERE processing = 0 AND has_error = 0 AND completed_at IS NULL
		  AND (wait_until IS NULL OR wait_until <= ?)`
	args := []any{now.UnixMilli()}
	if queue != "" {
		query += ` AND queue = ?`
		args = append(args, queue)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobstore/sqlite: candidates: %w", err)
	}
	defer rows.Close()

	var ids []types.JobID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("jobstore/sqlite: scan candidate: %w", err)
		}
		ids = append(ids, types.JobID(id))
	}
	return ids, rows.Err()
}

// Claim sets processing on an eligible job in a single conditional UPDATE.
func (s *Store) Claim(ctx context.Context, id types.JobID, now time.Time) (*types.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobflow_jobs
		SET processing = 1, seen_by_worker = 1, updated_at = ?
		WHERE id = ?
		  AND processing = 0 AND has_error = 0 AND completed_at IS NULL
		  AND (wait_until IS NULL OR wait_until <= ?)
		RETURNING `+jobColumns,
		time.Now().UnixMilli(), string(id), now.UnixMilli(),
	)
	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("jobstore/sqlite: claim job: %w", err)
	}
	if exists, existsErr := s.exists(ctx, id); existsErr != nil {
		return nil, existsErr
	} else if !exists {
		return nil, jobstore.ErrJobNotFound
	}
	return nil, jobstore.ErrClaimConflict
}

// AppendLog appends entry to the JSON log array and bumps totalTried.
func (s *Store) AppendLog(ctx context.Context, id types.JobID, entry types.LogEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("jobstore/sqlite: encode log entry: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobflow_jobs
		SET log = json_insert(log, '$[#]', json(?)),
		    total_tried = total_tried + 1,
		    updated_at = ?
		WHERE id = ?`,
		string(raw), time.Now().UnixMilli(), string(id),
	)
	if err != nil {
		return fmt.Errorf("jobstore/sqlite: append log: %w", err)
	}
	return requireRow(res)
}

// Release clears processing and records the outcome.
func (s *Store) Release(ctx context.Context, id types.JobID, r jobstore.Release) error {
	jobErr, err := encodeError(r.Error)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobflow_jobs
		SET processing = ?,
		    wait_until = ?,
		    completed_at = COALESCE(?, completed_at),
		    has_error = CASE WHEN ? THEN 1 ELSE has_error END,
		    error = CASE WHEN ? THEN ? ELSE error END,
		    updated_at = ?
		WHERE id = ?`,
		r.Hold, millis(r.WaitUntil), millis(r.CompletedAt), r.HasError, r.HasError, jobErr,
		time.Now().UnixMilli(), string(id),
	)
	if err != nil {
		return fmt.Errorf("jobstore/sqlite: release job: %w", err)
	}
	return requireRow(res)
}

// ReleaseStale clears processing on claims not touched since olderThan.
func (s *Store) ReleaseStale(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobflow_jobs
		SET processing = 0, updated_at = ?
		WHERE processing = 1 AND updated_at < ?`,
		time.Now().UnixMilli(), olderThan.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("jobstore/sqlite: release stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("jobstore/sqlite: release stale: %w", err)
	}
	if n > 0 {
		s.logger.Debug("released stale claims", "count", n)
	}
	return int(n), nil
}

// Count tallies jobs by state.
func (s *Store) Count(ctx context.Context, queue string) (types.Counts, error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN has_error = 0 AND completed_at IS NULL AND processing = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN has_error = 0 AND completed_at IS NULL AND processing = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN has_error = 0 AND completed_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN has_error = 1 THEN 1 ELSE 0 END), 0)
		FROM jobflow_jobs`
	var args []any
	if queue != "" {
		query += ` WHERE queue = ?`
		args = append(args, queue)
	}

	var c types.Counts
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&c.Pending, &c.Processing, &c.Completed, &c.Errored)
	if err != nil {
		return c, fmt.Errorf("jobstore/sqlite: count: %w", err)
	}
	return c, nil
}

// ── helpers ──────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*types.Job, error) {
	var (
		j                      types.Job
		id, input, logJSON     string
		jobErr                 sql.NullString
		completedAt, waitUntil sql.NullInt64
		createdAt, updatedAt   int64
	)
	err := row.Scan(
		&id, &j.WorkflowSlug, &j.TaskSlug, &j.Queue, &input, &logJSON, &j.TotalTried,
		&j.HasError, &jobErr, &completedAt, &waitUntil, &j.Processing, &j.SeenByWorker,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.ID = types.JobID(id)
	if err := json.Unmarshal([]byte(input), &j.Input); err != nil {
		return nil, fmt.Errorf("decode input of %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(logJSON), &j.Log); err != nil {
		return nil, fmt.Errorf("decode log of %s: %w", id, err)
	}
	if j.Log == nil {
		j.Log = []types.LogEntry{}
	}
	if jobErr.Valid {
		j.Error = &types.JobError{}
		if err := json.Unmarshal([]byte(jobErr.String), j.Error); err != nil {
			return nil, fmt.Errorf("decode error of %s: %w", id, err)
		}
	}
	j.CompletedAt = fromMillis(completedAt)
	j.WaitUntil = fromMillis(waitUntil)
	j.CreatedAt = time.UnixMilli(createdAt)
	j.UpdatedAt = time.UnixMilli(updatedAt)
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*types.Job, error) {
	jobs := make([]*types.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("jobstore/sqlite: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobstore/sqlite: iterate jobs: %w", err)
	}
	return jobs, nil
}

func (s *Store) exists(ctx context.Context, id types.JobID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobflow_jobs WHERE id = ?`, string(id)).Scan(&one)
	if isNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("jobstore/sqlite: lookup job: %w", err)
	}
	return true, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("jobstore/sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return jobstore.ErrJobNotFound
	}
	return nil
}

func encodeError(e *types.JobError) (sql.NullString, error) {
	if e == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("jobstore/sqlite: encode error: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func millis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilLog(l []types.LogEntry) []types.LogEntry {
	if l == nil {
		return []types.LogEntry{}
	}
	return l
}
