package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

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
		return fmt.Errorf("jobstore/postgres: encode input: %w", err)
	}
	logJSON, err := json.Marshal(nonNilLog(j.Log))
	if err != nil {
		return fmt.Errorf("jobstore/postgres: encode log: %w", err)
	}
	jobErr, err := encodeError(j.Error)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobflow_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8, $9::jsonb, $10, $11, $12, $13, $14, $15)`,
		string(j.ID), j.WorkflowSlug, j.TaskSlug, j.Queue, string(input), string(logJSON), j.TotalTried,
		j.HasError, jobErr, j.CompletedAt, j.WaitUntil, j.Processing, j.SeenByWorker,
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return jobstore.ErrJobAlreadyExists
		}
		return fmt.Errorf("jobstore/postgres: create job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobflow_jobs WHERE id = $1`, string(id))
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, jobstore.ErrJobNotFound
		}
		return nil, fmt.Errorf("jobstore/postgres: get job: %w", err)
	}
	return j, nil
}

// List returns jobs ordered by creation time.
func (s *Store) List(ctx context.Context, opts jobstore.ListOptions) ([]*types.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobflow_jobs`
	var args []any
	argIdx := 1

	if opts.Queue != "" {
		query += fmt.Sprintf(" WHERE queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}
	query += " ORDER BY created_at ASC, id ASC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobstore/postgres: list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Candidates returns ids of claimable jobs, oldest first.
func (s *Store) Candidates(ctx context.Context, queue string, now time.Time, limit int) ([]types.JobID, error) {
	query := `
		SELECT id FROM jobflow_jobs
		WHERE NOT processing AND NOT has_error AND completed_at IS NULL
		  AND (wait_until IS NULL OR wait_until <= $1)`
	args := []any{now}
	argIdx := 2
	if queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, queue)
		argIdx++
	}
	query += " ORDER BY created_at ASC, id ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobstore/postgres: candidates: %w", err)
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.JobID, error) {
		var id string
		err := row.Scan(&id)
		return types.JobID(id), err
	})
	if err != nil {
		return nil, fmt.Errorf("jobstore/postgres: candidates: %w", err)
	}
	return ids, nil
}

// Claim sets processing on an eligible job. Concurrent claims on the same row
// serialise on the row lock and the loser re-checks the WHERE clause.
func (s *Store) Claim(ctx context.Context, id types.JobID, now time.Time) (*types.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobflow_jobs
		SET processing = TRUE, seen_by_worker = TRUE, updated_at = NOW()
		WHERE id = $1
		  AND NOT processing AND NOT has_error AND completed_at IS NULL
		  AND (wait_until IS NULL OR wait_until <= $2)
		RETURNING `+jobColumns,
		string(id), now,
	)
	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("jobstore/postgres: claim job: %w", err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobflow_jobs WHERE id = $1)`, string(id)).Scan(&exists); err != nil {
		return nil, fmt.Errorf("jobstore/postgres: lookup job: %w", err)
	}
	if !exists {
		return nil, jobstore.ErrJobNotFound
	}
	return nil, jobstore.ErrClaimConflict
}

// AppendLog appends entry to the JSONB log and bumps totalTried.
func (s *Store) AppendLog(ctx context.Context, id types.JobID, entry types.LogEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("jobstore/postgres: encode log entry: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobflow_jobs
		SET log = log || jsonb_build_array($2::jsonb),
		    total_tried = total_tried + 1,
		    updated_at = NOW()
		WHERE id = $1`,
		string(id), string(raw),
	)
	if err != nil {
		return fmt.Errorf("jobstore/postgres: append log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jobstore.ErrJobNotFound
	}
	return nil
}

// Release clears processing and records the outcome.
func (s *Store) Release(ctx context.Context, id types.JobID, r jobstore.Release) error {
	jobErr, err := encodeError(r.Error)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobflow_jobs
		SET processing = $6,
		    wait_until = $2,
		    completed_at = COALESCE($3, completed_at),
		    has_error = has_error OR $4,
		    error = CASE WHEN $4 THEN $5::jsonb ELSE error END,
		    updated_at = NOW()
		WHERE id = $1`,
		string(id), r.WaitUntil, r.CompletedAt, r.HasError, jobErr, r.Hold,
	)
	if err != nil {
		return fmt.Errorf("jobstore/postgres: release job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jobstore.ErrJobNotFound
	}
	return nil
}

// ReleaseStale clears processing on claims not touched since olderThan.
func (s *Store) ReleaseStale(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobflow_jobs
		SET processing = FALSE, updated_at = NOW()
		WHERE processing AND updated_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("jobstore/postgres: release stale: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Debug("released stale claims", "count", n)
	}
	return int(tag.RowsAffected()), nil
}

// Count tallies jobs by state.
func (s *Store) Count(ctx context.Context, queue string) (types.Counts, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE NOT has_error AND completed_at IS NULL AND NOT processing),
			COUNT(*) FILTER (WHERE NOT has_error AND completed_at IS NULL AND processing),
			COUNT(*) FILTER (WHERE NOT has_error AND completed_at IS NOT NULL),
			COUNT(*) FILTER (WHERE has_error)
		FROM jobflow_jobs`
	var args []any
	if queue != "" {
		query += ` WHERE queue = $1`
		args = append(args, queue)
	}

	var pending, processing, completed, errored int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&pending, &processing, &completed, &errored); err != nil {
		return types.Counts{}, fmt.Errorf("jobstore/postgres: count: %w", err)
	}
	return types.Counts{
		Pending:    int(pending),
		Processing: int(processing),
		Completed:  int(completed),
		Errored:    int(errored),
	}, nil
}

// ── helpers ──────────────────────────────────────────────────────

func scanJob(row pgx.Row) (*types.Job, error) {
	var (
		j                  types.Job
		id                 string
		input, logJSON     []byte
		jobErr             []byte
		completed, waitFor *time.Time
	)
	err := row.Scan(
		&id, &j.WorkflowSlug, &j.TaskSlug, &j.Queue, &input, &logJSON, &j.TotalTried,
		&j.HasError, &jobErr, &completed, &waitFor, &j.Processing, &j.SeenByWorker,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.ID = types.JobID(id)
	if err := json.Unmarshal(input, &j.Input); err != nil {
		return nil, fmt.Errorf("decode input of %s: %w", id, err)
	}
	if err := json.Unmarshal(logJSON, &j.Log); err != nil {
		return nil, fmt.Errorf("decode log of %s: %w", id, err)
	}
	if j.Log == nil {
		j.Log = []types.LogEntry{}
	}
	if len(jobErr) > 0 {
		j.Error = &types.JobError{}
		if err := json.Unmarshal(jobErr, j.Error); err != nil {
			return nil, fmt.Errorf("decode error of %s: %w", id, err)
		}
	}
	j.CompletedAt = completed
	j.WaitUntil = waitFor
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*types.Job, error) {
	jobs := make([]*types.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("jobstore/postgres: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobstore/postgres: iterate jobs: %w", err)
	}
	return jobs, nil
}

func encodeError(e *types.JobError) (*string, error) {
	if e == nil {
		return nil, nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("jobstore/postgres: encode error: %w", err)
	}
	s := string(raw)
	return &s, nil
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
