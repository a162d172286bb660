// Package postgres provides the Postgres-backed JobStore. Acquisition
// uses FOR UPDATE SKIP LOCKED so concurrent workers never claim the same
// job.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aaj441/wcag-ai-platform-sub010/internal/scan"
)

// ErrNotFound is returned when a job id is unknown.
var ErrNotFound = scan.ErrJobNotFound

// Schema creates the scan_jobs table. Ids are UUIDv7 strings, so ordering
// by id matches submission order.
const Schema = `
CREATE TABLE IF NOT EXISTS scan_jobs (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	url             TEXT NOT NULL,
	priority        INT NOT NULL DEFAULT 0,
	attempts_made   INT NOT NULL DEFAULT 0,
	max_attempts    INT NOT NULL,
	backoff_type    TEXT NOT NULL,
	backoff_base_ms BIGINT NOT NULL,
	backoff_max_ms  BIGINT NOT NULL,
	state           TEXT NOT NULL,
	run_at          TIMESTAMPTZ NOT NULL,
	locked_until    TIMESTAMPTZ,
	submitted_at    TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ,
	finished_at     TIMESTAMPTZ,
	result          JSONB,
	error_text      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS scan_jobs_dispatch_idx
	ON scan_jobs (priority, id) WHERE state IN ('waiting', 'delayed');
CREATE INDEX IF NOT EXISTS scan_jobs_state_idx ON scan_jobs (state);
`

const jobColumns = `id, kind, url, priority, attempts_made, max_attempts,
	backoff_type, backoff_base_ms, backoff_max_ms, state, run_at,
	locked_until, submitted_at, started_at, finished_at, result, error_text`

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements scan.JobStore on Postgres.
type Store struct {
	pool pool
}

// New creates a Store from a DSN and applies the schema.
func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	s := &Store{pool: p}
	if _, err := p.Exec(ctx, Schema); err != nil {
		p.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return s, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewWithPool(p pool) *Store {
	return &Store{pool: p}
}

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job scan.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scan_jobs (id, kind, url, priority, attempts_made, max_attempts,
			backoff_type, backoff_base_ms, backoff_max_ms, state, run_at,
			submitted_at, error_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID, string(job.Kind), job.URL, job.Priority, job.AttemptsMade,
		job.MaxAttempts, string(job.Backoff.Type),
		job.Backoff.BaseDelay.Milliseconds(), job.Backoff.MaxDelay.Milliseconds(),
		string(job.State), job.RunAt, job.SubmittedAt, job.ErrorText,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (scan.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM scan_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scan.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return scan.Job{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// AcquireNext claims the best dispatchable job under a lock.
func (s *Store) AcquireNext(ctx context.Context, now time.Time, lockFor time.Duration) (scan.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE scan_jobs SET state = 'active', locked_until = $2,
			started_at = COALESCE(started_at, $1)
		WHERE id = (
			SELECT id FROM scan_jobs
			WHERE state IN ('waiting', 'delayed') AND run_at <= $1
			ORDER BY priority, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		now, now.Add(lockFor),
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scan.Job{}, false, nil
	}
	if err != nil {
		return scan.Job{}, false, fmt.Errorf("acquire job: %w", err)
	}
	return job, true, nil
}

// RenewLock extends the lock on an active job.
func (s *Store) RenewLock(ctx context.Context, id string, until time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scan_jobs SET locked_until = $2 WHERE id = $1 AND state = 'active'`,
		id, until)
	if err != nil {
		return fmt.Errorf("renew lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// MarkCompleted records a successful terminal state with its result.
func (s *Store) MarkCompleted(ctx context.Context, id string, result *scan.SiteAuditResult, attempts int, at time.Time) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return s.update(ctx, id, `
		UPDATE scan_jobs SET state = 'completed', result = $2, attempts_made = $3,
			finished_at = $4, locked_until = NULL, error_text = ''
		WHERE id = $1`,
		id, data, attempts, at)
}

// MarkFailed records a terminal failure; the row is retained.
func (s *Store) MarkFailed(ctx context.Context, id string, errText string, attempts int, at time.Time) error {
	return s.update(ctx, id, `
		UPDATE scan_jobs SET state = 'failed', error_text = $2, attempts_made = $3,
			finished_at = $4, locked_until = NULL
		WHERE id = $1`,
		id, errText, attempts, at)
}

// ScheduleRetry moves a job to delayed, due again at runAt.
func (s *Store) ScheduleRetry(ctx context.Context, id string, errText string, attempts int, runAt time.Time) error {
	return s.update(ctx, id, `
		UPDATE scan_jobs SET state = 'delayed', error_text = $2, attempts_made = $3,
			run_at = $4, locked_until = NULL
		WHERE id = $1`,
		id, errText, attempts, runAt)
}

// RequeueStalled returns active jobs with expired locks to waiting.
func (s *Store) RequeueStalled(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scan_jobs SET state = 'waiting', locked_until = NULL, run_at = $1
		WHERE state = 'active' AND locked_until < $1`,
		now)
	if err != nil {
		return 0, fmt.Errorf("requeue stalled: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RequeueFailed returns a terminally failed job to waiting.
func (s *Store) RequeueFailed(ctx context.Context, id string, runAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scan_jobs SET state = 'waiting', run_at = $2, error_text = '',
			finished_at = NULL
		WHERE id = $1 AND state = 'failed'`,
		id, runAt)
	if err != nil {
		return fmt.Errorf("requeue failed job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s (or not in failed state)", ErrNotFound, id)
	}
	return nil
}

// Stats counts jobs per state.
func (s *Store) Stats(ctx context.Context) (scan.QueueStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT state, COUNT(*) FROM scan_jobs GROUP BY state`)
	if err != nil {
		return scan.QueueStats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()
	var stats scan.QueueStats
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return scan.QueueStats{}, fmt.Errorf("scan stats row: %w", err)
		}
		switch scan.JobState(state) {
		case scan.JobStateWaiting:
			stats.Waiting = count
		case scan.JobStateActive:
			stats.Active = count
		case scan.JobStateCompleted:
			stats.Completed = count
		case scan.JobStateFailed:
			stats.Failed = count
		case scan.JobStateDelayed:
			stats.Delayed = count
		}
	}
	if err := rows.Err(); err != nil {
		return scan.QueueStats{}, fmt.Errorf("iterate stats rows: %w", err)
	}
	return stats, nil
}

// ListRecent returns up to limit jobs in state, newest submission first.
func (s *Store) ListRecent(ctx context.Context, limit int, state scan.JobState) ([]scan.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM scan_jobs`
	args := []any{limit}
	if state != "" {
		query += ` WHERE state = $2`
		args = append(args, string(state))
	}
	query += ` ORDER BY id DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var jobs []scan.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

// PurgeCompleted removes completed jobs finished at or before cutoff.
func (s *Store) PurgeCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM scan_jobs WHERE state = 'completed' AND finished_at <= $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge completed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close releases the connection pool.
func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func (s *Store) update(ctx context.Context, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func scanJob(row pgx.Row) (scan.Job, error) {
	var (
		job         scan.Job
		kind        string
		backoffType string
		baseMs      int64
		maxMs       int64
		state       string
		lockedUntil *time.Time
		startedAt   *time.Time
		finishedAt  *time.Time
		resultJSON  []byte
	)
	err := row.Scan(&job.ID, &kind, &job.URL, &job.Priority, &job.AttemptsMade,
		&job.MaxAttempts, &backoffType, &baseMs, &maxMs, &state, &job.RunAt,
		&lockedUntil, &job.SubmittedAt, &startedAt, &finishedAt, &resultJSON,
		&job.ErrorText)
	if err != nil {
		return scan.Job{}, err
	}
	job.Kind = scan.JobKind(kind)
	job.State = scan.JobState(state)
	job.Backoff = scan.BackoffPolicy{
		Type:      scan.BackoffType(backoffType),
		BaseDelay: time.Duration(baseMs) * time.Millisecond,
		MaxDelay:  time.Duration(maxMs) * time.Millisecond,
	}
	if lockedUntil != nil {
		job.LockedUntil = *lockedUntil
	}
	job.StartedAt = startedAt
	job.FinishedAt = finishedAt
	if len(resultJSON) > 0 {
		var result scan.SiteAuditResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return scan.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
		job.Result = &result
	}
	return job, nil
}

var _ scan.JobStore = (*Store)(nil)
