package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/aaj441/wcag-ai-platform-sub010/internal/scan"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewWithPool(mock), mock
}

func sampleJob(now time.Time) scan.Job {
	return scan.Job{
		ID:          "0192f0c1-0000-7000-8000-000000000001",
		Kind:        scan.KindSiteScan,
		URL:         "https://example.com",
		Priority:    5,
		MaxAttempts: 3,
		Backoff: scan.BackoffPolicy{
			Type:      scan.BackoffExponential,
			BaseDelay: 2 * time.Second,
			MaxDelay:  time.Minute,
		},
		State:       scan.JobStateWaiting,
		RunAt:       now,
		SubmittedAt: now,
	}
}

func TestCreateJobInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	job := sampleJob(now)

	mock.ExpectExec("INSERT INTO scan_jobs").
		WithArgs(job.ID, "site_scan", job.URL, 5, 0, 3, "exponential",
			int64(2000), int64(60000), "waiting", now, now, "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func jobRows(job scan.Job) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "kind", "url", "priority", "attempts_made", "max_attempts",
		"backoff_type", "backoff_base_ms", "backoff_max_ms", "state",
		"run_at", "locked_until", "submitted_at", "started_at",
		"finished_at", "result", "error_text",
	}).AddRow(
		job.ID, string(job.Kind), job.URL, job.Priority, job.AttemptsMade,
		job.MaxAttempts, string(job.Backoff.Type),
		job.Backoff.BaseDelay.Milliseconds(), job.Backoff.MaxDelay.Milliseconds(),
		string(job.State), job.RunAt, (*time.Time)(nil), job.SubmittedAt,
		(*time.Time)(nil), (*time.Time)(nil), []byte(nil), job.ErrorText,
	)
}

func TestAcquireNextReturnsJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	job := sampleJob(now)
	job.State = scan.JobStateActive

	mock.ExpectQuery("UPDATE scan_jobs SET state = 'active'").
		WithArgs(now, now.Add(time.Minute)).
		WillReturnRows(jobRows(job))

	got, ok, err := store.AcquireNext(context.Background(), now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.ID, got.ID)
	require.Equal(t, scan.JobStateActive, got.State)
	require.Equal(t, 2*time.Second, got.Backoff.BaseDelay)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireNextEmptyQueue(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("UPDATE scan_jobs SET state = 'active'").
		WithArgs(now, now.Add(time.Minute)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, ok, err := store.AcquireNext(context.Background(), now, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedUpdatesRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("UPDATE scan_jobs SET state = 'failed'").
		WithArgs("job-1", "probe timeout", 3, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkFailed(context.Background(), "job-1", "probe timeout", 3, now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedUnknownJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("UPDATE scan_jobs SET state = 'failed'").
		WithArgs("missing", "boom", 1, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.MarkFailed(context.Background(), "missing", "boom", 1, now)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsAggregatesStates(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT state, COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"state", "count"}).
			AddRow("waiting", 2).
			AddRow("failed", 1).
			AddRow("completed", 4))

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, scan.QueueStats{Waiting: 2, Completed: 4, Failed: 1}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueStalledCountsRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("UPDATE scan_jobs SET state = 'waiting'").
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := store.RequeueStalled(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
