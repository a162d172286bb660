// Package queue implements the persistent, priority-aware scan job queue.
// It dispatches jobs from a pluggable JobStore to a bounded worker pool,
// retries failures with backoff, reclaims stalled jobs, and exposes
// introspection over the store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aaj441/wcag-ai-platform-sub010/internal/breaker"
	"github.com/aaj441/wcag-ai-platform-sub010/internal/events"
	"github.com/aaj441/wcag-ai-platform-sub010/internal/id/uuid"
	"github.com/aaj441/wcag-ai-platform-sub010/internal/metrics"
	"github.com/aaj441/wcag-ai-platform-sub010/internal/scan"
)

// ErrClosed rejects submissions after Close.
var ErrClosed = errors.New("queue is closed")

// Config controls queue behavior.
type Config struct {
	// Concurrency is the worker pool size and the queue's backpressure
	// bound.
	Concurrency int
	// MaxAttempts is the default attempt ceiling per job.
	MaxAttempts int
	// Backoff is the default retry policy applied at submission.
	Backoff scan.BackoffPolicy
	// ProbeTimeout bounds a single probe attempt.
	ProbeTimeout time.Duration
	// LockDuration is how long a worker may hold a job before it is
	// considered stalled and re-dispatchable.
	LockDuration time.Duration
	// PollInterval is how long an idle worker waits before re-polling.
	PollInterval time.Duration
	// StalledInterval is how often expired locks are reclaimed.
	StalledInterval time.Duration
	// UnhealthyFailures marks the queue unhealthy once the failed-job
	// count reaches it. Zero disables the check.
	UnhealthyFailures int
	// CompletedTTL purges completed jobs older than this. Zero keeps
	// them until Clear.
	CompletedTTL time.Duration
	// Topic names the lifecycle event stream. Empty disables emission.
	Topic string
}

func (c *Config) setDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff.Type == "" {
		c.Backoff.Type = scan.BackoffExponential
	}
	if c.Backoff.BaseDelay == 0 {
		c.Backoff.BaseDelay = 2 * time.Second
	}
	if c.Backoff.MaxDelay == 0 {
		c.Backoff.MaxDelay = 5 * time.Minute
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 45 * time.Second
	}
	if c.LockDuration == 0 {
		c.LockDuration = 2 * time.Minute
	}
	if c.PollInterval == 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.StalledInterval == 0 {
		c.StalledInterval = 30 * time.Second
	}
}

// Validate fails fast on configuration that would change runtime
// semantics silently.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("queue: concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("queue: max attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if err := validateBackoff(c.Backoff); err != nil {
		return err
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("queue: probe timeout must be > 0, got %v", c.ProbeTimeout)
	}
	if c.LockDuration <= 0 {
		return fmt.Errorf("queue: lock duration must be > 0, got %v", c.LockDuration)
	}
	return nil
}

// ScanRequest is the submission payload for one job. The kind schema is
// closed; unknown kinds are rejected synchronously.
type ScanRequest struct {
	Kind scan.JobKind `json:"kind"`
	URL  string       `json:"url"`
}

// Options carries per-job overrides resolved against the queue defaults.
type Options struct {
	Priority    int
	MaxAttempts int
	Backoff     *scan.BackoffPolicy
	// Delay postpones the first dispatch.
	Delay time.Duration
}

// Queue dispatches scan jobs to workers through the circuit breaker.
type Queue struct {
	cfg       Config
	store     scan.JobStore
	probe     scan.Probe
	brk       *breaker.Breaker
	publisher scan.Publisher
	archive   scan.Archive
	clock     scan.Clock
	idGen     scan.IDGenerator
	logger    *zap.Logger

	stop      chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New constructs a Queue. publisher and archive may be nil; clock, idGen
// and logger default when nil. Workers do not run until Start.
func New(
	cfg Config,
	store scan.JobStore,
	probe scan.Probe,
	brk *breaker.Breaker,
	publisher scan.Publisher,
	archive scan.Archive,
	clock scan.Clock,
	idGen scan.IDGenerator,
	logger *zap.Logger,
) (*Queue, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("queue: job store is required")
	}
	if probe == nil {
		return nil, errors.New("queue: probe is required")
	}
	if brk == nil {
		return nil, errors.New("queue: breaker is required")
	}
	if clock == nil {
		clock = scan.SystemClock{}
	}
	if idGen == nil {
		idGen = uuid.NewGenerator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		cfg:       cfg,
		store:     store,
		probe:     probe,
		brk:       brk,
		publisher: publisher,
		archive:   archive,
		clock:     clock,
		idGen:     idGen,
		logger:    logger,
		stop:      make(chan struct{}),
	}, nil
}

// Start launches the worker pool, the stalled-job reaper, and the
// retention sweeper. It is safe to call once; later calls are ignored.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		for i := 0; i < q.cfg.Concurrency; i++ {
			q.wg.Add(1)
			go q.workerLoop(i)
		}
		q.wg.Add(1)
		go q.reaperLoop()
		if q.cfg.CompletedTTL > 0 {
			q.wg.Add(1)
			go q.sweeperLoop()
		}
	})
}

// AddScan validates and enqueues one job, returning the created job as
// the caller's handle. Execution outcomes are observable only via status
// polling.
func (q *Queue) AddScan(ctx context.Context, req ScanRequest, opts Options) (scan.Job, error) {
	if q.closed.Load() {
		return scan.Job{}, ErrClosed
	}
	job, err := q.buildJob(req, opts)
	if err != nil {
		return scan.Job{}, err
	}
	if err := q.store.CreateJob(ctx, job); err != nil {
		return scan.Job{}, fmt.Errorf("create job: %w", err)
	}
	q.emit(ctx, events.Event{
		JobID: job.ID,
		TS:    q.clock.Now(),
		Stage: events.StageCreated,
		URL:   job.URL,
	})
	return job, nil
}

// AddScansBulk enqueues many jobs, invoking onEnqueued with the running
// count after each successful enqueue. It returns the jobs enqueued so
// far alongside the first error, if any.
func (q *Queue) AddScansBulk(ctx context.Context, reqs []ScanRequest, opts Options, onEnqueued func(count int)) ([]scan.Job, error) {
	jobs := make([]scan.Job, 0, len(reqs))
	for i, req := range reqs {
		job, err := q.AddScan(ctx, req, opts)
		if err != nil {
			return jobs, fmt.Errorf("bulk enqueue item %d: %w", i, err)
		}
		jobs = append(jobs, job)
		if onEnqueued != nil {
			onEnqueued(len(jobs))
		}
	}
	return jobs, nil
}

func (q *Queue) buildJob(req ScanRequest, opts Options) (scan.Job, error) {
	if req.Kind == "" {
		req.Kind = scan.KindSiteScan
	}
	if req.Kind != scan.KindSiteScan {
		return scan.Job{}, fmt.Errorf("unknown job kind %q", req.Kind)
	}
	if err := scan.ValidateTargetURL(req.URL); err != nil {
		return scan.Job{}, err
	}
	if opts.Delay < 0 {
		return scan.Job{}, fmt.Errorf("delay must be >= 0, got %v", opts.Delay)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	if maxAttempts < 1 {
		return scan.Job{}, fmt.Errorf("max attempts must be >= 1, got %d", maxAttempts)
	}
	backoff := q.cfg.Backoff
	if opts.Backoff != nil {
		backoff = *opts.Backoff
		if err := validateBackoff(backoff); err != nil {
			return scan.Job{}, err
		}
	}
	id, err := q.idGen.NewID()
	if err != nil {
		return scan.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := q.clock.Now()
	state := scan.JobStateWaiting
	if opts.Delay > 0 {
		state = scan.JobStateDelayed
	}
	return scan.Job{
		ID:          id,
		Kind:        req.Kind,
		URL:         req.URL,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		Backoff:     backoff,
		State:       state,
		RunAt:       now.Add(opts.Delay),
		SubmittedAt: now,
	}, nil
}

// RetryFailedJob re-queues a terminally failed job outside the automatic
// retry policy.
func (q *Queue) RetryFailedJob(ctx context.Context, id string) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if err := q.store.RequeueFailed(ctx, id, q.clock.Now()); err != nil {
		return fmt.Errorf("retry failed job %s: %w", id, err)
	}
	return nil
}

// Stats returns per-state job counts.
func (q *Queue) Stats(ctx context.Context) (scan.QueueStats, error) {
	return q.store.Stats(ctx)
}

// Health derives operability from the stats and the configured failure
// threshold.
func (q *Queue) Health(ctx context.Context) (scan.Health, error) {
	stats, err := q.store.Stats(ctx)
	if err != nil {
		return scan.Health{}, fmt.Errorf("queue stats: %w", err)
	}
	h := scan.Health{Healthy: true, Message: "ok", Stats: stats}
	if q.cfg.UnhealthyFailures > 0 && stats.Failed >= q.cfg.UnhealthyFailures {
		h.Healthy = false
		h.Message = fmt.Sprintf("failed job count %d crossed threshold %d", stats.Failed, q.cfg.UnhealthyFailures)
	}
	return h, nil
}

// GetJob returns one job by id.
func (q *Queue) GetJob(ctx context.Context, id string) (scan.Job, error) {
	return q.store.GetJob(ctx, id)
}

// RecentJobs returns up to limit jobs in the given state, newest first.
func (q *Queue) RecentJobs(ctx context.Context, limit int, state scan.JobState) ([]scan.Job, error) {
	return q.store.ListRecent(ctx, limit, state)
}

// FailedJobs returns up to limit terminally failed jobs, newest first.
func (q *Queue) FailedJobs(ctx context.Context, limit int) ([]scan.Job, error) {
	return q.store.ListRecent(ctx, limit, scan.JobStateFailed)
}

// Clear purges all completed jobs.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	return q.store.PurgeCompleted(ctx, q.clock.Now())
}

// Close stops accepting work and waits for the pool to drain, bounded by
// ctx. In-flight probe attempts are not force-cancelled.
func (q *Queue) Close(ctx context.Context) error {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		close(q.stop)
	})
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue close wait: %w", ctx.Err())
	}
}

func (q *Queue) workerLoop(n int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		default:
		}
		job, ok, err := q.store.AcquireNext(context.Background(), q.clock.Now(), q.cfg.LockDuration)
		if err != nil {
			q.logger.Error("acquire next job", zap.Int("worker", n), zap.Error(err))
			q.idle()
			continue
		}
		if !ok {
			q.idle()
			continue
		}
		q.runJob(job)
	}
}

func (q *Queue) idle() {
	select {
	case <-q.stop:
	case <-time.After(q.cfg.PollInterval):
	}
}

func (q *Queue) runJob(job scan.Job) {
	metrics.WorkerStarted()
	defer metrics.WorkerFinished()

	// Drain-friendly: the probe context is detached from the stop signal
	// so Close never force-cancels in-flight work.
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.ProbeTimeout)
	defer cancel()

	stopRenew := q.startLockRenewal(job.ID)
	defer stopRenew()

	q.emit(ctx, events.Event{
		JobID:   job.ID,
		TS:      q.clock.Now(),
		Stage:   events.StageStarted,
		URL:     job.URL,
		Attempt: job.AttemptsMade + 1,
	})

	var pageMetrics scan.PageMetrics
	start := time.Now()
	err := q.brk.Do(ctx, func(ctx context.Context) error {
		var probeErr error
		pageMetrics, probeErr = q.probe.Inspect(ctx, job.URL)
		return probeErr
	})
	elapsed := time.Since(start)
	metrics.ObserveProbe("queue", elapsed)

	switch {
	case errors.Is(err, breaker.ErrOpen):
		q.handleRejected(job)
	case err != nil:
		q.handleFailure(job, err)
	default:
		q.handleSuccess(job, pageMetrics, elapsed)
	}
}

// handleRejected reschedules a job the breaker refused to run. The probe
// never executed, so the attempt budget is untouched.
func (q *Queue) handleRejected(job scan.Job) {
	metrics.RecordBreakerRejection()
	ctx := context.Background()
	retryAt := q.brk.RetryAt()
	if retryAt.IsZero() {
		retryAt = q.clock.Now().Add(q.cfg.Backoff.BaseDelay)
	}
	if err := q.store.ScheduleRetry(ctx, job.ID, breaker.ErrOpen.Error(), job.AttemptsMade, retryAt); err != nil {
		q.logger.Error("reschedule rejected job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	q.logger.Warn("probe call rejected by open circuit",
		zap.String("job_id", job.ID),
		zap.Time("retry_at", retryAt),
	)
}

func (q *Queue) handleFailure(job scan.Job, probeErr error) {
	metrics.RecordAttempt("failure")
	ctx := context.Background()
	attempts := job.AttemptsMade + 1
	now := q.clock.Now()

	if attempts < job.MaxAttempts {
		delay := backoffDelay(job.Backoff, attempts)
		if err := q.store.ScheduleRetry(ctx, job.ID, probeErr.Error(), attempts, now.Add(delay)); err != nil {
			q.logger.Error("schedule retry", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		q.emit(ctx, events.Event{
			JobID:   job.ID,
			TS:      now,
			Stage:   events.StageRetried,
			URL:     job.URL,
			Attempt: attempts,
			Error:   probeErr.Error(),
		})
		q.logger.Warn("scan attempt failed, retrying",
			zap.String("job_id", job.ID),
			zap.String("url", job.URL),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(probeErr),
		)
		return
	}

	if err := q.store.MarkFailed(ctx, job.ID, probeErr.Error(), attempts, now); err != nil {
		q.logger.Error("mark job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.RecordJob("failed")
	q.archiveResult(ctx, job.ID, &scan.SiteAuditResult{
		URL:       job.URL,
		Success:   false,
		ErrorText: probeErr.Error(),
	})
	q.emit(ctx, events.Event{
		JobID:   job.ID,
		TS:      now,
		Stage:   events.StageFailed,
		URL:     job.URL,
		Attempt: attempts,
		Error:   probeErr.Error(),
	})
	q.logger.Error("scan job exhausted attempts",
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
		zap.Int("attempts", attempts),
		zap.Error(probeErr),
	)
}

func (q *Queue) handleSuccess(job scan.Job, m scan.PageMetrics, elapsed time.Duration) {
	metrics.RecordAttempt("success")
	ctx := context.Background()
	attempts := job.AttemptsMade + 1
	now := q.clock.Now()
	result := &scan.SiteAuditResult{
		URL:          job.URL,
		Signals:      scan.DeriveSignals(job.URL, m),
		Metrics:      m,
		PageLoadTime: elapsed,
		Success:      true,
	}
	if err := q.store.MarkCompleted(ctx, job.ID, result, attempts, now); err != nil {
		q.logger.Error("mark job completed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.RecordJob("completed")
	q.archiveResult(ctx, job.ID, result)
	q.emit(ctx, events.Event{
		JobID:   job.ID,
		TS:      now,
		Stage:   events.StageCompleted,
		URL:     job.URL,
		Attempt: attempts,
		Result:  result,
	})
	q.logger.Info("scan job completed",
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
		zap.Int("attempts", attempts),
		zap.Duration("page_load", elapsed),
	)
}

// startLockRenewal keeps the job's lock alive while the probe runs. The
// returned func stops renewal and must be called on every exit path.
func (q *Queue) startLockRenewal(jobID string) func() {
	done := make(chan struct{})
	var once sync.Once
	interval := q.cfg.LockDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				until := q.clock.Now().Add(q.cfg.LockDuration)
				if err := q.store.RenewLock(context.Background(), jobID, until); err != nil {
					q.logger.Warn("renew job lock", zap.String("job_id", jobID), zap.Error(err))
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (q *Queue) reaperLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.StalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			n, err := q.store.RequeueStalled(context.Background(), q.clock.Now())
			if err != nil {
				q.logger.Error("requeue stalled jobs", zap.Error(err))
				continue
			}
			if n > 0 {
				q.logger.Warn("reclaimed stalled jobs", zap.Int("count", n))
			}
		}
	}
}

func (q *Queue) sweeperLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.CompletedTTL)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			cutoff := q.clock.Now().Add(-q.cfg.CompletedTTL)
			if _, err := q.store.PurgeCompleted(context.Background(), cutoff); err != nil {
				q.logger.Error("purge completed jobs", zap.Error(err))
			}
		}
	}
}

func (q *Queue) archiveResult(ctx context.Context, jobID string, result *scan.SiteAuditResult) {
	if q.archive == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		q.logger.Error("marshal archived result", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	path := fmt.Sprintf("scans/%s.json", jobID)
	if _, err := q.archive.Put(ctx, path, "application/json", data); err != nil {
		q.logger.Warn("archive scan result", zap.String("job_id", jobID), zap.Error(err))
	}
}

// emit forwards a lifecycle event best-effort; delivery failures are
// logged, never surfaced to job execution.
func (q *Queue) emit(ctx context.Context, evt events.Event) {
	if q.publisher == nil || q.cfg.Topic == "" {
		return
	}
	if err := evt.Validate(); err != nil {
		q.logger.Debug("discarding invalid lifecycle event", zap.Error(err))
		return
	}
	if _, err := q.publisher.Publish(ctx, q.cfg.Topic, evt); err != nil {
		q.logger.Warn("publish lifecycle event",
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
			zap.Error(err),
		)
	}
}
