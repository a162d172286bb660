// Package batch implements the in-memory, bounded-concurrency runner for
// ad-hoc multi-URL audits. Batches are ephemeral: they live for the run's
// duration and are not expected to survive a restart.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aaj441/wcag-ai-platform-sub010/internal/breaker"
	"github.com/aaj441/wcag-ai-platform-sub010/internal/id/uuid"
	"github.com/aaj441/wcag-ai-platform-sub010/internal/metrics"
	"github.com/aaj441/wcag-ai-platform-sub010/internal/scan"
)

// ErrNotFound distinguishes an unknown batch id from a known batch that
// simply has no updates yet.
var ErrNotFound = errors.New("batch job not found")

// Config controls Runner behavior.
type Config struct {
	// BatchSize is the maximum number of probes in flight at once.
	BatchSize int
	// ProbeTimeout bounds a single probe attempt.
	ProbeTimeout time.Duration
	// CompletedTTL evicts finished batches this long after they reach a
	// terminal status. Zero keeps them for the process lifetime.
	CompletedTTL time.Duration
}

func (c *Config) setDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 4
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 45 * time.Second
	}
}

// Validate fails fast on unusable settings.
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch: batch size must be >= 1, got %d", c.BatchSize)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("batch: probe timeout must be > 0, got %v", c.ProbeTimeout)
	}
	if c.CompletedTTL < 0 {
		return fmt.Errorf("batch: completed ttl must be >= 0, got %v", c.CompletedTTL)
	}
	return nil
}

// Runner executes ad-hoc multi-URL audits with per-item isolation.
type Runner struct {
	cfg    Config
	probe  scan.Probe
	brk    *breaker.Breaker
	clock  scan.Clock
	idGen  scan.IDGenerator
	logger *zap.Logger

	mu   sync.Mutex
	jobs map[string]*scan.BatchJob
}

// New constructs a Runner.
func New(cfg Config, probe scan.Probe, brk *breaker.Breaker, clock scan.Clock, idGen scan.IDGenerator, logger *zap.Logger) (*Runner, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if probe == nil {
		return nil, errors.New("batch: probe is required")
	}
	if brk == nil {
		return nil, errors.New("batch: breaker is required")
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
	return &Runner{
		cfg:    cfg,
		probe:  probe,
		brk:    brk,
		clock:  clock,
		idGen:  idGen,
		logger: logger,
		jobs:   make(map[string]*scan.BatchJob),
	}, nil
}

// CreateAuditJob validates the URL list, registers a pending batch, and
// starts processing asynchronously. The returned snapshot is the caller's
// handle; progress is observable via GetJobStatus.
func (r *Runner) CreateAuditJob(urls []string) (scan.BatchJob, error) {
	if len(urls) == 0 {
		return scan.BatchJob{}, errors.New("batch: at least one url is required")
	}
	for _, u := range urls {
		if err := scan.ValidateTargetURL(u); err != nil {
			return scan.BatchJob{}, err
		}
	}
	id, err := r.idGen.NewID()
	if err != nil {
		return scan.BatchJob{}, fmt.Errorf("generate batch id: %w", err)
	}
	job := &scan.BatchJob{
		ID:       id,
		URLs:     append([]string(nil), urls...),
		Status:   scan.BatchPending,
		Progress: scan.BatchProgress{Total: len(urls)},
		Results:  make(map[string]scan.SiteAuditResult, len(urls)),
	}
	r.mu.Lock()
	r.evictExpired()
	r.jobs[id] = job
	r.mu.Unlock()

	go r.run(id, job.URLs)
	return snapshot(job), nil
}

// GetJobStatus returns a deep-copied snapshot of the batch, or ErrNotFound
// for an unknown id.
func (r *Runner) GetJobStatus(id string) (scan.BatchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return scan.BatchJob{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return snapshot(job), nil
}

func (r *Runner) run(id string, urls []string) {
	if err := r.preflight(); err != nil {
		// The backend never became available: the run itself could not
		// start, which is the only whole-job failure case.
		now := r.clock.Now()
		r.update(id, func(job *scan.BatchJob) {
			job.Status = scan.BatchFailed
			job.ErrorText = err.Error()
			job.CompletedAt = &now
		})
		metrics.RecordBatchJob("failed")
		r.logger.Error("batch audit could not start", zap.String("batch_id", id), zap.Error(err))
		return
	}

	started := r.clock.Now()
	r.update(id, func(job *scan.BatchJob) {
		job.Status = scan.BatchInProgress
		job.StartedAt = &started
	})

	// Fixed-size concurrent batches: at most BatchSize probes in flight,
	// one failed URL never aborts its siblings.
	for start := 0; start < len(urls); start += r.cfg.BatchSize {
		end := start + r.cfg.BatchSize
		if end > len(urls) {
			end = len(urls)
		}
		var wg sync.WaitGroup
		for _, u := range urls[start:end] {
			wg.Add(1)
			go func(target string) {
				defer wg.Done()
				r.auditOne(id, target)
			}(u)
		}
		wg.Wait()
	}

	done := r.clock.Now()
	r.update(id, func(job *scan.BatchJob) {
		// Completed once every URL is accounted for, even if all failed.
		job.Status = scan.BatchCompleted
		job.CompletedAt = &done
	})
	metrics.RecordBatchJob("completed")
	r.logger.Info("batch audit finished",
		zap.String("batch_id", id),
		zap.Int("urls", len(urls)),
		zap.Duration("elapsed", done.Sub(started)),
	)
}

func (r *Runner) preflight() error {
	checker, ok := r.probe.(scan.ReadyChecker)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ProbeTimeout)
	defer cancel()
	if err := checker.Ready(ctx); err != nil {
		return fmt.Errorf("probe backend unavailable: %w", err)
	}
	return nil
}

func (r *Runner) auditOne(id, url string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ProbeTimeout)
	defer cancel()

	var m scan.PageMetrics
	start := time.Now()
	err := r.brk.Do(ctx, func(ctx context.Context) error {
		var probeErr error
		m, probeErr = r.probe.Inspect(ctx, url)
		return probeErr
	})
	elapsed := time.Since(start)
	metrics.ObserveProbe("batch", elapsed)

	if err != nil {
		metrics.RecordBatchURL("failure")
		r.update(id, func(job *scan.BatchJob) {
			job.Progress.Failed++
			job.Results[url] = scan.SiteAuditResult{
				URL:          url,
				PageLoadTime: elapsed,
				Success:      false,
				ErrorText:    err.Error(),
			}
		})
		r.logger.Warn("batch url audit failed",
			zap.String("batch_id", id),
			zap.String("url", url),
			zap.Error(err),
		)
		return
	}

	metrics.RecordBatchURL("success")
	r.update(id, func(job *scan.BatchJob) {
		job.Progress.Completed++
		job.Results[url] = scan.SiteAuditResult{
			URL:          url,
			Signals:      scan.DeriveSignals(url, m),
			Metrics:      m,
			PageLoadTime: elapsed,
			Success:      true,
		}
	})
}

// evictExpired drops terminal batches whose CompletedTTL elapsed. Caller
// must hold r.mu.
func (r *Runner) evictExpired() {
	if r.cfg.CompletedTTL <= 0 {
		return
	}
	cutoff := r.clock.Now().Add(-r.cfg.CompletedTTL)
	for id, job := range r.jobs {
		if job.CompletedAt != nil && !job.CompletedAt.After(cutoff) {
			delete(r.jobs, id)
		}
	}
}

func (r *Runner) update(id string, apply func(*scan.BatchJob)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		apply(job)
	}
}

func snapshot(job *scan.BatchJob) scan.BatchJob {
	out := *job
	out.URLs = append([]string(nil), job.URLs...)
	out.Results = make(map[string]scan.SiteAuditResult, len(job.Results))
	for k, v := range job.Results {
		out.Results[k] = v
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		out.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
