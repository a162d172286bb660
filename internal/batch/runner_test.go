package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aaj441/wcag-ai-platform-sub010/internal/breaker"
	"github.com/aaj441/wcag-ai-platform-sub010/internal/scan"
)

type stubProbe struct {
	mu       sync.Mutex
	failFor  map[string]error
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	readyErr error
}

func (p *stubProbe) Inspect(_ context.Context, url string) (scan.PageMetrics, error) {
	cur := p.inFlight.Add(1)
	for {
		peak := p.peak.Load()
		if cur <= peak || p.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	defer p.inFlight.Add(-1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	err := p.failFor[url]
	p.mu.Unlock()
	if err != nil {
		return scan.PageMetrics{}, err
	}
	return scan.PageMetrics{Title: "page", HasViewport: true, Images: 1}, nil
}

func (p *stubProbe) Ready(context.Context) error { return p.readyErr }

type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *tickClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRunner(t *testing.T, cfg Config, probe scan.Probe) *Runner {
	t.Helper()
	brk, err := breaker.New(breaker.Config{FailureThreshold: 1000, SuccessThreshold: 1, Timeout: time.Millisecond}, nil, nil)
	require.NoError(t, err)
	r, err := New(cfg, probe, brk, nil, nil, nil)
	require.NoError(t, err)
	return r
}

func waitForStatus(t *testing.T, r *Runner, id string, want scan.BatchStatus) scan.BatchJob {
	t.Helper()
	var job scan.BatchJob
	require.Eventually(t, func() bool {
		got, err := r.GetJobStatus(id)
		if err != nil {
			return false
		}
		job = got
		return got.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func TestCreateAuditJobValidation(t *testing.T) {
	t.Parallel()

	r := newTestRunner(t, Config{}, &stubProbe{})
	_, err := r.CreateAuditJob(nil)
	require.Error(t, err)
	_, err = r.CreateAuditJob([]string{"not a url"})
	require.ErrorIs(t, err, scan.ErrInvalidURL)
}

func TestCreateAuditJobAllSucceed(t *testing.T) {
	t.Parallel()

	r := newTestRunner(t, Config{}, &stubProbe{})
	handle, err := r.CreateAuditJob([]string{"https://a.com", "https://b.com"})
	require.NoError(t, err)
	require.Equal(t, scan.BatchProgress{Total: 2}, handle.Progress)
	require.NotEmpty(t, handle.ID)

	job := waitForStatus(t, r, handle.ID, scan.BatchCompleted)
	require.Equal(t, scan.BatchProgress{Total: 2, Completed: 2, Failed: 0}, job.Progress)
	require.Len(t, job.Results, 2)
	require.True(t, job.Results["https://a.com"].Success)
	require.True(t, job.Results["https://b.com"].Success)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
}

func TestCreateAuditJobAllFailedStillCompletes(t *testing.T) {
	t.Parallel()

	probe := &stubProbe{failFor: map[string]error{
		"https://a.com": errors.New("nav timeout"),
		"https://b.com": errors.New("nav timeout"),
		"https://c.com": errors.New("nav timeout"),
	}}
	r := newTestRunner(t, Config{}, probe)
	handle, err := r.CreateAuditJob([]string{"https://a.com", "https://b.com", "https://c.com"})
	require.NoError(t, err)

	job := waitForStatus(t, r, handle.ID, scan.BatchCompleted)
	require.Equal(t, scan.BatchProgress{Total: 3, Completed: 0, Failed: 3}, job.Progress)
	for _, res := range job.Results {
		require.False(t, res.Success)
		require.Contains(t, res.ErrorText, "nav timeout")
	}
}

func TestCreateAuditJobPartialFailureIsolation(t *testing.T) {
	t.Parallel()

	probe := &stubProbe{failFor: map[string]error{"https://bad.com": errors.New("boom")}}
	r := newTestRunner(t, Config{BatchSize: 2}, probe)
	handle, err := r.CreateAuditJob([]string{"https://good.com", "https://bad.com", "https://also-good.com"})
	require.NoError(t, err)

	job := waitForStatus(t, r, handle.ID, scan.BatchCompleted)
	require.Equal(t, scan.BatchProgress{Total: 3, Completed: 2, Failed: 1}, job.Progress)
	require.True(t, job.Results["https://good.com"].Success)
	require.False(t, job.Results["https://bad.com"].Success)
}

func TestConcurrencyCeiling(t *testing.T) {
	t.Parallel()

	probe := &stubProbe{delay: 20 * time.Millisecond}
	r := newTestRunner(t, Config{BatchSize: 3}, probe)

	urls := make([]string, 0, 24)
	for i := 0; i < 24; i++ {
		urls = append(urls, "https://site"+strings.Repeat("x", i%3)+".com/"+strings.Repeat("p", i))
	}
	handle, err := r.CreateAuditJob(urls)
	require.NoError(t, err)

	job := waitForStatus(t, r, handle.ID, scan.BatchCompleted)
	require.Equal(t, 24, job.Progress.Completed+job.Progress.Failed)
	require.LessOrEqual(t, probe.peak.Load(), int32(3))
}

func TestGetJobStatusNotFound(t *testing.T) {
	t.Parallel()

	r := newTestRunner(t, Config{}, &stubProbe{})
	_, err := r.GetJobStatus("no-such-batch")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetJobStatusStableSnapshots(t *testing.T) {
	t.Parallel()

	r := newTestRunner(t, Config{}, &stubProbe{})
	handle, err := r.CreateAuditJob([]string{"https://a.com"})
	require.NoError(t, err)
	waitForStatus(t, r, handle.ID, scan.BatchCompleted)

	first, err := r.GetJobStatus(handle.ID)
	require.NoError(t, err)
	second, err := r.GetJobStatus(handle.ID)
	require.NoError(t, err)
	require.Equal(t, first, second)

	// Mutating a snapshot must not leak into the runner's state.
	first.Results["https://a.com"] = scan.SiteAuditResult{URL: "tampered"}
	third, err := r.GetJobStatus(handle.ID)
	require.NoError(t, err)
	require.Equal(t, second, third)
}

func TestPreflightFailureFailsWholeJob(t *testing.T) {
	t.Parallel()

	probe := &stubProbe{readyErr: errors.New("chrome allocator unavailable")}
	r := newTestRunner(t, Config{}, probe)
	handle, err := r.CreateAuditJob([]string{"https://a.com", "https://b.com"})
	require.NoError(t, err)

	job := waitForStatus(t, r, handle.ID, scan.BatchFailed)
	require.Contains(t, job.ErrorText, "chrome allocator unavailable")
	require.Equal(t, scan.BatchProgress{Total: 2}, job.Progress)
	require.Empty(t, job.Results)
}

func TestFinishedBatchesEvictedAfterTTL(t *testing.T) {
	t.Parallel()

	clock := &tickClock{now: time.Unix(1000, 0)}
	brk, err := breaker.New(breaker.Config{FailureThreshold: 1000, SuccessThreshold: 1, Timeout: time.Millisecond}, nil, nil)
	require.NoError(t, err)
	r, err := New(Config{CompletedTTL: time.Minute}, &stubProbe{}, brk, clock, nil, nil)
	require.NoError(t, err)

	old, err := r.CreateAuditJob([]string{"https://a.com"})
	require.NoError(t, err)
	waitForStatus(t, r, old.ID, scan.BatchCompleted)

	// Still within the TTL: a new submission must not evict it.
	clock.advance(30 * time.Second)
	kept, err := r.CreateAuditJob([]string{"https://b.com"})
	require.NoError(t, err)
	_, err = r.GetJobStatus(old.ID)
	require.NoError(t, err)

	waitForStatus(t, r, kept.ID, scan.BatchCompleted)
	clock.advance(2 * time.Minute)
	fresh, err := r.CreateAuditJob([]string{"https://c.com"})
	require.NoError(t, err)

	_, err = r.GetJobStatus(old.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = r.GetJobStatus(kept.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = r.GetJobStatus(fresh.ID)
	require.NoError(t, err)
}

func TestConfigRejectsNegativeCompletedTTL(t *testing.T) {
	t.Parallel()

	cfg := Config{CompletedTTL: -time.Second}
	cfg.setDefaults()
	require.Error(t, cfg.Validate())
}
