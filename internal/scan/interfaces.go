package scan

import (
	"context"
	"time"
)

// Probe inspects one target URL and returns raw page measurements. It is
// the only I/O-bound capability the orchestration core depends on; the
// core never interprets anything beyond success or failure.
type Probe interface {
	Inspect(ctx context.Context, url string) (PageMetrics, error)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context, url string) (PageMetrics, error)

// Inspect implements Probe.
func (f ProbeFunc) Inspect(ctx context.Context, url string) (PageMetrics, error) {
	return f(ctx, url)
}

// ReadyChecker is optionally implemented by probes whose backend needs a
// preflight check (e.g. a browser allocator) before a run can start.
type ReadyChecker interface {
	Ready(ctx context.Context) error
}

// JobStore persists queue jobs and mediates dispatch. Implementations must
// make AcquireNext safe against concurrent workers: a job is handed to at
// most one worker while its lock holds.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	// AcquireNext claims the highest-priority due job (lowest Priority
	// value first, submission order among equal priorities), moves it to
	// active with a lock of lockFor, and reports whether a job was found.
	AcquireNext(ctx context.Context, now time.Time, lockFor time.Duration) (Job, bool, error)
	// RenewLock extends the lock on an active job.
	RenewLock(ctx context.Context, id string, until time.Time) error
	MarkCompleted(ctx context.Context, id string, result *SiteAuditResult, attempts int, at time.Time) error
	MarkFailed(ctx context.Context, id string, errText string, attempts int, at time.Time) error
	// ScheduleRetry moves a job to delayed, due again at runAt.
	ScheduleRetry(ctx context.Context, id string, errText string, attempts int, runAt time.Time) error
	// RequeueStalled returns active jobs whose lock expired to waiting
	// and reports how many were reclaimed.
	RequeueStalled(ctx context.Context, now time.Time) (int, error)
	// RequeueFailed returns a terminally failed job to waiting.
	RequeueFailed(ctx context.Context, id string, runAt time.Time) error
	Stats(ctx context.Context) (QueueStats, error)
	// ListRecent returns up to limit jobs in the given state, most recent
	// submission first. An empty state matches all states.
	ListRecent(ctx context.Context, limit int, state JobState) ([]Job, error)
	// PurgeCompleted removes completed jobs finished at or before cutoff
	// and reports how many were purged.
	PurgeCompleted(ctx context.Context, cutoff time.Time) (int, error)
	Close(ctx context.Context) error
}

// Publisher pushes lifecycle events to an external sink (Pub/Sub or
// similar). The core defines the payload shape, not the transport.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Archive retains raw audit output for terminal jobs so failures can be
// inspected after the fact.
type Archive interface {
	Put(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock Clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
