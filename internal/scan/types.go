// Package scan defines core types shared across the audit orchestration
// subsystems.
package scan

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// JobState represents the lifecycle state of a queued scan job.
type JobState string

// Job state values persisted in the job store.
const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateDelayed   JobState = "delayed"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether the state admits no further transitions by the
// dispatcher. Failed jobs may still be re-queued manually.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// JobKind tags the payload schema of a queued job. The schema is closed:
// submission rejects kinds that are not listed here.
type JobKind string

// KindSiteScan audits a single target URL.
const KindSiteScan JobKind = "site_scan"

// BackoffType selects the retry delay curve.
type BackoffType string

// Supported backoff types.
const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// BackoffPolicy controls retry spacing for a job.
type BackoffPolicy struct {
	Type      BackoffType   `json:"type"`
	BaseDelay time.Duration `json:"base_delay"`
	MaxDelay  time.Duration `json:"max_delay"`
}

// Job is the unit of work tracked by the persistent queue.
type Job struct {
	ID           string           `json:"id"`
	Kind         JobKind          `json:"kind"`
	URL          string           `json:"url"`
	Priority     int              `json:"priority"`
	AttemptsMade int              `json:"attempts_made"`
	MaxAttempts  int              `json:"max_attempts"`
	Backoff      BackoffPolicy    `json:"backoff"`
	State        JobState         `json:"state"`
	RunAt        time.Time        `json:"run_at"`
	LockedUntil  time.Time        `json:"locked_until,omitempty"`
	SubmittedAt  time.Time        `json:"submitted_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	Result       *SiteAuditResult `json:"result,omitempty"`
	ErrorText    string           `json:"error_text,omitempty"`
}

// PageMetrics is the raw measurement returned by a Probe for one page.
type PageMetrics struct {
	Title            string `json:"title"`
	HasViewport      bool   `json:"has_viewport"`
	Images           int    `json:"images"`
	ImagesWithoutAlt int    `json:"images_without_alt"`
	Buttons          int    `json:"buttons"`
	Inputs           int    `json:"inputs"`
	Links            int    `json:"links"`
	Headings         int    `json:"headings"`
}

// ComplianceSignals are derived accessibility indicators for one page.
type ComplianceSignals struct {
	HasTitle            bool    `json:"has_title"`
	HasViewport         bool    `json:"has_viewport"`
	UsesHTTPS           bool    `json:"uses_https"`
	MissingAltRatio     float64 `json:"missing_alt_ratio"`
	ImageAltOK          bool    `json:"image_alt_ok"`
	HasHeadings         bool    `json:"has_headings"`
	InteractiveElements int     `json:"interactive_elements"`
}

// SiteAuditResult records the outcome of auditing one URL.
type SiteAuditResult struct {
	URL          string            `json:"url"`
	Signals      ComplianceSignals `json:"signals"`
	Metrics      PageMetrics       `json:"metrics"`
	PageLoadTime time.Duration     `json:"page_load_time"`
	Success      bool              `json:"success"`
	ErrorText    string            `json:"error_text,omitempty"`
}

// BatchStatus represents the lifecycle state of an ad-hoc batch audit.
type BatchStatus string

// Batch status values.
const (
	BatchPending    BatchStatus = "pending"
	BatchInProgress BatchStatus = "in_progress"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// BatchProgress tracks per-URL accounting for a batch audit.
type BatchProgress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// BatchJob is an ephemeral multi-URL audit tracked in memory for the run's
// duration.
type BatchJob struct {
	ID          string                     `json:"job_id"`
	URLs        []string                   `json:"urls"`
	Status      BatchStatus                `json:"status"`
	Progress    BatchProgress              `json:"progress"`
	Results     map[string]SiteAuditResult `json:"results"`
	StartedAt   *time.Time                 `json:"started_at,omitempty"`
	CompletedAt *time.Time                 `json:"completed_at,omitempty"`
	ErrorText   string                     `json:"error_text,omitempty"`
}

// QueueStats is a point-in-time count of jobs per state.
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// Health summarizes queue operability for callers.
type Health struct {
	Healthy bool       `json:"healthy"`
	Message string     `json:"message"`
	Stats   QueueStats `json:"stats"`
}

// ErrInvalidURL rejects submissions whose target is not an absolute
// http(s) URL.
var ErrInvalidURL = errors.New("target must be an absolute http(s) url")

// ErrJobNotFound is returned by stores when a job id is unknown.
var ErrJobNotFound = errors.New("job not found")

// ValidateTargetURL enforces the submission-time URL schema.
func ValidateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}
