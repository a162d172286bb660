// Package events defines the job lifecycle payloads forwarded to external
// sinks. The core owns this shape; the transport is a scan.Publisher.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/aaj441/wcag-ai-platform-sub010/internal/scan"
)

// Stage denotes the lifecycle milestone an Event records.
type Stage string

// Supported lifecycle stages.
const (
	StageCreated   Stage = "JOB_CREATED"
	StageStarted   Stage = "JOB_STARTED"
	StageRetried   Stage = "JOB_RETRIED"
	StageStalled   Stage = "JOB_STALLED"
	StageCompleted Stage = "JOB_COMPLETED"
	StageFailed    Stage = "JOB_FAILED"
)

// Event captures a single job lifecycle milestone.
type Event struct {
	// JobID identifies the queue job or batch this event belongs to.
	JobID string `json:"job_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage `json:"stage"`
	// URL is the audited target, if the event concerns one.
	URL string `json:"url,omitempty"`
	// Attempt is the attempt count at emission time.
	Attempt int `json:"attempt,omitempty"`
	// Result carries the audit outcome on completion.
	Result *scan.SiteAuditResult `json:"result,omitempty"`
	// Error holds failure text for retry/failure stages.
	Error string `json:"error,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCreated, StageStarted, StageRetried, StageStalled, StageCompleted, StageFailed:
		return nil
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
}
