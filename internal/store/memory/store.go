// Package memory provides a JobStore implementation for development and
// testing. Dispatch order and lock reclaim match the durable stores.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/aaj441/wcag-ai-platform-sub010/internal/scan"
)

// ErrNotFound is returned when a job id is unknown.
var ErrNotFound = scan.ErrJobNotFound

type record struct {
	job scan.Job
	seq uint64
}

// Store keeps all jobs in memory behind one mutex.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*record
	seq  uint64
}

// New constructs an empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]*record)}
}

// CreateJob stores a new job.
func (s *Store) CreateJob(_ context.Context, job scan.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.seq++
	s.jobs[job.ID] = &record{job: job, seq: s.seq}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(_ context.Context, id string) (scan.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return scan.Job{}, ErrNotFound
	}
	return rec.job, nil
}

// AcquireNext claims the due job with the lowest priority value, breaking
// ties by submission order, and moves it to active under a lock.
func (s *Store) AcquireNext(_ context.Context, now time.Time, lockFor time.Duration) (scan.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *record
	for _, rec := range s.jobs {
		if !dispatchable(rec.job, now) {
			continue
		}
		if best == nil || rec.job.Priority < best.job.Priority ||
			(rec.job.Priority == best.job.Priority && rec.seq < best.seq) {
			best = rec
		}
	}
	if best == nil {
		return scan.Job{}, false, nil
	}
	best.job.State = scan.JobStateActive
	best.job.LockedUntil = now.Add(lockFor)
	if best.job.StartedAt == nil {
		t := now
		best.job.StartedAt = &t
	}
	return best.job, true, nil
}

func dispatchable(job scan.Job, now time.Time) bool {
	switch job.State {
	case scan.JobStateWaiting, scan.JobStateDelayed:
		return !job.RunAt.After(now)
	default:
		return false
	}
}

// RenewLock extends the lock on an active job.
func (s *Store) RenewLock(_ context.Context, id string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if rec.job.State != scan.JobStateActive {
		return errors.New("job is not active")
	}
	rec.job.LockedUntil = until
	return nil
}

// MarkCompleted records a successful terminal state.
func (s *Store) MarkCompleted(_ context.Context, id string, result *scan.SiteAuditResult, attempts int, at time.Time) error {
	return s.finish(id, func(job *scan.Job) {
		job.State = scan.JobStateCompleted
		job.Result = result
		job.ErrorText = ""
		job.AttemptsMade = attempts
		t := at
		job.FinishedAt = &t
	})
}

// MarkFailed records a terminal failure. The job is retained for
// inspection and manual retry.
func (s *Store) MarkFailed(_ context.Context, id string, errText string, attempts int, at time.Time) error {
	return s.finish(id, func(job *scan.Job) {
		job.State = scan.JobStateFailed
		job.ErrorText = errText
		job.AttemptsMade = attempts
		t := at
		job.FinishedAt = &t
	})
}

// ScheduleRetry moves a job to delayed, due again at runAt.
func (s *Store) ScheduleRetry(_ context.Context, id string, errText string, attempts int, runAt time.Time) error {
	return s.finish(id, func(job *scan.Job) {
		job.State = scan.JobStateDelayed
		job.ErrorText = errText
		job.AttemptsMade = attempts
		job.RunAt = runAt
		job.LockedUntil = time.Time{}
	})
}

func (s *Store) finish(id string, apply func(*scan.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	apply(&rec.job)
	rec.job.LockedUntil = time.Time{}
	return nil
}

// RequeueStalled returns active jobs with expired locks to waiting.
func (s *Store) RequeueStalled(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reclaimed := 0
	for _, rec := range s.jobs {
		if rec.job.State == scan.JobStateActive && rec.job.LockedUntil.Before(now) {
			rec.job.State = scan.JobStateWaiting
			rec.job.LockedUntil = time.Time{}
			rec.job.RunAt = now
			reclaimed++
		}
	}
	return reclaimed, nil
}

// RequeueFailed returns a terminally failed job to waiting.
func (s *Store) RequeueFailed(_ context.Context, id string, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if rec.job.State != scan.JobStateFailed {
		return errors.New("job is not failed")
	}
	rec.job.State = scan.JobStateWaiting
	rec.job.RunAt = runAt
	rec.job.ErrorText = ""
	rec.job.FinishedAt = nil
	return nil
}

// Stats counts jobs per state.
func (s *Store) Stats(_ context.Context) (scan.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats scan.QueueStats
	for _, rec := range s.jobs {
		switch rec.job.State {
		case scan.JobStateWaiting:
			stats.Waiting++
		case scan.JobStateActive:
			stats.Active++
		case scan.JobStateCompleted:
			stats.Completed++
		case scan.JobStateFailed:
			stats.Failed++
		case scan.JobStateDelayed:
			stats.Delayed++
		}
	}
	return stats, nil
}

// ListRecent returns up to limit jobs in state, newest submission first.
// An empty state matches all jobs.
func (s *Store) ListRecent(_ context.Context, limit int, state scan.JobState) ([]scan.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches := make([]*record, 0, len(s.jobs))
	for _, rec := range s.jobs {
		if state == "" || rec.job.State == state {
			matches = append(matches, rec)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].seq > matches[j].seq })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]scan.Job, len(matches))
	for i, rec := range matches {
		out[i] = rec.job
	}
	return out, nil
}

// PurgeCompleted removes completed jobs finished at or before cutoff.
func (s *Store) PurgeCompleted(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, rec := range s.jobs {
		if rec.job.State != scan.JobStateCompleted {
			continue
		}
		if rec.job.FinishedAt != nil && rec.job.FinishedAt.After(cutoff) {
			continue
		}
		delete(s.jobs, id)
		purged++
	}
	return purged, nil
}

// Close is a no-op for the memory store.
func (s *Store) Close(context.Context) error { return nil }
