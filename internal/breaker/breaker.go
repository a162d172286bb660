// Package breaker implements a circuit breaker guarding calls into the
// scan probe backend. It fast-fails while the backend is down and
// cautiously probes recovery after a cool-down.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aaj441/wcag-ai-platform-sub010/internal/scan"
)

// State identifies the breaker's position in its state machine.
type State string

// Breaker states.
const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrOpen rejects a call made while the circuit is open. The guarded
// function is never invoked and the rejection does not count as a failure.
var ErrOpen = errors.New("circuit open")

// Config sets the breaker thresholds.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit from CLOSED.
	FailureThreshold int
	// SuccessThreshold is the consecutive-success count that closes the
	// circuit from HALF_OPEN.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before the next call is
	// allowed through. Zero means the next call is immediately eligible.
	Timeout time.Duration
}

// Validate fails fast on thresholds that would make the breaker inert.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("breaker: failure threshold must be >= 1, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("breaker: success threshold must be >= 1, got %d", c.SuccessThreshold)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("breaker: timeout must be >= 0, got %v", c.Timeout)
	}
	return nil
}

// Snapshot is a point-in-time view of the breaker returned by GetState.
type Snapshot struct {
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes"`
	NextAttempt time.Time `json:"next_attempt,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Breaker is safe for concurrent use; counter updates and state
// transitions happen under one mutex so simultaneous failures cannot
// double-transition.
type Breaker struct {
	cfg    Config
	clock  scan.Clock
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	nextAttempt time.Time
	lastError   string
}

// New constructs a Breaker in the CLOSED state.
func New(cfg Config, clock scan.Clock, logger *zap.Logger) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = scan.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		state:  StateClosed,
	}, nil
}

// Do executes fn if the circuit permits it. While OPEN and before the
// cool-down elapses it returns ErrOpen without invoking fn. Any error from
// fn counts as a failure.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return nil
	}
	if b.clock.Now().Before(b.nextAttempt) {
		return ErrOpen
	}
	// Cool-down elapsed: this call is the recovery probe.
	b.transition(StateHalfOpen)
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.lastError = err.Error()
		b.successes = 0
		switch b.state {
		case StateClosed:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.trip()
			}
		case StateHalfOpen:
			// The accumulated failure count is kept for diagnostics.
			b.trip()
		}
		return
	}
	switch b.state {
	case StateClosed:
		b.failures = 0
		b.successes++
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.transition(StateClosed)
		}
	}
}

// trip opens the circuit and arms the cool-down. Caller holds b.mu.
func (b *Breaker) trip() {
	b.nextAttempt = b.clock.Now().Add(b.cfg.Timeout)
	b.transition(StateOpen)
}

// transition logs and applies a state change. Caller holds b.mu.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.logger.Info("breaker state change",
		zap.String("from", string(b.state)),
		zap.String("to", string(to)),
	)
	b.state = to
}

// GetState returns a consistent snapshot of the breaker.
func (b *Breaker) GetState() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:       b.state,
		Failures:    b.failures,
		Successes:   b.successes,
		NextAttempt: b.nextAttempt,
		LastError:   b.lastError,
	}
}

// RetryAt reports when an open circuit will next admit a call. For a
// closed or half-open circuit it returns the zero time.
func (b *Breaker) RetryAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return time.Time{}
	}
	return b.nextAttempt
}

// Reset forces CLOSED with zeroed counters and a cleared last error.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.successes = 0
	b.lastError = ""
	b.nextAttempt = time.Time{}
	b.transition(StateClosed)
}
