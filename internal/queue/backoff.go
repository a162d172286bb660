package queue

import (
	"fmt"
	"time"

	"github.com/aaj441/wcag-ai-platform-sub010/internal/scan"
)

// backoffDelay returns the wait before retrying a job whose attempt number
// attempts just failed. Exponential doubles per attempt, capped at
// MaxDelay when set; fixed always waits BaseDelay.
func backoffDelay(policy scan.BackoffPolicy, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	switch policy.Type {
	case scan.BackoffFixed:
		return policy.BaseDelay
	default:
		delay := policy.BaseDelay
		for i := 1; i < attempts; i++ {
			delay *= 2
			if policy.MaxDelay > 0 && delay >= policy.MaxDelay {
				return policy.MaxDelay
			}
		}
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			return policy.MaxDelay
		}
		return delay
	}
}

func validateBackoff(policy scan.BackoffPolicy) error {
	switch policy.Type {
	case scan.BackoffFixed, scan.BackoffExponential:
	default:
		return fmt.Errorf("queue: unknown backoff type %q", policy.Type)
	}
	if policy.BaseDelay <= 0 {
		return fmt.Errorf("queue: backoff base delay must be > 0, got %v", policy.BaseDelay)
	}
	if policy.MaxDelay < 0 {
		return fmt.Errorf("queue: backoff max delay must be >= 0, got %v", policy.MaxDelay)
	}
	return nil
}
