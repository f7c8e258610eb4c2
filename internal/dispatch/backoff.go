package dispatch

import (
	"time"

	"github.com/karlvoss/adjutant/internal/apperr"
)

// Backoff strategies.
const (
	BackoffNone        = "none"
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// RetryPolicy decides whether and when a failed execution is retried.
// MaxAttempts includes the first attempt.
type RetryPolicy struct {
	Strategy    string `json:"strategy"`
	BaseSeconds int    `json:"base_seconds"`
	MaxAttempts int    `json:"max_attempts"`
}

// DefaultRetryPolicy matches the configured knob defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Strategy: BackoffExponential, BaseSeconds: 30, MaxAttempts: 3}
}

// Validate rejects malformed policies.
func (p RetryPolicy) Validate() error {
	switch p.Strategy {
	case BackoffNone, BackoffFixed, BackoffExponential:
	default:
		return apperr.E(apperr.KindValidation, "backoff strategy %q not supported", p.Strategy)
	}
	if p.BaseSeconds < 0 {
		return apperr.E(apperr.KindValidation, "backoff base must be >= 0")
	}
	if p.MaxAttempts < 1 {
		return apperr.E(apperr.KindValidation, "max attempts must be >= 1")
	}
	return nil
}

// Delay returns the wait before retry number retryCount (1-based).
// exponential: base·2^(retryCount−1).
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	base := time.Duration(p.BaseSeconds) * time.Second
	switch p.Strategy {
	case BackoffNone:
		return 0
	case BackoffFixed:
		return base
	case BackoffExponential:
		return base * (1 << (retryCount - 1))
	default:
		return base
	}
}

// RetryAt computes the timestamp of retry number retryCount after a failure
// that finished at finishedAt.
func (p RetryPolicy) RetryAt(finishedAt time.Time, retryCount int) time.Time {
	return finishedAt.Add(p.Delay(retryCount))
}
