package engine

import (
	"math/rand"
	"time"
)

// RetryPolicy configures the job-wide fallback retry behavior used when a
// step's own on_error block doesn't fully specify delay (spec.md §4.7.3).
// Exponential backoff with jitter, grounded directly on the teacher's
// graph/policy.go computeBackoff formula: delay = min(base*2^attempt,
// maxDelay) + jitter(0, base).
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy matches spec.md §4.7.3's "exponential back-off of
// 2^attempt seconds" fallback when no global policy overrides it.
var DefaultRetryPolicy = RetryPolicy{
	BaseDelay: time.Second,
	MaxDelay:  30 * time.Second,
}

// computeBackoff returns the delay before attempt (0-based: 0 is the first
// retry, i.e. the second overall attempt). rng may be nil, in which case the
// package-level math/rand source is used; callers that need deterministic
// tests should pass their own *rand.Rand.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	exponential := base * (1 << uint(attempt))
	if maxDelay > 0 && exponential > maxDelay {
		exponential = maxDelay
	}
	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry timing only
	}
	return exponential + jitter
}

// stepRetryDelay resolves the concrete wait before re-executing a step,
// combining the step's on_error.delay_seconds (when set) with the job's
// RetryPolicy exponential fallback (spec.md §4.7.3: "after sleeping delay
// (or, if the global policy applies, after an exponential back-off of
// 2^attempt seconds)").
func stepRetryDelay(onErr *OnError, attempt int, jobPolicy *RetryPolicy) time.Duration {
	if onErr != nil && onErr.DelaySeconds > 0 {
		return time.Duration(onErr.DelaySeconds * float64(time.Second))
	}
	policy := DefaultRetryPolicy
	if jobPolicy != nil {
		policy = *jobPolicy
	}
	return computeBackoff(attempt, policy.BaseDelay, policy.MaxDelay, nil)
}
