// Package backoff computes retry delays from an attempt number and a retry
// policy. Everything here is pure: the same inputs always give the same
// delay, so a delay can be recomputed later from the persisted job log.
package backoff

import (
	"math"
	"time"

	"github.com/ChuLiYu/jobflow/pkg/types"
)

// MaxDelay is the ceiling every computed delay saturates at.
const MaxDelay = time.Duration(math.MaxInt64)

// NextAttemptDelay returns the delay to wait before retrying after the
// attempt-th failure (1-indexed).
//
//   - fixed:       delay
//   - exponential: delay * 2^(attempt-1), capped at MaxDelay
//
// ok is false when attempt is outside [1, policy.Attempts]; the caller must
// then treat the task as exhausted rather than schedule it.
func NextAttemptDelay(attempt int, policy types.RetryPolicy) (time.Duration, bool) {
	if attempt < 1 || attempt > policy.Attempts {
		return 0, false
	}
	if policy.Backoff == nil || policy.Backoff.Delay <= 0 {
		return 0, true
	}

	if int64(policy.Backoff.Delay) > int64(MaxDelay/time.Millisecond) {
		return MaxDelay, true
	}
	base := time.Duration(policy.Backoff.Delay) * time.Millisecond
	switch policy.Backoff.Type {
	case types.BackoffExponential:
		shift := attempt - 1
		if shift >= 63 || base > MaxDelay>>shift {
			return MaxDelay, true
		}
		return base << shift, true
	default:
		return base, true
	}
}

// Exhausted reports whether a task that has failed failures times may not
// run again under policy. attempts counts total tries, so a policy with
// attempts 3 allows three failures before the task is exhausted.
func Exhausted(failures int, policy types.RetryPolicy) bool {
	return failures >= policy.Attempts
}

// WorkflowDelay returns the delay that governs a workflow retry: the longest
// of the per-task delays of the tasks that failed in the attempt.
func WorkflowDelay(delays ...time.Duration) time.Duration {
	var longest time.Duration
	for _, d := range delays {
		if d > longest {
			longest = d
		}
	}
	return longest
}

// ValidType reports whether t names a known strategy. The empty type means
// fixed.
func ValidType(t types.BackoffType) bool {
	switch t {
	case "", types.BackoffFixed, types.BackoffExponential:
		return true
	}
	return false
}
