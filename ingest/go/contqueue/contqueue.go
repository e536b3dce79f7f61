// Package contqueue holds the continuation-queue policy: the backoff
// schedule for re-dispatching interrupted scholars and the reasons a job
// is dropped. Queue persistence lives in the store layer; the scheduler
// and run engine share these rules.
package contqueue

import (
	"time"
)

// Terminal drop reasons.
const (
	DropMaxAttempts        = "max_attempts_exhausted"
	DropScholarUnavailable = "scholar_unavailable"
	DropIngestionError     = "ingestion_retries_exhausted"
)

// maxShift caps the exponential term so large attempt counts cannot
// overflow a Duration.
const maxShift = 30

// Backoff returns min(base * 2^(attempt-1), max). base is floored at one
// second, max at base, attempt at 1.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base < time.Second {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > maxShift {
		shift = maxShift
	}
	d := base << shift
	if d > max || d < 0 {
		return max
	}
	return d
}

// ShouldDrop reports whether a job has used up its attempt budget.
func ShouldDrop(attemptCount, maxAttempts int) bool {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return attemptCount >= maxAttempts
}
