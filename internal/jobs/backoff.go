package jobs

import "time"

// Backoff returns min(maxDelay, base * 2^attempt). attempt is the zero-based index
// of the attempt that just failed. The sequence is non-decreasing and never
// overflows.
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if maxDelay < base {
		maxDelay = base
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d > maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// RetryDelay is the delay before retrying spec after attempt failed with err.
// A Retry-After hint raises the delay but never past the cap.
func RetryDelay(spec Spec, attempt int, err error) time.Duration {
	d := Backoff(spec.BackoffBase, spec.BackoffCap, attempt)
	if hint, ok := RetryAfterHint(err); ok && hint > d {
		d = hint
		if spec.BackoffCap > 0 && d > spec.BackoffCap {
			d = spec.BackoffCap
		}
	}
	return d
}
