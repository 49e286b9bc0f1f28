package worker

import "time"

// DefaultMaxRetryDelay caps RetryDelay.
const DefaultMaxRetryDelay = 2 * time.Hour

// RetryDelay is how long a step that returned an error waits before its
// next attempt: executionCount cubed, in seconds, capped at max.
func RetryDelay(executionCount int, max time.Duration) time.Duration {
	if max <= 0 {
		max = DefaultMaxRetryDelay
	}
	if executionCount < 1 {
		executionCount = 1
	}

	n := int64(executionCount)
	if n > 1<<20 || n*n*n > int64(max/time.Second) {
		return max.Truncate(time.Second)
	}
	return time.Duration(n*n*n) * time.Second
}
