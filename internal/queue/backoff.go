package queue

import "time"

// maxDelay keeps requeues under nsqd's default --max-req-timeout.
const maxDelay = time.Hour

// BackoffDelay returns base * 2^(attempt-1) for a 1-based attempt, capped at maxDelay.
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}
