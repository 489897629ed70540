package pipeline

import "time"

// RetryPolicy decides whether a failed stage attempt is retried and how long
// to wait before the next one. The zero value means a single attempt with no
// retries. A policy is a pure function of its configuration: it holds no
// state between calls, so it can be shared across stages and runs.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Zero is treated as 1 (no retries).
	MaxAttempts int

	// Backoff is the ordered wait schedule: Backoff[0] before attempt 2,
	// Backoff[1] before attempt 3, and so on. When the schedule is shorter
	// than the attempts, the last entry repeats. Empty means no delay.
	Backoff []time.Duration

	// Classify maps a failure to transient or permanent. Nil means
	// DefaultClassify. Only transient failures are retried.
	Classify func(error) Class
}

// ShouldRetry reports whether the stage should be retried after attempt
// (1-based) failed with err.
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if attempt < 1 || attempt >= p.maxAttempts() {
		return false
	}
	classify := p.Classify
	if classify == nil {
		classify = DefaultClassify
	}
	return classify(err) == ClassTransient
}

// DelayBefore returns how long to wait before the given attempt (1-based).
// The first attempt never waits.
func (p RetryPolicy) DelayBefore(attempt int) time.Duration {
	if attempt <= 1 || len(p.Backoff) == 0 {
		return 0
	}
	i := attempt - 2
	if i >= len(p.Backoff) {
		i = len(p.Backoff) - 1
	}
	return p.Backoff[i]
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}
