package dispatch

import "time"

// Backoff returns the delay before retry number attempt (1-based):
// base * 2^(attempt-1), capped at maxDelay. Past the cap every retry waits
// maxDelay; nothing is ever dropped.
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = defaultRetryBase
	}
	if maxDelay < base {
		maxDelay = base
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}
	return d
}

// retryGate holds back one occurrence after a failed attempt. It only
// applies while the stored entry still carries the same fire time; a
// reschedule or policy change releases it.
type retryGate struct {
	fireTime  time.Time
	attempts  int
	notBefore time.Time
}

func (g retryGate) holds(e time.Time, now time.Time) bool {
	return g.fireTime.Equal(e) && g.notBefore.After(now)
}
