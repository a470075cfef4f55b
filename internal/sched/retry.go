package sched

import (
	"math"
	"math/rand"
	"time"
)

// retryBackoff computes the delay before 1-based attempt k:
//
//	min(MaxTimeout, round(r * max(MinTimeout, 1ms) * Factor^(k-1)))
//
// with r = 1, or uniform in [1, 2) when Randomize is set.
func retryBackoff(opts RetryOptions, attempt int, rng *rand.Rand) time.Duration {
	minMs := float64(opts.MinTimeout.Milliseconds())
	if minMs < 1 {
		minMs = 1
	}
	factor := opts.Factor
	if factor <= 0 {
		factor = 2
	}
	r := 1.0
	if opts.Randomize && rng != nil {
		r = 1 + rng.Float64()
	}

	ms := math.Round(r * minMs * math.Pow(factor, float64(attempt-1)))
	if ms < 0 || ms > math.MaxInt64/float64(time.Millisecond) {
		ms = math.MaxInt64 / float64(time.Millisecond)
	}
	d := time.Duration(ms) * time.Millisecond
	if opts.MaxTimeout > 0 && d > opts.MaxTimeout {
		d = opts.MaxTimeout
	}
	return d
}

// scheduleRetryLocked parks t between a failure and its next attempt. When
// the timer fires the task is re-admitted with retryAttempt incremented;
// the waiting-timeout timer is deliberately not re-armed on re-admission.
func (s *Scheduler) scheduleRetryLocked(t *task, delay time.Duration) {
	t.state = taskRetryWait
	s.retryWait[t] = struct{}{}
	tt := t
	t.retryTimer = time.AfterFunc(delay, func() { s.onRetryTimer(tt) })
}

func (s *Scheduler) onRetryTimer(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.state != taskRetryWait {
		return
	}
	delete(s.retryWait, t)
	t.retryTimer = nil
	t.retryAttempt++

	// Re-admission bypasses the stopped gate: a stop without
	// StopTaskRetries drains retrying tasks naturally.
	s.admitLocked(t, true, s.clock())
}
