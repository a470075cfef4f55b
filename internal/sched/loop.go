package sched

import (
	"context"
	"fmt"
	"time"
)

// Small slack for summed fractional capacities.
const capacityEpsilon = 1e-9

func (s *Scheduler) fitsLocked(t *task) bool {
	if s.opts.MaxCapacity == nil {
		return true
	}
	return s.usedCapacity+t.capacity <= *s.opts.MaxCapacity+capacityEpsilon
}

func (s *Scheduler) releaseReservedLocked(t *task) {
	if t.reservedCapacity > 0 {
		s.usedCapacity -= t.reservedCapacity
		if s.usedCapacity < 0 {
			s.usedCapacity = 0
		}
		t.reservedCapacity = 0
	}
	if t.reservedConcurrent > 0 {
		s.usedConcurrent -= t.reservedConcurrent
		if s.usedConcurrent < 0 {
			s.usedConcurrent = 0
		}
		t.reservedConcurrent = 0
	}
}

// runLoopLocked dispatches runnable tasks until nothing more fits.
//
// Selection order: a task whose waiting limit has elapsed jumps every
// priority; if that aged head does not fit, the scheduler blocks rather
// than skip to a smaller task (starvation guard). Otherwise the first
// fitting task in priority order is taken.
func (s *Scheduler) runLoopLocked(now time.Time) {
	for {
		if s.opts.MaxConcurrent != nil && s.usedConcurrent >= *s.opts.MaxConcurrent {
			return
		}

		var pick *task
		if aged := s.idx.earliestDeadline(); aged != nil && !aged.timeLimit.After(now) {
			if !s.fitsLocked(aged) {
				return
			}
			pick = aged
		} else {
			pick = s.idx.firstFit(s.fitsLocked)
		}
		if pick == nil {
			return
		}

		if s.limiter != nil {
			r := s.limiter.Reserve()
			if d := r.Delay(); d > 0 {
				r.Cancel()
				s.armDelayWakeLocked(d)
				return
			}
		}

		s.dispatchLocked(pick, now)

		if s.idx.len() == 0 {
			// Nothing left to admit; release-rule timers would only keep
			// the process awake.
			s.sleepRulesLocked()
		}
	}
}

func (s *Scheduler) armDelayWakeLocked(d time.Duration) {
	if s.delayTimer != nil {
		return
	}
	s.delayTimer = time.AfterFunc(d, func() {
		s.mu.Lock()
		s.delayTimer = nil
		s.runLoopLocked(s.clock())
		s.mu.Unlock()
	})
}

func (s *Scheduler) dispatchLocked(t *task, now time.Time) {
	s.idx.remove(t)
	if t.waitTimer != nil {
		t.waitTimer.Stop()
		t.waitTimer = nil
	}

	if s.opts.MaxCapacity != nil {
		if s.opts.CapacityStrategy == CapacityReserve {
			t.reservedCapacity = t.capacity
		}
		// Under claim, the increment is not released on completion.
		s.usedCapacity += t.capacity
	}
	s.usedConcurrent++
	t.reservedConcurrent = 1

	t.state = taskExecuting
	t.dispatchedAt = now
	s.executing[t] = struct{}{}

	ev := t.event(nil)
	ev.QueueDelay = now.Sub(t.timeAdded)
	s.publish(EventDispatched, ev)

	if t.execTimeout > 0 {
		tt := t
		t.execTimer = time.AfterFunc(t.execTimeout, func() { s.onExecTimeout(tt) })
	}

	tt := t
	s.sup.Go("task."+t.id, func(ctx context.Context) error {
		s.runTask(tt)
		return nil
	})
}

func (s *Scheduler) runTask(t *task) {
	var (
		v   any
		err error
	)
	// Convert panics to failures so one bad callback cannot take the
	// scheduler down.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		v, err = t.fn(s.taskCtx)
	}()

	if err == nil {
		s.onTaskCompleted(t, v)
	} else {
		s.onTaskFailed(t, err)
	}
}

func (s *Scheduler) onTaskCompleted(t *task, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.state != taskExecuting {
		// Timed out or rejected during stop; the late result is discarded.
		return
	}
	delete(s.executing, t)
	s.releaseReservedLocked(t)

	now := s.clock()
	t.settle(v, nil)

	ev := t.event(nil)
	ev.QueueDelay = t.dispatchedAt.Sub(t.timeAdded)
	ev.Duration = now.Sub(t.dispatchedAt)
	s.publish(EventCompleted, ev)

	s.checkDrainLocked()
	s.runLoopLocked(now)
}

func (s *Scheduler) onTaskFailed(t *task, taskErr error) {
	s.mu.Lock()

	if t.state != taskExecuting {
		s.mu.Unlock()
		return
	}
	delete(s.executing, t)
	s.releaseReservedLocked(t)
	if t.firstErr == nil {
		t.firstErr = taskErr
	}

	now := s.clock()
	rec := t.recovery
	kind := RecoveryNone
	if rec != nil {
		kind = rec.Kind
	}

	switch kind {
	case RecoveryRetry:
		attempt := t.retryAttempt + 1
		if attempt > rec.Retry.Retries {
			s.settleFailedLocked(t, t.firstErr, now)
			s.mu.Unlock()
			return
		}
		delay := retryBackoff(rec.Retry, attempt, s.rng)
		s.scheduleRetryLocked(t, delay)
		ev := t.event(taskErr)
		ev.Attempt = attempt
		s.publish(EventRetry, ev)
		s.runLoopLocked(now)
		s.mu.Unlock()

	case RecoveryCustom:
		// Park the task, free its resources for others, then consult the
		// hook outside the lock (it is caller code and may block).
		t.state = taskRetryWait
		s.retryWait[t] = struct{}{}
		s.runLoopLocked(now)
		s.mu.Unlock()

		decision, hookErr := rec.OnFailure(s.taskCtx, FailureInfo{Err: taskErr, RetryAttempt: t.retryAttempt})

		s.mu.Lock()
		if t.state != taskRetryWait {
			// Settled meanwhile (e.g. stop with StopTaskRetries).
			s.mu.Unlock()
			return
		}
		now = s.clock()
		switch {
		case hookErr != nil:
			delete(s.retryWait, t)
			err := wrapError(KindOnFailureError,
				fmt.Sprintf("recovery hook failed: %v", hookErr), t.firstErr)
			s.settleFailedLocked(t, err, now)
		case decision.Retry:
			s.scheduleRetryLocked(t, decision.Timeout)
			ev := t.event(taskErr)
			ev.Attempt = t.retryAttempt + 1
			s.publish(EventRetry, ev)
		default:
			delete(s.retryWait, t)
			err := decision.Err
			if err == nil {
				err = t.firstErr
			}
			s.settleFailedLocked(t, err, now)
		}
		s.mu.Unlock()

	default:
		s.settleFailedLocked(t, taskErr, now)
		s.mu.Unlock()
	}
}

func (s *Scheduler) settleFailedLocked(t *task, err error, now time.Time) {
	t.settle(nil, err)
	ev := t.event(err)
	if !t.dispatchedAt.IsZero() {
		ev.Duration = now.Sub(t.dispatchedAt)
	}
	s.publish(EventFailed, ev)
	s.checkDrainLocked()
	s.runLoopLocked(now)
}

func (s *Scheduler) onExecTimeout(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.state != taskExecuting {
		return
	}
	t.execTimer = nil
	delete(s.executing, t)
	s.releaseReservedLocked(t)

	err := errorf(KindExecutionTimeout, "task ran longer than %v", t.execTimeout)
	t.settle(nil, err)
	s.publish(EventTimeout, t.event(err))

	s.checkDrainLocked()
	s.runLoopLocked(s.clock())
}
