package sched

import (
	"time"
)

type taskState int

const (
	taskPending taskState = iota
	taskExecuting
	taskRetryWait
	taskSettled
)

// task is the scheduler's internal record of one unit of work. A task is
// owned by exactly one of: the pending indices, the executing set, or the
// retry set; timers carry the task pointer and check state under the
// scheduler lock, so a late-firing timer on a settled task is a no-op.
type task struct {
	id  string
	seq uint64
	fn  TaskFunc

	capacity float64
	priority int

	timeAdded time.Time
	timeLimit time.Time // zero when no waiting limit applies

	reservedCapacity   float64
	reservedConcurrent int

	retryAttempt int
	firstErr     error // original error from the first failed attempt

	// Effective per-task settings, resolved at admission.
	execTimeout time.Duration
	waitLimit   time.Duration
	waitTimeout time.Duration
	recovery    *FailRecovery

	execTimer  *time.Timer
	waitTimer  *time.Timer
	retryTimer *time.Timer

	dispatchedAt time.Time

	state  taskState
	future *Future
}

// settle delivers the result exactly once. Callers must hold the scheduler
// lock.
func (t *task) settle(v any, err error) bool {
	if t.state == taskSettled {
		return false
	}
	t.state = taskSettled
	t.stopTimers()
	t.future.deliver(Result{Value: v, Err: err})
	return true
}

func (t *task) stopTimers() {
	if t.execTimer != nil {
		t.execTimer.Stop()
		t.execTimer = nil
	}
	if t.waitTimer != nil {
		t.waitTimer.Stop()
		t.waitTimer = nil
	}
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
}

func (t *task) event(err error) TaskEvent {
	ev := TaskEvent{
		ID:       t.id,
		Capacity: t.capacity,
		Priority: t.priority,
		Attempt:  t.retryAttempt,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}
