package sched

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"capsched/internal/eventbus"
	"capsched/internal/runtime/supervisor"
)

// Scheduler multiplexes pending tasks over an abstract capacity budget.
//
// All state is guarded by a single mutex; timer callbacks and task
// completions re-enter through it, so admission, dispatch, resolution, and
// release-rule firing never interleave mid-operation.
type Scheduler struct {
	mu sync.Mutex

	opts     Options // working copy, defaults filled in
	original Options // snapshot returned by GetOptions

	idx       *taskIndexes
	executing map[*task]struct{}
	retryWait map[*task]struct{}

	usedCapacity   float64
	usedConcurrent int

	rules       []*ruleState
	rulesActive bool

	limiter    *rate.Limiter
	delayTimer *time.Timer

	stopped bool
	drained bool
	drainCh chan struct{}

	sup     *supervisor.Supervisor
	taskCtx context.Context

	clock func() time.Time
	rng   *rand.Rand
	seq   uint64
}

// New validates opts and returns a running scheduler.
func New(opts Options) (*Scheduler, error) {
	if err := validateOptions(&opts); err != nil {
		return nil, err
	}

	s := &Scheduler{
		opts:      cloneOptions(opts),
		original:  cloneOptions(opts),
		idx:       newTaskIndexes(),
		executing: make(map[*task]struct{}),
		retryWait: make(map[*task]struct{}),
		drainCh:   make(chan struct{}),
		taskCtx:   context.Background(),
		clock:     time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	// Dispatched callbacks run under a supervisor that is never cancelled:
	// the engine does not cancel in-flight work.
	s.sup = supervisor.NewSupervisor(context.Background())

	if opts.InitiallyUsedCapacity != nil {
		s.usedCapacity = *opts.InitiallyUsedCapacity
	}
	if opts.MinDelayBetweenTasks > 0 {
		s.limiter = rate.NewLimiter(rate.Every(opts.MinDelayBetweenTasks), 1)
	}
	s.installRulesLocked(opts.ReleaseRules, s.clock())
	return s, nil
}

// Schedule admits fn with capacity 1 and default priority.
func (s *Scheduler) Schedule(fn TaskFunc) (*Future, error) {
	return s.ScheduleTask(TaskParams{Task: fn})
}

// ScheduleWithCapacity admits fn with an explicit capacity cost.
func (s *Scheduler) ScheduleWithCapacity(capacity float64, fn TaskFunc) (*Future, error) {
	return s.ScheduleTask(TaskParams{Task: fn, Capacity: Float(capacity)})
}

// ScheduleTask admits a task with per-task overrides. Misuse
// (invalid-argument, max-capacity-exceeded under the throw strategy) is
// returned here; every other outcome settles the Future exactly once.
func (s *Scheduler) ScheduleTask(p TaskParams) (*Future, error) {
	if p.Task == nil {
		return nil, newError(KindInvalidArgument, "task callback is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()

	if s.stopped {
		f := newFuture()
		f.deliver(Result{Err: newError(KindStopped, "scheduler is stopped")})
		return f, nil
	}

	capacity := 1.0
	if p.Capacity != nil {
		capacity = *p.Capacity
	}
	if s.opts.MaxCapacity != nil && capacity > *s.opts.MaxCapacity {
		if s.opts.TaskExceedsMaxCapacityStrategy == ExceedThrowError {
			return nil, errorf(KindMaxCapacityExceeded,
				"task capacity %v exceeds maxCapacity %v", capacity, *s.opts.MaxCapacity)
		}
		// The task will wait for full capacity since it needs the whole thing.
		capacity = *s.opts.MaxCapacity
	}
	if err := validateTask(capacity, p.Priority); err != nil {
		return nil, err
	}

	priority := defaultPriority
	if p.Priority != nil {
		priority = *p.Priority
	}

	s.seq++
	t := &task{
		id:          fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.seq),
		seq:         s.seq,
		fn:          p.Task,
		capacity:    capacity,
		priority:    priority,
		timeAdded:   now,
		execTimeout: s.opts.ExecutionTimeout,
		waitLimit:   s.opts.QueueWaitingLimit,
		waitTimeout: s.opts.QueueWaitingTimeout,
		recovery:    s.opts.FailRecovery,
		future:      newFuture(),
	}
	if p.ExecutionTimeout != nil {
		t.execTimeout = *p.ExecutionTimeout
	}
	if p.QueueWaitingLimit != nil {
		t.waitLimit = *p.QueueWaitingLimit
	}
	if p.QueueWaitingTimeout != nil {
		t.waitTimeout = *p.QueueWaitingTimeout
	}
	if p.FailRecovery != nil {
		t.recovery = p.FailRecovery
	}
	if t.recovery != nil && t.recovery.Kind == RecoveryRetry && t.recovery.Retry == (RetryOptions{}) {
		// Bare retry selection means the conventional defaults.
		cp := *t.recovery
		cp.Retry = DefaultRetryOptions()
		t.recovery = &cp
	}

	s.admitLocked(t, false, now)
	return t.future, nil
}

// Wrap returns a TaskFunc-shaped closure that forwards through ScheduleTask
// and waits for the result.
func (s *Scheduler) Wrap(p TaskParams) TaskFunc {
	return func(ctx context.Context) (any, error) {
		f, err := s.ScheduleTask(p)
		if err != nil {
			return nil, err
		}
		return f.Wait(ctx)
	}
}

// admitLocked inserts t into the pending indices, applying queue-overflow
// eviction first. Retry re-admissions skip the waiting-timeout timer and the
// scheduled event; an already-carried timeLimit is reused.
func (s *Scheduler) admitLocked(t *task, retry bool, now time.Time) {
	if s.opts.MaxQueueSize != nil && s.idx.len() >= *s.opts.MaxQueueSize {
		switch s.opts.QueueSizeExceededStrategy {
		case OverflowReplace:
			if victim := s.idx.oldest(); victim != nil {
				s.evictLocked(victim)
			}
		case OverflowReplaceByPriority:
			victim := s.idx.lowestPriority()
			if victim != nil && victim.priority > t.priority {
				s.evictLocked(victim)
			} else {
				t.settle(nil, newError(KindQueueSizeExceeded, "pending queue is full"))
				s.checkDrainLocked()
				return
			}
		default:
			t.settle(nil, newError(KindQueueSizeExceeded, "pending queue is full"))
			s.checkDrainLocked()
			return
		}
	}

	t.state = taskPending
	if t.timeLimit.IsZero() && t.waitLimit > 0 {
		t.timeLimit = t.timeAdded.Add(t.waitLimit)
	}
	s.idx.insert(t)

	if !retry && t.waitTimeout > 0 {
		tt := t
		t.waitTimer = time.AfterFunc(t.waitTimeout, func() { s.onWaitTimeout(tt) })
	}
	if !retry {
		s.publish(EventScheduled, t.event(nil))
	}

	s.wakeRulesLocked(now)
	s.runLoopLocked(now)
}

// evictLocked removes a pending victim and settles it with
// queue-size-exceeded. The victim's channel is settled before the newcomer
// is inserted, so partial eviction states are impossible.
func (s *Scheduler) evictLocked(victim *task) {
	s.idx.remove(victim)
	err := newError(KindQueueSizeExceeded, "evicted by a newer task")
	victim.settle(nil, err)
	s.publish(EventEvicted, victim.event(err))
}

func (s *Scheduler) onWaitTimeout(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.state != taskPending {
		return
	}
	s.idx.remove(t)
	err := errorf(KindQueueTimeout, "task waited longer than %v", t.waitTimeout)
	t.settle(nil, err)
	s.publish(EventTimeout, t.event(err))

	if s.idx.len() == 0 {
		s.sleepRulesLocked()
	}
	s.checkDrainLocked()
	// A blocking aged head may just have left the queue; rescan.
	s.runLoopLocked(s.clock())
}

// GetUsedCapacity returns the current used capacity, applying any pending
// release-rule catch-up first.
func (s *Scheduler) GetUsedCapacity() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.rules) > 0 && !s.rulesActive {
		now := s.clock()
		if s.catchUpRulesLocked(now) {
			s.runLoopLocked(now)
		}
	}
	return s.usedCapacity
}

// SetUsedCapacity sets used capacity absolutely. Requires MaxCapacity and
// 0 <= v <= MaxCapacity.
func (s *Scheduler) SetUsedCapacity(v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.MaxCapacity == nil {
		return newError(KindInvalidCall, "cannot set used capacity without maxCapacity")
	}
	if v < 0 || v > *s.opts.MaxCapacity {
		return errorf(KindInvalidArgument, "used capacity %v outside [0, %v]", v, *s.opts.MaxCapacity)
	}
	s.usedCapacity = v
	s.runLoopLocked(s.clock())
	return nil
}

// AdjustUsedCapacity adds delta to used capacity, clamped to
// [0, MaxCapacity], and returns the new value. Requires MaxCapacity.
func (s *Scheduler) AdjustUsedCapacity(delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.MaxCapacity == nil {
		return 0, newError(KindInvalidCall, "cannot adjust used capacity without maxCapacity")
	}
	v := s.usedCapacity + delta
	if v < 0 {
		v = 0
	}
	if v > *s.opts.MaxCapacity {
		v = *s.opts.MaxCapacity
	}
	s.usedCapacity = v
	s.runLoopLocked(s.clock())
	return v, nil
}

// GetOptions returns the options as originally supplied (or last set).
func (s *Scheduler) GetOptions() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneOptions(s.original)
}

// SetOptions revalidates and replaces the configuration. Pending and
// executing tasks are not disturbed; new limits take effect on future
// admission scans, and the release-rule driver is updated preserving state
// for rules whose record is unchanged.
func (s *Scheduler) SetOptions(opts Options) error {
	if err := validateOptions(&opts); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	prevDelay := s.opts.MinDelayBetweenTasks

	s.original = cloneOptions(opts)
	rules := opts.ReleaseRules
	working := cloneOptions(opts)
	s.opts = working

	if opts.MinDelayBetweenTasks != prevDelay {
		if opts.MinDelayBetweenTasks > 0 {
			s.limiter = rate.NewLimiter(rate.Every(opts.MinDelayBetweenTasks), 1)
		} else {
			s.limiter = nil
		}
	}
	s.installRulesLocked(rules, now)

	// A raised MaxCapacity may make previously over-capacity tasks runnable.
	s.runLoopLocked(now)
	return nil
}

// Snapshot returns a point-in-time diagnostic view.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		UsedCapacity:   s.usedCapacity,
		UsedConcurrent: s.usedConcurrent,
		QueueLen:       s.idx.len(),
		Executing:      len(s.executing),
		RetryWaiting:   len(s.retryWait),
		Stopped:        s.stopped,
	}
}

// Stop marks the scheduler stopped (further Schedule calls settle with
// KindStopped) and optionally settles pending, executing, and retrying
// tasks. It blocks until every remaining task has settled or ctx is done.
// Work already dispatched keeps running; rejected results are discarded.
// A repeated Stop applies its flags to whatever is still live and waits;
// once everything has settled it returns at once.
func (s *Scheduler) Stop(ctx context.Context, p StopParams) error {
	s.mu.Lock()

	s.stopped = true
	now := s.clock()

	if p.waiting() {
		var pending []*task
		s.idx.each(func(t *task) { pending = append(pending, t) })
		s.idx.clear()
		for _, t := range pending {
			err := newError(KindStopped, "scheduler stopped")
			t.settle(nil, err)
			s.publish(EventStopped, t.event(err))
		}
		s.sleepRulesLocked()
	}
	if p.executing() {
		for t := range s.executing {
			delete(s.executing, t)
			s.releaseReservedLocked(t)
			err := newError(KindStopped, "scheduler stopped")
			t.settle(nil, err)
			s.publish(EventStopped, t.event(err))
		}
	}
	if p.retries() {
		for t := range s.retryWait {
			delete(s.retryWait, t)
			err := newError(KindStopped, "scheduler stopped")
			t.settle(nil, err)
			s.publish(EventStopped, t.event(err))
		}
	}

	// Not-cleared pending tasks keep draining under the stopped flag.
	s.runLoopLocked(now)
	s.checkDrainLocked()
	ch := s.drainCh
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) checkDrainLocked() {
	if s.drained || !s.stopped {
		return
	}
	if s.idx.len() == 0 && len(s.executing) == 0 && len(s.retryWait) == 0 {
		s.drained = true
		close(s.drainCh)
	}
}

func (s *Scheduler) publish(typ string, ev TaskEvent) {
	if s.opts.Bus == nil {
		return
	}
	// Bus publishes are non-blocking; holding the lock here is fine.
	s.opts.Bus.Publish(eventbus.Event{Type: typ, Time: s.clock(), Data: ev})
}

func cloneOptions(o Options) Options {
	cp := o
	if o.MaxCapacity != nil {
		v := *o.MaxCapacity
		cp.MaxCapacity = &v
	}
	if o.InitiallyUsedCapacity != nil {
		v := *o.InitiallyUsedCapacity
		cp.InitiallyUsedCapacity = &v
	}
	if o.MaxConcurrent != nil {
		v := *o.MaxConcurrent
		cp.MaxConcurrent = &v
	}
	if o.MaxQueueSize != nil {
		v := *o.MaxQueueSize
		cp.MaxQueueSize = &v
	}
	if len(o.ReleaseRules) > 0 {
		cp.ReleaseRules = append([]ReleaseRule(nil), o.ReleaseRules...)
	}
	if o.FailRecovery != nil {
		v := *o.FailRecovery
		cp.FailRecovery = &v
	}
	return cp
}
