package sched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"capsched/internal/eventbus"
)

func newTestScheduler(t *testing.T, opts Options) *Scheduler {
	t.Helper()
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// blocker returns a task that signals when it starts and blocks until
// released.
func blocker() (fn TaskFunc, started <-chan struct{}, release func()) {
	startedCh := make(chan struct{})
	releaseCh := make(chan struct{})
	var once sync.Once
	fn = func(ctx context.Context) (any, error) {
		close(startedCh)
		<-releaseCh
		return nil, nil
	}
	return fn, startedCh, func() { once.Do(func() { close(releaseCh) }) }
}

func assertStarted(t *testing.T, ch <-chan struct{}, name string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s never started", name)
	}
}

func assertNotStarted(t *testing.T, ch <-chan struct{}, name string, within time.Duration) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("%s started unexpectedly", name)
	case <-time.After(within):
	}
}

// dispatchOrder records the priorities of dispatched tasks, in order, via
// the event bus (dispatch events are published in selection order).
type dispatchOrder struct {
	mu    sync.Mutex
	prios []int
	seen  chan struct{}
}

func newDispatchOrder(bus eventbus.Bus) *dispatchOrder {
	d := &dispatchOrder{seen: make(chan struct{}, 64)}
	ch, _ := bus.Subscribe(64, EventDispatched)
	go func() {
		for ev := range ch {
			te, ok := ev.Data.(TaskEvent)
			if !ok {
				continue
			}
			d.mu.Lock()
			d.prios = append(d.prios, te.Priority)
			d.mu.Unlock()
			d.seen <- struct{}{}
		}
	}()
	return d
}

func (d *dispatchOrder) await(t *testing.T, n int) []int {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		d.mu.Lock()
		cnt := len(d.prios)
		d.mu.Unlock()
		if cnt >= n {
			break
		}
		select {
		case <-d.seen:
		case <-deadline:
			t.Fatalf("saw %d dispatches, want %d", cnt, n)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.prios...)
}

func TestCapacityPacking(t *testing.T) {
	t.Parallel()
	// maxCapacity=10: A(6) and C(2) run immediately, B(6) waits for A.
	s := newTestScheduler(t, Options{MaxCapacity: Float(10)})

	fnA, startedA, releaseA := blocker()
	fnB, startedB, releaseB := blocker()
	fnC, startedC, releaseC := blocker()
	defer releaseB()
	defer releaseC()

	fA, err := s.ScheduleWithCapacity(6, fnA)
	if err != nil {
		t.Fatalf("Schedule A: %v", err)
	}
	fB, err := s.ScheduleWithCapacity(6, fnB)
	if err != nil {
		t.Fatalf("Schedule B: %v", err)
	}
	_, err = s.ScheduleWithCapacity(2, fnC)
	if err != nil {
		t.Fatalf("Schedule C: %v", err)
	}

	assertStarted(t, startedA, "A")
	assertStarted(t, startedC, "C")
	assertNotStarted(t, startedB, "B", 50*time.Millisecond)

	if got := s.GetUsedCapacity(); got != 8 {
		t.Fatalf("usedCapacity = %v, want 8", got)
	}

	releaseA()
	if _, err := fA.Wait(waitCtx(t)); err != nil {
		t.Fatalf("A settled with %v", err)
	}
	assertStarted(t, startedB, "B")
	releaseB()
	if _, err := fB.Wait(waitCtx(t)); err != nil {
		t.Fatalf("B settled with %v", err)
	}
}

func TestReserveStrategyRestoresCapacity(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Options{MaxCapacity: Float(10)})

	fn, started, release := blocker()
	f, err := s.ScheduleWithCapacity(3, fn)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	assertStarted(t, started, "task")
	if got := s.GetUsedCapacity(); got != 3 {
		t.Fatalf("usedCapacity while executing = %v, want 3", got)
	}
	release()
	if _, err := f.Wait(waitCtx(t)); err != nil {
		t.Fatalf("task settled with %v", err)
	}
	if got := s.GetUsedCapacity(); got != 0 {
		t.Fatalf("usedCapacity after completion = %v, want 0", got)
	}
}

func TestClaimStrategyKeepsCapacity(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Options{MaxCapacity: Float(10), CapacityStrategy: CapacityClaim})

	f, err := s.ScheduleWithCapacity(4, func(ctx context.Context) (any, error) { return nil, nil })
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, err := f.Wait(waitCtx(t)); err != nil {
		t.Fatalf("task settled with %v", err)
	}
	if got := s.GetUsedCapacity(); got != 4 {
		t.Fatalf("usedCapacity after claim completion = %v, want 4", got)
	}
	// Only manual mutation (or a release rule) restores a claim.
	if _, err := s.AdjustUsedCapacity(-4); err != nil {
		t.Fatalf("AdjustUsedCapacity: %v", err)
	}
	if got := s.GetUsedCapacity(); got != 0 {
		t.Fatalf("usedCapacity after adjust = %v, want 0", got)
	}
}

func TestMinDelayBetweenTasks(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Options{MaxCapacity: Float(10), MinDelayBetweenTasks: 100 * time.Millisecond})

	var mu sync.Mutex
	var starts []time.Time
	mark := func(ctx context.Context) (any, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		time.Sleep(250 * time.Millisecond)
		return nil, nil
	}

	var futures []*Future
	for i := 0; i < 3; i++ {
		f, err := s.Schedule(mark)
		if err != nil {
			t.Fatalf("Schedule %d: %v", i, err)
		}
		futures = append(futures, f)
	}
	for i, f := range futures {
		if _, err := f.Wait(waitCtx(t)); err != nil {
			t.Fatalf("task %d settled with %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 3 {
		t.Fatalf("got %d starts, want 3", len(starts))
	}
	for i := 1; i < 3; i++ {
		gap := starts[i].Sub(starts[i-1])
		if gap < 80*time.Millisecond {
			t.Fatalf("gap between dispatch %d and %d = %v, want >= ~100ms", i-1, i, gap)
		}
	}
}

func TestReplaceByPriorityEviction(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	order := newDispatchOrder(bus)
	s := newTestScheduler(t, Options{
		MaxCapacity:               Float(10),
		MaxQueueSize:              Int(2),
		QueueSizeExceededStrategy: OverflowReplaceByPriority,
		Bus:                       bus,
	})

	fnBlock, startedBlock, release := blocker()
	_, err := s.ScheduleWithCapacity(10, fnBlock)
	if err != nil {
		t.Fatalf("Schedule blocker: %v", err)
	}
	assertStarted(t, startedBlock, "blocker")

	quick := func(ctx context.Context) (any, error) { return nil, nil }
	fLow, err := s.ScheduleTask(TaskParams{Task: quick, Capacity: Float(10), Priority: Int(9)})
	if err != nil {
		t.Fatalf("Schedule low: %v", err)
	}
	fMed, err := s.ScheduleTask(TaskParams{Task: quick, Capacity: Float(10), Priority: Int(5)})
	if err != nil {
		t.Fatalf("Schedule med: %v", err)
	}
	fHigh, err := s.ScheduleTask(TaskParams{Task: quick, Capacity: Float(10), Priority: Int(1)})
	if err != nil {
		t.Fatalf("Schedule high: %v", err)
	}

	// The low-priority task is the victim.
	_, evictErr := fLow.Wait(waitCtx(t))
	if !IsKind(evictErr, KindQueueSizeExceeded) {
		t.Fatalf("victim settled with %v, want queue-size-exceeded", evictErr)
	}

	release()
	if _, err := fHigh.Wait(waitCtx(t)); err != nil {
		t.Fatalf("high settled with %v", err)
	}
	if _, err := fMed.Wait(waitCtx(t)); err != nil {
		t.Fatalf("med settled with %v", err)
	}

	prios := order.await(t, 3)
	if prios[1] != 1 || prios[2] != 5 {
		t.Fatalf("dispatch priorities = %v, want blocker then 1 then 5", prios)
	}
}

func TestReplaceByPriorityRejectsEqualPriorityNewcomer(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Options{
		MaxCapacity:               Float(1),
		MaxQueueSize:              Int(1),
		QueueSizeExceededStrategy: OverflowReplaceByPriority,
	})

	fnBlock, startedBlock, release := blocker()
	defer release()
	if _, err := s.Schedule(fnBlock); err != nil {
		t.Fatalf("Schedule blocker: %v", err)
	}
	assertStarted(t, startedBlock, "blocker")

	fnQueued, queuedStarted, releaseQueued := blocker()
	defer releaseQueued()
	_ = queuedStarted
	if _, err := s.Schedule(fnQueued); err != nil {
		t.Fatalf("Schedule queued: %v", err)
	}

	// Same priority: the incumbent is not strictly lower-priority, so the
	// newcomer is rejected.
	fNew, err := s.Schedule(func(ctx context.Context) (any, error) { return nil, nil })
	if err != nil {
		t.Fatalf("Schedule newcomer: %v", err)
	}
	_, newErr := fNew.Wait(waitCtx(t))
	if !IsKind(newErr, KindQueueSizeExceeded) {
		t.Fatalf("newcomer settled with %v, want queue-size-exceeded", newErr)
	}
}

func TestReplaceEvictsOldest(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Options{
		MaxCapacity:               Float(1),
		MaxQueueSize:              Int(1),
		QueueSizeExceededStrategy: OverflowReplace,
	})

	fnBlock, startedBlock, release := blocker()
	defer release()
	if _, err := s.Schedule(fnBlock); err != nil {
		t.Fatalf("Schedule blocker: %v", err)
	}
	assertStarted(t, startedBlock, "blocker")

	fOld, err := s.Schedule(func(ctx context.Context) (any, error) { return nil, nil })
	if err != nil {
		t.Fatalf("Schedule old: %v", err)
	}
	fNew, err := s.Schedule(func(ctx context.Context) (any, error) { return "new", nil })
	if err != nil {
		t.Fatalf("Schedule new: %v", err)
	}

	_, oldErr := fOld.Wait(waitCtx(t))
	if !IsKind(oldErr, KindQueueSizeExceeded) {
		t.Fatalf("old settled with %v, want queue-size-exceeded", oldErr)
	}
	release()
	if v, err := fNew.Wait(waitCtx(t)); err != nil || v != "new" {
		t.Fatalf("new settled with (%v, %v), want (new, nil)", v, err)
	}
}

func TestQueueOverflowThrowError(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Options{
		MaxCapacity:  Float(1),
		MaxQueueSize: Int(1),
	})

	fnBlock, startedBlock, release := blocker()
	defer release()
	if _, err := s.Schedule(fnBlock); err != nil {
		t.Fatalf("Schedule blocker: %v", err)
	}
	assertStarted(t, startedBlock, "blocker")

	fnQueued, _, releaseQueued := blocker()
	defer releaseQueued()
	if _, err := s.Schedule(fnQueued); err != nil {
		t.Fatalf("Schedule queued: %v", err)
	}

	f, err := s.Schedule(func(ctx context.Context) (any, error) { return nil, nil })
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	_, gotErr := f.Wait(waitCtx(t))
	if !IsKind(gotErr, KindQueueSizeExceeded) {
		t.Fatalf("settled with %v, want queue-size-exceeded", gotErr)
	}
}

func TestWaitingLimitPromotesAheadOfPriorities(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	order := newDispatchOrder(bus)
	s := newTestScheduler(t, Options{MaxCapacity: Float(10), Bus: bus})

	fnBlock, startedBlock, release := blocker()
	if _, err := s.ScheduleWithCapacity(10, fnBlock); err != nil {
		t.Fatalf("Schedule blocker: %v", err)
	}
	assertStarted(t, startedBlock, "blocker")

	quick := func(ctx context.Context) (any, error) { return nil, nil }
	fAged, err := s.ScheduleTask(TaskParams{
		Task:              quick,
		Capacity:          Float(5),
		Priority:          Int(9),
		QueueWaitingLimit: Dur(50 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("Schedule aged: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	fUrgent, err := s.ScheduleTask(TaskParams{Task: quick, Capacity: Float(5), Priority: Int(1)})
	if err != nil {
		t.Fatalf("Schedule urgent: %v", err)
	}

	release()
	if _, err := fAged.Wait(waitCtx(t)); err != nil {
		t.Fatalf("aged settled with %v", err)
	}
	if _, err := fUrgent.Wait(waitCtx(t)); err != nil {
		t.Fatalf("urgent settled with %v", err)
	}

	prios := order.await(t, 3)
	if prios[1] != 9 || prios[2] != 1 {
		t.Fatalf("dispatch priorities = %v, want blocker then aged 9 then 1", prios)
	}
}

func TestAgedHeadBlocksSmallerTasks(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	order := newDispatchOrder(bus)
	s := newTestScheduler(t, Options{MaxCapacity: Float(10), Bus: bus})

	fnBlock, startedBlock, release := blocker()
	if _, err := s.ScheduleWithCapacity(9, fnBlock); err != nil {
		t.Fatalf("Schedule blocker: %v", err)
	}
	assertStarted(t, startedBlock, "blocker")

	quick := func(ctx context.Context) (any, error) { return nil, nil }
	fAged, err := s.ScheduleTask(TaskParams{
		Task:              quick,
		Capacity:          Float(8),
		Priority:          Int(9),
		QueueWaitingLimit: Dur(30 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("Schedule aged: %v", err)
	}

	fnSmall, smallStarted, releaseSmall := blocker()
	defer releaseSmall()
	if _, err := s.ScheduleTask(TaskParams{Task: fnSmall, Capacity: Float(2), Priority: Int(0)}); err != nil {
		t.Fatalf("Schedule small: %v", err)
	}

	// Past the aged task's limit, free one unit so the small task fits
	// (8+2 <= 10) while the aged head still does not (8+8 > 10); the rescan
	// must not let the small task jump over the blocked aged head.
	time.Sleep(50 * time.Millisecond)
	if _, err := s.AdjustUsedCapacity(-1); err != nil {
		t.Fatalf("AdjustUsedCapacity: %v", err)
	}
	assertNotStarted(t, smallStarted, "small", 50*time.Millisecond)

	release()
	if _, err := fAged.Wait(waitCtx(t)); err != nil {
		t.Fatalf("aged settled with %v", err)
	}
	assertStarted(t, smallStarted, "small")

	prios := order.await(t, 3)
	if prios[1] != 9 || prios[2] != 0 {
		t.Fatalf("dispatch priorities = %v, want blocker, aged 9, small 0", prios)
	}
}

func TestFIFOWithinEqualPriority(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	order := newDispatchOrder(bus)
	s := newTestScheduler(t, Options{MaxConcurrent: Int(1), Bus: bus})

	fnBlock, startedBlock, release := blocker()
	if _, err := s.Schedule(fnBlock); err != nil {
		t.Fatalf("Schedule blocker: %v", err)
	}
	assertStarted(t, startedBlock, "blocker")

	var mu sync.Mutex
	var ran []int
	var futures []*Future
	for i := 0; i < 3; i++ {
		i := i
		f, err := s.ScheduleTask(TaskParams{
			Priority: Int(5),
			Task: func(ctx context.Context) (any, error) {
				mu.Lock()
				ran = append(ran, i)
				mu.Unlock()
				return nil, nil
			},
		})
		if err != nil {
			t.Fatalf("Schedule %d: %v", i, err)
		}
		futures = append(futures, f)
	}
	release()
	for i, f := range futures {
		if _, err := f.Wait(waitCtx(t)); err != nil {
			t.Fatalf("task %d settled with %v", i, err)
		}
	}

	order.await(t, 4)
	mu.Lock()
	defer mu.Unlock()
	if len(ran) != 3 {
		t.Fatalf("ran %d tasks, want 3", len(ran))
	}
	for i, v := range ran {
		if v != i {
			t.Fatalf("equal-priority run order = %v, want FIFO", ran)
		}
	}
}

func TestQueueWaitingTimeout(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Options{
		MaxCapacity:         Float(1),
		QueueWaitingTimeout: 40 * time.Millisecond,
	})

	fnBlock, startedBlock, release := blocker()
	defer release()
	if _, err := s.Schedule(fnBlock); err != nil {
		t.Fatalf("Schedule blocker: %v", err)
	}
	assertStarted(t, startedBlock, "blocker")

	f, err := s.Schedule(func(ctx context.Context) (any, error) { return nil, nil })
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	start := time.Now()
	_, gotErr := f.Wait(waitCtx(t))
	if !IsKind(gotErr, KindQueueTimeout) {
		t.Fatalf("settled with %v, want queue-timeout", gotErr)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("queue-timeout took %v", elapsed)
	}
}

func TestExecutionTimeoutDisownsResult(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Options{MaxCapacity: Float(10), ExecutionTimeout: 40 * time.Millisecond})

	done := make(chan struct{})
	f, err := s.ScheduleWithCapacity(7, func(ctx context.Context) (any, error) {
		defer close(done)
		time.Sleep(150 * time.Millisecond)
		return "late", nil
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	_, gotErr := f.Wait(waitCtx(t))
	if !IsKind(gotErr, KindExecutionTimeout) {
		t.Fatalf("settled with %v, want execution-timeout", gotErr)
	}
	// Reserved capacity was released at the timeout.
	if got := s.GetUsedCapacity(); got != 0 {
		t.Fatalf("usedCapacity after timeout = %v, want 0", got)
	}

	// The in-flight work is not cancelled; its late result is discarded and
	// must not double-release capacity.
	<-done
	time.Sleep(20 * time.Millisecond)
	if got := s.GetUsedCapacity(); got != 0 {
		t.Fatalf("usedCapacity after late completion = %v, want 0", got)
	}
	if snap := s.Snapshot(); snap.Executing != 0 || snap.UsedConcurrent != 0 {
		t.Fatalf("snapshot after late completion = %+v", snap)
	}
}

func TestMaxConcurrentBoundsDispatch(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Options{MaxConcurrent: Int(2)})

	fn1, s1, r1 := blocker()
	fn2, s2, r2 := blocker()
	fn3, s3, r3 := blocker()
	defer r2()
	defer r3()

	for _, fn := range []TaskFunc{fn1, fn2, fn3} {
		if _, err := s.Schedule(fn); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	assertStarted(t, s1, "first")
	assertStarted(t, s2, "second")
	assertNotStarted(t, s3, "third", 50*time.Millisecond)

	r1()
	assertStarted(t, s3, "third")
}

func TestTaskExceedsMaxCapacityThrow(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Options{MaxCapacity: Float(5)})

	_, err := s.ScheduleWithCapacity(6, func(ctx context.Context) (any, error) { return nil, nil })
	if !IsKind(err, KindMaxCapacityExceeded) {
		t.Fatalf("Schedule error = %v, want max-capacity-exceeded", err)
	}
}

func TestTaskExceedsMaxCapacityWaitsForFullCapacity(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Options{
		MaxCapacity:                    Float(5),
		TaskExceedsMaxCapacityStrategy: ExceedWaitForFullCapacity,
	})

	fnBlock, startedBlock, release := blocker()
	if _, err := s.ScheduleWithCapacity(2, fnBlock); err != nil {
		t.Fatalf("Schedule blocker: %v", err)
	}
	assertStarted(t, startedBlock, "blocker")

	fnBig, bigStarted, releaseBig := blocker()
	defer releaseBig()
	if _, err := s.ScheduleWithCapacity(8, fnBig); err != nil {
		t.Fatalf("Schedule big: %v", err)
	}

	// Clamped to maxCapacity: runs only once the whole budget is free.
	assertNotStarted(t, bigStarted, "big", 50*time.Millisecond)
	release()
	assertStarted(t, bigStarted, "big")
	if got := s.GetUsedCapacity(); got != 5 {
		t.Fatalf("usedCapacity = %v, want clamped 5", got)
	}
}

func TestInitiallyUsedCapacity(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Options{MaxCapacity: Float(10), InitiallyUsedCapacity: Float(9)})

	fn, started, release := blocker()
	defer release()
	if _, err := s.ScheduleWithCapacity(5, fn); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	assertNotStarted(t, started, "task", 50*time.Millisecond)

	if _, err := s.AdjustUsedCapacity(-9); err != nil {
		t.Fatalf("AdjustUsedCapacity: %v", err)
	}
	assertStarted(t, started, "task")
}

func TestAdjustUsedCapacityRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Options{MaxCapacity: Float(10), InitiallyUsedCapacity: Float(4)})

	if v, err := s.AdjustUsedCapacity(3); err != nil || v != 7 {
		t.Fatalf("AdjustUsedCapacity(+3) = (%v, %v)", v, err)
	}
	if v, err := s.AdjustUsedCapacity(-3); err != nil || v != 4 {
		t.Fatalf("AdjustUsedCapacity(-3) = (%v, %v)", v, err)
	}
	// Clamped at both ends.
	if v, err := s.AdjustUsedCapacity(100); err != nil || v != 10 {
		t.Fatalf("AdjustUsedCapacity(+100) = (%v, %v), want clamp to 10", v, err)
	}
	if v, err := s.AdjustUsedCapacity(-100); err != nil || v != 0 {
		t.Fatalf("AdjustUsedCapacity(-100) = (%v, %v), want clamp to 0", v, err)
	}
}

func TestCapacityMutatorsRequireMaxCapacity(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Options{})

	if err := s.SetUsedCapacity(1); !IsKind(err, KindInvalidCall) {
		t.Fatalf("SetUsedCapacity error = %v, want invalid-call", err)
	}
	if _, err := s.AdjustUsedCapacity(1); !IsKind(err, KindInvalidCall) {
		t.Fatalf("AdjustUsedCapacity error = %v, want invalid-call", err)
	}
}

func TestSetUsedCapacityBounds(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Options{MaxCapacity: Float(10)})

	if err := s.SetUsedCapacity(11); !IsKind(err, KindInvalidArgument) {
		t.Fatalf("SetUsedCapacity(11) error = %v, want invalid-argument", err)
	}
	if err := s.SetUsedCapacity(10); err != nil {
		t.Fatalf("SetUsedCapacity(10): %v", err)
	}
	if got := s.GetUsedCapacity(); got != 10 {
		t.Fatalf("usedCapacity = %v, want 10", got)
	}
}

func TestPanicBecomesTaskFailure(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Options{})

	f, err := s.Schedule(func(ctx context.Context) (any, error) { panic("kaboom") })
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	_, gotErr := f.Wait(waitCtx(t))
	if gotErr == nil {
		t.Fatal("panicking task settled without error")
	}
}

func TestWrapForwardsThroughScheduler(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Options{MaxCapacity: Float(10)})

	fn := s.Wrap(TaskParams{
		Capacity: Float(2),
		Task:     func(ctx context.Context) (any, error) { return 42, nil },
	})
	v, err := fn(waitCtx(t))
	if err != nil {
		t.Fatalf("wrapped call: %v", err)
	}
	if v != 42 {
		t.Fatalf("wrapped call = %v, want 42", v)
	}
}

func TestStopSettlesSelectedClasses(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Options{MaxCapacity: Float(1)})

	fnExec, startedExec, releaseExec := blocker()
	defer releaseExec()
	fExec, err := s.Schedule(fnExec)
	if err != nil {
		t.Fatalf("Schedule executing: %v", err)
	}
	assertStarted(t, startedExec, "executing")

	fWait, err := s.Schedule(func(ctx context.Context) (any, error) { return nil, nil })
	if err != nil {
		t.Fatalf("Schedule waiting: %v", err)
	}

	if err := s.Stop(waitCtx(t), StopParams{StopAll: true}); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := fWait.Wait(waitCtx(t)); !IsKind(err, KindStopped) {
		t.Fatalf("waiting task settled with %v, want stopped", err)
	}
	if _, err := fExec.Wait(waitCtx(t)); !IsKind(err, KindStopped) {
		t.Fatalf("executing task settled with %v, want stopped", err)
	}

	// Further schedules settle with stopped.
	f, err := s.Schedule(func(ctx context.Context) (any, error) { return nil, nil })
	if err != nil {
		t.Fatalf("Schedule after stop: %v", err)
	}
	if _, err := f.Wait(waitCtx(t)); !IsKind(err, KindStopped) {
		t.Fatalf("post-stop task settled with %v, want stopped", err)
	}

	// Stopping an already-stopped scheduler is a no-op.
	if err := s.Stop(waitCtx(t), StopParams{}); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStopDrainsQueueWhenNotCleared(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Options{MaxConcurrent: Int(1)})

	var mu sync.Mutex
	ran := 0
	slow := func(ctx context.Context) (any, error) {
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		ran++
		mu.Unlock()
		return nil, nil
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Schedule(slow); err != nil {
			t.Fatalf("Schedule %d: %v", i, err)
		}
	}

	// No flags: the queue keeps draining under the stopped flag and Stop
	// returns once everything has settled.
	if err := s.Stop(waitCtx(t), StopParams{}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if ran != 3 {
		t.Fatalf("ran = %d tasks, want 3", ran)
	}
}

func TestStopTaskRetriesCancelsBackoff(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Options{
		FailRecovery: RetryWith(RetryOptions{Retries: 5, MinTimeout: 10 * time.Second, Factor: 1}),
	})

	f, err := s.Schedule(func(ctx context.Context) (any, error) { return nil, errors.New("fail") })
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// Let the task fail and park in retry backoff.
	deadline := time.After(2 * time.Second)
	for s.Snapshot().RetryWaiting == 0 {
		select {
		case <-deadline:
			t.Fatal("task never reached retry backoff")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := s.Stop(waitCtx(t), StopParams{StopTaskRetries: true}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := f.Wait(waitCtx(t)); !IsKind(err, KindStopped) {
		t.Fatalf("retrying task settled with %v, want stopped", err)
	}
}

func TestScheduleDefaultsCapacityToOne(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Options{MaxCapacity: Float(1)})

	fn, started, release := blocker()
	defer release()
	if _, err := s.Schedule(fn); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	assertStarted(t, started, "task")
	if got := s.GetUsedCapacity(); got != 1 {
		t.Fatalf("usedCapacity = %v, want default capacity 1", got)
	}
}

func TestFutureSettlesExactlyOnce(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Options{ExecutionTimeout: 30 * time.Millisecond})

	f, err := s.Schedule(func(ctx context.Context) (any, error) {
		time.Sleep(100 * time.Millisecond)
		return nil, errors.New("late failure")
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	_, first := f.Wait(waitCtx(t))
	if !IsKind(first, KindExecutionTimeout) {
		t.Fatalf("first settle = %v, want execution-timeout", first)
	}
	// The late failure must not produce a second delivery.
	select {
	case r := <-f.Done():
		t.Fatalf("second delivery observed: %+v", r)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestGetOptionsReturnsSnapshot(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Options{MaxCapacity: Float(10), QueueWaitingTimeout: time.Minute})

	got := s.GetOptions()
	if got.MaxCapacity == nil || *got.MaxCapacity != 10 {
		t.Fatalf("GetOptions MaxCapacity = %v", got.MaxCapacity)
	}
	// Mutating the returned snapshot must not affect the scheduler.
	*got.MaxCapacity = 1
	again := s.GetOptions()
	if *again.MaxCapacity != 10 {
		t.Fatalf("options snapshot aliased scheduler state: %v", *again.MaxCapacity)
	}
}

func TestSetOptionsRaisingCapacityUnblocksOnNextActivity(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Options{MaxCapacity: Float(5)})

	fnBig, bigStarted, releaseBig := blocker()
	defer releaseBig()
	if _, err := s.ScheduleTask(TaskParams{
		Task:     fnBig,
		Capacity: Float(5),
	}); err != nil {
		t.Fatalf("Schedule big: %v", err)
	}
	assertStarted(t, bigStarted, "big")

	fnNext, nextStarted, releaseNext := blocker()
	defer releaseNext()
	if _, err := s.ScheduleWithCapacity(3, fnNext); err != nil {
		t.Fatalf("Schedule next: %v", err)
	}
	assertNotStarted(t, nextStarted, "next", 40*time.Millisecond)

	if err := s.SetOptions(Options{MaxCapacity: Float(20)}); err != nil {
		t.Fatalf("SetOptions: %v", err)
	}
	assertStarted(t, nextStarted, "next")
}
