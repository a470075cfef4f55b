package sched

import (
	"context"
	"time"

	"capsched/internal/eventbus"
)

// TaskFunc is a caller-supplied unit of work.
//
// The context handed to a TaskFunc is never cancelled by the scheduler: a
// task whose execution timeout fires, or whose result is rejected during
// stop, keeps running to its natural end and its late result is discarded.
type TaskFunc func(ctx context.Context) (any, error)

// CapacityStrategy controls what happens to a task's capacity when it
// finishes.
type CapacityStrategy int

const (
	// CapacityReserve occupies capacity only for the task's execution
	// lifetime; completion or failure restores it.
	CapacityReserve CapacityStrategy = iota
	// CapacityClaim keeps the capacity occupied after completion; only
	// release rules or manual adjustment restore it.
	CapacityClaim
)

func (s CapacityStrategy) String() string {
	switch s {
	case CapacityReserve:
		return "reserve"
	case CapacityClaim:
		return "claim"
	default:
		return "unknown"
	}
}

// OverflowStrategy decides what admission does when the pending queue is at
// MaxQueueSize.
type OverflowStrategy int

const (
	// OverflowThrowError rejects the newcomer with queue-size-exceeded.
	OverflowThrowError OverflowStrategy = iota
	// OverflowReplace evicts the oldest pending task to admit the newcomer.
	OverflowReplace
	// OverflowReplaceByPriority evicts the lowest-priority pending task,
	// but only when it is strictly lower-priority than the newcomer.
	OverflowReplaceByPriority
)

func (s OverflowStrategy) String() string {
	switch s {
	case OverflowThrowError:
		return "throw-error"
	case OverflowReplace:
		return "replace"
	case OverflowReplaceByPriority:
		return "replace-by-priority"
	default:
		return "unknown"
	}
}

// ExceedStrategy decides what admission does with a task whose capacity is
// larger than MaxCapacity.
type ExceedStrategy int

const (
	// ExceedThrowError fails the schedule call with max-capacity-exceeded.
	ExceedThrowError ExceedStrategy = iota
	// ExceedWaitForFullCapacity clamps the task's capacity to MaxCapacity so
	// it waits until the whole budget is free.
	ExceedWaitForFullCapacity
)

// ReleaseKind tags a release rule variant.
type ReleaseKind int

const (
	// ReleaseReset sets used capacity to the rule's value on every firing.
	ReleaseReset ReleaseKind = iota
	// ReleaseReduce subtracts the rule's value on every firing, floored at 0.
	ReleaseReduce
)

func (k ReleaseKind) String() string {
	switch k {
	case ReleaseReset:
		return "reset"
	case ReleaseReduce:
		return "reduce"
	default:
		return "unknown"
	}
}

// ReleaseRule periodically lowers used capacity. Rules are only legal when
// MaxCapacity is configured.
//
// For ReleaseReset, Value is the level used capacity is set to (default 0).
// For ReleaseReduce, Value is the amount subtracted and must be > 0.
// Interval must be > 0.
type ReleaseRule struct {
	Kind     ReleaseKind
	Value    float64
	Interval time.Duration
}

// RetryOptions parameterize exponential backoff between retry attempts.
//
// For 1-based attempt k the delay is
//
//	min(MaxTimeout, round(r * max(MinTimeout, 1ms) * Factor^(k-1)))
//
// with r = 1, or uniformly drawn from [1, 2) when Randomize is set.
// MaxTimeout == 0 means unbounded.
type RetryOptions struct {
	Retries    int
	MinTimeout time.Duration
	MaxTimeout time.Duration
	Factor     float64
	Randomize  bool
}

// DefaultRetryOptions mirrors the conventional retry defaults: 10 retries,
// 1s minimum, unbounded maximum, factor 2, no randomization.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		Retries:    10,
		MinTimeout: time.Second,
		MaxTimeout: 0,
		Factor:     2,
		Randomize:  false,
	}
}

// FailureInfo is handed to a custom recovery hook after a task attempt
// fails.
type FailureInfo struct {
	Err          error
	RetryAttempt int
}

// RecoveryDecision is a custom hook's verdict: either retry after Timeout,
// or settle the task with Err (the task's original error when Err is nil).
type RecoveryDecision struct {
	Retry   bool
	Timeout time.Duration
	Err     error
}

// OnFailureFunc is a caller hook consulted after each failed attempt. It
// runs on the failed task's goroutine, outside the scheduler lock. An error
// return settles the task with on-failure-error; its message includes the
// hook's error and it unwraps to the task's original error.
type OnFailureFunc func(ctx context.Context, info FailureInfo) (RecoveryDecision, error)

// RecoveryKind tags a fail-recovery strategy variant.
type RecoveryKind int

const (
	RecoveryNone RecoveryKind = iota
	RecoveryRetry
	RecoveryCustom
)

// FailRecovery selects what happens when a task's callback fails. The zero
// value (and a nil pointer) means no recovery: the task settles with its
// original error.
type FailRecovery struct {
	Kind      RecoveryKind
	Retry     RetryOptions
	OnFailure OnFailureFunc
}

// NoRecovery settles failed tasks with their original error.
func NoRecovery() *FailRecovery { return &FailRecovery{Kind: RecoveryNone} }

// RetryDefaults retries with DefaultRetryOptions.
func RetryDefaults() *FailRecovery {
	return &FailRecovery{Kind: RecoveryRetry, Retry: DefaultRetryOptions()}
}

// RetryWith retries with explicit options; zero fields fall back to the
// defaults.
func RetryWith(opts RetryOptions) *FailRecovery {
	def := DefaultRetryOptions()
	if opts.Retries <= 0 {
		opts.Retries = def.Retries
	}
	if opts.MinTimeout <= 0 {
		opts.MinTimeout = def.MinTimeout
	}
	if opts.Factor <= 0 {
		opts.Factor = def.Factor
	}
	return &FailRecovery{Kind: RecoveryRetry, Retry: opts}
}

// CustomRecovery consults fn after every failed attempt.
func CustomRecovery(fn OnFailureFunc) *FailRecovery {
	return &FailRecovery{Kind: RecoveryCustom, OnFailure: fn}
}

// Options configure a Scheduler. Pointer fields distinguish "absent" from
// zero; Float, Int, and Dur build them inline.
type Options struct {
	// MaxCapacity bounds the summed capacity of running tasks. Unset means
	// capacity is not accounted at all.
	MaxCapacity *float64

	// InitiallyUsedCapacity pre-occupies part of the budget at construction.
	// Requires MaxCapacity.
	InitiallyUsedCapacity *float64

	// MaxConcurrent bounds the number of simultaneously executing tasks.
	MaxConcurrent *int

	// MaxQueueSize bounds the pending queue; admission beyond it applies
	// QueueSizeExceededStrategy.
	MaxQueueSize *int

	QueueSizeExceededStrategy OverflowStrategy

	// TaskExceedsMaxCapacityStrategy decides what to do with a task whose
	// capacity exceeds MaxCapacity.
	TaskExceedsMaxCapacityStrategy ExceedStrategy

	// CapacityStrategy requires MaxCapacity; CapacityClaim makes finished
	// tasks keep their capacity occupied.
	CapacityStrategy CapacityStrategy

	// ReleaseRules require MaxCapacity.
	ReleaseRules []ReleaseRule

	// QueueWaitingLimit promotes a task ahead of all priorities once it has
	// been pending this long. 0 disables.
	QueueWaitingLimit time.Duration

	// QueueWaitingTimeout fails a still-pending task with queue-timeout
	// after this long. 0 disables.
	QueueWaitingTimeout time.Duration

	// ExecutionTimeout disowns a running task's result after this long.
	// 0 disables. The underlying work is not cancelled.
	ExecutionTimeout time.Duration

	// MinDelayBetweenTasks enforces a minimum wall-time gap between
	// successive dispatches. Must be >= 0.
	MinDelayBetweenTasks time.Duration

	// FailRecovery is the default strategy for tasks without an override.
	FailRecovery *FailRecovery

	// Bus, when set, receives task lifecycle events. The scheduler never
	// blocks on it.
	Bus eventbus.Bus
}

// Float returns a pointer to v, for optional Options fields.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v, for optional Options fields.
func Int(v int) *int { return &v }

// Dur returns a pointer to v, for optional TaskParams fields.
func Dur(v time.Duration) *time.Duration { return &v }

// TaskParams schedule a single task with per-task overrides of the
// scheduler defaults.
type TaskParams struct {
	Task TaskFunc

	// Capacity defaults to 1. Must be >= 0; fractional values are fine.
	Capacity *float64

	// Priority is in [0, 9], lower is more urgent. Defaults to 5.
	Priority *int

	ExecutionTimeout    *time.Duration
	QueueWaitingLimit   *time.Duration
	QueueWaitingTimeout *time.Duration

	FailRecovery *FailRecovery
}

// StopParams select which task classes Stop settles immediately. StopAll is
// shorthand for all three.
type StopParams struct {
	StopAll              bool
	StopWaitingTasks     bool
	RejectExecutingTasks bool
	StopTaskRetries      bool
}

func (p StopParams) waiting() bool   { return p.StopAll || p.StopWaitingTasks }
func (p StopParams) executing() bool { return p.StopAll || p.RejectExecutingTasks }
func (p StopParams) retries() bool   { return p.StopAll || p.StopTaskRetries }

// Event types published on Options.Bus.
const (
	EventScheduled  = "task.scheduled"
	EventDispatched = "task.dispatched"
	EventCompleted  = "task.completed"
	EventFailed     = "task.failed"
	EventRetry      = "task.retry"
	EventEvicted    = "task.evicted"
	EventTimeout    = "task.timeout"
	EventStopped    = "task.stopped"
)

// TaskEvent is the payload carried by scheduler bus events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Capacity   float64       `json:"capacity"`
	Priority   int           `json:"priority"`
	Attempt    int           `json:"attempt"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time diagnostic view of the scheduler.
type Snapshot struct {
	UsedCapacity   float64
	UsedConcurrent int
	QueueLen       int
	Executing      int
	RetryWaiting   int
	Stopped        bool
}
