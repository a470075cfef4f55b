package sched

import "math"

const (
	minPriority     = 0
	maxPriority     = 9
	defaultPriority = 5
)

func validateOptions(o *Options) error {
	if o.MaxCapacity != nil {
		if *o.MaxCapacity < 0 || math.IsNaN(*o.MaxCapacity) || math.IsInf(*o.MaxCapacity, 0) {
			return newError(KindInvalidArgument, "maxCapacity must be a non-negative number")
		}
	}
	if o.InitiallyUsedCapacity != nil {
		if o.MaxCapacity == nil {
			return newError(KindInvalidCall, "cannot set used capacity without maxCapacity")
		}
		if *o.InitiallyUsedCapacity < 0 || *o.InitiallyUsedCapacity > *o.MaxCapacity {
			return errorf(KindInvalidArgument,
				"initiallyUsedCapacity %v outside [0, %v]", *o.InitiallyUsedCapacity, *o.MaxCapacity)
		}
	}
	if len(o.ReleaseRules) > 0 && o.MaxCapacity == nil {
		return newError(KindInvalidArgument, "cannot use releaseRules without maxCapacity")
	}
	for _, r := range o.ReleaseRules {
		if r.Interval <= 0 {
			return newError(KindInvalidArgument, "release rule interval must be positive")
		}
		switch r.Kind {
		case ReleaseReset:
			if r.Value < 0 {
				return newError(KindInvalidArgument, "reset rule value must be non-negative")
			}
		case ReleaseReduce:
			if r.Value <= 0 {
				return newError(KindInvalidArgument, "reduce rule value must be positive")
			}
		default:
			return newError(KindInvalidArgument, "unknown release rule kind")
		}
	}
	if o.CapacityStrategy != CapacityReserve && o.MaxCapacity == nil {
		return newError(KindInvalidArgument, "cannot use capacityStrategy without maxCapacity")
	}
	if o.MaxConcurrent != nil && *o.MaxConcurrent < 0 {
		return newError(KindInvalidArgument, "maxConcurrent must be non-negative")
	}
	if o.MaxQueueSize != nil && *o.MaxQueueSize < 0 {
		return newError(KindInvalidArgument, "maxQueueSize must be non-negative")
	}
	if o.MinDelayBetweenTasks < 0 {
		return newError(KindInvalidArgument, "minDelayBetweenTasks must be non-negative")
	}
	return nil
}

func validateTask(capacity float64, priority *int) error {
	if capacity < 0 || math.IsNaN(capacity) || math.IsInf(capacity, 0) {
		return newError(KindInvalidArgument, "task capacity must be a non-negative number")
	}
	if priority != nil && (*priority < minPriority || *priority > maxPriority) {
		return errorf(KindInvalidArgument, "task priority must be in [%d, %d]", minPriority, maxPriority)
	}
	return nil
}
