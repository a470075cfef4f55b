package config

import (
	"fmt"
	"strings"

	"capsched/internal/sched"
	logx "capsched/pkg/logx"
)

// Config mirrors the daemon's config file (YAML or JSON).
//
// Durations are human-friendly strings ("100ms", "2m30s"). Optional numeric
// limits are pointers so "absent" and zero stay distinct.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Timezone  string          `json:"timezone,omitempty"` // IANA TZ for job schedules
	Jobs      []JobConfig     `json:"jobs"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console *bool      `json:"console,omitempty"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

func (l LoggingConfig) Logx() logx.Config {
	console := true
	if l.Console != nil {
		console = *l.Console
	}
	return logx.Config{
		Level:   l.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
	}
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	MaxCapacity           *float64 `json:"max_capacity,omitempty"`
	InitiallyUsedCapacity *float64 `json:"initially_used_capacity,omitempty"`
	MaxConcurrent         *int     `json:"max_concurrent,omitempty"`
	MaxQueueSize          *int     `json:"max_queue_size,omitempty"`

	QueueSizeExceededStrategy      string `json:"queue_size_exceeded_strategy,omitempty"`
	TaskExceedsMaxCapacityStrategy string `json:"task_exceeds_max_capacity_strategy,omitempty"`
	CapacityStrategy               string `json:"capacity_strategy,omitempty"`

	ReleaseRules []ReleaseRuleConfig `json:"release_rules,omitempty"`

	QueueWaitingLimit    string `json:"queue_waiting_limit,omitempty"`
	QueueWaitingTimeout  string `json:"queue_waiting_timeout,omitempty"`
	ExecutionTimeout     string `json:"execution_timeout,omitempty"`
	MinDelayBetweenTasks string `json:"min_delay_between_tasks,omitempty"`

	Retry *RetryConfig `json:"retry,omitempty"`
}

type ReleaseRuleConfig struct {
	Kind     string  `json:"kind"`
	Value    float64 `json:"value,omitempty"`
	Interval string  `json:"interval"`
}

type RetryConfig struct {
	Retries    int     `json:"retries,omitempty"`
	MinTimeout string  `json:"min_timeout,omitempty"`
	MaxTimeout string  `json:"max_timeout,omitempty"`
	Factor     float64 `json:"factor,omitempty"`
	Randomize  bool    `json:"randomize,omitempty"`
}

// JobConfig describes a recurring synthetic workload the daemon feeds into
// the scheduler on a cron cadence.
type JobConfig struct {
	Name     string   `json:"name"`
	Spec     string   `json:"spec"`
	Capacity *float64 `json:"capacity,omitempty"`
	Priority *int     `json:"priority,omitempty"`
	Duration string   `json:"duration,omitempty"`
	Disabled bool     `json:"disabled,omitempty"`
}

// SchedulerOptions converts the config section into engine options.
func (c SchedulerConfig) SchedulerOptions() (sched.Options, error) {
	opts := sched.Options{
		MaxCapacity:           c.MaxCapacity,
		InitiallyUsedCapacity: c.InitiallyUsedCapacity,
		MaxConcurrent:         c.MaxConcurrent,
		MaxQueueSize:          c.MaxQueueSize,
	}

	switch strings.TrimSpace(c.QueueSizeExceededStrategy) {
	case "", "throw-error":
	case "replace":
		opts.QueueSizeExceededStrategy = sched.OverflowReplace
	case "replace-by-priority":
		opts.QueueSizeExceededStrategy = sched.OverflowReplaceByPriority
	default:
		return sched.Options{}, fmt.Errorf("scheduler.queue_size_exceeded_strategy: unknown value %q", c.QueueSizeExceededStrategy)
	}

	switch strings.TrimSpace(c.TaskExceedsMaxCapacityStrategy) {
	case "", "throw-error":
	case "wait-for-full-capacity":
		opts.TaskExceedsMaxCapacityStrategy = sched.ExceedWaitForFullCapacity
	default:
		return sched.Options{}, fmt.Errorf("scheduler.task_exceeds_max_capacity_strategy: unknown value %q", c.TaskExceedsMaxCapacityStrategy)
	}

	switch strings.TrimSpace(c.CapacityStrategy) {
	case "", "reserve":
	case "claim":
		opts.CapacityStrategy = sched.CapacityClaim
	default:
		return sched.Options{}, fmt.Errorf("scheduler.capacity_strategy: unknown value %q", c.CapacityStrategy)
	}

	for i, rc := range c.ReleaseRules {
		path := fmt.Sprintf("scheduler.release_rules[%d]", i)
		rule := sched.ReleaseRule{Value: rc.Value}
		switch strings.TrimSpace(rc.Kind) {
		case "reset":
			rule.Kind = sched.ReleaseReset
		case "reduce":
			rule.Kind = sched.ReleaseReduce
		default:
			return sched.Options{}, fmt.Errorf("%s.kind: unknown value %q", path, rc.Kind)
		}
		d, err := ParseDurationField(path+".interval", rc.Interval)
		if err != nil {
			return sched.Options{}, err
		}
		if d <= 0 {
			return sched.Options{}, fmt.Errorf("%s.interval is required", path)
		}
		rule.Interval = d
		opts.ReleaseRules = append(opts.ReleaseRules, rule)
	}

	var err error
	if opts.QueueWaitingLimit, err = ParseDurationField("scheduler.queue_waiting_limit", c.QueueWaitingLimit); err != nil {
		return sched.Options{}, err
	}
	if opts.QueueWaitingTimeout, err = ParseDurationField("scheduler.queue_waiting_timeout", c.QueueWaitingTimeout); err != nil {
		return sched.Options{}, err
	}
	if opts.ExecutionTimeout, err = ParseDurationField("scheduler.execution_timeout", c.ExecutionTimeout); err != nil {
		return sched.Options{}, err
	}
	if opts.MinDelayBetweenTasks, err = ParseDurationField("scheduler.min_delay_between_tasks", c.MinDelayBetweenTasks); err != nil {
		return sched.Options{}, err
	}

	if c.Retry != nil {
		ro := sched.DefaultRetryOptions()
		if c.Retry.Retries > 0 {
			ro.Retries = c.Retry.Retries
		}
		if c.Retry.Factor > 0 {
			ro.Factor = c.Retry.Factor
		}
		ro.Randomize = c.Retry.Randomize
		if d, err := ParseDurationField("scheduler.retry.min_timeout", c.Retry.MinTimeout); err != nil {
			return sched.Options{}, err
		} else if d > 0 {
			ro.MinTimeout = d
		}
		if d, err := ParseDurationField("scheduler.retry.max_timeout", c.Retry.MaxTimeout); err != nil {
			return sched.Options{}, err
		} else if d > 0 {
			ro.MaxTimeout = d
		}
		opts.FailRecovery = sched.RetryWith(ro)
	}

	return opts, nil
}

// Validate parses the derived sections so a broken file is rejected before
// it is committed or published.
func (c *Config) Validate() error {
	if _, err := c.Scheduler.SchedulerOptions(); err != nil {
		return err
	}
	for i, j := range c.Jobs {
		if strings.TrimSpace(j.Name) == "" {
			return fmt.Errorf("jobs[%d].name is required", i)
		}
		if strings.TrimSpace(j.Spec) == "" {
			return fmt.Errorf("jobs[%d].spec is required", i)
		}
		if _, err := ParseDurationField(fmt.Sprintf("jobs[%d].duration", i), j.Duration); err != nil {
			return err
		}
		if j.Capacity != nil && *j.Capacity < 0 {
			return fmt.Errorf("jobs[%d].capacity must be non-negative", i)
		}
	}
	return nil
}
