package recurring

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"capsched/internal/eventbus"
	"capsched/internal/sched"
	logx "capsched/pkg/logx"
)

// Config controls the recurring-job feeder.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

// Job is one recurring submission.
//
// Spec accepts 5- or 6-field cron expressions (seconds optional), the
// @every form, and descriptors like @hourly.
type Job struct {
	Name   string
	Spec   string
	Params sched.TaskParams
}

type jobDef struct {
	job     Job
	entryID cron.EntryID

	mu       sync.Mutex
	inflight bool
}

func (d *jobDef) tryAcquire() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight {
		return false
	}
	d.inflight = true
	return true
}

func (d *jobDef) release() {
	d.mu.Lock()
	d.inflight = false
	d.mu.Unlock()
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	target *sched.Scheduler

	parser cron.Parser
	c      *cron.Cron
	defs   []*jobDef

	// Submit error throttling: key is job name.
	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

// JobInfo is a diagnostic view of one registered job.
type JobInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}
