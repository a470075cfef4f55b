package recurring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"capsched/internal/eventbus"
	"capsched/internal/sched"
	logx "capsched/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

func New(cfg Config, target *sched.Scheduler, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		target: target,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		lastWarn: map[string]time.Time{},
	}
}

// Register validates the job's spec and adds it. Registration is accepted
// before or after Start.
func (s *Service) Register(job Job) error {
	name := strings.TrimSpace(job.Name)
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	job.Name = name
	if job.Params.Task == nil {
		return fmt.Errorf("job %s: task is required", name)
	}
	if _, err := s.parser.Parse(job.Spec); err != nil {
		return fmt.Errorf("job %s: invalid spec %q: %w", name, job.Spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.job.Name == name {
			return fmt.Errorf("job %s: already registered", name)
		}
	}
	def := &jobDef{job: job}
	s.defs = append(s.defs, def)
	if s.c != nil {
		return s.addCronLocked(def)
	}
	return nil
}

// Apply handles runtime reconfiguration; a timezone change restarts the
// cron runner and re-registers every job.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if s.c == nil {
		return
	}
	if oldTZ != newTZ {
		s.restartLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx // reserved for context-driven drain/stop policies

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	cur := s.cfg
	if !cur.Enabled {
		return
	}

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.log.Warn("job registration failed", logx.String("job", d.job.Name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("recurring feeder started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.defs)))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("recurring feeder stopped", logx.Duration("took", time.Since(start)))
}

// Jobs returns a diagnostic snapshot of the registered jobs.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := JobInfo{Name: d.job.Name, Spec: d.job.Spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next = e.Next
			info.Prev = e.Prev
		}
		out = append(out, info)
	}
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) restartLocked() {
	old := s.c
	s.c = nil
	if old != nil {
		<-old.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.log.Warn("job re-registration failed", logx.String("job", d.job.Name), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) addCronLocked(def *jobDef) error {
	id, err := s.c.AddFunc(def.job.Spec, func() { s.fire(def) })
	if err != nil {
		return err
	}
	def.entryID = id
	return nil
}

// fire submits one task for the job. Overlapping firings are skipped until
// the previous submission settles (including queue time and retries).
func (s *Service) fire(def *jobDef) {
	if !def.tryAcquire() {
		s.log.Debug("job firing skipped; previous run still pending", logx.String("job", def.job.Name))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "job.skipped", Data: def.job.Name})
		}
		return
	}

	f, err := s.target.ScheduleTask(def.job.Params)
	if err != nil {
		def.release()
		s.warnThrottled(def.job.Name, err)
		return
	}
	go func() {
		<-f.Done()
		def.release()
	}()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "job.fired", Data: def.job.Name})
	}
}

func (s *Service) warnThrottled(name string, err error) {
	s.warnMu.Lock()
	last := s.lastWarn[name]
	now := time.Now()
	throttled := !last.IsZero() && now.Sub(last) < warnThrottleEvery
	if !throttled {
		s.lastWarn[name] = now
	}
	s.warnMu.Unlock()
	if throttled {
		return
	}
	s.log.Warn("job submission rejected", logx.String("job", name), logx.Err(err))
}
