// Package app is the daemon's composition root: it builds the logger, event
// bus, run-history store, scheduler, and recurring-job feeder from a config
// file, wires live reload, and owns shutdown ordering.
package app

import (
	"context"
	"fmt"
	"time"

	"capsched/internal/config"
	"capsched/internal/eventbus"
	"capsched/internal/history"
	"capsched/internal/recurring"
	"capsched/internal/runtime/supervisor"
	"capsched/internal/sched"
	"capsched/internal/storage"
	logx "capsched/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus       eventbus.Bus
	store     storage.Store
	scheduler *sched.Scheduler
	feeder    *recurring.Service

	sup   *supervisor.Supervisor
	cfgCh chan *config.Config
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(cfg.Logging.Logx())
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	opts, err := cfg.Scheduler.SchedulerOptions()
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	opts.Bus = bus
	scheduler, err := sched.New(opts)
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("build scheduler: %w", err)
	}

	feeder := recurring.New(recurring.Config{
		Enabled:  len(cfg.Jobs) > 0,
		Timezone: cfg.Timezone,
	}, scheduler, log.With(logx.String("comp", "recurring")), bus)

	a := &App{
		cfgMgr:    mgr,
		logSvc:    logSvc,
		log:       log,
		bus:       bus,
		store:     store,
		scheduler: scheduler,
		feeder:    feeder,
	}
	if err := a.registerJobs(cfg.Jobs); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// Scheduler exposes the engine for embedding callers (tooling, tests).
func (a *App) Scheduler() *sched.Scheduler { return a.scheduler }

func (a *App) registerJobs(jobs []config.JobConfig) error {
	for i, jc := range jobs {
		if jc.Disabled {
			continue
		}
		dur, err := config.ParseDurationOrDefault(
			fmt.Sprintf("jobs[%d].duration", i), jc.Duration, 100*time.Millisecond)
		if err != nil {
			return err
		}
		job := recurring.Job{
			Name: jc.Name,
			Spec: jc.Spec,
			Params: sched.TaskParams{
				Task:     syntheticWorkload(dur),
				Capacity: jc.Capacity,
				Priority: jc.Priority,
			},
		}
		if err := a.feeder.Register(job); err != nil {
			return err
		}
	}
	return nil
}

// syntheticWorkload occupies its capacity for roughly d. The daemon's
// configured jobs are load probes; real callers embed the scheduler and
// submit their own callbacks.
func syntheticWorkload(d time.Duration) sched.TaskFunc {
	return func(ctx context.Context) (any, error) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
	)

	a.cfgCh = a.cfgMgr.Subscribe(4)
	a.sup.GoRestart("config.watch", a.cfgMgr.Watch)
	a.sup.Go("config.apply", a.applyLoop)

	if a.store != nil {
		rec := history.NewRecorder(a.store, a.log.With(logx.String("comp", "history")))
		bus := a.bus
		a.sup.Go("history.recorder", func(c context.Context) error {
			return rec.Run(c, bus)
		})
	}

	a.feeder.Start(ctx)
	a.log.Info("capsched started", logx.Int("jobs", len(a.feeder.Jobs())))
	return nil
}

// applyLoop applies validated config updates published by the watcher.
// Changes to the job list or the storage section require a restart;
// logging, scheduler options, and the timezone are applied live.
func (a *App) applyLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-a.cfgCh:
			if !ok {
				return nil
			}
			a.logSvc.Apply(cfg.Logging.Logx())

			opts, err := cfg.Scheduler.SchedulerOptions()
			if err != nil {
				// Watch() validates before publishing; this is belt and braces.
				a.log.Warn("config update skipped", logx.Err(err))
				continue
			}
			opts.Bus = a.bus
			if err := a.scheduler.SetOptions(opts); err != nil {
				a.log.Warn("scheduler reconfiguration rejected", logx.Err(err))
				continue
			}
			a.feeder.Apply(recurring.Config{
				Enabled:  len(cfg.Jobs) > 0,
				Timezone: cfg.Timezone,
			})
			a.log.Info("configuration applied")
		}
	}
}

// Stop shuts the pieces down in dependency order: no new firings, drain the
// scheduler, then stop the loops and sinks.
func (a *App) Stop(ctx context.Context) error {
	a.feeder.Stop(ctx)

	if err := a.scheduler.Stop(ctx, sched.StopParams{}); err != nil {
		a.log.Warn("scheduler drain interrupted", logx.Err(err))
	}

	if a.sup != nil {
		a.sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.sup.Wait(wctx)
		cancel()
	}
	if a.cfgCh != nil {
		a.cfgMgr.Unsubscribe(a.cfgCh)
		a.cfgCh = nil
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("capsched stopped")
	return a.logSvc.Close()
}
