// Package history bridges scheduler lifecycle events into the run-history
// store. It is drop-tolerant: a slow or failing store never blocks the
// engine, because events arrive over the non-blocking bus.
package history

import (
	"context"
	"time"

	"capsched/internal/eventbus"
	"capsched/internal/sched"
	"capsched/internal/storage"
	logx "capsched/pkg/logx"
)

type Recorder struct {
	store storage.Store
	log   logx.Logger
}

func NewRecorder(store storage.Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, log: log}
}

// Run subscribes to the bus and appends an entry per settled task until ctx
// is done. It is intended to run under a supervisor.
func (r *Recorder) Run(ctx context.Context, bus eventbus.Bus) error {
	if r.store == nil || bus == nil {
		<-ctx.Done()
		return nil
	}
	// Only terminal events are recorded; let the bus filter the rest out.
	ch, unsub := bus.Subscribe(128,
		sched.EventCompleted, sched.EventFailed, sched.EventTimeout,
		sched.EventEvicted, sched.EventStopped)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			entry, ok := entryFor(ev)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(context.Background(), time.Second)
			err := r.store.AppendRun(wctx, entry)
			cancel()
			if err != nil {
				r.log.Warn("run history append failed", logx.Err(err), logx.String("task", entry.TaskID))
			}
		}
	}
}

// entryFor maps settled-task events to run entries. Non-terminal events
// (scheduled, dispatched, retry) are skipped.
func entryFor(ev eventbus.Event) (storage.RunEntry, bool) {
	var outcome string
	switch ev.Type {
	case sched.EventCompleted:
		outcome = "completed"
	case sched.EventFailed:
		outcome = "failed"
	case sched.EventTimeout:
		outcome = "timeout"
	case sched.EventEvicted:
		outcome = "evicted"
	case sched.EventStopped:
		outcome = "stopped"
	default:
		return storage.RunEntry{}, false
	}
	te, ok := ev.Data.(sched.TaskEvent)
	if !ok {
		return storage.RunEntry{}, false
	}
	return storage.RunEntry{
		At:           ev.Time,
		TaskID:       te.ID,
		Outcome:      outcome,
		Capacity:     te.Capacity,
		Priority:     te.Priority,
		Attempts:     te.Attempt,
		QueueDelayMS: te.QueueDelay.Milliseconds(),
		DurationMS:   te.Duration.Milliseconds(),
		Error:        te.Error,
	}, true
}
