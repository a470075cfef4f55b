// Package sched implements a capacity-aware asynchronous task scheduler.
//
// Callers hand the scheduler units of work together with a numeric capacity
// cost; the scheduler decides when each unit may run under the configured
// capacity, concurrency, timing, and retry constraints. Capacity is an
// uninterpreted quantity (memory pages, API tokens, connection slots) whose
// meaning is chosen by the caller.
//
// The engine is single-instance and in-process. It never inspects task
// payloads, never cancels in-flight work (a timed-out task keeps running in
// the background; only its observed result is disowned), and never preempts
// a running task to free capacity.
//
// The engine itself does not log. Lifecycle observability is available
// through an optional event bus (Options.Bus).
package sched
