// Package storage persists the scheduler's run history.
//
// It records one entry per settled task (completed, failed, timed out,
// evicted, or stopped) and serves the most recent entries back for
// diagnostics. Two drivers are available: a dependency-free JSONL file and
// SQLite (behind the "sqlite" build tag).
package storage
