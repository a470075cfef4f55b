// Package recurring feeds the capacity scheduler on a cron cadence.
//
// The service is trigger-only: each firing submits one task to the engine
// with the job's capacity, priority, and per-task overrides; admission,
// capacity accounting, and retries stay entirely with the engine. A firing
// is skipped while the job's previous submission has not settled yet.
package recurring
