// Package scheduler registers named schedules and turns their triggers into
// engine tasks.
//
// The scheduler never runs a job itself. Each cron or interval tick enqueues
// a task into the engine, which owns workers, timeouts, retries and the
// overlap policy. A tick that arrives while the previous run of the same
// schedule is still queued or running is skipped.
package scheduler
