// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package tasks provides a prioritized task queue with delayed and recurring
scheduling, a bounded worker pool, retries with exponential backoff and
per-attempt timeouts.

Queue keeps three FIFO lanes (high, medium, low) and a time-ordered heap of
scheduled tasks. Scheduler promotes due tasks into their lanes on every
tick. Executor drains the lanes with MaxConcurrency workers, dispatching
each task to the handler registered for its type.

Every transition is recorded through the state manager under
"tasks:{id}", and terminal outcomes are published as task.completed,
task.failed and task.cancelled events on the "events.tasks" channel.
Recover reloads unfinished tasks after a restart.

Attempts counts handler runs that have started, so a task never runs more
than MaxAttempts times.
*/
package tasks
