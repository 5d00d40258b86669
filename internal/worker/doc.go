// Package worker runs durable deferred tasks: named handlers invoked with a
// payload, at or after a requested time.
//
// Tasks live in a store queue, so a task deferred by one process may be
// run by another and survives restarts. A failed task is released with
// exponential backoff and dropped after MaxAttempts.
package worker
