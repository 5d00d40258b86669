// Package scheduler drains the propagation queue.
//
// One pass leases requests one at a time, merges every other request
// queued under the same tag into it, and either executes the merged request
// or, while it is younger than the minimum age, puts it back. Waiting lets
// bursts of saves on one source collapse into a single propagation.
//
// Passes may overlap: leases are exclusive and every write a propagation
// makes is an idempotent overwrite.
package scheduler
