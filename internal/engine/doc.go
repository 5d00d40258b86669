// Package engine is the entry point for reading and writing records with
// denormalized fields kept current.
//
// Save runs the whole synchronous path of a write:
//
//  1. A target record has its denormalized fields recomputed from its
//     sources (or overwritten with precomputed values) and the post-denorm
//     hook runs.
//  2. A source record is diffed against its load-time snapshot. When a
//     watched field changed, the throttle gate admits or rejects the save.
//     A rejected save writes nothing.
//  3. The record is written.
//  4. One propagation request per affected target type is queued and the
//     admission is recorded.
//  5. The record is snapshotted again, so a second Save diffs against what
//     was just written.
//
// The asynchronous path runs from Run, or step by step through Schedule
// and RunPending: the scheduler merges and ages queued requests and hands
// ripe ones to the cursor or sharded strategy, which save every related
// target through the precomputed path.
//
// Snapshots are taken by Load, Query and Save. A record built in memory
// and never loaded is new: it affects no targets.
package engine
