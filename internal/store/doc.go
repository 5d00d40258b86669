// Package store provides SQLite-backed durable storage for denorm.
//
// One database holds three tables:
//   - records: user records keyed by (type, id), fields as canonical JSON
//   - tasks: named queues of tagged tasks with ETAs and exclusive leases
//   - throttle_log: one row per admitted source save, counted by label
//
// # Critical Patterns
//
// Exclusive leases:
//   - A task is leasable when eta <= now and its lease has expired
//   - Leasing happens inside a transaction on the single connection
//   - Deleting is the only acknowledgement; an expired lease redelivers
//
// Deterministic reads:
//   - Record pages: ORDER BY id COLLATE BINARY (keyset cursor = last id)
//   - Tasks: ORDER BY eta ASC, id ASC
//
// Error classification:
//   - SQLite busy/locked errors surface as *TransientError (IsTransient)
//   - Missing records wrap ErrNotFound
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait up to 5s for locks
//   - Single open connection: SQLite has one writer
//   - Schema migrations tracked with PRAGMA user_version
package store
