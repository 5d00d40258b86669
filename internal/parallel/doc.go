// Package parallel runs sharded jobs over the records matching a filter.
//
// A job pages through the matching records once and routes each one to a
// shard by a hash of its ID, so a record always lands on the same shard.
// Each shard collects records into batches and hands them to the job's
// handler. Jobs run in the background; StartJob returns once the job is
// registered.
package parallel
