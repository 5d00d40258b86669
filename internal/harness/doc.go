// Package harness runs propagation scenarios against a real engine.
//
// A scenario declares a dependency configuration, a sequence of steps
// (saves, clock advances, scheduler passes) and assertions on the final
// records, queues and throttle log. Every run uses a fresh in-memory
// store, a manual clock starting at testutil.Epoch and sequential record
// IDs, so the same scenario always yields the same trace.
//
// # Scenario Format
//
//	name: author_rename
//	description: "Renaming an author reaches every book"
//	config: |
//	  model: Author: name: string
//	  model: Book: {
//	    title:  string
//	    author: {ref: "Author", nullable: true}
//	  }
//	  denorm: Book: author: fields: ["name"]
//	settings:
//	  min_age: 60s
//	steps:
//	  - save: {type: Author, id: a1, fields: {name: Frank}}
//	  - save: {type: Book, id: b1, fields: {title: Dune, author_id: a1}}
//	  - save: {type: Author, id: a1, fields: {name: Frank Herbert}}
//	  - advance: 2m
//	  - drain: true
//	assertions:
//	  - type: record
//	    record: Book
//	    id: b1
//	    expect: {author_name: Frank Herbert}
//	  - type: queue_length
//	    queue: requests
//	    count: 0
//
// config_file may name a CUE file relative to the scenario instead of an
// inline config. settings override config.Default() key by key.
//
// # Steps
//
//   - save: loads the record when it exists, overwrites the listed fields
//     and saves it. actor, privileged, force and no_propagation map to the
//     engine's save options; expect_error names the error the save must
//     fail with.
//   - advance: moves the clock by a Go duration.
//   - schedule: runs one scheduler pass.
//   - run_tasks: runs every due deferred task.
//   - drain: repeats passes and tasks until nothing due remains.
//
// # Assertion Types
//
//   - record: a stored record holds the expected field values
//     (subset match, null matches an absent field)
//   - missing: no record exists with the given type and id
//   - queue_length: the requests or tasks queue holds count entries
//   - throttle_count: the throttle log holds count records for label
//   - trace_count: count trace events with the given step and outcome
//
// # Golden Files
//
// RunWithGolden compares the trace and the final records against
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
