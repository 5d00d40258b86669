// Package strategy executes ripe propagation requests against the targets
// related to their source.
//
// Cursor walks the targets page by page, one deferred task per page, and
// saves each target through the precomputed fast path. Sharded starts a
// parallel job that writes targets in batches.
package strategy
