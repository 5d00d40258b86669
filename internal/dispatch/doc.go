// Package dispatch turns the affected targets of one source save into
// queued propagation requests, one per target type.
//
// Requests are tagged DENORM_<source>_<id>_<target>. Before enqueueing, the
// dispatcher leases and deletes requests already queued under the same tag
// so a burst of saves leaves a single request behind. This is best effort:
// a request leased by the scheduler in the meantime is merged there.
package dispatch
