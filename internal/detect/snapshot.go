package detect

import (
	"runtime"
	"sync"
	"weak"

	"github.com/roach88/denorm/internal/ir"
)

// Snapshots is a side table of watched values keyed by record identity.
//
// Entries are held through weak pointers: once a record is unreachable its
// snapshot is dropped by a runtime cleanup, so the table never outlives the
// in-memory instances it describes.
type Snapshots struct {
	mu      sync.Mutex
	entries map[weak.Pointer[ir.Record]]ir.Object
}

// NewSnapshots creates an empty side table.
func NewSnapshots() *Snapshots {
	return &Snapshots{entries: make(map[weak.Pointer[ir.Record]]ir.Object)}
}

// Capture replaces the snapshot of rec with the current values of columns.
// Absent columns are captured as Null.
func (s *Snapshots) Capture(rec *ir.Record, columns []string) {
	snap := make(ir.Object, len(columns))
	for _, col := range columns {
		snap[col] = ir.Clone(rec.Get(col))
	}

	key := weak.Make(rec)

	s.mu.Lock()
	_, existed := s.entries[key]
	s.entries[key] = snap
	s.mu.Unlock()

	if !existed {
		runtime.AddCleanup(rec, s.drop, key)
	}
}

// Get returns the snapshot of rec. ok is false for records never captured,
// which is how new records are recognised.
func (s *Snapshots) Get(rec *ir.Record) (ir.Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.entries[weak.Make(rec)]
	return snap, ok
}

// Forget drops the snapshot of rec.
func (s *Snapshots) Forget(rec *ir.Record) {
	s.drop(weak.Make(rec))
}

// Len returns the number of live snapshots.
func (s *Snapshots) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Snapshots) drop(key weak.Pointer[ir.Record]) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}
