package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/testutil"
)

// createTestStore creates a new store in a temp dir driven by a manual clock.
func createTestStore(t *testing.T) (*Store, *testutil.ManualClock) {
	t.Helper()
	clock := testutil.NewManualClock()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(clock))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

// createTestRecord creates a record from key/value pairs.
func createTestRecord(typ, id string, pairs ...ir.Pair) *ir.Record {
	return ir.NewRecord(typ, id, ir.NewObject(pairs...))
}
