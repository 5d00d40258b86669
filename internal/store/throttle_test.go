package store

import (
	"context"
	"testing"
	"time"
)

func TestThrottle_CountWindow(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.AppendThrottle(ctx, ThrottleRecord{SourceType: "Author", SourceID: "a1", Label: "Author_u1"}); err != nil {
			t.Fatalf("AppendThrottle() failed: %v", err)
		}
		clock.Advance(10 * time.Second)
	}
	if err := s.AppendThrottle(ctx, ThrottleRecord{SourceType: "Author", SourceID: "a2", Label: "Author_u2"}); err != nil {
		t.Fatalf("AppendThrottle() failed: %v", err)
	}

	n, err := s.CountThrottle(ctx, "Author_u1", clock.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("CountThrottle() failed: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}

	// Window start is exclusive: the first record sits exactly on it.
	n, err = s.CountThrottle(ctx, "Author_u1", clock.Now().Add(-30*time.Second))
	if err != nil {
		t.Fatalf("CountThrottle() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestThrottle_ListAndPrune(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	start := clock.Now()
	for _, label := range []string{"a", "b", "a"} {
		if err := s.AppendThrottle(ctx, ThrottleRecord{SourceType: "T", SourceID: "1", Label: label}); err != nil {
			t.Fatalf("AppendThrottle() failed: %v", err)
		}
		clock.Advance(time.Second)
	}

	all, err := s.ListThrottles(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListThrottles() failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListThrottles() = %d records", len(all))
	}
	if !all[0].CreatedAt.After(all[2].CreatedAt) {
		t.Error("ListThrottles() should be newest first")
	}

	onlyA, err := s.ListThrottles(ctx, "a", 10)
	if err != nil {
		t.Fatalf("ListThrottles() failed: %v", err)
	}
	if len(onlyA) != 2 {
		t.Errorf("ListThrottles(a) = %d records", len(onlyA))
	}

	removed, err := s.PruneThrottles(ctx, start)
	if err != nil {
		t.Fatalf("PruneThrottles() failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("pruned %d, want 1", removed)
	}
}

func TestThrottle_ExplicitCreatedAt(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	old := clock.Now().Add(-time.Hour)
	if err := s.AppendThrottle(ctx, ThrottleRecord{SourceType: "T", SourceID: "1", Label: "x", CreatedAt: old}); err != nil {
		t.Fatalf("AppendThrottle() failed: %v", err)
	}
	n, err := s.CountThrottle(ctx, "x", clock.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("CountThrottle() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}
