package registry

import (
	"testing"
	"time"
)

func TestAttachIngestConflict(t *testing.T) {
	r := New(0, 0)
	defer r.Close()

	if err := r.AttachIngest("m1", "owner-a"); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if err := r.AttachIngest("m1", "owner-b"); err != ErrConflictExists {
		t.Fatalf("expected ErrConflictExists, got %v", err)
	}

	r.DetachIngest("m1", "owner-a")
	if err := r.AttachIngest("m1", "owner-b"); err != nil {
		t.Fatalf("attach after detach: %v", err)
	}
}

func TestAttachSubscriberOverLimit(t *testing.T) {
	r := New(2, 0)
	defer r.Close()

	if err := r.AttachSubscriber("m1", "s1"); err != nil {
		t.Fatalf("attach s1: %v", err)
	}
	if err := r.AttachSubscriber("m1", "s2"); err != nil {
		t.Fatalf("attach s2: %v", err)
	}
	if err := r.AttachSubscriber("m1", "s3"); err != ErrOverLimit {
		t.Fatalf("expected ErrOverLimit, got %v", err)
	}

	r.DetachSubscriber("m1", "s1")
	if err := r.AttachSubscriber("m1", "s3"); err != nil {
		t.Fatalf("attach after detach: %v", err)
	}
}

func TestNextSegmentNoMonotonic(t *testing.T) {
	r := New(0, 0)
	defer r.Close()

	for want := uint64(1); want <= 5; want++ {
		got := r.NextSegmentNo("m1")
		if got != want {
			t.Fatalf("expected segment_no %d, got %d", want, got)
		}
	}
}

func TestPeekNextSegmentNoDoesNotAdvance(t *testing.T) {
	r := New(0, 0)
	defer r.Close()

	if n := r.NextSegmentNo("m1"); n != 1 {
		t.Fatalf("expected first final to be 1, got %d", n)
	}
	peek1 := r.PeekNextSegmentNo("m1")
	peek2 := r.PeekNextSegmentNo("m1")
	if peek1 != peek2 || peek1 != 2 {
		t.Fatalf("expected stable peek at 2, got %d then %d", peek1, peek2)
	}
	if n := r.NextSegmentNo("m1"); n != 2 {
		t.Fatalf("expected second final to be 2, got %d", n)
	}
}

func TestStatsReflectsAttachedState(t *testing.T) {
	r := New(0, 0)
	defer r.Close()

	_ = r.AttachIngest("m1", "owner")
	_ = r.AttachSubscriber("m1", "s1")
	_ = r.AttachSubscriber("m1", "s2")

	st := r.Stats("m1")
	if !st.IngestActive || st.Subscribers != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	r.DetachIngest("m1", "owner")
	st = r.Stats("m1")
	if st.IngestActive {
		t.Fatalf("expected ingest inactive after detach, got %+v", st)
	}
}

func TestSweepEvictsQuiescentMeetings(t *testing.T) {
	r := New(0, 20*time.Millisecond)
	defer r.Close()

	_ = r.AttachSubscriber("m1", "s1")
	r.DetachSubscriber("m1", "s1")

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		sh := r.shardFor("m1")
		sh.mu.Lock()
		_, exists := sh.meetings["m1"]
		sh.mu.Unlock()
		if !exists {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected quiescent meeting to be evicted by the sweeper")
}
