package transcript

import (
	"context"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndListFinals(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := uint64(1); i <= 3; i++ {
		seg := Segment{MeetingID: "m1", SegmentNo: i, Source: "mic", Text: "hello"}
		if err := s.AppendFinal(ctx, seg); err != nil {
			t.Fatalf("append final %d: %v", i, err)
		}
	}

	segs, err := s.ListFinals(ctx, "m1")
	if err != nil {
		t.Fatalf("list finals: %v", err)
	}
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segs))
	}
	for i, seg := range segs {
		if seg.SegmentNo != uint64(i+1) {
			t.Fatalf("expected segment_no %d in position %d, got %d", i+1, i, seg.SegmentNo)
		}
	}
}

func TestAppendFinalIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seg := Segment{MeetingID: "m1", SegmentNo: 1, Source: "mic", Text: "first"}
	if err := s.AppendFinal(ctx, seg); err != nil {
		t.Fatalf("append: %v", err)
	}
	dup := Segment{MeetingID: "m1", SegmentNo: 1, Source: "mic", Text: "duplicate replay"}
	if err := s.AppendFinal(ctx, dup); err != nil {
		t.Fatalf("duplicate append: %v", err)
	}

	segs, err := s.ListFinals(ctx, "m1")
	if err != nil {
		t.Fatalf("list finals: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment after duplicate append, got %d", len(segs))
	}
	if segs[0].Text != "first" {
		t.Fatalf("expected original text preserved, got %q", segs[0].Text)
	}
}

func TestAppendFinalRequiresMeetingAndSegmentNo(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AppendFinal(ctx, Segment{SegmentNo: 1}); err == nil {
		t.Fatal("expected error for missing meeting id")
	}
	if err := s.AppendFinal(ctx, Segment{MeetingID: "m1"}); err == nil {
		t.Fatal("expected error for zero segment_no")
	}
}

func TestPing(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
