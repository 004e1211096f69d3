package testbot

import (
	"math"
	"testing"
)

func TestRewriteToWSMapsHTTPSchemes(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080/x": "ws://localhost:8080/x",
		"https://relay.example/x": "wss://relay.example/x",
		"ws://localhost:8080/x":   "ws://localhost:8080/x",
		"wss://relay.example/x":   "wss://relay.example/x",
	}
	for in, want := range cases {
		u, err := rewriteToWS(in)
		if err != nil {
			t.Fatalf("rewriteToWS(%q): %v", in, err)
		}
		if got := u.String(); got != want {
			t.Fatalf("rewriteToWS(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRewriteToWSRejectsUnsupportedScheme(t *testing.T) {
	if _, err := rewriteToWS("ftp://localhost/x"); err == nil {
		t.Fatal("expected an error for an unsupported scheme")
	}
}

func TestToneFrameProducesExpectedFrameSize(t *testing.T) {
	frame, phase := toneFrame(160, 16000, 440, 0, 1)
	if len(frame) != 160*2 {
		t.Fatalf("expected 320 bytes for 160 mono samples, got %d", len(frame))
	}
	if phase == 0 {
		t.Fatal("expected phase to advance across the frame")
	}
}

func TestToneFrameIsContinuousAcrossFrames(t *testing.T) {
	_, phase1 := toneFrame(160, 16000, 440, 0, 1)
	_, phase2 := toneFrame(160, 16000, 440, phase1, 1)

	step := 2 * math.Pi * 440 / 16000
	wantPhase1 := step * 160
	if math.Abs(phase1-wantPhase1) > 1e-9 {
		t.Fatalf("expected phase %v after one frame, got %v", wantPhase1, phase1)
	}
	if phase2 <= phase1 {
		t.Fatal("expected phase to keep advancing across frames")
	}
}

func TestToneFrameInterleavesChannels(t *testing.T) {
	frame, _ := toneFrame(10, 16000, 440, 0, 2)
	if len(frame) != 10*2*2 {
		t.Fatalf("expected stereo frame of 40 bytes, got %d", len(frame))
	}
	// Each sample's left/right bytes must be identical (same tone on both
	// channels).
	for i := 0; i < 10; i++ {
		off := i * 4
		if frame[off] != frame[off+2] || frame[off+1] != frame[off+3] {
			t.Fatalf("expected identical left/right samples at frame %d", i)
		}
	}
}
