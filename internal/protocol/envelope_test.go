package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTranscriptFinalRoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := TranscriptFinal("m1", 3, 100, 500, "alice", "hello there", 0.92, SourceMic, ts)

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded RelayMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != TypeTranscriptFinal {
		t.Fatalf("expected type %q, got %q", TypeTranscriptFinal, decoded.Type)
	}
	if decoded.SegmentNo != 3 {
		t.Fatalf("expected segment_no 3, got %d", decoded.SegmentNo)
	}
	if decoded.Meta.Source != SourceMic {
		t.Fatalf("expected source mic, got %q", decoded.Meta.Source)
	}
}

func TestStatusEnvelopeOmitsTranscriptFields(t *testing.T) {
	msg := Status("m1", "asr_degraded", "reconnecting", time.Now())
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["segment_no"]; ok {
		t.Fatalf("status envelope should omit segment_no, got %v", raw)
	}
	if raw["status"] != "asr_degraded" {
		t.Fatalf("expected status field, got %v", raw)
	}
}

func TestHandshakeAckVariants(t *testing.T) {
	ok := HandshakeSuccess("sess-1")
	if ok.Status != "success" || ok.SessionID != "sess-1" {
		t.Fatalf("unexpected success ack: %+v", ok)
	}

	fail := HandshakeError("bad sample rate")
	if fail.Status != "error" || fail.Message != "bad sample rate" {
		t.Fatalf("unexpected error ack: %+v", fail)
	}
}
