// Package testbot drives a synthetic ingest connection against a running
// relay: a 440 Hz tone encoded as signed 16-bit little-endian PCM, streamed
// at real time, useful for smoke-testing a deployment without a desktop
// agent (spec §9.1, adapted from the teacher's virtual-client pattern).
package testbot

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meetingrelay/transcript-relay/internal/protocol"
)

// Config configures one synthetic ingest run.
type Config struct {
	RelayWSURL   string // e.g. ws://localhost:8080/api/v1/ws/ingest/meetings/demo
	Token        string
	SampleRateHz int
	Channels     int
	DeviceID     string
	Duration     time.Duration
	FrameMS      int
}

// Run dials the ingest endpoint, completes the handshake, streams a tone
// for Duration, then finalizes. Logs each handshake_ack / status frame it
// receives.
func Run(ctx context.Context, cfg Config) error {
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.FrameMS <= 0 {
		cfg.FrameMS = 20
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 10 * time.Second
	}

	u, err := rewriteToWS(cfg.RelayWSURL)
	if err != nil {
		return fmt.Errorf("testbot: %w", err)
	}

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("testbot: dial: %w", err)
	}
	defer conn.Close()

	hs := protocol.IngestHandshake{
		Type:         "handshake",
		Source:       protocol.SourceMic,
		SampleRateHz: cfg.SampleRateHz,
		Channels:     cfg.Channels,
		Language:     protocol.LanguageAuto,
		AIMode:       protocol.AIModeStandard,
		DeviceID:     cfg.DeviceID,
	}
	if err := conn.WriteJSON(hs); err != nil {
		return fmt.Errorf("testbot: send handshake: %w", err)
	}

	var ack protocol.HandshakeAck
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("testbot: read handshake_ack: %w", err)
	}
	if ack.Status != "success" {
		return fmt.Errorf("testbot: handshake rejected: %s", ack.Message)
	}
	slog.Info("testbot: handshake accepted", "session_id", ack.SessionID)

	go drainFrames(conn)

	samplesPerFrame := cfg.SampleRateHz * cfg.FrameMS / 1000
	ticker := time.NewTicker(time.Duration(cfg.FrameMS) * time.Millisecond)
	defer ticker.Stop()

	deadline := time.Now().Add(cfg.Duration)
	var phase float64
	const toneHz = 440.0

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return finalizeIngest(conn)
		case <-ticker.C:
		}
		frame, next := toneFrame(samplesPerFrame, cfg.SampleRateHz, toneHz, phase, cfg.Channels)
		phase = next
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return fmt.Errorf("testbot: send pcm: %w", err)
		}
	}

	return finalizeIngest(conn)
}

func finalizeIngest(conn *websocket.Conn) error {
	ctrl := protocol.IngestControl{Type: protocol.ControlFinalize}
	if err := conn.WriteJSON(ctrl); err != nil {
		return fmt.Errorf("testbot: send finalize: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return nil
		}
	}
}

// toneFrame synthesizes one PCM16LE frame of a sine wave, continuing phase
// across calls so the tone stays continuous between frames.
func toneFrame(samples, sampleRateHz int, freqHz, phase float64, channels int) ([]byte, float64) {
	buf := make([]byte, samples*2*channels)
	step := 2 * math.Pi * freqHz / float64(sampleRateHz)
	for i := 0; i < samples; i++ {
		v := int16(math.Sin(phase) * 0.2 * math.MaxInt16)
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * 2
			binary.LittleEndian.PutUint16(buf[off:], uint16(v))
		}
		phase += step
	}
	return buf, phase
}

// drainFrames logs every text frame received (status/transcript envelopes)
// until the connection closes.
func drainFrames(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var msg protocol.RelayMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		slog.Info("testbot: received", "type", msg.Type, "text", msg.Text, "status", msg.Status)
	}
}

func rewriteToWS(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u, nil
}
