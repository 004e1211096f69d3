// Package ingest implements IngestSession, the critical path driving one
// desktop agent's audio stream through an ASRClient and out to subscribers
// and durable storage (spec §4.7).
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meetingrelay/transcript-relay/internal/asr"
	"github.com/meetingrelay/transcript-relay/internal/protocol"
	"github.com/meetingrelay/transcript-relay/internal/pubsub"
	"github.com/meetingrelay/transcript-relay/internal/registry"
	"github.com/meetingrelay/transcript-relay/internal/transcript"
)

// State is one stage of the IngestSession state machine (spec §4.7).
type State int

const (
	StateInit State = iota
	StateAuthOK
	StateRegistered
	StateHandshaken
	StateASRReady
	StateStreaming
	StateDraining
	StateClosed
)

// Config configures an IngestSession's expected wire parameters and timeouts.
type Config struct {
	ExpectedSampleRateHz int
	ExpectedChannels     int
	MaxFrameBytes        int
	HandshakeTimeout     time.Duration
	FinalizeGrace        time.Duration

	ASRProviderURL          string
	ASRAPIKey               string
	ASRModel                string
	ASRLanguageDefault      string
	ASREndpointingMS        int
	ASRMaxReconnectAttempts int
}

// Metrics receives counts of notable ingest events for external
// observability. Nil fields on Deps are valid; calls are always nil-checked.
type Metrics interface {
	OversizedFrameDropped()
	ASRReconnect()
	FinalPersisted()
}

// Deps are the collaborators an IngestSession needs, supplied by RelayService.
type Deps struct {
	Registry *registry.Registry
	Bus      *pubsub.Bus
	Store    *transcript.Store
	Config   Config
	Metrics  Metrics
}

// Session drives one ingest connection through admission, handshake, ASR
// attachment, the binary/text stream loop, and teardown.
type Session struct {
	conn      *websocket.Conn
	meetingID string
	deps      Deps

	mu    sync.Mutex
	state State

	asrClient *asr.Client
	source    protocol.Source
	language  protocol.Language
}

// New constructs a Session for an already-upgraded connection. source is the
// "source" query parameter from the ingest URL (spec §6).
func New(conn *websocket.Conn, meetingID string, source protocol.Source, deps Deps) *Session {
	return &Session{
		conn:      conn,
		meetingID: meetingID,
		deps:      deps,
		state:     StateInit,
		source:    source,
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setASRClient(c *asr.Client) {
	s.mu.Lock()
	s.asrClient = c
	s.mu.Unlock()
}

func (s *Session) getASRClient() *asr.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.asrClient
}

// RunAuthenticated runs the session after admission (bearer verification)
// has already succeeded and the websocket handshake has already been
// accepted — spec §4.7 step 1 requires the handshake complete before any
// frame, including a close-with-reason, can be sent; the caller performs
// that accept/close decision and only calls RunAuthenticated on success.
func (s *Session) RunAuthenticated(ctx context.Context) {
	s.setState(StateAuthOK)

	if err := s.deps.Registry.AttachIngest(s.meetingID, s); err != nil {
		s.closeWith(4002, "ingest exists")
		return
	}
	s.setState(StateRegistered)
	defer s.deps.Registry.DetachIngest(s.meetingID, s)

	handshake, ok := s.awaitHandshake(ctx)
	if !ok {
		return
	}
	s.setState(StateHandshaken)
	s.language = handshake.Language

	client, ok := s.attachASR(ctx, handshake)
	if !ok {
		return
	}
	s.setASRClient(client)
	defer func() { _ = client.Finalize(context.Background()) }()

	sessionID := uuid.NewString()
	if err := s.conn.WriteJSON(protocol.HandshakeSuccess(sessionID)); err != nil {
		return
	}
	s.setState(StateASRReady)

	s.streamLoop(ctx)

	if s.State() != StateClosed {
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = s.conn.Close()
		s.setState(StateClosed)
		s.publishStatus("ingest ended", "ingest ended")
	}
}

// awaitHandshake blocks for the first text frame within HandshakeTimeout and
// validates it against the configured expected wire parameters.
func (s *Session) awaitHandshake(ctx context.Context) (protocol.IngestHandshake, bool) {
	deadline := s.deps.Config.HandshakeTimeout
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(deadline))

	var hs protocol.IngestHandshake
	if err := s.conn.ReadJSON(&hs); err != nil {
		s.ackError("handshake timeout or malformed handshake")
		s.closeWith(4000, "handshake failed")
		return protocol.IngestHandshake{}, false
	}
	if hs.SampleRateHz != s.deps.Config.ExpectedSampleRateHz || hs.Channels != s.deps.Config.ExpectedChannels {
		s.ackError("sample_rate_hz/channels mismatch")
		s.closeWith(4000, "wire format mismatch")
		return protocol.IngestHandshake{}, false
	}
	_ = s.conn.SetReadDeadline(time.Time{})
	return hs, true
}

func (s *Session) ackError(message string) {
	_ = s.conn.WriteJSON(protocol.HandshakeError(message))
}

// attachASR constructs and connects an ASRClient bound to this session's
// callbacks.
func (s *Session) attachASR(ctx context.Context, hs protocol.IngestHandshake) (*asr.Client, bool) {
	cfg := s.deps.Config
	client := asr.New(asr.Config{
		ProviderURL:   cfg.ASRProviderURL,
		APIKey:        cfg.ASRAPIKey,
		Model:         cfg.ASRModel,
		Language:      languageOrDefault(hs.Language, cfg.ASRLanguageDefault),
		SampleRateHz:  hs.SampleRateHz,
		Channels:      hs.Channels,
		Encoding:      asr.EncodingPCMS16LE,
		EndpointingMS: cfg.ASREndpointingMS,
		MaxReconnects: cfg.ASRMaxReconnectAttempts,
		FinalizeGrace: cfg.FinalizeGrace,
	}, asr.Callbacks{
		OnPartial:   s.onPartial,
		OnFinal:     s.onFinal,
		OnError:     s.onASRError,
		OnReconnect: s.onASRReconnect,
	})

	if err := client.Connect(ctx); err != nil {
		slog.Warn("ingest: asr connect failed", "meeting_id", s.meetingID, "err", err)
		s.ackError("asr unavailable")
		s.closeWith(1011, "asr unavailable")
		return nil, false
	}
	return client, true
}

func languageOrDefault(l protocol.Language, def string) string {
	if l == "" || l == protocol.LanguageAuto {
		return def
	}
	return string(l)
}

// streamLoop is step 6 of spec §4.7: read frames until finalize/close/
// disconnect, dispatching binary frames to the ASR client and text control
// frames to finalize/close handling.
func (s *Session) streamLoop(ctx context.Context) {
	s.setState(StateStreaming)
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			if len(data) > s.deps.Config.MaxFrameBytes {
				slog.Warn("ingest: oversized frame dropped", "meeting_id", s.meetingID, "len", len(data))
				if s.deps.Metrics != nil {
					s.deps.Metrics.OversizedFrameDropped()
				}
				continue
			}
			if err := s.asrClient.SendPCM(ctx, data); err != nil {
				slog.Debug("ingest: send_pcm error", "meeting_id", s.meetingID, "err", err)
			}
		case websocket.TextMessage:
			var ctrl protocol.IngestControl
			if err := json.Unmarshal(data, &ctrl); err != nil {
				continue
			}
			switch ctrl.Type {
			case protocol.ControlFinalize:
				s.setState(StateDraining)
				_ = s.asrClient.Finalize(ctx)
				return
			case protocol.ControlClose:
				return
			}
		}
	}
}

// onPartial builds and publishes a transcript.partial envelope with a
// provisional lookahead segment_no (current+1); it is never persisted and
// never increments the counter (spec §4.7 step 7).
func (s *Session) onPartial(r asr.Result) {
	provisional := s.deps.Registry.PeekNextSegmentNo(s.meetingID)
	msg := protocol.TranscriptPartial(s.meetingID, provisional, r.StartMS, r.EndMS, r.Speaker, r.Text, r.Confidence, s.source, time.Now().UTC())
	s.deps.Bus.Publish(channelFor(s.meetingID), msg)
}

// onFinal obtains the next segment number, then persists (on its own
// goroutine) and publishes concurrently; a persist failure never suppresses
// the publish (spec §4.7 step 7, §8 invariant 6).
func (s *Session) onFinal(r asr.Result) {
	segNo := s.deps.Registry.NextSegmentNo(s.meetingID)
	ts := time.Now().UTC()

	go func() {
		seg := transcript.Segment{
			MeetingID:   s.meetingID,
			SegmentNo:   segNo,
			Source:      string(s.source),
			StartMS:     r.StartMS,
			EndMS:       r.EndMS,
			Speaker:     r.Speaker,
			Text:        r.Text,
			Confidence:  r.Confidence,
			CreatedAt:   ts,
			ProviderRaw: string(r.Raw),
		}
		if err := s.deps.Store.AppendFinal(context.Background(), seg); err != nil {
			slog.Warn("ingest: append_final failed, continuing", "meeting_id", s.meetingID, "segment_no", segNo, "err", err)
			return
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.FinalPersisted()
		}
	}()

	msg := protocol.TranscriptFinal(s.meetingID, segNo, r.StartMS, r.EndMS, r.Speaker, r.Text, r.Confidence, s.source, ts)
	s.deps.Bus.Publish(channelFor(s.meetingID), msg)
}

// onASRError is only ever reached for the permanent/ASRFatal case: every
// asr.Callbacks.OnError call originates from Client.fatal, itself only
// reached once reconnects are exhausted or a provider/decode error is
// unrecoverable — transient failures are handled internally via OnReconnect
// and never surface here. Policy for ASRFatal is "close session" (spec §7),
// so the stream loop must not keep reading PCM into a dead ASR connection.
func (s *Session) onASRError(err error) {
	slog.Warn("ingest: asr error, closing session", "meeting_id", s.meetingID, "err", err)
	s.publishStatus("asr_failed", "asr_failed: "+err.Error())
	s.closeWith(1011, "asr unavailable")
}

func (s *Session) onASRReconnect() {
	if s.deps.Metrics != nil {
		s.deps.Metrics.ASRReconnect()
	}
}

// Shutdown cascades a graceful relay shutdown to this session (spec §5):
// finalize the ASR stream so trailing results are flushed, then close so
// streamLoop unblocks and RunAuthenticated returns.
func (s *Session) Shutdown(ctx context.Context) {
	if client := s.getASRClient(); client != nil {
		_ = client.Finalize(ctx)
	}
	s.closeWith(1001, "server shutting down")
}

func (s *Session) publishStatus(status, message string) {
	msg := protocol.Status(s.meetingID, status, message, time.Now().UTC())
	s.deps.Bus.Publish(channelFor(s.meetingID), msg)
}

func channelFor(meetingID string) string {
	return "meeting:" + meetingID + ":transcript"
}

func (s *Session) closeWith(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = s.conn.Close()
	s.setState(StateClosed)
}
