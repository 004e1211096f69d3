// Package subscriber implements the read-only fan-out side of a meeting:
// admit, attach, forward bus envelopes as text frames, heartbeat (spec §4.6).
package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meetingrelay/transcript-relay/internal/protocol"
	"github.com/meetingrelay/transcript-relay/internal/pubsub"
	"github.com/meetingrelay/transcript-relay/internal/registry"
)

const maxEnvelopeBytes = 64 * 1024

// CloseReason pairs a websocket close code with a human-readable reason,
// kept under the 123-byte control-frame limit by construction.
type CloseReason struct {
	Code   int
	Reason string
}

var (
	closeConnLimit = CloseReason{Code: 4003, Reason: "connection limit"}
	closeSlow      = CloseReason{Code: 1011, Reason: "slow consumer"}
	closeGoingAway = CloseReason{Code: 1001, Reason: "going away"}
	closeShutdown  = CloseReason{Code: 1001, Reason: "server shutting down"}
)

// Metrics receives counts of notable subscriber events for external
// observability. Nil is valid; calls are always nil-checked.
type Metrics interface {
	SlowConsumerClosed()
}

// Deps are the collaborators a Session needs, supplied by RelayService.
type Deps struct {
	Registry    *registry.Registry
	Bus         *pubsub.Bus
	QueueSize   int
	IdleTimeout time.Duration
	Metrics     Metrics
}

// Session drives one subscriber connection end to end. Envelope and ping
// frames are written only by the writeLoop goroutine; the close frame is
// written by Run once writeLoop has returned, or by Shutdown. readLoop and
// onEnvelope only ever set the close reason and let the shared
// context tear both loops down.
type Session struct {
	conn      *websocket.Conn
	meetingID string
	deps      Deps

	outbox chan protocol.RelayMessage

	mu     sync.Mutex
	reason CloseReason
}

// New constructs a Session for an already-upgraded connection.
func New(conn *websocket.Conn, meetingID string, deps Deps) *Session {
	if deps.QueueSize <= 0 {
		deps.QueueSize = 256
	}
	if deps.IdleTimeout <= 0 {
		deps.IdleTimeout = 30 * time.Second
	}
	return &Session{
		conn:      conn,
		meetingID: meetingID,
		deps:      deps,
		outbox:    make(chan protocol.RelayMessage, deps.QueueSize),
		reason:    closeGoingAway,
	}
}

// Run attaches the session to the registry and bus and serves it until the
// client disconnects or the session is closed by policy. The caller is
// responsible for having already admitted (authenticated) the connection
// and completed the websocket handshake.
func (s *Session) Run(ctx context.Context) {
	if err := s.deps.Registry.AttachSubscriber(s.meetingID, s); err != nil {
		s.sendClose(closeConnLimit)
		return
	}
	defer s.deps.Registry.DetachSubscriber(s.meetingID, s)

	unsubscribe := s.deps.Bus.Subscribe(channelFor(s.meetingID), s.onEnvelope)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx)
	}()

	s.readLoop(ctx)
	cancel()
	<-writerDone
	s.sendClose(s.closeReason())
}

func channelFor(meetingID string) string {
	return "meeting:" + meetingID + ":transcript"
}

func (s *Session) setCloseReason(reason CloseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reason = reason
}

func (s *Session) closeReason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// onEnvelope is the pubsub.Handler invoked on the bus's listen goroutine; it
// must never block, so a full outbox marks the subscriber for closure
// instead of stalling the broker (spec §5 "Backpressure").
func (s *Session) onEnvelope(_ string, payload []byte) {
	var msg protocol.RelayMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn("subscriber: undecodable envelope", "meeting_id", s.meetingID, "err", err)
		return
	}
	select {
	case s.outbox <- msg:
	default:
		slog.Warn("subscriber: outbox full, dropping connection", "meeting_id", s.meetingID)
		s.setCloseReason(closeSlow)
		if s.deps.Metrics != nil {
			s.deps.Metrics.SlowConsumerClosed()
		}
		close(s.outbox) // wakes writeLoop without requiring it to poll
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.outbox:
			if !ok {
				return
			}
			var err error
			if msg.Type == "ping" {
				_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				err = s.conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			} else {
				err = s.writeEnvelope(msg)
			}
			if err != nil {
				return
			}
		}
	}
}

func (s *Session) writeEnvelope(msg protocol.RelayMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if len(data) > maxEnvelopeBytes {
		msg.Truncated = true
		msg.Text = truncateText(msg.Text, maxEnvelopeBytes/2)
		data, err = json.Marshal(msg)
		if err != nil {
			return err
		}
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func truncateText(text string, n int) string {
	if len(text) <= n {
		return text
	}
	return text[:n]
}

// readLoop watches for inbound frames (pong replies) and idle timeout; a
// subscriber sends no application-meaningful data besides pong.
func (s *Session) readLoop(ctx context.Context) {
	missedPongs := 0
	awaitingPong := false

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.deps.IdleTimeout))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if isIdleTimeout(err) {
				if awaitingPong {
					missedPongs++
					if missedPongs >= 2 {
						s.setCloseReason(closeGoingAway)
						return
					}
				}
				awaitingPong = true
				select {
				case s.outbox <- protocol.RelayMessage{Type: "ping", MeetingID: s.meetingID, TS: time.Now().UTC()}:
				default:
				}
				continue
			}
			return
		}
		if string(data) == "pong" {
			awaitingPong = false
			missedPongs = 0
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func isIdleTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Shutdown cascades a graceful relay shutdown to this session (spec §5):
// publish a terminal status envelope, give the writer goroutine a brief
// window to flush it, then close 1001. Mirrors the select/time.After grace
// window asr.Client.Finalize uses for the same kind of best-effort flush.
func (s *Session) Shutdown(ctx context.Context) {
	s.setCloseReason(closeShutdown)
	select {
	case s.outbox <- protocol.Status(s.meetingID, "server_shutdown", closeShutdown.Reason, time.Now().UTC()):
	default:
	}
	select {
	case <-ctx.Done():
	case <-time.After(200 * time.Millisecond):
	}
	s.sendClose(closeShutdown)
}

func (s *Session) sendClose(reason CloseReason) {
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(reason.Code, reason.Reason), deadline)
	_ = s.conn.Close()
}
