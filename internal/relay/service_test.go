package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meetingrelay/transcript-relay/internal/auth"
	"github.com/meetingrelay/transcript-relay/internal/config"
	"github.com/meetingrelay/transcript-relay/internal/protocol"
	"github.com/meetingrelay/transcript-relay/internal/pubsub"
	"github.com/meetingrelay/transcript-relay/internal/registry"
	"github.com/meetingrelay/transcript-relay/internal/transcript"
	"github.com/golang-jwt/jwt/v5"
)

func unreachableRedisURL(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return "redis://" + addr + "/0"
}

const hmacSecret = "test-secret"

func newTestService(t *testing.T) (*Service, *httptest.Server) {
	t.Helper()

	verifier, err := auth.NewVerifier("relay", "issuer", nil, hmacSecret)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	bus, err := pubsub.New(unreachableRedisURL(t), "")
	if err != nil {
		t.Fatalf("pubsub.New: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })
	store, err := transcript.Open(":memory:")
	if err != nil {
		t.Fatalf("transcript.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	reg := registry.New(0, 0)
	t.Cleanup(reg.Close)

	cfg := config.Config{
		MaxIngestFrameBytes: 32768,
		IngestSampleRateHz:  16000,
		IngestChannels:      1,
		SubscriberQueueSize: 64,
		IdleTimeout:         30 * time.Second,
		HandshakeTimeout:    time.Second,
		FinalizeGrace:       200 * time.Millisecond,
		RateLimitWindow:     10 * time.Second,
		RateLimitMaxConns:   2,
		ASRProviderURL:      "ws://unused.invalid",
	}

	svc := New(cfg, verifier, bus, reg, store)
	t.Cleanup(svc.limiter.Close)
	srv := httptest.NewServer(svc.Echo())
	t.Cleanup(srv.Close)
	return svc, srv
}

func validToken(t *testing.T) string {
	t.Helper()
	claims := jwt.MapClaims{
		"user_id":   "u1",
		"tenant_id": "t1",
		"email":     "u1@example.com",
		"role":      "member",
		"aud":       "relay",
		"iss":       "issuer",
		"exp":       time.Now().Add(time.Hour).Unix(),
		"iat":       time.Now().Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(hmacSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestHealthEndpointReportsBrokerAndStoreStatus(t *testing.T) {
	_, srv := newTestService(t)

	resp, err := srv.Client().Get(srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["broker"] != "down" {
		t.Fatalf("expected broker=down against an unreachable redis, got %v", body["broker"])
	}
	if body["store"] != "ok" {
		t.Fatalf("expected store=ok against an in-memory sqlite store, got %v", body["store"])
	}
}

func TestStatsEndpointReflectsRegistry(t *testing.T) {
	svc, srv := newTestService(t)
	_ = svc.reg.AttachIngest("m1", "owner")
	defer svc.reg.DetachIngest("m1", "owner")

	resp, err := srv.Client().Get(srv.URL + "/api/v1/ws/meetings/m1/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ingest_active"] != true {
		t.Fatalf("expected ingest_active=true, got %+v", body)
	}
}

func TestSubscribeRejectsMissingToken(t *testing.T) {
	_, srv := newTestService(t)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/api/v1/ws/meetings/m1"), nil)
	if err != nil {
		t.Fatalf("dial: %v (status %v)", err, resp)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	cerr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error for missing auth, got %v", err)
	}
	if cerr.Code != 4001 {
		t.Fatalf("expected close code 4001, got %d", cerr.Code)
	}
}

func TestSubscribeRateLimitsExcessConnections(t *testing.T) {
	_, srv := newTestService(t)
	tok := validToken(t)
	url := wsURL(srv, "/api/v1/ws/meetings/m2") + "?token=" + tok

	for i := 0; i < 2; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conn.Close()
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial over-limit: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	cerr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error once the rate limit is exceeded, got %v", err)
	}
	if cerr.Code != 1013 {
		t.Fatalf("expected close code 1013, got %d", cerr.Code)
	}
}

// TestShutdownSessionsCascadesToSubscribers exercises spec §5's graceful
// shutdown / Scenario F: a live subscriber must receive a terminal status
// envelope and then a 1001 close, driven by shutdownSessions rather than
// relying on echo.Shutdown to reach a hijacked websocket connection.
func TestShutdownSessionsCascadesToSubscribers(t *testing.T) {
	svc, srv := newTestService(t)
	tok := validToken(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/api/v1/ws/meetings/m3")+"?token="+tok, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && svc.reg.Stats("m3").Subscribers == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if svc.reg.Stats("m3").Subscribers == 0 {
		t.Fatal("subscriber never attached")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		svc.shutdownSessions(ctx)
		close(done)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read status envelope: %v", err)
	}
	var msg protocol.RelayMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode status envelope: %v", err)
	}
	if msg.Type != protocol.TypeStatus || msg.Status != "server_shutdown" {
		t.Fatalf("expected a server_shutdown status envelope, got %+v", msg)
	}

	_, _, err = conn.ReadMessage()
	cerr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close frame after the status envelope, got %v", err)
	}
	if cerr.Code != 1001 {
		t.Fatalf("expected close code 1001, got %d", cerr.Code)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdownSessions did not return")
	}
}
