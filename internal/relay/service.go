// Package relay wires TokenVerifier, PubSubBus, SessionRegistry,
// TranscriptStore, and the ASR-backed ingest/subscriber sessions behind an
// Echo HTTP server: RelayService, the admission controller (spec §4.8).
package relay

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meetingrelay/transcript-relay/internal/auth"
	"github.com/meetingrelay/transcript-relay/internal/config"
	"github.com/meetingrelay/transcript-relay/internal/ingest"
	"github.com/meetingrelay/transcript-relay/internal/protocol"
	"github.com/meetingrelay/transcript-relay/internal/pubsub"
	"github.com/meetingrelay/transcript-relay/internal/ratelimit"
	"github.com/meetingrelay/transcript-relay/internal/registry"
	"github.com/meetingrelay/transcript-relay/internal/subscriber"
	"github.com/meetingrelay/transcript-relay/internal/transcript"
)

const version = "0.1.0"

// Service is the RelayService (C8): it owns the lifetime of the auth
// verifier, bus, registry, and store, and admits every websocket connection.
type Service struct {
	echo *echo.Echo
	cfg  config.Config

	verifier *auth.Verifier
	bus      *pubsub.Bus
	reg      *registry.Registry
	store    *transcript.Store
	limiter  *ratelimit.Limiter
	metrics  *metrics

	upgrader websocket.Upgrader
}

// New constructs a Service with all of its collaborators.
func New(cfg config.Config, verifier *auth.Verifier, bus *pubsub.Bus, reg *registry.Registry, store *transcript.Store) *Service {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Service{
		echo:     e,
		cfg:      cfg,
		verifier: verifier,
		bus:      bus,
		reg:      reg,
		store:    store,
		limiter:  ratelimit.New(cfg.RateLimitWindow, cfg.RateLimitMaxConns),
		metrics:  newMetrics(bus),
		upgrader: websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }},
	}
	s.registerRoutes()
	return s
}

func (s *Service) registerRoutes() {
	g := s.echo.Group("/api/v1")
	g.GET("/ws/ingest/meetings/:meeting_id", s.handleIngest)
	g.GET("/ws/meetings/:meeting_id/stats", s.handleStats)
	g.GET("/ws/meetings/:meeting_id", s.handleSubscribe)
	g.GET("/health", s.handleHealth)
}

// Echo exposes the underlying Echo instance, mainly for httptest wiring.
func (s *Service) Echo() *echo.Echo { return s.echo }

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			if req.URL.Path == "/api/v1/health" {
				return nil
			}
			slog.Info("http request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote", c.RealIP(),
			)
			return nil
		}
	}
}

// handleIngest serves GET /api/v1/ws/ingest/meetings/{meeting_id}.
func (s *Service) handleIngest(c echo.Context) error {
	meetingID := c.Param("meeting_id")
	source := sourceFromQuery(c.QueryParam("source"))

	token, _ := auth.ExtractToken(c.Request().Header.Get("Authorization"), c.QueryParam("token"))
	principal, authErr := s.verifier.Verify(token)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	// Handshake must complete before any application frame or close
	// (spec §4.7 step 1) — the upgrade above already did that.
	if authErr != nil {
		closeWS(conn, 4001, "auth failed")
		return nil
	}
	_ = principal

	if !s.limiter.Allow(meetingID+":"+string(source), time.Now()) {
		s.metrics.rateLimited.Inc()
		closeWS(conn, 1013, "try again later")
		return nil
	}

	s.metrics.ingestConnections.Inc()
	sess := ingest.New(conn, meetingID, source, ingest.Deps{
		Registry: s.reg,
		Bus:      s.bus,
		Store:    s.store,
		Metrics:  s.metrics,
		Config: ingest.Config{
			ExpectedSampleRateHz:    s.cfg.IngestSampleRateHz,
			ExpectedChannels:        s.cfg.IngestChannels,
			MaxFrameBytes:           s.cfg.MaxIngestFrameBytes,
			HandshakeTimeout:        s.cfg.HandshakeTimeout,
			FinalizeGrace:           s.cfg.FinalizeGrace,
			ASRProviderURL:          s.cfg.ASRProviderURL,
			ASRAPIKey:               s.cfg.ASRAPIKey,
			ASRModel:                s.cfg.ASRModel,
			ASRLanguageDefault:      s.cfg.ASRLanguageDefault,
			ASREndpointingMS:        s.cfg.ASREndpointingMS,
			ASRMaxReconnectAttempts: s.cfg.ASRMaxReconnectAttempts,
		},
	})
	sess.RunAuthenticated(c.Request().Context())
	return nil
}

func sourceFromQuery(raw string) protocol.Source {
	switch strings.ToLower(raw) {
	case "system", "sys":
		return protocol.SourceSystem
	default:
		return protocol.SourceMic
	}
}

// handleSubscribe serves GET /api/v1/ws/meetings/{meeting_id}.
func (s *Service) handleSubscribe(c echo.Context) error {
	meetingID := c.Param("meeting_id")

	token, _ := auth.ExtractToken(c.Request().Header.Get("Authorization"), c.QueryParam("token"))
	_, authErr := s.verifier.Verify(token)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	if authErr != nil {
		closeWS(conn, 4001, "auth failed")
		return nil
	}

	if !s.limiter.Allow(meetingID+":subscriber", time.Now()) {
		s.metrics.rateLimited.Inc()
		closeWS(conn, 1013, "try again later")
		return nil
	}

	s.metrics.subscriberConnections.Inc()
	sess := subscriber.New(conn, meetingID, subscriber.Deps{
		Registry:    s.reg,
		Bus:         s.bus,
		QueueSize:   s.cfg.SubscriberQueueSize,
		IdleTimeout: s.cfg.IdleTimeout,
		Metrics:     s.metrics,
	})
	sess.Run(c.Request().Context())
	return nil
}

// handleStats serves GET /api/v1/ws/meetings/{meeting_id}/stats.
func (s *Service) handleStats(c echo.Context) error {
	meetingID := c.Param("meeting_id")
	st := s.reg.Stats(meetingID)
	return c.JSON(http.StatusOK, map[string]any{
		"subscribers":   st.Subscribers,
		"ingest_active": st.IngestActive,
	})
}

// handleHealth serves GET /api/v1/health.
func (s *Service) handleHealth(c echo.Context) error {
	broker := "down"
	if s.bus.Connected() {
		broker = "ok"
	}

	store := "unavailable"
	if s.store != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 500*time.Millisecond)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			store = "down"
		} else {
			store = "ok"
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"broker":  broker,
		"store":   store,
		"version": version,
	})
}

// ServeMetrics returns an http.Handler exposing Prometheus metrics, meant to
// be served on METRICS_ADDR, separate from the public API port.
func (s *Service) ServeMetrics() http.Handler {
	return promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})
}

// Start runs the public API server and blocks until ctx is cancelled, then
// shuts down within ShutdownGrace. When RELAY_TLS_SELF_SIGNED is set, it
// serves wss:// directly off a generated self-signed certificate rather than
// assuming a TLS-terminating proxy in front (spec §6 scheme rewriting still
// assumes production deployments do the latter).
func (s *Service) Start(ctx context.Context, addr string) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		defer cancel()
		// Cascade shutdown to every live ingest/subscriber session, then let
		// Echo close the listener (spec §5 "Graceful shutdown", Scenario F).
		// The listener keeps accepting connections until echo.Shutdown runs;
		// sessions admitted during the cascade are not shut down by it.
		s.shutdownSessions(shutdownCtx)
		_ = s.echo.Shutdown(shutdownCtx)
	}()

	var err error
	if s.cfg.RelayTLSSelfSigned {
		tlsCfg, fingerprint, tlsErr := generateSelfSignedTLS(90*24*time.Hour, "")
		if tlsErr != nil {
			s.limiter.Close()
			return tlsErr
		}
		slog.Info("serving self-signed TLS", "addr", addr, "sha256_fingerprint", fingerprint)
		err = s.echo.StartServer(&http.Server{Addr: addr, TLSConfig: tlsCfg})
	} else {
		err = s.echo.Start(addr)
	}

	s.limiter.Close()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// shutdownSessions cascades a graceful shutdown to every live ingest and
// subscriber session, bounded by ctx. Ingests are finalized (flushing
// trailing ASR results) and subscribers are sent a terminal status before
// either side is closed (spec §5 "Graceful shutdown"). The registry only
// hands back the caller-supplied owner token, so it is type-asserted back
// to the concrete session types here.
func (s *Service) shutdownSessions(ctx context.Context) {
	var wg sync.WaitGroup
	for _, owner := range s.reg.ActiveIngests() {
		sess, ok := owner.(*ingest.Session)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.Shutdown(ctx)
		}()
	}
	for _, owner := range s.reg.ActiveSubscribers() {
		sess, ok := owner.(*subscriber.Session)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.Shutdown(ctx)
		}()
	}
	wg.Wait()
}

func closeWS(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}
