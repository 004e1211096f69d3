// Command relay runs the meeting transcription relay: the admission
// controller, ingest/subscriber websocket endpoints, and the background
// collaborators behind them (spec §4.8).
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meetingrelay/transcript-relay/internal/auth"
	"github.com/meetingrelay/transcript-relay/internal/config"
	"github.com/meetingrelay/transcript-relay/internal/pubsub"
	"github.com/meetingrelay/transcript-relay/internal/registry"
	"github.com/meetingrelay/transcript-relay/internal/relay"
	"github.com/meetingrelay/transcript-relay/internal/transcript"
)

func main() {
	if len(os.Args) > 1 && runCLI(os.Args[1:]) {
		return
	}

	addr := flag.String("addr", ":8080", "public API listen address")
	envPath := flag.String("env", ".env", "path to an optional .env file")
	flag.Parse()

	cfg, err := config.Load(*envPath)
	if err != nil {
		// Configuration errors detected at startup are fatal (spec §7).
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	slog.SetLogLoggerLevel(cfg.SlogLevel())

	verifier, err := newVerifier(cfg)
	if err != nil {
		slog.Error("invalid auth configuration", "err", err)
		os.Exit(1)
	}

	bus, err := pubsub.New(cfg.PubSubURL, cfg.PubSubPassword)
	if err != nil {
		slog.Error("invalid pubsub configuration", "err", err)
		os.Exit(1)
	}
	if cfg.BrokerRequired && !bus.Connected() {
		slog.Error("broker required but unreachable at startup")
		os.Exit(1)
	}
	defer bus.Close()

	store, err := transcript.Open(cfg.TranscriptStoreURL)
	if err != nil {
		slog.Error("open transcript store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	reg := registry.New(cfg.MaxSubscribersPerMeeting, 2*time.Second)
	defer reg.Close()

	svc := relay.New(cfg, verifier, bus, reg, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutdown signal received")
		cancel()
	}()

	go serveMetrics(ctx, svc, cfg.MetricsAddr)

	slog.Info("relay listening", "addr", *addr)
	if err := svc.Start(ctx, *addr); err != nil {
		slog.Error("relay server error", "err", err)
		os.Exit(1)
	}
}

func newVerifier(cfg config.Config) (*auth.Verifier, error) {
	var pubKey []byte
	if cfg.AuthPublicKeyPath != "" {
		data, err := os.ReadFile(cfg.AuthPublicKeyPath)
		if err != nil {
			return nil, err
		}
		pubKey = data
	}
	return auth.NewVerifier(cfg.AuthAudience, cfg.AuthIssuer, pubKey, cfg.AuthHMACSecret)
}

func serveMetrics(ctx context.Context, svc *relay.Service, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", svc.ServeMetrics())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Warn("metrics server error", "err", err)
	}
}
