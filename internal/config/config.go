// Package config loads the relay's process-wide configuration from
// environment variables, optionally overlaid on a ".env" file for local
// development, following the load-file-then-trust-the-environment order
// the wider example pack uses for services of this shape.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full set of environment-driven settings recognized by the
// relay (spec §6).
type Config struct {
	MaxSubscribersPerMeeting int
	MaxIngestFrameBytes      int
	IngestSampleRateHz       int
	IngestChannels           int
	SubscriberQueueSize      int

	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
	FinalizeGrace    time.Duration
	ShutdownGrace    time.Duration

	RateLimitWindow     time.Duration
	RateLimitMaxConns   int

	ASRProviderURL           string
	ASRAPIKey                string
	ASRModel                 string
	ASRLanguageDefault       string
	ASREndpointingMS         int
	ASRMaxReconnectAttempts  int

	PubSubURL      string
	PubSubPassword string

	AuthAudience      string
	AuthIssuer        string
	AuthPublicKeyPath string
	AuthHMACSecret    string

	TranscriptStoreURL string

	MetricsAddr string
	LogLevel    string

	BrokerRequired    bool
	RelayTLSSelfSigned bool
}

// Load reads Config from the environment, first overlaying a ".env" file at
// envPath if one exists (missing file is not an error — only I/O failures
// reading an existing file are logged and ignored, matching the teacher's
// "continue with existing environment variables" stance).
func Load(envPath string) (Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("could not load env file", "path", envPath, "err", err)
		} else if err == nil {
			slog.Info("loaded environment file", "path", envPath)
		}
	}

	// METRICS_ADDR set to an empty string disables the metrics server, so
	// only an unset variable falls back to the default.
	metricsAddr, ok := os.LookupEnv("METRICS_ADDR")
	if !ok {
		metricsAddr = ":9090"
	}

	c := Config{
		MaxSubscribersPerMeeting: envInt("MAX_SUBSCRIBERS_PER_MEETING", 20),
		MaxIngestFrameBytes:      envInt("MAX_INGEST_FRAME_BYTES", 32768),
		IngestSampleRateHz:       envInt("INGEST_SAMPLE_RATE_HZ", 16000),
		IngestChannels:           envInt("INGEST_CHANNELS", 1),
		SubscriberQueueSize:      envInt("SUBSCRIBER_QUEUE_SIZE", 256),

		IdleTimeout:      envSeconds("IDLE_TIMEOUT_S", 30),
		HandshakeTimeout: envSeconds("HANDSHAKE_TIMEOUT_S", 10),
		FinalizeGrace:    envSeconds("FINALIZE_GRACE_S", 1),
		ShutdownGrace:    envSeconds("SHUTDOWN_GRACE_S", 5),

		RateLimitWindow:   envSeconds("RATE_LIMIT_WINDOW_S", 10),
		RateLimitMaxConns: envInt("RATE_LIMIT_MAX_CONNS", 5),

		ASRProviderURL:          os.Getenv("ASR_PROVIDER_URL"),
		ASRAPIKey:               os.Getenv("ASR_API_KEY"),
		ASRModel:                os.Getenv("ASR_MODEL"),
		ASRLanguageDefault:      envString("ASR_LANGUAGE_DEFAULT", "en"),
		ASREndpointingMS:        envInt("ASR_ENDPOINTING_MS", 500),
		ASRMaxReconnectAttempts: envInt("ASR_MAX_RECONNECT_ATTEMPTS", 5),

		PubSubURL:      envString("PUBSUB_URL", "redis://localhost:6379/0"),
		PubSubPassword: os.Getenv("PUBSUB_PASSWORD"),

		AuthAudience:      os.Getenv("AUTH_AUDIENCE"),
		AuthIssuer:        os.Getenv("AUTH_ISSUER"),
		AuthPublicKeyPath: os.Getenv("AUTH_PUBLIC_KEY_PATH"),
		AuthHMACSecret:    os.Getenv("AUTH_HMAC_SECRET"),

		TranscriptStoreURL: envString("TRANSCRIPT_STORE_URL", "relay.db"),

		MetricsAddr: metricsAddr,
		LogLevel:    envString("LOG_LEVEL", "info"),

		BrokerRequired:     envBool("BROKER_REQUIRED", false),
		RelayTLSSelfSigned: envBool("RELAY_TLS_SELF_SIGNED", false),
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the configuration errors a production relay must catch
// at boot rather than fail into mid-stream (spec §7: "configuration errors
// detected at startup... are fatal").
func (c Config) Validate() error {
	if c.ASRProviderURL == "" {
		return fmt.Errorf("ASR_PROVIDER_URL is required")
	}
	if c.ASRAPIKey == "" {
		return fmt.Errorf("ASR_API_KEY is required")
	}
	if c.AuthPublicKeyPath == "" && c.AuthHMACSecret == "" {
		return fmt.Errorf("either AUTH_PUBLIC_KEY_PATH or AUTH_HMAC_SECRET must be configured")
	}
	if c.MaxIngestFrameBytes <= 0 {
		return fmt.Errorf("MAX_INGEST_FRAME_BYTES must be positive")
	}
	return nil
}

// SlogLevel maps the configured LogLevel to a slog.Level, defaulting to
// Info for an unrecognized value.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(envInt(key, defSeconds)) * time.Second
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid bool env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}
