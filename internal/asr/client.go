// Package asr wraps one streaming speech-to-text session to an external
// provider: binary PCM up, partial/final JSON results down (spec §4.3).
package asr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Errors returned by SendPCM per spec §4.3.
var (
	ErrNotConnected = errors.New("asr client not connected")
	ErrFinalized    = errors.New("asr client already finalized")
	ErrReconnecting = errors.New("asr client reconnecting")
)

// Encoding names the upstream PCM wire encoding.
type Encoding string

const EncodingPCMS16LE Encoding = "pcm_s16le"

// Result is the provider-agnostic transcript event delivered to callbacks.
type Result struct {
	Text       string
	StartMS    int64
	EndMS      int64
	Confidence float64
	Speaker    string
	IsFinal    bool
	Raw        json.RawMessage
}

// Config configures one streaming session.
type Config struct {
	ProviderURL      string
	APIKey           string
	Model            string
	Language         string
	SampleRateHz     int
	Channels         int
	Encoding         Encoding
	EndpointingMS    int
	MaxReconnects    int
	FinalizeGrace    time.Duration
}

// Callbacks groups the event handlers a caller supplies.
type Callbacks struct {
	OnPartial   func(Result)
	OnFinal     func(Result)
	OnError     func(error)
	OnReconnect func() // invoked once per reconnect attempt
}

// providerMessage is the generic envelope the upstream provider sends back.
// Field names follow the same flattened shape the AssemblyAI real-time API
// uses: a discriminant plus transcript fields living alongside it.
type providerMessage struct {
	MessageType string  `json:"message_type"`
	Text        string  `json:"text"`
	AudioStart  int64   `json:"audio_start"`
	AudioEnd    int64   `json:"audio_end"`
	Confidence  float64 `json:"confidence"`
	Speaker     string  `json:"speaker,omitempty"`
	IsFinal     bool    `json:"is_final"`
	Error       string  `json:"error,omitempty"`
}

// Client is one ASRClient session (spec §4.3).
type Client struct {
	cfg Config
	cb  Callbacks

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  atomic.Bool
	finalized  atomic.Bool
	reconnects int

	readDone chan struct{}
}

// New constructs a Client bound to cfg/cb. Connect must be called before
// SendPCM.
func New(cfg Config, cb Callbacks) *Client {
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingPCMS16LE
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 5
	}
	if cfg.FinalizeGrace <= 0 {
		cfg.FinalizeGrace = time.Second
	}
	return &Client{cfg: cfg, cb: cb}
}

// Connect opens the provider connection. It fails fast if the provider
// refuses (auth, unsupported format); otherwise returns once ready to
// accept audio.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("asr connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	c.readDone = make(chan struct{})
	go c.readPump(ctx)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.ProviderURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(c.cfg.SampleRateHz))
	q.Set("channels", strconv.Itoa(c.cfg.Channels))
	q.Set("encoding", string(c.cfg.Encoding))
	if c.cfg.Model != "" {
		q.Set("model", c.cfg.Model)
	}
	if c.cfg.Language != "" {
		q.Set("language", c.cfg.Language)
	}
	if c.cfg.EndpointingMS > 0 {
		q.Set("endpointing_ms", strconv.Itoa(c.cfg.EndpointingMS))
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: authHeader(c.cfg.APIKey),
	})
	return conn, err
}

func authHeader(apiKey string) map[string][]string {
	if apiKey == "" {
		return nil
	}
	return map[string][]string{"Authorization": {apiKey}}
}

// readPump decodes inbound JSON messages until the connection closes or
// ctx is cancelled, reconnecting transient failures with backoff.
func (c *Client) readPump(ctx context.Context) {
	defer close(c.readDone)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 10 * time.Second
	bo.RandomizationFactor = 0.2

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		var msg json.RawMessage
		err := wsjson.Read(ctx, conn, &msg)
		if err != nil {
			if c.finalized.Load() || ctx.Err() != nil {
				return
			}
			if !c.tryReconnect(ctx, bo) {
				c.connected.Store(false)
				c.fatal(fmt.Errorf("asr upstream unreachable after %d attempts: %w", c.cfg.MaxReconnects, err))
				return
			}
			continue
		}
		bo.Reset()
		c.handleMessage(msg)
	}
}

func (c *Client) tryReconnect(ctx context.Context, bo backoff.BackOff) bool {
	c.connected.Store(false)
	for c.reconnects < c.cfg.MaxReconnects {
		c.reconnects++
		wait := bo.NextBackOff()
		slog.Warn("asr: reconnecting", "attempt", c.reconnects, "wait", wait)
		if c.cb.OnReconnect != nil {
			c.cb.OnReconnect()
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}

		conn, err := c.dial(ctx)
		if err != nil {
			slog.Warn("asr: reconnect attempt failed", "attempt", c.reconnects, "err", err)
			continue
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.connected.Store(true)
		return true
	}
	return false
}

func (c *Client) handleMessage(raw json.RawMessage) {
	var pm providerMessage
	if err := json.Unmarshal(raw, &pm); err != nil {
		c.fatal(fmt.Errorf("asr: decode message: %w", err))
		return
	}
	if pm.Error != "" {
		c.fatal(fmt.Errorf("asr provider error: %s", pm.Error))
		return
	}
	if pm.Text == "" {
		return // empty-text messages are suppressed (spec §4.3)
	}

	res := Result{
		Text:       pm.Text,
		StartMS:    pm.AudioStart,
		EndMS:      pm.AudioEnd,
		Confidence: pm.Confidence,
		Speaker:    pm.Speaker,
		IsFinal:    pm.IsFinal,
		Raw:        raw,
	}
	if res.IsFinal {
		if c.cb.OnFinal != nil {
			c.cb.OnFinal(res)
		}
		return
	}
	if c.cb.OnPartial != nil {
		c.cb.OnPartial(res)
	}
}

func (c *Client) fatal(err error) {
	c.finalized.Store(true)
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
}

// SendPCM pushes one raw PCM frame upstream. Returns an error (the caller
// must drop the frame) if not yet connected, finalized, or mid-reconnect.
func (c *Client) SendPCM(ctx context.Context, frame []byte) error {
	if c.finalized.Load() {
		return ErrFinalized
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if !c.connected.Load() {
		return ErrReconnecting
	}
	return conn.Write(ctx, websocket.MessageBinary, frame)
}

// Finalize signals end-of-stream to the provider, waits up to the
// configured grace period for trailing results, then closes. Calling
// Finalize twice has the same observable effect as once (spec §8).
func (c *Client) Finalize(ctx context.Context) error {
	if c.finalized.Swap(true) {
		return nil
	}
	c.connected.Store(false)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	_ = wsjson.Write(writeCtx, conn, map[string]bool{"terminate_session": true})
	cancel()

	select {
	case <-c.readDone:
	case <-time.After(c.cfg.FinalizeGrace):
	}

	return conn.Close(websocket.StatusNormalClosure, "")
}

// Connected reports whether the session currently has a live upstream
// connection.
func (c *Client) Connected() bool { return c.connected.Load() }
