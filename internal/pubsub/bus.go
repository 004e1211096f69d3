// Package pubsub fans transcript envelopes out to subscribers over a
// Redis-backed broker, reconnecting with exponential backoff and never
// blocking the ingest path (spec §4.2).
package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// Handler receives one envelope's raw JSON payload for a channel it
// subscribed to; decoding is left to the handler.
type Handler func(channel string, payload []byte)

// subscription demultiplexes one broker-side channel subscription to
// possibly many registered handlers, in registration order.
type subscription struct {
	mu       sync.Mutex
	handlers []handlerEntry
	cancel   context.CancelFunc
}

type handlerEntry struct {
	id int
	fn Handler
}

// Bus is the process-wide PubSubBus singleton.
type Bus struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[string]*subscription

	nextHandlerID atomic.Int64
	dropped       atomic.Uint64 // publishes dropped during a broker outage

	connected atomic.Bool

	closeOnce sync.Once
	closeCh   chan struct{}
}

// New constructs a Bus against a Redis broker at url (e.g.
// "redis://host:6379/0"), authenticating with password if non-empty.
func New(url, password string) (*Bus, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if password != "" {
		opt.Password = password
	}
	b := &Bus{
		client:  redis.NewClient(opt),
		subs:    make(map[string]*subscription),
		closeCh: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.client.Ping(ctx).Err(); err != nil {
		slog.Warn("pubsub: broker unreachable at startup", "err", err)
	} else {
		b.connected.Store(true)
	}
	return b, nil
}

// Connected reports whether the broker was reachable as of the last
// connection attempt, for the /api/v1/health endpoint.
func (b *Bus) Connected() bool { return b.connected.Load() }

// DroppedCount returns the number of publishes dropped during broker
// outages since startup.
func (b *Bus) DroppedCount() uint64 { return b.dropped.Load() }

// Publish serializes payload to JSON and hands it to the broker,
// fire-and-forget. Errors are logged and counted, never returned to the
// caller's data path (spec §4.2).
func (b *Bus) Publish(channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("pubsub: marshal envelope failed", "channel", channel, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		b.dropped.Add(1)
		slog.Warn("pubsub: publish dropped", "channel", channel, "err", err, "dropped_total", b.dropped.Load())
	}
}

// Unsubscribe is the handle type returned by Subscribe.
type Unsubscribe func()

// Subscribe registers handler on channel. The bus owns one broker-side
// subscription per distinct channel and demultiplexes to every registered
// handler in registration order (spec §4.2).
func (b *Bus) Subscribe(channel string, handler Handler) Unsubscribe {
	id := int(b.nextHandlerID.Add(1))

	b.mu.Lock()
	sub, exists := b.subs[channel]
	if !exists {
		ctx, cancel := context.WithCancel(context.Background())
		sub = &subscription{cancel: cancel}
		b.subs[channel] = sub
		go b.listenLoop(ctx, channel, sub)
	}
	sub.mu.Lock()
	sub.handlers = append(sub.handlers, handlerEntry{id: id, fn: handler})
	sub.mu.Unlock()
	b.mu.Unlock()

	return func() {
		sub.mu.Lock()
		for i, h := range sub.handlers {
			if h.id == id {
				sub.handlers = append(sub.handlers[:i], sub.handlers[i+1:]...)
				break
			}
		}
		remaining := len(sub.handlers)
		sub.mu.Unlock()

		if remaining == 0 {
			b.mu.Lock()
			if b.subs[channel] == sub {
				delete(b.subs, channel)
				sub.cancel()
			}
			b.mu.Unlock()
		}
	}
}

func (b *Bus) dispatch(sub *subscription, channel string, payload []byte) {
	sub.mu.Lock()
	handlers := make([]handlerEntry, len(sub.handlers))
	copy(handlers, sub.handlers)
	sub.mu.Unlock()

	for _, h := range handlers {
		h.fn(channel, payload)
	}
}

// listenLoop owns the broker-side subscription for one channel and
// reconnects with exponential backoff (base 250ms, factor 2, cap 10s,
// +-20% jitter) until cancelled.
func (b *Bus) listenLoop(ctx context.Context, channel string, sub *subscription) {
	bo := newBackoff()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ps := b.client.Subscribe(ctx, channel)
		if _, err := ps.Receive(ctx); err != nil {
			if ctx.Err() != nil {
				_ = ps.Close()
				return
			}
			b.connected.Store(false)
			wait := bo.NextBackOff()
			slog.Warn("pubsub: subscribe failed, backing off", "channel", channel, "err", err, "wait", wait)
			_ = ps.Close()
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		b.connected.Store(true)
		bo.Reset()
		ch := ps.Channel()
	receive:
		for {
			select {
			case <-ctx.Done():
				_ = ps.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					b.connected.Store(false)
					_ = ps.Close()
					break receive
				}
				b.dispatch(sub, channel, []byte(msg.Payload))
			}
		}
		// Channel closed (connection dropped) — loop to reconnect.
	}
}

func newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 10 * time.Second
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0 // never give up; the bus must keep trying
	return bo
}

// Close terminates all subscriptions and the underlying Redis client.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() { close(b.closeCh) })

	b.mu.Lock()
	for ch, sub := range b.subs {
		sub.cancel()
		delete(b.subs, ch)
	}
	b.mu.Unlock()

	return b.client.Close()
}
