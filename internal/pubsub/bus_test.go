package pubsub

import (
	"net"
	"testing"
	"time"
)

// unreachableURL returns a redis:// URL pointing at a port nothing is
// listening on, so dials fail fast and deterministically.
func unreachableURL(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := l.Addr().String()
	l.Close() // nothing listens here once closed
	return "redis://" + addr + "/0"
}

func TestNewWithUnreachableBrokerStartsDisconnected(t *testing.T) {
	b, err := New(unreachableURL(t), "")
	if err != nil {
		t.Fatalf("New should not fail just because the broker is unreachable: %v", err)
	}
	defer b.Close()

	if b.Connected() {
		t.Fatal("expected Connected()=false when the broker cannot be reached")
	}
}

func TestNewRejectsMalformedURL(t *testing.T) {
	if _, err := New("not-a-redis-url", ""); err == nil {
		t.Fatal("expected an error for a malformed broker URL")
	}
}

func TestPublishDroppedDuringOutageIsCounted(t *testing.T) {
	b, err := New(unreachableURL(t), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	before := b.DroppedCount()
	b.Publish("meeting:m1", map[string]string{"type": "status"})
	if b.DroppedCount() <= before {
		t.Fatalf("expected DroppedCount to increase after a publish against an unreachable broker, got %d", b.DroppedCount())
	}
}

func TestSubscribeAndUnsubscribeLifecycle(t *testing.T) {
	b, err := New(unreachableURL(t), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	called := make(chan struct{}, 1)
	unsub := b.Subscribe("meeting:m1", func(_ string, _ []byte) {
		select {
		case called <- struct{}{}:
		default:
		}
	})

	b.mu.Lock()
	_, exists := b.subs["meeting:m1"]
	b.mu.Unlock()
	if !exists {
		t.Fatal("expected an internal subscription to be registered")
	}

	unsub()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		_, stillExists := b.subs["meeting:m1"]
		b.mu.Unlock()
		if !stillExists {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected subscription to be removed once the last handler unsubscribed")
}
