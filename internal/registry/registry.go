// Package registry guards per-meeting invariants: at most one active
// ingest, a bounded subscriber set, and the monotone final segment counter
// (spec §4.5).
package registry

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// Sentinel errors returned by the guarded operations.
var (
	ErrConflictExists = errors.New("ingest already active for meeting")
	ErrOverLimit      = errors.New("subscriber limit reached")
)

const shardCount = 32

// Stats is the read-only snapshot exposed to external collaborators.
type Stats struct {
	Subscribers  int
	IngestActive bool
}

// meetingSession is the in-memory state for one meeting (spec §3).
type meetingSession struct {
	mu            sync.RWMutex
	meetingID     string
	ingestOwner   any // opaque handle supplied by the caller; identity-compared
	subscribers   map[any]struct{}
	nextSegmentNo uint64
	createdAt     time.Time
	emptySince    time.Time // zero while non-quiescent
}

func newMeetingSession(id string) *meetingSession {
	return &meetingSession{
		meetingID:   id,
		subscribers: make(map[any]struct{}),
		createdAt:   time.Now(),
	}
}

func (m *meetingSession) isQuiescent() bool {
	return m.ingestOwner == nil && len(m.subscribers) == 0
}

type shard struct {
	mu       sync.Mutex
	meetings map[string]*meetingSession
}

// Registry is the process-wide, sharded SessionRegistry.
type Registry struct {
	shards       [shardCount]*shard
	maxSubs      int
	cleanupGrace time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Registry. maxSubscribersPerMeeting <= 0 defaults to 20,
// matching spec §4.5's default. cleanupGrace <= 0 defaults to 2s.
func New(maxSubscribersPerMeeting int, cleanupGrace time.Duration) *Registry {
	if maxSubscribersPerMeeting <= 0 {
		maxSubscribersPerMeeting = 20
	}
	if cleanupGrace <= 0 {
		cleanupGrace = 2 * time.Second
	}
	r := &Registry{
		maxSubs:      maxSubscribersPerMeeting,
		cleanupGrace: cleanupGrace,
		stopCh:       make(chan struct{}),
	}
	for i := range r.shards {
		r.shards[i] = &shard{meetings: make(map[string]*meetingSession)}
	}
	r.wg.Add(1)
	go r.sweepLoop()
	return r
}

// Close stops the background quiescence sweeper.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Registry) shardFor(meetingID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(meetingID))
	return r.shards[h.Sum32()%shardCount]
}

func (r *Registry) getOrCreate(sh *shard, meetingID string) *meetingSession {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	m, ok := sh.meetings[meetingID]
	if !ok {
		m = newMeetingSession(meetingID)
		sh.meetings[meetingID] = m
	}
	return m
}

// AttachIngest registers owner as the sole ingest for meetingID. Returns
// ErrConflictExists if one is already active.
func (r *Registry) AttachIngest(meetingID string, owner any) error {
	sh := r.shardFor(meetingID)
	m := r.getOrCreate(sh, meetingID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ingestOwner != nil {
		return ErrConflictExists
	}
	m.ingestOwner = owner
	m.emptySince = time.Time{}
	slog.Debug("ingest attached", "meeting_id", meetingID)
	return nil
}

// DetachIngest releases ownership if owner currently holds it.
func (r *Registry) DetachIngest(meetingID string, owner any) {
	sh := r.shardFor(meetingID)
	sh.mu.Lock()
	m, ok := sh.meetings[meetingID]
	sh.mu.Unlock()
	if !ok {
		return
	}

	m.mu.Lock()
	if m.ingestOwner == owner {
		m.ingestOwner = nil
	}
	quiescent := m.isQuiescent()
	if quiescent {
		m.emptySince = time.Now()
	}
	m.mu.Unlock()
	slog.Debug("ingest detached", "meeting_id", meetingID)
}

// AttachSubscriber registers sub as a subscriber of meetingID. Returns
// ErrOverLimit if the configured cap is already reached.
func (r *Registry) AttachSubscriber(meetingID string, sub any) error {
	sh := r.shardFor(meetingID)
	m := r.getOrCreate(sh, meetingID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.subscribers) >= r.maxSubs {
		return ErrOverLimit
	}
	m.subscribers[sub] = struct{}{}
	m.emptySince = time.Time{}
	slog.Debug("subscriber attached", "meeting_id", meetingID, "count", len(m.subscribers))
	return nil
}

// DetachSubscriber removes sub from meetingID's subscriber set.
func (r *Registry) DetachSubscriber(meetingID string, sub any) {
	sh := r.shardFor(meetingID)
	sh.mu.Lock()
	m, ok := sh.meetings[meetingID]
	sh.mu.Unlock()
	if !ok {
		return
	}

	m.mu.Lock()
	delete(m.subscribers, sub)
	quiescent := m.isQuiescent()
	if quiescent {
		m.emptySince = time.Now()
	}
	m.mu.Unlock()
	slog.Debug("subscriber detached", "meeting_id", meetingID)
}

// NextSegmentNo atomically increments and returns the next final segment
// number for meetingID. Only ever called for finals (spec §3, §4.5).
func (r *Registry) NextSegmentNo(meetingID string) uint64 {
	sh := r.shardFor(meetingID)
	m := r.getOrCreate(sh, meetingID)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSegmentNo++
	return m.nextSegmentNo
}

// PeekNextSegmentNo returns the segment_no a final would receive if emitted
// right now, without consuming it. Used for a partial's provisional
// segment_no lookahead (spec §4.7 step 7); never advances the counter.
func (r *Registry) PeekNextSegmentNo(meetingID string) uint64 {
	sh := r.shardFor(meetingID)
	m := r.getOrCreate(sh, meetingID)

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextSegmentNo + 1
}

// ActiveIngests returns every currently attached ingest owner across all
// meetings, identity-equal to whatever was passed to AttachIngest. Used by a
// caller cascading a graceful shutdown (spec §5) across live sessions; the
// registry itself holds no knowledge of what an owner is.
func (r *Registry) ActiveIngests() []any {
	var owners []any
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, m := range sh.meetings {
			m.mu.RLock()
			if m.ingestOwner != nil {
				owners = append(owners, m.ingestOwner)
			}
			m.mu.RUnlock()
		}
		sh.mu.Unlock()
	}
	return owners
}

// ActiveSubscribers returns every currently attached subscriber owner across
// all meetings, for the same shutdown-cascade purpose as ActiveIngests.
func (r *Registry) ActiveSubscribers() []any {
	var owners []any
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, m := range sh.meetings {
			m.mu.RLock()
			for sub := range m.subscribers {
				owners = append(owners, sub)
			}
			m.mu.RUnlock()
		}
		sh.mu.Unlock()
	}
	return owners
}

// Stats returns a read-only snapshot for meetingID.
func (r *Registry) Stats(meetingID string) Stats {
	sh := r.shardFor(meetingID)
	sh.mu.Lock()
	m, ok := sh.meetings[meetingID]
	sh.mu.Unlock()
	if !ok {
		return Stats{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Subscribers: len(m.subscribers), IngestActive: m.ingestOwner != nil}
}

// sweepLoop evicts quiescent meeting records after cleanupGrace, absorbing
// rapid reconnections without ballooning memory for long-dead meetings.
func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cleanupGrace)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Registry) sweepOnce() {
	now := time.Now()
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, m := range sh.meetings {
			m.mu.RLock()
			evict := m.isQuiescent() && !m.emptySince.IsZero() && now.Sub(m.emptySince) >= r.cleanupGrace
			m.mu.RUnlock()
			if evict {
				delete(sh.meetings, id)
			}
		}
		sh.mu.Unlock()
	}
}
