package notify

import (
	"context"
	"sync"
	"time"

	"mizan/observability/metrics"
)

// QueueOption adjusts the behaviour of the queue.
type QueueOption func(*queueConfig)

type queueConfig struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

const (
	defaultQueueCapacity = 1024
	defaultQueueTTL      = 15 * time.Minute
)

// WithCapacity sets the maximum number of pending events.
func WithCapacity(capacity int) QueueOption {
	return func(cfg *queueConfig) {
		if capacity > 0 {
			cfg.capacity = capacity
		}
	}
}

// WithTTL configures how long queued events remain eligible for delivery.
func WithTTL(ttl time.Duration) QueueOption {
	return func(cfg *queueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// withClock overrides the clock used for TTL evaluation (test only).
func withClock(now func() time.Time) QueueOption {
	return func(cfg *queueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

type queuedEvent struct {
	event      Event
	enqueuedAt time.Time
}

// Queue is a bounded in-memory buffer between the engines and the webhook
// dispatcher. Overflow drops the oldest event rather than blocking a state
// transition.
type Queue struct {
	mu   sync.Mutex
	ring ring[queuedEvent]
	ttl  time.Duration
	now  func() time.Time
	seq  int64
}

// NewQueue constructs a bounded queue with optional customisation.
func NewQueue(opts ...QueueOption) *Queue {
	cfg := queueConfig{
		capacity: defaultQueueCapacity,
		ttl:      defaultQueueTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue{
		ring: newRing[queuedEvent](cfg.capacity),
		ttl:  cfg.ttl,
		now:  cfg.now,
	}
}

// Emit implements Emitter.
func (q *Queue) Emit(evt Event) {
	now := q.now()
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = now
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	q.seq++
	evt.Sequence = q.seq
	if _, dropped := q.ring.push(queuedEvent{event: evt, enqueuedAt: now}); dropped {
		metrics.Notify().RecordDropped("overflow", 1)
	}
}

// Events returns a snapshot copy of queued events. Primarily used in tests.
func (q *Queue) Events() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(q.now())
	snapshot := make([]Event, 0, q.ring.len())
	q.ring.forEach(func(entry queuedEvent) {
		snapshot = append(snapshot, entry.event)
	})
	return snapshot
}

// Dequeue waits for the next deliverable event. Returns false once the
// context is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (Event, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.now())
		queued, ok := q.ring.pop()
		q.mu.Unlock()
		if ok {
			return queued.event, true
		}
		select {
		case <-ctx.Done():
			return Event{}, false
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (q *Queue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		entry, ok := q.ring.peek()
		if !ok || now.Sub(entry.enqueuedAt) <= q.ttl {
			break
		}
		q.ring.pop()
		expired++
	}
	if expired > 0 {
		metrics.Notify().RecordDropped("ttl", expired)
	}
}

// ring is a fixed-size buffer that overwrites the oldest element on overflow.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) ring[T] {
	if capacity <= 0 {
		return ring[T]{}
	}
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) (T, bool) {
	if len(r.buf) == 0 {
		var zero T
		return zero, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = v
	r.size++
	var zero T
	return zero, false
}

func (r *ring[T]) pop() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	v := r.buf[r.head]
	var zero T
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *ring[T]) peek() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *ring[T]) len() int { return r.size }

func (r *ring[T]) forEach(fn func(T)) {
	for i := 0; i < r.size; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}
