// Package retryq implements a bounded FIFO of packets awaiting
// acknowledgment. It owns the retry policy for the whole stack: transports
// make exactly one attempt per send, and every retransmission decision is
// made here.
package retryq

import (
	"errors"
	"time"

	"github.com/emberlink/emberlink/internal/packet"
)

var ErrQueueFull = errors.New("retry queue full")

// State tracks an entry through its lifecycle.
type State int

const (
	StatePending State = iota
	StateAwaitingAck
	StateAcknowledged
	StateExpired
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateAcknowledged:
		return "acknowledged"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Entry is a packet awaiting acknowledgment.
type Entry struct {
	Packet     *packet.Packet
	EnqueuedAt time.Time
	Attempts   int
	NextRetry  time.Time
	state      State
}

// Config bounds the queue's growth and retry behavior.
type Config struct {
	Capacity    int           // maximum entries, default 10
	MaxAttempts int           // retransmissions per entry, default 3
	BaseDelay   time.Duration // first backoff, default 1s
	MaxDelay    time.Duration // backoff cap, default 60s
	EntryTTL    time.Duration // drop entries older than this, default 5m
}

// DefaultConfig returns the retry policy used by agents.
func DefaultConfig() Config {
	return Config{
		Capacity:    10,
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		EntryTTL:    5 * time.Minute,
	}
}

// SendFunc transmits an encoded packet once. Retransmission on failure is
// the queue's job, not the sender's.
type SendFunc func(p *packet.Packet) error

// Queue is a bounded FIFO retry queue. It runs no goroutines of its own;
// the owning loop drives it through Tick with an explicit clock, which
// keeps retry behavior deterministic under test.
type Queue struct {
	cfg     Config
	entries []*Entry
	send    SendFunc

	// Dropped-work counters, surfaced through health reporting.
	expired uint64
	evicted uint64
}

// New creates a queue that retransmits through send.
func New(cfg Config, send SendFunc) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 5 * time.Minute
	}
	return &Queue{cfg: cfg, send: send}
}

// Enqueue adds a packet that failed its first send attempt. At capacity it
// fails with ErrQueueFull, except that an alert packet evicts the oldest
// non-alert entry to make room.
func (q *Queue) Enqueue(p *packet.Packet, now time.Time) error {
	if len(q.entries) >= q.cfg.Capacity {
		if p.Type != packet.TypeAlert || !q.evictOldestNonAlert() {
			return ErrQueueFull
		}
	}

	q.entries = append(q.entries, &Entry{
		Packet:     p,
		EnqueuedAt: now,
		NextRetry:  now.Add(q.cfg.BaseDelay),
		state:      StateAwaitingAck,
	})
	return nil
}

// OnAck removes the entry whose packet carries the acknowledged sequence.
func (q *Queue) OnAck(seq uint64) bool {
	for i, e := range q.entries {
		if e.Packet.Sequence == seq {
			e.state = StateAcknowledged
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Tick retransmits every due entry, doubling its backoff, and expires
// entries that have exhausted their attempts or outlived their TTL. An
// expired entry is removed and never retried again.
func (q *Queue) Tick(now time.Time) {
	remaining := q.entries[:0]
	for _, e := range q.entries {
		if now.Sub(e.EnqueuedAt) > q.cfg.EntryTTL {
			e.state = StateExpired
			q.expired++
			continue
		}
		if now.Before(e.NextRetry) {
			remaining = append(remaining, e)
			continue
		}
		if e.Attempts >= q.cfg.MaxAttempts {
			e.state = StateExpired
			q.expired++
			continue
		}

		e.Attempts++
		e.NextRetry = now.Add(q.backoff(e.Attempts))
		// A failed retransmission just waits for the next backoff slot.
		_ = q.send(e.Packet)
		remaining = append(remaining, e)
	}
	q.entries = remaining
}

// backoff doubles the base delay per attempt, capped at MaxDelay.
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.MaxDelay {
			return q.cfg.MaxDelay
		}
	}
	if d > q.cfg.MaxDelay {
		d = q.cfg.MaxDelay
	}
	return d
}

func (q *Queue) evictOldestNonAlert() bool {
	for i, e := range q.entries {
		if e.Packet.Type != packet.TypeAlert {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			q.evicted++
			return true
		}
	}
	return false
}

// Len returns the number of entries awaiting acknowledgment.
func (q *Queue) Len() int {
	return len(q.entries)
}

// Expired returns how many entries were dropped after exhausting retries.
func (q *Queue) Expired() uint64 {
	return q.expired
}

// Evicted returns how many entries were displaced by alert packets.
func (q *Queue) Evicted() uint64 {
	return q.evicted
}
