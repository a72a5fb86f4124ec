// Package notify buffers and delivers employee notifications. The scheduler
// enqueues without blocking; a dispatcher drains the queue into a Notifier
// at a bounded rate.
package notify

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tjfontaine/replywatch/internal/core/domain"
)

// OverflowPolicy decides what a full queue drops.
type OverflowPolicy string

const (
	// DropNewest rejects the notification being enqueued.
	DropNewest OverflowPolicy = "drop_newest"
	// DropOldest evicts the oldest queued notification to make room.
	DropOldest OverflowPolicy = "drop_oldest"
)

// ParseOverflowPolicy validates a configured policy name.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case DropNewest, DropOldest:
		return OverflowPolicy(s), nil
	case "":
		return DropNewest, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Queue is a bounded, non-blocking notification buffer.
type Queue struct {
	ch      chan domain.Notification
	policy  OverflowPolicy
	dropped atomic.Int64

	// evict serializes drop-oldest evictions so they cannot starve each other.
	evict sync.Mutex

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	onDrop    func(domain.Notification)
}

// NewQueue creates a queue holding at most capacity notifications.
func NewQueue(capacity int, policy OverflowPolicy) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	if policy == "" {
		policy = DropNewest
	}
	return &Queue{ch: make(chan domain.Notification, capacity), policy: policy}
}

// OnDrop registers a callback for notifications lost to overflow.
func (q *Queue) OnDrop(fn func(domain.Notification)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDrop = fn
}

// Enqueue adds n without blocking. It reports whether n was accepted.
func (q *Queue) Enqueue(n domain.Notification) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.drop(n)
		return false
	}

	select {
	case q.ch <- n:
		return true
	default:
	}

	if q.policy == DropNewest {
		q.drop(n)
		return false
	}

	q.evict.Lock()
	defer q.evict.Unlock()
	for {
		select {
		case q.ch <- n:
			return true
		default:
		}
		select {
		case old := <-q.ch:
			q.drop(old)
		default:
		}
	}
}

func (q *Queue) drop(n domain.Notification) {
	q.dropped.Add(1)
	if q.onDrop != nil {
		q.onDrop(n)
	}
}

// C returns the channel the dispatcher reads from. It is closed by Close.
func (q *Queue) C() <-chan domain.Notification { return q.ch }

// Len returns the number of queued notifications.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Dropped returns how many notifications overflow has discarded.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Close stops accepting notifications. Queued ones remain readable.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.ch)
		q.mu.Unlock()
	})
}
