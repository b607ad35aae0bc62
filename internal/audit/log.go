// Package audit records every gate denial and sandbox violation in a
// bounded in-memory ring, with an optional JSONL archive behind it.
// The log is observational: no authorization decision ever reads it.
package audit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/financeanalyst/cmdgate/internal/types"
)

// DefaultCapacity bounds the ring when the config does not.
const DefaultCapacity = 1000

// subscriberBuffer is each live subscriber's channel depth. A
// subscriber that falls behind loses events rather than stalling
// the gate.
const subscriberBuffer = 64

// Log is the bounded security event ring.
type Log struct {
	mu       sync.RWMutex
	events   []types.SecurityEvent
	next     int
	size     int
	capacity int

	archive *Archive
	subs    map[int]chan types.SecurityEvent
	nextSub int

	logger *slog.Logger
	now    func() time.Time
}

// New returns a Log holding at most capacity events. The archive is
// optional; when present every appended event is also written through,
// best effort.
func New(capacity int, archive *Archive, logger *slog.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		events:   make([]types.SecurityEvent, capacity),
		capacity: capacity,
		archive:  archive,
		subs:     make(map[int]chan types.SecurityEvent),
		logger:   logger.With("component", "audit"),
		now:      time.Now,
	}
}

// Record builds an event and appends it, returning the stored form.
func (l *Log) Record(t types.EventType, userID, command string, details map[string]any) types.SecurityEvent {
	e := types.SecurityEvent{
		ID:        l.generateID(),
		Type:      t,
		UserID:    userID,
		Command:   command,
		Details:   details,
		Timestamp: l.now(),
	}
	l.Append(e)
	return e
}

// Append stores an event, evicting the oldest when the ring is full.
// Archive and subscriber failures never propagate: audit is strictly
// best effort.
func (l *Log) Append(e types.SecurityEvent) {
	l.mu.Lock()
	l.events[l.next] = e
	l.next = (l.next + 1) % l.capacity
	if l.size < l.capacity {
		l.size++
	}
	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}
	l.mu.Unlock()

	if l.archive != nil {
		if err := l.archive.Write(e); err != nil {
			l.logger.Warn("event archive write failed", "error", err, "event", e.ID)
		}
	}
}

// Query returns events at or after since, oldest first, optionally
// restricted to the given types.
func (l *Log) Query(since time.Time, filter ...types.EventType) []types.SecurityEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	want := make(map[types.EventType]bool, len(filter))
	for _, t := range filter {
		want[t] = true
	}

	var out []types.SecurityEvent
	l.scan(func(e types.SecurityEvent) {
		if e.Timestamp.Before(since) {
			return
		}
		if len(want) > 0 && !want[e.Type] {
			return
		}
		out = append(out, e)
	})
	return out
}

// CountsByType aggregates event counts at or after since.
func (l *Log) CountsByType(since time.Time) map[types.EventType]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counts := make(map[types.EventType]int)
	l.scan(func(e types.SecurityEvent) {
		if !e.Timestamp.Before(since) {
			counts[e.Type]++
		}
	})
	return counts
}

// Recent returns up to n events, newest first.
func (l *Log) Recent(n int) []types.SecurityEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || l.size == 0 {
		return nil
	}
	if n > l.size {
		n = l.size
	}
	out := make([]types.SecurityEvent, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + l.capacity) % l.capacity
		out = append(out, l.events[idx])
	}
	return out
}

// Len returns the number of events currently held.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Capacity returns the ring's fixed capacity.
func (l *Log) Capacity() int {
	return l.capacity
}

// Subscribe registers a live event feed. The returned cancel func
// closes the channel and drops the registration; it is safe to call
// more than once.
func (l *Log) Subscribe() (<-chan types.SecurityEvent, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSub
	l.nextSub++
	ch := make(chan types.SecurityEvent, subscriberBuffer)
	l.subs[id] = ch

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if sub, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// scan walks the ring oldest first. Callers hold l.mu.
func (l *Log) scan(fn func(types.SecurityEvent)) {
	start := 0
	if l.size == l.capacity {
		start = l.next
	}
	for i := 0; i < l.size; i++ {
		fn(l.events[(start+i)%l.capacity])
	}
}

func (l *Log) generateID() string {
	return fmt.Sprintf("evt_%s_%s", l.now().Format("20060102_150405"), uuid.New().String()[:8])
}
