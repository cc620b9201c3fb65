// Package dedupe tracks recently seen envelope IDs. A peer reachable over
// both the relay and a direct link can deliver the same envelope twice;
// the deduplicator lets the dispatcher process each ID once.
package dedupe

import "sync"

// DefaultCapacity is the default number of envelope IDs remembered.
const DefaultCapacity = 512

// Deduplicator remembers the last Capacity envelope IDs in a ring. Once the
// ring is full, recording a new ID forgets the oldest one.
type Deduplicator struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

// New creates a Deduplicator with the default capacity.
func New() *Deduplicator {
	return NewWithCapacity(DefaultCapacity)
}

// NewWithCapacity creates a Deduplicator remembering up to capacity IDs.
func NewWithCapacity(capacity int) *Deduplicator {
	if capacity < 1 {
		capacity = 1
	}
	return &Deduplicator{
		seen: make(map[string]struct{}, capacity),
		ring: make([]string, capacity),
	}
}

// HasSeen checks whether id was processed recently. If not, it records the
// ID and returns false; if it was, it returns true.
func (d *Deduplicator) HasSeen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}

	if old := d.ring[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.next] = id
	d.seen[id] = struct{}{}
	d.next = (d.next + 1) % len(d.ring)
	return false
}

// Clear resets the deduplicator, forgetting all previously seen IDs.
func (d *Deduplicator) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.seen)
	clear(d.ring)
	d.next = 0
}
