package clock

import (
	"sync"

	"github.com/rookery-im/rookery-go/core"
)

// Lamport tracks one logical counter per content author. Observing a remote
// item advances the author's counter to at least the item's clock, so a
// locally authored successor always orders after everything already seen.
type Lamport struct {
	mu       sync.Mutex
	counters map[core.PeerID]uint64
}

// NewLamport creates an empty counter set.
func NewLamport() *Lamport {
	return &Lamport{counters: make(map[core.PeerID]uint64)}
}

// Observe merges a clock value seen on an item by author. Counters only move
// forward.
func (l *Lamport) Observe(author core.PeerID, clock uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if clock > l.counters[author] {
		l.counters[author] = clock
	}
}

// Next increments author's counter and returns the new value. Used when the
// local node authors an item.
func (l *Lamport) Next(author core.PeerID) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters[author]++
	return l.counters[author]
}

// Current returns the highest clock observed for author, zero if none.
func (l *Lamport) Current(author core.PeerID) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counters[author]
}
