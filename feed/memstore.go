package feed

import (
	"bytes"
	"sort"
	"sync"

	"github.com/rookery-im/rookery-go/core"
)

// itemLess orders items by (lamport, author, id).
func itemLess(a, b core.Item) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport < b.Lamport
	}
	if c := bytes.Compare(a.Author[:], b.Author[:]); c != 0 {
		return c < 0
	}
	return a.ID < b.ID
}

// MemStore is an in-memory ItemStore.
type MemStore struct {
	mu    sync.RWMutex
	items map[core.PeerID]map[string]core.Item
}

var _ ItemStore = (*MemStore)(nil)

// NewMemStore creates an empty in-memory item store.
func NewMemStore() *MemStore {
	return &MemStore{items: make(map[core.PeerID]map[string]core.Item)}
}

func (s *MemStore) Apply(item core.Item) (ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.items[item.Author]
	if byID == nil {
		byID = make(map[string]core.Item)
		s.items[item.Author] = byID
	}

	held, ok := byID[item.ID]
	if !ok {
		byID[item.ID] = item
		return Applied, nil
	}
	if held.IsTombstone() {
		// Terminal: only a newer tombstone may replace a tombstone.
		if item.IsTombstone() && item.Lamport > held.Lamport {
			byID[item.ID] = item
			return Applied, nil
		}
		if item.IsTombstone() && item.Lamport == held.Lamport {
			return Duplicate, nil
		}
		return Stale, nil
	}
	if item.Lamport > held.Lamport {
		byID[item.ID] = item
		return Applied, nil
	}
	if item.Lamport == held.Lamport {
		return Duplicate, nil
	}
	return Stale, nil
}

func (s *MemStore) Get(author core.PeerID, id string) (*core.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	held, ok := s.items[author][id]
	if !ok {
		return nil, nil
	}
	return &held, nil
}

func (s *MemStore) Channel(channel core.Channel, withTombstones bool) ([]core.Item, error) {
	s.mu.RLock()
	var out []core.Item
	for _, byID := range s.items {
		for _, it := range byID {
			if it.Channel != channel {
				continue
			}
			if it.IsTombstone() && !withTombstones {
				continue
			}
			out = append(out, it)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return itemLess(out[i], out[j]) })
	return out, nil
}

func (s *MemStore) ByAuthor(channel core.Channel, author core.PeerID) ([]core.Item, error) {
	s.mu.RLock()
	var out []core.Item
	for _, it := range s.items[author] {
		if it.Channel == channel {
			out = append(out, it)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return itemLess(out[i], out[j]) })
	return out, nil
}

func (s *MemStore) MaxClock(author core.PeerID) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max uint64
	for _, it := range s.items[author] {
		if it.Lamport > max {
			max = it.Lamport
		}
	}
	return max, nil
}
