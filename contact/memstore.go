package contact

import (
	"sort"
	"sync"

	"github.com/rookery-im/rookery-go/core"
)

// MemStore is the in-memory Store used when the node runs without a data
// directory, and by tests.
type MemStore struct {
	mu       sync.RWMutex
	contacts map[core.PeerID]*Contact
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory contact store.
func NewMemStore() *MemStore {
	return &MemStore{contacts: make(map[core.PeerID]*Contact)}
}

func (s *MemStore) Put(c *Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = c.Clone()
	return nil
}

func (s *MemStore) Get(id core.PeerID) (*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, nil
	}
	return c.Clone(), nil
}

func (s *MemStore) Delete(id core.PeerID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contacts[id]; !ok {
		return false, nil
	}
	delete(s.contacts, id)
	return true, nil
}

func (s *MemStore) List() ([]*Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *MemStore) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contacts), nil
}
