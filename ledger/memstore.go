package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/rookery-im/rookery-go/core"
)

// MemStore is the in-memory GrantStore used without a data directory, and
// by tests.
type MemStore struct {
	mu     sync.RWMutex
	grants map[string]*Grant
}

var _ GrantStore = (*MemStore)(nil)

// NewMemStore creates an empty in-memory grant store.
func NewMemStore() *MemStore {
	return &MemStore{grants: make(map[string]*Grant)}
}

func (s *MemStore) PutGrants(grants []*Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range grants {
		s.grants[g.ID] = g.Clone()
	}
	return nil
}

func (s *MemStore) Get(id string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[id]
	if !ok {
		return nil, nil
	}
	return g.Clone(), nil
}

func (s *MemStore) Revoke(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[id]
	if !ok {
		return nil
	}
	if g.RevokedAt.IsZero() {
		g.RevokedAt = at
	}
	return nil
}

func (s *MemStore) Between(issuer, subject core.PeerID) ([]*Grant, error) {
	return s.filter(func(g *Grant) bool {
		return g.Issuer == issuer && g.Subject == subject
	}), nil
}

func (s *MemStore) ByIssuer(issuer core.PeerID) ([]*Grant, error) {
	return s.filter(func(g *Grant) bool { return g.Issuer == issuer }), nil
}

func (s *MemStore) BySubject(subject core.PeerID) ([]*Grant, error) {
	return s.filter(func(g *Grant) bool { return g.Subject == subject }), nil
}

func (s *MemStore) filter(keep func(*Grant) bool) []*Grant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Grant
	for _, g := range s.grants {
		if keep(g) {
			out = append(out, g.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.Before(out[j].IssuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
