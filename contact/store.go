package contact

import "github.com/rookery-im/rookery-go/core"

// Store is the persistence interface for contacts. Implementations return
// detached copies; mutations go through Put. Get returns (nil, nil) when the
// contact does not exist.
type Store interface {
	// Put inserts or replaces the contact keyed by c.ID.
	Put(c *Contact) error

	// Get returns the contact, or nil if unknown.
	Get(id core.PeerID) (*Contact, error)

	// Delete removes the contact, reporting whether it existed.
	Delete(id core.PeerID) (bool, error)

	// List returns all contacts ordered by AddedAt, then ID.
	List() ([]*Contact, error)

	// Count returns the number of stored contacts.
	Count() (int, error)
}
